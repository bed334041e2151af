// Package agentctx builds the bounded message sequence sent to the model
// from an unbounded session message log, a system prompt, and an optional
// current-step directive, generalizing the teacher's backward-scanning
// context assembly into an atomic-group algorithm that never splits a
// tool-call chain.
package agentctx

import (
	"fmt"

	"github.com/otusdev/otusd/internal/session"
)

// Budgets bounds context assembly, in characters as a proxy for tokens.
type Budgets struct {
	MaxSummary         int
	MaxRecentMessages  int
	MaxRecentChars     int
	MaxToolResultChars int
	MaxTotalChars      int // excludes the unconditional system prompt
}

// ChatMessage is one message in the bounded sequence handed to the model.
type ChatMessage struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCallID string
	ToolCalls  []session.ToolCall // assistant only
	IsError    bool               // tool only
}

const continuePrompt = "Continue working on the current task. Use tools to make progress."

// Build assembles the bounded message sequence: the system prompt
// unconditionally, then the summary and current-step directive as system
// messages if present, then as many of the log's atomic groups (latest
// first) as fit the budgets, with a synthetic leading user turn inserted
// if the selection would otherwise start with a non-user message.
func Build(systemPrompt, summary, currentStep string, log []session.Entry, budgets Budgets) []ChatMessage {
	messages := []ChatMessage{{Role: "system", Content: systemPrompt}}

	emittedSystemChars := 0
	if summary != "" {
		truncated := truncateEllipsis(summary, budgets.MaxSummary)
		messages = append(messages, ChatMessage{Role: "system", Content: truncated})
		emittedSystemChars += len(truncated)
	}
	if currentStep != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: currentStep})
		emittedSystemChars += len(currentStep)
	}

	groups := buildGroups(log, budgets.MaxToolResultChars)
	selected := selectRecent(groups, budgets, emittedSystemChars)

	var recent []ChatMessage
	for _, g := range selected {
		for _, e := range g.entries {
			recent = append(recent, toChatMessage(e))
		}
	}
	if len(recent) > 0 && recent[0].Role != "user" {
		recent = append([]ChatMessage{{Role: "user", Content: continuePrompt}}, recent...)
	}

	return append(messages, recent...)
}

// group is one atomic unit of the message log: either a single message, or
// an assistant-with-tool-calls entry together with every tool_result entry
// it references.
type group struct {
	entries []session.Entry
	chars   int
}

func buildGroups(log []session.Entry, maxToolResultChars int) []group {
	var groups []group
	i := 0
	for i < len(log) {
		e := log[i]
		if e.Role == session.RoleAssistant && len(e.ToolCalls) > 0 {
			pending := make(map[string]bool, len(e.ToolCalls))
			for _, tc := range e.ToolCalls {
				pending[tc.ID] = true
			}
			members := []session.Entry{e}
			j := i + 1
			for j < len(log) && len(pending) > 0 {
				next := log[j]
				if next.Role != session.RoleToolResult || !pending[next.ToolCallID] {
					break
				}
				members = append(members, normalizeToolResult(next, maxToolResultChars))
				delete(pending, next.ToolCallID)
				j++
			}
			groups = append(groups, newGroup(members))
			i = j
			continue
		}
		if e.Role == session.RoleToolResult {
			groups = append(groups, newGroup([]session.Entry{normalizeToolResult(e, maxToolResultChars)}))
			i++
			continue
		}
		groups = append(groups, newGroup([]session.Entry{e}))
		i++
	}
	return groups
}

func newGroup(entries []session.Entry) group {
	total := 0
	for _, e := range entries {
		total += entryChars(e)
	}
	return group{entries: entries, chars: total}
}

func entryChars(e session.Entry) int {
	if e.Role == session.RoleToolResult {
		return len(e.Content)
	}
	n := len(e.Text)
	for _, tc := range e.ToolCalls {
		n += len(tc.Name) + len(tc.ArgumentsRaw)
	}
	return n
}

// selectRecent walks groups from latest to earliest, accumulating whole
// groups while both the character and message-count budgets hold. A group
// that alone exceeds the character budget is still admitted if nothing has
// been selected yet, so a single oversized turn never starves the context
// entirely.
func selectRecent(groups []group, budgets Budgets, emittedSystemChars int) []group {
	charBudget := budgets.MaxTotalChars - emittedSystemChars
	if budgets.MaxRecentChars < charBudget {
		charBudget = budgets.MaxRecentChars
	}

	var selected []group
	chars, count := 0, 0
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		wouldChars := chars + g.chars
		wouldCount := count + len(g.entries)
		if wouldChars > charBudget || wouldCount > budgets.MaxRecentMessages {
			if len(selected) == 0 {
				selected = append([]group{g}, selected...)
			}
			break
		}
		selected = append([]group{g}, selected...)
		chars, count = wouldChars, wouldCount
	}
	return selected
}

// normalizeToolResult truncates an over-long tool_result's content to its
// first and last halves, joined by a marker naming the elided length.
func normalizeToolResult(e session.Entry, max int) session.Entry {
	if e.Role != session.RoleToolResult || max <= 0 || len(e.Content) <= max {
		return e
	}
	half := max / 2
	elided := len(e.Content) - 2*half
	marker := fmt.Sprintf("… [truncated %d characters] …", elided)
	e.Content = e.Content[:half] + marker + e.Content[len(e.Content)-half:]
	return e
}

func truncateEllipsis(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}

func toChatMessage(e session.Entry) ChatMessage {
	switch e.Role {
	case session.RoleUser:
		return ChatMessage{Role: "user", Content: e.Text}
	case session.RoleAssistant:
		return ChatMessage{Role: "assistant", Content: e.Text, ToolCalls: e.ToolCalls}
	case session.RoleToolResult:
		return ChatMessage{Role: "tool", Content: e.Content, ToolCallID: e.ToolCallID, IsError: e.IsError}
	default:
		return ChatMessage{Role: "system", Content: e.Text}
	}
}
