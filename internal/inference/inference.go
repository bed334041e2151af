// Package inference implements the inference engine: the iterative
// chat(user_text) loop that repairs interrupted turns, builds bounded
// context, calls the model, dispatches tool calls, and streams TurnEvents
// to the session's one subscriber — generalized from the teacher's
// handleUserMessage round loop (iterate/call-model/dispatch-tools/persist)
// onto a host-side tool registry with a remote model call, an iteration
// cap, and an event stream the teacher's guest-side loop never needed.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/otusdev/otusd/internal/agentctx"
	"github.com/otusdev/otusd/internal/episodic"
	"github.com/otusdev/otusd/internal/llm"
	"github.com/otusdev/otusd/internal/session"
	"github.com/otusdev/otusd/internal/tools"
)

const initialPromptTemplate = "The user's request:\n\n%s"

const actionPrompt = "You have not called a tool or finished the task. Either call a tool to make progress or call task_complete."

const interruptedToolResult = "Operation interrupted by user"

// Config configures an Engine.
type Config struct {
	SystemPrompt  string
	Budgets       agentctx.Budgets
	MaxIterations int
	CallTimeout   time.Duration
}

// Engine drives one session's chat turns against a model and a tool
// registry.
type Engine struct {
	llm      *llm.Client
	registry *tools.Registry
	episodic episodic.Store
	cfg      Config
}

// New creates an inference engine.
func New(llmClient *llm.Client, registry *tools.Registry, epi episodic.Store, cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 25
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 120 * time.Second
	}
	if cfg.Budgets == (agentctx.Budgets{}) {
		cfg.Budgets = agentctx.Budgets{
			MaxSummary:         4000,
			MaxRecentMessages:  40,
			MaxRecentChars:     60000,
			MaxToolResultChars: 4000,
			MaxTotalChars:      60000,
		}
	}
	return &Engine{llm: llmClient, registry: registry, episodic: epi, cfg: cfg}
}

// Chat runs one turn for sess: repairing any interrupted prior turn,
// appending the user's message, then iterating model calls and tool
// dispatch until the model calls task_complete or MAX_ITERATIONS is
// reached. Every step is published to sess's TurnEvent stream.
func (e *Engine) Chat(ctx context.Context, sess *session.Session, userText string) {
	e.repairInterruptedTurn(sess)
	e.appendUserMessage(sess, userText)
	e.ensureTask(sess)

	for iteration := 1; iteration <= e.cfg.MaxIterations; iteration++ {
		sess.Publish(session.TurnEvent{Kind: session.EventIteration, Current: iteration, Max: e.cfg.MaxIterations})

		messages := agentctx.Build(e.cfg.SystemPrompt, sess.Summary, e.currentStepDirective(sess), sess.Log(), e.cfg.Budgets)

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		resp, err := e.llm.Chat(callCtx, messages, e.registry.List())
		cancel()
		if err != nil {
			sess.Publish(session.TurnEvent{Kind: session.EventError, Message: err.Error()})
			sess.Publish(session.TurnEvent{Kind: session.EventComplete, Summary: fmt.Sprintf("Error: %v", err)})
			return
		}

		if len(resp.ToolCalls) > 0 {
			sess.Append(session.Entry{Role: session.RoleAssistant, Text: resp.Text, ToolCalls: toSessionToolCalls(resp.ToolCalls)})
		}
		if resp.Text != "" {
			sess.Publish(session.TurnEvent{Kind: session.EventThinking, Text: resp.Text})
		}

		if len(resp.ToolCalls) == 0 {
			sess.Append(session.Entry{Role: session.RoleUser, Text: actionPrompt})
			continue
		}

		completed := e.runToolBatch(ctx, sess, resp.ToolCalls)
		if completed {
			sess.Publish(session.TurnEvent{Kind: session.EventComplete, Summary: sess.Summary})
			return
		}
	}

	sess.Publish(session.TurnEvent{Kind: session.EventMaxIterations, Current: e.cfg.MaxIterations})
	sess.Publish(session.TurnEvent{Kind: session.EventComplete})
}

// repairInterruptedTurn appends a synthetic, errored tool_result for every
// tool_call left dangling by a turn that was cut off mid-execution, so the
// message-log invariant (every assistant-with-tool-calls is followed by
// its tool results) holds before the new user message is appended.
func (e *Engine) repairInterruptedTurn(sess *session.Session) {
	for _, tc := range sess.DanglingToolCalls() {
		sess.Append(session.Entry{
			Role:       session.RoleToolResult,
			ToolCallID: tc.ID,
			Content:    interruptedToolResult,
			IsError:    true,
		})
	}
}

func (e *Engine) appendUserMessage(sess *session.Session, userText string) {
	content := userText
	if len(sess.Log()) == 0 {
		content = fmt.Sprintf(initialPromptTemplate, userText)
	}
	sess.Append(session.Entry{Role: session.RoleUser, Text: content})
}

func (e *Engine) ensureTask(sess *session.Session) {
	if e.episodic == nil || sess.TaskID() != "" {
		return
	}
	taskID, err := e.episodic.NewTask(sess.ID)
	if err != nil {
		return
	}
	sess.SetTaskID(taskID)
}

func (e *Engine) currentStepDirective(sess *session.Session) string {
	plan := sess.CurrentPlan()
	if plan == nil || plan.Cursor >= len(plan.Steps) {
		return ""
	}
	return fmt.Sprintf("Current plan step (%d/%d): %s", plan.Cursor+1, len(plan.Steps), plan.Steps[plan.Cursor])
}

// runToolBatch dispatches every tool call in order, serialised as the model
// expects results in call order, appending a tool_result for each. It
// returns true once the batch contained a task_complete call, after every
// call in the batch has run.
func (e *Engine) runToolBatch(ctx context.Context, sess *session.Session, calls []llm.ToolCall) bool {
	completed := false
	for _, tc := range calls {
		sess.Publish(session.TurnEvent{Kind: session.EventToolCall, ToolName: tc.Name, ToolInput: string(tc.Arguments)})

		result := e.registry.Dispatch(ctx, sess, sess.TaskID(), tc.Name, json.RawMessage(tc.Arguments))

		sess.Append(session.Entry{
			Role:       session.RoleToolResult,
			ToolCallID: tc.ID,
			Content:    result.Text,
			IsError:    result.IsError,
		})
		sess.Publish(session.TurnEvent{Kind: session.EventToolResult, ToolName: tc.Name, ToolResult: result.Text, IsError: result.IsError})

		if e.episodic != nil && sess.TaskID() != "" {
			_ = e.episodic.Append(sess.TaskID(), "tool_call", map[string]any{"name": tc.Name, "input": string(tc.Arguments)})
			_ = e.episodic.Append(sess.TaskID(), "tool_result", map[string]any{"name": tc.Name, "result": result.Text, "is_error": result.IsError})
		}

		if result.TerminatesTurn {
			completed = true
		}
	}
	return completed
}

func toSessionToolCalls(calls []llm.ToolCall) []session.ToolCall {
	out := make([]session.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, session.ToolCall{ID: tc.ID, Name: tc.Name, ArgumentsRaw: string(tc.Arguments)})
	}
	return out
}
