// Package session implements the session manager: per-session message log,
// plan, summary, and episodic task reference, plus the TurnEvent stream an
// in-flight chat call publishes to its one subscriber.
package session

import (
	"sync"
	"time"
)

// Role tags a message log entry's kind.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
	RoleSystem     Role = "system"
)

// ToolCall is one function call an assistant entry requested.
type ToolCall struct {
	ID           string
	Name         string
	ArgumentsRaw string
}

// Entry is one message log entry — a tagged union over Role. Only the
// fields relevant to Role are meaningful.
type Entry struct {
	Role       Role
	Text       string
	ToolCalls  []ToolCall // assistant only
	ToolCallID string     // tool_result only
	Content    string     // tool_result only
	IsError    bool       // tool_result only
	At         time.Time
}

// Plan is the session's current ordered list of free-text steps, with a
// cursor into the first not-yet-completed step.
type Plan struct {
	Steps  []string
	Cursor int
}

// Session holds everything one conversation owns exclusively: its message
// log, plan, summary, and episodic task id. A Session is mutated only by
// its owning inference loop, but guards its state with a mutex since the
// daemon server and the inference goroutine both read it.
type Session struct {
	ID      string
	mu      sync.Mutex
	log     []Entry
	plan    *Plan
	Summary string
	taskID  string

	events *eventBus
}

// New creates an empty session.
func New(id string) *Session {
	return &Session{ID: id, events: newEventBus()}
}

// Append adds an entry to the message log. The log is append-only during a
// turn except for the interrupted-turn repair the inference engine performs
// before appending a new user message.
func (s *Session) Append(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.log = append(s.log, e)
	s.mu.Unlock()
}

// Log returns a copy of the message log in order.
func (s *Session) Log() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.log))
	copy(out, s.log)
	return out
}

// LastEntry returns the last log entry and true, or the zero Entry and
// false if the log is empty.
func (s *Session) LastEntry() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.log) == 0 {
		return Entry{}, false
	}
	return s.log[len(s.log)-1], true
}

// DanglingToolCalls reports the tool_calls on the last log entry that have
// no matching tool_result yet — the signal the inference engine's
// interrupted-turn repair uses to tell a cut-off turn from a clean one.
func (s *Session) DanglingToolCalls() []ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.log) == 0 {
		return nil
	}
	last := s.log[len(s.log)-1]
	if last.Role != RoleAssistant || len(last.ToolCalls) == 0 {
		return nil
	}
	return append([]ToolCall(nil), last.ToolCalls...)
}

// SetPlan replaces the session's plan and resets the cursor to 0, per
// the `plan` tool's semantics.
func (s *Session) SetPlan(steps []string) {
	s.mu.Lock()
	s.plan = &Plan{Steps: steps, Cursor: 0}
	s.mu.Unlock()
}

// AdvancePlan moves the cursor to the next step, returning the completed
// step's text, the next step's text (empty if none), and the total step
// count. ok is false if there is no plan or the cursor is already past the
// end.
func (s *Session) AdvancePlan() (completed, next string, total int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil || s.plan.Cursor >= len(s.plan.Steps) {
		return "", "", 0, false
	}
	completed = s.plan.Steps[s.plan.Cursor]
	s.plan.Cursor++
	total = len(s.plan.Steps)
	if s.plan.Cursor < total {
		next = s.plan.Steps[s.plan.Cursor]
	}
	return completed, next, total, true
}

// CurrentPlan returns a copy of the plan, or nil if none has been set.
func (s *Session) CurrentPlan() *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil {
		return nil
	}
	cp := *s.plan
	cp.Steps = append([]string(nil), s.plan.Steps...)
	return &cp
}

// SetSummary replaces the session summary (the task_complete tool sets it
// to the finished task's summary).
func (s *Session) SetSummary(summary string) {
	s.mu.Lock()
	s.Summary = summary
	s.mu.Unlock()
}

// TaskID returns the episodic log's task id bound to this session's
// current task, or "" if none has been allocated yet.
func (s *Session) TaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

// SetTaskID binds this session to an episodic task id.
func (s *Session) SetTaskID(id string) {
	s.mu.Lock()
	s.taskID = id
	s.mu.Unlock()
}
