package session

import "sync"

// TurnEventKind tags the variant of a streamed TurnEvent.
type TurnEventKind string

const (
	EventIteration         TurnEventKind = "iteration"
	EventThinking          TurnEventKind = "thinking"
	EventToolCall          TurnEventKind = "tool_call"
	EventToolResult        TurnEventKind = "tool_result"
	EventPlanCreated       TurnEventKind = "plan_created"
	EventPlanStepComplete  TurnEventKind = "plan_step_complete"
	EventComplete          TurnEventKind = "complete"
	EventError             TurnEventKind = "error"
	EventMaxIterations     TurnEventKind = "max_iterations_reached"
)

// TurnEvent is one item in the stream the inference loop yields to a
// session's chat client. Only the fields relevant to Kind are populated.
type TurnEvent struct {
	Kind TurnEventKind `json:"kind"`

	// iteration
	Current int `json:"current,omitempty"`
	Max     int `json:"max,omitempty"`

	// thinking
	Text string `json:"text,omitempty"`

	// tool_call / tool_result
	ToolName   string `json:"tool_name,omitempty"`
	ToolInput  string `json:"tool_input,omitempty"`
	ToolResult string `json:"tool_result,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	// plan_created
	PlanSteps   []string `json:"plan_steps,omitempty"`
	CurrentStep int      `json:"current_step,omitempty"`

	// plan_step_complete
	Completed string `json:"completed,omitempty"`
	Next      string `json:"next,omitempty"`
	Total     int    `json:"total,omitempty"`

	// complete
	Summary string `json:"summary,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// eventBus fans a session's TurnEvents out to exactly one live subscriber,
// the HTTP handler draining the in-flight chat call's SSE response —
// spec.md scopes this to "one event stream per chat call", so unlike the
// teacher's tether.Store there is no need for a ring buffer or multiple
// concurrent subscribers.
type eventBus struct {
	mu  sync.Mutex
	sub chan TurnEvent
}

func newEventBus() *eventBus {
	return &eventBus{}
}

// Subscribe registers the single live listener for this session's events.
// A second concurrent Subscribe replaces the first, which then sees its
// channel closed. The close happens under b.mu so it can never interleave
// with a Publish send on the same channel.
func (b *eventBus) Subscribe() (<-chan TurnEvent, func()) {
	ch := make(chan TurnEvent, 64)
	b.mu.Lock()
	if b.sub != nil {
		close(b.sub)
	}
	b.sub = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.sub == ch {
			close(ch)
			b.sub = nil
		}
	}
	return ch, unsub
}

// Publish delivers an event to the current subscriber, if any. A full
// subscriber channel drops the event rather than blocking the inference
// loop — the SSE handler is expected to drain promptly. The send happens
// under b.mu, the same lock unsub and a replacing Subscribe close under, so
// a subscriber's channel is never sent on after (or while) it is closed.
func (b *eventBus) Publish(ev TurnEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return
	}
	select {
	case b.sub <- ev:
	default:
	}
}

// Subscribe exposes the session's event stream to the daemon server.
func (s *Session) Subscribe() (<-chan TurnEvent, func()) {
	return s.events.Subscribe()
}

// Publish is called by the inference loop to emit one TurnEvent.
func (s *Session) Publish(ev TurnEvent) {
	s.events.Publish(ev)
}
