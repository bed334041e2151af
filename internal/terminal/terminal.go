// Package terminal implements the terminal multiplexer: thin, stateful
// wrappers over the guest's named persistent shells. The guest owns the
// shells themselves; the daemon's only host-side state is the read cursor
// per (sandbox_id, name), which makes read_terminal's incremental mode
// deterministic across a long-running agent loop.
package terminal

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
)

// RPCClient is the subset of the guest RPC client the multiplexer needs.
// Defined here (rather than imported from internal/rpc) so tests can supply
// a fake without standing up a real transport.
type RPCClient interface {
	Call(ctx context.Context, method string, params, out interface{}) error
}

// Session describes one guest terminal, as reported by list_sessions.
type Session struct {
	Name string `json:"name"`
	Cwd  string `json:"cwd,omitempty"`
}

// Multiplexer tracks read cursors across every sandbox's terminals. The
// daemon creates one Multiplexer per workspace; cursors are keyed by
// (sandbox_id, name) so unrelated sandboxes never collide.
type Multiplexer struct {
	mu      sync.Mutex
	cursors map[cursorKey]int
}

type cursorKey struct {
	sandboxID string
	name      string
}

// New creates an empty multiplexer.
func New() *Multiplexer {
	return &Multiplexer{cursors: make(map[cursorKey]int)}
}

// StartTerminal creates a named persistent shell in the guest. Name
// uniqueness is enforced by the guest, not the daemon.
func (m *Multiplexer) StartTerminal(ctx context.Context, client RPCClient, sandboxID, name, cwd string) error {
	params := map[string]any{"name": name}
	if cwd != "" {
		params["cwd"] = cwd
	}
	if err := client.Call(ctx, "start_session", params, nil); err != nil {
		return fmt.Errorf("start_session %s: %w", name, err)
	}
	return nil
}

// SendToTerminal forwards a command to a guest terminal. Commands are
// base64-wrapped on the wire to avoid line/escape hazards, the same
// convention the guest's other byte-carrying fields use.
func (m *Multiplexer) SendToTerminal(ctx context.Context, client RPCClient, sandboxID, name, command string, enter bool) error {
	params := map[string]any{
		"name":    name,
		"command": base64.StdEncoding.EncodeToString([]byte(command)),
		"enter":   enter,
	}
	if err := client.Call(ctx, "send_to_session", params, nil); err != nil {
		return fmt.Errorf("send_to_session %s: %w", name, err)
	}
	return nil
}

// ReadTerminal requests the last `lines` lines of a guest terminal's
// capture. When incremental is true (the default), only the suffix past the
// stored cursor is returned and the cursor advances to the capture's new
// length; when false, the whole capture is returned and the cursor is left
// untouched.
func (m *Multiplexer) ReadTerminal(ctx context.Context, client RPCClient, sandboxID, name string, incremental bool, lines int) (string, error) {
	params := map[string]any{"name": name}
	if lines > 0 {
		params["lines"] = lines
	}
	var reply struct {
		Content string `json:"content"`
	}
	if err := client.Call(ctx, "read_session", params, &reply); err != nil {
		return "", fmt.Errorf("read_session %s: %w", name, err)
	}

	if !incremental {
		return reply.Content, nil
	}

	key := cursorKey{sandboxID: sandboxID, name: name}
	m.mu.Lock()
	defer m.mu.Unlock()

	cursor := m.cursors[key]
	if cursor > len(reply.Content) {
		// The guest capture was rotated or truncated below the stored
		// cursor; reset rather than return a negative-length slice.
		cursor = 0
	}
	suffix := reply.Content[cursor:]
	m.cursors[key] = len(reply.Content)
	return suffix, nil
}

// ListTerminals enumerates every guest terminal.
func (m *Multiplexer) ListTerminals(ctx context.Context, client RPCClient) ([]Session, error) {
	var reply struct {
		Sessions []Session `json:"sessions"`
	}
	if err := client.Call(ctx, "list_sessions", nil, &reply); err != nil {
		return nil, fmt.Errorf("list_sessions: %w", err)
	}
	return reply.Sessions, nil
}

// KillTerminal terminates a guest terminal and discards its read cursor.
func (m *Multiplexer) KillTerminal(ctx context.Context, client RPCClient, sandboxID, name string) error {
	params := map[string]any{"name": name}
	if err := client.Call(ctx, "kill_session", params, nil); err != nil {
		return fmt.Errorf("kill_session %s: %w", name, err)
	}

	m.mu.Lock()
	delete(m.cursors, cursorKey{sandboxID: sandboxID, name: name})
	m.mu.Unlock()
	return nil
}

// DropSandbox discards every cursor belonging to a sandbox, called when the
// sandbox manager stops it — its terminals no longer exist in the guest.
func (m *Multiplexer) DropSandbox(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.cursors {
		if key.sandboxID == sandboxID {
			delete(m.cursors, key)
		}
	}
}

