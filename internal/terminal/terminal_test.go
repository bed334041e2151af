package terminal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeClient is a minimal RPCClient stub that records the last call and
// replies from a canned table keyed by method name.
type fakeClient struct {
	lastMethod string
	lastParams any
	replies    map[string]any
}

func newFakeClient() *fakeClient {
	return &fakeClient{replies: make(map[string]any)}
}

func (f *fakeClient) Call(ctx context.Context, method string, params, out interface{}) error {
	f.lastMethod = method
	f.lastParams = params
	reply, ok := f.replies[method]
	if !ok || out == nil {
		return nil
	}
	raw, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func TestStartTerminalSendsNameAndCwd(t *testing.T) {
	client := newFakeClient()
	m := New()

	require.NoError(t, m.StartTerminal(context.Background(), client, "sb1", "main", "/workspace"))
	require.Equal(t, "start_session", client.lastMethod)
	params := client.lastParams.(map[string]any)
	require.Equal(t, "main", params["name"])
	require.Equal(t, "/workspace", params["cwd"])
}

func TestSendToTerminalBase64EncodesCommand(t *testing.T) {
	client := newFakeClient()
	m := New()

	require.NoError(t, m.SendToTerminal(context.Background(), client, "sb1", "main", "ls -la", true))
	params := client.lastParams.(map[string]any)
	decoded, err := base64.StdEncoding.DecodeString(params["command"].(string))
	require.NoError(t, err)
	require.Equal(t, "ls -la", string(decoded))
	require.Equal(t, true, params["enter"])
}

func TestReadTerminalIncrementalReturnsOnlyNewSuffix(t *testing.T) {
	client := newFakeClient()
	m := New()

	client.replies["read_session"] = map[string]any{"content": "line1\nline2\n"}
	first, err := m.ReadTerminal(context.Background(), client, "sb1", "main", true, 100)
	require.NoError(t, err)
	require.Equal(t, "line1\nline2\n", first)

	client.replies["read_session"] = map[string]any{"content": "line1\nline2\nline3\n"}
	second, err := m.ReadTerminal(context.Background(), client, "sb1", "main", true, 100)
	require.NoError(t, err)
	require.Equal(t, "line3\n", second)
}

func TestReadTerminalNonIncrementalIgnoresCursor(t *testing.T) {
	client := newFakeClient()
	m := New()

	client.replies["read_session"] = map[string]any{"content": "abc"}
	_, err := m.ReadTerminal(context.Background(), client, "sb1", "main", true, 0)
	require.NoError(t, err)

	full, err := m.ReadTerminal(context.Background(), client, "sb1", "main", false, 0)
	require.NoError(t, err)
	require.Equal(t, "abc", full)

	// Cursor was not advanced by the non-incremental read.
	client.replies["read_session"] = map[string]any{"content": "abcdef"}
	incremental, err := m.ReadTerminal(context.Background(), client, "sb1", "main", true, 0)
	require.NoError(t, err)
	require.Equal(t, "def", incremental)
}

func TestReadTerminalCursorsAreIsolatedPerSandboxAndName(t *testing.T) {
	client := newFakeClient()
	m := New()

	client.replies["read_session"] = map[string]any{"content": "xyz"}
	_, err := m.ReadTerminal(context.Background(), client, "sb1", "main", true, 0)
	require.NoError(t, err)

	other, err := m.ReadTerminal(context.Background(), client, "sb2", "main", true, 0)
	require.NoError(t, err)
	require.Equal(t, "xyz", other)
}

func TestKillTerminalDropsCursor(t *testing.T) {
	client := newFakeClient()
	m := New()

	client.replies["read_session"] = map[string]any{"content": "abc"}
	_, err := m.ReadTerminal(context.Background(), client, "sb1", "main", true, 0)
	require.NoError(t, err)

	require.NoError(t, m.KillTerminal(context.Background(), client, "sb1", "main"))

	client.replies["read_session"] = map[string]any{"content": "fresh"}
	again, err := m.ReadTerminal(context.Background(), client, "sb1", "main", true, 0)
	require.NoError(t, err)
	require.Equal(t, "fresh", again)
}

func TestListTerminalsDecodesSessions(t *testing.T) {
	client := newFakeClient()
	m := New()
	client.replies["list_sessions"] = map[string]any{
		"sessions": []map[string]any{{"name": "main", "cwd": "/workspace"}},
	}

	sessions, err := m.ListTerminals(context.Background(), client)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "main", sessions[0].Name)
}
