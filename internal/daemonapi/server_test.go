package daemonapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/otusdev/otusd/internal/config"
	"github.com/otusdev/otusd/internal/rpc"
	"github.com/otusdev/otusd/internal/vmm"
)

// fakeVMM boots VMs backed by an in-memory net.Pipe, mirroring the sandbox
// package's own test double since daemonapi wires the same VMM interface.
type fakeVMM struct{}

func (f *fakeVMM) CreateVM(ctx context.Context, cfg vmm.VMConfig) (vmm.Handle, error) {
	return vmm.Handle{ID: "vm"}, nil
}

func (f *fakeVMM) StartVM(ctx context.Context, h vmm.Handle) (vmm.ControlChannel, error) {
	clientSide, guestSide := net.Pipe()
	go serveFakeGuest(rpc.NewFramer(guestSide))
	return rpc.NewFramer(clientSide), nil
}

func (f *fakeVMM) PauseVM(ctx context.Context, h vmm.Handle) error  { return nil }
func (f *fakeVMM) ResumeVM(ctx context.Context, h vmm.Handle) error { return nil }
func (f *fakeVMM) StopVM(ctx context.Context, h vmm.Handle) error   { return nil }
func (f *fakeVMM) HostEndpoints(h vmm.Handle) ([]vmm.HostEndpoint, error) {
	return []vmm.HostEndpoint{{BackendAddr: "10.200.0.2"}}, nil
}
func (f *fakeVMM) Capabilities() vmm.BackendCaps { return vmm.BackendCaps{Name: "fake"} }

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func serveFakeGuest(f rpc.Framer) {
	for {
		raw, err := f.Recv(context.Background())
		if err != nil {
			return
		}
		var req wireMessage
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		result, _ := json.Marshal(map[string]any{"uptime": 1.0})
		resp := wireMessage{JSONRPC: "2.0", ID: req.ID, Result: result}
		payload, _ := json.Marshal(resp)
		if err := f.Send(context.Background(), payload); err != nil {
			return
		}
	}
}

// newTestServer wires a Server whose model endpoint is a canned
// chat/completions server that immediately calls task_complete.
func newTestServer(t *testing.T, modelSrv *httptest.Server) (*Server, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.SocketPath = filepath.Join(dir, "daemon.sock")
	cfg.PIDPath = filepath.Join(dir, "daemon.pid")
	cfg.WorkspacesDir = filepath.Join(dir, "workspaces")
	cfg.CredentialsPath = filepath.Join(dir, "credentials.json")
	cfg.BaseRootfsPath = filepath.Join(dir, "rootfs.ext4")
	cfg.KernelPath = filepath.Join(dir, "kernel", "vmlinux")
	cfg.MaxIterations = 5

	s := NewServer(cfg, &fakeVMM{}, nil, zerolog.Nop())
	if modelSrv != nil {
		openRouterBaseURLOverride = modelSrv.URL
		t.Cleanup(func() { openRouterBaseURLOverride = "" })
	}
	return s, cfg
}

func TestHealthReportsOKWithoutPool(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Nil(t, resp.VMPool)
}

func TestPrerequisitesReportsMissingArtifacts(t *testing.T) {
	s, _ := newTestServer(t, nil)
	body := strings.NewReader(`{"workspacePath":"/tmp/ws"}`)
	req := httptest.NewRequest(http.MethodPost, "/prerequisites", body)
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp prerequisitesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Issues)
}

func TestInitSavesCredentialsAndWiresWorkspace(t *testing.T) {
	s, cfg := newTestServer(t, nil)
	workspaceRoot := filepath.Join(t.TempDir(), "proj")

	payload := map[string]any{
		"workspacePath":    workspaceRoot,
		"openrouterApiKey": "or-key",
		"voyageApiKey":     "voyage-key",
	}
	data, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/init", strings.NewReader(string(data)))
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "or-key", s.creds.OpenRouterAPIKey)

	_, ok := s.getWorkspace(workspaceRoot)
	require.True(t, ok)
	_ = cfg
}

func TestCreateSessionInitializesWorkspaceOnDemand(t *testing.T) {
	s, _ := newTestServer(t, nil)
	workspaceRoot := filepath.Join(t.TempDir(), "proj")

	payload := map[string]any{"workspacePath": workspaceRoot}
	data, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(string(data)))
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp createSessionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)

	require.NotNil(t, s.sessions.Get(resp.SessionID))
}

func TestDeleteSessionRemovesItFromManager(t *testing.T) {
	s, _ := newTestServer(t, nil)
	sess := s.sessions.Open()

	req := httptest.NewRequest(http.MethodDelete, "/sessions/"+sess.ID, nil)
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Nil(t, s.sessions.Get(sess.ID))
}

func TestShutdownClosesShuttingDownChannelOnlyOnce(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr2 := httptest.NewRecorder()
	require.NotPanics(t, func() {
		s.mux.ServeHTTP(rr2, httptest.NewRequest(http.MethodPost, "/shutdown", nil))
	})

	select {
	case <-s.ShuttingDown():
	case <-time.After(time.Second):
		t.Fatal("ShuttingDown channel was never closed")
	}
}

// TestSessionMessagesStreamsSSEEventsEndingInStreamEnd exercises the full
// init -> create session -> messages round trip against a real listening
// socket, since SSE framing needs an actual net/http client to parse.
func TestSessionMessagesStreamsSSEEventsEndingInStreamEnd(t *testing.T) {
	modelSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[{"id":"c1","function":{"name":"task_complete","arguments":"{\"summary\":\"done\"}"}}]}}]}`))
	}))
	defer modelSrv.Close()

	s, _ := newTestServer(t, modelSrv)
	workspaceRoot := filepath.Join(t.TempDir(), "proj")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpServer := &http.Server{Handler: s.mux}
	go httpServer.Serve(ln)
	defer httpServer.Close()

	baseURL := "http://" + ln.Addr().String()

	initPayload, _ := json.Marshal(map[string]any{
		"workspacePath":    workspaceRoot,
		"openrouterApiKey": "k",
	})
	resp, err := http.Post(baseURL+"/init", "application/json", strings.NewReader(string(initPayload)))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	sessPayload, _ := json.Marshal(map[string]any{"workspacePath": workspaceRoot})
	resp, err = http.Post(baseURL+"/sessions", "application/json", strings.NewReader(string(sessPayload)))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created createSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	msgPayload, _ := json.Marshal(map[string]any{"message": "do the thing"})
	resp, err = http.Post(baseURL+"/sessions/"+created.SessionID+"/messages", "application/json", strings.NewReader(string(msgPayload)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var sawComplete, sawStreamEnd bool
	for {
		line, err := reader.ReadString('\n')
		if strings.HasPrefix(line, "data: ") {
			payload := strings.TrimPrefix(strings.TrimSpace(line), "data: ")
			if strings.Contains(payload, `"kind":"complete"`) {
				sawComplete = true
			}
			if strings.Contains(payload, `"kind":"stream_end"`) {
				sawStreamEnd = true
			}
		}
		if err != nil {
			break
		}
	}
	require.True(t, sawComplete)
	require.True(t, sawStreamEnd)
}
