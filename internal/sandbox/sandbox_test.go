package sandbox

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/otusdev/otusd/internal/rpc"
	"github.com/otusdev/otusd/internal/vmm"
)

// fakeVMM boots VMs backed by an in-memory net.Pipe, with a background
// goroutine on the "guest" side answering health RPCs so ListSandboxes has
// something real to decode.
type fakeVMM struct {
	counter int
}

func (f *fakeVMM) CreateVM(ctx context.Context, cfg vmm.VMConfig) (vmm.Handle, error) {
	f.counter++
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
		result, _ := json.Marshal(map[string]any{"uptime": 12.5})
		resp := wireMessage{JSONRPC: "2.0", ID: req.ID, Result: result}
		payload, _ := json.Marshal(resp)
		if err := f.Send(context.Background(), payload); err != nil {
			return
		}
	}
}

func newTestManager() *Manager {
	backend := &fakeVMM{}
	return NewManager(backend, nil, func() vmm.VMConfig { return vmm.VMConfig{} }, nil, zerolog.Nop())
}

func TestStartSandboxBootsInlineAndBecomesActive(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sb, err := m.StartSandbox(ctx, "first")
	require.NoError(t, err)
	require.NotEmpty(t, sb.ID)
	require.Equal(t, "10.200.0.2", sb.GuestIP)

	active := m.Active()
	require.NotNil(t, active)
	require.Equal(t, sb.ID, active.ID)
}

func TestSecondSandboxDoesNotDisplaceActive(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := m.StartSandbox(ctx, "a")
	require.NoError(t, err)
	_, err = m.StartSandbox(ctx, "b")
	require.NoError(t, err)

	require.Equal(t, first.ID, m.Active().ID)
}

func TestSetActiveAndResolve(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := m.StartSandbox(ctx, "a")
	require.NoError(t, err)
	second, err := m.StartSandbox(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, m.SetActive(second.ID))
	require.Equal(t, second.ID, m.Active().ID)

	resolved, err := m.Resolve("")
	require.NoError(t, err)
	require.Equal(t, second.ID, resolved.ID)

	resolved, err = m.Resolve(first.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, resolved.ID)

	_, err = m.Resolve("does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStopSandboxIsIdempotent(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sb, err := m.StartSandbox(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, m.StopSandbox(ctx, sb.ID, false, nil))
	err = m.StopSandbox(ctx, sb.ID, false, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStopActiveSandboxPromotesAnother(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := m.StartSandbox(ctx, "a")
	require.NoError(t, err)
	second, err := m.StartSandbox(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, m.StopSandbox(ctx, first.ID, false, nil))
	require.Equal(t, second.ID, m.Active().ID)
}

func TestListSandboxesReportsUptimeAndIP(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sb, err := m.StartSandbox(ctx, "a")
	require.NoError(t, err)

	infos := m.ListSandboxes(ctx)
	require.Len(t, infos, 1)
	require.Equal(t, sb.ID, infos[0].ID)
	require.Equal(t, "10.200.0.2", infos[0].GuestIP)
	require.Equal(t, 12.5, infos[0].UptimeSeconds)
}

func TestManagerShutdownStopsEverySandbox(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := m.StartSandbox(ctx, "a")
	require.NoError(t, err)
	_, err = m.StartSandbox(ctx, "b")
	require.NoError(t, err)

	m.Shutdown(ctx)
	require.Empty(t, m.ListSandboxes(ctx))
}
