// Package sandbox implements the sandbox manager: a per-session collection
// of running VMs keyed by sandbox id, with one sandbox marked active at a
// time. It prefers pool VMs on start, falls back to a fresh boot, and
// linearizes every map mutation behind a single mutex. Stopping a sandbox
// always destroys its VM, whether it came from the pool or was booted
// inline; VMs are never returned to the pool.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/otusdev/otusd/internal/ignore"
	"github.com/otusdev/otusd/internal/pool"
	"github.com/otusdev/otusd/internal/rpc"
	"github.com/otusdev/otusd/internal/vmm"
	"github.com/otusdev/otusd/internal/workspace"
)

// ErrNotFound is returned by operations on an unknown or already-stopped
// sandbox id.
var ErrNotFound = errors.New("sandbox: not found")

// Sandbox is one running VM owned by a session.
type Sandbox struct {
	ID              string
	Name            string
	Handle          vmm.Handle
	Client          *rpc.Client
	GuestIP         string
	WorkspaceSynced bool
	CreatedAt       time.Time
}

// healthResult mirrors the guest's health RPC reply, used for uptime
// reporting in ListSandboxes.
type healthResult struct {
	Uptime float64 `json:"uptime"`
}

// Info is the caller-facing snapshot returned by ListSandboxes.
type Info struct {
	ID              string
	Name            string
	UptimeSeconds   float64
	GuestIP         string
	WorkspaceSynced bool
}

// Manager owns every sandbox created for one session (or one workspace).
type Manager struct {
	backend vmm.VMM
	pool    *pool.Pool
	newCfg  func() vmm.VMConfig
	syncer  *workspace.Syncer
	log     zerolog.Logger

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
	activeID  string
}

// NewManager creates a sandbox manager. pool may be nil, in which case every
// start_sandbox boots inline.
func NewManager(backend vmm.VMM, p *pool.Pool, newCfg func() vmm.VMConfig, syncer *workspace.Syncer, log zerolog.Logger) *Manager {
	return &Manager{
		backend:   backend,
		pool:      p,
		newCfg:    newCfg,
		syncer:    syncer,
		sandboxes: make(map[string]*Sandbox),
		log:       log,
	}
}

// StartSandbox obtains a VM — from the pool if one is available, else by
// booting inline — and registers it under a fresh id. The first sandbox
// created becomes active.
func (m *Manager) StartSandbox(ctx context.Context, name string) (*Sandbox, error) {
	var (
		handle  vmm.Handle
		channel vmm.ControlChannel
		guestIP string
	)

	if m.pool != nil {
		if v, ok := m.pool.Get(); ok {
			handle, channel, guestIP = v.Handle, v.Channel, v.GuestIP
		}
	}

	if channel == nil {
		cfg := m.newCfg()
		h, err := m.backend.CreateVM(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create vm: %w", err)
		}
		ch, err := m.backend.StartVM(ctx, h)
		if err != nil {
			_ = m.backend.StopVM(ctx, h)
			return nil, fmt.Errorf("start vm: %w", err)
		}
		handle, channel = h, ch
		if endpoints, err := m.backend.HostEndpoints(h); err == nil && len(endpoints) > 0 {
			guestIP = endpoints[0].BackendAddr
		}
	}

	sb := &Sandbox{
		ID:        uuid.NewString(),
		Name:      name,
		Handle:    handle,
		Client:    rpc.NewClient(channel, m.log),
		GuestIP:   guestIP,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.sandboxes[sb.ID] = sb
	if m.activeID == "" {
		m.activeID = sb.ID
	}
	m.mu.Unlock()

	return sb, nil
}

// SetActive changes which sandbox is implicitly targeted when a tool call
// omits a sandbox id.
func (m *Manager) SetActive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sandboxes[id]; !ok {
		return ErrNotFound
	}
	m.activeID = id
	return nil
}

// Active returns the active sandbox, or nil if none.
func (m *Manager) Active() *Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == "" {
		return nil
	}
	return m.sandboxes[m.activeID]
}

// Resolve returns the sandbox for id, or the active sandbox when id is
// empty.
func (m *Manager) Resolve(id string) (*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		id = m.activeID
	}
	sb, ok := m.sandboxes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sb, nil
}

// StopSandbox stops the given sandbox (or the active one if id is empty),
// optionally syncing the workspace back first, then closes the RPC client
// and destroys the VM. It is idempotent: stopping an id already removed
// fails cleanly with ErrNotFound rather than panicking or double-destroying.
func (m *Manager) StopSandbox(ctx context.Context, id string, syncBack bool, patterns *ignore.Patterns) error {
	m.mu.Lock()
	if id == "" {
		id = m.activeID
	}
	sb, ok := m.sandboxes[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sandboxes, id)
	if m.activeID == id {
		m.activeID = m.pickNewActiveLocked()
	}
	m.mu.Unlock()

	if syncBack && m.syncer != nil && patterns != nil {
		if _, err := m.syncer.FromSandbox(ctx, sb.Client, patterns); err != nil {
			m.log.Warn().Err(err).Str("sandbox_id", id).Msg("sandbox: sync back on stop failed")
		}
	}

	_ = sb.Client.Close()
	return m.backend.StopVM(ctx, sb.Handle)
}

// pickNewActiveLocked chooses the next active sandbox after the current one
// is removed; callers must hold m.mu. Map iteration order is arbitrary in
// Go, which is fine here — spec only requires that *some* remaining sandbox
// becomes active, not a specific one.
func (m *Manager) pickNewActiveLocked() string {
	for id := range m.sandboxes {
		return id
	}
	return ""
}

// ListSandboxes reports id, name, uptime (via the guest's health RPC),
// guest IP, and sync flag for every live sandbox.
func (m *Manager) ListSandboxes(ctx context.Context) []Info {
	m.mu.Lock()
	snapshot := make([]*Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		snapshot = append(snapshot, sb)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(snapshot))
	for _, sb := range snapshot {
		var h healthResult
		uptime := 0.0
		if err := sb.Client.Call(ctx, "health", nil, &h); err == nil {
			uptime = h.Uptime
		}
		infos = append(infos, Info{
			ID:              sb.ID,
			Name:            sb.Name,
			UptimeSeconds:   uptime,
			GuestIP:         sb.GuestIP,
			WorkspaceSynced: sb.WorkspaceSynced,
		})
	}
	return infos
}

// Shutdown stops every remaining sandbox, ignoring individual errors so one
// stuck VM does not block the rest from being torn down.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sandboxes))
	for id := range m.sandboxes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StopSandbox(ctx, id, false, nil); err != nil && !errors.Is(err, ErrNotFound) {
			m.log.Warn().Err(err).Str("sandbox_id", id).Msg("sandbox: shutdown stop failed")
		}
	}
}
