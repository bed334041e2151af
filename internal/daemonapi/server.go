// Package daemonapi implements otusd's HTTP API: the local Unix-socket
// server the CLI talks to, generalizing the teacher's internal/api mux and
// streaming idioms onto session lifecycle, SSE-streamed chat turns, and
// per-workspace component wiring instead of instance CRUD.
package daemonapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/otusdev/otusd/internal/config"
	"github.com/otusdev/otusd/internal/inference"
	"github.com/otusdev/otusd/internal/pool"
	"github.com/otusdev/otusd/internal/secrets"
	"github.com/otusdev/otusd/internal/session"
	"github.com/otusdev/otusd/internal/vmm"
)

// Server is the otusd HTTP API server.
type Server struct {
	cfg      *config.Config
	backend  vmm.VMM
	pool     *pool.Pool
	sessions *session.Manager
	log      zerolog.Logger

	mu                sync.Mutex
	workspaces        map[string]*workspaceState
	creds             secrets.Credentials
	sessionEngines    map[string]*inference.Engine
	sessionWorkspaces map[string]string

	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewServer creates an otusd API server. backend is shared across every
// workspace the server ever initialises. p is an optional shared pool
// override; when nil (the normal case), each workspace builds and owns its
// own pool sized by cfg.PoolTargetSize (0 disables pre-warming for that
// workspace, falling back to an inline boot on every start_sandbox).
func NewServer(cfg *config.Config, backend vmm.VMM, p *pool.Pool, log zerolog.Logger) *Server {
	creds, err := secrets.Load(cfg.CredentialsPath)
	if err != nil {
		log.Warn().Err(err).Msg("daemonapi: ignoring unreadable credentials file")
	}

	s := &Server{
		cfg:               cfg,
		backend:           backend,
		pool:              p,
		sessions:          session.NewManager(),
		log:               log,
		workspaces:        make(map[string]*workspaceState),
		creds:             creds,
		sessionEngines:    make(map[string]*inference.Engine),
		sessionWorkspaces: make(map[string]string),
		mux:               http.NewServeMux(),
		shutdown:          make(chan struct{}),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /prerequisites", s.handlePrerequisites)
	s.mux.HandleFunc("POST /init", s.handleInit)
	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("POST /sessions/{id}/messages", s.handleSessionMessages)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /workspaces/{path}/shutdown", s.handleWorkspaceShutdown)
	s.mux.HandleFunc("POST /shutdown", s.handleShutdown)
}

// Start begins listening on the configured Unix socket.
func (s *Server) Start() error {
	os.Remove(s.cfg.SocketPath)

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.ln = ln

	s.log.Info().Str("socket", s.cfg.SocketPath).Msg("daemonapi: listening")

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("daemonapi: serve error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server, then every sandbox every
// workspace it wired still owns.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)

	s.mu.Lock()
	states := make([]*workspaceState, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		states = append(states, ws)
	}
	s.mu.Unlock()

	for _, ws := range states {
		ws.sandboxes.Shutdown(ctx)
		if ws.poolOwned {
			ws.pool.Shutdown(ctx)
		}
	}

	os.Remove(s.cfg.SocketPath)
	os.Remove(s.cfg.PIDPath)
	return err
}

// ShuttingDown is closed once POST /shutdown has been received, so main can
// wait on it after Start returns.
func (s *Server) ShuttingDown() <-chan struct{} {
	return s.shutdown
}
