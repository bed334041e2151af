package daemonapi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/otusdev/otusd/internal/episodic"
	"github.com/otusdev/otusd/internal/ignore"
	"github.com/otusdev/otusd/internal/inference"
	"github.com/otusdev/otusd/internal/llm"
	"github.com/otusdev/otusd/internal/pool"
	"github.com/otusdev/otusd/internal/sandbox"
	"github.com/otusdev/otusd/internal/semantic"
	"github.com/otusdev/otusd/internal/terminal"
	"github.com/otusdev/otusd/internal/tools"
	"github.com/otusdev/otusd/internal/vmm"
	"github.com/otusdev/otusd/internal/workspace"
)

// workspaceState bundles every component one initialised workspace owns:
// its VM pool, sandbox manager, terminal multiplexer, syncer, tool
// registry, episodic store, and LLM client — the per-workspace slice of otherwise
// process-wide daemon state.
type workspaceState struct {
	root string

	ignore *ignoreLoader

	// pool is this workspace's VM pool. poolOwned is false when pool is
	// the server-wide override (s.pool), in which case shutting this
	// workspace down must not shut the pool down out from under its
	// siblings.
	pool      *pool.Pool
	poolOwned bool
	sandboxes *sandbox.Manager
	terminals *terminal.Multiplexer
	syncer    *workspace.Syncer
	registry  *tools.Registry
	episodic  episodic.Store
	llm       *llm.Client

	model         string
	maxIterations int
}

// ignoreLoader implements tools.IgnoreProvider by re-reading the workspace
// root's .otusignore file on every call — spec.md's "active ignore
// patterns" means current file content, not a point-in-time snapshot, and
// the file is small enough that caching buys nothing but staleness.
type ignoreLoader struct {
	path string
}

func (l *ignoreLoader) Patterns() *ignore.Patterns {
	f, err := os.Open(l.path)
	if err != nil {
		return &ignore.Patterns{}
	}
	defer f.Close()
	patterns, err := ignore.Parse(f)
	if err != nil {
		return &ignore.Patterns{}
	}
	return patterns
}

// resolveWorkspacePath expands ws to an absolute path, relative to the
// configured workspaces directory when it is a bare name, mirroring the
// teacher's resolveWorkspace.
func (s *Server) resolveWorkspacePath(ws string) string {
	if !strings.Contains(ws, "/") && !strings.HasPrefix(ws, ".") {
		return filepath.Join(s.cfg.WorkspacesDir, ws)
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return ws
	}
	return abs
}

// initWorkspace wires a fresh workspaceState for root, overwriting any
// previous state for the same path. Sandboxes owned by a replaced state are
// left running; callers that want a clean re-init should shut the old
// sandboxes down first via POST /workspaces/:path/shutdown.
func (s *Server) initWorkspace(root string, model string, maxIterations int) (*workspaceState, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace directory: %w", err)
	}
	dataDir := filepath.Join(root, ".otus")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace data directory: %w", err)
	}

	epi, err := episodic.NewFileStore(filepath.Join(dataDir, "episodic"))
	if err != nil {
		return nil, fmt.Errorf("open episodic store: %w", err)
	}

	syncer := workspace.NewSyncer(root, s.log)
	terminals := terminal.New()

	newCfg := func() vmm.VMConfig {
		return vmm.VMConfig{
			Rootfs:        vmm.RootFS{Type: vmm.RootFSBlockImage, Path: s.cfg.BaseRootfsPath},
			MemoryMB:      s.cfg.DefaultMemoryMB,
			VCPUs:         s.cfg.DefaultVCPUs,
			WorkspacePath: root,
			Networked:     true,
		}
	}

	// Every pool VM is booted with this workspace's own newCfg, so a pool
	// VM already has the right WorkspacePath mounted when StartSandbox
	// adopts it — unlike a process-wide pool, which would have to pick a
	// WorkspacePath before any workspace exists. s.pool lets a caller
	// override this with one shared pool instead (e.g. tests injecting a
	// fake); otherwise each workspace pre-warms its own, sized by
	// PoolTargetSize.
	vmPool := s.pool
	poolOwned := false
	if vmPool == nil && s.cfg.PoolTargetSize > 0 {
		vmPool = pool.New(s.backend, s.cfg.PoolTargetSize, newCfg, s.log)
		poolOwned = true
	}
	sandboxes := sandbox.NewManager(s.backend, vmPool, newCfg, syncer, s.log)

	ig := &ignoreLoader{path: filepath.Join(root, ".otusignore")}

	if model == "" {
		model = s.cfg.Model
	}
	if maxIterations <= 0 {
		maxIterations = s.cfg.MaxIterations
	}

	baseURL := openRouterBaseURL
	if openRouterBaseURLOverride != "" {
		baseURL = openRouterBaseURLOverride
	}
	llmClient := llm.New(llm.Config{
		BaseURL:   baseURL,
		APIKey:    s.creds.OpenRouterAPIKey,
		Model:     model,
		MaxTokens: s.cfg.MaxTokens,
		Timeout:   s.cfg.ModelTimeout,
	})

	registry := tools.New(sandboxes, terminals, syncer, ig, semantic.NoopStore{}, epi, root)

	ws := &workspaceState{
		root:          root,
		ignore:        ig,
		pool:          vmPool,
		poolOwned:     poolOwned,
		sandboxes:     sandboxes,
		terminals:     terminals,
		syncer:        syncer,
		registry:      registry,
		episodic:      epi,
		llm:           llmClient,
		model:         model,
		maxIterations: maxIterations,
	}

	s.mu.Lock()
	s.workspaces[root] = ws
	s.mu.Unlock()

	return ws, nil
}

func (s *Server) getWorkspace(root string) (*workspaceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[root]
	return ws, ok
}

// workspacePools collects every currently-initialised workspace's own pool,
// for /health to aggregate when the server has no shared pool override.
func (s *Server) workspacePools() []*pool.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pools []*pool.Pool
	for _, ws := range s.workspaces {
		if ws.pool != nil {
			pools = append(pools, ws.pool)
		}
	}
	return pools
}

func (s *Server) removeWorkspace(root string) (*workspaceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[root]
	if ok {
		delete(s.workspaces, root)
	}
	return ws, ok
}

// newEngine builds a fresh inference engine bound to ws, letting a session
// override the iteration cap without disturbing the workspace's default.
func (ws *workspaceState) newEngine(maxIterations int) *inference.Engine {
	if maxIterations <= 0 {
		maxIterations = ws.maxIterations
	}
	return inference.New(ws.llm, ws.registry, ws.episodic, inference.Config{
		SystemPrompt:  defaultSystemPrompt,
		MaxIterations: maxIterations,
	})
}

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// openRouterBaseURLOverride lets tests redirect the model client at a local
// httptest server without threading a base URL through every constructor.
var openRouterBaseURLOverride string

const defaultSystemPrompt = `You are otus, an autonomous coding agent working in a sandboxed VM. ` +
	`Use the available tools to make progress on the user's request, and call task_complete once it is done.`
