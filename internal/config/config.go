// Package config holds otusd's process-wide configuration: socket and data
// paths, model/iteration defaults, and lazily-resolved hypervisor binaries.
package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Config holds otusd runtime configuration (spec.md §6 "process-wide
// state"), plus the ambient paths and binary-resolution fields a daemon
// this shape always carries.
type Config struct {
	// DataDir is the base directory for otusd runtime data.
	DataDir string

	// BinDir is the directory containing otusd's own binaries (otusd,
	// otus-harness), used as a fallback when resolving hypervisor tools.
	BinDir string

	// SocketPath is the Unix socket path for the daemon HTTP API.
	SocketPath string

	// PIDPath is where the daemon's PID file lives alongside the socket.
	PIDPath string

	// BaseRootfsPath is the path to the base guest root filesystem image.
	BaseRootfsPath string

	DefaultMemoryMB int
	DefaultVCPUs    int

	// WorkspacesDir is the directory tracking per-workspace daemon state
	// (episodic logs, sockets) — distinct from the user's own workspace.
	WorkspacesDir string

	// EpisodicDir is where the default NDJSON episodic store keeps its
	// per-task log files.
	EpisodicDir string

	// CredentialsPath is the single 0600 file holding configured API keys.
	CredentialsPath string

	KernelPath string

	// FirecrackerBin is resolved lazily; empty means search PATH.
	FirecrackerBin string

	// NetworkConfigPath is the TAP pool's well-known config file.
	NetworkConfigPath string

	// MaxIterations bounds the inference loop (spec.md §4.10); overridable
	// per POST /sessions.
	MaxIterations int

	// ModelTimeout bounds each call to the remote chat-completions API.
	ModelTimeout time.Duration

	// RPCTimeout is a per-call guest RPC timeout (spec.md §4.1). No code
	// path reads it; guest RPC calls run under their caller's context.
	RPCTimeout time.Duration

	// SyncTimeout is a timeout for workspace push/pull RPCs, which move
	// large tar payloads (spec.md §4.2). No code path reads it; sync RPCs
	// run under their caller's context.
	SyncTimeout time.Duration

	// PoolTargetSize is the VM pool's pre-warm target T (spec.md §4.5).
	PoolTargetSize int

	// Model is the default chat-completion model id.
	Model string

	// MaxTokens bounds each model response.
	MaxTokens int

	// RAGTopK is a result limit for search_code. The tool does not read it;
	// it uses 10 when the call omits a limit.
	RAGTopK int

	// TerminalDefaultLines is a line count for read_terminal. The tool does
	// not read it; when the call omits a count, no count is sent to the
	// guest.
	TerminalDefaultLines int
}

// DefaultConfig returns otusd's default configuration, rooted at
// $HOME/.otus.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	otusDir := filepath.Join(homeDir, ".otus")
	execDir := executableDir()

	return &Config{
		DataDir:               filepath.Join(otusDir, "data"),
		BinDir:                execDir,
		SocketPath:            filepath.Join(otusDir, "daemon.sock"),
		PIDPath:               filepath.Join(otusDir, "daemon.pid"),
		BaseRootfsPath:        filepath.Join(otusDir, "base-rootfs.ext4"),
		DefaultMemoryMB:       512,
		DefaultVCPUs:          1,
		WorkspacesDir:         filepath.Join(otusDir, "data", "workspaces"),
		EpisodicDir:           filepath.Join(otusDir, "data", "episodic"),
		CredentialsPath:       filepath.Join(otusDir, "credentials.json"),
		KernelPath:            filepath.Join(otusDir, "kernel", "vmlinux"),
		NetworkConfigPath:     filepath.Join(otusDir, "network.json"),
		MaxIterations:         25,
		ModelTimeout:          120 * time.Second,
		RPCTimeout:            30 * time.Second,
		SyncTimeout:           5 * time.Minute,
		PoolTargetSize:        2,
		Model:                 "gpt-4o",
		MaxTokens:             4096,
		RAGTopK:               8,
		TerminalDefaultLines:  200,
	}
}

// EnsureDirs creates every directory the config references.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Join(c.DataDir, "sockets"),
		filepath.Dir(c.SocketPath),
		c.WorkspacesDir,
		c.EpisodicDir,
		filepath.Dir(c.KernelPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// ResolveBinaries eagerly resolves FirecrackerBin if it is empty, so the
// VMM backend and any preflight check agree on the same discovery result.
func (c *Config) ResolveBinaries() {
	if c.FirecrackerBin == "" {
		c.FirecrackerBin = FindBinary("firecracker", c.BinDir)
	}
}

// FindBinary locates a binary by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Sibling directory of the running executable (BinDir)
//  3. Known system paths
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}
	for _, dir := range []string{"/usr/lib/otusd", "/usr/libexec", "/usr/local/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
