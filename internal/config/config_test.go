package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigRootsUnderHomeOtus(t *testing.T) {
	cfg := DefaultConfig()
	require.True(t, filepath.IsAbs(cfg.SocketPath))
	require.Equal(t, "daemon.sock", filepath.Base(cfg.SocketPath))
	require.Equal(t, "daemon.pid", filepath.Base(cfg.PIDPath))
	require.Equal(t, filepath.Dir(cfg.SocketPath), filepath.Dir(cfg.PIDPath))
}

func TestEnsureDirsCreatesEverything(t *testing.T) {
	tmp := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(tmp, "data")
	cfg.SocketPath = filepath.Join(tmp, "daemon.sock")
	cfg.WorkspacesDir = filepath.Join(tmp, "data", "workspaces")
	cfg.EpisodicDir = filepath.Join(tmp, "data", "episodic")
	cfg.KernelPath = filepath.Join(tmp, "kernel", "vmlinux")

	require.NoError(t, cfg.EnsureDirs())
	for _, d := range []string{cfg.DataDir, cfg.WorkspacesDir, cfg.EpisodicDir, filepath.Dir(cfg.KernelPath)} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}
