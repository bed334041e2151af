// otusd is the otus daemon — the local control plane that runs each
// workspace's microVM sandboxes, brokers every model and tool call, and
// exposes both over a Unix-socket HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/otusdev/otusd/internal/config"
	"github.com/otusdev/otusd/internal/daemonapi"
	"github.com/otusdev/otusd/internal/version"
	"github.com/otusdev/otusd/internal/vmm"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	log.Info().Str("version", version.Version()).Msg("otusd starting")

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("create directories")
	}

	backend, err := vmm.NewFirecrackerVMM(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init firecracker backend")
	}

	caps := backend.Capabilities()
	log.Info().Str("backend", caps.Name).Bool("pause", caps.Pause).Str("network", caps.NetworkBackend).Msg("vmm backend ready")

	// No process-wide pool is passed here: VMConfig, including a
	// workspace's WorkspacePath, is fixed at boot time, so a pool pre-warmed before any workspace
	// is known would need rebooting per workspace anyway. daemonapi builds
	// one pool per initialised workspace instead, sized by
	// cfg.PoolTargetSize, using that workspace's own VMConfig.
	server := daemonapi.NewServer(cfg, backend, nil, log)
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("start daemon API server")
	}

	if err := os.WriteFile(cfg.PIDPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o600); err != nil {
		log.Warn().Err(err).Msg("write PID file")
	}
	defer os.Remove(cfg.PIDPath)

	log.Info().Int("pid", os.Getpid()).Str("socket", cfg.SocketPath).Msg("otusd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	case <-server.ShuttingDown():
		log.Info().Msg("shutdown requested over API, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}

	log.Info().Msg("otusd stopped")
}
