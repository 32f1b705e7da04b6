package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/events"
	"github.com/michaelbrown/runbox/internal/logger"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/server"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
	"github.com/michaelbrown/runbox/internal/supervisor"
)

var (
	portFlag   int
	driverFlag string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runbox server",
	Long: `Start the HTTP and websocket server.

Clients connect a websocket to / (or /ws), receive a session id, and submit
code with POST /compile. Run history is served under /api.

Examples:
  runbox serve
  runbox serve --port 8080 --driver local`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&driverFlag, "driver", "", "Sandbox driver: docker or local (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.WithComponent("serve")

	if driverFlag != "" {
		cfg.Sandbox.Driver = driverFlag
	}
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	langs, err := cfg.Languages()
	if err != nil {
		return err
	}

	runner, closeRunner, err := newRunner(cmd.Context(), cfg, langs)
	if err != nil {
		return err
	}
	defer closeRunner()

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		p, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		publisher = p
		log.Info().Str("url", cfg.Events.NATSURL).Str("subject", cfg.Events.Subject).Msg("publishing run events")
	}
	defer publisher.Close()

	sup := supervisor.New(supervisor.Options{
		Runner:          runner,
		Recorder:        store,
		Events:          publisher,
		DefaultLanguage: cfg.Sandbox.DefaultLanguage,
		RunTimeout:      cfg.Sandbox.RunTimeout,
		CleanupDelay:    cfg.Session.CleanupDelay,
		ChunkSize:       cfg.Session.ChunkSize,
		DrainTimeout:    cfg.Session.DrainTimeout,
	})
	srv := server.New(sup, store, langs)

	log.Info().
		Str("driver", cfg.Sandbox.Driver).
		Str("default_language", cfg.Sandbox.DefaultLanguage).
		Dur("run_timeout", cfg.Sandbox.RunTimeout).
		Msg("sandbox ready")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(port)
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received signal")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
	return <-errCh
}

// newRunner creates the sandbox runner for the configured driver. The
// returned func releases it.
func newRunner(ctx context.Context, cfg *config.Config, langs sandbox.Languages) (sandbox.Runner, func(), error) {
	log := logger.WithComponent("serve")

	if err := os.MkdirAll(cfg.Sandbox.WorkspaceRoot, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating workspace root: %w", err)
	}

	switch cfg.Sandbox.Driver {
	case config.DriverLocal:
		log.Warn().Msg("local driver runs programs on the host without isolation")
		return sandbox.NewLocalRunner(cfg.Sandbox.WorkspaceRoot, langs, cfg.Sandbox.Policy), func() {}, nil

	case config.DriverDocker:
		d, err := sandbox.NewDockerRunner(cfg.Sandbox.WorkspaceRoot, langs, cfg.Sandbox.Policy)
		if err != nil {
			return nil, nil, err
		}
		checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := d.Check(checkCtx); err != nil {
			d.Close()
			return nil, nil, err
		}
		n, err := d.Sweep(checkCtx)
		if err != nil {
			log.Warn().Err(err).Msg("sweeping stale containers")
		} else if n > 0 {
			log.Info().Int("removed", n).Msg("removed stale containers")
		}
		return d, func() { d.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown sandbox driver %q", cfg.Sandbox.Driver)
	}
}
