package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lazypower/chronicle/internal/engine"
	"github.com/lazypower/chronicle/internal/server"
	"github.com/lazypower/chronicle/internal/store"
	"github.com/spf13/cobra"
)

var serveNoJobs bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoJobs, "no-jobs", false, "Do not run decay, sweep and detection in the background")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg, os.Stderr)

	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return fmt.Errorf("resolve db path: %w", err)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	eng := engine.New(db, log, engineOptions(cfg))
	if cfg.Jobs.Enabled && !serveNoJobs {
		eng.StartJobs()
		log.Info("background jobs started",
			"decay_every", cfg.Decay.Interval.String(),
			"sweep_every", cfg.Sweep.Interval.String(),
			"patterns_every", cfg.Patterns.Interval.String())
	}
	defer eng.Stop()

	srv := server.New(eng, VersionString(), log)
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info("chronicle serving", "addr", addr, "db", dbPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-done:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
