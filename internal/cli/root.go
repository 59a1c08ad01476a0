package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lazypower/chronicle/internal/config"
	"github.com/lazypower/chronicle/internal/engine"
	"github.com/lazypower/chronicle/internal/logging"
	"github.com/lazypower/chronicle/internal/store"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	dbFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "chronicle",
	Short: "Temporal knowledge graph and pattern-learning engine",
	Long: "Chronicle keeps a bitemporal history of entities, relationships and preferences, " +
		"decays what is no longer touched, and learns recurring routines from event logs.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.chronicle/config.toml)")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "database path (overrides CHRONICLE_DB and config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(entityCmd)
	rootCmd.AddCommand(prefCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(itemsCmd)
	rootCmd.AddCommand(decayCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(syncCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// resolveDBPath picks the database path: --db, then CHRONICLE_DB, then the
// config file, then ~/.chronicle/chronicle.db.
func resolveDBPath(cfg *config.Config) (string, error) {
	if dbFlag != "" {
		return dbFlag, nil
	}
	if p := os.Getenv("CHRONICLE_DB"); p != "" {
		return p, nil
	}
	if cfg.Database.Path != "" {
		return cfg.Database.Path, nil
	}
	return store.DefaultDBPath()
}

// engineOptions maps the config sections onto engine tunables.
func engineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		HalfLifeDays:    cfg.Decay.HalfLifeDays,
		DecayFloor:      cfg.Decay.Floor,
		MaxAgeDays:      cfg.Sweep.MaxAgeDays,
		WindowDays:      cfg.Patterns.WindowDays,
		Threshold:       cfg.Patterns.Threshold,
		MinObservations: cfg.Patterns.MinObservations,
		Retry: engine.RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		},
		DecayInterval:   cfg.Decay.Interval,
		SweepInterval:   cfg.Sweep.Interval,
		PatternInterval: cfg.Patterns.Interval,
	}
}

// openEngine loads config, opens the database and builds an engine for a
// one-shot command. Logs go to stderr so stdout stays clean for output.
func openEngine(stderr io.Writer) (*engine.Engine, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve db path: %w", err)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return engine.New(db, newLogger(cfg, stderr), engineOptions(cfg)), cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return logging.New(cfg.Log, w)
}

// parseTimeFlag parses an optional RFC 3339 flag value. Empty means zero.
func parseTimeFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t.UTC(), nil
}
