package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lazypower/chronicle/internal/store"
)

// Options carries the tunables of every pass. Zero or negative fields fall
// back to DefaultOptions, so a zero DecayFloor or Threshold cannot be
// expressed here; config.Validate rejects both.
type Options struct {
	HalfLifeDays    float64
	DecayFloor      float64
	MaxAgeDays      float64
	WindowDays      float64
	Threshold       float64
	MinObservations int

	Retry RetryPolicy

	DecayInterval   time.Duration
	SweepInterval   time.Duration
	PatternInterval time.Duration
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		HalfLifeDays:    90,
		DecayFloor:      0.05,
		MaxAgeDays:      30,
		WindowDays:      90,
		Threshold:       0.4,
		MinObservations: 3,
		Retry:           DefaultRetryPolicy(),
		DecayInterval:   24 * time.Hour,
		SweepInterval:   time.Hour,
		PatternInterval: 24 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HalfLifeDays <= 0 {
		o.HalfLifeDays = d.HalfLifeDays
	}
	if o.DecayFloor <= 0 {
		o.DecayFloor = d.DecayFloor
	}
	if o.MaxAgeDays <= 0 {
		o.MaxAgeDays = d.MaxAgeDays
	}
	if o.WindowDays <= 0 {
		o.WindowDays = d.WindowDays
	}
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.MinObservations <= 0 {
		o.MinObservations = d.MinObservations
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = d.Retry
	}
	if o.DecayInterval <= 0 {
		o.DecayInterval = d.DecayInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.PatternInterval <= 0 {
		o.PatternInterval = d.PatternInterval
	}
	return o
}

// Engine owns versioning, decay, preference resolution, pattern detection
// and the item lifecycle on top of a store.DB.
type Engine struct {
	DB   *store.DB
	Log  *slog.Logger
	Opts Options

	// Now is the clock used by the periodic job loop.
	Now func() time.Time

	mu     sync.Mutex
	halted map[string]error

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a new Engine.
func New(db *store.DB, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		DB:     db,
		Log:    logger,
		Opts:   opts.withDefaults(),
		Now:    func() time.Time { return time.Now().UTC() },
		halted: make(map[string]error),
		stopCh: make(chan struct{}),
	}
}

// Stop shuts down the engine's background goroutines.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// guard refuses writes to a logical id whose write path was halted by an
// invariant violation.
func (e *Engine) guard(table, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.halted[table+"/"+id]; ok {
		return fmt.Errorf("write path halted: %w", err)
	}
	return nil
}

// check inspects a store error. An invariant violation is logged loudly and
// halts further writes for that id in this engine.
func (e *Engine) check(table, id string, err error) error {
	if err == nil || !store.IsInvariant(err) {
		return err
	}
	e.Log.Error("invariant violation", "table", table, "id", id, "error", err)
	e.mu.Lock()
	e.halted[table+"/"+id] = err
	e.mu.Unlock()
	return err
}

// PassReport summarises a batch pass. Row failures are counted, not fatal.
type PassReport struct {
	Examined int `json:"examined"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

func days(d float64) time.Duration {
	return time.Duration(d * float64(24*time.Hour))
}

func (e *Engine) logPass(ctx context.Context, name string, r PassReport, elapsed time.Duration) {
	e.Log.InfoContext(ctx, name+" pass",
		"examined", r.Examined, "updated", r.Updated, "skipped", r.Skipped,
		"failed", r.Failed, "elapsed", elapsed.String())
}
