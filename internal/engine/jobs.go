package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// JobsReport is the outcome of one RunJobs round.
type JobsReport struct {
	Decay    PassReport   `json:"decay"`
	Sweep    PassReport   `json:"sweep"`
	Patterns DetectReport `json:"patterns"`
}

// RunJobs runs one decay pass, one sweep and one detection pass for every
// owner, concurrently. The first job error cancels the others.
func (e *Engine) RunJobs(ctx context.Context, now time.Time) (JobsReport, error) {
	var r JobsReport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		r.Decay, err = e.DecayPass(gctx, now, e.Opts.HalfLifeDays, e.Opts.DecayFloor)
		return err
	})
	g.Go(func() error {
		var err error
		r.Sweep, err = e.Sweep(gctx, now, e.Opts.MaxAgeDays)
		return err
	})
	g.Go(func() error {
		var err error
		r.Patterns, err = e.DetectAll(gctx, now)
		return err
	})
	err := g.Wait()
	return r, err
}

// StartJobs runs every job once and then on its own interval until Stop.
func (e *Engine) StartJobs() {
	ctx := context.Background()
	if _, err := e.RunJobs(ctx, e.Now()); err != nil {
		e.Log.Error("startup jobs", "error", err)
	}

	go e.every(e.Opts.DecayInterval, func() {
		if _, err := e.DecayPass(ctx, e.Now(), e.Opts.HalfLifeDays, e.Opts.DecayFloor); err != nil {
			e.Log.Error("decay pass", "error", err)
		}
	})
	go e.every(e.Opts.SweepInterval, func() {
		if _, err := e.Sweep(ctx, e.Now(), e.Opts.MaxAgeDays); err != nil {
			e.Log.Error("sweep", "error", err)
		}
	})
	go e.every(e.Opts.PatternInterval, func() {
		if _, err := e.DetectAll(ctx, e.Now()); err != nil {
			e.Log.Error("pattern detection", "error", err)
		}
	})
}

func (e *Engine) every(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-e.stopCh:
			return
		}
	}
}
