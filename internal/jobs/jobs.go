// Package jobs runs the daemon's periodic maintenance on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sweeper is the auto-craft scheduler as seen by the sweep job.
type Sweeper interface {
	Update(ctx context.Context, now time.Time) int
}

// Pruner deletes cooldown timestamps older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// Runner owns the cron instance.
type Runner struct {
	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
	now  func() time.Time
}

// NewRunner creates an idle runner. Jobs receive a context cancelled by Stop.
func NewRunner() *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(cron.WithParser(specParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:  ctx,
		stop: cancel,
		now:  time.Now,
	}
}

// ValidateSpec reports whether spec parses ("@every 5s", "0 4 * * *", ...).
func ValidateSpec(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// AddSweep runs s.Update on spec.
func (r *Runner) AddSweep(spec string, s Sweeper) error {
	_, err := r.cron.AddFunc(spec, func() {
		s.Update(r.ctx, r.now())
	})
	if err != nil {
		return fmt.Errorf("schedule auto-craft sweep: %w", err)
	}
	return nil
}

// AddPrune deletes cooldown timestamps older than retention on spec.
func (r *Runner) AddPrune(spec string, p Pruner, retention time.Duration) error {
	_, err := r.cron.AddFunc(spec, func() {
		n, err := p.Prune(r.ctx, r.now().Add(-retention))
		if err != nil {
			log.Printf("jobs: cooldown prune failed: %v", err)
			return
		}
		if n > 0 {
			log.Printf("jobs: pruned %d cooldown timestamps", n)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cooldown prune: %w", err)
	}
	return nil
}

// Start begins running scheduled jobs in the background.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop cancels job contexts and waits for running jobs or ctx to finish.
func (r *Runner) Stop(ctx context.Context) error {
	r.stop()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
