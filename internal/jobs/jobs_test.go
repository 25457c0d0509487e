package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingSweeper struct{ n atomic.Int32 }

func (c *countingSweeper) Update(context.Context, time.Time) int {
	c.n.Add(1)
	return 0
}

type recordingPruner struct{ cutoff atomic.Value }

func (p *recordingPruner) Prune(_ context.Context, before time.Time) (int, error) {
	p.cutoff.Store(before)
	return 0, nil
}

func TestValidateSpec(t *testing.T) {
	for _, ok := range []string{"@every 5s", "@hourly", "0 4 * * *"} {
		if err := ValidateSpec(ok); err != nil {
			t.Errorf("%q: unexpected error %v", ok, err)
		}
	}
	for _, bad := range []string{"", "every 5s", "61 * * * *"} {
		if err := ValidateSpec(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestRunnerRunsJobs(t *testing.T) {
	r := NewRunner()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	sweeper := &countingSweeper{}
	pruner := &recordingPruner{}
	if err := r.AddSweep("@every 1s", sweeper); err != nil {
		t.Fatalf("add sweep: %v", err)
	}
	if err := r.AddPrune("@every 1s", pruner, time.Hour); err != nil {
		t.Fatalf("add prune: %v", err)
	}
	r.Start()

	deadline := time.Now().Add(3 * time.Second)
	for sweeper.n.Load() == 0 || pruner.cutoff.Load() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("jobs did not run")
		}
		time.Sleep(50 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := pruner.cutoff.Load().(time.Time); !got.Equal(fixed.Add(-time.Hour)) {
		t.Fatalf("unexpected prune cutoff %v", got)
	}
}

func TestAddRejectsBadSchedule(t *testing.T) {
	r := NewRunner()
	if err := r.AddSweep("nonsense", &countingSweeper{}); err == nil {
		t.Fatalf("expected error for bad schedule")
	}
}
