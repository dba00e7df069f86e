package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tankctl/internal/task/engine"
	logx "tankctl/pkg/logx"
)

type recordingEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (r *recordingEngine) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return r.err
}

func noop(context.Context) error { return nil }

func TestAddValidates(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, &recordingEngine{}, logx.Nop())
	if err := s.Add("", "1m", 0, engine.TaskOptions{}, noop); err == nil {
		t.Fatalf("Add(blank name) = nil")
	}
	if err := s.Add("x", "1m", 0, engine.TaskOptions{}, nil); err == nil {
		t.Fatalf("Add(nil job) = nil")
	}
	if err := s.Add("x", "61 * * * *", 0, engine.TaskOptions{}, noop); err == nil {
		t.Fatalf("Add(bad cron) = nil")
	}
}

func TestAddUpsertsAndSnapshots(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, &recordingEngine{}, logx.Nop())
	if err := s.Add("schedule.enforce", "1m", time.Minute, engine.TaskOptions{}, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("storage.prune", "@daily", 0, engine.TaskOptions{}, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Add("schedule.enforce", "30s", time.Minute, engine.TaskOptions{}, noop); err != nil {
		t.Fatalf("Add(replace): %v", err)
	}
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Name != "schedule.enforce" || snap[0].Spec != "@every 30s" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].Next.IsZero() || snap[1].Next.IsZero() {
		t.Fatalf("next runs not computed: %+v", snap)
	}
	if snap[0].Spread >= 30*time.Second {
		t.Fatalf("spread = %v, want < interval", snap[0].Spread)
	}
	if !s.Remove("storage.prune") || s.Remove("storage.prune") {
		t.Fatalf("Remove results wrong")
	}
}

func TestRunNowEnqueues(t *testing.T) {
	t.Parallel()
	eng := &recordingEngine{}
	s := New(time.UTC, eng, logx.Nop())
	opt := engine.TaskOptions{RetryMax: -1}
	if err := s.Add("fleet.heartbeat", "1m", 5*time.Second, opt, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.RunNow("fleet.heartbeat"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if len(eng.tasks) != 1 || eng.tasks[0].Name != "fleet.heartbeat" || eng.tasks[0].Timeout != 5*time.Second || eng.tasks[0].Opt.RetryMax != -1 {
		t.Fatalf("tasks = %+v", eng.tasks)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Fatalf("RunNow(missing) = nil")
	}

	eng.err = engine.ErrOverlapSkip
	if err := s.RunNow("fleet.heartbeat"); !errors.Is(err, engine.ErrOverlapSkip) {
		t.Fatalf("RunNow err = %v, want ErrOverlapSkip", err)
	}
}
