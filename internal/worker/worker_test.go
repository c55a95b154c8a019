package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"heartbeat/internal/worker"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPool_RunsJobsUntilStop(t *testing.T) {
	pool := worker.NewPool(worker.Config{RestartBackoff: time.Millisecond})

	var started atomic.Int32
	block := worker.JobFunc(func(ctx context.Context) error {
		started.Add(1)
		<-ctx.Done()
		return nil
	})
	pool.Add("persistence", block)
	pool.Add("notification", block)
	pool.Start()

	waitFor(t, func() bool { return started.Load() == 2 })

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}

	for _, js := range pool.Stats().Jobs {
		if js.Restarts != 0 || js.Running {
			t.Errorf("unexpected job stats: %+v", js)
		}
	}
}

func TestPool_RestartsPanickingJob(t *testing.T) {
	pool := worker.NewPool(worker.Config{RestartBackoff: time.Millisecond})

	var runs atomic.Int32
	pool.Add("flaky", worker.JobFunc(func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		<-ctx.Done()
		return nil
	}))
	pool.Start()
	defer pool.Stop()

	waitFor(t, func() bool { return runs.Load() == 2 })

	js := pool.Stats().Jobs[0]
	if js.Panics != 1 || js.Restarts != 1 {
		t.Errorf("expected 1 panic and 1 restart, got %+v", js)
	}
}

func TestPool_RestartsJobReturningEarly(t *testing.T) {
	pool := worker.NewPool(worker.Config{RestartBackoff: time.Millisecond})

	var runs atomic.Int32
	pool.Add("early", worker.JobFunc(func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("lost connection")
		}
		<-ctx.Done()
		return nil
	}))
	pool.Start()
	defer pool.Stop()

	waitFor(t, func() bool { return runs.Load() == 3 })

	if js := pool.Stats().Jobs[0]; js.Restarts != 2 {
		t.Errorf("expected 2 restarts, got %+v", js)
	}
}
