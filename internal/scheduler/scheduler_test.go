package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSubmitTaskRunsToCompletion(t *testing.T) {
	var ran int32
	handlers := map[ctxtypes.TaskKindBG]Handler{
		ctxtypes.TaskCacheCleanup: func(ctx context.Context, task *Task) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	}
	s := New(Options{Workers: 2}, handlers)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	task, err := s.SubmitTask(&Task{Kind: ctxtypes.TaskCacheCleanup, Priority: ctxtypes.PriorityMedium})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		got, ok := s.GetTask(task.ID)
		return ok && got.Status == ctxtypes.TaskCompleted
	})
	if atomic.LoadInt32(&ran) != 1 {
		t.Errorf("expected handler to run once, ran %d times", ran)
	}
}

func TestCriticalPriorityRunsBeforeEarlierSubmittedLow(t *testing.T) {
	var mu sync.Mutex
	var order []string
	handlers := map[ctxtypes.TaskKindBG]Handler{
		ctxtypes.TaskCacheCleanup: func(ctx context.Context, task *Task) error {
			mu.Lock()
			order = append(order, task.ID)
			mu.Unlock()
			return nil
		},
	}
	// Single worker so ordering between queues is deterministic.
	s := New(Options{Workers: 1}, handlers)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.SubmitTask(&Task{ID: "low", Kind: ctxtypes.TaskCacheCleanup, Priority: ctxtypes.PriorityLow})
	s.SubmitTask(&Task{ID: "critical", Kind: ctxtypes.TaskCacheCleanup, Priority: ctxtypes.PriorityCritical})
	s.Start(ctx)
	defer s.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != "critical" {
		t.Errorf("expected critical task to run before low-priority task, got order %v", order)
	}
}

func TestTaskRetriesOnFailureThenFails(t *testing.T) {
	var attempts int32
	handlers := map[ctxtypes.TaskKindBG]Handler{
		ctxtypes.TaskCacheCleanup: func(ctx context.Context, task *Task) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("boom")
		},
	}
	s := New(Options{Workers: 1, MaxRetries: 2}, handlers)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	task, _ := s.SubmitTask(&Task{Kind: ctxtypes.TaskCacheCleanup, Priority: ctxtypes.PriorityMedium})
	waitFor(t, time.Second, func() bool {
		got, ok := s.GetTask(task.ID)
		return ok && got.Status == ctxtypes.TaskFailed
	})
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("expected exactly MaxRetries=2 attempts, got %d", attempts)
	}
}

func TestCancelTaskRemovesPendingTask(t *testing.T) {
	handlers := map[ctxtypes.TaskKindBG]Handler{
		ctxtypes.TaskCacheCleanup: func(ctx context.Context, task *Task) error { return nil },
	}
	s := New(Options{Workers: 0}, handlers) // Start is never called: task stays pending
	task, _ := s.SubmitTask(&Task{Kind: ctxtypes.TaskCacheCleanup, Priority: ctxtypes.PriorityLow})

	if !s.CancelTask(task.ID) {
		t.Fatal("expected CancelTask to succeed on a pending task")
	}
	got, _ := s.GetTask(task.ID)
	if got.Status != ctxtypes.TaskCancelled {
		t.Errorf("expected status cancelled, got %v", got.Status)
	}
}

func TestUnknownHandlerFailsImmediately(t *testing.T) {
	s := New(Options{Workers: 1}, map[ctxtypes.TaskKindBG]Handler{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	task, _ := s.SubmitTask(&Task{Kind: ctxtypes.TaskIndexUpdate, Priority: ctxtypes.PriorityLow})
	waitFor(t, time.Second, func() bool {
		got, ok := s.GetTask(task.ID)
		return ok && got.Status == ctxtypes.TaskFailed
	})
}

func TestScheduledTaskIsNotRunnableBeforeRunAt(t *testing.T) {
	var ran int32
	handlers := map[ctxtypes.TaskKindBG]Handler{
		ctxtypes.TaskCacheCleanup: func(ctx context.Context, task *Task) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	}
	s := New(Options{Workers: 1, PromotionPollInterval: 20 * time.Millisecond}, handlers)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.SubmitTask(&Task{Kind: ctxtypes.TaskCacheCleanup, Priority: ctxtypes.PriorityLow, RunAt: time.Now().Add(200 * time.Millisecond)})
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&ran) != 0 {
		t.Error("expected scheduled task to not run before RunAt")
	}
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&ran) == 1 })
}

func TestHistoryReturnsMostRecentFirst(t *testing.T) {
	handlers := map[ctxtypes.TaskKindBG]Handler{
		ctxtypes.TaskCacheCleanup: func(ctx context.Context, task *Task) error { return nil },
	}
	s := New(Options{Workers: 1}, handlers)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.SubmitTask(&Task{ID: "first", Kind: ctxtypes.TaskCacheCleanup, Priority: ctxtypes.PriorityLow})
	waitFor(t, time.Second, func() bool {
		got, ok := s.GetTask("first")
		return ok && got.Status == ctxtypes.TaskCompleted
	})
	s.SubmitTask(&Task{ID: "second", Kind: ctxtypes.TaskCacheCleanup, Priority: ctxtypes.PriorityLow})
	waitFor(t, time.Second, func() bool {
		got, ok := s.GetTask("second")
		return ok && got.Status == ctxtypes.TaskCompleted
	})

	hist := s.History(1)
	if len(hist) != 1 || hist[0].ID != "second" {
		t.Errorf("expected most recent task first, got %+v", hist)
	}
}
