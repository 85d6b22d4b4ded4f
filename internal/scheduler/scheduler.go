// Package scheduler implements the Background Scheduler (C7): a fixed
// pool of workers draining a FIFO queue and a priority queue,
// with retries, scheduled/delayed promotion, and bounded history.
// Grounded on the teacher's internal/tasks.Queue (mutex-guarded priority
// queue with an ID index) and its worker-dispatch style.
package scheduler

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

// Handler executes one background task. ctx is cancelled if the
// scheduler shuts down while the task is running.
type Handler func(ctx context.Context, task *Task) error

// Task is one unit of background work.
type Task struct {
	ID          string
	Kind        ctxtypes.TaskKindBG
	Priority    ctxtypes.TaskPriority
	Status      ctxtypes.TaskStatus
	Payload     map[string]string
	RunAt       time.Time // zero means runnable immediately
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Attempts    int
	MaxRetries  int
	LastError   string
}

// Options configures a Scheduler.
type Options struct {
	Workers                int
	MaxRetries             int
	MaxHistory             int
	MaintenanceInterval    time.Duration
	PromotionPollInterval  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = 1000
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = time.Hour
	}
	if o.PromotionPollInterval <= 0 {
		o.PromotionPollInterval = 60 * time.Second
	}
	return o
}

// Scheduler runs background tasks across a fixed worker pool. Low/Medium
// priority tasks feed a FIFO queue; High/Critical feed a priority queue
// that workers drain first. Neither queue has a size limit: SubmitTask
// accepts every task.
type Scheduler struct {
	opts     Options
	handlers map[ctxtypes.TaskKindBG]Handler

	mu        sync.Mutex
	fifo      []*Task
	priority  []*Task
	scheduled []*Task // RunAt in the future, promoted by the maintenance loop
	byID      map[string]*Task
	history   []*Task // completed/failed/cancelled, bounded ring buffer

	taskCh chan struct{} // wakes idle workers
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler. Call Start to launch workers.
func New(opts Options, handlers map[ctxtypes.TaskKindBG]Handler) *Scheduler {
	return &Scheduler{
		opts:     opts.withDefaults(),
		handlers: handlers,
		byID:     make(map[string]*Task),
		taskCh:   make(chan struct{}, 1024),
	}
}

// Start launches the worker pool and the maintenance loop. ctx governs
// the scheduler's lifetime; cancelling it stops all workers.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.wg.Add(1)
	go s.maintenanceLoop(ctx)
	log.Printf("[SCHEDULER] started workers=%d", s.opts.Workers)
}

// Stop cancels all workers and blocks until they exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// SubmitTask enqueues a task, assigning an ID/CreatedAt if unset, and
// routing it to the priority or FIFO queue by ctxtypes.TaskPriority.
func (s *Scheduler) SubmitTask(t *Task) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = s.opts.MaxRetries
	}
	t.Status = ctxtypes.TaskPending

	s.mu.Lock()
	s.byID[t.ID] = t
	if !t.RunAt.IsZero() && t.RunAt.After(time.Now()) {
		s.scheduled = append(s.scheduled, t)
	} else if t.Priority >= ctxtypes.PriorityHigh {
		s.priority = append(s.priority, t)
		s.sortPriorityLocked()
	} else {
		s.fifo = append(s.fifo, t)
	}
	s.mu.Unlock()

	s.wake()
	return t, nil
}

// CancelTask marks a pending task cancelled and removes it from its
// queue. Returns false if the task is unknown or already running/done.
func (s *Scheduler) CancelTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok || t.Status != ctxtypes.TaskPending {
		return false
	}
	t.Status = ctxtypes.TaskCancelled
	s.fifo = removeByID(s.fifo, id)
	s.priority = removeByID(s.priority, id)
	s.scheduled = removeByID(s.scheduled, id)
	s.pushHistoryLocked(t)
	return true
}

// GetTask returns the task by ID, if known.
func (s *Scheduler) GetTask(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	return t, ok
}

// History returns up to limit most-recently-completed tasks.
func (s *Scheduler) History(limit int) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Task, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.history[n-1-i]
	}
	return out
}

func (s *Scheduler) wake() {
	select {
	case s.taskCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.taskCh:
			s.drainOne(ctx)
		case <-ticker.C:
			s.drainOne(ctx)
		}
	}
}

func (s *Scheduler) drainOne(ctx context.Context) {
	t := s.popNext()
	if t == nil {
		return
	}
	s.run(ctx, t)
}

func (s *Scheduler) popNext() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.priority) > 0 {
		t := s.priority[0]
		s.priority = s.priority[1:]
		return t
	}
	if len(s.fifo) > 0 {
		t := s.fifo[0]
		s.fifo = s.fifo[1:]
		return t
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, t *Task) {
	handler, ok := s.handlers[t.Kind]
	if !ok {
		t.Status = ctxtypes.TaskFailed
		t.LastError = "no handler registered for kind " + string(t.Kind)
		s.finish(t)
		return
	}

	t.Status = ctxtypes.TaskRunning
	t.StartedAt = time.Now()
	t.Attempts++

	err := handler(ctx, t)
	if err != nil {
		t.LastError = err.Error()
		if t.Attempts < t.MaxRetries {
			t.Status = ctxtypes.TaskPending
			s.mu.Lock()
			if t.Priority >= ctxtypes.PriorityHigh {
				s.priority = append(s.priority, t)
				s.sortPriorityLocked()
			} else {
				s.fifo = append(s.fifo, t)
			}
			s.mu.Unlock()
			s.wake()
			log.Printf("[SCHEDULER] task=%s retrying attempt=%d/%d err=%v", t.ID, t.Attempts, t.MaxRetries, err)
			return
		}
		t.Status = ctxtypes.TaskFailed
		log.Printf("[SCHEDULER] task=%s failed permanently after %d attempts: %v", t.ID, t.Attempts, err)
	} else {
		t.Status = ctxtypes.TaskCompleted
	}
	s.finish(t)
}

func (s *Scheduler) finish(t *Task) {
	t.CompletedAt = time.Now()
	s.mu.Lock()
	s.pushHistoryLocked(t)
	s.mu.Unlock()
}

func (s *Scheduler) pushHistoryLocked(t *Task) {
	s.history = append(s.history, t)
	if len(s.history) > s.opts.MaxHistory {
		s.history = s.history[len(s.history)-s.opts.MaxHistory:]
	}
}

func (s *Scheduler) sortPriorityLocked() {
	sort.SliceStable(s.priority, func(i, j int) bool {
		return s.priority[i].Priority > s.priority[j].Priority
	})
}

// maintenanceLoop promotes due scheduled tasks into their queue, and runs
// a periodic Maintenance task if one is registered.
func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()
	promote := time.NewTicker(s.opts.PromotionPollInterval)
	defer promote.Stop()
	maintenance := time.NewTicker(s.opts.MaintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			s.promoteDue()
		case <-maintenance.C:
			if _, ok := s.handlers[ctxtypes.TaskMaintenance]; ok {
				s.SubmitTask(&Task{Kind: ctxtypes.TaskMaintenance, Priority: ctxtypes.PriorityLow})
			}
		}
	}
}

func (s *Scheduler) promoteDue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var remaining []*Task
	for _, t := range s.scheduled {
		if now.After(t.RunAt) || now.Equal(t.RunAt) {
			if t.Priority >= ctxtypes.PriorityHigh {
				s.priority = append(s.priority, t)
			} else {
				s.fifo = append(s.fifo, t)
			}
			continue
		}
		remaining = append(remaining, t)
	}
	s.scheduled = remaining
	s.sortPriorityLocked()
	s.wake()
}

func removeByID(tasks []*Task, id string) []*Task {
	out := tasks[:0]
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}
