package engine

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Scheduler owns the ready heap and delay queue described in the
// component design: a CRITICAL execution that is not yet ready does not
// hold back lower-priority work that is already ready, and the dispatch
// loop never busy-waits on it either. We keep two structures — a time-ordered
// delayQueue for not-yet-ready items and a priority-ordered readyHeap —
// and promote from the former to the latter on every tick.
type Scheduler struct {
	mu        sync.Mutex
	ready     readyHeap
	delayed   delayQueue
	running   map[string]bool
	seq       uint64
	interval  time.Duration

	registry *Registry
	pool     *WorkerPool

	cron   *cron.Cron
	wake   chan struct{}
	cancel context.CancelFunc

	dispatched metric.Int64Counter
	queueGauge metric.Int64ObservableGauge
}

// NewScheduler constructs a Scheduler over registry, dispatching picked
// executions to pool. interval is the default scheduler_interval (5s if
// zero).
func NewScheduler(registry *Registry, pool *WorkerPool, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	meter := otel.Meter("taskengine")
	dispatched, _ := meter.Int64Counter("taskengine_scheduler_dispatched_total")

	s := &Scheduler{
		running:    make(map[string]bool),
		interval:   interval,
		registry:   registry,
		pool:       pool,
		cron:       cron.New(cron.WithSeconds()),
		wake:       make(chan struct{}, 1),
		dispatched: dispatched,
	}
	heap.Init(&s.ready)
	heap.Init(&s.delayed)
	return s
}

// Start launches the scheduler loop in the background, driven both by
// the cron-scheduled tick and by event wake-ups (Enqueue, cancellation,
// dependency completion).
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	_, err := s.cron.AddFunc("@every "+s.interval.String(), func() {
		s.wakeUp()
	})
	if err != nil {
		slog.Warn("scheduler: failed to register periodic tick", "error", err)
	}
	s.cron.Start()

	go s.loop(ctx)
}

// Stop halts the cron driver and the scheduler loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

func (s *Scheduler) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		case <-s.wake:
			s.tick()
		}
	}
}

// Enqueue places executionID into the scheduler's queues at readyTime
// with the given priority. Used both for newly-scheduled executions and
// for re-pushes from retry/dependency wake-up.
func (s *Scheduler) Enqueue(executionID string, priority Priority, readyTime time.Time) {
	s.mu.Lock()
	s.seq++
	item := &readyItem{executionID: executionID, priority: priority, readyTime: readyTime, seq: s.seq}
	if readyTime.After(time.Now()) {
		heap.Push(&s.delayed, item)
	} else {
		heap.Push(&s.ready, item)
	}
	s.mu.Unlock()
	s.wakeUp()
}

// Remove drops executionID from whichever queue currently holds it.
// Used by CancelExecution for queued (not yet running) executions.
func (s *Scheduler) Remove(executionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if removeByID(&s.ready, executionID) {
		return true
	}
	return removeByID(&s.delayed, executionID)
}

func removeByID(h heap.Interface, executionID string) bool {
	switch q := h.(type) {
	case *readyHeap:
		for i, it := range *q {
			if it.executionID == executionID {
				heap.Remove(q, i)
				return true
			}
		}
	case *delayQueue:
		for i, it := range *q {
			if it.executionID == executionID {
				heap.Remove(q, i)
				return true
			}
		}
	}
	return false
}

// IsRunning reports whether executionID is currently in the running set.
func (s *Scheduler) IsRunning(executionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[executionID]
}

func (s *Scheduler) promoteReady(now time.Time) {
	for s.delayed.Len() > 0 && !s.delayed[0].readyTime.After(now) {
		item := heap.Pop(&s.delayed).(*readyItem)
		heap.Push(&s.ready, item)
	}
}

// tick runs one iteration: timeout sweep, then the dispatch loop.
func (s *Scheduler) tick() {
	now := time.Now()
	s.sweepTimeouts(now)
	s.dispatch(now)
}

func (s *Scheduler) sweepTimeouts(now time.Time) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		exec, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		if exec.Status != StatusRunning && exec.Status != StatusPreparing {
			continue
		}
		if exec.StartedAt == nil {
			continue
		}
		if now.Sub(*exec.StartedAt) <= time.Duration(exec.TimeoutSeconds)*time.Second {
			continue
		}
		s.pool.abort(id, "timeout")
	}
}

func (s *Scheduler) dispatch(now time.Time) {
	for {
		s.mu.Lock()
		s.promoteReady(now)
		if len(s.running) >= s.pool.capacity || s.ready.Len() == 0 {
			s.mu.Unlock()
			return
		}

		top := s.ready[0]
		if top.readyTime.After(now) {
			// The true top isn't ready yet; look for a lower-priority but
			// currently-ready entry further down so a future CRITICAL item
			// never starves ready lower-priority work, without busy-waiting.
			idx := s.firstReadyIndex(now)
			if idx < 0 {
				s.mu.Unlock()
				return
			}
			item := heap.Remove(&s.ready, idx).(*readyItem)
			s.mu.Unlock()
			s.handleItem(item, now)
			continue
		}

		item := heap.Pop(&s.ready).(*readyItem)
		s.mu.Unlock()
		s.handleItem(item, now)
	}
}

// firstReadyIndex scans the ready heap's slice for the first entry whose
// readyTime has arrived. Must be called with s.mu held.
func (s *Scheduler) firstReadyIndex(now time.Time) int {
	for i, it := range s.ready {
		if !it.readyTime.After(now) {
			return i
		}
	}
	return -1
}

func (s *Scheduler) handleItem(item *readyItem, now time.Time) {
	exec, err := s.registry.Get(item.executionID)
	if err != nil || !exec.CanExecute() {
		return // terminal or cancelled: discard
	}

	ready, failed := s.checkDependencies(exec)
	if failed != "" {
		s.abandon(exec, failed)
		return
	}
	if !ready {
		s.Enqueue(item.executionID, item.priority, now.Add(s.interval))
		return
	}

	s.mu.Lock()
	s.running[item.executionID] = true
	s.mu.Unlock()
	s.dispatched.Add(context.Background(), 1)
	s.pool.submit(exec)
}

// checkDependencies reports ready=true iff every dependency is COMPLETED.
// If any dependency is terminal-non-COMPLETED, failed names it.
func (s *Scheduler) checkDependencies(exec *TaskExecution) (ready bool, failed string) {
	ready = true
	for _, depID := range exec.Dependencies {
		dep, err := s.registry.Get(depID)
		if err != nil {
			continue
		}
		if dep.Status == StatusCompleted {
			continue
		}
		if IsTerminal(dep.Status) {
			return false, depID
		}
		ready = false
	}
	return ready, ""
}

func (s *Scheduler) abandon(exec *TaskExecution, failedDepID string) {
	updated, err := s.registry.Transition(exec.ExecutionID, StatusFailed, map[string]any{
		"reason":     "dependency_failed",
		"dependency": failedDepID,
	})
	if err != nil {
		return
	}
	propagateFailure(s.registry, s, updated.ExecutionID)
}

// release removes executionID from the running set. Called by the
// worker pool when an execution finishes, regardless of outcome.
func (s *Scheduler) release(executionID string) {
	s.mu.Lock()
	delete(s.running, executionID)
	s.mu.Unlock()
	s.wakeUp()
}

// runningCount reports the current size of the running set.
func (s *Scheduler) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// queueLength reports the combined size of the ready heap and delay
// queue, used by GetExecutionStats.
func (s *Scheduler) queueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Len() + s.delayed.Len()
}

// propagateFailure implements C10's abandonment propagation: every
// direct dependent of execID is transitioned to FAILED with
// dependency_failed, then recursively to its own dependents.
func propagateFailure(registry *Registry, sched *Scheduler, execID string) {
	for _, depID := range registry.DependentsOf(execID) {
		dep, err := registry.Get(depID)
		if err != nil || IsTerminal(dep.Status) {
			continue
		}
		sched.Remove(depID)
		updated, err := registry.Transition(depID, StatusFailed, map[string]any{
			"reason":     "dependency_failed",
			"dependency": execID,
		})
		if err != nil {
			continue
		}
		propagateFailure(registry, sched, updated.ExecutionID)
	}
}

// wakeDependents implements C10's success path: for each dependent of
// execID, if every one of its dependencies is now COMPLETED and it can
// still execute, re-push it onto the ready heap at its original priority.
func wakeDependents(registry *Registry, sched *Scheduler, execID string) {
	for _, depID := range registry.DependentsOf(execID) {
		dependent, err := registry.Get(depID)
		if err != nil || !dependent.CanExecute() {
			continue
		}
		allDone := true
		for _, d := range dependent.Dependencies {
			dep, err := registry.Get(d)
			if err != nil || dep.Status != StatusCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			sched.Enqueue(dependent.ExecutionID, dependent.Priority, time.Now())
		}
	}
}
