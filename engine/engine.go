// Package engine implements the Task Execution Engine: a
// dependency-aware priority scheduler, a durable per-execution
// lifecycle state machine, and the glue that drives a pipeline
// template through an external runner and back into results and
// workflow status.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/taskforge/engine/internal/resilience"
	"github.com/taskforge/engine/pipeline"
	"github.com/taskforge/engine/ports"
	"github.com/taskforge/engine/resultstore"
	"github.com/taskforge/engine/workflowcache"
	"github.com/taskforge/engine/workflowstatus"
)

// Engine is the in-process API described by the external interfaces:
// ScheduleTask, CancelExecution, GetExecution, and friends.
type Engine struct {
	registry  *Registry
	scheduler *Scheduler
	pool      *WorkerPool
	hooks     *hookSet
}

// Config bundles everything needed to construct a running Engine.
type Config struct {
	SchedulerInterval time.Duration
	WorkerCapacity    int
	TaskStore         ports.TaskStore
	Runner            ports.PipelineRunner
	Converter         *pipeline.Converter
	Cache             *workflowcache.Cache
	Results           *resultstore.Store
	Statuses          *workflowstatus.Manager
	Registry          *Registry
	Breaker           *resilience.CircuitBreaker
}

// New wires a Registry, Scheduler, and WorkerPool into a running Engine
// and starts the scheduler loop.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, NewError(ErrInternal, "engine: Config.Registry is required", nil)
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 10*time.Second, 1)
	}
	hooks := newHookSet()
	pool := NewWorkerPool(cfg.Registry, WorkerPoolConfig{
		Capacity:  cfg.WorkerCapacity,
		TaskStore: cfg.TaskStore,
		Runner:    cfg.Runner,
		Converter: cfg.Converter,
		Cache:     cfg.Cache,
		Results:   cfg.Results,
		Statuses:  cfg.Statuses,
		Breaker:   breaker,
	}, hooks)

	scheduler := NewScheduler(cfg.Registry, pool, cfg.SchedulerInterval)
	pool.Bind(scheduler)
	scheduler.Start(ctx)

	e := &Engine{
		registry:  cfg.Registry,
		scheduler: scheduler,
		pool:      pool,
		hooks:     hooks,
	}
	e.reenqueueRecovered()
	return e, nil
}

// reenqueueRecovered pushes every non-terminal execution loaded at
// startup recovery back onto the scheduler at its reclassified
// ready-time.
func (e *Engine) reenqueueRecovered() {
	execs, _ := e.registry.List("", "", 0, 0)
	for _, exec := range execs {
		if IsTerminal(exec.Status) {
			continue
		}
		readyTime := time.Now()
		if exec.Status == StatusRetrying && exec.NextRetryAt != nil {
			readyTime = *exec.NextRetryAt
		} else if exec.Status == StatusScheduled && exec.ScheduledAt != nil {
			readyTime = *exec.ScheduledAt
		}
		e.scheduler.Enqueue(exec.ExecutionID, exec.Priority, readyTime)
	}
}

// Shutdown stops the scheduler, waits for in-flight workers, and closes
// the registry's persistence handle.
func (e *Engine) Shutdown() error {
	e.scheduler.Stop()
	e.pool.Wait()
	return e.registry.Close()
}

// ScheduledExecution is the lightweight view ScheduleTask returns.
type ScheduledExecution struct {
	ExecutionID   string
	TaskID        string
	Status        Status
	ScheduledTime *time.Time
	Priority      Priority
}

// ScheduleTask creates a TaskExecution for task_id and enqueues it once
// its dependencies (if any) are known to exist.
func (e *Engine) ScheduleTask(spec Spec) (*ScheduledExecution, error) {
	for _, dep := range spec.Dependencies {
		if !e.registry.Exists(dep) {
			return nil, NewError(ErrInvalidParams, fmt.Sprintf("unknown dependency %q", dep), nil)
		}
	}

	exec, err := e.registry.Create(spec)
	if err != nil {
		return nil, err
	}
	for _, dep := range exec.Dependencies {
		e.registry.AddDependencyEdge(dep, exec.ExecutionID)
	}

	readyTime := time.Now()
	if exec.Status == StatusScheduled && exec.ScheduledAt != nil {
		readyTime = *exec.ScheduledAt
	}
	e.scheduler.Enqueue(exec.ExecutionID, exec.Priority, readyTime)

	return &ScheduledExecution{
		ExecutionID:   exec.ExecutionID,
		TaskID:        exec.TaskID,
		Status:        exec.Status,
		ScheduledTime: exec.ScheduledAt,
		Priority:      exec.Priority,
	}, nil
}

// BatchFailure names a task_id that failed to schedule within a batch
// and why.
type BatchFailure struct {
	TaskID string
	Error  string
}

// ScheduleTaskBatch schedules the same spec shape against every task_id
// in taskIDs, continuing past individual failures.
func (e *Engine) ScheduleTaskBatch(taskIDs []string, spec Spec) (successful []*ScheduledExecution, failed []BatchFailure) {
	for _, taskID := range taskIDs {
		s := spec
		s.TaskID = taskID
		sched, err := e.ScheduleTask(s)
		if err != nil {
			failed = append(failed, BatchFailure{TaskID: taskID, Error: err.Error()})
			continue
		}
		successful = append(successful, sched)
	}
	return successful, failed
}

// ScheduleTaskGraph topologically sorts taskGraph (task_id -> its
// dependency task_ids) and schedules one execution per task_id in
// dependency order, wiring each execution's Dependencies to the
// execution_ids already created for its graph dependencies. Fails with
// CYCLE_DETECTED (no executions created) if the graph has a cycle.
func (e *Engine) ScheduleTaskGraph(taskGraph map[string][]string, spec Spec, workflowParams map[string]map[string]any) ([]*ScheduledExecution, []string, error) {
	order, err := topoSort(taskGraph)
	if err != nil {
		return nil, nil, err
	}

	execIDByTask := make(map[string]string, len(order))
	var executions []*ScheduledExecution
	for _, taskID := range order {
		s := spec
		s.TaskID = taskID
		if workflowParams != nil {
			if p, ok := workflowParams[taskID]; ok {
				s.WorkflowParams = p
			}
		}
		for _, dep := range taskGraph[taskID] {
			if depExecID, ok := execIDByTask[dep]; ok {
				s.Dependencies = append(s.Dependencies, depExecID)
			}
		}
		sched, err := e.ScheduleTask(s)
		if err != nil {
			return executions, order, err
		}
		execIDByTask[taskID] = sched.ExecutionID
		executions = append(executions, sched)
	}
	return executions, order, nil
}

// topoSort performs a Kahn's-algorithm topological sort over
// taskGraph (task_id -> list of task_ids it depends on), returning
// task_ids in an order where every dependency precedes its dependents.
func topoSort(taskGraph map[string][]string) ([]string, error) {
	inDegree := make(map[string]int)
	dependents := make(map[string][]string)
	for task := range taskGraph {
		if _, ok := inDegree[task]; !ok {
			inDegree[task] = 0
		}
	}
	for task, deps := range taskGraph {
		inDegree[task] += len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], task)
			if _, ok := inDegree[dep]; !ok {
				inDegree[dep] = 0
			}
		}
	}

	var queue []string
	for task, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, task)
		}
	}

	var order []string
	for len(queue) > 0 {
		task := queue[0]
		queue = queue[1:]
		order = append(order, task)
		for _, dependent := range dependents[task] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(inDegree) {
		return nil, NewError(ErrCycleDetected, "task_graph contains a cycle", nil)
	}
	return order, nil
}

// CancelResult is CancelExecution's return value.
type CancelResult struct {
	ExecutionID string
	Success     bool
	Message     string
}

// CancelExecution removes a queued execution or signals a running
// worker to abort, per the cancellation semantics in §5.
func (e *Engine) CancelExecution(executionID string) (*CancelResult, error) {
	exec, err := e.registry.Get(executionID)
	if err != nil {
		return nil, err
	}
	if IsTerminal(exec.Status) {
		return &CancelResult{ExecutionID: executionID, Success: false, Message: "already_completed"}, nil
	}

	if e.scheduler.Remove(executionID) {
		_, err := e.registry.Transition(executionID, StatusCancelled, map[string]any{"reason": "cancelled"})
		if err != nil {
			return nil, err
		}
		return &CancelResult{ExecutionID: executionID, Success: true, Message: "cancelled"}, nil
	}

	if e.scheduler.IsRunning(executionID) {
		e.pool.abort(executionID, "cancelled")
		return &CancelResult{ExecutionID: executionID, Success: true, Message: "cancel_signaled"}, nil
	}

	return &CancelResult{ExecutionID: executionID, Success: false, Message: "already_completed"}, nil
}

// GetExecution returns a single execution by id.
func (e *Engine) GetExecution(executionID string) (*TaskExecution, error) {
	return e.registry.Get(executionID)
}

// ListExecutions returns a filtered, paginated page of executions.
func (e *Engine) ListExecutions(status Status, taskID string, limit, offset int) ([]*TaskExecution, int) {
	return e.registry.List(status, taskID, limit, offset)
}

// Stats is GetExecutionStats's return value, including the
// workflow_type/priority breakdowns.
type Stats struct {
	Total          int
	StatusCounts   map[Status]int
	QueueLength    int
	RunningCount   int
	ByWorkflowType map[string]int
	ByPriority     map[Priority]int
}

// GetExecutionStats summarizes the registry and scheduler's current
// state, including breakdowns by workflow_type and priority.
func (e *Engine) GetExecutionStats() Stats {
	all, total := e.registry.List("", "", 0, 0)
	stats := Stats{
		Total:          total,
		StatusCounts:   make(map[Status]int),
		ByWorkflowType: make(map[string]int),
		ByPriority:     make(map[Priority]int),
		QueueLength:    e.scheduler.queueLength(),
		RunningCount:   e.scheduler.runningCount(),
	}
	for _, exec := range all {
		stats.StatusCounts[exec.Status]++
		stats.ByWorkflowType[exec.WorkflowType]++
		stats.ByPriority[exec.Priority]++
	}
	return stats
}

// AddPreExecutionHook registers fn to run before every PREPARING->RUNNING
// transition, in registration order.
func (e *Engine) AddPreExecutionHook(fn HookFunc) { e.hooks.addPre(fn) }

// AddPostExecutionHook registers fn to run, in registration order, each
// time a worker finishes running an execution. fn receives the state the
// run ended in, which may be RETRYING as well as a terminal state. It is
// not run for executions cancelled while still queued or failed by
// dependency propagation, since no worker runs those.
func (e *Engine) AddPostExecutionHook(fn HookFunc) { e.hooks.addPost(fn) }
