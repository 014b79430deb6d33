package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskforge/engine/internal/resilience"
	"github.com/taskforge/engine/pipeline"
	"github.com/taskforge/engine/ports"
	"github.com/taskforge/engine/resultstore"
	"github.com/taskforge/engine/workflowcache"
	"github.com/taskforge/engine/workflowstatus"
)

// cancelHandle is registered per in-flight execution so CancelExecution
// and the scheduler's timeout sweep can abort a running worker.
type cancelHandle struct {
	cancel context.CancelFunc
	reason string
}

// WorkerPool runs up to capacity concurrent executions; invokes the
// Pipeline Converter, Workflow Cache, PipelineRunner port, Result
// Store, and Workflow Status Manager per the worker execution flow.
type WorkerPool struct {
	capacity int
	sem      chan struct{}
	wg       sync.WaitGroup

	registry   *Registry
	scheduler  *Scheduler
	taskStore  ports.TaskStore
	runner     ports.PipelineRunner
	converter  *pipeline.Converter
	cache      *workflowcache.Cache
	results    *resultstore.Store
	statuses   *workflowstatus.Manager
	breaker    *resilience.CircuitBreaker
	defaultTemplateID string

	handlesMu sync.Mutex
	handles   map[string]*cancelHandle

	hooks *hookSet

	executed metric.Int64Counter
	duration metric.Float64Histogram
}

// WorkerPoolConfig bundles the collaborators a WorkerPool is wired to.
type WorkerPoolConfig struct {
	Capacity          int
	TaskStore         ports.TaskStore
	Runner            ports.PipelineRunner
	Converter         *pipeline.Converter
	Cache             *workflowcache.Cache
	Results           *resultstore.Store
	Statuses          *workflowstatus.Manager
	Breaker           *resilience.CircuitBreaker
	DefaultTemplateID string
}

// NewWorkerPool constructs a WorkerPool bound to registry. scheduler is
// set afterward via Bind to break the construction cycle between the
// two (the scheduler needs a pool, the pool needs a scheduler to
// release running slots).
func NewWorkerPool(registry *Registry, cfg WorkerPoolConfig, hooks *hookSet) *WorkerPool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 4
	}
	if cfg.DefaultTemplateID == "" {
		cfg.DefaultTemplateID = "default"
	}
	meter := otel.Meter("taskengine")
	executed, _ := meter.Int64Counter("taskengine_worker_executions_total")
	duration, _ := meter.Float64Histogram("taskengine_worker_execution_seconds")

	return &WorkerPool{
		capacity:          cfg.Capacity,
		sem:               make(chan struct{}, cfg.Capacity),
		registry:          registry,
		taskStore:         cfg.TaskStore,
		runner:            cfg.Runner,
		converter:         cfg.Converter,
		cache:             cfg.Cache,
		results:           cfg.Results,
		statuses:          cfg.Statuses,
		breaker:           cfg.Breaker,
		defaultTemplateID: cfg.DefaultTemplateID,
		handles:           make(map[string]*cancelHandle),
		hooks:             hooks,
		executed:          executed,
		duration:          duration,
	}
}

// Bind wires the scheduler this pool releases running-set slots
// through. Must be called once before Start.
func (p *WorkerPool) Bind(s *Scheduler) { p.scheduler = s }

// submit starts a goroutine to run exec. Called only by the scheduler's
// dispatch loop, which is the sole producer of worker assignments.
func (p *WorkerPool) submit(exec *TaskExecution) {
	p.sem <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		p.run(exec)
	}()
}

// abort signals the cancel handle for executionID, if one is
// registered, with the given reason. Used by both CancelExecution and
// the scheduler's timeout sweep.
func (p *WorkerPool) abort(executionID, reason string) {
	p.handlesMu.Lock()
	h, ok := p.handles[executionID]
	p.handlesMu.Unlock()
	if !ok {
		return
	}
	h.reason = reason
	h.cancel()
}

// Wait blocks until every in-flight worker goroutine has finished.
func (p *WorkerPool) Wait() { p.wg.Wait() }

func (p *WorkerPool) run(exec *TaskExecution) {
	start := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	handle := &cancelHandle{cancel: cancel}
	p.handlesMu.Lock()
	p.handles[exec.ExecutionID] = handle
	p.handlesMu.Unlock()

	defer func() {
		cancel()
		p.handlesMu.Lock()
		delete(p.handles, exec.ExecutionID)
		p.handlesMu.Unlock()
		p.scheduler.release(exec.ExecutionID)
		p.duration.Record(context.Background(), time.Since(start).Seconds())
	}()

	final := p.execute(ctx, exec, handle)

	p.hooks.runPost(final)
	if final.Status == StatusCompleted {
		wakeDependents(p.registry, p.scheduler, final.ExecutionID)
	} else if final.Status == StatusFailed || final.Status == StatusCancelled {
		propagateFailure(p.registry, p.scheduler, final.ExecutionID)
	}
}

// execute runs the full per-execution flow described by the worker
// execution design and returns the execution's final state.
func (p *WorkerPool) execute(ctx context.Context, exec *TaskExecution, handle *cancelHandle) *TaskExecution {
	p.hooks.runPre(exec)

	exec, err := p.registry.Transition(exec.ExecutionID, StatusPreparing, nil)
	if err != nil {
		return exec
	}

	task, err := p.taskStore.GetTask(ctx, exec.TaskID)
	if err != nil {
		return p.fail(exec, "task_not_found", err, false)
	}
	_ = p.taskStore.UpdateTaskStatus(ctx, exec.TaskID, "IN_PROGRESS")

	pl, err := p.converter.Render(task, p.defaultTemplateID, exec.WorkflowParams)
	if err != nil {
		return p.fail(exec, "pipeline_render_failed", err, false)
	}

	if exec.WorkflowID == "" {
		workflowID := uuid.NewString()
		if _, err := p.statuses.Create(ctx, workflowID, workflowstatus.StateCreated, nil); err != nil {
			slog.Warn("workflow status create failed", "workflow_id", workflowID, "error", err)
		}
		exec, err = p.registry.AssignWorkflowID(exec.ExecutionID, workflowID)
		if err != nil {
			return exec
		}
	}

	exec, err = p.registry.Transition(exec.ExecutionID, StatusRunning, nil)
	if err != nil {
		return exec
	}
	_, _ = p.statuses.UpdateState(ctx, exec.WorkflowID, workflowstatus.StateRunning, nil)

	raw, cacheHit, err := p.obtainResult(ctx, exec, pl)
	if err != nil {
		switch handle.reason {
		case "cancelled":
			return p.cancel(ctx, exec)
		case "timeout":
			return p.fail(exec, "timeout", err, true)
		default:
			return p.retryOrFail(ctx, exec, "runner_failed", err)
		}
	}

	normalized := map[string]any{
		"success": err == nil,
		"result":  raw.Output,
	}
	schemaID := "generic"
	if raw.ExitCode != 0 {
		normalized["success"] = false
		normalized["error"] = raw.Logs
	}
	if _, storeErr := p.results.StoreResult(exec.WorkflowID, normalized, exec.TaskID, schemaID); storeErr != nil {
		return p.fail(exec, "invalid_result", storeErr, false)
	}
	if !cacheHit {
		if key, keyErr := workflowcache.Key(exec.TaskID, exec.WorkflowType, exec.WorkflowParams); keyErr == nil {
			_ = p.cache.Set(key, raw.Output)
		}
	}

	success, _ := normalized["success"].(bool)
	if success {
		exec.Result = raw.Output
		return p.complete(ctx, exec)
	}
	return p.retryOrFail(ctx, exec, "runner_reported_failure", nil)
}

// obtainResult consults the Workflow Cache unless skip_cache is set,
// otherwise invokes the PipelineRunner (through the circuit breaker)
// with the rendered pipeline document.
func (p *WorkerPool) obtainResult(ctx context.Context, exec *TaskExecution, pl *pipeline.Pipeline) (ports.RawResult, bool, error) {
	skipCache, _ := exec.WorkflowParams["skip_cache"].(bool)
	if !skipCache {
		key, err := workflowcache.Key(exec.TaskID, exec.WorkflowType, exec.WorkflowParams)
		if err == nil {
			if cached, ok, _ := p.cache.Get(key); ok {
				if out, ok := cached.(map[string]any); ok {
					return ports.RawResult{Output: out}, true, nil
				}
			}
		}
	}

	if p.breaker != nil && !p.breaker.Allow() {
		return ports.RawResult{}, false, NewError(ErrInternal, "pipeline runner circuit open", nil)
	}

	rendered := map[string]any{
		"task_id":          pl.TaskID,
		"task_name":        pl.TaskName,
		"task_description": pl.TaskDescription,
		"steps":            pl.Steps,
		"metadata":         pl.Metadata,
	}
	out, err := p.runner.Execute(ctx, exec.WorkflowType, rendered)
	if p.breaker != nil {
		p.breaker.RecordResult(err == nil)
	}
	return out, false, err
}

func (p *WorkerPool) complete(ctx context.Context, exec *TaskExecution) *TaskExecution {
	updated, err := p.registry.Transition(exec.ExecutionID, StatusCompleted, nil)
	if err != nil {
		return exec
	}
	_ = p.taskStore.UpdateTask(ctx, ports.Task{ID: exec.TaskID})
	_ = p.taskStore.UpdateTaskStatus(ctx, exec.TaskID, "COMPLETED")
	_, _ = p.statuses.UpdateState(ctx, exec.WorkflowID, workflowstatus.StateCompleted, nil)
	p.executed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))
	return updated
}

// cancel finalizes exec as CANCELLED in response to a cancel signal
// received while running. Never retried.
func (p *WorkerPool) cancel(ctx context.Context, exec *TaskExecution) *TaskExecution {
	updated, err := p.registry.Transition(exec.ExecutionID, StatusCancelled, map[string]any{"reason": "cancelled"})
	if err != nil {
		return exec
	}
	_ = p.taskStore.UpdateTaskStatus(ctx, exec.TaskID, "CANCELLED")
	_, _ = p.statuses.UpdateState(ctx, exec.WorkflowID, workflowstatus.StateCancelled, nil)
	p.executed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "cancelled")))
	return updated
}

// fail records a failure. With timeout=false it transitions directly to
// FAILED, bypassing the Retry Controller; this is used for
// task_not_found and validation-style failures that are never retried.
// With timeout=true it records TIMEOUT and then hands the execution to
// retryOrFail, so a timed-out attempt can still be retried.
func (p *WorkerPool) fail(exec *TaskExecution, reason string, cause error, timeout bool) *TaskExecution {
	status := StatusFailed
	if timeout {
		status = StatusTimeout
	}
	updated, err := p.registry.Transition(exec.ExecutionID, status, map[string]any{"reason": reason})
	if err != nil {
		return exec
	}
	if cause != nil {
		updated.Error = cause.Error()
	}
	if status == StatusFailed {
		_ = p.taskStore.UpdateTaskStatus(context.Background(), exec.TaskID, "FAILED")
		p.executed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		return updated
	}
	return p.retryOrFail(context.Background(), updated, reason, cause)
}

// retryOrFail applies the Retry Controller's eligibility test and
// either re-enqueues at next_retry_at or finalizes as FAILED.
func (p *WorkerPool) retryOrFail(ctx context.Context, exec *TaskExecution, reason string, cause error) *TaskExecution {
	updated, err := p.registry.Transition(exec.ExecutionID, StatusFailed, map[string]any{"reason": reason})
	if err != nil {
		return exec
	}
	if cause != nil {
		updated.Error = cause.Error()
	}
	_, _ = p.statuses.UpdateState(ctx, exec.WorkflowID, workflowstatus.StateFailed, map[string]any{"reason": reason})

	if !shouldRetry(updated) {
		_ = p.taskStore.UpdateTaskStatus(ctx, exec.TaskID, "FAILED")
		p.executed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		return updated
	}

	nextRetryCount := updated.RetryCount + 1
	delay := nextRetryDelay(updated.RetryStrategy, updated.RetryDelaySeconds, nextRetryCount)
	nextAt := time.Now().Add(delay)

	retrying, err := p.registry.Transition(updated.ExecutionID, StatusRetrying, map[string]any{
		"retry_count": nextRetryCount,
		"delay_sec":   delay.Seconds(),
	})
	if err != nil {
		return updated
	}
	retrying, err = p.registry.RecordRetry(retrying.ExecutionID, nextRetryCount, &nextAt)
	if err != nil {
		return updated
	}
	p.scheduler.Enqueue(retrying.ExecutionID, retrying.Priority, nextAt)
	p.executed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "retrying")))
	return retrying
}
