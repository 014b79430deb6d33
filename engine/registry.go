package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskforge/engine/internal/resilience"
	"github.com/taskforge/engine/internal/storage"
)

var bucketExecutions = []byte("executions")

// Registry is the authoritative, durable store of all TaskExecutions. It
// is the exclusive mutator of execution state: every other component
// holds handles returned by Registry methods and must route mutations
// back through Transition.
type Registry struct {
	mu   sync.RWMutex
	db   *bbolt.DB
	mem  map[string]*TaskExecution
	deps *depIndex

	dirty      map[string]bool
	flushGroup sync.WaitGroup

	writeLatency metric.Float64Histogram
	readLatency  metric.Float64Histogram

	seqMu sync.Mutex
	seq   uint64
}

// NewRegistry opens (or creates) the executions bucket at dbPath and
// performs startup recovery over every persisted, non-terminal
// execution per the reclassification rules.
func NewRegistry(dbPath string, meter metric.Meter) (*Registry, error) {
	db, err := storage.Open(dbPath, bucketExecutions)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	writeLatency, _ := meter.Float64Histogram("taskengine_registry_write_ms")
	readLatency, _ := meter.Float64Histogram("taskengine_registry_read_ms")

	r := &Registry{
		db:           db,
		mem:          make(map[string]*TaskExecution),
		deps:         newDepIndex(),
		dirty:        make(map[string]bool),
		writeLatency: writeLatency,
		readLatency:  readLatency,
	}

	if err := r.loadAndRecover(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadAndRecover() error {
	now := time.Now()
	return storage.ForEach(r.db, bucketExecutions, func(_, v []byte) error {
		var exec TaskExecution
		if err := json.Unmarshal(v, &exec); err != nil {
			return nil // skip corrupt records rather than fail startup
		}
		r.mem[exec.ExecutionID] = &exec
		for _, dep := range exec.Dependencies {
			r.deps.addEdge(dep, exec.ExecutionID)
		}

		if !IsTerminal(exec.Status) {
			switch exec.Status {
			case StatusRunning, StatusPreparing:
				exec.Status = StatusPending
			case StatusRetrying:
				// keep NextRetryAt; scheduler will honor it as ready_time
			default:
				exec.ScheduledAt = &now
			}
		}
		return nil
	})
}

func (r *Registry) nextSeq() uint64 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	r.seq++
	return r.seq
}

// Create allocates a new TaskExecution from spec, persists it, and
// registers its dependency edges.
func (r *Registry) Create(spec Spec) (*TaskExecution, error) {
	spec = spec.WithDefaults()
	now := time.Now()

	status := StatusPending
	if spec.ScheduledTime != nil && spec.ScheduledTime.After(now) {
		status = StatusScheduled
	}

	exec := &TaskExecution{
		ExecutionID:       uuid.NewString(),
		TaskID:            spec.TaskID,
		Priority:          spec.Priority,
		ScheduledAt:       spec.ScheduledTime,
		WorkflowType:      spec.WorkflowType,
		WorkflowParams:    spec.WorkflowParams,
		TimeoutSeconds:    spec.TimeoutSeconds,
		RetryStrategy:     spec.RetryStrategy,
		MaxRetries:        spec.MaxRetries,
		RetryDelaySeconds: spec.RetryDelaySeconds,
		Dependencies:      spec.Dependencies,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
		Metadata:          spec.Metadata,
		StatusHistory: []StatusTransition{{
			Status:         status,
			PreviousStatus: "",
			Timestamp:      now,
		}},
	}

	r.mu.Lock()
	r.mem[exec.ExecutionID] = exec
	for _, dep := range exec.Dependencies {
		r.deps.addEdge(dep, exec.ExecutionID)
	}
	r.mu.Unlock()

	r.persist(exec)
	return exec.Clone(), nil
}

// Get returns a clone of the execution, or EXECUTION_NOT_FOUND.
func (r *Registry) Get(executionID string) (*TaskExecution, error) {
	start := time.Now()
	defer func() {
		r.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_execution")))
	}()
	r.mu.RLock()
	exec, ok := r.mem[executionID]
	r.mu.RUnlock()
	if !ok {
		return nil, NewError(ErrExecutionNotFound, executionID, nil)
	}
	return exec.Clone(), nil
}

// Transition appends a new status to the execution's history, updates
// timestamps per the started_at/completed_at invariants, and persists
// the record atomically.
func (r *Registry) Transition(executionID string, newStatus Status, details map[string]any) (*TaskExecution, error) {
	r.mu.Lock()
	exec, ok := r.mem[executionID]
	if !ok {
		r.mu.Unlock()
		return nil, NewError(ErrExecutionNotFound, executionID, nil)
	}

	now := time.Now()
	prev := exec.Status
	exec.Status = newStatus
	exec.UpdatedAt = now
	exec.StatusHistory = append(exec.StatusHistory, StatusTransition{
		Status:         newStatus,
		PreviousStatus: prev,
		Timestamp:      now,
		Details:        details,
	})

	if newStatus == StatusRunning && exec.StartedAt == nil {
		exec.StartedAt = &now
	}
	if IsTerminal(newStatus) {
		exec.CompletedAt = &now
	} else {
		exec.CompletedAt = nil
	}

	out := exec.Clone()
	r.mu.Unlock()

	r.persist(exec)
	return out, nil
}

// AssignWorkflowID sets the workflow_id on an execution that doesn't
// have one yet and persists the change. Called once, the first time a
// worker renders a pipeline for this execution.
func (r *Registry) AssignWorkflowID(executionID, workflowID string) (*TaskExecution, error) {
	r.mu.Lock()
	exec, ok := r.mem[executionID]
	if !ok {
		r.mu.Unlock()
		return nil, NewError(ErrExecutionNotFound, executionID, nil)
	}
	exec.WorkflowID = workflowID
	exec.UpdatedAt = time.Now()
	out := exec.Clone()
	r.mu.Unlock()

	r.persist(exec)
	return out, nil
}

// RecordRetry sets retry_count and next_retry_at on an execution and
// persists the change. Called by the Retry Controller after a
// RETRYING transition, so a crash between the transition and the next
// dispatch still observes the incremented count on reload.
func (r *Registry) RecordRetry(executionID string, retryCount int, nextRetryAt *time.Time) (*TaskExecution, error) {
	r.mu.Lock()
	exec, ok := r.mem[executionID]
	if !ok {
		r.mu.Unlock()
		return nil, NewError(ErrExecutionNotFound, executionID, nil)
	}
	exec.RetryCount = retryCount
	exec.NextRetryAt = nextRetryAt
	exec.UpdatedAt = time.Now()
	out := exec.Clone()
	r.mu.Unlock()

	r.persist(exec)
	return out, nil
}

// List returns a page of executions filtered by status and/or task_id,
// newest-first by created_at.
func (r *Registry) List(status Status, taskID string, limit, offset int) ([]*TaskExecution, int) {
	r.mu.RLock()
	all := make([]*TaskExecution, 0, len(r.mem))
	for _, e := range r.mem {
		if status != "" && e.Status != status {
			continue
		}
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		all = append(all, e.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total
}

// AddDependencyEdge registers that `to` depends on `from` completing.
func (r *Registry) AddDependencyEdge(from, to string) {
	r.deps.addEdge(from, to)
}

// DependentsOf returns the set of execution ids that depend on from.
func (r *Registry) DependentsOf(from string) []string {
	return r.deps.dependentsOf(from)
}

// Exists reports whether executionID is a known execution (used to
// validate dependency references at schedule time).
func (r *Registry) Exists(executionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.mem[executionID]
	return ok
}

// persist marshals and writes exec to disk, retrying in the background
// on failure. In-memory state is already updated by the caller; a
// persistence failure never blocks the caller or mutates exec further.
func (r *Registry) persist(exec *TaskExecution) {
	start := time.Now()
	data, err := json.Marshal(exec)
	if err != nil {
		return // programmer error; nothing sane to retry
	}

	writeErr := storage.Put(r.db, bucketExecutions, []byte(exec.ExecutionID), data)
	r.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("operation", "persist_execution")))
	if writeErr == nil {
		r.mu.Lock()
		delete(r.dirty, exec.ExecutionID)
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	alreadyFlushing := r.dirty[exec.ExecutionID]
	r.dirty[exec.ExecutionID] = true
	r.mu.Unlock()
	if alreadyFlushing {
		return
	}

	r.flushGroup.Add(1)
	go func() {
		defer r.flushGroup.Done()
		_ = resilience.RetryFlush(context.Background(), func() error {
			r.mu.RLock()
			latest, ok := r.mem[exec.ExecutionID]
			r.mu.RUnlock()
			if !ok {
				return nil
			}
			data, err := json.Marshal(latest)
			if err != nil {
				return nil
			}
			return storage.Put(r.db, bucketExecutions, []byte(exec.ExecutionID), data)
		})
		r.mu.Lock()
		delete(r.dirty, exec.ExecutionID)
		r.mu.Unlock()
	}()
}

// Close waits for any in-flight background flushes and closes the db.
func (r *Registry) Close() error {
	r.flushGroup.Wait()
	return r.db.Close()
}

// depIndex is the Dependency Graph Index (C10): a secondary map from a
// dependency execution_id to the set of execution_ids that depend on it.
type depIndex struct {
	mu   sync.RWMutex
	deps map[string]map[string]bool
}

func newDepIndex() *depIndex {
	return &depIndex{deps: make(map[string]map[string]bool)}
}

func (d *depIndex) addEdge(from, to string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.deps[from]
	if !ok {
		set = make(map[string]bool)
		d.deps[from] = set
	}
	set[to] = true
}

func (d *depIndex) dependentsOf(from string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set := d.deps[from]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
