package engine

import (
	"path/filepath"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	meter := noopmetric.MeterProvider{}.Meter("test")
	r, err := NewRegistry(filepath.Join(t.TempDir(), "registry.db"), meter)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestCreateDefaultsToPending(t *testing.T) {
	r := newTestRegistry(t)
	exec, err := r.Create(Spec{TaskID: "task-1", WorkflowType: "http"}.WithDefaults())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if exec.Status != StatusPending {
		t.Fatalf("Status = %s, want %s", exec.Status, StatusPending)
	}
	if len(exec.StatusHistory) != 1 {
		t.Fatalf("expected a single initial history entry, got %d", len(exec.StatusHistory))
	}
	if exec.MaxRetries != 3 || exec.RetryDelaySeconds != 5 || exec.TimeoutSeconds != 3600 {
		t.Fatalf("expected WithDefaults to have filled defaults, got %+v", exec)
	}
}

func TestCreateScheduledInFuture(t *testing.T) {
	r := newTestRegistry(t)
	future := time.Now().Add(time.Hour)
	exec, err := r.Create(Spec{TaskID: "task-1", ScheduledTime: &future}.WithDefaults())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if exec.Status != StatusScheduled {
		t.Fatalf("Status = %s, want %s for a future scheduled_time", exec.Status, StatusScheduled)
	}
}

func TestGetUnknownExecution(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Get("missing"); err == nil {
		t.Fatalf("expected EXECUTION_NOT_FOUND for an unknown id")
	}
}

func TestTransitionSetsCompletedAtOnlyForTerminalStatuses(t *testing.T) {
	r := newTestRegistry(t)
	exec, _ := r.Create(Spec{TaskID: "task-1"}.WithDefaults())

	running, err := r.Transition(exec.ExecutionID, StatusRunning, nil)
	if err != nil {
		t.Fatalf("Transition to RUNNING: %v", err)
	}
	if running.CompletedAt != nil {
		t.Fatalf("expected completed_at to be nil while RUNNING")
	}
	if running.StartedAt == nil {
		t.Fatalf("expected started_at to be set on first RUNNING transition")
	}

	failed, err := r.Transition(exec.ExecutionID, StatusFailed, nil)
	if err != nil {
		t.Fatalf("Transition to FAILED: %v", err)
	}
	if failed.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set once terminal")
	}

	// Simulate the retry controller moving a FAILED execution back to
	// RETRYING: completed_at must be cleared again, since the execution
	// is no longer in a terminal state.
	retrying, err := r.Transition(exec.ExecutionID, StatusRetrying, nil)
	if err != nil {
		t.Fatalf("Transition to RETRYING: %v", err)
	}
	if retrying.CompletedAt != nil {
		t.Fatalf("expected completed_at to be cleared after leaving a terminal status")
	}
}

func TestTransitionStartedAtSetOnce(t *testing.T) {
	r := newTestRegistry(t)
	exec, _ := r.Create(Spec{TaskID: "task-1"}.WithDefaults())

	first, err := r.Transition(exec.ExecutionID, StatusRunning, nil)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	firstStarted := *first.StartedAt

	time.Sleep(2 * time.Millisecond)
	_, err = r.Transition(exec.ExecutionID, StatusFailed, nil)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	again, err := r.Transition(exec.ExecutionID, StatusRunning, nil)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !again.StartedAt.Equal(firstStarted) {
		t.Fatalf("expected started_at to only be set on the first RUNNING transition")
	}
}

func TestTransitionUnknownExecution(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Transition("missing", StatusRunning, nil); err == nil {
		t.Fatalf("expected error transitioning an unknown execution")
	}
}

func TestAssignWorkflowIDPersists(t *testing.T) {
	r := newTestRegistry(t)
	exec, _ := r.Create(Spec{TaskID: "task-1"}.WithDefaults())

	updated, err := r.AssignWorkflowID(exec.ExecutionID, "wf-1")
	if err != nil {
		t.Fatalf("AssignWorkflowID: %v", err)
	}
	if updated.WorkflowID != "wf-1" {
		t.Fatalf("WorkflowID = %s, want wf-1", updated.WorkflowID)
	}

	got, err := r.Get(exec.ExecutionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.WorkflowID != "wf-1" {
		t.Fatalf("expected AssignWorkflowID to be visible via Get, got %+v", got)
	}
}

func TestListFiltersAndPaginates(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < 3; i++ {
		if _, err := r.Create(Spec{TaskID: "task-a"}.WithDefaults()); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := r.Create(Spec{TaskID: "task-b"}.WithDefaults()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	byTask, total := r.List("", "task-a", 0, 0)
	if total != 3 || len(byTask) != 3 {
		t.Fatalf("List(task_id=task-a) returned %d/%d, want 3/3", len(byTask), total)
	}

	page, total := r.List("", "", 2, 0)
	if total != 4 {
		t.Fatalf("List() total = %d, want 4", total)
	}
	if len(page) != 2 {
		t.Fatalf("List(limit=2) returned %d entries, want 2", len(page))
	}
}

func TestDependencyEdges(t *testing.T) {
	r := newTestRegistry(t)
	r.AddDependencyEdge("exec-a", "exec-b")
	r.AddDependencyEdge("exec-a", "exec-c")

	deps := r.DependentsOf("exec-a")
	if len(deps) != 2 {
		t.Fatalf("DependentsOf(exec-a) = %+v, want 2 entries", deps)
	}
}

func TestLoadAndRecoverReclassifiesNonTerminalStatuses(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "registry.db")
	meter := noopmetric.MeterProvider{}.Meter("test")

	r1, err := NewRegistry(dir, meter)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	exec, err := r1.Create(Spec{TaskID: "task-1"}.WithDefaults())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r1.Transition(exec.ExecutionID, StatusRunning, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := r1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := NewRegistry(dir, meter)
	if err != nil {
		t.Fatalf("reopen NewRegistry: %v", err)
	}
	defer r2.Close()

	got, err := r2.Get(exec.ExecutionID)
	if err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected RUNNING to be reclassified to PENDING on recovery, got %s", got.Status)
	}
}
