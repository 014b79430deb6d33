// Package workflowstatus implements the Workflow Status Manager (C4):
// per-workflow state with an append-only transition history, broadcast
// over an optional Notifier port, persisted in a single BoltDB bucket.
package workflowstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taskforge/engine/apperr"
	"github.com/taskforge/engine/internal/storage"
	"github.com/taskforge/engine/ports"
)

var bucketStatus = []byte("workflow_status")

// State is one of the states a WorkflowStatus may occupy.
type State string

const (
	StateCreated   State = "CREATED"
	StatePreparing State = "PREPARING"
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateUnknown   State = "UNKNOWN"
)

var terminalStates = map[State]bool{
	StateCompleted: true,
	StateFailed:    true,
	StateCancelled: true,
}

// Transition is one append-only history entry.
type Transition struct {
	Source    State          `json:"source"`
	Target    State          `json:"target"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Status is the per-workflow record C4 owns.
type Status struct {
	WorkflowID   string         `json:"workflow_id"`
	CurrentState State          `json:"current_state"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	History      []Transition   `json:"history"`
}

// Manager is the Workflow Status Manager.
type Manager struct {
	mu       sync.RWMutex
	db       *bbolt.DB
	statuses map[string]*Status
	// metaIndex[key][value] -> set of workflow_ids, maintained alongside
	// statuses so GetByMetadata doesn't need a full scan.
	metaIndex map[string]map[string]map[string]bool
	notifier  ports.Notifier
}

// New opens the manager's BoltDB file and loads persisted statuses,
// which are authoritative over any in-memory defaults.
func New(dbPath string, notifier ports.Notifier) (*Manager, error) {
	db, err := storage.Open(dbPath, bucketStatus)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		db:        db,
		statuses:  make(map[string]*Status),
		metaIndex: make(map[string]map[string]map[string]bool),
		notifier:  notifier,
	}
	if err := storage.ForEach(db, bucketStatus, func(_, v []byte) error {
		var s Status
		if err := json.Unmarshal(v, &s); err != nil {
			return nil
		}
		m.statuses[s.WorkflowID] = &s
		m.indexMetadata(&s)
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) indexMetadata(s *Status) {
	for k, v := range s.Metadata {
		vs := fmt.Sprintf("%v", v)
		if m.metaIndex[k] == nil {
			m.metaIndex[k] = make(map[string]map[string]bool)
		}
		if m.metaIndex[k][vs] == nil {
			m.metaIndex[k][vs] = make(map[string]bool)
		}
		m.metaIndex[k][vs][s.WorkflowID] = true
	}
}

// Create registers a new WorkflowStatus. At most one live status may
// exist per workflow_id.
func (m *Manager) Create(ctx context.Context, workflowID string, initial State, metadata map[string]any) (*Status, error) {
	now := time.Now()
	s := &Status{
		WorkflowID:   workflowID,
		CurrentState: initial,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
		History:      []Transition{{Source: "", Target: initial, Timestamp: now}},
	}

	m.mu.Lock()
	m.statuses[workflowID] = s
	m.indexMetadata(s)
	m.mu.Unlock()

	if err := m.persist(s); err != nil {
		return nil, err
	}
	m.broadcast(ctx, s)
	return cloneStatus(s), nil
}

// UpdateState appends a transition and broadcasts it.
func (m *Manager) UpdateState(ctx context.Context, workflowID string, newState State, details map[string]any) (*Status, error) {
	m.mu.Lock()
	s, ok := m.statuses[workflowID]
	if !ok {
		m.mu.Unlock()
		return nil, apperr.New(apperr.ExecutionNotFound, workflowID, nil)
	}
	now := time.Now()
	prev := s.CurrentState
	s.CurrentState = newState
	s.UpdatedAt = now
	s.History = append(s.History, Transition{Source: prev, Target: newState, Timestamp: now, Details: details})
	out := cloneStatus(s)
	m.mu.Unlock()

	if err := m.persist(s); err != nil {
		return nil, err
	}
	m.broadcast(ctx, s)
	return out, nil
}

// UpdateMetadata shallow-merges patch into the workflow's metadata.
func (m *Manager) UpdateMetadata(ctx context.Context, workflowID string, patch map[string]any) (*Status, error) {
	m.mu.Lock()
	s, ok := m.statuses[workflowID]
	if !ok {
		m.mu.Unlock()
		return nil, apperr.New(apperr.ExecutionNotFound, workflowID, nil)
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	for k, v := range patch {
		if old, had := s.Metadata[k]; had {
			delete(m.metaIndex[k][fmt.Sprintf("%v", old)], workflowID)
		}
		s.Metadata[k] = v
	}
	s.UpdatedAt = time.Now()
	m.indexMetadata(s)
	out := cloneStatus(s)
	m.mu.Unlock()

	if err := m.persist(s); err != nil {
		return nil, err
	}
	m.broadcast(ctx, s)
	return out, nil
}

func (m *Manager) broadcast(ctx context.Context, s *Status) {
	if m.notifier == nil {
		return
	}
	_ = m.notifier.Publish(ctx, "workflow_status_update", cloneStatus(s))
}

func (m *Manager) persist(s *Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return storage.Put(m.db, bucketStatus, []byte(s.WorkflowID), data)
}

// Get returns the status for workflowID.
func (m *Manager) Get(workflowID string) (*Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[workflowID]
	if !ok {
		return nil, apperr.New(apperr.ExecutionNotFound, workflowID, nil)
	}
	return cloneStatus(s), nil
}

// GetActive returns every non-terminal, non-paused workflow status.
func (m *Manager) GetActive() []*Status {
	return m.filter(func(s *Status) bool {
		return !terminalStates[s.CurrentState] && s.CurrentState != StatePaused
	})
}

// GetCompleted returns every COMPLETED workflow status.
func (m *Manager) GetCompleted() []*Status {
	return m.GetByState(StateCompleted)
}

// GetFailed returns every FAILED workflow status.
func (m *Manager) GetFailed() []*Status {
	return m.GetByState(StateFailed)
}

// GetByState returns every workflow status currently in state.
func (m *Manager) GetByState(state State) []*Status {
	return m.filter(func(s *Status) bool { return s.CurrentState == state })
}

// GetByMetadata returns every workflow status whose metadata[key] == value.
func (m *Manager) GetByMetadata(key string, value any) []*Status {
	vs := fmt.Sprintf("%v", value)
	m.mu.RLock()
	ids := m.metaIndex[key][vs]
	out := make([]*Status, 0, len(ids))
	for id := range ids {
		if s, ok := m.statuses[id]; ok {
			out = append(out, cloneStatus(s))
		}
	}
	m.mu.RUnlock()
	return out
}

func (m *Manager) filter(pred func(*Status) bool) []*Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Status, 0)
	for _, s := range m.statuses {
		if pred(s) {
			out = append(out, cloneStatus(s))
		}
	}
	return out
}

// GetCount returns the number of workflows in each state.
func (m *Manager) GetCount() map[State]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[State]int)
	for _, s := range m.statuses {
		counts[s.CurrentState]++
	}
	return counts
}

// ClearCompleted purges terminal workflows older than olderThanDays
// (by UpdatedAt) and returns the purged count. olderThanDays<=0 purges
// all terminal workflows regardless of age.
func (m *Manager) ClearCompleted(olderThanDays int) (int, error) {
	cutoff := time.Time{}
	if olderThanDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -olderThanDays)
	}

	m.mu.Lock()
	var toPurge []string
	for id, s := range m.statuses {
		if !terminalStates[s.CurrentState] {
			continue
		}
		if olderThanDays > 0 && s.UpdatedAt.After(cutoff) {
			continue
		}
		toPurge = append(toPurge, id)
	}
	for _, id := range toPurge {
		delete(m.statuses, id)
	}
	m.mu.Unlock()

	for _, id := range toPurge {
		if err := storage.Delete(m.db, bucketStatus, []byte(id)); err != nil {
			return 0, err
		}
	}
	return len(toPurge), nil
}

// Close closes the underlying database.
func (m *Manager) Close() error { return m.db.Close() }

func cloneStatus(s *Status) *Status {
	c := *s
	if s.Metadata != nil {
		meta := make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			meta[k] = v
		}
		c.Metadata = meta
	}
	c.History = append([]Transition(nil), s.History...)
	return &c
}
