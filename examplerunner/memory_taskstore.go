package examplerunner

import (
	"context"
	"sync"

	"github.com/taskforge/engine/apperr"
	"github.com/taskforge/engine/ports"
)

// MemoryTaskStore is an in-memory ports.TaskStore suitable for demos
// and tests; it holds no durability guarantees of its own.
type MemoryTaskStore struct {
	mu     sync.RWMutex
	tasks  map[string]ports.Task
	status map[string]string
}

// NewMemoryTaskStore returns an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks:  make(map[string]ports.Task),
		status: make(map[string]string),
	}
}

// Seed registers task, overwriting any existing entry with the same ID.
func (s *MemoryTaskStore) Seed(task ports.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	s.status[task.ID] = "PENDING"
}

// GetTask returns the task registered under id.
func (s *MemoryTaskStore) GetTask(_ context.Context, id string) (ports.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return ports.Task{}, apperr.New(apperr.TaskNotFound, id, nil)
	}
	return task, nil
}

// UpdateTaskStatus records status for id.
func (s *MemoryTaskStore) UpdateTaskStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return apperr.New(apperr.TaskNotFound, id, nil)
	}
	s.status[id] = status
	return nil
}

// UpdateTask replaces non-zero fields of the stored task definition.
func (s *MemoryTaskStore) UpdateTask(_ context.Context, task ports.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[task.ID]
	if !ok {
		return apperr.New(apperr.TaskNotFound, task.ID, nil)
	}
	if task.Name != "" {
		existing.Name = task.Name
	}
	if task.Description != "" {
		existing.Description = task.Description
	}
	if task.WorkflowType != "" {
		existing.WorkflowType = task.WorkflowType
	}
	if task.Parameters != nil {
		existing.Parameters = task.Parameters
	}
	s.tasks[task.ID] = existing
	return nil
}

// StatusOf returns the last status recorded for id, for test assertions.
func (s *MemoryTaskStore) StatusOf(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[id]
}
