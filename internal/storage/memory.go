package storage

import (
	"context"
	"sort"
	"sync"

	"kanban-sync/internal/domain"
)

// Memory keeps tasks in process memory.
type Memory struct {
	base

	mu    sync.RWMutex
	tasks map[string]memoryEntry
	seq   uint64
}

type memoryEntry struct {
	task domain.Task
	seq  uint64
}

func NewMemory(schema domain.Schema) *Memory {
	return &Memory{base: newBase(schema), tasks: make(map[string]memoryEntry)}
}

func (m *Memory) Create(ctx context.Context, f domain.TaskFields) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.newID()
	for {
		if _, exists := m.tasks[id]; !exists {
			break
		}
		id = m.newID()
	}
	t, err := m.schema.NewTask(id, f, m.now())
	if err != nil {
		return domain.Task{}, err
	}
	m.seq++
	m.tasks[id] = memoryEntry{task: t, seq: m.seq}
	return t.Clone(), nil
}

func (m *Memory) FindByID(ctx context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, &domain.NotFoundError{ID: id}
	}
	return e.task.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, &domain.NotFoundError{ID: id}
	}
	t, err := m.schema.Merge(e.task, p.Normalize(), m.now())
	if err != nil {
		return domain.Task{}, err
	}
	e.task = t
	m.tasks[id] = e
	return t.Clone(), nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id, status string) (domain.Task, error) {
	if err := m.schema.CheckStatus(status); err != nil {
		return domain.Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, &domain.NotFoundError{ID: id}
	}
	e.task.Status = status
	e.task.UpdatedAt = m.clock()
	m.tasks[id] = e
	return e.task.Clone(), nil
}

func (m *Memory) Delete(ctx context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, &domain.NotFoundError{ID: id}
	}
	delete(m.tasks, id)
	return e.task.Clone(), nil
}

func (m *Memory) ListAll(ctx context.Context) ([]domain.Task, error) {
	m.mu.RLock()
	entries := make([]memoryEntry, 0, len(m.tasks))
	for _, e := range m.tasks {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].task.CreatedAt.Equal(entries[j].task.CreatedAt) {
			return entries[i].seq > entries[j].seq
		}
		return entries[i].task.CreatedAt.After(entries[j].task.CreatedAt)
	})
	tasks := make([]domain.Task, 0, len(entries))
	for _, e := range entries {
		tasks = append(tasks, e.task.Clone())
	}
	return tasks, nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks), nil
}
