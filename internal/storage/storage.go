package storage

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"kanban-sync/internal/domain"
)

// backend is the task store contract shared by every implementation in this
// package.
type backend interface {
	Create(ctx context.Context, f domain.TaskFields) (domain.Task, error)
	FindByID(ctx context.Context, id string) (domain.Task, error)
	Update(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Task, error)
	Delete(ctx context.Context, id string) (domain.Task, error)
	ListAll(ctx context.Context) ([]domain.Task, error)
	Count(ctx context.Context) (int, error)
}

var (
	_ backend = (*Memory)(nil)
	_ backend = (*SQLite)(nil)
	_ backend = (*Mongo)(nil)
	_ backend = (*Tables)(nil)
	_ backend = (*Cache)(nil)
)

// base carries what every backend needs to mint records.
type base struct {
	schema domain.Schema
	now    func() time.Time
	newID  func() string
}

func newBase(schema domain.Schema) base {
	return base{schema: schema, now: time.Now, newID: uuid.NewString}
}

func (b base) clock() time.Time {
	return domain.Timestamp(b.now())
}

// sortNewestFirst orders tasks by createdAt descending. Ties keep their
// relative order.
func sortNewestFirst(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

func nonNil(urls []string) []string {
	if urls == nil {
		return []string{}
	}
	return urls
}
