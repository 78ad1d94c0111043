package storage

import (
	"context"

	"kanban-sync/internal/domain"
)

type seeder interface {
	Count(ctx context.Context) (int, error)
	Create(ctx context.Context, f domain.TaskFields) (domain.Task, error)
}

// SampleTasks is the starter board written into an empty store.
func SampleTasks() []domain.TaskFields {
	return []domain.TaskFields{
		{
			Title:       "Fix login issue",
			Description: "Users report auth fails on certain browsers",
			Status:      "todo",
			Priority:    "high",
			Category:    "bug",
		},
		{
			Title:       "Add search functionality",
			Description: "Implement task search feature",
			Status:      "inprogress",
			Priority:    "medium",
			Category:    "feature",
		},
		{
			Title:       "Update documentation",
			Description: "Update API docs and examples",
			Status:      "done",
			Priority:    "low",
			Category:    "enhancement",
		},
	}
}

// SeedSampleTasks writes SampleTasks when the store is empty and returns how
// many tasks were created. Samples whose status the board does not know land
// in the board's default column.
func SeedSampleTasks(ctx context.Context, st seeder, schema domain.Schema) (int, error) {
	n, err := st.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	created := 0
	for _, f := range SampleTasks() {
		if !schema.ValidStatus(f.Status) {
			f.Status = schema.DefaultStatus()
		}
		if _, err := st.Create(ctx, f); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
