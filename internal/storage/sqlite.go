package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite"

	"kanban-sync/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	priority    TEXT NOT NULL,
	category    TEXT NOT NULL,
	attachments TEXT NOT NULL DEFAULT '[]',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at DESC);
`

const sqliteColumns = `id, title, description, status, priority, category, attachments, created_at, updated_at`

// SQLite stores tasks in an embedded database file.
type SQLite struct {
	base
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

// OpenSQLite opens (creating if needed) the database at path and migrates the
// schema.
func OpenSQLite(ctx context.Context, path string, schema domain.Schema) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return &SQLite{base: newBase(schema), db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Create(ctx context.Context, f domain.TaskFields) (domain.Task, error) {
	t, err := s.schema.NewTask(s.newID(), f, s.now())
	if err != nil {
		return domain.Task{}, err
	}
	attachments, err := sonic.Marshal(t.Attachments)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+sqliteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Status, t.Priority, t.Category, string(attachments),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return domain.Task{}, sqliteError("create task", err)
	}
	return t, nil
}

func (s *SQLite) FindByID(ctx context.Context, id string) (domain.Task, error) {
	return s.get(ctx, s.db, id)
}

func (s *SQLite) Update(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error) {
	p = p.Normalize()
	if err := s.schema.CheckPatch(p); err != nil {
		return domain.Task{}, err
	}
	var sets []string
	var args []any
	add := func(column string, v *string) {
		if v != nil {
			sets = append(sets, column+" = ?")
			args = append(args, *v)
		}
	}
	add("title", p.Title)
	add("description", p.Description)
	add("status", p.Status)
	add("priority", p.Priority)
	add("category", p.Category)
	if p.Attachments != nil {
		data, err := sonic.Marshal(nonNil(*p.Attachments))
		if err != nil {
			return domain.Task{}, err
		}
		sets = append(sets, "attachments = ?")
		args = append(args, string(data))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.clock().UnixMilli(), id)
	return s.updateAndGet(ctx, id, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
}

func (s *SQLite) UpdateStatus(ctx context.Context, id, status string) (domain.Task, error) {
	if err := s.schema.CheckStatus(status); err != nil {
		return domain.Task{}, err
	}
	return s.updateAndGet(ctx, id, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, s.clock().UnixMilli(), id)
}

func (s *SQLite) Delete(ctx context.Context, id string) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, sqliteError("delete task", err)
	}
	defer tx.Rollback()
	t, err := s.get(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return domain.Task{}, sqliteError("delete task", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, sqliteError("delete task", err)
	}
	return t, nil
}

func (s *SQLite) ListAll(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM tasks ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, sqliteError("list tasks", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError("list tasks", err)
	}
	return tasks, nil
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0, sqliteError("count tasks", err)
	}
	return n, nil
}

func (s *SQLite) updateAndGet(ctx context.Context, id, query string, args ...any) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, sqliteError("update task", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Task{}, sqliteError("update task", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Task{}, &domain.NotFoundError{ID: id}
	}
	t, err := s.get(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, sqliteError("update task", err)
	}
	return t, nil
}

func (s *SQLite) get(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, &domain.NotFoundError{ID: id}
	}
	return t, err
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var attachments string
	var created, updated int64
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Category, &attachments, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, err
		}
		return domain.Task{}, sqliteError("scan task", err)
	}
	if err := sonic.UnmarshalString(attachments, &t.Attachments); err != nil {
		return domain.Task{}, fmt.Errorf("decode attachments of %s: %w", t.ID, err)
	}
	t.Attachments = nonNil(t.Attachments)
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return t, nil
}

// sqliteError reports a closed database as unavailable; anything else is a
// plain wrapped failure.
func sqliteError(op string, err error) error {
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return &domain.StoreUnavailableError{Err: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}
