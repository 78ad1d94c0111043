package domain

import (
	"strings"
	"time"
)

const (
	DefaultTitle    = "Untitled Task"
	DefaultStatus   = "todo"
	DefaultPriority = "medium"
	DefaultCategory = "feature"
)

var (
	priorities = []string{"low", "medium", "high"}
	categories = []string{"bug", "feature", "enhancement"}
)

// Task represents a single card on the board.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	Category    string    `json:"category"`
	Attachments []string  `json:"attachments"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Clone returns a copy that does not share the attachments slice.
func (t Task) Clone() Task {
	t.Attachments = append([]string{}, t.Attachments...)
	return t
}

// TaskFields carries the caller supplied values for a new task. Empty fields
// are replaced by defaults.
type TaskFields struct {
	Title       string
	Description string
	Status      string
	Priority    string
	Category    string
	Attachments []string
}

// TaskPatch carries a partial update. Nil fields keep the stored value.
type TaskPatch struct {
	Title       *string
	Description *string
	Status      *string
	Priority    *string
	Category    *string
	Attachments *[]string
}

// Normalize drops empty string fields so they keep the stored value.
func (p TaskPatch) Normalize() TaskPatch {
	drop := func(v *string) *string {
		if v == nil || *v == "" {
			return nil
		}
		return v
	}
	p.Title = drop(p.Title)
	p.Description = drop(p.Description)
	p.Status = drop(p.Status)
	p.Priority = drop(p.Priority)
	p.Category = drop(p.Category)
	if p.Attachments != nil {
		urls := append([]string{}, (*p.Attachments)...)
		p.Attachments = &urls
	}
	return p
}

// Timestamp truncates t to the precision every store can round-trip.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Schema holds the enumerated domains a task is validated against. Statuses
// are board configuration; priorities and categories are fixed.
type Schema struct {
	statuses []string
}

// DefaultStatuses returns the column keys used when none are configured.
func DefaultStatuses() []string {
	return []string{"todo", "inprogress", "done"}
}

// NewSchema builds a schema from the configured column keys, dropping blanks
// and duplicates. An empty list falls back to DefaultStatuses.
func NewSchema(statuses []string) Schema {
	seen := make(map[string]struct{}, len(statuses))
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		out = DefaultStatuses()
	}
	return Schema{statuses: out}
}

// Statuses returns a copy of the valid column keys in display order.
func (s Schema) Statuses() []string {
	if len(s.statuses) == 0 {
		return DefaultStatuses()
	}
	return append([]string{}, s.statuses...)
}

func (s Schema) ValidStatus(status string) bool {
	return contains(s.Statuses(), status)
}

// DefaultStatus is "todo" when the board has that column and the first
// column otherwise.
func (s Schema) DefaultStatus() string {
	statuses := s.Statuses()
	if contains(statuses, DefaultStatus) {
		return DefaultStatus
	}
	return statuses[0]
}

// CheckStatus returns a ValidationError when status is not a column key.
func (s Schema) CheckStatus(status string) error {
	if !s.ValidStatus(status) {
		return &ValidationError{Field: "status", Reason: "unknown status " + quote(status)}
	}
	return nil
}

// NewTask applies defaults to f, validates it and stamps id and timestamps.
func (s Schema) NewTask(id string, f TaskFields, now time.Time) (Task, error) {
	t := Task{
		ID:          id,
		Title:       orDefault(f.Title, DefaultTitle),
		Description: f.Description,
		Status:      orDefault(f.Status, s.DefaultStatus()),
		Priority:    orDefault(f.Priority, DefaultPriority),
		Category:    orDefault(f.Category, DefaultCategory),
		Attachments: append([]string{}, f.Attachments...),
		CreatedAt:   Timestamp(now),
		UpdatedAt:   Timestamp(now),
	}
	if err := s.check(t.Status, t.Priority, t.Category); err != nil {
		return Task{}, err
	}
	return t, nil
}

// CheckPatch validates the enumerated fields present in p.
func (s Schema) CheckPatch(p TaskPatch) error {
	var status, priority, category string
	if p.Status != nil {
		status = *p.Status
	}
	if p.Priority != nil {
		priority = *p.Priority
	}
	if p.Category != nil {
		category = *p.Category
	}
	return s.check(status, priority, category)
}

// Merge applies p over t and refreshes UpdatedAt. p must be normalized.
func (s Schema) Merge(t Task, p TaskPatch, now time.Time) (Task, error) {
	if err := s.CheckPatch(p); err != nil {
		return Task{}, err
	}
	out := t.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.Category != nil {
		out.Category = *p.Category
	}
	if p.Attachments != nil {
		out.Attachments = append([]string{}, (*p.Attachments)...)
	}
	out.UpdatedAt = Timestamp(now)
	return out, nil
}

func (s Schema) check(status, priority, category string) error {
	if status != "" {
		if err := s.CheckStatus(status); err != nil {
			return err
		}
	}
	if priority != "" && !contains(priorities, priority) {
		return &ValidationError{Field: "priority", Reason: "unknown priority " + quote(priority)}
	}
	if category != "" && !contains(categories, category) {
		return &ValidationError{Field: "category", Reason: "unknown category " + quote(category)}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func quote(s string) string {
	return "\"" + s + "\""
}
