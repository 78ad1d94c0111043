package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"kanban-sync/internal/domain"
	"kanban-sync/internal/hub"
	"kanban-sync/internal/storage"
)

type failingStore struct {
	Store
	listErr  error
	countErr error
}

func (f *failingStore) ListAll(ctx context.Context) ([]domain.Task, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Store.ListAll(ctx)
}

func (f *failingStore) Count(ctx context.Context) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.Store.Count(ctx)
}

type recordingFeed struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *recordingFeed) Submit(ev domain.Event) bool {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return true
}

func newTestServer(t *testing.T, store Store, opts ...ServerOption) *SyncServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	if store == nil {
		store = storage.NewMemory(domain.NewSchema(nil))
	}
	return NewSyncServer(store, domain.NewSchema(nil), hub.NewRegistry(logger), logger, opts...)
}

// connect opens a conn and drains the initial events.
func connect(t *testing.T, srv *SyncServer) *queuedConn {
	t.Helper()
	conn := newQueuedConn("", 64)
	initial := srv.Open(context.Background(), conn)
	if len(initial) != 2 || initial[0].Name != domain.EventSyncTasks {
		t.Fatalf("unexpected initial events: %#v", initial)
	}
	return conn
}

func nextEvent(t *testing.T, c *queuedConn) domain.Event {
	t.Helper()
	select {
	case ev := <-c.outbox.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("conn %s: no event received", c.id)
		return domain.Event{}
	}
}

func expectNoEvent(t *testing.T, c *queuedConn) {
	t.Helper()
	select {
	case ev := <-c.outbox.Events():
		t.Fatalf("conn %s: unexpected event %s %s", c.id, ev.Name, ev.Data)
	default:
	}
}

func mustEvent(t *testing.T, name string, payload any) domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(name, payload)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func rawEvent(name, data string) domain.Event {
	return domain.Event{Name: name, Data: json.RawMessage(data)}
}

func decodeTask(t *testing.T, ev domain.Event) domain.Task {
	t.Helper()
	var task domain.Task
	if err := json.Unmarshal(ev.Data, &task); err != nil {
		t.Fatalf("decode task from %s: %v", ev.Name, err)
	}
	return task
}

func decodeError(t *testing.T, ev domain.Event) domain.ErrorData {
	t.Helper()
	if ev.Name != domain.EventError {
		t.Fatalf("expected error event, got %s %s", ev.Name, ev.Data)
	}
	var data domain.ErrorData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return data
}

func TestOpenSendsSnapshotThenStatuses(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	if _, err := srv.store.Create(ctx, domain.TaskFields{Title: "existing"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	other := connect(t, srv)
	conn := newQueuedConn("", 8)
	initial := srv.Open(ctx, conn)
	if len(initial) != 2 {
		t.Fatalf("expected 2 initial events, got %d", len(initial))
	}
	var tasks []domain.Task
	if err := json.Unmarshal(initial[0].Data, &tasks); err != nil || len(tasks) != 1 || tasks[0].Title != "existing" {
		t.Fatalf("unexpected snapshot: %s (%v)", initial[0].Data, err)
	}
	if initial[1].Name != domain.EventSyncStatuses || string(initial[1].Data) != `["todo","inprogress","done"]` {
		t.Fatalf("unexpected statuses event: %s %s", initial[1].Name, initial[1].Data)
	}
	if srv.registry.Len() != 2 {
		t.Fatalf("expected 2 registered conns, got %d", srv.registry.Len())
	}
	// The snapshot goes to the new connection only.
	expectNoEvent(t, other)
	expectNoEvent(t, conn)
}

func TestOpenReportsSnapshotFailure(t *testing.T) {
	store := &failingStore{Store: storage.NewMemory(domain.NewSchema(nil)), listErr: errors.New("db down")}
	srv := newTestServer(t, store)
	conn := newQueuedConn("", 8)

	initial := srv.Open(context.Background(), conn)
	if got := decodeError(t, initial[0]); got.Message != "Failed to fetch tasks" {
		t.Fatalf("unexpected error message: %q", got.Message)
	}
	if srv.registry.Len() != 1 {
		t.Fatalf("connection should stay registered")
	}
}

func TestCreateBroadcastsNormalizedTaskToAll(t *testing.T) {
	srv := newTestServer(t, nil)
	a, b := connect(t, srv), connect(t, srv)
	ctx := context.Background()

	if err := srv.Handle(ctx, a, rawEvent(domain.EventTaskCreate, `{"title":"T1","attachments":["https://x/a.png",{"url":"https://x/b.pdf","name":"b.pdf","size":12,"type":"application/pdf"}]}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := srv.Handle(ctx, b, rawEvent(domain.EventTaskCreate, `{}`)); err != nil {
		t.Fatalf("create: %v", err)
	}

	ids := map[string]bool{}
	for _, c := range []*queuedConn{a, b} {
		first := decodeTask(t, nextEvent(t, c))
		second := decodeTask(t, nextEvent(t, c))
		if first.Title != "T1" || first.Status != "todo" || first.Priority != "medium" || first.Category != "feature" {
			t.Fatalf("unexpected first task: %#v", first)
		}
		if len(first.Attachments) != 2 || first.Attachments[1] != "https://x/b.pdf" {
			t.Fatalf("attachments not resolved to urls: %#v", first.Attachments)
		}
		if second.Title != domain.DefaultTitle {
			t.Fatalf("expected default title, got %q", second.Title)
		}
		ids[first.ID] = true
		ids[second.ID] = true
	}
	if len(ids) != 2 {
		t.Fatalf("expected two distinct ids across both conns, got %v", ids)
	}
}

func TestCreateOnCustomBoardDefaultsToFirstColumn(t *testing.T) {
	logger, _ := test.NewNullLogger()
	schema := domain.NewSchema([]string{"backlog", "doing"})
	srv := NewSyncServer(storage.NewMemory(schema), schema, hub.NewRegistry(logger), logger)
	a := connect(t, srv)

	if err := srv.Handle(context.Background(), a, rawEvent(domain.EventTaskCreate, `{"title":"x"}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	ev := nextEvent(t, a)
	if ev.Name != domain.EventTaskCreated {
		t.Fatalf("expected task:created, got %s", ev.Name)
	}
	if got := decodeTask(t, ev); got.Status != "backlog" {
		t.Fatalf("status = %q, want backlog", got.Status)
	}
}

func TestCreateRejectsInvalidPayload(t *testing.T) {
	srv := newTestServer(t, nil)
	a, b := connect(t, srv), connect(t, srv)

	err := srv.Handle(context.Background(), a, rawEvent(domain.EventTaskCreate, `{"title":"x","status":"blocked"}`))
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := decodeError(t, nextEvent(t, a)); got.Message != "Failed to create task" || got.Detail == "" {
		t.Fatalf("unexpected error: %#v", got)
	}
	expectNoEvent(t, b)

	err = srv.Handle(context.Background(), a, rawEvent(domain.EventTaskCreate, `"just a string"`))
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error for non-object payload, got %v", err)
	}
	decodeError(t, nextEvent(t, a))
	expectNoEvent(t, b)
}

func TestUpdateMergesAndKeepsMissingFields(t *testing.T) {
	srv := newTestServer(t, nil)
	a, b := connect(t, srv), connect(t, srv)
	ctx := context.Background()

	created, _ := srv.store.Create(ctx, domain.TaskFields{Title: "Docs", Description: "api", Priority: "high", Attachments: []string{"u1"}})
	err := srv.Handle(ctx, a, rawEvent(domain.EventTaskUpdate, fmt.Sprintf(`{"id":%q,"title":"More docs","description":"","createdAt":"2020-01-01T00:00:00Z"}`, created.ID)))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	for _, c := range []*queuedConn{a, b} {
		ev := nextEvent(t, c)
		if ev.Name != domain.EventTaskUpdated {
			t.Fatalf("expected task:updated, got %s", ev.Name)
		}
		got := decodeTask(t, ev)
		if got.Title != "More docs" || got.Description != "api" || got.Priority != "high" || len(got.Attachments) != 1 {
			t.Fatalf("unexpected merge result: %#v", got)
		}
		if !got.CreatedAt.Equal(created.CreatedAt) {
			t.Fatalf("createdAt must not change")
		}
	}
}

func TestUpdateUnknownIDRepliesToRequesterOnly(t *testing.T) {
	srv := newTestServer(t, nil)
	a, b := connect(t, srv), connect(t, srv)

	err := srv.Handle(context.Background(), a, rawEvent(domain.EventTaskUpdate, `{"id":"nope","title":"x"}`))
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := decodeError(t, nextEvent(t, a)); got.Message != "Task not found" {
		t.Fatalf("unexpected error: %#v", got)
	}
	expectNoEvent(t, a)
	expectNoEvent(t, b)
}

func TestUpdateWithoutIDIsInvalid(t *testing.T) {
	srv := newTestServer(t, nil)
	a := connect(t, srv)

	_ = srv.Handle(context.Background(), a, rawEvent(domain.EventTaskUpdate, `{"title":"x"}`))
	if got := decodeError(t, nextEvent(t, a)); got.Message != "Invalid task data" {
		t.Fatalf("unexpected error: %#v", got)
	}
}

func TestMoveChangesOnlyStatus(t *testing.T) {
	srv := newTestServer(t, nil)
	a, b := connect(t, srv), connect(t, srv)
	ctx := context.Background()

	created, _ := srv.store.Create(ctx, domain.TaskFields{Title: "Move me", Priority: "low"})
	if err := srv.Handle(ctx, b, mustEvent(t, domain.EventTaskMove, domain.MoveRequest{ID: created.ID, Status: "done"})); err != nil {
		t.Fatalf("move: %v", err)
	}
	for _, c := range []*queuedConn{a, b} {
		ev := nextEvent(t, c)
		if ev.Name != domain.EventTaskMoved {
			t.Fatalf("expected task:moved, got %s", ev.Name)
		}
		var moved domain.MovedData
		if err := json.Unmarshal(ev.Data, &moved); err != nil {
			t.Fatalf("decode moved: %v", err)
		}
		if moved.ID != created.ID || moved.Status != "done" || moved.Task.Status != "done" {
			t.Fatalf("unexpected moved payload: %#v", moved)
		}
		if moved.Task.Title != created.Title || moved.Task.Priority != created.Priority {
			t.Fatalf("move changed other fields: %#v", moved.Task)
		}
	}

	err := srv.Handle(ctx, a, mustEvent(t, domain.EventTaskMove, domain.MoveRequest{ID: created.ID, Status: "archived"}))
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := decodeError(t, nextEvent(t, a)); got.Message != "Failed to move task" {
		t.Fatalf("unexpected error: %#v", got)
	}
	expectNoEvent(t, b)
}

func TestDeleteBroadcastsOnce(t *testing.T) {
	srv := newTestServer(t, nil)
	a, b := connect(t, srv), connect(t, srv)
	ctx := context.Background()

	created, _ := srv.store.Create(ctx, domain.TaskFields{Title: "Remove me"})
	if err := srv.Handle(ctx, a, mustEvent(t, domain.EventTaskDelete, created.ID)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, c := range []*queuedConn{a, b} {
		ev := nextEvent(t, c)
		if ev.Name != domain.EventTaskDeleted || string(ev.Data) != `"`+created.ID+`"` {
			t.Fatalf("unexpected delete notification: %s %s", ev.Name, ev.Data)
		}
		expectNoEvent(t, c)
	}

	_ = srv.Handle(ctx, a, mustEvent(t, domain.EventTaskDelete, created.ID))
	if got := decodeError(t, nextEvent(t, a)); got.Message != "Task not found" {
		t.Fatalf("unexpected error: %#v", got)
	}
	expectNoEvent(t, b)
}

func TestUnknownEventIsRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	a := connect(t, srv)

	err := srv.Handle(context.Background(), a, rawEvent("task:archive", `"t1"`))
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := decodeError(t, nextEvent(t, a)); got.Message != "Unknown event" {
		t.Fatalf("unexpected error: %#v", got)
	}
}

func TestCloseStopsBroadcasts(t *testing.T) {
	srv := newTestServer(t, nil)
	a, b := connect(t, srv), connect(t, srv)
	srv.Close(b)

	if err := srv.Handle(context.Background(), a, rawEvent(domain.EventTaskCreate, `{"title":"x"}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	nextEvent(t, a)
	expectNoEvent(t, b)
}

func TestSameTaskNotificationsFollowStoreOrder(t *testing.T) {
	srv := newTestServer(t, nil)
	watcher := newQueuedConn("", 1024)
	srv.Open(context.Background(), watcher)
	ctx := context.Background()

	created, _ := srv.store.Create(ctx, domain.TaskFields{Title: "contended"})
	statuses := []string{"todo", "inprogress", "done"}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newQueuedConn("", 64)
			ev := mustEvent(t, domain.EventTaskMove, domain.MoveRequest{ID: created.ID, Status: statuses[i%len(statuses)]})
			if err := srv.Handle(ctx, conn, ev); err != nil {
				t.Errorf("move %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	var last domain.MovedData
	var prev time.Time
	for i := 0; i < 30; i++ {
		ev := nextEvent(t, watcher)
		if err := json.Unmarshal(ev.Data, &last); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if last.Task.UpdatedAt.Before(prev) {
			t.Fatalf("notification %d went back in time: %v < %v", i, last.Task.UpdatedAt, prev)
		}
		prev = last.Task.UpdatedAt
	}
	stored, _ := srv.store.FindByID(ctx, created.ID)
	if stored.Status != last.Status {
		t.Fatalf("last notification %q does not match stored status %q", last.Status, stored.Status)
	}
	if srv.locks.size() != 0 {
		t.Fatalf("expected task locks to be released, %d left", srv.locks.size())
	}
}

func TestNotificationsAreExportedToFeed(t *testing.T) {
	feed := &recordingFeed{}
	srv := newTestServer(t, nil, WithFeed(feed))
	a := connect(t, srv)

	_ = srv.Handle(context.Background(), a, rawEvent(domain.EventTaskCreate, `{"title":"x"}`))
	_ = srv.Handle(context.Background(), a, rawEvent(domain.EventTaskUpdate, `{"id":"missing"}`))

	feed.mu.Lock()
	defer feed.mu.Unlock()
	if len(feed.events) != 1 || feed.events[0].Name != domain.EventTaskCreated {
		t.Fatalf("expected one exported task:created, got %#v", feed.events)
	}
}

func TestSlowRequesterIsDropped(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := newQueuedConn("", 1)
	srv.Open(context.Background(), conn)

	_ = srv.Handle(context.Background(), conn, rawEvent("bogus", `{}`))
	_ = srv.Handle(context.Background(), conn, rawEvent("bogus", `{}`))

	select {
	case <-conn.outbox.Done():
	default:
		t.Fatalf("expected slow conn to be closed")
	}
	if srv.registry.Len() != 0 {
		t.Fatalf("expected slow conn to be unregistered")
	}
}
