package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"kanban-sync/internal/domain"
	"kanban-sync/internal/hub"
)

// Store is the task store the sync server works against.
type Store interface {
	Create(ctx context.Context, f domain.TaskFields) (domain.Task, error)
	FindByID(ctx context.Context, id string) (domain.Task, error)
	Update(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Task, error)
	Delete(ctx context.Context, id string) (domain.Task, error)
	ListAll(ctx context.Context) ([]domain.Task, error)
	Count(ctx context.Context) (int, error)
}

// Feed receives a copy of every broadcast notification.
type Feed interface {
	Submit(ev domain.Event) bool
}

// SyncServer applies client mutations to the store and fans the resulting
// notifications out to every connection.
type SyncServer struct {
	store       Store
	schema      domain.Schema
	registry    *hub.Registry
	broadcaster hub.Broadcaster
	feed        Feed
	log         *log.Logger
	locks       keyedMutex
}

type ServerOption func(*SyncServer)

// WithBroadcaster replaces local fan-out, e.g. with a hub.RedisRelay.
func WithBroadcaster(b hub.Broadcaster) ServerOption {
	return func(s *SyncServer) { s.broadcaster = b }
}

// WithFeed exports every notification to f.
func WithFeed(f Feed) ServerOption {
	return func(s *SyncServer) { s.feed = f }
}

func NewSyncServer(store Store, schema domain.Schema, registry *hub.Registry, logger *log.Logger, opts ...ServerOption) *SyncServer {
	if logger == nil {
		panic("Logger is not initialized")
	}
	s := &SyncServer{
		store:       store,
		schema:      schema,
		registry:    registry,
		broadcaster: registry,
		log:         logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SyncServer) Schema() domain.Schema { return s.schema }

// Open registers conn and returns the events the transport must write before
// anything queued on conn: the task snapshot and the board statuses.
// Notifications committed while the snapshot loads are queued on conn behind
// them.
func (s *SyncServer) Open(ctx context.Context, conn hub.Conn) []domain.Event {
	s.registry.Add(conn)

	statuses, _ := domain.NewEvent(domain.EventSyncStatuses, s.schema.Statuses())
	tasks, err := s.store.ListAll(ctx)
	if err != nil {
		s.log.WithError(err).WithField("conn", conn.ID()).Error("failed to fetch tasks")
		return []domain.Event{domain.ErrorEvent("Failed to fetch tasks", err.Error()), statuses}
	}
	snapshot, err := domain.NewEvent(domain.EventSyncTasks, tasks)
	if err != nil {
		s.log.WithError(err).WithField("conn", conn.ID()).Error("failed to encode tasks")
		return []domain.Event{domain.ErrorEvent("Failed to fetch tasks", err.Error()), statuses}
	}
	return []domain.Event{snapshot, statuses}
}

// Close detaches conn from the broadcast set.
func (s *SyncServer) Close(conn hub.Conn) {
	s.registry.Remove(conn.ID())
}

// Handle processes one inbound event from conn. Failures are reported to conn
// as an error event and returned; they never affect other connections.
func (s *SyncServer) Handle(ctx context.Context, conn hub.Conn, ev domain.Event) (err error) {
	metrics, spanCtx := newEventMetrics(ctx, s.log, ev.Name, conn.ID())
	ctx = spanCtx
	defer func() {
		metrics.Log(err)
	}()

	switch ev.Name {
	case domain.EventTaskCreate:
		return s.createTask(ctx, conn, ev, metrics)
	case domain.EventTaskUpdate:
		return s.updateTask(ctx, conn, ev, metrics)
	case domain.EventTaskMove:
		return s.moveTask(ctx, conn, ev, metrics)
	case domain.EventTaskDelete:
		return s.deleteTask(ctx, conn, ev, metrics)
	default:
		metrics.SetErrorStage("decode")
		err = &domain.ValidationError{Field: "event", Reason: "unsupported event \"" + ev.Name + "\""}
		s.reply(conn, domain.ErrorEvent("Unknown event", err.Error()))
		return err
	}
}

func (s *SyncServer) createTask(ctx context.Context, conn hub.Conn, ev domain.Event, m *eventMetrics) error {
	req, err := domain.DecodeCreate(ev.Data)
	if err != nil {
		m.SetErrorStage("decode")
		return s.fail(conn, "create", err)
	}
	start := time.Now()
	task, err := s.store.Create(ctx, req.Fields())
	m.ObserveStore(time.Since(start))
	if err != nil {
		m.SetErrorStage("store")
		return s.fail(conn, "create", err)
	}
	m.SetTaskID(task.ID)
	return s.publish(ctx, domain.EventTaskCreated, task, m)
}

func (s *SyncServer) updateTask(ctx context.Context, conn hub.Conn, ev domain.Event, m *eventMetrics) error {
	req, err := domain.DecodeUpdate(ev.Data)
	if err != nil {
		m.SetErrorStage("decode")
		s.reply(conn, domain.ErrorEvent("Invalid task data", err.Error()))
		return err
	}
	m.SetTaskID(req.ID)

	unlock := s.locks.Lock(req.ID)
	defer unlock()

	start := time.Now()
	if _, err := s.store.FindByID(ctx, req.ID); err != nil {
		m.ObserveStore(time.Since(start))
		m.SetErrorStage("lookup")
		return s.fail(conn, "update", err)
	}
	task, err := s.store.Update(ctx, req.ID, req.Patch())
	m.ObserveStore(time.Since(start))
	if err != nil {
		m.SetErrorStage("store")
		return s.fail(conn, "update", err)
	}
	return s.publish(ctx, domain.EventTaskUpdated, task, m)
}

func (s *SyncServer) moveTask(ctx context.Context, conn hub.Conn, ev domain.Event, m *eventMetrics) error {
	req, err := domain.DecodeMove(ev.Data)
	if err != nil {
		m.SetErrorStage("decode")
		return s.fail(conn, "move", err)
	}
	m.SetTaskID(req.ID)

	unlock := s.locks.Lock(req.ID)
	defer unlock()

	start := time.Now()
	if _, err := s.store.FindByID(ctx, req.ID); err != nil {
		m.ObserveStore(time.Since(start))
		m.SetErrorStage("lookup")
		return s.fail(conn, "move", err)
	}
	task, err := s.store.UpdateStatus(ctx, req.ID, req.Status)
	m.ObserveStore(time.Since(start))
	if err != nil {
		m.SetErrorStage("store")
		return s.fail(conn, "move", err)
	}
	return s.publish(ctx, domain.EventTaskMoved, domain.MovedData{ID: task.ID, Status: task.Status, Task: task}, m)
}

func (s *SyncServer) deleteTask(ctx context.Context, conn hub.Conn, ev domain.Event, m *eventMetrics) error {
	id, err := domain.DecodeDelete(ev.Data)
	if err != nil {
		m.SetErrorStage("decode")
		return s.fail(conn, "delete", err)
	}
	m.SetTaskID(id)

	unlock := s.locks.Lock(id)
	defer unlock()

	start := time.Now()
	_, err = s.store.Delete(ctx, id)
	m.ObserveStore(time.Since(start))
	if err != nil {
		m.SetErrorStage("store")
		return s.fail(conn, "delete", err)
	}
	return s.publish(ctx, domain.EventTaskDeleted, id, m)
}

// publish must be called with the task lock held so notifications for one
// task leave in store order.
func (s *SyncServer) publish(ctx context.Context, name string, payload any, m *eventMetrics) error {
	ev, err := domain.NewEvent(name, payload)
	if err != nil {
		m.SetErrorStage("encode")
		return err
	}
	start := time.Now()
	if err := s.broadcaster.Publish(ctx, ev); err != nil {
		m.SetErrorStage("broadcast")
		s.log.WithError(err).WithField("event", name).Error("broadcast failed")
	}
	m.ObserveBroadcast(time.Since(start))
	if s.feed != nil && !s.feed.Submit(ev) {
		s.log.WithField("event", name).Warn("change feed saturated, notification not exported")
	}
	return nil
}

// fail reports err to conn with the message clients expect for op.
func (s *SyncServer) fail(conn hub.Conn, op string, err error) error {
	s.reply(conn, errorEvent(op, err))
	return err
}

func (s *SyncServer) reply(conn hub.Conn, ev domain.Event) {
	if conn.Send(ev) {
		return
	}
	if s.registry.Remove(conn.ID()) {
		s.log.WithField("conn", conn.ID()).Warn("dropping slow client")
	}
	conn.Close()
}

func errorEvent(op string, err error) domain.Event {
	if domain.IsNotFound(err) {
		return domain.ErrorEvent("Task not found", "")
	}
	return domain.ErrorEvent("Failed to "+op+" task", err.Error())
}
