package client

import (
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"kanban-sync/internal/domain"
)

// Snapshot is an immutable view of the mirror handed to change callbacks.
type Snapshot struct {
	Tasks     []domain.Task
	Statuses  []string
	Loading   bool
	Connected bool
}

// Mirror is the client side copy of the board, kept in sync by applying
// server notifications in arrival order.
type Mirror struct {
	log *log.Logger

	mu        sync.RWMutex
	tasks     []domain.Task
	statuses  []string
	loading   bool
	connected bool
	onChange  func(Snapshot)
	onError   func(domain.ErrorData)
}

func NewMirror(logger *log.Logger) *Mirror {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Mirror{log: logger, loading: true, tasks: []domain.Task{}}
}

// OnChange registers fn to receive a snapshot after every applied event.
func (m *Mirror) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// OnError registers fn to receive error events after they are logged.
func (m *Mirror) OnError(fn func(domain.ErrorData)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// Apply reconciles one server event into the mirror. Events the mirror does
// not know are ignored.
func (m *Mirror) Apply(ev domain.Event) error {
	m.mu.Lock()
	changed, reported, err := m.apply(ev)
	var snap Snapshot
	fn, errFn := m.onChange, m.onError
	if changed && fn != nil {
		snap = m.snapshotLocked()
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if reported != nil && errFn != nil {
		errFn(*reported)
	}
	if changed && fn != nil {
		fn(snap)
	}
	return nil
}

// apply reports whether the board changed and the payload of an error event.
func (m *Mirror) apply(ev domain.Event) (bool, *domain.ErrorData, error) {
	switch ev.Name {
	case domain.EventSyncTasks:
		var tasks []domain.Task
		if err := decode(ev, &tasks); err != nil {
			return false, nil, err
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		m.tasks = tasks
		m.loading = false
		return true, nil, nil

	case domain.EventSyncStatuses:
		var statuses []string
		if err := decode(ev, &statuses); err != nil {
			return false, nil, err
		}
		m.statuses = statuses
		return true, nil, nil

	case domain.EventTaskCreated:
		var task domain.Task
		if err := decode(ev, &task); err != nil {
			return false, nil, err
		}
		if i := m.indexOf(task.ID); i >= 0 {
			m.replaceAt(i, task)
		} else {
			m.tasks = append(append([]domain.Task{}, m.tasks...), task)
		}
		return true, nil, nil

	case domain.EventTaskUpdated:
		var task domain.Task
		if err := decode(ev, &task); err != nil {
			return false, nil, err
		}
		i := m.indexOf(task.ID)
		if i < 0 {
			return false, nil, nil
		}
		m.replaceAt(i, task)
		return true, nil, nil

	case domain.EventTaskMoved:
		var moved domain.MovedData
		if err := decode(ev, &moved); err != nil {
			return false, nil, err
		}
		i := m.indexOf(moved.ID)
		if i < 0 {
			return false, nil, nil
		}
		m.replaceAt(i, moved.Task)
		return true, nil, nil

	case domain.EventTaskDeleted:
		var id string
		if err := decode(ev, &id); err != nil {
			return false, nil, err
		}
		i := m.indexOf(id)
		if i < 0 {
			return false, nil, nil
		}
		next := make([]domain.Task, 0, len(m.tasks)-1)
		next = append(next, m.tasks[:i]...)
		m.tasks = append(next, m.tasks[i+1:]...)
		return true, nil, nil

	case domain.EventError:
		var data domain.ErrorData
		if err := decode(ev, &data); err != nil {
			return false, nil, err
		}
		entry := m.log.WithField("message", data.Message)
		if data.Detail != "" {
			entry = entry.WithField("detail", data.Detail)
		}
		entry.Error("server reported an error")
		return false, &data, nil

	default:
		m.log.WithField("event", ev.Name).Debug("ignoring unknown event")
		return false, nil, nil
	}
}

// replaceAt swaps in a new backing slice so snapshots already handed out stay
// unchanged.
func (m *Mirror) replaceAt(i int, task domain.Task) {
	next := append([]domain.Task{}, m.tasks...)
	next[i] = task
	m.tasks = next
}

func (m *Mirror) indexOf(id string) int {
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// SetConnected records the transport state.
func (m *Mirror) SetConnected(connected bool) {
	m.mu.Lock()
	changed := m.connected != connected
	m.connected = connected
	fn := m.onChange
	var snap Snapshot
	if changed && fn != nil {
		snap = m.snapshotLocked()
	}
	m.mu.Unlock()
	if changed && fn != nil {
		fn(snap)
	}
}

// Tasks returns a copy of the mirrored tasks.
func (m *Mirror) Tasks() []domain.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneTasks(m.tasks)
}

func (m *Mirror) Statuses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.statuses...)
}

func (m *Mirror) Loading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loading
}

func (m *Mirror) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Mirror) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Mirror) snapshotLocked() Snapshot {
	return Snapshot{
		Tasks:     cloneTasks(m.tasks),
		Statuses:  append([]string(nil), m.statuses...),
		Loading:   m.loading,
		Connected: m.connected,
	}
}

func cloneTasks(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

func decode(ev domain.Event, v any) error {
	if err := sonic.Unmarshal(ev.Data, v); err != nil {
		return &domain.ValidationError{Field: ev.Name, Reason: err.Error()}
	}
	return nil
}
