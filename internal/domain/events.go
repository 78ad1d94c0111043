package domain

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/bytedance/sonic"
)

const (
	EventSyncTasks    = "sync:tasks"
	EventSyncStatuses = "sync:statuses"

	EventTaskCreate = "task:create"
	EventTaskUpdate = "task:update"
	EventTaskMove   = "task:move"
	EventTaskDelete = "task:delete"

	EventTaskCreated = "task:created"
	EventTaskUpdated = "task:updated"
	EventTaskMoved   = "task:moved"
	EventTaskDeleted = "task:deleted"

	EventError = "error"
)

// Event is a single frame on the sync channel.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MovedData is the payload of a task:moved notification.
type MovedData struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Task   Task   `json:"task"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// NewEvent encodes payload as the data of a named event.
func NewEvent(name string, payload any) (Event, error) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: data}, nil
}

// ErrorEvent builds an error event. Encoding a flat struct of strings cannot
// fail.
func ErrorEvent(message, detail string) Event {
	ev, _ := NewEvent(EventError, ErrorData{Message: message, Detail: detail})
	return ev
}

// Encode returns the wire form of ev.
func (e Event) Encode() ([]byte, error) {
	return sonic.Marshal(e)
}

// DecodeEvent parses a wire frame.
func DecodeEvent(frame []byte) (Event, error) {
	var ev Event
	if err := sonic.Unmarshal(frame, &ev); err != nil {
		return Event{}, &ValidationError{Reason: "malformed frame: " + err.Error()}
	}
	if ev.Name == "" {
		return Event{}, &ValidationError{Field: "event", Reason: "missing event name"}
	}
	return ev, nil
}

// CreateRequest is the payload of task:create.
type CreateRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Status      string          `json:"status"`
	Priority    string          `json:"priority"`
	Category    string          `json:"category"`
	Attachments []AttachmentRef `json:"attachments"`
}

// Fields resolves the request into store input.
func (r CreateRequest) Fields() TaskFields {
	return TaskFields{
		Title:       r.Title,
		Description: r.Description,
		Status:      r.Status,
		Priority:    r.Priority,
		Category:    r.Category,
		Attachments: AttachmentURLs(r.Attachments),
	}
}

// UpdateRequest is the payload of task:update.
type UpdateRequest struct {
	ID          string           `json:"id"`
	Title       *string          `json:"title"`
	Description *string          `json:"description"`
	Status      *string          `json:"status"`
	Priority    *string          `json:"priority"`
	Category    *string          `json:"category"`
	Attachments *[]AttachmentRef `json:"attachments"`
}

// Patch resolves the request into a normalized store patch.
func (r UpdateRequest) Patch() TaskPatch {
	p := TaskPatch{
		Title:       r.Title,
		Description: r.Description,
		Status:      r.Status,
		Priority:    r.Priority,
		Category:    r.Category,
	}
	if r.Attachments != nil {
		urls := AttachmentURLs(*r.Attachments)
		p.Attachments = &urls
	}
	return p.Normalize()
}

// MoveRequest is the payload of task:move.
type MoveRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func DecodeCreate(data json.RawMessage) (CreateRequest, error) {
	var req CreateRequest
	err := decodeObject(data, &req)
	return req, err
}

func DecodeUpdate(data json.RawMessage) (UpdateRequest, error) {
	var req UpdateRequest
	if err := decodeObject(data, &req); err != nil {
		return UpdateRequest{}, err
	}
	if req.ID == "" {
		return UpdateRequest{}, &ValidationError{Field: "id", Reason: "required"}
	}
	return req, nil
}

func DecodeMove(data json.RawMessage) (MoveRequest, error) {
	var req MoveRequest
	if err := decodeObject(data, &req); err != nil {
		return MoveRequest{}, err
	}
	if req.ID == "" {
		return MoveRequest{}, &ValidationError{Field: "id", Reason: "required"}
	}
	if req.Status == "" {
		return MoveRequest{}, &ValidationError{Field: "status", Reason: "required"}
	}
	return req, nil
}

// DecodeDelete reads the bare id string carried by task:delete.
func DecodeDelete(data json.RawMessage) (string, error) {
	var id string
	if err := sonic.Unmarshal(data, &id); err != nil {
		return "", &ValidationError{Field: "id", Reason: "expected a task id string"}
	}
	if id == "" {
		return "", &ValidationError{Field: "id", Reason: "required"}
	}
	return id, nil
}

// Unknown fields are ignored: clients commonly echo whole task records back.
func decodeObject(data json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &ValidationError{Reason: "payload must be an object"}
	}
	if err := sonic.Unmarshal(trimmed, v); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return verr
		}
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}
