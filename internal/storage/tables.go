package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"kanban-sync/internal/domain"
)

const (
	tasksPartition = "board"
	edmInt64       = "Edm.Int64"
)

// Tables stores tasks as entities of one Azure Storage table partition.
type Tables struct {
	base
	taskTable *aztables.Client
}

type tableKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	tableKeys
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	Status        string `json:"Status"`
	Priority      string `json:"Priority"`
	Category      string `json:"Category"`
	Attachments   string `json:"Attachments"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

// taskEntityPatch carries only the properties a merge update touches.
type taskEntityPatch struct {
	tableKeys
	Title         *string `json:"Title,omitempty"`
	Description   *string `json:"Description,omitempty"`
	Status        *string `json:"Status,omitempty"`
	Priority      *string `json:"Priority,omitempty"`
	Category      *string `json:"Category,omitempty"`
	Attachments   *string `json:"Attachments,omitempty"`
	UpdatedAt     int64   `json:"UpdatedAt,string"`
	UpdatedAtType string  `json:"UpdatedAt@odata.type"`
}

func tablesClientOptions() *aztables.ClientOptions {
	return &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// NewTables creates a table backed store from the given connection string.
func NewTables(connStr, tasksTable string, schema domain.Schema) (*Tables, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, tablesClientOptions())
	if err != nil {
		return nil, err
	}
	return &Tables{base: newBase(schema), taskTable: svc.NewClient(tasksTable)}, nil
}

func (s *Tables) Create(ctx context.Context, f domain.TaskFields) (domain.Task, error) {
	t, err := s.schema.NewTask(s.newID(), f, s.now())
	if err != nil {
		return domain.Task{}, err
	}
	ent, err := toEntity(t)
	if err != nil {
		return domain.Task{}, err
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, tablesError("create task", "", err)
	}
	return t, nil
}

func (s *Tables) FindByID(ctx context.Context, id string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, tasksPartition, id, nil)
	if err != nil {
		return domain.Task{}, tablesError("find task", id, err)
	}
	return decodeEntity(resp.Value)
}

func (s *Tables) Update(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error) {
	p = p.Normalize()
	if err := s.schema.CheckPatch(p); err != nil {
		return domain.Task{}, err
	}
	upd, err := toEntityPatch(id, p, s.clock())
	if err != nil {
		return domain.Task{}, err
	}
	return s.merge(ctx, id, upd)
}

func (s *Tables) UpdateStatus(ctx context.Context, id, status string) (domain.Task, error) {
	if err := s.schema.CheckStatus(status); err != nil {
		return domain.Task{}, err
	}
	upd, _ := toEntityPatch(id, domain.TaskPatch{Status: &status}, s.clock())
	return s.merge(ctx, id, upd)
}

func (s *Tables) Delete(ctx context.Context, id string) (domain.Task, error) {
	t, err := s.FindByID(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.DeleteEntity(ctx, tasksPartition, id, nil); err != nil {
		return domain.Task{}, tablesError("delete task", id, err)
	}
	return t, nil
}

func (s *Tables) ListAll(ctx context.Context) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + tasksPartition + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, tablesError("list tasks", "", err)
		}
		for _, e := range resp.Entities {
			t, err := decodeEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	sortNewestFirst(tasks)
	return tasks, nil
}

func (s *Tables) Count(ctx context.Context) (int, error) {
	filter := "PartitionKey eq '" + tasksPartition + "'"
	sel := "RowKey"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	n := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, tablesError("count tasks", "", err)
		}
		n += len(resp.Entities)
	}
	return n, nil
}

func (s *Tables) merge(ctx context.Context, id string, upd taskEntityPatch) (domain.Task, error) {
	payload, err := sonic.Marshal(upd)
	if err != nil {
		return domain.Task{}, err
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		return domain.Task{}, tablesError("update task", id, err)
	}
	return s.FindByID(ctx, id)
}

func toEntity(t domain.Task) (taskEntity, error) {
	attachments, err := sonic.MarshalString(nonNil(t.Attachments))
	if err != nil {
		return taskEntity{}, err
	}
	return taskEntity{
		tableKeys:     tableKeys{PartitionKey: tasksPartition, RowKey: t.ID},
		Title:         t.Title,
		Description:   t.Description,
		Status:        t.Status,
		Priority:      t.Priority,
		Category:      t.Category,
		Attachments:   attachments,
		CreatedAt:     t.CreatedAt.UnixMilli(),
		CreatedAtType: edmInt64,
		UpdatedAt:     t.UpdatedAt.UnixMilli(),
		UpdatedAtType: edmInt64,
	}, nil
}

func toEntityPatch(id string, p domain.TaskPatch, now time.Time) (taskEntityPatch, error) {
	upd := taskEntityPatch{
		tableKeys:     tableKeys{PartitionKey: tasksPartition, RowKey: id},
		Title:         p.Title,
		Description:   p.Description,
		Status:        p.Status,
		Priority:      p.Priority,
		Category:      p.Category,
		UpdatedAt:     now.UnixMilli(),
		UpdatedAtType: edmInt64,
	}
	if p.Attachments != nil {
		data, err := sonic.MarshalString(nonNil(*p.Attachments))
		if err != nil {
			return taskEntityPatch{}, err
		}
		upd.Attachments = &data
	}
	return upd, nil
}

func decodeEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      ent.Status,
		Priority:    ent.Priority,
		Category:    ent.Category,
		CreatedAt:   time.UnixMilli(ent.CreatedAt).UTC(),
		UpdatedAt:   time.UnixMilli(ent.UpdatedAt).UTC(),
	}
	if ent.Attachments != "" {
		if err := sonic.UnmarshalString(ent.Attachments, &t.Attachments); err != nil {
			return domain.Task{}, fmt.Errorf("decode attachments of %s: %w", ent.RowKey, err)
		}
	}
	t.Attachments = nonNil(t.Attachments)
	return t, nil
}

// tablesError maps Azure responses onto domain errors. A 404 on a keyed
// operation is NotFound; throttling, server errors and transport failures
// mean the store is unavailable.
func tablesError(op, id string, err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound && id != "":
			return &domain.NotFoundError{ID: id}
		case respErr.StatusCode >= 500, respErr.StatusCode == http.StatusRequestTimeout, respErr.StatusCode == http.StatusTooManyRequests:
			return &domain.StoreUnavailableError{Err: fmt.Errorf("%s: %w", op, err)}
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &domain.StoreUnavailableError{Err: fmt.Errorf("%s: %w", op, err)}
}
