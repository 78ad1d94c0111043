package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"kanban-sync/internal/domain"
)

// Mongo stores each task as one document in a collection.
type Mongo struct {
	base
	client *mongo.Client
	coll   *mongo.Collection
}

// listOrder is newest first. _id is an ObjectId, so it breaks createdAt ties
// by insert order.
var listOrder = bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}

type taskDocument struct {
	ID          string    `bson:"id"`
	Title       string    `bson:"title"`
	Description string    `bson:"description"`
	Status      string    `bson:"status"`
	Priority    string    `bson:"priority"`
	Category    string    `bson:"category"`
	Attachments []string  `bson:"attachments"`
	CreatedAt   time.Time `bson:"createdAt"`
	UpdatedAt   time.Time `bson:"updatedAt"`
}

// NewMongo connects to uri and returns a store over database.collection.
func NewMongo(ctx context.Context, uri, database, collection string, schema domain.Schema) (*Mongo, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(5 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	return &Mongo{
		base:   newBase(schema),
		client: client,
		coll:   client.Database(database).Collection(collection),
	}, nil
}

// EnsureIndexes creates the unique id index and the listing index.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: listOrder},
	})
	if err != nil {
		return mongoError("create indexes", err)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) Create(ctx context.Context, f domain.TaskFields) (domain.Task, error) {
	t, err := m.schema.NewTask(m.newID(), f, m.now())
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := m.coll.InsertOne(ctx, toDocument(t)); err != nil {
		return domain.Task{}, mongoError("create task", err)
	}
	return t, nil
}

func (m *Mongo) FindByID(ctx context.Context, id string) (domain.Task, error) {
	var doc taskDocument
	if err := m.coll.FindOne(ctx, bson.M{"id": id}).Decode(&doc); err != nil {
		return domain.Task{}, mongoLookupError("find task", id, err)
	}
	return fromDocument(doc), nil
}

func (m *Mongo) Update(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error) {
	p = p.Normalize()
	if err := m.schema.CheckPatch(p); err != nil {
		return domain.Task{}, err
	}
	return m.set(ctx, id, patchSet(p, m.clock()))
}

func (m *Mongo) UpdateStatus(ctx context.Context, id, status string) (domain.Task, error) {
	if err := m.schema.CheckStatus(status); err != nil {
		return domain.Task{}, err
	}
	return m.set(ctx, id, bson.M{"status": status, "updatedAt": m.clock()})
}

func (m *Mongo) Delete(ctx context.Context, id string) (domain.Task, error) {
	var doc taskDocument
	if err := m.coll.FindOneAndDelete(ctx, bson.M{"id": id}).Decode(&doc); err != nil {
		return domain.Task{}, mongoLookupError("delete task", id, err)
	}
	return fromDocument(doc), nil
}

func (m *Mongo) ListAll(ctx context.Context) ([]domain.Task, error) {
	cur, err := m.coll.Find(ctx, bson.M{}, options.Find().SetSort(listOrder))
	if err != nil {
		return nil, mongoError("list tasks", err)
	}
	var docs []taskDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, mongoError("list tasks", err)
	}
	tasks := make([]domain.Task, 0, len(docs))
	for _, d := range docs {
		tasks = append(tasks, fromDocument(d))
	}
	return tasks, nil
}

func (m *Mongo) Count(ctx context.Context) (int, error) {
	n, err := m.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, mongoError("count tasks", err)
	}
	return int(n), nil
}

func (m *Mongo) set(ctx context.Context, id string, fields bson.M) (domain.Task, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc taskDocument
	err := m.coll.FindOneAndUpdate(ctx, bson.M{"id": id}, bson.M{"$set": fields}, opts).Decode(&doc)
	if err != nil {
		return domain.Task{}, mongoLookupError("update task", id, err)
	}
	return fromDocument(doc), nil
}

func toDocument(t domain.Task) taskDocument {
	return taskDocument{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		Category:    t.Category,
		Attachments: nonNil(t.Attachments),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func fromDocument(d taskDocument) domain.Task {
	return domain.Task{
		ID:          d.ID,
		Title:       d.Title,
		Description: d.Description,
		Status:      d.Status,
		Priority:    d.Priority,
		Category:    d.Category,
		Attachments: nonNil(d.Attachments),
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

// patchSet builds the $set document for the fields present in p.
func patchSet(p domain.TaskPatch, now time.Time) bson.M {
	set := bson.M{"updatedAt": now}
	if p.Title != nil {
		set["title"] = *p.Title
	}
	if p.Description != nil {
		set["description"] = *p.Description
	}
	if p.Status != nil {
		set["status"] = *p.Status
	}
	if p.Priority != nil {
		set["priority"] = *p.Priority
	}
	if p.Category != nil {
		set["category"] = *p.Category
	}
	if p.Attachments != nil {
		set["attachments"] = nonNil(*p.Attachments)
	}
	return set
}

func mongoLookupError(op, id string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &domain.NotFoundError{ID: id}
	}
	return mongoError(op, err)
}

func mongoError(op string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return &domain.StoreUnavailableError{Err: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}
