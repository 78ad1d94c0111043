package storage

import (
	"context"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"kanban-sync/internal/domain"
)

type countingBackend struct {
	*Memory
	lists int
}

func (c *countingBackend) ListAll(ctx context.Context) ([]domain.Task, error) {
	c.lists++
	return c.Memory.ListAll(ctx)
}

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *countingBackend, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backing := &countingBackend{Memory: NewMemory(domain.NewSchema(nil))}
	return NewCache(backing, client, ttl), backing, mr
}

func TestCacheListAllMissThenHit(t *testing.T) {
	cache, backing, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	created, err := cache.Create(ctx, domain.TaskFields{Title: "Write code"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := cache.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	second, err := cache.ListAll(ctx)
	if err != nil {
		t.Fatalf("list again: %v", err)
	}
	if backing.lists != 1 {
		t.Fatalf("expected 1 call to backend, got %d", backing.lists)
	}
	if !reflect.DeepEqual(first, second) || len(second) != 1 || second[0].ID != created.ID {
		t.Fatalf("unexpected cached snapshot: %#v", second)
	}
	if ttl := mr.TTL(snapshotCacheKey); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
}

func TestCacheWritesEvictSnapshot(t *testing.T) {
	cache, backing, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	created, _ := cache.Create(ctx, domain.TaskFields{Title: "a"})
	if _, err := cache.ListAll(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !mr.Exists(snapshotCacheKey) {
		t.Fatalf("expected snapshot to be cached")
	}

	if _, err := cache.UpdateStatus(ctx, created.ID, "done"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if mr.Exists(snapshotCacheKey) {
		t.Fatalf("expected write to evict snapshot")
	}

	tasks, _ := cache.ListAll(ctx)
	if backing.lists != 2 || tasks[0].Status != "done" {
		t.Fatalf("expected fresh snapshot after write, lists=%d tasks=%#v", backing.lists, tasks)
	}
}

func TestCacheFailedWriteKeepsSnapshot(t *testing.T) {
	cache, _, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	if _, err := cache.ListAll(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := cache.Delete(ctx, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !mr.Exists(snapshotCacheKey) {
		t.Fatalf("failed write must not evict snapshot")
	}
}

func TestCacheCorruptEntryFallsBack(t *testing.T) {
	cache, backing, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	if err := mr.Set(snapshotCacheKey, "{not json"); err != nil {
		t.Fatalf("seed redis: %v", err)
	}
	if _, err := cache.ListAll(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if backing.lists != 1 {
		t.Fatalf("expected fallback to backend, got %d calls", backing.lists)
	}
}

func TestCacheZeroTTLDoesNotStore(t *testing.T) {
	cache, _, mr := newTestCache(t, 0)
	if _, err := cache.ListAll(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if mr.Exists(snapshotCacheKey) {
		t.Fatalf("zero TTL must disable caching")
	}
}

// interleavingBackend runs during once, after reading the list and before
// returning it.
type interleavingBackend struct {
	*Memory
	during func()
}

func (b *interleavingBackend) ListAll(ctx context.Context) ([]domain.Task, error) {
	tasks, err := b.Memory.ListAll(ctx)
	if b.during != nil {
		during := b.during
		b.during = nil
		during()
	}
	return tasks, err
}

func TestCacheWriteDuringListSkipsStaleSnapshot(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backing := &interleavingBackend{Memory: NewMemory(domain.NewSchema(nil))}
	cache := NewCache(backing, client, time.Minute)
	ctx := context.Background()

	var created domain.Task
	backing.during = func() {
		var err error
		if created, err = cache.Create(ctx, domain.TaskFields{Title: "late"}); err != nil {
			t.Errorf("create: %v", err)
		}
	}
	stale, err := cache.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected the list read before the write, got %#v", stale)
	}
	if mr.Exists(snapshotCacheKey) {
		t.Fatalf("snapshot read before a write must not be cached")
	}

	fresh, err := cache.ListAll(ctx)
	if err != nil {
		t.Fatalf("list again: %v", err)
	}
	if len(fresh) != 1 || fresh[0].ID != created.ID {
		t.Fatalf("next snapshot is missing committed task %s: %#v", created.ID, fresh)
	}
	if !mr.Exists(snapshotCacheKey) {
		t.Fatalf("expected the fresh snapshot to be cached")
	}
}
