package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"kanban-sync/internal/domain"
)

const (
	snapshotCacheKey   = "kanban:tasks"
	generationCacheKey = "kanban:tasks:gen"
)

// storeIfCurrent writes the snapshot only when no write has bumped the
// generation since the snapshot was read from the backing store.
var storeIfCurrent = redis.NewScript(`
if (redis.call("GET", KEYS[1]) or "0") ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// Cache wraps a store with a Redis cached snapshot. Only ListAll reads from
// Redis; every successful write bumps the generation and evicts the snapshot.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) Create(ctx context.Context, f domain.TaskFields) (domain.Task, error) {
	t, err := c.base.Create(ctx, f)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx)
	return t, nil
}

func (c *Cache) FindByID(ctx context.Context, id string) (domain.Task, error) {
	return c.base.FindByID(ctx, id)
}

func (c *Cache) Update(ctx context.Context, id string, p domain.TaskPatch) (domain.Task, error) {
	t, err := c.base.Update(ctx, id, p)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx)
	return t, nil
}

func (c *Cache) UpdateStatus(ctx context.Context, id, status string) (domain.Task, error) {
	t, err := c.base.UpdateStatus(ctx, id, status)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx)
	return t, nil
}

func (c *Cache) Delete(ctx context.Context, id string) (domain.Task, error) {
	t, err := c.base.Delete(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx)
	return t, nil
}

func (c *Cache) ListAll(ctx context.Context) ([]domain.Task, error) {
	if tasks, ok := c.load(ctx); ok {
		return tasks, nil
	}
	gen, genOK := c.generation(ctx)
	tasks, err := c.base.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	if genOK {
		c.store(ctx, gen, tasks)
	}
	return tasks, nil
}

// Count always asks the backing store; it doubles as its liveness probe.
func (c *Cache) Count(ctx context.Context) (int, error) {
	return c.base.Count(ctx)
}

func (c *Cache) load(ctx context.Context) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, snapshotCacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, snapshotCacheKey).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, snapshotCacheKey).Err()
		return nil, false
	}
	return tasks, true
}

// generation reads the write counter. A missing key is generation 0.
func (c *Cache) generation(ctx context.Context) (string, bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", false
	}
	gen, err := c.redis.Get(ctx, generationCacheKey).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "0", true
	case err != nil:
		return "", false
	}
	return gen, true
}

func (c *Cache) store(ctx context.Context, gen string, tasks []domain.Task) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	ttl := max(c.ttl.Milliseconds(), 1)
	keys := []string{generationCacheKey, snapshotCacheKey}
	_ = storeIfCurrent.Run(ctx, c.redis, keys, gen, data, strconv.FormatInt(ttl, 10)).Err()
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	pipe := c.redis.TxPipeline()
	pipe.Incr(ctx, generationCacheKey)
	pipe.Del(ctx, snapshotCacheKey)
	_, _ = pipe.Exec(ctx)
}
