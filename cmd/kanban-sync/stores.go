package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"kanban-sync/internal/api"
	"kanban-sync/internal/config"
	"kanban-sync/internal/domain"
	"kanban-sync/internal/storage"
)

type closer func(ctx context.Context) error

func noopCloser(context.Context) error { return nil }

// openStore returns the configured task store. When REDIS_URL is set the
// snapshot read path is cached in Redis.
func openStore(ctx context.Context, cfg config.Config, schema domain.Schema, rc *redis.Client) (api.Store, closer, error) {
	var (
		store api.Store
		done  closer = noopCloser
	)
	switch cfg.StoreBackend {
	case config.BackendMemory:
		store = storage.NewMemory(schema)
	case config.BackendSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		db, err := storage.OpenSQLite(ctx, cfg.SQLitePath, schema)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		store = db
		done = func(context.Context) error { return db.Close() }
	case config.BackendMongo:
		m, err := storage.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection, schema)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: %w", err)
		}
		if err := m.EnsureIndexes(ctx); err != nil {
			_ = m.Close(ctx)
			return nil, nil, fmt.Errorf("mongo indexes: %w", err)
		}
		store = m
		done = m.Close
	case config.BackendTables:
		t, err := storage.NewTables(cfg.StorageConnectionString, cfg.TasksTable, schema)
		if err != nil {
			return nil, nil, fmt.Errorf("tables: %w", err)
		}
		store = t
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}

	if rc != nil && cfg.TasksCacheTTL > 0 {
		log.WithField("ttl", cfg.TasksCacheTTL.String()).Info("caching task snapshots in redis")
		store = storage.NewCache(store, rc, cfg.TasksCacheTTL)
	}
	return store, done, nil
}

// redisOptions accepts a redis:// URL or the "host:port,password=...,ssl=true"
// form used by managed Redis connection strings.
func redisOptions(conn string) (*redis.Options, error) {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.TrimSpace(parts[0]) == "" || strings.Contains(parts[0], "://") {
		return nil, err
	}
	opts = &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redisOptions(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rc, nil
}
