package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
	BackendSQLite = "sqlite"
	BackendTables = "tables"
)

// Config is the process configuration, read once from the environment.
type Config struct {
	Port            string
	Debug           bool
	LogFormat       string
	StoreBackend    string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	SQLitePath      string

	StorageConnectionString string
	TasksTable              string
	NotificationQueue       string

	RedisURL         string
	TasksCacheTTL    time.Duration
	BroadcastChannel string

	Statuses        []string
	CORSOrigins     []string
	MaxMessageBytes int64
	SendBuffer      int
	SeedSampleTasks bool

	FeedWorkers        int
	FeedBuffer         int
	FeedTimeout        time.Duration
	FeedHandoffTimeout time.Duration

	Auth0Domain     string
	Auth0Audience   string
	LocalAuthMode   string
	LocalAuthSecret string
	JWKSCacheTTL    time.Duration
}

var defaultCORSOrigins = []string{
	"http://localhost:5173",
	"http://localhost:5174",
	"http://localhost:5175",
	"http://localhost:5176",
	"http://localhost:5177",
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var errs []string
	fail := func(key string, err error) {
		errs = append(errs, fmt.Sprintf("%s: %v", key, err))
	}

	cfg := Config{
		Port:            envString("PORT", "3002"),
		LogFormat:       strings.ToLower(envString("LOG_FORMAT", "text")),
		StoreBackend:    strings.ToLower(envString("STORE_BACKEND", BackendMemory)),
		MongoURI:        os.Getenv("MONGODB_URI"),
		MongoDatabase:   envString("MONGODB_DATABASE", "kanban-board"),
		MongoCollection: envString("MONGODB_COLLECTION", "tasks"),
		SQLitePath:      envString("SQLITE_PATH", "data/kanban.db"),

		StorageConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:              envString("TASKS_TABLE", "tasks"),
		NotificationQueue:       os.Getenv("NOTIFICATION_QUEUE"),

		RedisURL:         os.Getenv("REDIS_URL"),
		BroadcastChannel: envString("BROADCAST_CHANNEL", "kanban:events"),

		Statuses:    envList("BOARD_STATUSES", nil),
		CORSOrigins: envList("CORS_ORIGINS", defaultCORSOrigins),

		Auth0Domain:     os.Getenv("AUTH0_DOMAIN"),
		Auth0Audience:   os.Getenv("AUTH0_AUDIENCE"),
		LocalAuthMode:   strings.ToLower(os.Getenv("LOCAL_AUTH_MODE")),
		LocalAuthSecret: os.Getenv("LOCAL_AUTH_SHARED_SECRET"),
	}

	var err error
	if cfg.Debug, err = envBool("DEBUG", false); err != nil {
		fail("DEBUG", err)
	}
	if cfg.SeedSampleTasks, err = envBool("SEED_SAMPLE_TASKS", true); err != nil {
		fail("SEED_SAMPLE_TASKS", err)
	}
	if cfg.TasksCacheTTL, err = envDur("TASKS_CACHE_TTL", 30*time.Second); err != nil {
		fail("TASKS_CACHE_TTL", err)
	}
	if cfg.FeedTimeout, err = envDur("FEED_TIMEOUT", 10*time.Second); err != nil {
		fail("FEED_TIMEOUT", err)
	}
	if cfg.FeedHandoffTimeout, err = envDur("FEED_HANDOFF_TIMEOUT", 15*time.Millisecond); err != nil {
		fail("FEED_HANDOFF_TIMEOUT", err)
	}
	if cfg.JWKSCacheTTL, err = envDur("JWKS_CACHE_TTL", 15*time.Minute); err != nil {
		fail("JWKS_CACHE_TTL", err)
	}
	if cfg.SendBuffer, err = envInt("SEND_BUFFER", 256); err != nil {
		fail("SEND_BUFFER", err)
	}
	if cfg.FeedWorkers, err = envInt("FEED_WORKERS", 4); err != nil {
		fail("FEED_WORKERS", err)
	}
	if cfg.FeedBuffer, err = envInt("FEED_BUFFER", 1024); err != nil {
		fail("FEED_BUFFER", err)
	}
	maxBytes, err := envInt("MAX_MESSAGE_BYTES", 50<<20)
	if err != nil {
		fail("MAX_MESSAGE_BYTES", err)
	}
	cfg.MaxMessageBytes = int64(maxBytes)

	if err := cfg.validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI is required for the mongo backend")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
		}
	case BackendTables:
		if c.StorageConnectionString == "" || c.TasksTable == "" {
			return fmt.Errorf("STORAGE_CONNECTION_STRING and TASKS_TABLE are required for the tables backend")
		}
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	if c.NotificationQueue != "" && c.StorageConnectionString == "" {
		return fmt.Errorf("NOTIFICATION_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be greater than zero")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be greater than zero")
	}
	if c.FeedWorkers <= 0 || c.FeedBuffer <= 0 {
		return fmt.Errorf("FEED_WORKERS and FEED_BUFFER must be greater than zero")
	}
	switch c.LocalAuthMode {
	case "":
	case "hs256":
		if c.LocalAuthSecret == "" {
			return fmt.Errorf("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
	default:
		return fmt.Errorf("unsupported LOCAL_AUTH_MODE %q", c.LocalAuthMode)
	}
	if (c.Auth0Domain == "") != (c.Auth0Audience == "") {
		return fmt.Errorf("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set together")
	}
	return nil
}

// AuthEnabled reports whether the sync routes require a bearer token.
func (c Config) AuthEnabled() bool {
	return c.LocalAuthMode != "" || c.Auth0Domain != ""
}

// ListenAddr is the address the HTTP server binds to.
func (c Config) ListenAddr() string {
	return ":" + c.Port
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

// envList splits a comma separated variable, dropping blank entries.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
