package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kanban-sync/internal/api"
	"kanban-sync/internal/config"
	"kanban-sync/internal/domain"
	"kanban-sync/internal/hub"
	"kanban-sync/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var port, backend string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the sync server. All settings are read from the environment.

Examples:
  STORE_BACKEND=sqlite kanban-sync serve
  STORE_BACKEND=mongo MONGODB_URI=mongodb://localhost:27017 kanban-sync serve
  REDIS_URL=redis://localhost:6379/0 kanban-sync serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Flags win over the environment and go through the same validation.
			if cmd.Flags().Changed("port") {
				os.Setenv("PORT", port)
			}
			if cmd.Flags().Changed("backend") {
				os.Setenv("STORE_BACKEND", backend)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	cmd.Flags().StringVar(&backend, "backend", "", "memory, sqlite, mongo or tables (overrides STORE_BACKEND)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := log.StandardLogger()
	schema := domain.NewSchema(cfg.Statuses)

	rc, err := openRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
	}

	store, closeStore, err := openStore(ctx, cfg, schema, rc)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := closeStore(cctx); err != nil {
			logger.WithError(err).Warn("closing store")
		}
	}()

	if cfg.SeedSampleTasks {
		n, err := storage.SeedSampleTasks(ctx, store, schema)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		if n > 0 {
			logger.WithField("tasks", n).Info("seeded sample tasks")
		}
	}

	registry := hub.NewRegistry(logger)
	var opts []api.ServerOption

	relayCtx, cancelRelay := context.WithCancel(context.Background())
	defer cancelRelay()
	if rc != nil {
		relay := hub.NewRedisRelay(rc, cfg.BroadcastChannel, registry, logger)
		go relay.Run(relayCtx)
		opts = append(opts, api.WithBroadcaster(relay))
	}

	var feed *api.ChangeFeed
	if cfg.NotificationQueue != "" {
		queue, err := storage.NewQueue(cfg.StorageConnectionString, cfg.NotificationQueue)
		if err != nil {
			return fmt.Errorf("notification queue: %w", err)
		}
		feed = api.NewChangeFeed(queue, api.FeedOptions{
			Workers:        cfg.FeedWorkers,
			Buffer:         cfg.FeedBuffer,
			Timeout:        cfg.FeedTimeout,
			HandoffTimeout: cfg.FeedHandoffTimeout,
		}, logger)
		opts = append(opts, api.WithFeed(feed))
	}

	authn, cleanupAuth, err := buildAuth(cfg)
	if err != nil {
		return err
	}
	defer cleanupAuth()

	srv := api.NewSyncServer(store, schema, registry, logger, opts...)

	e := echo.New()
	e.HideBanner = true
	api.Register(e, srv, api.Options{
		Auth:            authn,
		AllowedOrigins:  cfg.CORSOrigins,
		MaxMessageBytes: cfg.MaxMessageBytes,
		SendBuffer:      cfg.SendBuffer,
		Debug:           cfg.Debug,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{
			"addr":     cfg.ListenAddr(),
			"backend":  cfg.StoreBackend,
			"statuses": schema.Statuses(),
		}).Info("sync server listening")
		errCh <- e.Start(cfg.ListenAddr())
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	registry.CloseAll()
	if err := e.Shutdown(sctx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	cancelRelay()
	if feed != nil {
		feed.Close()
	}
	return nil
}

// buildAuth prefers Auth0 when configured and falls back to a shared secret
// for local development. With neither the sync routes are open.
func buildAuth(cfg config.Config) (api.Authenticator, func(), error) {
	switch {
	case cfg.Auth0Domain != "":
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshUnknownKID: true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("jwks: %w", err)
		}
		auth := api.NewAuth(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/", cfg.JWKSCacheTTL)
		return auth, jwks.EndBackground, nil
	case cfg.LocalAuthMode == "hs256":
		log.Warn("using shared secret auth; do not enable outside local development")
		return api.NewSharedSecretAuth([]byte(cfg.LocalAuthSecret)), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}
