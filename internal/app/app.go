// Package app wires the service together and owns its lifecycle.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"socialflow/internal/api"
	"socialflow/internal/clients/graph"
	"socialflow/internal/clients/llm"
	"socialflow/internal/config"
	"socialflow/internal/domain"
	"socialflow/internal/events"
	"socialflow/internal/handlers/publish"
	"socialflow/internal/handlers/transform"
	"socialflow/internal/hub"
	"socialflow/internal/process"
	"socialflow/internal/queue"
	"socialflow/internal/scheduler"
	"socialflow/internal/sqlitedb"
	"socialflow/internal/store"
	"socialflow/internal/worker"
)

type App struct {
	cfg    config.Config
	db     *sql.DB
	redis  *redis.Client
	hub    *hub.Hub
	bridge *events.Bridge
	pool   *worker.Pool
	sched  *scheduler.Service
	srv    *http.Server
}

// New opens storage and builds every component. Nothing runs until Run.
func New(cfg config.Config) (*App, error) {
	db, err := sqlitedb.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := store.EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure store schema: %w", err)
	}
	if err := queue.EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	if err := scheduler.ValidateCronExpression(cfg.Maintenance.Spec); err != nil {
		db.Close()
		return nil, fmt.Errorf("maintenance.spec: %w", err)
	}

	st := store.NewSQLiteStore(db)
	repo := queue.NewSQLiteRepo(db, queue.WithVisibility(cfg.Lease))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	transport := events.NewRedisTransport(rdb)
	emitter := events.NewPublisher(transport, cfg.Redis.Topic)

	h := hub.New()
	bridge := events.NewBridge(transport, cfg.Redis.Topic, h)

	publisher := graph.New(graph.Config{
		BaseURL:    cfg.Graph.BaseURL,
		Version:    cfg.Graph.Version,
		Timeout:    cfg.Graph.Timeout,
		RatePerSec: cfg.Graph.RatePerSec,
	})
	transformer := llm.New(llm.Config{
		URL:     cfg.LLM.URL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})

	handlers := map[string]worker.Handler{
		domain.TaskTransform: transform.New(st, repo, transformer, emitter, cfg.MaxAttempts),
		domain.TaskPublish:   publish.New(st, publisher, emitter),
	}
	pool := worker.NewPool(repo, handlers, cfg.Workers, cfg.Poll)

	svc := process.NewService(st, repo, emitter, process.Options{
		PublishMaxAttempts: cfg.MaxAttempts,
		DefaultModel:       cfg.LLM.Model,
	})

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(api.Deps{
			Processes:  svc,
			Recipients: st,
			Tasks:      repo,
			Live:       h.ServeWS,
			Debug:      cfg.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:    cfg,
		db:     db,
		redis:  rdb,
		hub:    h,
		bridge: bridge,
		pool:   pool,
		sched:  scheduler.NewService(repo, st, cfg.Maintenance.Spec, cfg.ErrorThreshold),
		srv:    srv,
	}, nil
}

// Run starts the bridge, workers, maintenance and HTTP server, blocks until
// ctx is cancelled or the server fails, then stops them in reverse order.
func (a *App) Run(ctx context.Context) error {
	pingCtx, cancelPing := context.WithTimeout(ctx, 3*time.Second)
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", a.cfg.Redis.Addr).Msg("redis unreachable, live updates paused until it is")
	}
	cancelPing()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.bridge.Run(runCtx) }()
	go func() { defer wg.Done(); a.pool.Run(runCtx) }()

	if err := a.sched.Start(runCtx); err != nil {
		cancel()
		wg.Wait()
		return err
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.cfg.Addr).Msg("HTTP server starting")
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-srvErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = a.srv.Shutdown(shutdownCtx)
	a.hub.CloseAll()
	a.sched.Stop()
	cancel()
	wg.Wait()
	return runErr
}

// Handler is the HTTP surface, for embedding or tests.
func (a *App) Handler() http.Handler { return a.srv.Handler }

// Close releases storage and the redis client.
func (a *App) Close() error {
	return errors.Join(a.redis.Close(), a.db.Close())
}
