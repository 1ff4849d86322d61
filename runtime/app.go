package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/copperline/txrelay/delivery"
	"github.com/copperline/txrelay/ingest"
	"github.com/copperline/txrelay/monitoring"
	"github.com/copperline/txrelay/posting"
	"github.com/copperline/txrelay/store"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
)

// shutdownGrace bounds the drain of in-flight API requests at shutdown.
const shutdownGrace = 5 * time.Second

// App is an assembled relay: its store, posting client, submission service,
// worker pool, sweeper, and client-facing HTTP server.
type App struct {
	Store     *store.Store
	Posting   *posting.Client
	Service   *ingest.Service
	Pool      *delivery.Pool
	Sweeper   *delivery.Sweeper
	Collector *monitoring.Collector

	cfg    RelayConfig
	server *http.Server
}

// NewApp builds an App from |cfg|, dialing the store to verify connectivity.
func NewApp(ctx context.Context, cfg RelayConfig, version string) (*App, error) {
	var s, err = store.NewStore(ctx, cfg.StoreURL, cfg.StatusTTL, cfg.DedupTTL)
	if err != nil {
		return nil, fmt.Errorf("building store: %w", err)
	}

	service, err := ingest.NewService(s, ingest.ServiceConfig{
		QueueMaxSize: cfg.QueueMaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("building submission service: %w", err)
	}

	var client = posting.NewClient(cfg.PostingServiceURL)
	var pool = delivery.NewPool(s, client, delivery.Config{
		Concurrency: cfg.WorkerConcurrency,
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
	})
	var collector = monitoring.NewCollector(time.Now())

	var api = &ingest.API{
		Service:   service,
		Collector: collector,
		Workers:   pool,
		Budget:    cfg.ResponseTimeout,
		Version:   version,
	}
	var router = mux.NewRouter()
	api.Register(router)

	return &App{
		Store:     s,
		Posting:   client,
		Service:   service,
		Pool:      pool,
		Sweeper:   delivery.NewSweeper(s, delivery.SweeperConfig{Interval: cfg.SweepInterval, After: cfg.SweepAfter}),
		Collector: collector,
		cfg:       cfg,
		server:    &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: router},
	}, nil
}

// QueueTasks queues the HTTP server, worker pool, and sweeper against
// |tasks|. Cancellation gracefully stops the server and workers; queued
// deliveries outlive the process and resume on the next start.
func (app *App) QueueTasks(tasks *task.Group) {
	listener, err := net.Listen("tcp", app.server.Addr)
	if err != nil {
		tasks.Queue("http.Serve", func() error {
			return fmt.Errorf("binding %s: %w", app.server.Addr, err)
		})
		return
	}
	log.WithField("addr", listener.Addr()).Info("serving client API")

	tasks.Queue("http.Serve", func() error {
		if err := app.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	tasks.Queue("http.Shutdown", func() error {
		<-tasks.Context().Done()

		var ctx, cancel = context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return app.server.Shutdown(ctx)
	})

	app.Pool.QueueTasks(tasks)
	if app.cfg.SweepInterval > 0 {
		app.Sweeper.QueueTasks(tasks)
	}
}
