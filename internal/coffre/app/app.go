// Package app wires the grant store, request workflow, OCR poller and their
// transports into the coffre service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/coffre-fort/coffre/common/retry"
	"github.com/coffre-fort/coffre/internal/coffre/access"
	"github.com/coffre-fort/coffre/internal/coffre/aclsync"
	"github.com/coffre-fort/coffre/internal/coffre/audit"
	"github.com/coffre-fort/coffre/internal/coffre/events"
	"github.com/coffre-fort/coffre/internal/coffre/kv"
	"github.com/coffre-fort/coffre/internal/coffre/kv/memkv"
	"github.com/coffre-fort/coffre/internal/coffre/kv/rediskv"
	"github.com/coffre-fort/coffre/internal/coffre/matrix"
	"github.com/coffre-fort/coffre/internal/coffre/metrics"
	"github.com/coffre-fort/coffre/internal/coffre/notify"
	"github.com/coffre-fort/coffre/internal/coffre/ocr"
	"github.com/coffre-fort/coffre/internal/coffre/requests"
	"github.com/coffre-fort/coffre/internal/coffre/store"
	"github.com/coffre-fort/coffre/internal/coffre/templates"
)

// KV backends accepted in Config.KVBackend.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds application configuration.
type Config struct {
	// KVBackend is one of BackendRedis (default), BackendSQLite or
	// BackendMemory.
	KVBackend    string
	RedisURL     string
	DatabasePath string
	// SweepInterval is how often the SQLite backend deletes expired rows.
	// Defaults to 10 minutes.
	SweepInterval time.Duration

	// RabbitURL enables the OCR notification sink and the document event
	// consumer. When empty, notifications are dropped and polling is only
	// started through the API.
	RabbitURL      string
	NotifyExchange string
	Events         events.Config

	// Matrix and AuditRoomID enable audit notices. Both must be set.
	Matrix      matrix.Config
	AuditRoomID string

	// DMS is the document-management system the poller checks for OCR
	// text. Without a BaseURL readiness polling is disabled.
	DMS ocr.DMSConfig
	OCR ocr.Config

	// ACLSyncEnabled triggers a DMS ACL sync after every grant change.
	ACLSyncEnabled bool
	ACLSyncRetry   retry.Config

	// TemplatesDir overrides the built-in template seeds.
	TemplatesDir string

	// HTTPAddr is the listen address of the health/status/metrics server.
	// When empty the server is disabled.
	HTTPAddr string

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// App is the coffre service.
type App struct {
	config   *Config
	clock    clock.Clock
	kv       kv.Store
	closeKV  func() error
	sqlite   *store.Store
	grants   *access.Store
	workflow *requests.Workflow
	mapping  *aclsync.Mapping
	trigger  *aclsync.Trigger
	poller   *ocr.Poller
	sink     notify.Sink
	rabbit   *notify.RabbitSink
	consumer *events.Consumer
	matrix   *matrix.Client
	metrics  *metrics.Collector
	registry *prometheus.Registry
	health   *HealthServer
}

// OpenKV opens the configured KV backend. The returned close function is
// never nil.
func OpenKV(ctx context.Context, cfg *Config, clk clock.Clock) (kv.Store, *store.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.KVBackend {
	case "", BackendRedis:
		if cfg.RedisURL == "" {
			return nil, nil, noop, errors.New("REDIS_URL is required for the redis backend")
		}
		s, err := rediskv.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, noop, err
		}
		return s, nil, s.Close, nil
	case BackendSQLite:
		slog.Info("opening database", "path", cfg.DatabasePath)
		s, err := store.New(cfg.DatabasePath, clk)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("failed to initialize database: %w", err)
		}
		return s, s, s.Close, nil
	case BackendMemory:
		slog.Warn("using in-memory store; grants and requests are lost on restart")
		return memkv.New(clk), nil, noop, nil
	default:
		return nil, nil, noop, fmt.Errorf("unknown KV backend %q", cfg.KVBackend)
	}
}

// New builds the application. Nothing is started until Run.
func New(ctx context.Context, config *Config) (*App, error) {
	clk := config.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	a := &App{config: config, clock: clk}

	var err error
	a.kv, a.sqlite, a.closeKV, err = OpenKV(ctx, config, clk)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		a.Stop()
		return nil, err
	}

	a.metrics = metrics.NewCollector()
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		a.metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var notifier audit.Notifier = audit.Noop{}
	if config.Matrix.Homeserver != "" && config.AuditRoomID != "" {
		slog.Info("connecting to Matrix", "homeserver", config.Matrix.Homeserver)
		a.matrix, err = matrix.New(config.Matrix)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize Matrix client: %w", err))
		}
		notifier = audit.NewMatrixNotifier(a.matrix, config.AuditRoomID)
	}
	notifier = a.metrics.CountingNotifier(notifier)

	listeners := []access.Listener{a.metrics, audit.GrantListener{Notifier: notifier}}
	if config.ACLSyncEnabled {
		if config.DMS.BaseURL == "" {
			return fail(errors.New("ACL sync needs DMS_URL"))
		}
		a.trigger = aclsync.NewTrigger(aclsync.TriggerConfig{
			BaseURL:  config.DMS.BaseURL,
			Username: config.DMS.Username,
			Password: config.DMS.Password,
			Retry:    config.ACLSyncRetry,
		})
		listeners = append(listeners, a.trigger)
	}
	a.grants = access.NewStore(a.kv, clk, listeners...)
	a.workflow = requests.NewWorkflow(a.kv, a.grants, clk, notifier)
	a.mapping = aclsync.NewMapping(a.kv)

	if err := a.seedTemplates(ctx); err != nil {
		return fail(err)
	}

	a.sink = notify.Noop{}
	if config.RabbitURL != "" {
		a.rabbit, err = notify.DialRabbit(config.RabbitURL, config.NotifyExchange)
		if err != nil {
			return fail(err)
		}
		a.sink = a.rabbit
	}

	if config.DMS.BaseURL != "" {
		provider, err := ocr.NewDMSProvider(config.DMS)
		if err != nil {
			return fail(err)
		}
		a.poller = ocr.NewPoller(provider, a.sink, config.OCR,
			ocr.WithClock(clk), ocr.WithObserver(a.metrics))
		if config.RabbitURL != "" {
			evCfg := config.Events
			evCfg.URL = config.RabbitURL
			a.consumer = events.NewConsumer(evCfg, a.poller)
		}
	} else {
		slog.Warn("DMS_URL not set; OCR readiness polling disabled")
	}

	if config.HTTPAddr != "" {
		var ps pollerStatus
		if a.poller != nil {
			ps = a.poller
		}
		backend := config.KVBackend
		if backend == "" {
			backend = BackendRedis
		}
		a.health = NewHealthServer(config.HTTPAddr, backend, ps, a.registry, clk)
	}
	return a, nil
}

func (a *App) seedTemplates(ctx context.Context) error {
	var root fs.FS = templates.Defaults()
	if a.config.TemplatesDir != "" {
		root = os.DirFS(a.config.TemplatesDir)
	}
	seeds, err := templates.NewRegistry(root).Load()
	if err != nil {
		return fmt.Errorf("load template seeds: %w", err)
	}
	n, err := templates.SeedMissing(ctx, a.grants, seeds)
	if err != nil {
		return err
	}
	slog.Info("templates seeded", "created", n, "available", len(seeds))
	return nil
}

// Run starts the background parts of the service and blocks until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	if a.matrix != nil {
		if err := a.matrix.JoinRoom(ctx, a.config.AuditRoomID); err != nil {
			slog.Warn("failed to join audit room", "room", a.config.AuditRoomID, "err", err)
		}
	}

	if a.consumer != nil {
		if err := a.consumer.Connect(); err != nil {
			return err
		}
		if err := a.consumer.Start(ctx); err != nil {
			return err
		}
	}

	if a.sqlite != nil {
		interval := a.config.SweepInterval
		if interval <= 0 {
			interval = 10 * time.Minute
		}
		go a.sqlite.RunSweeper(ctx, interval)
	}

	if a.trigger != nil {
		// Catch up on changes made while the service was down.
		a.trigger.Schedule(ctx)
	}

	slog.Info("coffre is running")
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// Stop releases everything New and Run acquired. It is safe to call on a
// partially built App.
func (a *App) Stop() {
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			slog.Warn("events consumer close", "err", err)
		}
	}
	if a.poller != nil {
		a.poller.Close()
	}
	if a.trigger != nil {
		a.trigger.Wait()
	}
	if a.rabbit != nil {
		if err := a.rabbit.Close(); err != nil {
			slog.Warn("notification sink close", "err", err)
		}
	}
	if a.health != nil {
		a.health.Stop()
	}
	if a.closeKV != nil {
		if err := a.closeKV(); err != nil {
			slog.Warn("kv store close", "err", err)
		}
	}
}

// Grants returns the grant store.
func (a *App) Grants() *access.Store { return a.grants }

// Workflow returns the access request workflow.
func (a *App) Workflow() *requests.Workflow { return a.workflow }

// Mapping returns the DMS user mapping.
func (a *App) Mapping() *aclsync.Mapping { return a.mapping }

// Poller returns the OCR poller, or nil when polling is disabled.
func (a *App) Poller() *ocr.Poller { return a.poller }

// Handler returns the health server's handler, or nil without HTTPAddr.
func (a *App) Handler() *HealthServer { return a.health }
