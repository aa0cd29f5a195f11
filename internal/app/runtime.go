package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	alertapp "irma-supervisor/internal/alerts/application"
	alertrepo "irma-supervisor/internal/alerts/infrastructure/docstore"
	"irma-supervisor/internal/alerts/policy"
	"irma-supervisor/internal/archive"
	"irma-supervisor/internal/config"
	"irma-supervisor/internal/docstore"
	"irma-supervisor/internal/ingress"
	"irma-supervisor/internal/ingress/mqtt"
	nodeapp "irma-supervisor/internal/nodes/application"
	noderepo "irma-supervisor/internal/nodes/infrastructure/docstore"
	"irma-supervisor/internal/notify"
	"irma-supervisor/internal/observability/metrics"
	"irma-supervisor/internal/readings"
)

// Runtime is the process context: every long-lived handle, built once and passed explicitly.
type Runtime struct {
	cfg    config.Config
	logger *zap.SugaredLogger

	db    *sql.DB
	Store docstore.Store

	Registry    *nodeapp.Registry
	Supervisor  *nodeapp.Supervisor
	Readings    *readings.Store
	Ledger      *alertapp.Ledger
	Coordinator *alertapp.Coordinator
	Processor   *ingress.Processor

	Broker  *notify.SSEBroker
	Hub     *notify.Hub
	webhook *notify.WebhookNotifier

	Archive    *archive.Dispatcher
	Endpoints  archive.EndpointSet
	redis      *redis.Client
	clickhouse *archive.ClickHouseTarget

	subscriber *mqtt.Subscriber
	mqttClient *mqtt.Client
}

// Option adjusts runtime construction.
type Option func(*options)

type options struct {
	store docstore.Store
}

// WithStore injects a document store instead of opening one from config.
func WithStore(store docstore.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// New builds the runtime. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, opts ...Option) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	rt := &Runtime{cfg: cfg, logger: logger}
	if err := rt.openStore(ctx, o.store); err != nil {
		return nil, err
	}
	metrics.Init(rt.db, logger)

	if err := rt.buildCore(ctx); err != nil {
		rt.closeResources()
		return nil, err
	}
	if err := rt.buildArchive(ctx); err != nil {
		rt.closeResources()
		return nil, err
	}

	thresholds, err := policy.LoadConfig(cfg.ThresholdsConfig)
	if err != nil {
		rt.closeResources()
		return nil, err
	}
	danger, err := policy.NewThresholdPolicy(thresholds)
	if err != nil {
		rt.closeResources()
		return nil, err
	}
	rt.Processor, err = ingress.NewProcessor(rt.Registry, rt.Readings, rt.Ledger, danger,
		ingress.WithForwarder(rt.Archive),
		ingress.WithLogger(logger.Named("ingress")),
	)
	if err != nil {
		rt.closeResources()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context, injected docstore.Store) error {
	switch {
	case injected != nil:
		rt.Store = injected
	case rt.cfg.DatabaseURL == "":
		rt.logger.Warnw("no database configured, using in-memory store")
		rt.Store = docstore.NewMemory()
	default:
		db, err := sql.Open("pgx", rt.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("db ping: %w", err)
		}
		store := docstore.NewPostgres(db)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("db schema: %w", err)
		}
		rt.db = db
		rt.Store = store
	}
	return nil
}

func (rt *Runtime) buildCore(ctx context.Context) error {
	cfg := rt.cfg
	var err error
	rt.Ledger, err = alertapp.NewLedger(alertrepo.NewAlertRepository(rt.Store),
		alertapp.WithMaxAttempts(cfg.StoreCASMaxAttempts),
		alertapp.WithLogger(rt.logger.Named("ledger")),
	)
	if err != nil {
		return err
	}

	rt.Broker = notify.NewSSEBroker()
	rt.Hub = notify.NewHub(rt.Broker)
	if cfg.NotifyWebhookURL != "" {
		channel, err := notify.NewWebhookChannel(cfg.NotifyWebhookURL,
			notify.WithHTTPClient(&http.Client{Timeout: cfg.NotifyTimeout}))
		if err != nil {
			return err
		}
		tpl, err := notify.NewTemplate(cfg.NotifyTemplate)
		if err != nil {
			return err
		}
		rt.webhook, err = notify.NewWebhookNotifier(channel,
			notify.WithTimeout(cfg.NotifyTimeout),
			notify.WithTemplate(tpl),
			notify.WithLogger(rt.logger.Named("webhook")),
		)
		if err != nil {
			return err
		}
		rt.Hub.Add(rt.webhook)
	}

	rt.Registry, err = nodeapp.NewRegistry(noderepo.NewNodeRepository(rt.Store), noderepo.NewApplicationRepository(rt.Store),
		nodeapp.WithNotifier(rt.Hub),
		nodeapp.WithPendingCounter(rt.Ledger),
		nodeapp.WithMaxAttempts(cfg.StoreCASMaxAttempts),
		nodeapp.WithLogger(rt.logger.Named("registry")),
	)
	if err != nil {
		return err
	}
	for _, application := range cfg.Applications {
		if err := rt.Registry.RegisterApplication(ctx, application); err != nil {
			return fmt.Errorf("register application %s: %w", application.ID, err)
		}
	}

	rt.Coordinator, err = alertapp.NewCoordinator(rt.Ledger, rt.Registry, rt.logger.Named("coordinator"))
	if err != nil {
		return err
	}
	rt.Supervisor, err = nodeapp.NewSupervisor(rt.Registry, cfg.LivenessWindow,
		nodeapp.WithSweepInterval(cfg.SweepInterval),
		nodeapp.WithSweepConcurrency(cfg.SweepConcurrency),
		nodeapp.WithSupervisorLogger(rt.logger.Named("supervisor")),
	)
	if err != nil {
		return err
	}
	rt.Readings = readings.NewStore(rt.Store)
	return nil
}

func (rt *Runtime) buildArchive(ctx context.Context) error {
	cfg := rt.cfg
	if cfg.RedisAddr != "" {
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rt.redis.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		rt.Endpoints = archive.NewRedisEndpoints(rt.redis)
	} else {
		rt.Endpoints = archive.NewMemoryEndpoints()
	}

	targets := []archive.Target{archive.NewEndpointForwarder(rt.Endpoints, &http.Client{Timeout: 10 * time.Second})}
	if cfg.MobiusURL != "" {
		sensors, err := archive.LoadMobiusSensors(cfg.MobiusSensors)
		if err != nil {
			return err
		}
		mobius, err := archive.NewMobiusForwarder(archive.MobiusConfig{
			URL:        cfg.MobiusURL,
			Originator: cfg.MobiusOrigin,
			Sensors:    sensors,
		}, &http.Client{Timeout: 10 * time.Second})
		if err != nil {
			return err
		}
		targets = append(targets, mobius)
	}
	if cfg.ClickHouseAddr != "" {
		target, err := archive.NewClickHouseTarget(ctx, archive.ClickHouseConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePass,
		})
		if err != nil {
			return err
		}
		rt.clickhouse = target
		targets = append(targets, target)
	}
	rt.Archive = archive.NewDispatcher(targets,
		archive.WithQueueSize(cfg.ArchiveQueueSize),
		archive.WithLogger(rt.logger.Named("archive")),
	)
	return nil
}

// Start launches the archive worker, the liveness sweep and, when configured, the broker subscription.
func (rt *Runtime) Start(ctx context.Context) error {
	if rt == nil {
		return errors.New("app: nil runtime")
	}
	rt.Archive.Start()
	if err := rt.Supervisor.Start(ctx); err != nil {
		return err
	}
	if rt.cfg.MQTTBroker == "" {
		rt.logger.Warnw("no mqtt broker configured, ingress disabled")
		return nil
	}
	subscriber, err := mqtt.NewSubscriber(rt.Processor, rt.cfg.MQTTTopics, rt.logger.Named("mqtt"))
	if err != nil {
		return err
	}
	client, err := mqtt.NewClient(mqtt.ClientConfig{
		Broker:   rt.cfg.MQTTBroker,
		ClientID: rt.cfg.MQTTClientID,
		Username: rt.cfg.MQTTUsername,
		Password: rt.cfg.MQTTPassword,
	}, subscriber.OnConnect, rt.logger.Named("mqtt"))
	if err != nil {
		return err
	}
	rt.subscriber = subscriber
	rt.mqttClient = client
	return nil
}

// Shutdown stops intake first, then lets in-flight work finish before releasing resources.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if rt == nil {
		return nil
	}
	if rt.subscriber != nil {
		rt.subscriber.Stop()
	}
	if rt.mqttClient != nil {
		rt.mqttClient.Close()
	}
	rt.Supervisor.Stop()
	err := rt.Archive.Close(ctx)
	if rt.webhook != nil {
		rt.webhook.Wait()
	}
	rt.closeResources()
	return err
}

func (rt *Runtime) closeResources() {
	if rt.clickhouse != nil {
		if err := rt.clickhouse.Close(); err != nil {
			rt.logger.Warnw("clickhouse close failed", "error", err)
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Warnw("redis close failed", "error", err)
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Warnw("db close failed", "error", err)
		}
	}
}
