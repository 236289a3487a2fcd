package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"contactgraph/internal/cache"
	"contactgraph/internal/config"
	"contactgraph/internal/database"
	"contactgraph/internal/events"
	"contactgraph/internal/logger"
	"contactgraph/internal/metrics"
	"contactgraph/internal/service"
	"contactgraph/internal/store"
)

// app owns every long-lived resource of the process. Resources are acquired in
// newApp and released in Close.
type app struct {
	cfg       *config.Config
	log       *logrus.Logger
	db        *database.DB
	redis     *redis.Client
	publisher *events.Publisher
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	service   *service.ReconciliationService
}

func loadConfig(opts *RootOptions) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.EnvDir)
	if err != nil {
		return nil, nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	return cfg, logger.New(cfg.Log.Level, cfg.Log.Format), nil
}

// newApp wires the service. When withIntegrations is false the Redis cache
// and Kafka publisher are left out, which is what one-shot commands want.
func newApp(ctx context.Context, opts *RootOptions, withIntegrations bool) (*app, error) {
	cfg, log, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}

	a.db, err = database.New(cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	a.db.OnRetry = a.metrics.IncTxRetry

	svcOpts := service.Options{Logger: log, Recorder: a.metrics}

	if withIntegrations {
		a.redis, err = cache.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		if a.redis != nil {
			svcOpts.Cache = cache.NewViewCache(a.redis, cfg.Redis.ViewTTL)
			log.Info("Redis view cache enabled")
		}

		if len(cfg.Kafka.Brokers) > 0 {
			a.publisher = events.NewPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), log)
			svcOpts.Publisher = a.publisher
			log.WithField("topic", cfg.Kafka.Topic).Info("Kafka event publishing enabled")
		}
	}

	a.service = service.NewReconciliationService(store.NewTxRunner(a.db, nil), svcOpts)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.WithError(err).Warn("failed to close kafka writer")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("failed to close redis client")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("failed to close database")
		}
	}
}
