package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kestrel-ci/kestrel/internal/api"
	"github.com/kestrel-ci/kestrel/internal/archive"
	"github.com/kestrel-ci/kestrel/internal/bus"
	"github.com/kestrel-ci/kestrel/internal/config"
	"github.com/kestrel-ci/kestrel/internal/groups"
	"github.com/kestrel-ci/kestrel/internal/logging"
	"github.com/kestrel-ci/kestrel/internal/metrics"
	"github.com/kestrel-ci/kestrel/internal/notify"
	"github.com/kestrel-ci/kestrel/internal/queue"
	"github.com/kestrel-ci/kestrel/internal/run"
	"github.com/kestrel-ci/kestrel/internal/secrets"
	"github.com/kestrel-ci/kestrel/internal/source"
	"github.com/kestrel-ci/kestrel/internal/store"
	"github.com/kestrel-ci/kestrel/internal/telemetry"
)

func main() {
	logger := logging.C("cmd.kestreld")
	configPath := flag.String("config", "", "path to config.toml (default: ./config.toml, ./config/config.toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	logging.Configure(cfg.Log.Level, cfg.Log.Format)

	metrics.Register()

	otelShutdown, err := telemetry.SetupTracing(context.Background(), "kestreld",
		cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.Insecure)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize OpenTelemetry")
	}
	sentryFlush, err := telemetry.SetupSentry(cfg.Telemetry.SentryDSN)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize Sentry")
	}
	defer sentryFlush()

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.WithError(err).Fatal("failed to open database")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	triggers := queue.New(rdb, "")
	if err := triggers.Ping(context.Background()); err != nil {
		logger.WithError(err).WithField("addr", cfg.Redis.Addr).Fatal("failed to reach redis")
	}

	var registry run.Groups
	if cfg.Etcd.Enabled {
		etcdGroups, err := groups.NewEtcd(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to etcd")
		}
		defer etcdGroups.Close()
		registry = etcdGroups
	} else {
		logger.Warn("etcd disabled, concurrency groups are process local")
		registry = groups.NewMemory()
	}

	kafkaPub, err := bus.NewKafkaPublisher(cfg.Kafka.Brokers)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect kafka publisher")
	}
	topics := bus.Topics{
		Invocations:   cfg.Kafka.TopicInvocations,
		Cancellations: cfg.Kafka.TopicCancellations,
		Status:        cfg.Kafka.TopicStatus,
	}
	publisher := bus.NewPublisher(kafkaPub, topics)
	defer publisher.Close()

	kafkaSub, err := bus.NewKafkaSubscriber(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect kafka subscriber")
	}

	provider, err := secrets.NewProvider(secrets.Config{
		Enabled: cfg.Vault.Enabled,
		Address: cfg.Vault.Addr,
		Token:   cfg.Vault.Token,
		Mount:   cfg.Vault.Mount,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize secrets provider")
	}

	deps := run.Deps{
		Store:    db,
		Groups:   registry,
		Bus:      publisher,
		Sources:  source.NewRepoLoader(cfg.App.SourceCache, provider),
		Notifier: notify.NewStatusReporter(provider, cfg.App.BaseURL, cfg.GitHub.APIBase),
	}

	var events *archive.Mongo
	var trail api.EventTrail
	if cfg.Mongo.Enabled {
		events, err = archive.Connect(context.Background(), cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect event archive")
		}
		deps.Archive = events
		trail = events
	}

	coordinator, err := run.NewCoordinator(deps)
	if err != nil {
		logger.WithError(err).Fatal("failed to build run coordinator")
	}

	statusRouter, err := bus.NewStatusRouter(kafkaSub, topics.Status, coordinator.ApplyStatus)
	if err != nil {
		logger.WithError(err).Fatal("failed to build status router")
	}

	server := api.NewServer(db, triggers, coordinator, provider, trail)
	httpServer := &http.Server{Addr: cfg.App.HTTPAddr, Handler: server.Router()}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", otelhttp.NewHandler(promhttp.Handler(), "kestreld.metrics"))
	metricsServer := &http.Server{Addr: cfg.App.MetricsAddr, Handler: metricsMux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := queue.NewWorker(triggers, coordinator)
	go worker.Run(ctx)
	go coordinator.RunSweeper(ctx, cfg.App.SweepInterval)

	serverErrCh := make(chan error, 3)
	go func() {
		logger.WithField("addr", cfg.App.HTTPAddr).Info("starting kestrel http server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("http server failed: %w", err)
		}
	}()
	go func() {
		logger.WithField("addr", cfg.App.MetricsAddr).Info("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("metrics server failed: %w", err)
		}
	}()
	go func() {
		logger.Info("starting status callback router")
		if err := statusRouter.Run(ctx); err != nil {
			serverErrCh <- fmt.Errorf("status router failed: %w", err)
		}
	}()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErrCh:
		logger.WithError(err).Error("server exited unexpectedly")
		telemetry.CaptureError(err)
	}

	logger.Info("shutting down kestreld")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http server shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics server shutdown error")
	}
	if err := statusRouter.Close(); err != nil {
		logger.WithError(err).Warn("status router close error")
	}
	if events != nil {
		if err := events.Close(shutdownCtx); err != nil {
			logger.WithError(err).Warn("event archive close error")
		}
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("OpenTelemetry shutdown error")
	}
}
