package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	httpapi "clearbook/internal/http"
	"clearbook/internal/integrity/certificate"
	"clearbook/internal/integrity/engine"
	integritymetrics "clearbook/internal/integrity/metrics"
	"clearbook/internal/integrity/signing"
	"clearbook/internal/platform/config"
	"clearbook/internal/platform/httpserver"
	"clearbook/internal/platform/kafka"
	"clearbook/internal/platform/logger"
	httpmetrics "clearbook/internal/platform/metrics"
	"clearbook/internal/platform/redis"
	"clearbook/internal/ratelimit"
	recordhandler "clearbook/internal/records/handler"
	recordservice "clearbook/internal/records/service"
	"clearbook/internal/records/statuscache"
	"clearbook/internal/records/store"
	verificationhandler "clearbook/internal/verification/handler"
	verificationservice "clearbook/internal/verification/service"
	audit "clearbook/pkg/platform/audit"
	"clearbook/pkg/platform/audit/publisher"
	auditmemory "clearbook/pkg/platform/audit/store/memory"
	"clearbook/pkg/platform/middleware/admin"
)

// recordStore is satisfied by both the in-memory and the Postgres store.
type recordStore interface {
	recordservice.Store
	verificationservice.SignatureStore
	verificationservice.AuditStore
}

type statusCache interface {
	recordservice.StatusCache
	verificationservice.StatusCache
}

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	if err := run(); err != nil {
		slog.Error("clearbook stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := map[string]httpapi.HealthCheck{}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		health["postgres"] = db.PingContext
	}

	records, err := openRecordStore(ctx, db)
	if err != nil {
		return err
	}

	keyStore := signing.KeyStore(signing.NewFileKeyStore(cfg.Signing.KeyDir))
	if cfg.Signing.Backend == config.KeyStorePostgres {
		keyStore = signing.NewPostgresKeyStore(db, cfg.Signing.KeyName)
	}
	signer, err := signing.Open(ctx, keyStore,
		signing.WithAlgorithm(cfg.Signing.Algorithm),
		signing.WithRSABits(cfg.Signing.RSABits),
		signing.WithLogger(log),
	)
	if err != nil {
		var kerr *signing.KeyInitializationError
		if errors.As(err, &kerr) {
			return fmt.Errorf("signing key unusable, refusing to start: %w", err)
		}
		return err
	}
	log.Info("signing key loaded", "key_id", signer.KeyID(), "algorithm", signer.Algorithm())

	var cache statusCache = statuscache.NewInMemory()
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		cache = statuscache.NewRedis(redisClient.Client, cfg.Redis.StatusTTL)
		health["redis"] = redisClient.Health
	}

	var events audit.Store = auditmemory.NewInMemoryStore()
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := kafka.NewSink(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer sink.Close()
		if err := sink.EnsureTopic(ctx, 3, 1); err != nil {
			log.Warn("could not ensure audit topic", "topic", cfg.Kafka.Topic, "error", err)
		}
		events = sink
		health["kafka"] = sink.Health
	}
	auditPublisher := publisher.NewPublisher(events,
		publisher.WithAsyncBuffer(cfg.Verifier.AuditBuffer),
		publisher.WithLogger(log),
	)
	defer auditPublisher.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	verifier := verificationservice.New(records, records, records, signer,
		verificationservice.WithEngine(engine.New(engine.WithWorkers(cfg.Verifier.BatchWorkers), engine.WithLogger(log))),
		verificationservice.WithIssuer(certificate.NewIssuer(certificate.WithValidity(cfg.Verifier.CertificateValidity))),
		verificationservice.WithMaxBatch(cfg.Verifier.BatchMax),
		verificationservice.WithStatusCache(cache),
		verificationservice.WithAuditPublisher(auditPublisher),
		verificationservice.WithMetrics(integritymetrics.NewWith(reg)),
		verificationservice.WithLogger(log),
	)
	writer := recordservice.New(records, signer,
		recordservice.WithStatusCache(cache),
		recordservice.WithAuditPublisher(auditPublisher),
		recordservice.WithLogger(log),
	)

	buckets := ratelimit.NewInMemoryBucketStore()
	router := httpapi.NewRouter(httpapi.Config{
		Logger:       log,
		Gatherer:     reg,
		Metrics:      httpmetrics.New(reg),
		HealthChecks: health,
		Handlers: []httpapi.Registrar{
			verificationhandler.New(verifier, log, verificationhandler.WithRateLimits(
				ratelimit.Limit(buckets, "verify", cfg.Verifier.VerifyRateLimit, time.Minute, log),
				ratelimit.Limit(buckets, "batch", cfg.Verifier.BatchRateLimit, time.Minute, log),
			)),
			recordhandler.New(writer, log, admin.RequireAdminToken(cfg.AdminToken, log)),
		},
	})
	srv := httpserver.New(cfg.Addr, router)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting clearbook", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func openRecordStore(ctx context.Context, db *sql.DB) (recordStore, error) {
	if db == nil {
		slog.Warn("no database configured, records are kept in memory")
		return store.NewInMemoryStore(), nil
	}
	pg := store.NewPostgres(db)
	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pg.Migrate(migrateCtx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return pg, nil
}
