package main

import (
	"context"
	"errors"
	"fmt"

	"tiss-claims-backend/internal/config"
	"tiss-claims-backend/internal/dispatch"
	"tiss-claims-backend/internal/middleware"
	"tiss-claims-backend/internal/objectstore"
	"tiss-claims-backend/internal/repository"
	"tiss-claims-backend/internal/routes"
	"tiss-claims-backend/internal/services/ledger"
	"tiss-claims-backend/internal/services/lifecycle"
	"tiss-claims-backend/internal/services/reconciliation"
	"tiss-claims-backend/internal/services/returns"
	"tiss-claims-backend/internal/services/risk"
	"tiss-claims-backend/internal/services/timeline"
	"tiss-claims-backend/internal/services/validation"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const devObjectsPrefix = "/dev/objects"

// app holds the wired services shared by the serve and worker commands.
type app struct {
	cfg *config.Config
	log *logrus.Logger
	db  *gorm.DB

	outbox   repository.OutboxRepository
	services routes.Services
	pubsub   *pubsub.Client
	// devObjects is set when return files are kept in memory; serve exposes
	// its signed URLs under devObjectsPrefix.
	devObjects *objectstore.Memory

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	db, err := config.InitDB(cfg, log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, db: db}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, func() { _ = sqlDB.Close() })
	}
	if err := repository.Migrate(ctx, db); err != nil {
		a.Close()
		return nil, err
	}

	var locker lifecycle.Locker
	rdb, lockClient, err := config.InitRedis(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if lockClient != nil {
		locker = lifecycle.NewRedisLocker(lockClient)
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		log.WithField("address", cfg.RedisAddress).Info("batch transitions locked through redis")
	} else {
		log.Warn("REDIS_ADDRESS not set, batch transitions are not locked across instances")
	}
	if !cfg.PushAuthEnabled() {
		log.Warn("push authentication not configured, the Pub/Sub push endpoint only works in development")
	}

	store, err := a.objectStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	batches := repository.NewBatchRepository(db)
	guides := repository.NewGuideRepository(db)
	returnRepo := repository.NewReturnRepository(db)
	a.outbox = repository.NewOutboxRepository(db)

	rules := validation.Rules{}
	tl := timeline.New(repository.NewEventRepository(db), log)
	ldg := ledger.New(repository.NewImportErrorRepository(db), batches, tl)
	lc := lifecycle.NewManager(batches, guides, rules, locker, tl, log)

	kb := risk.NewKnowledgeBase(risk.DefaultPatterns())
	if n, err := kb.LoadHistorical(ctx, guides); err != nil {
		config.LogError(log, "main", "newApp", "load historical denial rates", nil, err)
	} else {
		log.WithField("patterns", n).Info("historical denial rates loaded")
	}

	a.services = routes.Services{
		Lifecycle:       lc,
		Pipeline:        returns.NewPipeline(batches, returnRepo, a.outbox, store, ldg, tl, cfg, log),
		Worker:          returns.NewWorker(returnRepo, store, reconciliation.NewService(guides, log), ldg, lc, tl, cfg, log),
		Ledger:          ldg,
		Timeline:        tl,
		Analyzer:        risk.NewAnalyzer(kb, rules),
		RiskParallelism: cfg.RiskParallelism,
		PushAuth: middleware.PushAuthConfig{
			Audience:             cfg.PushAudience,
			ServiceAccount:       cfg.PushServiceAccount,
			Token:                cfg.PushToken,
			AllowUnauthenticated: cfg.IsDev() && !cfg.PushAuthEnabled(),
		},
		Ping: a.ping,
	}
	return a, nil
}

// objectStore falls back to an in-process store in development when no
// bucket is configured.
func (a *app) objectStore(ctx context.Context) (objectstore.Store, error) {
	if a.cfg.GCSBucket == "" {
		if !a.cfg.IsDev() {
			return nil, errors.New("GCS_BUCKET is required outside development")
		}
		a.log.Warn("GCS_BUCKET not set, return files are kept in memory")
		a.devObjects = objectstore.NewServedMemory(a.cfg.BaseURL()+devObjectsPrefix, a.cfg.MaxReturnFileSize)
		return a.devObjects, nil
	}
	gcs, err := objectstore.NewGCS(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	a.closers = append(a.closers, func() { _ = gcs.Close() })
	return gcs, nil
}

// publisher returns the Pub/Sub publisher, or an inline one that runs the
// worker in-process when no project is configured in development.
func (a *app) publisher(ctx context.Context) (dispatch.Publisher, error) {
	if !a.cfg.PubSubEnabled() {
		if !a.cfg.IsDev() {
			return nil, errors.New("PUBSUB_PROJECT_ID is required outside development")
		}
		a.log.Warn("PUBSUB_PROJECT_ID not set, return jobs run inline")
		return dispatch.NewInlinePublisher(a.services.Worker.Process), nil
	}
	client, err := a.pubsubClient(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := config.EnsureTopic(ctx, client, a.cfg.ReturnsTopic); err != nil {
		return nil, fmt.Errorf("ensure topic: %w", err)
	}
	pub := dispatch.NewPubSubPublisher(client)
	a.closers = append(a.closers, pub.Stop)
	return pub, nil
}

func (a *app) pubsubClient(ctx context.Context) (*pubsub.Client, error) {
	if a.pubsub != nil {
		return a.pubsub, nil
	}
	client, err := config.NewPubSubClient(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	a.pubsub = client
	a.closers = append(a.closers, func() { _ = client.Close() })
	return client, nil
}

func (a *app) ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
