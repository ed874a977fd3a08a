package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sornon/member-sub002/internal/checkpoint"
	"github.com/sornon/member-sub002/internal/config"
	"github.com/sornon/member-sub002/internal/docstore"
	"github.com/sornon/member-sub002/internal/docstore/memory"
	"github.com/sornon/member-sub002/internal/docstore/mongo"
	"github.com/sornon/member-sub002/internal/logging"
	"github.com/sornon/member-sub002/internal/metadata"
	"github.com/sornon/member-sub002/internal/metadata/oxia"
	"github.com/sornon/member-sub002/internal/metadata/redis"
	"github.com/sornon/member-sub002/internal/metrics"
	"github.com/sornon/member-sub002/internal/notify"
	"github.com/sornon/member-sub002/internal/notify/kafka"
	"github.com/sornon/member-sub002/internal/objectstore"
	"github.com/sornon/member-sub002/internal/objectstore/s3"
	"github.com/sornon/member-sub002/internal/profile"
	"github.com/sornon/member-sub002/internal/reconcile"
	"github.com/sornon/member-sub002/internal/registry"
	"github.com/sornon/member-sub002/internal/report"
	"github.com/sornon/member-sub002/internal/server"
)

// Service holds every wired component of one process.
type Service struct {
	Config      *config.Config
	Logger      *logging.Logger
	Registry    *registry.Registry
	Docs        docstore.Store
	Meta        metadata.MetadataStore
	Checkpoints *checkpoint.Store
	Objects     objectstore.Store
	Archiver    *report.Archiver
	Publisher   *kafka.Publisher
	Engine      *reconcile.Engine

	closers []func(context.Context) error
}

// NewService connects the configured backends and builds the engine.
// Metrics are registered on reg. On error, whatever was already opened is
// closed.
func NewService(ctx context.Context, cfg *config.Config, logger *logging.Logger, reg prometheus.Registerer) (_ *Service, err error) {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Service{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			s.Close(context.Background())
		}
	}()

	if s.Registry, err = loadRegistry(cfg.RegistryPath); err != nil {
		return nil, err
	}
	if err = s.openDocstore(ctx, reg); err != nil {
		return nil, err
	}
	if err = s.openMetadata(ctx, reg); err != nil {
		return nil, err
	}
	s.Checkpoints = checkpoint.NewStore(s.Meta)
	if err = s.openReports(ctx, reg); err != nil {
		return nil, err
	}

	var notifiers notify.Multi
	if cfg.Notify.CounterVersions {
		notifiers = append(notifiers, notify.NewStoreNotifier(s.Docs, cfg.Notify.CounterCollection))
	}
	if len(cfg.Notify.KafkaBrokers) > 0 {
		s.Publisher, err = kafka.New(kafka.Config{
			Brokers: cfg.Notify.KafkaBrokers,
			Topic:   cfg.Notify.KafkaTopic,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error {
			s.Publisher.Close()
			return nil
		})
		notifiers = append(notifiers, s.Publisher)
	}

	opts := []reconcile.Option{
		reconcile.WithConfig(engineConfig(cfg)),
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(metrics.NewEngineMetricsWithRegistry(reg)),
		reconcile.WithRefresher(profile.NewRefresher(s.Docs, profile.Config{
			Members:  s.Registry.Members(),
			PageSize: cfg.Engine.ScanPageSize,
		})),
	}
	if len(notifiers) > 0 {
		opts = append(opts, reconcile.WithNotifier(notifiers))
	}
	if s.Archiver != nil {
		opts = append(opts, reconcile.WithSink(s.Archiver))
	}
	s.Engine = reconcile.New(s.Docs, s.Registry, opts...)
	return s, nil
}

func loadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.Default(), nil
	}
	return registry.Load(path)
}

func engineConfig(cfg *config.Config) reconcile.Config {
	return reconcile.Config{
		Concurrency:        cfg.Engine.Concurrency,
		BatchSize:          cfg.Engine.BatchSize,
		RemoveBatchCap:     cfg.Engine.RemoveBatchCap,
		ScanPageSize:       cfg.Engine.ScanPageSize,
		Probe:              reconcile.ProbeMode(strings.ToLower(cfg.Engine.Probe)),
		SweepBatchSize:     cfg.Sweep.BatchSize,
		SweepMaxDurationMs: cfg.Sweep.MaxDurationMs,
	}
}

func (s *Service) openDocstore(ctx context.Context, reg prometheus.Registerer) error {
	cfg := s.Config.Docstore
	var store docstore.Store
	switch strings.ToLower(cfg.Backend) {
	case "memory":
		store = memory.New()
	case "mongo":
		m, err := mongo.New(ctx, mongo.Config{
			URI:            cfg.URI,
			Database:       cfg.Database,
			ConnectTimeout: time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return fmt.Errorf("connect docstore: %w", err)
		}
		store = m
	default:
		return fmt.Errorf("unknown docstore backend %q", cfg.Backend)
	}
	s.closers = append(s.closers, store.Close)
	s.Docs = docstore.NewInstrumentedStore(store, metrics.NewDocstoreMetricsWithRegistry(reg))
	s.Logger.Infof("docstore ready", map[string]any{"backend": cfg.Backend, "database": cfg.Database})
	return nil
}

func (s *Service) openMetadata(ctx context.Context, reg prometheus.Registerer) error {
	cfg := s.Config.Checkpoint
	var store metadata.MetadataStore
	switch strings.ToLower(cfg.Backend) {
	case "memory":
		store = metadata.NewMockStore()
	case "oxia":
		o, err := oxia.New(ctx, oxia.Config{ServiceAddress: cfg.OxiaEndpoint, Namespace: cfg.OxiaNamespace})
		if err != nil {
			return fmt.Errorf("connect oxia: %w", err)
		}
		store = o
	case "redis":
		r, err := redis.New(ctx, redis.Config{URL: cfg.RedisURL, Prefix: cfg.RedisKeyPrefix})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		store = r
	default:
		return fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
	s.closers = append(s.closers, func(context.Context) error { return store.Close() })
	s.Meta = metadata.NewInstrumentedStore(store, metrics.NewMetadataMetricsWithRegistry(reg))
	s.Logger.Infof("checkpoint store ready", map[string]any{"backend": cfg.Backend})
	return nil
}

func (s *Service) openReports(ctx context.Context, reg prometheus.Registerer) error {
	cfg := s.Config.Reports
	if !cfg.Enabled {
		return nil
	}
	bucket, prefix, err := objectstore.ParseURL(cfg.URL)
	if err != nil {
		return fmt.Errorf("reports url: %w", err)
	}
	format, err := report.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}
	compression, err := report.ParseCompression(cfg.Compression)
	if err != nil {
		return err
	}
	store, err := s3.New(ctx, s3.Config{
		Bucket:          bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKey,
		SecretAccessKey: cfg.SecretKey,
		UsePathStyle:    cfg.UsePathStyle,
	})
	if err != nil {
		return fmt.Errorf("open report bucket: %w", err)
	}
	s.closers = append(s.closers, func(context.Context) error { return store.Close() })
	if cfg.CreateBucket {
		if err := store.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("create report bucket: %w", err)
		}
	}
	s.Objects = objectstore.NewInstrumentedStore(store, metrics.NewObjectStoreMetricsWithRegistry(reg))
	s.Archiver = report.NewArchiver(s.Objects, s.Meta, report.Config{
		Prefix:      prefix,
		Format:      format,
		Compression: compression,
		Retention:   time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}, s.Logger)
	s.Logger.Infof("report archive ready", map[string]any{
		"bucket":      bucket,
		"prefix":      prefix,
		"format":      format,
		"compression": compression,
	})
	return nil
}

// ReadinessChecks returns one check per external dependency.
func (s *Service) ReadinessChecks() []server.ReadinessChecker {
	checks := []server.ReadinessChecker{
		server.NewFuncChecker("docstore", s.Engine.Ready),
		server.NewMetadataStoreChecker(s.Meta),
	}
	if s.Objects != nil {
		checks = append(checks, server.NewObjectStoreChecker(s.Objects))
	}
	if s.Publisher != nil {
		checks = append(checks, server.NewFuncChecker("kafka", s.Publisher.Ping))
	}
	return checks
}

// Close releases every backend in reverse open order.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
