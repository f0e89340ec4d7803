// Package bootstrap connects the shop database and the optional insights
// stores, then assembles the segmentation pipeline from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"segmentation-workers/internal/common/camunda"
	"segmentation-workers/internal/common/config"
	"segmentation-workers/internal/common/database"
	apperrors "segmentation-workers/internal/common/errors"
	"segmentation-workers/internal/common/logger"
	"segmentation-workers/internal/insights"
	"segmentation-workers/internal/notify"
	"segmentation-workers/internal/segmentation/labeler"
	"segmentation-workers/internal/segmentation/pipeline"
	"segmentation-workers/internal/store"
)

// Deps holds the open connections of a process. Redis and Elasticsearch are
// nil when their insights target is disabled.
type Deps struct {
	Postgres      *database.PostgresClient
	Redis         *database.RedisClient
	Elasticsearch *database.ElasticsearchClient
	Store         *store.PostgresStore
}

// Connect opens every configured backend, retrying transient failures.
func Connect(ctx context.Context, cfg *config.Config, retry camunda.RetryConfig, log logger.Logger) (*Deps, error) {
	d := &Deps{}
	queryTimeout := config.GetDuration(cfg.Database.Postgres.QueryTimeout)

	err := camunda.Retry(ctx, retry, log, "PostgreSQL connection", func(ctx context.Context) error {
		pg, err := database.NewPostgres(ctx, cfg.Database.Postgres, 10*time.Second)
		if err != nil {
			return err
		}
		d.Postgres = pg
		return nil
	})
	if err != nil {
		return nil, apperrors.NewDatabaseConnectionFailedError(err)
	}
	d.Store = store.NewPostgresStore(d.Postgres.DB, queryTimeout)
	log.Info("PostgreSQL connected successfully", nil)

	if cfg.Insights.Redis.Enabled {
		d.Redis = database.NewRedis(cfg.Database.Redis)
		if err := camunda.Retry(ctx, retry, log, "Redis connection", d.Redis.Ping); err != nil {
			d.Close()
			return nil, err
		}
		log.Info("Redis connected successfully", nil)
	}

	if cfg.Insights.Elasticsearch.Enabled {
		es, err := database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Elasticsearch = es
		if err := camunda.Retry(ctx, retry, log, "Elasticsearch connection", es.Ping); err != nil {
			d.Close()
			return nil, err
		}
		log.Info("Elasticsearch connected successfully", nil)
	}
	return d, nil
}

// Ping checks every open backend.
func (d *Deps) Ping(ctx context.Context) error {
	var errs []error
	if d.Postgres != nil {
		errs = append(errs, d.Postgres.Ping(ctx))
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Ping(ctx))
	}
	if d.Elasticsearch != nil {
		errs = append(errs, d.Elasticsearch.Ping(ctx))
	}
	return errors.Join(errs...)
}

func (d *Deps) Close() {
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.Postgres != nil {
		_ = d.Postgres.Close()
	}
}

// Publishers returns the summary targets enabled in cfg.
func (d *Deps) Publishers(cfg *config.Config) []pipeline.SummaryPublisher {
	if !cfg.Segmentation.PublishSummary {
		return nil
	}
	var pubs []pipeline.SummaryPublisher
	if d.Redis != nil {
		ttl := time.Duration(cfg.Insights.Redis.TTL) * time.Second
		pubs = append(pubs, insights.NewRedisPublisher(d.Redis.Client, cfg.Insights.Redis.KeyPrefix, ttl))
	}
	if d.Elasticsearch != nil {
		pubs = append(pubs, insights.NewElasticPublisher(d.Elasticsearch.Client, cfg.Insights.Elasticsearch.Index))
	}
	return pubs
}

// Dispatcher builds the SES/SNS notifier backed by the customer table.
func (d *Deps) Dispatcher(ctx context.Context, cfg *config.Config, log logger.Logger) (*notify.Dispatcher, error) {
	return notify.NewFromConfig(ctx, cfg.Notifications, d.Store, log)
}

// PipelineOptions carries per-invocation overrides of configuration.
type PipelineOptions struct {
	Notifier pipeline.Notifier
	Tracer   trace.Tracer
	Logger   logger.Logger
}

// Pipeline assembles a pipeline over the store with cfg's labeling settings.
func (d *Deps) Pipeline(cfg *config.Config, opts PipelineOptions) (*pipeline.Pipeline, error) {
	seg := cfg.Segmentation
	p, err := pipeline.New(pipeline.Options{
		Orders:     d.Store,
		Tenants:    d.Store,
		Sink:       d.Store,
		Notifier:   opts.Notifier,
		Publishers: d.Publishers(cfg),
		Labeling: labeler.Options{
			K:       seg.Clusters,
			Seed:    seg.Seed,
			MaxIter: seg.MaxIter,
			NInit:   seg.NInit,
			Tol:     seg.Tolerance,
		},
		Notify: seg.Notify && opts.Notifier != nil,
		Logger: opts.Logger,
		Tracer: opts.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return p, nil
}
