// Package insights publishes run summaries for dashboards: the latest
// summary per tenant in Redis and the full run history in Elasticsearch.
package insights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "segmentation-workers/internal/common/errors"
	"segmentation-workers/internal/models"
)

const DefaultKeyPrefix = "segments:summary:"

// RedisPublisher keeps the latest summary of every tenant under
// <prefix><tenantId>.
type RedisPublisher struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisPublisher(client redis.Cmdable, prefix string, ttl time.Duration) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix, ttl: ttl}
}

func (p *RedisPublisher) Key(tenantID string) string {
	return p.prefix + tenantID
}

func (p *RedisPublisher) Publish(ctx context.Context, summary models.RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return apperrors.NewSummaryPublishFailedError("redis", err)
	}
	if err := p.client.Set(ctx, p.Key(summary.TenantID), data, p.ttl).Err(); err != nil {
		return apperrors.NewSummaryPublishFailedError("redis", err)
	}
	return nil
}

// Latest returns the cached summary of the most recent run of a tenant.
func (p *RedisPublisher) Latest(ctx context.Context, tenantID string) (*models.RunSummary, error) {
	data, err := p.client.Get(ctx, p.Key(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NewResourceNotFoundError("segment summary", "tenantId: "+tenantID)
	}
	if err != nil {
		return nil, apperrors.NewDataAccessError("fetch_summary", err)
	}

	var summary models.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("decode summary: %w", err))
	}
	return &summary, nil
}
