package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/trust/internal/metrics"
	"github.com/ssdp-platform/trust/trust/internal/models"
)

// DefaultOwnershipCacheTTL bounds how long an ownership answer is reused.
const DefaultOwnershipCacheTTL = 5 * time.Minute

// CachedOwnershipOracle caches another oracle's answers in Redis. Redis
// failures fall through to the wrapped oracle.
type CachedOwnershipOracle struct {
	next   OwnershipOracle
	client redis.UniversalClient
	ttl    time.Duration
	logger *logging.Logger
}

func NewCachedOwnershipOracle(next OwnershipOracle, client redis.UniversalClient, ttl time.Duration, logger *logging.Logger) *CachedOwnershipOracle {
	if ttl <= 0 {
		ttl = DefaultOwnershipCacheTTL
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &CachedOwnershipOracle{next: next, client: client, ttl: ttl, logger: logger}
}

func (c *CachedOwnershipOracle) Owns(ctx context.Context, userID string, resourceType models.ResourceType, resourceID string) (bool, error) {
	key := ownershipKey(userID, resourceType, resourceID)

	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		metrics.OwnershipCacheResults.WithLabelValues("hit").Inc()
		return val == "1", nil
	case errors.Is(err, redis.Nil):
		metrics.OwnershipCacheResults.WithLabelValues("miss").Inc()
	default:
		metrics.OwnershipCacheResults.WithLabelValues("error").Inc()
		c.logger.WarnContext(ctx, "ownership cache read failed", logging.Error(err))
	}

	owns, err := c.next.Owns(ctx, userID, resourceType, resourceID)
	if err != nil {
		return false, err
	}

	val = "0"
	if owns {
		val = "1"
	}
	if err := c.client.Set(ctx, key, val, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "ownership cache write failed", logging.Error(err))
	}
	return owns, nil
}

// Invalidate drops a cached answer, for use after ownership changes.
func (c *CachedOwnershipOracle) Invalidate(ctx context.Context, userID string, resourceType models.ResourceType, resourceID string) error {
	if err := c.client.Del(ctx, ownershipKey(userID, resourceType, resourceID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate ownership cache: %w", err)
	}
	return nil
}

// ownershipKey length-prefixes each part so ids containing ':' cannot collide.
func ownershipKey(userID string, resourceType models.ResourceType, resourceID string) string {
	return fmt.Sprintf("ownership:%d:%s:%d:%s:%d:%s",
		len(userID), userID, len(resourceType), resourceType, len(resourceID), resourceID)
}
