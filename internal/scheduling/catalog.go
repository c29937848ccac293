package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tinyteams/booking-agent/pkg/logging"
)

const defaultCatalogTTL = 10 * time.Minute

// CatalogProvider is the subset of the provider client the catalog needs.
type CatalogProvider interface {
	ListProfessionals(ctx context.Context) ([]Professional, error)
	ListServices(ctx context.Context) ([]Service, error)
}

// Catalog caches the provider's professional and service lists in Redis so
// the resolver does not refetch the catalog on every turn.
type Catalog struct {
	provider CatalogProvider
	redis    *redis.Client
	ttl      time.Duration
	logger   *logging.Logger
}

// NewCatalog wraps a provider client with a Redis-backed cache.
// A nil redis client disables caching and passes calls straight through.
func NewCatalog(provider CatalogProvider, rdb *redis.Client, ttl time.Duration, logger *logging.Logger) *Catalog {
	if ttl <= 0 {
		ttl = defaultCatalogTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Catalog{provider: provider, redis: rdb, ttl: ttl, logger: logger}
}

// Professionals returns the cached professional catalog, fetching on miss.
func (c *Catalog) Professionals(ctx context.Context) ([]Professional, error) {
	var cached []Professional
	if c.loadCached(ctx, catalogKey("professionals"), &cached) && len(cached) > 0 {
		return cached, nil
	}

	professionals, err := c.provider.ListProfessionals(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduling: professional catalog fetch: %w", err)
	}
	c.storeCached(ctx, catalogKey("professionals"), professionals)
	return professionals, nil
}

// Services returns the cached service catalog, fetching on miss.
func (c *Catalog) Services(ctx context.Context) ([]Service, error) {
	var cached []Service
	if c.loadCached(ctx, catalogKey("services"), &cached) && len(cached) > 0 {
		return cached, nil
	}

	services, err := c.provider.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduling: service catalog fetch: %w", err)
	}
	c.storeCached(ctx, catalogKey("services"), services)
	return services, nil
}

// ServiceByID returns a single service from the catalog, or nil when absent.
func (c *Catalog) ServiceByID(ctx context.Context, id string) (*Service, error) {
	services, err := c.Services(ctx)
	if err != nil {
		return nil, err
	}
	for i := range services {
		if services[i].ID == id {
			return &services[i], nil
		}
	}
	return nil, nil
}

// Invalidate drops both cached lists. Used after provider-side catalog edits.
func (c *Catalog) Invalidate(ctx context.Context) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, catalogKey("professionals"), catalogKey("services")).Err(); err != nil {
		c.logger.Warn("catalog invalidation failed", "error", err)
	}
}

func (c *Catalog) loadCached(ctx context.Context, key string, out any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("catalog cache read failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("catalog cache entry corrupted", "key", key, "error", err)
		return false
	}
	return true
}

func (c *Catalog) storeCached(ctx context.Context, key string, value any) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("catalog cache write failed", "key", key, "error", err)
	}
}

func catalogKey(kind string) string {
	return fmt.Sprintf("catalog:%s", kind)
}
