package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
)

// KV is the subset of the redis client the cache needs.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Cached decorates a Catalog with a redis read-through cache. Concurrent
// misses for the same lookup share one call to the wrapped catalog; the
// shared call outlives any single caller's cancellation, bounded by the
// lookup timeout. A cache outage degrades to direct lookups.
type Cached struct {
	next    Catalog
	kv      KV
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	group   singleflight.Group
	logger  *zap.Logger
}

// CacheOption configures a Cached catalog
type CacheOption func(*Cached)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) CacheOption {
	return func(c *Cached) { c.prefix = prefix }
}

// WithTTL sets how long lookups stay cached
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cached) { c.ttl = ttl }
}

// WithLookupTimeout bounds a shared call to the wrapped catalog
func WithLookupTimeout(d time.Duration) CacheOption {
	return func(c *Cached) { c.timeout = d }
}

// WithCacheLogger sets the logger
func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *Cached) { c.logger = logger }
}

// NewCached wraps next with a redis cache.
func NewCached(next Catalog, kv KV, opts ...CacheOption) *Cached {
	c := &Cached{
		next:    next,
		kv:      kv,
		prefix:  "rxscan:catalog:",
		ttl:     10 * time.Minute,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// NewRedisClient creates a redis client and checks the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (c *Cached) SearchByName(ctx context.Context, term string, limit int) ([]prescription.Product, error) {
	return c.lookup(ctx, FieldName, term, limit, c.next.SearchByName)
}

func (c *Cached) SearchByActiveIngredient(ctx context.Context, ingredient string, limit int) ([]prescription.Product, error) {
	return c.lookup(ctx, FieldIngredient, ingredient, limit, c.next.SearchByActiveIngredient)
}

func (c *Cached) SearchByTherapeuticGroup(ctx context.Context, group string, limit int) ([]prescription.Product, error) {
	return c.lookup(ctx, FieldGroup, group, limit, c.next.SearchByTherapeuticGroup)
}

func (c *Cached) SearchByIndication(ctx context.Context, keyword string, limit int) ([]prescription.Product, error) {
	return c.lookup(ctx, FieldIndication, keyword, limit, c.next.SearchByIndication)
}

type searchFunc func(ctx context.Context, term string, limit int) ([]prescription.Product, error)

func (c *Cached) lookup(ctx context.Context, field Field, term string, limit int, search searchFunc) ([]prescription.Product, error) {
	key := c.key(field, term, limit)

	data, err := c.kv.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var products []prescription.Product
		if err := json.Unmarshal(data, &products); err == nil {
			return products, nil
		}
		c.logger.Warn("discarding corrupt cache entry", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Debug("catalog cache unavailable", zap.String("key", key), zap.Error(err))
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		products, err := search(shared, term, limit)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(products); err == nil {
			if err := c.kv.Set(shared, key, data, c.jitter()).Err(); err != nil {
				c.logger.Debug("catalog cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
		return products, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		products, _ := res.Val.([]prescription.Product)
		return products, nil
	}
}

func (c *Cached) key(field Field, term string, limit int) string {
	return fmt.Sprintf("%s%s:%d:%s", c.prefix, field, limit, strings.ToLower(strings.TrimSpace(term)))
}

// jitter spreads expiry by +/-10% so entries written together do not expire
// together.
func (c *Cached) jitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	return c.ttl + time.Duration(float64(c.ttl)*0.1*(rand.Float64()*2-1))
}
