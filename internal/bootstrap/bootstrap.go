// Package bootstrap assembles the analysis pipeline and its collaborators from
// configuration. The API, the worker and the CLI all build through here.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxscan/internal/catalog"
	"github.com/drfirst/go-rxscan/internal/collaborator/gemini"
	"github.com/drfirst/go-rxscan/internal/config"
	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/matching"
	"github.com/drfirst/go-rxscan/internal/observability/metrics"
	"github.com/drfirst/go-rxscan/internal/pipeline"
	"github.com/drfirst/go-rxscan/internal/prescription/medname"
	"github.com/drfirst/go-rxscan/internal/prescription/section"
	"github.com/drfirst/go-rxscan/internal/prescription/textnorm"
	"github.com/drfirst/go-rxscan/internal/suggest"
	"github.com/drfirst/go-rxscan/pkg/circuitbreaker"
)

// CorrectionBreaker names the breaker guarding the correction collaborator.
const CorrectionBreaker = "gemini-correction"

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Components is everything a process needs to run analyses.
type Components struct {
	Analyzer *pipeline.Analyzer
	Catalog  catalog.Catalog
	Breakers *circuitbreaker.Manager
	// Redis is nil unless redis is enabled.
	Redis  *redis.Client
	Checks map[string]Check

	closers []func()
}

// Close releases every connection and stops background refreshes, in
// reverse order of creation.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func (c *Components) onClose(fn func()) {
	c.closers = append(c.closers, fn)
}

// Build wires the catalog, taxonomy, collaborators and pipeline. On error
// everything created so far is released.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (_ *Components, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Components{
		Breakers: circuitbreaker.NewManager(logger),
		Checks:   make(map[string]Check),
	}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if cfg.Redis.Enabled {
		rdb, err := catalog.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		c.Redis = rdb
		c.onClose(func() { rdb.Close() })
		c.Checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	if c.Catalog, err = buildCatalog(ctx, cfg, c, m, logger); err != nil {
		return nil, err
	}

	taxonomy, err := buildTaxonomy(cfg.Matching.TaxonomyFile)
	if err != nil {
		return nil, err
	}

	engine := matching.NewEngine(c.Catalog,
		matching.WithTaxonomy(taxonomy),
		matching.WithLimit(cfg.Matching.Limit),
		matching.WithFetchLimit(cfg.Matching.FetchLimit),
		matching.WithConcurrency(cfg.Matching.Concurrency),
		matching.WithLogger(logger.Named("matching")),
		matching.WithMetrics(m),
	)

	opts := []pipeline.Option{
		pipeline.WithNormalizer(textnorm.New(textnorm.WithVocabulary(cfg.Normalizer.ExtraVocabulary))),
		pipeline.WithSegmenter(section.NewSegmenter(section.WithNameFixes(cfg.Normalizer.NameFixes))),
		pipeline.WithParser(medname.NewParser(medname.WithNameFixes(cfg.Normalizer.NameFixes))),
		pipeline.WithFormatter(suggest.NewFormatter(suggest.WithExplanation(cfg.Matching.Explain))),
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithMetrics(m),
	}

	if cfg.Gemini.APIKey != "" {
		collab, err := gemini.New(ctx, gemini.Config{
			APIKey:     cfg.Gemini.APIKey,
			Model:      cfg.Gemini.Model,
			MaxRetries: cfg.Gemini.MaxRetries,
		}, logger.Named("gemini"))
		if err != nil {
			return nil, err
		}
		c.onClose(func() { collab.Close() })
		opts = append(opts, pipeline.WithOCR(collab))

		if cfg.Gemini.CorrectionEnabled {
			breaker, err := c.Breakers.GetOrCreate(CorrectionBreaker, BreakerConfig(cfg.Breaker, m))
			if err != nil {
				return nil, fmt.Errorf("correction breaker: %w", err)
			}
			opts = append(opts,
				pipeline.WithCorrector(collab, breaker),
				pipeline.WithCorrectionTimeout(cfg.Gemini.CorrectionTimeout),
			)
		}
	} else {
		logger.Info("gemini api key not set; image input and correction disabled")
	}

	c.Analyzer = pipeline.New(engine, opts...)
	return c, nil
}

// BreakerConfig builds the correction breaker settings. Quota exhaustion
// opens the breaker immediately; timeouts are not counted.
func BreakerConfig(bc config.BreakerConfig, m *metrics.Metrics) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(CorrectionBreaker)
	if bc.FailureThreshold > 0 {
		cfg.FailureThreshold = bc.FailureThreshold
	}
	if bc.Timeout > 0 {
		cfg.Timeout = bc.Timeout
	}
	if bc.MaxRequests > 0 {
		cfg.MaxRequests = bc.MaxRequests
	}
	cfg.TripOn = func(err error) bool {
		return errors.Is(err, prescription.ErrQuotaExhausted)
	}
	cfg.IgnoreErr = pipeline.CorrectionTimedOut
	cfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Value())
	}
	return cfg
}

// buildCatalog picks the catalog backend:
//   - catalog.file: in-memory snapshot of a JSON file
//   - database.url with a refresh interval: in-memory snapshot reloaded from Postgres
//   - database.url without one: live Postgres queries, cached in Redis when enabled
func buildCatalog(ctx context.Context, cfg *config.Config, c *Components, m *metrics.Metrics, logger *zap.Logger) (catalog.Catalog, error) {
	if cfg.Database.URL == "" {
		mem, err := catalog.LoadFile(cfg.Catalog.File)
		if err != nil {
			return nil, err
		}
		m.SetCatalogSize(mem.Len())
		logger.Info("catalog loaded from file",
			zap.String("file", cfg.Catalog.File),
			zap.Int("products", mem.Len()),
		)
		c.Checks["catalog"] = snapshotCheck(mem)
		return mem, nil
	}

	pool, err := catalog.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	c.onClose(pool.Close)
	c.Checks["postgres"] = pingCheck(pool)
	pg := catalog.NewPostgres(pool, logger.Named("catalog"))

	if cfg.Catalog.RefreshInterval > 0 {
		mem := catalog.NewMemory(nil)
		refresher := catalog.NewRefresher(pg, mem, cfg.Catalog.RefreshInterval, m, logger.Named("catalog"))
		if err := refresher.Start(ctx); err != nil {
			return nil, err
		}
		c.onClose(refresher.Stop)
		c.Checks["catalog"] = refreshCheck(refresher, mem, 3*cfg.Catalog.RefreshInterval)
		return mem, nil
	}

	if c.Redis != nil {
		opts := []catalog.CacheOption{catalog.WithCacheLogger(logger.Named("catalog-cache"))}
		if cfg.Redis.TTL > 0 {
			opts = append(opts, catalog.WithTTL(cfg.Redis.TTL))
		}
		return catalog.NewCached(pg, c.Redis, opts...), nil
	}
	return pg, nil
}

func buildTaxonomy(path string) (*matching.Taxonomy, error) {
	taxonomy := matching.DefaultTaxonomy()
	if path == "" {
		return taxonomy, nil
	}
	extra, err := matching.LoadTaxonomyFile(path)
	if err != nil {
		return nil, err
	}
	taxonomy.Merge(extra.Groups...)
	return taxonomy, nil
}

func snapshotCheck(mem *catalog.Memory) Check {
	return func(context.Context) error {
		if mem.Len() == 0 {
			return errors.New("catalog snapshot is empty")
		}
		return nil
	}
}

// refreshCheck fails when the snapshot is empty or has not been reloaded
// within maxAge.
func refreshCheck(r *catalog.Refresher, mem *catalog.Memory, maxAge time.Duration) Check {
	empty := snapshotCheck(mem)
	return func(ctx context.Context) error {
		if err := empty(ctx); err != nil {
			return err
		}
		last := r.LastLoad()
		if last.IsZero() {
			return errors.New("catalog snapshot never loaded")
		}
		if age := time.Since(last); age > maxAge {
			return fmt.Errorf("catalog snapshot is stale: last loaded %s ago", age.Round(time.Second))
		}
		return nil
	}
}

func pingCheck(pool *pgxpool.Pool) Check {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return pool.Ping(ctx)
	}
}
