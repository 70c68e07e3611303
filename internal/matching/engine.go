// Package matching resolves parsed medicine entries against the product
// catalog: an exact name lookup first, then an ordered chain of fallback
// strategies.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxscan/internal/catalog"
	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/observability/metrics"
)

const (
	confidenceExact       = 0.95
	confidenceExactDosage = 1.0

	// DefaultLimit is the number of candidates kept per fallback tier.
	DefaultLimit = 5
	// DefaultFetchLimit bounds each catalog query.
	DefaultFetchLimit = 50
	// DefaultConcurrency bounds concurrent exact-name lookups per entry.
	DefaultConcurrency = 4
)

// Engine resolves medicine entries to catalog products.
type Engine struct {
	catalog     catalog.Catalog
	taxonomy    *Taxonomy
	strategies  []Strategy
	limit       int
	fetchLimit  int
	concurrency int
	logger      *zap.Logger
	tracer      trace.Tracer
	metrics     *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithTaxonomy replaces the default therapeutic taxonomy.
func WithTaxonomy(t *Taxonomy) Option {
	return func(e *Engine) { e.taxonomy = t }
}

// WithStrategies replaces the fallback chain.
func WithStrategies(s ...Strategy) Option {
	return func(e *Engine) { e.strategies = s }
}

// WithLimit sets the number of candidates kept per tier.
func WithLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithFetchLimit sets the row limit of each catalog query.
func WithFetchLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.fetchLimit = n
		}
	}
}

// WithConcurrency bounds concurrent exact-name lookups.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records match tiers and catalog failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a matching engine over cat.
func NewEngine(cat catalog.Catalog, opts ...Option) *Engine {
	e := &Engine{
		catalog:     cat,
		limit:       DefaultLimit,
		fetchLimit:  DefaultFetchLimit,
		concurrency: DefaultConcurrency,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("matching"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.taxonomy == nil {
		e.taxonomy = DefaultTaxonomy()
	}
	if e.strategies == nil {
		e.strategies = DefaultStrategies(cat, e.taxonomy, e.fetchLimit)
	}
	return e
}

// Taxonomy returns the taxonomy the engine classifies ingredients with.
func (e *Engine) Taxonomy() *Taxonomy {
	return e.taxonomy
}

// Resolve looks every search term up by name concurrently and returns the
// first exact hit in term order. A product is an exact hit when its name or
// brand equals the term once strengths are removed and its strength does not
// contradict the entry's. Resolve returns (nil, nil) when nothing matched and
// an error wrapping prescription.ErrCatalogUnavailable when nothing matched
// and at least one lookup failed.
func (e *Engine) Resolve(ctx context.Context, entry prescription.MedicineEntry, terms []string) (*prescription.ProductMatch, error) {
	ctx, span := e.tracer.Start(ctx, "matching.resolve",
		trace.WithAttributes(
			attribute.String("entry", entry.DisplayName()),
			attribute.Int("terms", len(terms)),
		),
	)
	defer span.End()

	results := make([][]prescription.Product, len(terms))
	failures := make([]error, len(terms))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, term := range terms {
		g.Go(func() error {
			products, err := e.catalog.SearchByName(gctx, term, e.fetchLimit)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				failures[i] = fmt.Errorf("search %q: %w", term, err)
				return nil
			}
			results[i] = products
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for i, term := range terms {
		if match := e.exactHit(entry, term, results[i]); match != nil {
			span.SetAttributes(attribute.String("product_id", match.ProductID))
			e.metrics.RecordMatch(string(prescription.ReasonExactName))
			return match, nil
		}
	}

	if err := errors.Join(failures...); err != nil {
		e.metrics.RecordCatalogError("search_by_name")
		e.logger.Warn("exact lookup failed",
			zap.String("entry", entry.DisplayName()),
			zap.Error(err),
		)
		span.RecordError(err)
		if !errors.Is(err, prescription.ErrCatalogUnavailable) {
			err = fmt.Errorf("%w: %w", prescription.ErrCatalogUnavailable, err)
		}
		return nil, &prescription.StageError{Stage: "catalog", Err: err}
	}
	return nil, nil
}

func (e *Engine) exactHit(entry prescription.MedicineEntry, term string, products []prescription.Product) *prescription.ProductMatch {
	want := nameKey(term)
	if want == "" {
		return nil
	}
	var hits []prescription.ProductMatch
	for _, p := range products {
		if nameKey(p.Name) != want && nameKey(p.Brand) != want {
			continue
		}
		dosage := productDosage(p)
		if dosageConflicts(entry.Dosage, dosage) {
			continue
		}
		conf := confidenceExact
		if dosageEqual(entry.Dosage, dosage) {
			conf = confidenceExactDosage
		}
		hits = append(hits, prescription.ProductMatch{
			ProductID:  p.ID,
			MatchType:  prescription.MatchExact,
			Confidence: conf,
			Reason:     prescription.ReasonExactName,
			Product:    p,
		})
	}
	if len(hits) == 0 {
		return nil
	}
	Rank(hits, entry.Dosage)
	return &hits[0]
}

// FindSimilar walks the fallback chain until a tier yields candidates that
// are not in exclude. It returns at most the configured limit of ranked
// candidates plus notes for tiers skipped because the catalog failed. Only
// context errors are returned.
func (e *Engine) FindSimilar(ctx context.Context, entry prescription.MedicineEntry, exclude map[string]struct{}) ([]prescription.ProductMatch, []string, error) {
	ctx, span := e.tracer.Start(ctx, "matching.find_similar",
		trace.WithAttributes(attribute.String("entry", entry.DisplayName())),
	)
	defer span.End()

	var notes []string
	for _, s := range e.strategies {
		candidates, err := s.Try(ctx, entry)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				span.RecordError(ctxErr)
				span.SetStatus(codes.Error, ctxErr.Error())
				return nil, nil, ctxErr
			}
			e.metrics.RecordCatalogError(string(s.Name()))
			e.logger.Warn("fallback tier skipped",
				zap.String("entry", entry.DisplayName()),
				zap.String("tier", string(s.Name())),
				zap.Error(err),
			)
			notes = append(notes, fmt.Sprintf("%s: %s lookup skipped: %v", entry.DisplayName(), s.Name(), err))
			continue
		}

		kept := candidates[:0]
		seen := make(map[string]struct{}, len(candidates))
		for _, c := range candidates {
			if _, ok := exclude[c.ProductID]; ok {
				continue
			}
			if _, ok := seen[c.ProductID]; ok {
				continue
			}
			seen[c.ProductID] = struct{}{}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			continue
		}

		Rank(kept, entry.Dosage)
		if len(kept) > e.limit {
			kept = kept[:e.limit]
		}
		span.SetAttributes(
			attribute.String("tier", string(s.Name())),
			attribute.Int("candidates", len(kept)),
		)
		e.metrics.RecordMatch(string(s.Name()))
		e.logger.Debug("fallback tier matched",
			zap.String("entry", entry.DisplayName()),
			zap.String("tier", string(s.Name())),
			zap.Int("candidates", len(kept)),
		)
		return kept, notes, nil
	}
	return nil, notes, nil
}

// Rank orders matches by confidence, then in-stock products, then products
// whose strength equals dosage, then name and ID.
func Rank(matches []prescription.ProductMatch, dosage string) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Product.InStock() != b.Product.InStock() {
			return a.Product.InStock()
		}
		da, db := dosageEqual(dosage, productDosage(a.Product)), dosageEqual(dosage, productDosage(b.Product))
		if da != db {
			return da
		}
		if a.Product.Name != b.Product.Name {
			return a.Product.Name < b.Product.Name
		}
		return a.ProductID < b.ProductID
	})
}
