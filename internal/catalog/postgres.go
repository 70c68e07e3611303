package catalog

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/prescription/textnorm"
)

const productColumns = `id, name, COALESCE(brand, ''), COALESCE(active_ingredient, ''),
	COALESCE(group_therapeutic, ''), COALESCE(indication, ''), COALESCE(dosage_form, ''),
	price, stock_quantity, prescription_required`

// Postgres reads products from the products table. Terms and columns are
// compared as loose keys (lowercase, unaccented, doubled letters collapsed)
// so that lookups behave like the Memory catalog. Requires the unaccent
// extension.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPostgres creates a catalog over an existing pool
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("catalog"),
	}
}

// Connect opens and verifies a pool
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", prescription.ErrCatalogUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %w", prescription.ErrCatalogUnavailable, err)
	}
	return pool, nil
}

func (p *Postgres) SearchByName(ctx context.Context, term string, limit int) ([]prescription.Product, error) {
	return p.search(ctx, FieldName, term, limit)
}

func (p *Postgres) SearchByActiveIngredient(ctx context.Context, ingredient string, limit int) ([]prescription.Product, error) {
	return p.search(ctx, FieldIngredient, ingredient, limit)
}

func (p *Postgres) SearchByTherapeuticGroup(ctx context.Context, group string, limit int) ([]prescription.Product, error) {
	return p.search(ctx, FieldGroup, group, limit)
}

func (p *Postgres) SearchByIndication(ctx context.Context, keyword string, limit int) ([]prescription.Product, error) {
	return p.search(ctx, FieldIndication, keyword, limit)
}

// AllProducts loads the whole table for snapshotting.
func (p *Postgres) AllProducts(ctx context.Context) ([]prescription.Product, error) {
	ctx, span := p.tracer.Start(ctx, "catalog.all_products")
	defer span.End()

	rows, err := p.pool.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: load products: %w", prescription.ErrCatalogUnavailable, err)
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: scan products: %w", prescription.ErrCatalogUnavailable, err)
	}
	span.SetAttributes(attribute.Int("products", len(products)))
	return products, nil
}

func (p *Postgres) search(ctx context.Context, field Field, term string, limit int) ([]prescription.Product, error) {
	if textnorm.LooseKey(term) == "" || limit <= 0 {
		return nil, nil
	}

	ctx, span := p.tracer.Start(ctx, "catalog.search",
		trace.WithAttributes(
			attribute.String("field", string(field)),
			attribute.Int("limit", limit),
		))
	defer span.End()

	query, args, err := searchQuery(field, term, limit)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		p.logger.Warn("catalog query failed", zap.String("field", string(field)), zap.Error(err))
		return nil, fmt.Errorf("%w: search %s: %w", prescription.ErrCatalogUnavailable, field, err)
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: scan %s: %w", prescription.ErrCatalogUnavailable, field, err)
	}
	span.SetAttributes(attribute.Int("results", len(products)))
	return products, nil
}

func fieldColumns(field Field) ([]string, error) {
	switch field {
	case FieldName:
		return []string{"name", "brand"}, nil
	case FieldIngredient:
		return []string{"active_ingredient"}, nil
	case FieldGroup:
		return []string{"group_therapeutic"}, nil
	case FieldIndication:
		return []string{"indication"}, nil
	}
	return nil, fmt.Errorf("unknown catalog field %q", field)
}

// looseColumn is the SQL rendering of textnorm.LooseKey for a column.
func looseColumn(col string) string {
	return fmt.Sprintf(`trim(regexp_replace(regexp_replace(regexp_replace(`+
		`unaccent(lower(COALESCE(%s, ''))), '[^[:alnum:]%%/.]+', ' ', 'g'), `+
		`'([[:alpha:]])\1+', '\1', 'g'), '([[:alnum:]]{3})e\M', '\1', 'g'))`, col)
}

// searchQuery builds the lookup for a field. $1 is the loose key of term for
// exact ranking and $2 the limit. Phrase fields take the whole-word pattern
// in $3; other fields take one LIKE pattern per word, all of which must occur
// in the same column. Ordering matches Memory: exact, shorter, id.
func searchQuery(field Field, term string, limit int) (string, []any, error) {
	cols, err := fieldColumns(field)
	if err != nil {
		return "", nil, err
	}
	key := textnorm.LooseKey(term)
	args := []any{key, limit}

	var params []string
	if MatchesPhrase(field) {
		args = append(args, `(^| )`+regexp.QuoteMeta(key)+`( |$)`)
		params = append(params, "$3")
	} else {
		for _, w := range strings.Fields(key) {
			args = append(args, escapeLike(w))
			params = append(params, fmt.Sprintf("$%d", len(args)))
		}
	}

	where := make([]string, len(cols))
	exact := make([]string, len(cols))
	for i, c := range cols {
		expr := looseColumn(c)
		conds := make([]string, len(params))
		for j, param := range params {
			if MatchesPhrase(field) {
				conds[j] = fmt.Sprintf(`%s ~ %s`, expr, param)
			} else {
				conds[j] = fmt.Sprintf(`%s LIKE '%%' || %s || '%%' ESCAPE '\'`, expr, param)
			}
		}
		where[i] = "(" + strings.Join(conds, " AND ") + ")"
		exact[i] = expr + " = $1"
	}
	query := fmt.Sprintf(`SELECT %s FROM products WHERE %s
		ORDER BY (%s) DESC, length(%s), id LIMIT $2`,
		productColumns,
		strings.Join(where, " OR "),
		strings.Join(exact, " OR "),
		looseColumn(cols[0]))
	return query, args, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func scanProduct(row pgx.CollectableRow) (prescription.Product, error) {
	var p prescription.Product
	err := row.Scan(
		&p.ID, &p.Name, &p.Brand, &p.ActiveIngredient,
		&p.TherapeuticGroup, &p.Indication, &p.DosageForm,
		&p.Price, &p.StockQuantity, &p.PrescriptionRequired,
	)
	return p, err
}
