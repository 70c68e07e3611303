package catalog

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/prescription/textnorm"
)

type indexedProduct struct {
	product    prescription.Product
	name       string
	brand      string
	ingredient string
	group      string
	indication string
}

type snapshot struct {
	products []indexedProduct
}

// Memory is an in-memory catalog. Its snapshot can be replaced atomically
// while lookups are running.
type Memory struct {
	snap atomic.Pointer[snapshot]
}

// NewMemory indexes products.
func NewMemory(products []prescription.Product) *Memory {
	m := &Memory{}
	m.Replace(products)
	return m
}

// Replace swaps in a new product list.
func (m *Memory) Replace(products []prescription.Product) {
	s := &snapshot{products: make([]indexedProduct, 0, len(products))}
	for _, p := range products {
		s.products = append(s.products, indexedProduct{
			product:    p,
			name:       textnorm.LooseKey(p.Name),
			brand:      textnorm.LooseKey(p.Brand),
			ingredient: textnorm.LooseKey(p.ActiveIngredient),
			group:      textnorm.LooseKey(p.TherapeuticGroup),
			indication: textnorm.LooseKey(p.Indication),
		})
	}
	m.snap.Store(s)
}

// Len returns the number of products in the current snapshot.
func (m *Memory) Len() int {
	return len(m.snap.Load().products)
}

// AllProducts returns a copy of the current snapshot.
func (m *Memory) AllProducts(ctx context.Context) ([]prescription.Product, error) {
	s := m.snap.Load()
	out := make([]prescription.Product, len(s.products))
	for i, ip := range s.products {
		out[i] = ip.product
	}
	return out, nil
}

func (m *Memory) SearchByName(ctx context.Context, term string, limit int) ([]prescription.Product, error) {
	return m.search(ctx, FieldName, term, limit, func(ip *indexedProduct) []string { return []string{ip.name, ip.brand} })
}

func (m *Memory) SearchByActiveIngredient(ctx context.Context, ingredient string, limit int) ([]prescription.Product, error) {
	return m.search(ctx, FieldIngredient, ingredient, limit, func(ip *indexedProduct) []string { return []string{ip.ingredient} })
}

func (m *Memory) SearchByTherapeuticGroup(ctx context.Context, group string, limit int) ([]prescription.Product, error) {
	return m.search(ctx, FieldGroup, group, limit, func(ip *indexedProduct) []string { return []string{ip.group} })
}

func (m *Memory) SearchByIndication(ctx context.Context, keyword string, limit int) ([]prescription.Product, error) {
	return m.search(ctx, FieldIndication, keyword, limit, func(ip *indexedProduct) []string { return []string{ip.indication} })
}

type hit struct {
	product prescription.Product
	exact   bool
	length  int
}

// search returns products where every word of term occurs in one of the
// fields, or for phrase fields where term occurs as whole words. Exact field
// matches rank first, then shorter fields, then ID.
func (m *Memory) search(ctx context.Context, field Field, term string, limit int, fields func(*indexedProduct) []string) ([]prescription.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := textnorm.LooseKey(term)
	if key == "" || limit <= 0 {
		return nil, nil
	}
	words := strings.Fields(key)
	phrase := MatchesPhrase(field)

	s := m.snap.Load()
	var hits []hit
	for i := range s.products {
		ip := &s.products[i]
		for _, f := range fields(ip) {
			if f == "" {
				continue
			}
			if phrase && !containsPhrase(f, key) || !phrase && !containsAll(f, words) {
				continue
			}
			hits = append(hits, hit{product: ip.product, exact: f == key, length: len(f)})
			break
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].exact != hits[j].exact {
			return hits[i].exact
		}
		if hits[i].length != hits[j].length {
			return hits[i].length < hits[j].length
		}
		return hits[i].product.ID < hits[j].product.ID
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]prescription.Product, len(hits))
	for i, h := range hits {
		out[i] = h.product
	}
	return out, nil
}

func containsAll(field string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(field, w) {
			return false
		}
	}
	return true
}

func containsPhrase(field, phrase string) bool {
	return strings.Contains(" "+field+" ", " "+phrase+" ")
}
