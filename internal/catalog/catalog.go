// Package catalog provides read-only product lookups for medicine matching.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
)

// Catalog is the read-only product lookup service. Every method returns at
// most limit products whose named field contains every word of term, or for
// indications the whole term as a run of words.
// Implementations wrap I/O failures with prescription.ErrCatalogUnavailable.
type Catalog interface {
	// SearchByName matches the product name or brand.
	SearchByName(ctx context.Context, term string, limit int) ([]prescription.Product, error)
	SearchByActiveIngredient(ctx context.Context, ingredient string, limit int) ([]prescription.Product, error)
	SearchByTherapeuticGroup(ctx context.Context, group string, limit int) ([]prescription.Product, error)
	SearchByIndication(ctx context.Context, keyword string, limit int) ([]prescription.Product, error)
}

// Source lists every product; used to build in-memory snapshots.
type Source interface {
	AllProducts(ctx context.Context) ([]prescription.Product, error)
}

// Field names a searchable product field.
type Field string

const (
	FieldName       Field = "name"
	FieldIngredient Field = "active_ingredient"
	FieldGroup      Field = "group_therapeutic"
	FieldIndication Field = "indication"
)

// MatchesPhrase reports whether lookups on field match the term as a run of
// whole words. Indication keywords are short ("ho", "sốt") and would otherwise
// hit unrelated words that contain them.
func MatchesPhrase(field Field) bool {
	return field == FieldIndication
}

// DecodeProducts reads a JSON array of products.
func DecodeProducts(r io.Reader) ([]prescription.Product, error) {
	var products []prescription.Product
	if err := json.NewDecoder(r).Decode(&products); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}
	for i, p := range products {
		if p.ID == "" || p.Name == "" {
			return nil, fmt.Errorf("product %d: id and name are required", i)
		}
	}
	return products, nil
}

// LoadFile reads a JSON product file into a Memory catalog.
func LoadFile(path string) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog file: %w", err)
	}
	defer f.Close()

	products, err := DecodeProducts(f)
	if err != nil {
		return nil, err
	}
	return NewMemory(products), nil
}
