package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxscan/internal/catalog/catalogtest"
	"github.com/drfirst/go-rxscan/internal/domain/prescription"
)

func ids(products []prescription.Product) []string {
	out := make([]string, len(products))
	for i, p := range products {
		out[i] = p.ID
	}
	return out
}

func TestMemorySearchByNameMatchesBrand(t *testing.T) {
	m := NewMemory(catalogtest.Products())

	got, err := m.SearchByName(context.Background(), "DOPAGAN", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"P001"}, ids(got))

	got, err = m.SearchByName(context.Background(), "Paracetamol", 10)
	require.NoError(t, err)
	assert.Empty(t, got, "ingredients are not names")
}

func TestMemorySearchRanksExactFieldFirst(t *testing.T) {
	m := NewMemory(catalogtest.Products())

	got, err := m.SearchByActiveIngredient(context.Background(), "paracetamol", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"P001", "P003", "P002"}, ids(got))
}

func TestMemorySearchToleratesSpellingVariants(t *testing.T) {
	m := NewMemory(catalogtest.Products())

	got, err := m.SearchByActiveIngredient(context.Background(), "Amoxicillin", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"P007", "P008"}, ids(got))

	got, err = m.SearchByActiveIngredient(context.Background(), "Loratadin", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"P009"}, ids(got))

	got, err = m.SearchByTherapeuticGroup(context.Background(), "kháng viêm", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"P006"}, ids(got))
}

func TestMemoryIndicationMatchesWholeWords(t *testing.T) {
	m := NewMemory([]prescription.Product{
		{ID: "M1", Name: "Meloxicam 7.5mg", Indication: "Chống viêm xương khớp"},
		{ID: "M2", Name: "Prospan", Indication: "Ho, long đờm"},
		{ID: "M3", Name: "Arcoxia 60mg", Indication: "Arthritis, joint pain"},
	})

	got, err := m.SearchByIndication(context.Background(), "ho", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"M2"}, ids(got), "\"ho\" must not match inside \"chong\" or \"khop\"")

	got, err = m.SearchByIndication(context.Background(), "joint pain", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"M3"}, ids(got))

	got, err = m.SearchByIndication(context.Background(), "pain joint", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = m.SearchByIndication(context.Background(), "đờm", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"M2"}, ids(got))
}

func TestMemorySearchLimit(t *testing.T) {
	m := NewMemory(catalogtest.Products())

	got, err := m.SearchByActiveIngredient(context.Background(), "paracetamol", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"P001"}, ids(got))

	got, err = m.SearchByIndication(context.Background(), "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryReplaceSwapsSnapshot(t *testing.T) {
	m := NewMemory(catalogtest.Products())
	assert.Equal(t, 10, m.Len())

	m.Replace([]prescription.Product{{ID: "X1", Name: "Celebrex 200mg", ActiveIngredient: "Celecoxib"}})
	assert.Equal(t, 1, m.Len())

	got, err := m.SearchByName(context.Background(), "celebrex", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"X1"}, ids(got))

	all, err := m.AllProducts(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemorySearchHonoursCancellation(t *testing.T) {
	m := NewMemory(catalogtest.Products())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.SearchByName(ctx, "dopagan", 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeProductsRequiresIDAndName(t *testing.T) {
	products, err := DecodeProducts(strings.NewReader(`[{"id":"A","name":"Aspirin 81mg","group_therapeutic":"NSAID","stock_quantity":3}]`))
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "NSAID", products[0].TherapeuticGroup)
	assert.True(t, products[0].InStock())

	_, err = DecodeProducts(strings.NewReader(`[{"id":"A"}]`))
	assert.Error(t, err)
}
