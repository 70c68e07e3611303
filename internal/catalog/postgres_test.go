package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchQueryPerField(t *testing.T) {
	q, args, err := searchQuery(FieldName, "Amoxicillin 500mg", 5)
	require.NoError(t, err)
	assert.Contains(t, q, "unaccent(lower(COALESCE(name, '')))")
	assert.Contains(t, q, "unaccent(lower(COALESCE(brand, '')))")
	assert.Contains(t, q, "LIKE '%' || $3 || '%'")
	assert.Contains(t, q, "LIKE '%' || $4 || '%'")
	assert.Contains(t, q, "LIMIT $2")
	assert.Equal(t, []any{"amoxicilin 500mg", 5, "amoxicilin", "500mg"}, args)

	q, args, err = searchQuery(FieldIngredient, "Amoxicilin", 50)
	require.NoError(t, err)
	assert.Contains(t, q, "COALESCE(active_ingredient, '')")
	assert.False(t, strings.Contains(q, "brand"))
	assert.Equal(t, []any{"amoxicilin", 50, "amoxicilin"}, args, "both spellings reduce to one key")

	_, _, err = searchQuery(Field("price"), "x", 5)
	assert.Error(t, err)
}

func TestSearchQueryIndicationUsesWholeWords(t *testing.T) {
	q, args, err := searchQuery(FieldIndication, "Hạ sốt", 10)
	require.NoError(t, err)
	assert.Contains(t, q, "~ $3")
	assert.False(t, strings.Contains(q, "LIKE"))
	require.Len(t, args, 3)
	assert.Equal(t, "ha sot", args[0])
	assert.Equal(t, `(^| )ha sot( |$)`, args[2])
}

func TestLooseColumnMirrorsLooseKey(t *testing.T) {
	expr := looseColumn("indication")
	assert.Contains(t, expr, "unaccent(lower(COALESCE(indication, '')))")
	assert.Contains(t, expr, `'([[:alpha:]])\1+', '\1'`)
	assert.Contains(t, expr, `'([[:alnum:]]{3})e\M'`)
	assert.Contains(t, expr, `'[^[:alnum:]%/.]+'`)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%`, escapeLike("100%"))
	assert.Equal(t, `a\_b`, escapeLike("a_b"))
	assert.Equal(t, `c:\\x`, escapeLike(`c:\x`))
}

func TestPostgresBlankTermSkipsQuery(t *testing.T) {
	p := NewPostgres(nil, nil)
	got, err := p.SearchByName(context.Background(), "  ", 5)
	require.NoError(t, err)
	assert.Nil(t, got)
}
