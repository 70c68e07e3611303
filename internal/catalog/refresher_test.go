package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxscan/internal/catalog/catalogtest"
	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/observability/metrics"
)

type sourceFunc func(ctx context.Context) ([]prescription.Product, error)

func (f sourceFunc) AllProducts(ctx context.Context) ([]prescription.Product, error) { return f(ctx) }

func TestRefresherLoadsSnapshot(t *testing.T) {
	m := metrics.New(nil)
	target := NewMemory(nil)
	r := NewRefresher(NewMemory(catalogtest.Products()), target, 0, m, nil)

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	assert.Equal(t, 10, target.Len())
	assert.False(t, r.LastLoad().IsZero())
	assert.Equal(t, 10.0, testutil.ToFloat64(m.CatalogProducts))

	got, err := target.SearchByName(context.Background(), "Mobic", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"P006"}, ids(got))
}

func TestRefresherKeepsSnapshotOnFailure(t *testing.T) {
	target := NewMemory(catalogtest.Products())

	failing := NewRefresher(sourceFunc(func(context.Context) ([]prescription.Product, error) {
		return nil, prescription.ErrCatalogUnavailable
	}), target, 0, nil, nil)
	assert.ErrorIs(t, failing.Refresh(context.Background()), prescription.ErrCatalogUnavailable)
	assert.Equal(t, 10, target.Len())

	empty := NewRefresher(sourceFunc(func(context.Context) ([]prescription.Product, error) {
		return nil, nil
	}), target, 0, nil, nil)
	assert.True(t, errors.Is(empty.Refresh(context.Background()), ErrEmptySnapshot))
	assert.Equal(t, 10, target.Len())
}

func TestRefresherStartFailsOnInitialLoad(t *testing.T) {
	r := NewRefresher(sourceFunc(func(context.Context) ([]prescription.Product, error) {
		return nil, errors.New("boom")
	}), NewMemory(nil), 0, nil, nil)
	assert.Error(t, r.Start(context.Background()))
}
