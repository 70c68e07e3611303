package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxscan/internal/observability/metrics"
)

// ErrEmptySnapshot is returned when the source yields no products while the
// current snapshot has some; the old snapshot is kept.
var ErrEmptySnapshot = errors.New("catalog source returned no products")

// Refresher periodically reloads a Memory catalog from a Source.
type Refresher struct {
	source    Source
	target    *Memory
	interval  time.Duration
	timeout   time.Duration
	scheduler *gocron.Scheduler
	metrics   *metrics.Metrics
	logger    *zap.Logger
	updating  atomic.Bool
	lastLoad  atomic.Int64
}

// NewRefresher creates a refresher; interval <= 0 disables the schedule and
// only the initial load runs.
func NewRefresher(source Source, target *Memory, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Refresher{
		source:    source,
		target:    target,
		interval:  interval,
		timeout:   time.Minute,
		scheduler: s,
		metrics:   m,
		logger:    logger,
	}
}

// Start performs the initial load and schedules the following ones.
func (r *Refresher) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return fmt.Errorf("initial catalog load: %w", err)
	}
	if r.interval <= 0 {
		return nil
	}

	_, err := r.scheduler.Every(r.interval).WaitForSchedule().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.Refresh(ctx); err != nil {
			r.logger.Error("catalog refresh failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule catalog refresh: %w", err)
	}
	r.scheduler.StartAsync()
	r.logger.Info("catalog refresh scheduled", zap.Duration("interval", r.interval))
	return nil
}

// Stop stops the schedule
func (r *Refresher) Stop() {
	r.scheduler.Stop()
}

// Refresh loads the source once and swaps the snapshot. Overlapping calls
// return immediately.
func (r *Refresher) Refresh(ctx context.Context) error {
	if !r.updating.CompareAndSwap(false, true) {
		r.logger.Debug("catalog refresh already running")
		return nil
	}
	defer r.updating.Store(false)

	start := time.Now()
	products, err := r.source.AllProducts(ctx)
	if err != nil {
		r.metrics.RecordCatalogError("all_products")
		return err
	}
	if len(products) == 0 && r.target.Len() > 0 {
		return ErrEmptySnapshot
	}

	r.target.Replace(products)
	r.lastLoad.Store(time.Now().UnixNano())
	r.metrics.SetCatalogSize(len(products))
	r.logger.Info("catalog snapshot loaded",
		zap.Int("products", len(products)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// LastLoad returns when the snapshot was last replaced
func (r *Refresher) LastLoad() time.Time {
	n := r.lastLoad.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
