// Package circuitbreaker provides resilience patterns for external collaborator calls.
// Wraps sony/gobreaker with OpenTelemetry integration, explicit reset and
// trip-immediately errors such as quota exhaustion.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Value returns the numeric gauge value of the state (0=closed, 1=half-open, 2=open).
func (s State) Value() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// ErrUnknownBreaker is returned by Manager operations on unregistered names.
var ErrUnknownBreaker = errors.New("unknown circuit breaker")

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the circuit breaker
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is the cooldown before transitioning from open to half-open
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold uint32
	// FailureRatio is the failure ratio threshold (alternative to count)
	FailureRatio float64
	// MinRequests is minimum requests before ratio is considered
	MinRequests uint32
	// TripOn reports errors that open the breaker at once, regardless of counts
	TripOn func(error) bool
	// IgnoreErr reports errors that count as neither success nor failure
	IgnoreErr func(error) bool
	// OnStateChange is called after every transition, including resets
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns defaults suitable for a rate-limited collaborator API
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6, // Open if 60% of requests fail
		MinRequests:      10,
	}
}

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb       atomic.Pointer[gobreaker.CircuitBreaker]
	cfg      Config
	name     string
	logger   *zap.Logger
	tracer   trace.Tracer
	tripNext atomic.Bool
	openedAt atomic.Int64

	// Metrics
	meter          metric.Meter
	requestCounter metric.Int64Counter
	failureCounter metric.Int64Counter
	successCounter metric.Int64Counter
	rejectCounter  metric.Int64Counter
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		cfg:    cfg,
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		meter:  otel.Meter("circuit-breaker"),
	}

	// Initialize metrics
	var err error
	cb.requestCounter, err = cb.meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Total requests through circuit breaker"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	cb.failureCounter, err = cb.meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Total failed requests"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}

	cb.successCounter, err = cb.meter.Int64Counter("circuit_breaker_successes_total",
		metric.WithDescription("Total successful requests"))
	if err != nil {
		return nil, fmt.Errorf("failed to create success counter: %w", err)
	}

	cb.rejectCounter, err = cb.meter.Int64Counter("circuit_breaker_rejections_total",
		metric.WithDescription("Total requests rejected due to open circuit"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rejection counter: %w", err)
	}

	cb.cb.Store(gobreaker.NewCircuitBreaker(cb.settings()))
	return cb, nil
}

func (c *CircuitBreaker) settings() gobreaker.Settings {
	cfg := c.cfg
	return gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if c.tripNext.Swap(false) {
				return true
			}
			// Use either failure count or ratio
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.onStateChange(mapState(from), mapState(to))
		},
		IsSuccessful: func(err error) bool {
			// the caller giving up says nothing about the collaborator
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return cfg.IgnoreErr != nil && cfg.IgnoreErr(err)
		},
	}
}

// Execute runs a function through the circuit breaker
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.GetState())),
		))
	defer span.End()

	c.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", c.name)))

	result, err := c.cb.Load().Execute(func() (interface{}, error) {
		res, err := fn()
		if err != nil && c.cfg.TripOn != nil && c.cfg.TripOn(err) {
			c.tripNext.Store(true)
		}
		return res, err
	})

	if err != nil {
		if IsOpen(err) {
			c.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", c.name)))
			span.SetAttributes(attribute.Bool("circuit_open", true))
		} else {
			c.failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", c.name)))
		}
		span.RecordError(err)
		return nil, err
	}

	c.successCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", c.name)))
	return result, nil
}

// Do is a typed Execute.
func Do[T any](ctx context.Context, c *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	res, err := c.Execute(ctx, func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// IsOpen reports whether err is a rejection by an open or saturated breaker.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Name returns the breaker name.
func (c *CircuitBreaker) Name() string {
	return c.name
}

// GetState returns the current circuit breaker state. gobreaker moves from
// open to half-open lazily, so this may itself trigger a transition.
func (c *CircuitBreaker) GetState() State {
	return mapState(c.cb.Load().State())
}

// OpenedAt returns when the breaker last opened, or the zero time.
func (c *CircuitBreaker) OpenedAt() time.Time {
	ns := c.openedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Reset closes the breaker and clears its counts.
func (c *CircuitBreaker) Reset() {
	from := c.GetState()
	c.tripNext.Store(false)
	c.cb.Store(gobreaker.NewCircuitBreaker(c.settings()))
	c.openedAt.Store(0)
	if from != StateClosed {
		c.onStateChange(from, StateClosed)
	}
	c.logger.Info("circuit breaker reset", zap.String("breaker", c.name))
}

// onStateChange handles state transitions
func (c *CircuitBreaker) onStateChange(from, to State) {
	if to == StateOpen {
		c.openedAt.Store(time.Now().UnixNano())
	}

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(c.name, from, to)
	}
}

// mapState converts gobreaker.State to our State type
func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// IsClosed returns true if the circuit is closed
func (c *CircuitBreaker) IsClosed() bool {
	return c.GetState() == StateClosed
}

// Counts returns the current counts from the circuit breaker
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Load().Counts()
}

// Manager manages multiple circuit breakers
type Manager struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewManager creates a circuit breaker manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// GetOrCreate returns an existing breaker or creates a new one
func (m *Manager) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	m.mu.RLock()
	if cb, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return cb, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}

	cfg.Name = name
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}

	m.breakers[name] = cb
	return cb, nil
}

// Get returns a circuit breaker by name
func (m *Manager) Get(name string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.breakers[name]
	return cb, ok
}

// Reset closes the named breaker.
func (m *Manager) Reset(name string) error {
	cb, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBreaker, name)
	}
	cb.Reset()
	return nil
}

// HealthStatus returns the health status of a breaker
type HealthStatus struct {
	Name     string     `json:"name"`
	State    State      `json:"state"`
	Requests uint32     `json:"requests"`
	Failures uint32     `json:"failures"`
	Healthy  bool       `json:"healthy"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

// GetHealthStatus returns health status for all circuit breakers, sorted by name
func (m *Manager) GetHealthStatus() []HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]HealthStatus, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		state := cb.GetState()
		hs := HealthStatus{
			Name:     name,
			State:    state,
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  state == StateClosed,
		}
		if t := cb.OpenedAt(); state != StateClosed && !t.IsZero() {
			hs.OpenedAt = &t
		}
		statuses = append(statuses, hs)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
