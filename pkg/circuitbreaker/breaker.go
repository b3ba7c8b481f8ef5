// Package circuitbreaker wraps sony/gobreaker with OpenTelemetry spans and
// meters for calls to directory lookups and the notification fan-out.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	// IsSuccessful classifies call errors. Errors it accepts do not count
	// against the breaker. Nil means only a nil error is a success.
	IsSuccessful func(error) bool
	// OnStateChange is called after every transition.
	OnStateChange func(name string, to State)
}

// DefaultConfig returns defaults suitable for directory and broker calls
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	requestCounter  metric.Int64Counter
	rejectedCounter metric.Int64Counter

	stateMu       sync.RWMutex
	currentState  State
	onStateChange func(string, State)
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("circuit breaker name is required")
	}

	meter := otel.Meter("circuit-breaker")
	c := &CircuitBreaker{
		name:          cfg.Name,
		logger:        logger,
		tracer:        otel.Tracer("circuit-breaker"),
		currentState:  StateClosed,
		onStateChange: cfg.OnStateChange,
	}

	var err error
	c.requestCounter, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Total requests through circuit breaker"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	c.rejectedCounter, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Requests rejected while the circuit was open"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}

	isSuccessful := cfg.IsSuccessful
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.transition(from, to)
		},
		IsSuccessful: isSuccessful,
	})

	return c, nil
}

// Execute runs fn through the breaker. An open circuit returns an error for
// which IsOpen reports true.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.State())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.requestCounter.Add(ctx, 1, attrs)

	result, err := c.cb.Execute(func() (interface{}, error) { return fn(ctx) })
	if err != nil {
		if IsOpen(err) {
			c.rejectedCounter.Add(ctx, 1, attrs)
			span.SetAttributes(attribute.Bool("circuit_open", true))
		}
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// Do is a typed wrapper around Execute.
func Do[T any](ctx context.Context, c *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := c.Execute(ctx, func(ctx context.Context) (interface{}, error) { return fn(ctx) })
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// IsOpen reports whether err came from the breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Name returns the breaker name
func (c *CircuitBreaker) Name() string { return c.name }

// State returns the current circuit breaker state
func (c *CircuitBreaker) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.currentState
}

func (c *CircuitBreaker) transition(from, to gobreaker.State) {
	toState := mapState(to)

	c.stateMu.Lock()
	c.currentState = toState
	c.stateMu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(toState)))

	if c.onStateChange != nil {
		c.onStateChange(c.name, toState)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// GaugeValue maps a state onto the circuit_breaker_state gauge encoding.
func GaugeValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Counts returns the current counts from the circuit breaker
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

// HealthStatus summarises one breaker for readiness reporting
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// Health returns the breaker's readiness view
func (c *CircuitBreaker) Health() HealthStatus {
	counts := c.Counts()
	state := c.State()
	return HealthStatus{
		Name:     c.name,
		State:    state,
		Requests: counts.Requests,
		Failures: counts.TotalFailures,
		Healthy:  state != StateOpen,
	}
}
