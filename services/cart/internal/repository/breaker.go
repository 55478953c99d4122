package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"

	apperrors "github.com/utafrali/gomarketplace/pkg/errors"
)

// BreakerConfig holds configuration for the store circuit breaker.
type BreakerConfig struct {
	// Name identifies this breaker in metrics and logs.
	Name string

	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state for clearing counts.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker once reached.
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns defaults suited to a single-key store.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

var breakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "cart_store_circuit_breaker_state",
		Help: "Current state of the cart store circuit breaker (0=closed, 1=half-open, 2=open)",
	},
	[]string{"name"},
)

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// BreakerStore wraps a KeyValueStore with circuit breaker protection. A
// missing key is a successful call and never trips the breaker.
type BreakerStore struct {
	next    KeyValueStore
	breaker *gobreaker.CircuitBreaker[string]
}

var _ KeyValueStore = (*BreakerStore)(nil)

// NewBreakerStore decorates next with a circuit breaker.
func NewBreakerStore(next KeyValueStore, cfg BreakerConfig, logger *slog.Logger) *BreakerStore {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			breakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	}

	breakerState.WithLabelValues(cfg.Name).Set(0)

	return &BreakerStore{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[string](settings),
	}
}

// Get reads key through the breaker.
func (s *BreakerStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.breaker.Execute(func() (string, error) {
		return s.next.Get(ctx, key)
	})
	return v, translateBreakerErr(err)
}

// Set writes key through the breaker.
func (s *BreakerStore) Set(ctx context.Context, key, value string) error {
	_, err := s.breaker.Execute(func() (string, error) {
		return "", s.next.Set(ctx, key, value)
	})
	return translateBreakerErr(err)
}

// Ping bypasses the breaker so readiness reflects the real backend.
func (s *BreakerStore) Ping(ctx context.Context) error {
	if p, ok := s.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// State returns the current breaker state.
func (s *BreakerStore) State() gobreaker.State {
	return s.breaker.State()
}

// IsCircuitOpen reports whether err was produced by a breaker rejecting the call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func translateBreakerErr(err error) error {
	if err != nil && IsCircuitOpen(err) {
		return apperrors.Unavailable("cart store circuit open", err)
	}
	return err
}
