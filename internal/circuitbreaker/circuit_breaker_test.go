package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProvider = errors.New("provider down")

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestBreaker(cfg *Config) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(cfg)
	cb.now = c.now
	return cb, c
}

func fail() error    { return errProvider }
func succeed() error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(&Config{Name: "fx", MaxFailures: 3, FailureThreshold: 1, Timeout: time.Minute, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errProvider)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clk := newTestBreaker(&Config{Name: "fx", MaxFailures: 1, Timeout: time.Minute, HalfOpenMaxCalls: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.GetState())

	clk.t = clk.t.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(&Config{Name: "fx", MaxFailures: 1, Timeout: time.Minute, HalfOpenMaxCalls: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.t = clk.t.Add(2 * time.Minute)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_IgnoresCancellationAndFilteredErrors(t *testing.T) {
	permanent := errors.New("unknown currency")
	cb, _ := newTestBreaker(&Config{
		Name:        "fx",
		MaxFailures: 1,
		Timeout:     time.Minute,
		IsFailure:   func(err error) bool { return !errors.Is(err, permanent) },
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return context.Canceled })
	_ = cb.Execute(ctx, func() error { return permanent })
	assert.Equal(t, StateClosed, cb.GetState())

	stats := cb.GetStats()
	assert.Equal(t, 1, stats.TotalCalls, "cancellation is not sampled")
	assert.Zero(t, stats.Failures)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(&Config{Name: "fx", MaxFailures: 1, Timeout: time.Hour})
	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(context.Background(), succeed))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := r.GetOrCreate("frankfurter", nil)
	assert.Same(t, a, r.GetOrCreate("frankfurter", DefaultConfig("other")))
	r.GetOrCreate("ecb", nil)

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "ecb", stats[0].Name)
	assert.Equal(t, "frankfurter", stats[1].Name)
	assert.Equal(t, StateClosed, stats[1].State)
}
