package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errHandler = errors.New("handler failed")

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestRegistry(threshold uint32) (*Registry, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(Config{FailureThreshold: threshold, Cooldown: 10 * time.Second})
	r.now = c.now
	return r, c
}

func fail(context.Context) error    { return errHandler }
func succeed(context.Context) error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	r, _ := newTestRegistry(3)
	b := r.Get("worker")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(ctx, fail), errHandler)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	r, _ := newTestRegistry(3)
	b := r.Get("worker")
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	require.NoError(t, b.Do(ctx, succeed))
	_ = b.Do(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().ConsecutiveFailures)
}

func TestHalfOpenTrial(t *testing.T) {
	r, c := newTestRegistry(1)
	b := r.Get("worker")
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	c.t = c.t.Add(11 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// failed trial reopens
	_ = b.Do(ctx, fail)
	assert.Equal(t, StateOpen, b.State())

	c.t = c.t.Add(11 * time.Second)
	require.NoError(t, b.Do(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenLimitsConcurrentTrials(t *testing.T) {
	r, c := newTestRegistry(1)
	b := r.Get("worker")
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	c.t = c.t.Add(11 * time.Second)

	err := b.Do(ctx, func(ctx context.Context) error {
		return b.Do(ctx, succeed)
	})
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestPanicCountsAsFailure(t *testing.T) {
	r, _ := newTestRegistry(1)
	b := r.Get("worker")

	assert.Panics(t, func() {
		_ = b.Do(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestRegistryIsolatesTargets(t *testing.T) {
	r, _ := newTestRegistry(1)
	_ = r.Get("a").Do(context.Background(), fail)

	assert.Equal(t, StateOpen, r.Get("a").State())
	assert.Equal(t, StateClosed, r.Get("b").State())

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].Name)
	assert.Equal(t, "OPEN", stats[0].State)

	r.Remove("a")
	assert.Equal(t, StateClosed, r.Get("a").State())
}
