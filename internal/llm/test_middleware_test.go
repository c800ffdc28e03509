package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBackend fails the first n calls, then succeeds.
type countingBackend struct {
	failures int32
	calls    atomic.Int32
	err      error
}

func (c *countingBackend) Name() string  { return "counting" }
func (c *countingBackend) Model() string { return "counting-1" }
func (c *countingBackend) Complete(ctx context.Context, prompt, system string, opts Options) (Completion, error) {
	n := c.calls.Add(1)
	if n <= c.failures {
		return Completion{}, c.err
	}
	return Completion{Text: "done"}, nil
}

func TestWrap_AppliesLeftToRight(t *testing.T) {
	var order []string
	mark := func(tag string) Middleware {
		return func(next Backend) Backend {
			return &Scripted{ID: tag, Respond: func(ctx context.Context, call Call) (Completion, error) {
				order = append(order, tag)
				return next.Complete(ctx, call.Prompt, call.System, call.Options)
			}}
		}
	}
	b := Wrap(NewScripted("inner"), mark("a"), nil, mark("b"))
	_, err := b.Complete(context.Background(), "p", "", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestRetry_RecoversFromTransientErrors(t *testing.T) {
	inner := &countingBackend{failures: 2, err: errors.New("503")}
	b := Retry(3, time.Millisecond)(inner)

	out, err := b.Complete(context.Background(), "p", "", Options{})
	require.NoError(t, err)
	assert.Equal(t, "done", out.Text)
	assert.EqualValues(t, 3, inner.calls.Load())
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	inner := &countingBackend{failures: 5, err: NewPermanentError(errors.New("bad request"))}
	b := Retry(4, time.Millisecond)(inner)

	_, err := b.Complete(context.Background(), "p", "", Options{})
	var pErr *PermanentError
	require.ErrorAs(t, err, &pErr)
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	inner := &countingBackend{failures: 10, err: errors.New("flaky")}
	b := Retry(2, time.Millisecond)(inner)

	_, err := b.Complete(context.Background(), "p", "", Options{})
	require.EqualError(t, err, "flaky")
	assert.EqualValues(t, 2, inner.calls.Load())
}

func TestRetry_HonoursCancellationDuringBackoff(t *testing.T) {
	inner := &countingBackend{failures: 10, err: errors.New("flaky")}
	b := Retry(5, time.Hour)(inner)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Complete(ctx, "p", "", Options{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestRateLimit_Burst1SpacesCalls(t *testing.T) {
	// 20 rps with burst 1: the second call waits roughly 50ms.
	b := RateLimit(20, 1)(NewScripted("fast"))
	ctx := context.Background()

	start := time.Now()
	_, err := b.Complete(ctx, "p", "", Options{})
	require.NoError(t, err)
	_, err = b.Complete(ctx, "p", "", Options{})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRateLimit_DisabledWhenRPSIsZero(t *testing.T) {
	b := RateLimit(0, 0)(NewScripted("fast"))
	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := b.Complete(context.Background(), "p", "", Options{})
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPhase_DefaultsToUnknown(t *testing.T) {
	assert.Equal(t, "unknown", PhaseFrom(context.Background()))
	assert.Equal(t, "review", PhaseFrom(WithPhase(context.Background(), "review")))
}

func TestCompletion_TokensOrEstimate(t *testing.T) {
	assert.Equal(t, 12, Completion{Text: "a b", Tokens: 12}.TokensOrEstimate())
	assert.Equal(t, 3, Completion{Text: "one two  three"}.TokensOrEstimate())
}

func TestRPSLimiter_ReservesAndRefills(t *testing.T) {
	now := time.Unix(0, 0)
	l := newRPSLimiter(10, 2)
	l.now = func() time.Time { return now }
	l.last = now

	assert.Zero(t, l.reserve())
	assert.Zero(t, l.reserve())
	assert.Equal(t, 100*time.Millisecond, l.reserve())
	assert.Equal(t, 200*time.Millisecond, l.reserve())

	l.cancelReservation()
	l.cancelReservation()
	now = now.Add(time.Second)
	assert.Zero(t, l.reserve(), "a full second refills the bucket")
	assert.Zero(t, l.reserve())
	assert.Equal(t, 100*time.Millisecond, l.reserve())
}

func TestRPSLimiter_CancelledWaitReturnsToken(t *testing.T) {
	l := newRPSLimiter(1, 1)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)
	assert.InDelta(t, 0, l.tokens, 0.1)
}
