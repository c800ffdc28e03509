package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Middleware decorates a Backend to inject cross-cutting concerns
// (rate limiting, retries, logging).
type Middleware func(Backend) Backend

// Wrap applies middlewares in left-to-right order.
// Example: Wrap(inner, A, B) => A(B(inner))
func Wrap(inner Backend, mws ...Middleware) Backend {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		out = mws[i](out)
	}
	return out
}

// -------- Rate Limiting --------

// RateLimit limits request rate using the token-bucket rpsLimiter.
// If rps <= 0, the limiter is disabled.
func RateLimit(rps float64, burst int) Middleware {
	return func(next Backend) Backend {
		return &rateLimited{next: next, rl: newRPSLimiter(rps, burst)}
	}
}

type rateLimited struct {
	next Backend
	rl   *rpsLimiter
}

func (c *rateLimited) Name() string  { return c.next.Name() }
func (c *rateLimited) Model() string { return c.next.Model() }
func (c *rateLimited) Complete(ctx context.Context, prompt, system string, opts Options) (Completion, error) {
	if err := c.rl.Acquire(ctx); err != nil {
		return Completion{}, err
	}
	return c.next.Complete(ctx, prompt, system, opts)
}

// -------- Retry with exponential backoff --------

// Retry retries Complete up to maxAttempts with exponential backoff starting
// at baseDelay. Permanent errors and context cancellation stop immediately.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next Backend) Backend {
		return &retrying{next: next, max: maxAttempts, base: baseDelay}
	}
}

type retrying struct {
	next Backend
	max  int
	base time.Duration
}

func (r *retrying) Name() string  { return r.next.Name() }
func (r *retrying) Model() string { return r.next.Model() }
func (r *retrying) Complete(ctx context.Context, prompt, system string, opts Options) (Completion, error) {
	var last error
	for i := 0; i < r.max; i++ {
		out, err := r.next.Complete(ctx, prompt, system, opts)
		if err == nil {
			return out, nil
		}
		var pErr *PermanentError
		if errors.As(err, &pErr) {
			return Completion{}, err
		}
		last = err
		if i == r.max-1 {
			break
		}
		timer := time.NewTimer(r.base * time.Duration(1<<i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Completion{}, ctx.Err()
		case <-timer.C:
		}
	}
	return Completion{}, last
}

// -------- Logging --------

// WithLogging logs request size and errors. A nil logger uses slog.Default().
func WithLogging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Backend) Backend {
		return &logging{next: next, log: logger}
	}
}

type logging struct {
	next Backend
	log  *slog.Logger
}

func (l *logging) Name() string  { return l.next.Name() }
func (l *logging) Model() string { return l.next.Model() }
func (l *logging) Complete(ctx context.Context, prompt, system string, opts Options) (Completion, error) {
	start := time.Now()
	l.log.DebugContext(ctx, "llm request",
		"backend", l.next.Name(), "phase", PhaseFrom(ctx), "bytes", len(prompt)+len(system))
	out, err := l.next.Complete(ctx, prompt, system, opts)
	if err != nil {
		l.log.WarnContext(ctx, "llm error",
			"backend", l.next.Name(), "phase", PhaseFrom(ctx), "err", err)
		return out, err
	}
	l.log.DebugContext(ctx, "llm response",
		"backend", l.next.Name(), "phase", PhaseFrom(ctx),
		"tokens", out.Tokens, "elapsed", time.Since(start))
	return out, nil
}

type ctxKeyPhase struct{}

// WithPhase tags ctx with the workflow phase issuing the request.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, ctxKeyPhase{}, phase)
}

// PhaseFrom returns the phase string stored in the context.
func PhaseFrom(ctx context.Context) string {
	if v := ctx.Value(ctxKeyPhase{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "unknown"
}
