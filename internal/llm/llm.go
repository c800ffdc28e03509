package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Options tunes a single completion request.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Completion is the text produced by a backend plus whatever usage figure
// the provider reported. Tokens is zero when the provider reports nothing.
type Completion struct {
	Text   string
	Tokens int
}

// Backend is an asynchronous text-completion capability. Implementations
// only focus on the API call itself; retries, rate limiting and logging are
// applied via Middleware.
type Backend interface {
	Name() string
	Model() string
	Complete(ctx context.Context, prompt, system string, opts Options) (Completion, error)
}

// ErrEmptyCompletion is returned when a provider answers with no text.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// BackendError tags a failure with the team that produced it.
type BackendError struct {
	Team string
	Err  error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return e.Team + ": backend failed"
	}
	return e.Team + ": " + e.Err.Error()
}

func (e *BackendError) Unwrap() error { return e.Err }

// PermanentError indicates an error that will not resolve with retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// CountWords is the fallback token estimate used when a provider reports no usage.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// TokensOrEstimate returns c.Tokens, or a word-count estimate of c.Text.
func (c Completion) TokensOrEstimate() int {
	if c.Tokens > 0 {
		return c.Tokens
	}
	return CountWords(c.Text)
}

// tagged guarantees every failure leaving a registered backend is a *BackendError
// and that a panicking provider surfaces as an error instead of a crash.
type tagged struct {
	team string
	next Backend
}

func (t *tagged) Name() string  { return t.next.Name() }
func (t *tagged) Model() string { return t.next.Model() }

func (t *tagged) Complete(ctx context.Context, prompt, system string, opts Options) (out Completion, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = Completion{}
			err = &BackendError{Team: t.team, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	out, err = t.next.Complete(ctx, prompt, system, opts)
	if err != nil {
		var be *BackendError
		if errors.As(err, &be) {
			return Completion{}, err
		}
		return Completion{}, &BackendError{Team: t.team, Err: err}
	}
	if strings.TrimSpace(out.Text) == "" {
		return Completion{}, &BackendError{Team: t.team, Err: ErrEmptyCompletion}
	}
	return out, nil
}
