package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chimera/internal/llm"

	"github.com/google/uuid"
)

// Backends resolves team names to completion backends.
type Backends interface {
	Get(team string) (llm.Backend, error)
	ForRole(role llm.Role) (string, llm.Backend, error)
}

// ErrNoCheckpoint is returned by Checkpointer.Load for unknown jobs.
var ErrNoCheckpoint = errors.New("workflow: no checkpoint for job")

// Checkpointer persists job state keyed by job ID.
type Checkpointer interface {
	Save(ctx context.Context, s State) error
	Load(ctx context.Context, jobID string) (State, error)
}

// Engine drives jobs through the stage graph. It holds no per-job state and
// can run any number of jobs concurrently.
type Engine struct {
	backends Backends
	sink     Sink
	store    Checkpointer
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

type Option func(*Engine)

func WithSink(s Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

func WithCheckpointer(c Checkpointer) Option {
	return func(e *Engine) { e.store = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDs overrides the thought ID generator.
func WithIDs(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

func New(backends Backends, opts ...Option) *Engine {
	e := &Engine{
		backends: backends,
		sink:     NopSink,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) publish(ctx context.Context, jobID string, typ EventType, team string, data any) {
	e.sink.Publish(ctx, Event{Type: typ, JobID: jobID, Team: team, Data: data, Timestamp: e.now()})
}

// thought builds a thought and publishes it right away. Callers append it
// to the state they own.
func (e *Engine) thought(ctx context.Context, jobID, source, text string) Thought {
	t := Thought{ID: e.newID(), Text: text, Timestamp: e.now(), Source: source}
	e.publish(ctx, jobID, EventThoughtAdded, source, ThoughtPayload{Thought: t})
	return t
}

func (e *Engine) addThought(ctx context.Context, s *State, source, text string) {
	s.Thoughts = append(s.Thoughts, e.thought(ctx, s.JobID, source, text))
}

func (e *Engine) setStage(ctx context.Context, s *State, stage Stage, note string) {
	if s.Stage == stage {
		return
	}
	from := s.Stage
	s.Stage = stage
	s.UpdatedAt = e.now()
	e.publish(ctx, s.JobID, EventStatusChange, "", StatusPayload{Stage: stage, From: from, Note: note})
}

func (e *Engine) jobLog(s State) *slog.Logger {
	return e.log.With("job_id", s.JobID, "stage", string(s.Stage))
}
