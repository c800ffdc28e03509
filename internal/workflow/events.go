package workflow

import (
	"context"
	"time"
)

type EventType string

const (
	EventStatusChange  EventType = "status_change"
	EventThoughtAdded  EventType = "thought_added"
	EventCodeGenerated EventType = "code_generated"
	EventError         EventType = "error"
	EventConnected     EventType = "connected"
	EventPong          EventType = "pong"
)

// Event is one progress notification for a job.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"jobId"`
	Team      string    `json:"team,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives events. Delivery is best effort; Publish must not block the
// workflow for long and must be safe for concurrent use, since fan-out
// branches publish from their own goroutines.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) {}

// NopSink discards every event.
var NopSink Sink = nopSink{}

// Fanout publishes every event to each sink in order.
func Fanout(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) {
		for _, s := range sinks {
			if s != nil {
				s.Publish(ctx, ev)
			}
		}
	})
}

// Payloads carried in Event.Data.

type StatusPayload struct {
	Stage Stage  `json:"stage"`
	From  Stage  `json:"from,omitempty"`
	Note  string `json:"note,omitempty"`
}

type ThoughtPayload struct {
	Thought Thought `json:"thought"`
}

type CodePayload struct {
	Code       string `json:"code"`
	TokenCount int    `json:"tokenCount"`
	ModelUsed  string `json:"modelUsed"`
	Refined    bool   `json:"refined,omitempty"`
	Iteration  int    `json:"iteration,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
	Stage Stage  `json:"stage"`
}
