package run

import (
	"context"
	"strings"
	"sync"
	"time"

	"chimera/internal/workflow"
)

const (
	finishedJobRetention = 30 * time.Second
	historyLimit         = 256
)

type jobStream struct {
	history []workflow.Event
	subs    map[int]chan workflow.Event
	closed  bool
}

// Broker fans job events out to subscribers. It keeps a short history per
// job so late subscribers see what already happened.
type Broker struct {
	mu        sync.RWMutex
	jobs      map[string]*jobStream
	nextSub   int
	retention time.Duration
}

func NewBroker() *Broker {
	return &Broker{jobs: make(map[string]*jobStream), retention: finishedJobRetention}
}

func (b *Broker) stream(jobID string) *jobStream {
	js, ok := b.jobs[jobID]
	if !ok {
		js = &jobStream{subs: make(map[int]chan workflow.Event)}
		b.jobs[jobID] = js
	}
	return js
}

// Publish implements workflow.Sink. Slow subscribers drop events rather
// than block the workflow.
func (b *Broker) Publish(_ context.Context, ev workflow.Event) {
	id := strings.TrimSpace(ev.JobID)
	if id == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	js := b.stream(id)
	if js.closed {
		return
	}
	js.history = append(js.history, ev)
	if len(js.history) > historyLimit {
		js.history = js.history[len(js.history)-historyLimit:]
	}
	for _, ch := range js.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel that first replays the job's recent history
// and then carries live events. The channel is closed when the job's stream
// is closed or cancel is called.
func (b *Broker) Subscribe(jobID string, size int) (<-chan workflow.Event, func()) {
	id := strings.TrimSpace(jobID)
	b.mu.Lock()
	js := b.stream(id)
	if size < len(js.history)+1 {
		size = len(js.history) + 1
	}
	ch := make(chan workflow.Event, size)
	for _, ev := range js.history {
		ch <- ev
	}
	if js.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.nextSub++
	key := b.nextSub
	js.subs[key] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := b.jobs[id]; ok {
				if sub, ok := cur.subs[key]; ok {
					delete(cur.subs, key)
					close(sub)
				}
			}
		})
	}
}

// Close ends the job's stream: subscribers are closed and later events are
// dropped. The history is removed after the retention period.
func (b *Broker) Close(jobID string) {
	id := strings.TrimSpace(jobID)
	b.mu.Lock()
	js := b.stream(id)
	if !js.closed {
		js.closed = true
		for key, ch := range js.subs {
			delete(js.subs, key)
			close(ch)
		}
	}
	b.mu.Unlock()

	time.AfterFunc(b.retention, func() {
		b.mu.Lock()
		if cur, ok := b.jobs[id]; ok && cur == js {
			delete(b.jobs, id)
		}
		b.mu.Unlock()
	})
}
