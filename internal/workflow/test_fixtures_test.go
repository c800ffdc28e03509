package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chimera/internal/llm"

	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// memCheckpoints is a minimal Checkpointer that counts saves.
type memCheckpoints struct {
	mu    sync.Mutex
	byID  map[string]State
	saves []Stage
	fail  bool
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{byID: map[string]State{}}
}

func (m *memCheckpoints) Save(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("disk full")
	}
	m.byID[s.JobID] = s.Clone()
	m.saves = append(m.saves, s.Stage)
	return nil
}

func (m *memCheckpoints) Load(_ context.Context, jobID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[jobID]
	if !ok {
		return State{}, ErrNoCheckpoint
	}
	return s.Clone(), nil
}

func (m *memCheckpoints) savedStages() []Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Stage(nil), m.saves...)
}

// recordingSink keeps every published event.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	reg    *llm.Registry
	engine *Engine
	store  *memCheckpoints
	sink   *recordingSink
	ids    atomic.Int64
}

// newHarness registers the backends under their team names, in order.
func newHarness(t *testing.T, backends map[string]*llm.Scripted, order ...string) *harness {
	t.Helper()
	h := &harness{reg: llm.NewRegistry(), store: newMemCheckpoints(), sink: &recordingSink{}}
	for _, team := range order {
		require.NoError(t, h.reg.Register(team, backends[team]))
	}
	h.engine = h.newEngine(h.reg)
	return h
}

func (h *harness) newEngine(b Backends) *Engine {
	return New(b,
		WithSink(h.sink),
		WithCheckpointer(h.store),
		WithClock(func() time.Time { return fixedNow }),
		WithIDs(func() string { return fmt.Sprintf("t-%d", h.ids.Add(1)) }),
	)
}

func newJob(t *testing.T, id string, preset string, mutate func(*Input)) State {
	t.Helper()
	cfg, err := PresetByName(preset)
	require.NoError(t, err)
	in := Input{Brief: "A todo list with filters", Framework: "react", Config: cfg, Teams: []string{"claude", "gemini"}}
	if mutate != nil {
		mutate(&in)
	}
	s, err := NewState(id, in, fixedNow)
	require.NoError(t, err)
	return s
}

// phaseScript answers by phase with fixed texts; missing phases fall back to
// the Scripted defaults.
func phaseScript(id string, texts map[string]string) *llm.Scripted {
	s := llm.NewScripted(id)
	fallback := llm.NewScripted(id)
	s.Respond = func(ctx context.Context, call llm.Call) (llm.Completion, error) {
		if text, ok := texts[call.Phase]; ok {
			return llm.Completion{Text: text}, nil
		}
		return fallback.Complete(ctx, call.Prompt, call.System, call.Options)
	}
	return s
}

// failing answers the given phase with an error.
func failing(id, phase string) *llm.Scripted {
	s := llm.NewScripted(id)
	fallback := llm.NewScripted(id)
	s.Respond = func(ctx context.Context, call llm.Call) (llm.Completion, error) {
		if call.Phase == phase {
			return llm.Completion{}, fmt.Errorf("%s is down", id)
		}
		return fallback.Complete(ctx, call.Prompt, call.System, call.Options)
	}
	return s
}

// approvePlanAndRun drives s from the start through plan approval.
func (h *harness) approvePlanAndRun(t *testing.T, s State) State {
	t.Helper()
	ctx := context.Background()
	s, err := h.engine.Run(ctx, s)
	require.NoError(t, err)
	require.Equal(t, StageAwaitingApproval, s.Stage, "errorMessage=%s", s.ErrorMessage)
	s, err = h.engine.ApprovePlan(ctx, s, "")
	require.NoError(t, err)
	s, err = h.engine.Run(ctx, s)
	require.NoError(t, err)
	return s
}

func thoughtTexts(s State) string {
	var b strings.Builder
	for _, th := range s.Thoughts {
		b.WriteString(th.Source + ": " + th.Text + "\n")
	}
	return b.String()
}
