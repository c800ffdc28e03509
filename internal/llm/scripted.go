package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Call is one request observed by a Scripted backend.
type Call struct {
	Phase   string
	Prompt  string
	System  string
	Options Options
}

// Scripted is a deterministic backend for offline runs and tests.
// Respond, when set, decides every answer; otherwise a canned payload per
// workflow phase is returned.
type Scripted struct {
	ID      string
	Respond func(ctx context.Context, call Call) (Completion, error)
	Delay   time.Duration

	mu    sync.Mutex
	calls []Call
}

func NewScripted(id string) *Scripted {
	if strings.TrimSpace(id) == "" {
		id = "scripted"
	}
	return &Scripted{ID: id}
}

func (s *Scripted) Name() string  { return "Scripted:" + s.ID }
func (s *Scripted) Model() string { return "scripted-" + s.ID }

func (s *Scripted) Complete(ctx context.Context, prompt, system string, opts Options) (Completion, error) {
	call := Call{Phase: PhaseFrom(ctx), Prompt: prompt, System: system, Options: opts}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()

	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Completion{}, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	if s.Respond != nil {
		return s.Respond(ctx, call)
	}
	return Completion{Text: s.canned(call)}, nil
}

// Calls returns a copy of the recorded requests.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns the recorded requests issued during phase.
func (s *Scripted) CallsFor(phase string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Phase == phase {
			out = append(out, c)
		}
	}
	return out
}

func (s *Scripted) canned(call Call) string {
	switch call.Phase {
	case "clarify":
		b, _ := json.Marshal(map[string]any{"questions": []any{}})
		return string(b)
	case "plan":
		return "# Plan\n\n## Components\n- App shell\n- Main view\n\n## Steps\n1. Scaffold the project\n2. Build the main view\n"
	case "generate", "refine":
		return fmt.Sprintf("```tsx\n// generated by %s\nexport default function App() {\n  return <main>Hello</main>;\n}\n```", s.ID)
	case "review":
		b, _ := json.Marshal(map[string]any{
			"has_issues":  false,
			"issues":      []string{},
			"suggestions": []string{},
			"confidence":  0.9,
		})
		return string(b)
	default:
		return "ok"
	}
}
