package workflow

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"chimera/internal/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario A: one of two backends fails, review disabled.
func TestDriver_PartialGenerationFailureCompletes(t *testing.T) {
	claude := llm.NewScripted("claude")
	gemini := failing("gemini", "generate")
	h := newHarness(t, map[string]*llm.Scripted{"claude": claude, "gemini": gemini}, "claude", "gemini")

	s := newJob(t, "job-a", "fast", func(in *Input) { in.SkipClarification = true })
	s = h.approvePlanAndRun(t, s)

	assert.Equal(t, StageComplete, s.Stage)
	assert.Empty(t, s.ErrorMessage)
	assert.False(t, s.NeedsRefinement)
	assert.Empty(t, s.Reviews)
	assert.Contains(t, s.Outputs["gemini"].Error, "gemini is down")
	assert.Empty(t, s.Outputs["gemini"].Code)
	assert.Contains(t, s.Outputs["claude"].Code, "generated by claude")
	assert.NotContains(t, s.Outputs["claude"].Code, "```")
	assert.Equal(t, s.Outputs["claude"].TokenCount, s.TotalTokens)
	assert.Positive(t, s.TotalTokens)
	assert.Empty(t, claude.CallsFor("clarify"), "skipClarification must not call a backend")
	assert.Contains(t, thoughtTexts(s), "gemini generation failed")

	errs := h.sink.ofType(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "gemini", errs[0].Team)
	assert.Len(t, h.sink.ofType(EventCodeGenerated), 1)
}

// Scenario B: the cap allows one refine pass that only touches the flagged backend.
func TestDriver_RefinesOnlyFlaggedBackendUntilCap(t *testing.T) {
	claude := llm.NewScripted("claude")
	fallback := llm.NewScripted("claude")
	claude.Respond = func(ctx context.Context, call llm.Call) (llm.Completion, error) {
		switch call.Phase {
		case "review":
			if strings.Contains(call.Prompt, "generated by gemini") {
				return llm.Completion{Text: `{"has_issues": true, "issues": ["missing types"], "suggestions": ["add props interface"], "confidence": 0.7}`}, nil
			}
			return llm.Completion{Text: `{"has_issues": false, "issues": [], "suggestions": [], "confidence": 0.9}`}, nil
		case "refine":
			return llm.Completion{Text: "refined gemini code", Tokens: 42}, nil
		}
		return fallback.Complete(ctx, call.Prompt, call.System, call.Options)
	}
	gemini := llm.NewScripted("gemini")
	h := newHarness(t, map[string]*llm.Scripted{"claude": claude, "gemini": gemini}, "claude", "gemini")

	s := newJob(t, "job-b", "balanced", nil)
	s = h.approvePlanAndRun(t, s)

	require.Equal(t, StageComplete, s.Stage, s.ErrorMessage)
	assert.Equal(t, 1, s.RefinementIteration)
	refines := claude.CallsFor("refine")
	require.Len(t, refines, 1)
	assert.Contains(t, refines[0].Prompt, "generated by gemini")
	assert.Contains(t, refines[0].Prompt, "- missing types")
	assert.Contains(t, refines[0].Prompt, "- add props interface")

	assert.Equal(t, "refined gemini code", s.Outputs["gemini"].Code)
	assert.Equal(t, 42, s.Outputs["gemini"].TokenCount)
	assert.Contains(t, s.Outputs["claude"].Code, "generated by claude")
	assert.Len(t, claude.CallsFor("review"), 2, "one review per usable backend")
	assert.True(t, s.Reviews["gemini"].HasIssues)
	assert.True(t, s.NeedsRefinement)
	assert.Equal(t, s.Outputs["claude"].TokenCount+42, s.TotalTokens)
}

// Scenario C: clarify suspends, answers resume into planning and plan approval.
func TestDriver_ClarifySuspendsAndResumes(t *testing.T) {
	claude := phaseScript("claude", map[string]string{
		"clarify": `{"questions": [
			{"id": "persist", "question": "Should todos persist?", "context": "storage"},
			{"id": "theme", "question": "Dark mode?", "required": true}
		]}`,
	})
	h := newHarness(t, map[string]*llm.Scripted{"claude": claude, "gemini": llm.NewScripted("gemini")}, "claude", "gemini")
	ctx := context.Background()

	s, err := h.engine.Run(ctx, newJob(t, "job-c", "balanced", nil))
	require.NoError(t, err)
	require.Equal(t, StageAwaitingAnswers, s.Stage)
	require.Len(t, s.ClarifyingQuestions, 2)
	assert.Empty(t, claude.CallsFor("plan"))

	stored, err := h.store.Load(ctx, "job-c")
	require.NoError(t, err)
	assert.Equal(t, StageAwaitingAnswers, stored.Stage)

	_, err = h.engine.SubmitAnswers(ctx, s, map[string]string{"persist": "localStorage"})
	require.ErrorIs(t, err, ErrMissingAnswers)
	assert.Empty(t, s.ClarifyingAnswers, "a rejected submission leaves the state untouched")

	_, err = h.engine.SubmitAnswers(ctx, s, map[string]string{"nope": "x"})
	require.Error(t, err)

	s, err = h.engine.SubmitAnswers(ctx, s, map[string]string{"persist": "localStorage", "theme": "yes"})
	require.NoError(t, err)
	assert.Equal(t, StagePlanning, s.Stage)
	assert.Equal(t, "yes", s.ClarifyingQuestions[1].Answer)

	s, err = h.engine.Run(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, StageAwaitingApproval, s.Stage)
	assert.False(t, s.PlanApproved)
	assert.NotEmpty(t, s.PlanContent)

	plans := claude.CallsFor("plan")
	require.Len(t, plans, 1)
	assert.Contains(t, plans[0].Prompt, "A: localStorage")
	assert.Contains(t, plans[0].Prompt, "A: yes")

	_, err = h.engine.ApprovePlan(ctx, stored, "")
	assert.ErrorIs(t, err, ErrNotSuspended)
}

// Scenario D: cancellation mid-generation stops the job.
func TestDriver_CancelDuringGeneration(t *testing.T) {
	started := make(chan struct{})
	gemini := llm.NewScripted("gemini")
	fallback := llm.NewScripted("gemini")
	gemini.Respond = func(ctx context.Context, call llm.Call) (llm.Completion, error) {
		if call.Phase != "generate" {
			return fallback.Complete(ctx, call.Prompt, call.System, call.Options)
		}
		close(started)
		<-ctx.Done()
		return llm.Completion{}, ctx.Err()
	}
	claude := llm.NewScripted("claude")
	h := newHarness(t, map[string]*llm.Scripted{"claude": claude, "gemini": gemini}, "claude", "gemini")
	bg := context.Background()

	s, err := h.engine.Run(bg, newJob(t, "job-d", "balanced", func(in *Input) { in.SkipClarification = true }))
	require.NoError(t, err)
	s, err = h.engine.ApprovePlan(bg, s, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg)
	go func() {
		<-started
		cancel()
	}()
	s, err = h.engine.Run(ctx, s)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StageCancelled, s.Stage)
	assert.Empty(t, claude.CallsFor("review"), "no node may run after cancellation")
	assert.Empty(t, s.Reviews)

	stored, err := h.store.Load(bg, "job-d")
	require.NoError(t, err)
	assert.Equal(t, StageCancelled, stored.Stage)

	again, err := h.engine.Run(bg, stored)
	require.NoError(t, err)
	assert.Equal(t, StageCancelled, again.Stage)
	assert.Equal(t, len(stored.Thoughts), len(again.Thoughts))
}

// stubborn answers phase only after release is closed, ignoring ctx. It
// hands the request ctx to seen so the test knows the call is in flight.
func stubborn(id, phase, text string, seen chan<- context.Context, release <-chan struct{}) *llm.Scripted {
	s := llm.NewScripted(id)
	fallback := llm.NewScripted(id)
	s.Respond = func(ctx context.Context, call llm.Call) (llm.Completion, error) {
		if call.Phase != phase {
			return fallback.Complete(ctx, call.Prompt, call.System, call.Options)
		}
		seen <- ctx
		<-release
		return llm.Completion{Text: text}, nil
	}
	return s
}

func TestDriver_CancelBeforeSuspendPointIsNotLost(t *testing.T) {
	cases := []struct {
		name   string
		phase  string
		text   string
		mutate func(*Input)
	}{
		{
			name:   "plan",
			phase:  "plan",
			text:   "# Plan\n\n## Components\n- Board\n",
			mutate: func(in *Input) { in.SkipClarification = true },
		},
		{
			name:  "clarify",
			phase: "clarify",
			text:  `{"questions":[{"id":"q1","question":"Persist?"}]}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen := make(chan context.Context, 1)
			release := make(chan struct{})
			claude := stubborn("claude", tc.phase, tc.text, seen, release)
			h := newHarness(t, map[string]*llm.Scripted{"claude": claude, "gemini": llm.NewScripted("gemini")}, "claude", "gemini")
			bg := context.Background()

			ctx, cancel := context.WithCancel(bg)
			go func() {
				callCtx := <-seen
				cancel()
				<-callCtx.Done()
				close(release)
			}()
			s, err := h.engine.Run(ctx, newJob(t, "job-"+tc.name, "balanced", tc.mutate))
			require.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, StageCancelled, s.Stage)
			assert.False(t, s.Stage.Suspended())
			assert.Empty(t, claude.CallsFor("generate"))

			stored, err := h.store.Load(bg, "job-"+tc.name)
			require.NoError(t, err)
			assert.Equal(t, StageCancelled, stored.Stage)

			_, err = h.engine.ApprovePlan(bg, stored, "")
			assert.ErrorIs(t, err, ErrNotSuspended)
		})
	}
}

func TestDriver_AllBackendsFail(t *testing.T) {
	h := newHarness(t, map[string]*llm.Scripted{
		"claude": failing("claude", "generate"),
		"gemini": failing("gemini", "generate"),
	}, "claude", "gemini")

	s := h.approvePlanAndRun(t, newJob(t, "job-e", "balanced", func(in *Input) { in.SkipClarification = true }))

	assert.Equal(t, StageError, s.Stage)
	assert.Contains(t, s.ErrorMessage, "all code generation attempts failed")
	assert.Contains(t, s.ErrorMessage, "claude is down")
	assert.Len(t, s.Outputs, 2, "partial results stay inspectable")

	stored, err := h.store.Load(context.Background(), "job-e")
	require.NoError(t, err)
	assert.Equal(t, StageError, stored.Stage)
	assert.Equal(t, s.ErrorMessage, stored.ErrorMessage)
	assert.Len(t, h.sink.ofType(EventError), 3)
}

func TestDriver_ReviewDisabledGoesStraightToComplete(t *testing.T) {
	claude := llm.NewScripted("claude")
	h := newHarness(t, map[string]*llm.Scripted{"claude": claude, "gemini": llm.NewScripted("gemini")}, "claude", "gemini")

	s := h.approvePlanAndRun(t, newJob(t, "job-f", "debug", func(in *Input) { in.SkipClarification = true }))

	assert.Equal(t, StageComplete, s.Stage)
	assert.Empty(t, s.Reviews)
	assert.Empty(t, claude.CallsFor("review"))

	var stages []Stage
	for _, ev := range h.sink.ofType(EventStatusChange) {
		stages = append(stages, ev.Data.(StatusPayload).Stage)
	}
	assert.Equal(t, []Stage{StageClarifying, StagePlanning, StageAwaitingApproval, StageGenerating, StageComplete}, stages)
}

func TestDriver_RefinementIterationIsCapped(t *testing.T) {
	claude := phaseScript("claude", map[string]string{
		"review": `{"has_issues": true, "issues": ["still wrong"], "suggestions": [], "confidence": 0.4}`,
		"refine": "another attempt",
	})
	h := newHarness(t, map[string]*llm.Scripted{"claude": claude, "gemini": llm.NewScripted("gemini")}, "claude", "gemini")
	ctx := context.Background()

	s, err := h.engine.Run(ctx, newJob(t, "job-g", "thorough", func(in *Input) { in.SkipClarification = true }))
	require.NoError(t, err)
	s, err = h.engine.ApprovePlan(ctx, s, "# Edited plan\n\n## Steps\n")
	require.NoError(t, err)
	require.NotNil(t, s.PlanModifiedAt)
	assert.Equal(t, "# Edited plan\n\n## Steps", s.PlanContent)

	last := -1
	thoughts := 0
	var final State
	for st := range h.engine.Stream(ctx, s) {
		assert.GreaterOrEqual(t, st.RefinementIteration, last)
		assert.LessOrEqual(t, st.RefinementIteration, st.MaxRefinementIterations)
		assert.GreaterOrEqual(t, len(st.Thoughts), thoughts)
		last, thoughts = st.RefinementIteration, len(st.Thoughts)
		final = st
	}
	assert.Equal(t, StageComplete, final.Stage)
	assert.Equal(t, 2, final.RefinementIteration)
	assert.Len(t, claude.CallsFor("review"), 4)
	assert.Len(t, claude.CallsFor("refine"), 4)
	assert.Equal(t, "another attempt", final.Outputs["gemini"].Code)
	assert.Contains(t, claude.CallsFor("generate")[0].Prompt, "# Edited plan")
}

// Resuming at awaiting_answers reaches the same plan as a job created with
// the answers up front.
func TestDriver_AnswerRoundTripProducesSamePlan(t *testing.T) {
	newClaude := func() *llm.Scripted {
		s := llm.NewScripted("claude")
		s.Respond = func(_ context.Context, call llm.Call) (llm.Completion, error) {
			switch call.Phase {
			case "clarify":
				return llm.Completion{Text: `{"questions":[{"id":"q1","question":"Persist?"},{"id":"q2","question":"Locale?","required":false}]}`}, nil
			case "plan":
				return llm.Completion{Text: "# Plan\n\n" + call.Prompt}, nil
			}
			return llm.Completion{Text: "x"}, nil
		}
		return s
	}
	ctx := context.Background()

	h1 := newHarness(t, map[string]*llm.Scripted{"claude": newClaude()}, "claude")
	resumed, err := h1.engine.Run(ctx, newJob(t, "job-r1", "balanced", func(in *Input) { in.Teams = []string{"claude"} }))
	require.NoError(t, err)
	require.Equal(t, StageAwaitingAnswers, resumed.Stage)
	resumed, err = h1.engine.SubmitAnswers(ctx, resumed, map[string]string{"q1": "yes"})
	require.NoError(t, err)

	// Simulate a process restart: reload from the checkpoint store.
	require.NoError(t, h1.store.Save(ctx, resumed))
	resumed, err = h1.engine.Resume(ctx, "job-r1")
	require.NoError(t, err)
	require.Equal(t, StageAwaitingApproval, resumed.Stage)

	claude2 := newClaude()
	h2 := newHarness(t, map[string]*llm.Scripted{"claude": claude2}, "claude")
	direct, err := h2.engine.Run(ctx, newJob(t, "job-r2", "balanced", func(in *Input) {
		in.Teams = []string{"claude"}
		in.Questions = []ClarifyingQuestion{
			{ID: "q1", Question: "Persist?", Required: true, Answer: "yes"},
			{ID: "q2", Question: "Locale?"},
		}
	}))
	require.NoError(t, err)
	require.Equal(t, StageAwaitingApproval, direct.Stage)
	assert.Empty(t, claude2.CallsFor("clarify"))

	assert.Equal(t, resumed.PlanContent, direct.PlanContent)
	assert.Contains(t, direct.PlanContent, "(not answered)")
}

type panickingPlanner struct{ Backends }

func (p panickingPlanner) ForRole(role llm.Role) (string, llm.Backend, error) {
	if role == llm.RolePlanner {
		panic("planner registry corrupted")
	}
	return p.Backends.ForRole(role)
}

func TestDriver_NodePanicBecomesErrorStage(t *testing.T) {
	h := newHarness(t, map[string]*llm.Scripted{"claude": llm.NewScripted("claude")}, "claude")
	engine := h.newEngine(panickingPlanner{h.reg})

	s, err := engine.Run(context.Background(), newJob(t, "job-p", "balanced", func(in *Input) {
		in.SkipClarification = true
		in.Teams = []string{"claude"}
	}))
	require.NoError(t, err)
	assert.Equal(t, StageError, s.Stage)
	assert.Equal(t, "unexpected failure in plan: planner registry corrupted", s.ErrorMessage)
}

func TestDriver_PlanFailureKeepsCause(t *testing.T) {
	h := newHarness(t, map[string]*llm.Scripted{"claude": failing("claude", "plan")}, "claude")

	s, err := h.engine.Run(context.Background(), newJob(t, "job-pf", "balanced", func(in *Input) {
		in.SkipClarification = true
		in.Teams = []string{"claude"}
	}))
	require.NoError(t, err)
	assert.Equal(t, StageError, s.Stage)
	assert.Equal(t, "planning failed: claude: claude is down", s.ErrorMessage)
}

func TestDriver_CheckpointPolicy(t *testing.T) {
	t.Run("disabled checkpointing still saves suspend and terminal stages", func(t *testing.T) {
		h := newHarness(t, map[string]*llm.Scripted{"claude": llm.NewScripted("claude")}, "claude")
		h.approvePlanAndRun(t, newJob(t, "job-k1", "fast", func(in *Input) { in.Teams = []string{"claude"} }))
		assert.Equal(t, []Stage{StageAwaitingApproval, StageComplete}, h.store.savedStages())
	})
	t.Run("enabled checkpointing saves after every node", func(t *testing.T) {
		h := newHarness(t, map[string]*llm.Scripted{"claude": llm.NewScripted("claude")}, "claude")
		h.approvePlanAndRun(t, newJob(t, "job-k2", "balanced", func(in *Input) { in.Teams = []string{"claude"} }))
		assert.Equal(t, []Stage{StagePlanning, StageAwaitingApproval, StageReviewing, StageReviewing, StageComplete}, h.store.savedStages())
	})
	t.Run("save failures are not fatal", func(t *testing.T) {
		h := newHarness(t, map[string]*llm.Scripted{"claude": llm.NewScripted("claude")}, "claude")
		h.store.fail = true
		s := h.approvePlanAndRun(t, newJob(t, "job-k3", "balanced", func(in *Input) { in.Teams = []string{"claude"} }))
		assert.Equal(t, StageComplete, s.Stage)
	})
}

func TestDriver_WorksWithoutSinkOrStore(t *testing.T) {
	reg := llm.NewRegistry()
	require.NoError(t, reg.Register("claude", llm.NewScripted("claude")))
	engine := New(reg)
	ctx := context.Background()

	s := newJob(t, "job-n", "sequential", func(in *Input) { in.Teams = []string{"claude"} })
	s, err := engine.Run(ctx, s)
	require.NoError(t, err)
	s, err = engine.ApprovePlan(ctx, s, "")
	require.NoError(t, err)
	s, err = engine.Run(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, StageComplete, s.Stage)

	_, err = engine.Resume(ctx, "job-n")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestDriver_InputStateIsNotMutated(t *testing.T) {
	h := newHarness(t, map[string]*llm.Scripted{"claude": llm.NewScripted("claude")}, "claude")
	in := newJob(t, "job-i", "fast", func(in *Input) { in.Teams = []string{"claude"} })

	out, err := h.engine.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StageInitialized, in.Stage)
	assert.Empty(t, in.Thoughts)
	assert.NotEmpty(t, out.Thoughts)
}

func TestDriver_SequentialGenerationKeepsTeamOrder(t *testing.T) {
	var order []string
	mk := func(id string) *llm.Scripted {
		s := llm.NewScripted(id)
		fallback := llm.NewScripted(id)
		s.Respond = func(ctx context.Context, call llm.Call) (llm.Completion, error) {
			if call.Phase == "generate" {
				order = append(order, id)
				time.Sleep(time.Millisecond)
			}
			return fallback.Complete(ctx, call.Prompt, call.System, call.Options)
		}
		return s
	}
	h := newHarness(t, map[string]*llm.Scripted{"a": mk("a"), "b": mk("b"), "c": mk("c")}, "a", "b", "c")

	s := h.approvePlanAndRun(t, newJob(t, "job-s", "debug", func(in *Input) {
		in.SkipClarification = true
		in.Teams = []string{"a", "b", "c"}
	}))
	require.Equal(t, StageComplete, s.Stage)
	assert.Equal(t, []string{"a", "b", "c"}, order)

	var sources []string
	for _, th := range s.Thoughts {
		if th.Source == "a" || th.Source == "b" || th.Source == "c" {
			sources = append(sources, th.Source)
		}
	}
	assert.Equal(t, fmt.Sprint([]string{"a", "a", "b", "b", "c", "c"}), fmt.Sprint(sources))
}
