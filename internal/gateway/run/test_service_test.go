package run

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"chimera/internal/checkpoint"
	"chimera/internal/llm"
	"chimera/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc    *Service
	store  *checkpoint.MemoryStore
	claude *llm.Scripted
	gemini *llm.Scripted
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  checkpoint.NewMemoryStore(),
		claude: llm.NewScripted("claude"),
		gemini: llm.NewScripted("gemini"),
	}
	reg := llm.NewRegistry()
	require.NoError(t, reg.Register("claude", f.claude))
	require.NoError(t, reg.Register("gemini", f.gemini))

	broker := NewBroker()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := workflow.New(reg,
		workflow.WithSink(broker),
		workflow.WithCheckpointer(f.store),
		workflow.WithLogger(logger),
	)
	f.svc = New(engine, f.store, reg, broker, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.svc.Shutdown(ctx)
	})
	return f
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestService_StartApproveComplete(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)

	st, err := f.svc.Start(ctx, StartRequest{Brief: "A todo list", Preset: "balanced", SkipClarification: true})
	require.NoError(t, err)
	assert.Equal(t, workflow.StageInitialized, st.Stage)
	assert.Equal(t, []string{"claude", "gemini"}, st.Teams)

	events, stop := f.svc.Events().Subscribe(st.JobID, 1024)
	defer stop()

	st, err = f.svc.Wait(ctx, st.JobID)
	require.NoError(t, err)
	require.Equal(t, workflow.StageAwaitingApproval, st.Stage)
	assert.NotEmpty(t, st.PlanContent)

	st, err = f.svc.ApprovePlan(ctx, st.JobID, "# Edited plan\n\n## Components\n")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageGenerating, st.Stage)

	st, err = f.svc.Wait(ctx, st.JobID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageComplete, st.Stage)
	assert.Equal(t, "# Edited plan\n\n## Components", st.PlanContent)
	assert.NotNil(t, st.PlanModifiedAt)
	assert.Len(t, st.Outputs, 2)

	var stages []workflow.Stage
	for ev := range events {
		if ev.Type == workflow.EventStatusChange {
			stages = append(stages, ev.Data.(workflow.StatusPayload).Stage)
		}
	}
	require.NotEmpty(t, stages)
	assert.Equal(t, workflow.StageComplete, stages[len(stages)-1], "stream closes after the terminal stage")
}

func TestService_ClarifyRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	f.claude.Respond = func(_ context.Context, call llm.Call) (llm.Completion, error) {
		if call.Phase == "clarify" {
			return llm.Completion{Text: `{"questions":[{"question":"Dark mode?"},{"question":"Locale?","required":false}]}`}, nil
		}
		return llm.Completion{Text: "# Plan\n\n## Components"}, nil
	}

	st, err := f.svc.Start(ctx, StartRequest{Brief: "Settings page", Preset: "fast", Teams: []string{"claude"}})
	require.NoError(t, err)
	st, err = f.svc.Wait(ctx, st.JobID)
	require.NoError(t, err)
	require.Equal(t, workflow.StageAwaitingAnswers, st.Stage)
	require.Len(t, st.ClarifyingQuestions, 2)

	_, err = f.svc.SubmitAnswers(ctx, st.JobID, map[string]string{"q2": "en"})
	assert.ErrorIs(t, err, workflow.ErrMissingAnswers)
	st, err = f.svc.GetState(ctx, st.JobID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageAwaitingAnswers, st.Stage)

	_, err = f.svc.SubmitAnswers(ctx, st.JobID, map[string]string{"q1": "yes"})
	require.NoError(t, err)
	st, err = f.svc.Wait(ctx, st.JobID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageAwaitingApproval, st.Stage)
	assert.Equal(t, "yes", st.ClarifyingAnswers["q1"])

	_, err = f.svc.SubmitAnswers(ctx, st.JobID, map[string]string{"q1": "no"})
	assert.ErrorIs(t, err, workflow.ErrNotSuspended)
}

func TestService_CancelRunningJob(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	started := make(chan struct{}, 2)
	block := func(ctx context.Context, call llm.Call) (llm.Completion, error) {
		if call.Phase != "generate" {
			return llm.Completion{Text: "# Plan"}, nil
		}
		started <- struct{}{}
		<-ctx.Done()
		return llm.Completion{}, ctx.Err()
	}
	f.claude.Respond = block
	f.gemini.Respond = block

	st, err := f.svc.Start(ctx, StartRequest{Brief: "Kanban board", Preset: "balanced", SkipClarification: true})
	require.NoError(t, err)
	st, err = f.svc.Wait(ctx, st.JobID)
	require.NoError(t, err)
	_, err = f.svc.ApprovePlan(ctx, st.JobID, "")
	require.NoError(t, err)
	<-started

	_, err = f.svc.ApprovePlan(ctx, st.JobID, "")
	assert.ErrorIs(t, err, ErrJobBusy)

	st, err = f.svc.Cancel(ctx, st.JobID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageCancelled, st.Stage)
	assert.Empty(t, f.claude.CallsFor("review"))

	again, err := f.svc.Cancel(ctx, st.JobID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageCancelled, again.Stage)
}

func TestService_CancelWhilePlanningWithBackendIgnoringCancel(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	inFlight := make(chan context.Context, 1)
	release := make(chan struct{})
	f.claude.Respond = func(callCtx context.Context, call llm.Call) (llm.Completion, error) {
		if call.Phase == "plan" {
			inFlight <- callCtx
			<-release
		}
		return llm.Completion{Text: "# Plan\n\n## Components"}, nil
	}

	st, err := f.svc.Start(ctx, StartRequest{Brief: "Kanban board", Preset: "fast", SkipClarification: true})
	require.NoError(t, err)
	callCtx := <-inFlight

	type result struct {
		st  workflow.State
		err error
	}
	done := make(chan result, 1)
	go func() {
		got, err := f.svc.Cancel(ctx, st.JobID)
		done <- result{got, err}
	}()
	select {
	case <-callCtx.Done():
	case <-ctx.Done():
		t.Fatal("cancel never reached the running drive")
	}
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, workflow.StageCancelled, res.st.Stage)

	stored, err := f.svc.GetState(ctx, st.JobID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageCancelled, stored.Stage)
	assert.Empty(t, f.claude.CallsFor("generate"))

	_, err = f.svc.ApprovePlan(ctx, st.JobID, "")
	assert.ErrorIs(t, err, workflow.ErrNotSuspended)
}

func TestService_CancelSuspendedJob(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	st, err := f.svc.Start(ctx, StartRequest{Brief: "Blog", SkipClarification: true})
	require.NoError(t, err)
	_, err = f.svc.Wait(ctx, st.JobID)
	require.NoError(t, err)

	st, err = f.svc.Cancel(ctx, st.JobID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageCancelled, st.Stage)
	stored, err := f.store.Load(ctx, st.JobID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageCancelled, stored.Stage)
}

func TestService_ListAndErrors(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)

	_, err := f.svc.GetState(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = f.svc.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = f.svc.Start(ctx, StartRequest{Brief: "x", Preset: "turbo"})
	assert.ErrorIs(t, err, workflow.ErrInvalidConfig)
	_, err = f.svc.Start(ctx, StartRequest{Brief: "x", Teams: []string{"mistral"}})
	assert.ErrorIs(t, err, llm.ErrUnknownBackend)
	_, err = f.svc.Start(ctx, StartRequest{Brief: "x", Config: &workflow.Config{MaxRefinementIterations: 9}})
	assert.ErrorIs(t, err, workflow.ErrInvalidConfig)

	for i := 0; i < 2; i++ {
		st, err := f.svc.Start(ctx, StartRequest{Brief: "Dashboard", SkipClarification: true})
		require.NoError(t, err)
		_, err = f.svc.Wait(ctx, st.JobID)
		require.NoError(t, err)
	}
	waiting, err := f.svc.List(ctx, workflow.StageAwaitingApproval)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)
	_, err = f.svc.List(ctx, "sleeping")
	assert.Error(t, err)
}

func TestService_Recover(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	cfg, err := workflow.PresetByName("fast")
	require.NoError(t, err)
	st, err := workflow.NewState("crashed", workflow.Input{
		Brief: "Recipe app", Config: cfg, SkipClarification: true, Teams: []string{"claude"},
	}, time.Now())
	require.NoError(t, err)
	st.Stage = workflow.StagePlanning
	require.NoError(t, f.store.Save(ctx, st))

	ids, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"crashed"}, ids)
	st, err = f.svc.Wait(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageAwaitingApproval, st.Stage)
}
