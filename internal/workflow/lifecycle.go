package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotSuspended is returned when input arrives for a job that is not
	// waiting for it.
	ErrNotSuspended = errors.New("workflow: job is not waiting for this input")
	// ErrMissingAnswers is returned when required clarifying questions are
	// left unanswered.
	ErrMissingAnswers = errors.New("workflow: required questions are unanswered")
)

// SubmitAnswers merges answers into a job suspended at awaiting_answers and
// moves it to planning. The returned state is ready for Run. s is not
// modified, including on error.
func (e *Engine) SubmitAnswers(ctx context.Context, s State, answers map[string]string) (State, error) {
	if s.Stage != StageAwaitingAnswers {
		return s, fmt.Errorf("%w: stage is %s", ErrNotSuspended, s.Stage)
	}
	next := s.Clone()
	known := map[string]bool{}
	for _, q := range next.ClarifyingQuestions {
		known[q.ID] = true
	}
	for id, answer := range answers {
		id = strings.TrimSpace(id)
		if !known[id] {
			return s, fmt.Errorf("%w: unknown question %q", ErrInvalidInput, id)
		}
		if answer = strings.TrimSpace(answer); answer != "" {
			next.ClarifyingAnswers[id] = answer
		}
	}
	for i, q := range next.ClarifyingQuestions {
		if a, ok := next.ClarifyingAnswers[q.ID]; ok {
			next.ClarifyingQuestions[i].Answer = a
		}
	}
	if missing := missingRequired(next); len(missing) > 0 {
		return s, fmt.Errorf("%w: %s", ErrMissingAnswers, strings.Join(missing, ", "))
	}
	e.addThought(ctx, &next, SourcePlanner,
		fmt.Sprintf("Received answers to %d of %d clarifying questions", len(next.ClarifyingAnswers), len(next.ClarifyingQuestions)))
	e.setStage(ctx, &next, StagePlanning, "answers received")
	return next, nil
}

// ApprovePlan approves the plan of a job suspended at awaiting_approval and
// moves it to generating. A non-empty editedPlan replaces the plan.
func (e *Engine) ApprovePlan(ctx context.Context, s State, editedPlan string) (State, error) {
	if s.Stage != StageAwaitingApproval {
		return s, fmt.Errorf("%w: stage is %s", ErrNotSuspended, s.Stage)
	}
	next := s.Clone()
	if plan := strings.TrimSpace(editedPlan); plan != "" && plan != next.PlanContent {
		now := e.now()
		next.PlanContent = plan
		next.PlanModifiedAt = &now
		e.addThought(ctx, &next, SourcePlanner, "Plan edited before approval")
	}
	next.PlanApproved = true
	e.addThought(ctx, &next, SourcePlanner, "Plan approved - starting code generation")
	e.setStage(ctx, &next, StageGenerating, "plan approved")
	return next, nil
}
