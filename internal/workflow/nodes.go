package workflow

import (
	"context"
	"fmt"
	"strings"

	"chimera/internal/llm"
)

// node runs one stage against a private copy of the state.
type node func(ctx context.Context, s State) (State, error)

func (e *Engine) nodeFor(r Route) node {
	switch r {
	case RouteClarify:
		return e.clarify
	case RoutePlan:
		return e.plan
	case RouteGenerate:
		return e.generate
	case RouteReview:
		return e.review
	case RouteRefine:
		return e.refine
	case RouteComplete:
		return e.complete
	}
	return nil
}

// -------- clarify --------

func (e *Engine) clarify(ctx context.Context, s State) (State, error) {
	if s.SkipClarification {
		e.addThought(ctx, &s, SourcePlanner, "Clarification skipped - proceeding directly to planning")
		return s, nil
	}
	if len(s.ClarifyingQuestions) > 0 {
		if missing := missingRequired(s); len(missing) > 0 {
			e.setStage(ctx, &s, StageAwaitingAnswers, "waiting for answers")
			return s, nil
		}
		e.addThought(ctx, &s, SourcePlanner,
			fmt.Sprintf("Using %d clarifying answers supplied with the job", len(s.ClarifyingAnswers)))
		return s, nil
	}

	team, b, err := e.backends.ForRole(llm.RoleClarifier)
	if err != nil {
		e.addThought(ctx, &s, SourcePlanner, fmt.Sprintf("No clarifier available (%v) - continuing without questions", err))
		return s, nil
	}
	e.addThought(ctx, &s, SourcePlanner, "Analyzing brief for ambiguities before planning")
	comp, err := b.Complete(llm.WithPhase(ctx, "clarify"), clarifyPrompt(s), clarifySystem, clarifyOptions)
	if err != nil {
		e.jobLog(s).Warn("clarification failed", "team", team, "err", err)
		e.addThought(ctx, &s, SourcePlanner, fmt.Sprintf("Clarification failed (%v) - continuing without questions", err))
		return s, nil
	}
	questions := parseQuestions(comp.Text, maxClarifyingQuestions)
	if len(questions) == 0 {
		e.addThought(ctx, &s, SourcePlanner, "Brief is clear - no clarifying questions needed")
		return s, nil
	}
	s.ClarifyingQuestions = questions
	e.addThought(ctx, &s, SourcePlanner, fmt.Sprintf("Generated %d clarifying questions", len(questions)))
	e.setStage(ctx, &s, StageAwaitingAnswers, "waiting for answers")
	return s, nil
}

func missingRequired(s State) []string {
	var missing []string
	for _, q := range s.ClarifyingQuestions {
		if !q.Required {
			continue
		}
		if strings.TrimSpace(s.ClarifyingAnswers[q.ID]) == "" && !q.Answered() {
			missing = append(missing, q.ID)
		}
	}
	return missing
}

// -------- plan --------

func (e *Engine) plan(ctx context.Context, s State) (State, error) {
	e.addThought(ctx, &s, SourcePlanner, "Starting planning phase - analyzing requirements and creating implementation strategy")

	team, b, err := e.backends.ForRole(llm.RolePlanner)
	if err != nil {
		s.ErrorMessage = fmt.Sprintf("planning backend unavailable: %v", err)
		return s, nil
	}
	comp, err := b.Complete(llm.WithPhase(ctx, "plan"), planPrompt(s), planSystem, planOptions)
	if err != nil {
		s.ErrorMessage = fmt.Sprintf("planning failed: %v", err)
		e.publish(ctx, s.JobID, EventError, team, ErrorPayload{Error: err.Error(), Stage: s.Stage})
		return s, nil
	}
	s.PlanContent = strings.TrimSpace(comp.Text)
	s.PlanApproved = false
	if s.PlanContent == "" {
		return s, nil
	}

	summary := fmt.Sprintf("Implementation plan created by %s: %d words", team, llm.CountWords(s.PlanContent))
	if outline := planOutline(s.PlanContent); len(outline) > 0 {
		if len(outline) > 6 {
			outline = append(outline[:6:6], "...")
		}
		summary += " covering " + strings.Join(outline, ", ")
	}
	e.addThought(ctx, &s, SourcePlanner, summary)
	e.setStage(ctx, &s, StageAwaitingApproval, "plan ready for approval")
	return s, nil
}

// -------- complete / error --------

func (e *Engine) complete(ctx context.Context, s State) (State, error) {
	e.setStage(ctx, &s, StageComplete, "")
	e.addThought(ctx, &s, SourcePlanner, "Orchestration workflow complete - all phases finished successfully")
	e.jobLog(s).Info("workflow complete",
		"iterations", s.RefinementIteration, "total_tokens", s.TotalTokens, "usable", len(s.UsableTeams()))
	return s, nil
}

// fail moves s to the error stage. An error message already on the state
// wins over reason.
func (e *Engine) fail(ctx context.Context, s State, reason string) State {
	from := s.Stage
	if strings.TrimSpace(s.ErrorMessage) == "" {
		s.ErrorMessage = strings.TrimSpace(reason)
	}
	if s.ErrorMessage == "" {
		s.ErrorMessage = fmt.Sprintf("workflow failed during %s", from)
	}
	e.setStage(ctx, &s, StageError, s.ErrorMessage)
	e.addThought(ctx, &s, SourcePlanner, "Workflow failed: "+s.ErrorMessage)
	e.publish(ctx, s.JobID, EventError, "", ErrorPayload{Error: s.ErrorMessage, Stage: from})
	e.log.Error("workflow failed", "job_id", s.JobID, "stage", string(from), "err", s.ErrorMessage)
	return s
}
