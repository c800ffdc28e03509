package workflow

import (
	"context"
	"fmt"

	"chimera/internal/llm"
)

// refine rewrites the outputs whose review flagged issues. The iteration
// counter moves once per visit, before any work.
func (e *Engine) refine(ctx context.Context, s State) (State, error) {
	if s.RefinementIteration >= s.MaxRefinementIterations {
		e.addThought(ctx, &s, SourceRefiner, fmt.Sprintf("Refinement cap of %d reached - nothing to do", s.MaxRefinementIterations))
		return s, nil
	}
	s.RefinementIteration++
	iteration := s.RefinementIteration

	var targets []string
	for _, team := range s.UsableTeams() {
		if r, ok := s.Reviews[team]; ok && r.HasIssues {
			targets = append(targets, team)
		}
	}
	e.addThought(ctx, &s, SourceRefiner,
		fmt.Sprintf("Refinement iteration %d/%d for %d outputs", iteration, s.MaxRefinementIterations, len(targets)))

	_, refiner, lookupErr := e.backends.ForRole(llm.RoleRefiner)
	jobID := s.JobID
	snapshot := s
	results := fanOut(ctx, targets, true, func(ctx context.Context, team string) (llm.Completion, []Thought, error) {
		if lookupErr != nil {
			return llm.Completion{}, nil, lookupErr
		}
		thoughts := []Thought{e.thought(ctx, jobID, SourceRefiner, fmt.Sprintf("Refining %s code based on review feedback", team))}
		comp, err := refiner.Complete(llm.WithPhase(ctx, "refine"),
			refinePrompt(snapshot.Outputs[team].Code, snapshot.Reviews[team]), refineSystem, refineOptions)
		if err != nil {
			return llm.Completion{}, thoughts, err
		}
		return comp, thoughts, nil
	})

	for _, r := range results {
		s.Thoughts = append(s.Thoughts, r.thoughts...)
		if r.err != nil {
			e.addThought(ctx, &s, SourceRefiner, fmt.Sprintf("%s refinement error: %v", r.team, r.err))
			e.jobLog(s).Warn("refinement failed", "team", r.team, "err", r.err)
			continue
		}
		out := s.Outputs[r.team]
		out.Code = stripFence(r.value.Text)
		out.TokenCount = r.value.TokensOrEstimate()
		s.Outputs[r.team] = out
		e.publish(ctx, jobID, EventCodeGenerated, r.team, CodePayload{
			Code: out.Code, TokenCount: out.TokenCount, ModelUsed: out.ModelUsed, Refined: true, Iteration: iteration,
		})
		e.addThought(ctx, &s, SourceRefiner, fmt.Sprintf("%s code refined successfully", r.team))
	}
	s.TotalTokens = s.sumTokens()
	return s, nil
}
