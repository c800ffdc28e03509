package workflow

import (
	"context"
	"fmt"

	"chimera/internal/llm"
)

// review re-reviews every usable output, in parallel, with the reviewer
// backend. Unparseable or failed reviews fall back to a permissive verdict.
func (e *Engine) review(ctx context.Context, s State) (State, error) {
	if !s.Config.EnableReview {
		s.NeedsRefinement = false
		return s, nil
	}
	teams := s.UsableTeams()
	reviewerTeam, reviewer, lookupErr := e.backends.ForRole(llm.RoleReviewer)
	e.addThought(ctx, &s, SourceReviewer, fmt.Sprintf("Reviewing %d outputs at %s strictness", len(teams), s.Config.ReviewStrictness))

	jobID := s.JobID
	snapshot := s
	results := fanOut(ctx, teams, true, func(ctx context.Context, team string) (ReviewResult, []Thought, error) {
		if lookupErr != nil {
			return defaultReview(), nil, lookupErr
		}
		thoughts := []Thought{e.thought(ctx, jobID, SourceReviewer,
			fmt.Sprintf("Reviewing %s output - analyzing code quality and correctness", team))}
		comp, err := reviewer.Complete(llm.WithPhase(ctx, "review"),
			reviewPrompt(snapshot, snapshot.Outputs[team].Code), reviewSystem, reviewOptions)
		if err != nil {
			return defaultReview(), thoughts, err
		}
		verdict, ok := parseReview(comp.Text)
		switch {
		case !ok:
			thoughts = append(thoughts, e.thought(ctx, jobID, SourceReviewer,
				fmt.Sprintf("%s review could not be parsed - treating as passed", team)))
		case verdict.HasIssues:
			thoughts = append(thoughts, e.thought(ctx, jobID, SourceReviewer,
				fmt.Sprintf("%s review found %d issues", team, len(verdict.Issues))))
		default:
			thoughts = append(thoughts, e.thought(ctx, jobID, SourceReviewer,
				fmt.Sprintf("%s review passed - no critical issues found", team)))
		}
		return verdict, thoughts, nil
	})

	reviews := make(map[string]ReviewResult, len(results))
	needs := false
	for _, r := range results {
		s.Thoughts = append(s.Thoughts, r.thoughts...)
		verdict := r.value
		if r.err != nil {
			verdict = defaultReview()
			e.addThought(ctx, &s, SourceReviewer, fmt.Sprintf("%s review failed (%v) - treating as passed", r.team, r.err))
			e.jobLog(s).Warn("review failed", "team", r.team, "reviewer", reviewerTeam, "err", r.err)
		}
		reviews[r.team] = verdict
		needs = needs || verdict.HasIssues
	}
	s.Reviews = reviews
	s.NeedsRefinement = needs
	return s, nil
}
