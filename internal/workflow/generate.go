package workflow

import (
	"context"
	"fmt"

	"chimera/internal/llm"
)

// generate asks every job team for code. Each team is isolated: a failure
// only marks that team's output.
func (e *Engine) generate(ctx context.Context, s State) (State, error) {
	mode := "in parallel"
	if !s.Config.ParallelGeneration {
		mode = "sequentially"
	}
	e.addThought(ctx, &s, SourcePlanner, fmt.Sprintf("Generating code with %d backends %s", len(s.Teams), mode))

	prompt := generatePrompt(s)
	jobID, stage := s.JobID, s.Stage
	results := fanOut(ctx, s.Teams, s.Config.ParallelGeneration, func(ctx context.Context, team string) (CodeOutput, []Thought, error) {
		b, err := e.backends.Get(team)
		if err != nil {
			return CodeOutput{}, nil, err
		}
		thoughts := []Thought{e.thought(ctx, jobID, team, fmt.Sprintf("%s is generating the %s component", team, s.Framework))}
		comp, err := b.Complete(llm.WithPhase(ctx, "generate"), prompt, generateSystem, generateOptions)
		if err != nil {
			return CodeOutput{ModelUsed: b.Model()}, thoughts, err
		}
		out := CodeOutput{
			Code:       stripFence(comp.Text),
			ModelUsed:  b.Model(),
			TokenCount: comp.TokensOrEstimate(),
		}
		e.publish(ctx, jobID, EventCodeGenerated, team, CodePayload{
			Code: out.Code, TokenCount: out.TokenCount, ModelUsed: out.ModelUsed,
		})
		thoughts = append(thoughts, e.thought(ctx, jobID, team,
			fmt.Sprintf("%s generated %d tokens of code", team, out.TokenCount)))
		return out, thoughts, nil
	})

	for _, r := range results {
		s.Thoughts = append(s.Thoughts, r.thoughts...)
		out := r.value
		if r.err != nil {
			out.Code = ""
			out.TokenCount = 0
			out.Error = r.err.Error()
			e.publish(ctx, jobID, EventError, r.team, ErrorPayload{Error: out.Error, Stage: stage})
			e.addThought(ctx, &s, r.team, fmt.Sprintf("%s generation failed: %s", r.team, out.Error))
			e.jobLog(s).Warn("generation failed", "team", r.team, "err", r.err)
		}
		s.Outputs[r.team] = out
	}
	s.TotalTokens = s.sumTokens()
	return s, nil
}
