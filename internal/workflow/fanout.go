package workflow

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// branch is the outcome of one per-team call inside a stage.
type branch[T any] struct {
	team     string
	value    T
	thoughts []Thought
	err      error
}

// branchFunc does one team's work. It reports failures through its value
// or err; it never aborts siblings.
type branchFunc[T any] func(ctx context.Context, team string) (T, []Thought, error)

// fanOut runs fn for every team and joins the results in team order,
// regardless of completion order. With parallel=false the teams run one by
// one in the given order. A panicking branch becomes that branch's err.
func fanOut[T any](ctx context.Context, teams []string, parallel bool, fn branchFunc[T]) []branch[T] {
	results := make([]branch[T], len(teams))
	run := func(i int) {
		results[i] = callBranch(ctx, teams[i], fn)
	}
	if !parallel {
		for i := range teams {
			run(i)
		}
		return results
	}

	// Branch errors are data, so the group never cancels siblings.
	var g errgroup.Group
	for i := range teams {
		g.Go(func() error {
			run(i)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func callBranch[T any](ctx context.Context, team string, fn branchFunc[T]) (out branch[T]) {
	out.team = team
	defer func() {
		if r := recover(); r != nil {
			out.err = fmt.Errorf("panic in %s branch: %v", team, r)
		}
	}()
	out.value, out.thoughts, out.err = fn(ctx, team)
	return out
}
