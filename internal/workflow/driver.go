package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// Run drives s until it completes, fails, is cancelled or reaches a suspend
// point, and returns the last state. The input is never modified. A
// cancelled ctx yields a cancelled state together with ctx's error.
func (e *Engine) Run(ctx context.Context, s State) (State, error) {
	return e.drive(ctx, s, nil)
}

// Stream is Run that also yields the state after every node. The channel is
// closed once the job stops; callers must drain it.
func (e *Engine) Stream(ctx context.Context, s State) <-chan State {
	ch := make(chan State, 4)
	go func() {
		defer close(ch)
		_, _ = e.drive(ctx, s, func(st State) { ch <- st })
	}()
	return ch
}

// Resume loads the checkpoint for jobID and runs it.
func (e *Engine) Resume(ctx context.Context, jobID string) (State, error) {
	if e.store == nil {
		return State{}, fmt.Errorf("workflow: resume %s: %w", jobID, ErrNoCheckpoint)
	}
	s, err := e.store.Load(ctx, jobID)
	if err != nil {
		return State{}, fmt.Errorf("workflow: resume %s: %w", jobID, err)
	}
	return e.Run(ctx, s)
}

func (e *Engine) drive(ctx context.Context, s State, emit func(State)) (State, error) {
	if emit == nil {
		emit = func(State) {}
	}
	s = s.Clone()
	d, ok := entry(s)
	if !ok {
		return s, nil
	}
	e.jobLog(s).Debug("driver start", "route", string(d.Next))

	for {
		if err := ctx.Err(); err != nil {
			s = e.cancel(ctx, s)
			emit(s)
			return s, err
		}

		s = e.step(ctx, s, d)
		// A cancel that lands while a node heads for a suspend point still
		// ends the job; finished jobs keep their stage.
		if err := ctx.Err(); err != nil && !s.Stage.Terminal() {
			s = e.cancel(ctx, s)
			emit(s)
			return s, err
		}
		if s.Stage.Terminal() || s.Stage.Suspended() {
			e.checkpoint(ctx, s, true)
			emit(s)
			if s.Stage.Suspended() {
				e.jobLog(s).Info("workflow suspended")
			}
			return s, nil
		}
		emit(s)

		d = Next(s)
		e.jobLog(s).Debug("route", "next", string(d.Next), "reason", d.Reason)
		if d.Next != RouteComplete && d.Next != RouteError {
			e.setStage(ctx, &s, stageFor(d.Next), d.Reason)
		}
		e.checkpoint(ctx, s, false)
	}
}

// step runs the node for d. Node errors and panics become the error stage.
func (e *Engine) step(ctx context.Context, s State, d Decision) (out State) {
	if d.Next == RouteError {
		return e.fail(ctx, s, d.Reason)
	}
	run := e.nodeFor(d.Next)
	if run == nil {
		return e.fail(ctx, s, fmt.Sprintf("no node for route %q", d.Next))
	}
	if stage := stageFor(d.Next); stage != StageComplete {
		e.setStage(ctx, &s, stage, d.Reason)
	}

	defer func() {
		if r := recover(); r != nil {
			e.jobLog(s).Error("node panicked", "node", string(d.Next), "panic", r, "stack", string(debug.Stack()))
			out = e.fail(ctx, s, fmt.Sprintf("unexpected failure in %s: %v", d.Next, r))
		}
	}()
	next, err := run(ctx, s.Clone())
	if err != nil {
		e.jobLog(s).Error("node failed", "node", string(d.Next), "err", err)
		return e.fail(ctx, s, fmt.Sprintf("unexpected failure in %s: %v", d.Next, err))
	}
	next.UpdatedAt = e.now()
	return next
}

// cancel marks s as cancelled without rolling back recorded results.
func (e *Engine) cancel(ctx context.Context, s State) State {
	if s.Stage.Terminal() {
		return s
	}
	bg := context.WithoutCancel(ctx)
	s = s.Clone()
	from := s.Stage
	e.setStage(bg, &s, StageCancelled, "cancelled")
	e.addThought(bg, &s, SourcePlanner, fmt.Sprintf("Job cancelled during %s", from))
	e.checkpoint(bg, s, true)
	e.jobLog(s).Info("workflow cancelled", "from", string(from))
	return s
}

// Cancel marks a job that is not being driven (for example one waiting at a
// suspend point) as cancelled and persists it.
func (e *Engine) Cancel(ctx context.Context, s State) State {
	return e.cancel(ctx, s)
}

// checkpoint saves s. With checkpointing disabled only forced saves (suspend
// points and terminal stages) are written. Failures are logged, never fatal.
func (e *Engine) checkpoint(ctx context.Context, s State, force bool) {
	if e.store == nil {
		return
	}
	if !s.Config.EnableCheckpointing && !force {
		return
	}
	if err := e.store.Save(context.WithoutCancel(ctx), s); err != nil {
		e.jobLog(s).Warn("checkpoint save failed", "err", err)
	}
}

// IsCancelled reports whether err comes from a cancelled or expired context.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
