package workflow

import (
	"fmt"
	"strings"
)

// Route names the node the driver runs next.
type Route string

const (
	RouteClarify  Route = "clarify"
	RoutePlan     Route = "plan"
	RouteGenerate Route = "generate"
	RouteReview   Route = "review"
	RouteRefine   Route = "refine"
	RouteComplete Route = "complete"
	RouteError    Route = "error"
)

// Decision is a router verdict. Reason explains the choice and becomes the
// error message when Next is RouteError and none was set.
type Decision struct {
	Next   Route
	Reason string
}

func errorDecision(s State) Decision {
	reason := s.ErrorMessage
	if reason == "" {
		reason = fmt.Sprintf("%s stage failed", s.Stage)
	}
	return Decision{Next: RouteError, Reason: reason}
}

// AfterClarify always continues to planning; unanswered questions suspend
// the job inside the clarify node.
func AfterClarify(s State) Decision {
	if s.Stage == StageError {
		return errorDecision(s)
	}
	return Decision{Next: RoutePlan, Reason: "clarification finished"}
}

func AfterPlan(s State) Decision {
	if s.Stage == StageError {
		return errorDecision(s)
	}
	if strings.TrimSpace(s.PlanContent) == "" {
		return Decision{Next: RouteError, Reason: "planning phase did not produce a plan"}
	}
	return Decision{Next: RouteGenerate, Reason: "plan ready"}
}

func AfterGenerate(s State) Decision {
	if s.Stage == StageError {
		return errorDecision(s)
	}
	if len(s.UsableTeams()) == 0 {
		var causes []string
		for _, team := range s.Teams {
			if o, ok := s.Outputs[team]; ok && o.Failed() {
				causes = append(causes, team+": "+o.Error)
			}
		}
		reason := "all code generation attempts failed"
		if len(causes) > 0 {
			reason += " (" + strings.Join(causes, "; ") + ")"
		}
		return Decision{Next: RouteError, Reason: reason}
	}
	if s.Config.EnableReview {
		return Decision{Next: RouteReview, Reason: "review enabled"}
	}
	return Decision{Next: RouteComplete, Reason: "review disabled"}
}

func AfterReview(s State) Decision {
	if s.Stage == StageError {
		return errorDecision(s)
	}
	if !s.NeedsRefinement {
		return Decision{Next: RouteComplete, Reason: "no refinement needed"}
	}
	if s.RefinementIteration >= s.MaxRefinementIterations {
		return Decision{Next: RouteComplete, Reason: fmt.Sprintf("refinement cap of %d reached", s.MaxRefinementIterations)}
	}
	return Decision{Next: RouteRefine, Reason: "review flagged issues"}
}

func AfterRefine(s State) Decision {
	if s.Stage == StageError {
		return errorDecision(s)
	}
	if s.RefinementIteration >= s.MaxRefinementIterations {
		return Decision{Next: RouteComplete, Reason: fmt.Sprintf("refinement cap of %d reached", s.MaxRefinementIterations)}
	}
	return Decision{Next: RouteReview, Reason: "re-review refined code"}
}

// Next picks the route after the node for s.Stage has run. It is pure:
// calling it twice on the same state yields the same decision.
func Next(s State) Decision {
	switch s.Stage {
	case StageError:
		return errorDecision(s)
	case StageInitialized, StageClarifying:
		return AfterClarify(s)
	case StagePlanning:
		return AfterPlan(s)
	case StageGenerating:
		return AfterGenerate(s)
	case StageReviewing:
		return AfterReview(s)
	case StageRefining:
		return AfterRefine(s)
	default:
		return Decision{Next: RouteError, Reason: fmt.Sprintf("no route out of stage %q", s.Stage)}
	}
}

// entry picks the first route when the driver (re)starts from s.
// ok is false for suspended and terminal stages.
func entry(s State) (Decision, bool) {
	switch s.Stage {
	case StageInitialized, StageClarifying:
		return Decision{Next: RouteClarify, Reason: "start"}, true
	case StagePlanning:
		return Decision{Next: RoutePlan, Reason: "resume planning"}, true
	case StageGenerating:
		if !s.PlanApproved {
			return Decision{Next: RouteError, Reason: "generation requested before plan approval"}, true
		}
		return AfterPlan(s), true
	case StageReviewing:
		return Decision{Next: RouteReview, Reason: "resume review"}, true
	case StageRefining:
		return Decision{Next: RouteRefine, Reason: "resume refinement"}, true
	}
	return Decision{}, false
}

func stageFor(r Route) Stage {
	switch r {
	case RouteClarify:
		return StageClarifying
	case RoutePlan:
		return StagePlanning
	case RouteGenerate:
		return StageGenerating
	case RouteReview:
		return StageReviewing
	case RouteRefine:
		return StageRefining
	case RouteComplete:
		return StageComplete
	default:
		return StageError
	}
}
