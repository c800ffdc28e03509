package workflow

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Stage is the position of a job in the workflow state machine.
type Stage string

const (
	StageInitialized      Stage = "initialized"
	StageClarifying       Stage = "clarifying"
	StageAwaitingAnswers  Stage = "awaiting_answers"
	StagePlanning         Stage = "planning"
	StageAwaitingApproval Stage = "awaiting_approval"
	StageGenerating       Stage = "generating"
	StageReviewing        Stage = "reviewing"
	StageRefining         Stage = "refining"
	StageComplete         Stage = "complete"
	StageError            Stage = "error"
	StageCancelled        Stage = "cancelled"
)

// Terminal reports whether no further mutation may happen in this stage.
func (s Stage) Terminal() bool {
	switch s {
	case StageComplete, StageError, StageCancelled:
		return true
	}
	return false
}

// Suspended reports whether the stage waits on external input.
func (s Stage) Suspended() bool {
	return s == StageAwaitingAnswers || s == StageAwaitingApproval
}

func (s Stage) Valid() bool {
	switch s {
	case StageInitialized, StageClarifying, StageAwaitingAnswers, StagePlanning, StageAwaitingApproval,
		StageGenerating, StageReviewing, StageRefining, StageComplete, StageError, StageCancelled:
		return true
	}
	return false
}

type Framework string

const (
	FrameworkReact   Framework = "react"
	FrameworkVue     Framework = "vue"
	FrameworkSvelte  Framework = "svelte"
	FrameworkVanilla Framework = "vanilla"
)

// ParseFramework normalizes name. An empty name means react.
func ParseFramework(name string) (Framework, error) {
	switch f := Framework(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return FrameworkReact, nil
	case FrameworkReact, FrameworkVue, FrameworkSvelte, FrameworkVanilla:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unsupported framework %q", ErrInvalidInput, name)
	}
}

type ClarifyingQuestion struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
	Answer   string `json:"answer,omitempty"`
	Required bool   `json:"required"`
}

func (q ClarifyingQuestion) Answered() bool { return strings.TrimSpace(q.Answer) != "" }

// CodeOutput is one backend's generated code. A non-empty Error marks the
// output as failed.
type CodeOutput struct {
	Code       string `json:"code"`
	ModelUsed  string `json:"modelUsed"`
	TokenCount int    `json:"tokenCount"`
	Error      string `json:"error,omitempty"`
}

func (o CodeOutput) Failed() bool { return o.Error != "" }

// Usable reports whether the output carries code and no error.
func (o CodeOutput) Usable() bool {
	return !o.Failed() && strings.TrimSpace(o.Code) != ""
}

type ReviewResult struct {
	HasIssues   bool     `json:"hasIssues"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
	Confidence  float64  `json:"confidence"`
}

func (r ReviewResult) clone() ReviewResult {
	r.Issues = append([]string(nil), r.Issues...)
	r.Suggestions = append([]string(nil), r.Suggestions...)
	return r
}

// Thought sources besides backend team names.
const (
	SourcePlanner  = "planner"
	SourceReviewer = "reviewer"
	SourceRefiner  = "refiner"
)

type Thought struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// State is the full record of one job. Nodes never mutate a State they
// receive; they return a modified copy.
type State struct {
	JobID        string    `json:"jobId"`
	Brief        string    `json:"brief"`
	BriefSummary string    `json:"briefSummary"`
	Framework    Framework `json:"framework"`
	Teams        []string  `json:"teams"`

	ClarifyingQuestions []ClarifyingQuestion `json:"clarifyingQuestions"`
	ClarifyingAnswers   map[string]string    `json:"clarifyingAnswers"`
	SkipClarification   bool                 `json:"skipClarification"`

	PlanContent    string     `json:"planContent,omitempty"`
	PlanApproved   bool       `json:"planApproved"`
	PlanModifiedAt *time.Time `json:"planModifiedAt,omitempty"`

	Outputs map[string]CodeOutput   `json:"perBackendOutput"`
	Reviews map[string]ReviewResult `json:"perBackendReview"`

	NeedsRefinement         bool `json:"needsRefinement"`
	RefinementIteration     int  `json:"refinementIteration"`
	MaxRefinementIterations int  `json:"maxRefinementIterations"`
	TotalTokens             int  `json:"totalTokens"`

	Stage        Stage     `json:"stage"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Thoughts     []Thought `json:"thoughts"`
	Config       Config    `json:"config"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Teams = append([]string(nil), s.Teams...)
	out.ClarifyingQuestions = append([]ClarifyingQuestion(nil), s.ClarifyingQuestions...)
	out.ClarifyingAnswers = maps.Clone(s.ClarifyingAnswers)
	if out.ClarifyingAnswers == nil {
		out.ClarifyingAnswers = map[string]string{}
	}
	if s.PlanModifiedAt != nil {
		t := *s.PlanModifiedAt
		out.PlanModifiedAt = &t
	}
	out.Outputs = make(map[string]CodeOutput, len(s.Outputs))
	maps.Copy(out.Outputs, s.Outputs)
	out.Reviews = make(map[string]ReviewResult, len(s.Reviews))
	for k, v := range s.Reviews {
		out.Reviews[k] = v.clone()
	}
	out.Thoughts = append([]Thought(nil), s.Thoughts...)
	return out
}

// UsableTeams returns the teams, in job order, whose output is usable.
func (s State) UsableTeams() []string {
	var out []string
	for _, team := range s.Teams {
		if o, ok := s.Outputs[team]; ok && o.Usable() {
			out = append(out, team)
		}
	}
	return out
}

func (s State) sumTokens() int {
	total := 0
	for _, o := range s.Outputs {
		total += o.TokenCount
	}
	return total
}

// Input describes a new job.
type Input struct {
	Brief             string
	Framework         string
	Config            Config
	SkipClarification bool
	Teams             []string
	// Questions may carry pre-answered clarifying questions; when present the
	// clarify stage does not call a backend.
	Questions []ClarifyingQuestion
}

// ErrInvalidInput is returned for malformed job input.
var ErrInvalidInput = errors.New("workflow: invalid input")

// NewState builds the initial state for a job. Teams must already be
// resolved against the backend registry.
func NewState(jobID string, in Input, now time.Time) (State, error) {
	brief := strings.TrimSpace(in.Brief)
	if brief == "" {
		return State{}, fmt.Errorf("%w: brief is required", ErrInvalidInput)
	}
	fw, err := ParseFramework(in.Framework)
	if err != nil {
		return State{}, err
	}
	if err := in.Config.Validate(); err != nil {
		return State{}, err
	}
	if len(in.Teams) == 0 {
		return State{}, fmt.Errorf("%w: at least one backend team is required", ErrInvalidInput)
	}
	s := State{
		JobID:                   jobID,
		Brief:                   brief,
		BriefSummary:            Summarize(brief),
		Framework:               fw,
		Teams:                   append([]string(nil), in.Teams...),
		ClarifyingAnswers:       map[string]string{},
		SkipClarification:       in.SkipClarification,
		Outputs:                 map[string]CodeOutput{},
		Reviews:                 map[string]ReviewResult{},
		MaxRefinementIterations: in.Config.MaxRefinementIterations,
		Stage:                   StageInitialized,
		Config:                  in.Config,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	for i, q := range in.Questions {
		if strings.TrimSpace(q.ID) == "" {
			q.ID = fmt.Sprintf("q%d", i+1)
		}
		s.ClarifyingQuestions = append(s.ClarifyingQuestions, q)
		if q.Answered() {
			s.ClarifyingAnswers[q.ID] = q.Answer
		}
	}
	return s, nil
}

const summaryLimit = 100

// Summarize truncates brief to its first 100 characters plus "...".
func Summarize(brief string) string {
	r := []rune(brief)
	if len(r) <= summaryLimit {
		return brief
	}
	return string(r[:summaryLimit]) + "..."
}
