package workflow

import (
	"fmt"
	"strings"

	"chimera/internal/util/jsonutil"
)

// defaultReview is the permissive verdict used when a review cannot be parsed.
func defaultReview() ReviewResult {
	return ReviewResult{HasIssues: false, Issues: []string{}, Suggestions: []string{}, Confidence: 0.5}
}

type rawQuestion struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Context  string `json:"context"`
	Required *bool  `json:"required"`
}

// parseQuestions pulls clarifying questions out of a free-text completion.
// Anything unparseable yields no questions.
func parseQuestions(text string, limit int) []ClarifyingQuestion {
	var wrapped struct {
		Questions []rawQuestion `json:"questions"`
	}
	var raw []rawQuestion
	if err := jsonutil.DecodeLenient(text, &wrapped); err == nil && len(wrapped.Questions) > 0 {
		raw = wrapped.Questions
	} else if err := jsonutil.DecodeLenient(text, &raw); err != nil {
		return nil
	}

	out := make([]ClarifyingQuestion, 0, len(raw))
	seen := map[string]bool{}
	for _, r := range raw {
		q := strings.TrimSpace(r.Question)
		if q == "" {
			continue
		}
		id := strings.TrimSpace(r.ID)
		if id == "" || seen[id] {
			id = fmt.Sprintf("q%d", len(out)+1)
		}
		seen[id] = true
		required := true
		if r.Required != nil {
			required = *r.Required
		}
		out = append(out, ClarifyingQuestion{
			ID:       id,
			Question: q,
			Context:  strings.TrimSpace(r.Context),
			Required: required,
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

type rawReview struct {
	HasIssues   *bool    `json:"has_issues"`
	HasIssuesCC *bool    `json:"hasIssues"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
	Confidence  *float64 `json:"confidence"`
}

// parseReview decodes a reviewer verdict. ok is false when nothing usable
// was found, in which case the permissive default is returned.
func parseReview(text string) (ReviewResult, bool) {
	var raw rawReview
	if err := jsonutil.DecodeLenient(text, &raw); err != nil {
		return defaultReview(), false
	}
	flag := raw.HasIssues
	if flag == nil {
		flag = raw.HasIssuesCC
	}
	if flag == nil {
		return defaultReview(), false
	}
	r := ReviewResult{
		HasIssues:   *flag,
		Issues:      nonEmpty(raw.Issues),
		Suggestions: nonEmpty(raw.Suggestions),
		Confidence:  0.8,
	}
	if raw.Confidence != nil {
		r.Confidence = clamp01(*raw.Confidence)
	}
	return r, true
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// stripFence removes one markdown code fence wrapping the whole text.
func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") || len(t) < 6 {
		return t
	}
	body := strings.TrimSuffix(t[3:], "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// first line is the info string (tsx, vue, ...)
		if !strings.ContainsAny(strings.TrimSpace(body[:nl]), " {}();=") {
			body = body[nl+1:]
		}
	}
	return strings.TrimSpace(body)
}
