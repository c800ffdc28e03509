package workflow

import (
	"fmt"
	"strings"

	"chimera/internal/llm"
)

// Per-phase request options.
var (
	clarifyOptions  = llm.Options{MaxTokens: 1024, Temperature: 0.5}
	planOptions     = llm.Options{MaxTokens: 2048, Temperature: 0.7}
	generateOptions = llm.Options{MaxTokens: 4096, Temperature: 0.7}
	reviewOptions   = llm.Options{MaxTokens: 2048, Temperature: 0.3}
	refineOptions   = llm.Options{MaxTokens: 4096, Temperature: 0.5}
)

const maxClarifyingQuestions = 4

const clarifySystem = `You are a senior product engineer. Before any planning starts, find the ambiguities in a component brief.

Ask between 2 and 4 short questions, only about decisions that change the implementation.
Respond with a JSON object:
{
  "questions": [
    {"id": "q1", "question": "...", "context": "why it matters", "required": true}
  ]
}
Return {"questions": []} when the brief is already clear.`

const planSystem = `You are an expert technical architect. Analyze the requirements and create a detailed implementation plan.

Your plan should include:
1. Component structure and architecture
2. Key features and functionality breakdown
3. Technical approach and patterns to use
4. Potential challenges and how to address them
5. Testing considerations

Be specific and actionable. Keep the plan concise but comprehensive.`

const generateSystem = `You are an expert frontend developer. Generate a complete, working component based on the implementation plan and requirements.

Requirements:
- Output ONLY the code, no explanations or markdown code blocks
- Use modern patterns and best practices
- Include TypeScript types
- Use Tailwind CSS for styling
- Make it production-ready with proper error handling
- Follow the implementation plan provided`

const reviewSystem = `You are an expert code reviewer. Review the generated code for correctness, best practices, type safety, error handling, code quality and performance.

Provide your review as a JSON object:
{
  "has_issues": boolean,
  "issues": ["list", "of", "specific", "issues"],
  "suggestions": ["list", "of", "improvement", "suggestions"],
  "confidence": float (0.0 to 1.0)
}

Be thorough but fair. Minor style preferences should not count as issues.`

const refineSystem = "You are an expert developer focused on code quality."

func clarifyPrompt(s State) string {
	return fmt.Sprintf(`Component brief:
%s

Framework: %s

List the clarifying questions (at most %d) needed before planning.`, s.Brief, s.Framework, maxClarifyingQuestions)
}

func planPrompt(s State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create an implementation plan for the following component:\n\nFramework: %s\nRequirements:\n%s\n", s.Framework, s.Brief)
	if len(s.ClarifyingQuestions) > 0 {
		b.WriteString("\nClarifications:\n")
		for _, q := range s.ClarifyingQuestions {
			answer := strings.TrimSpace(s.ClarifyingAnswers[q.ID])
			if answer == "" {
				answer = strings.TrimSpace(q.Answer)
			}
			if answer == "" {
				answer = "(not answered)"
			}
			fmt.Fprintf(&b, "- Q: %s\n  A: %s\n", q.Question, answer)
		}
	}
	b.WriteString("\nProvide a detailed, actionable implementation plan.")
	return b.String()
}

func generatePrompt(s State) string {
	return fmt.Sprintf(`Implementation Plan:
%s

Component Requirements:
%s

Framework: %s

Generate the complete %s component now.`, s.PlanContent, s.Brief, s.Framework, s.Framework)
}

func reviewPrompt(s State, code string) string {
	return fmt.Sprintf("Review this %s component code:\n\nRequirements:\n%s\n\nImplementation Plan:\n%s\n\nGenerated Code:\n```\n%s\n```\n\nStrictness Level: %s\n%s\n\nProvide your review as a JSON object with has_issues, issues, suggestions, and confidence fields.",
		s.Framework, s.Brief, s.PlanContent, code, s.Config.ReviewStrictness, strictnessGuide(s.Config.ReviewStrictness))
}

func strictnessGuide(level Strictness) string {
	switch level {
	case StrictnessLow:
		return "Only flag bugs that break the component."
	case StrictnessHigh:
		return "Flag every correctness, typing, accessibility and error-handling gap."
	default:
		return "Flag correctness problems and clear violations of common practice."
	}
}

func refinePrompt(code string, review ReviewResult) string {
	var b strings.Builder
	b.WriteString("Refine the code based on the review feedback.\n\nReview feedback:\nIssues found:\n")
	for _, issue := range review.Issues {
		fmt.Fprintf(&b, "- %s\n", issue)
	}
	b.WriteString("\nSuggestions:\n")
	for _, s := range review.Suggestions {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	fmt.Fprintf(&b, "\nOriginal code:\n%s\n\nGenerate improved code that addresses all the issues mentioned in the review.\nOutput ONLY the refined code, no explanations or markdown.", code)
	return b.String()
}
