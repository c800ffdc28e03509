package app

import (
	"context"
	"fmt"
	"log/slog"

	"chimera/internal/gateway/config"
	"chimera/internal/llm"
)

// BuildRegistry constructs every configured backend, wraps it with the
// retry, rate limit and logging middleware and assigns roles.
func BuildRegistry(ctx context.Context, backends []config.BackendConfig, roles config.RoleConfig, logger *slog.Logger) (*llm.Registry, error) {
	reg := llm.NewRegistry()
	for _, bc := range backends {
		b, err := newBackend(ctx, bc)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", bc.Name, err)
		}
		mws := []llm.Middleware{llm.WithLogging(logger.With("team", bc.Name))}
		if bc.MaxAttempts > 1 {
			mws = append(mws, llm.Retry(bc.MaxAttempts, bc.RetryDelay))
		}
		if bc.RPS > 0 {
			mws = append(mws, llm.RateLimit(bc.RPS, bc.Burst))
		}
		if err := reg.Register(bc.Name, b, mws...); err != nil {
			return nil, err
		}
		logger.Info("backend registered", "team", bc.Name, "provider", bc.Provider, "model", b.Model())
	}
	for role, team := range map[llm.Role]string{
		llm.RoleClarifier: roles.Clarifier,
		llm.RolePlanner:   roles.Planner,
		llm.RoleReviewer:  roles.Reviewer,
		llm.RoleRefiner:   roles.Refiner,
	} {
		if team == "" {
			continue
		}
		if err := reg.Assign(role, team); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func newBackend(ctx context.Context, bc config.BackendConfig) (llm.Backend, error) {
	switch bc.Provider {
	case config.ProviderGemini:
		return llm.NewGeminiBackend(ctx, bc.APIKey, bc.Model)
	case config.ProviderAnthropic:
		return llm.NewAnthropicBackend(bc.APIKey, bc.Model, bc.BaseURL), nil
	case config.ProviderOpenAI:
		label := "OpenAI"
		if bc.Name == "groq" {
			label = "Groq"
		}
		return llm.NewOpenAIBackend(label, bc.APIKey, bc.Model, bc.BaseURL), nil
	case config.ProviderScripted:
		return llm.NewScripted(bc.Name), nil
	}
	return nil, fmt.Errorf("unknown provider %q", bc.Provider)
}
