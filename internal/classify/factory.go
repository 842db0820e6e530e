package classify

import (
	"log/slog"
	"net/http"

	"parapr/internal/config"
)

// New picks the evaluation strategy once from configuration. Provider
// "none" yields the plain heuristic, or a Guarded evaluator with no
// service under the closed policy; azure and openai yield a Guarded
// evaluator over a ChatClient.
func New(cfg config.Classifier, logger *slog.Logger) Evaluator {
	var flavor Flavor
	switch cfg.Provider {
	case config.ProviderAzure:
		flavor = FlavorAzure
	case config.ProviderOpenAI:
		flavor = FlavorOpenAI
	default:
		policy := ParsePolicy(cfg.FailurePolicy)
		if policy == FailClosed {
			logger.Info("no classifier configured, failing closed", "policy", policy.String())
			return NewGuarded(nil, policy, 0, logger)
		}
		logger.Info("no classifier configured, using pattern heuristic")
		return Heuristic{}
	}

	client := NewChatClient(&http.Client{Timeout: cfg.Timeout}, ChatOptions{
		Flavor:     flavor,
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		APIVersion: cfg.APIVersion,
	})
	logger.Info("classifier initialized", "provider", cfg.Provider, "base_url", cfg.BaseURL, "model", cfg.Model)
	return NewGuarded(client, ParsePolicy(cfg.FailurePolicy), cfg.Timeout, logger)
}
