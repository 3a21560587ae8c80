package reasoning

import (
	"net/http"

	"github.com/basket/maxsats/internal/config"
)

// ProvidersFromConfig returns the local Ollama endpoint followed by the
// configured fallbacks, in order.
func ProvidersFromConfig(cfg config.ReasoningConfig, hc *http.Client) []Provider {
	providers := []Provider{NewOllamaProvider(cfg.Endpoint, cfg.Model, cfg.Temperature, hc)}
	for _, fb := range cfg.Fallbacks {
		model := fb.Model
		if model == "" {
			model = cfg.Model
		}
		switch fb.Kind {
		case "ollama":
			providers = append(providers, NewOllamaProvider(fb.BaseURL, model, cfg.Temperature, hc))
		default:
			providers = append(providers, NewOpenAIProvider(fb.BaseURL, model, fb.APIKey, cfg.Temperature, hc))
		}
	}
	return providers
}
