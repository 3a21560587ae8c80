package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// OllamaProvider talks to Ollama's native /api/generate endpoint.
type OllamaProvider struct {
	baseURL     string
	model       string
	temperature float64
	http        *http.Client
}

func NewOllamaProvider(baseURL, model string, temperature float64, hc *http.Client) *OllamaProvider {
	if hc == nil {
		hc = &http.Client{}
	}
	// Accept the OpenAI-compat URL too; the native API lives at the root.
	baseURL = strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
	return &OllamaProvider{
		baseURL:     baseURL,
		model:       strings.TrimPrefix(model, "ollama/"),
		temperature: temperature,
		http:        hc,
	}
}

func (p *OllamaProvider) Name() string { return "ollama/" + p.model }

func (p *OllamaProvider) Generate(ctx context.Context, system, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":  p.model,
		"prompt": prompt,
		"system": system,
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": p.temperature,
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		Response string `json:"response"`
		Done     bool   `json:"done"`
		Error    string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	slog.Debug("ollama generate complete", "model", p.model, "chars", len(out.Response))
	return out.Response, nil
}

// Ping checks that the Ollama server answers /api/tags and reports whether
// the configured model is installed.
func (p *OllamaProvider) Ping(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("ollama: status %d", resp.StatusCode)
	}
	var tags struct {
		Models []struct {
			Name  string `json:"name"`
			Model string `json:"model"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false, fmt.Errorf("ollama: decode tags: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == p.model || m.Model == p.model || strings.TrimSuffix(m.Name, ":latest") == p.model {
			return true, nil
		}
	}
	return false, nil
}
