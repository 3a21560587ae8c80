package reasoning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIProvider speaks the Chat Completions API of any OpenAI-compatible
// server (OpenRouter, vLLM, LM Studio, Ollama's /v1).
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	temperature float64
}

func NewOpenAIProvider(baseURL, model, apiKey string, temperature float64, hc *http.Client) *OpenAIProvider {
	if apiKey == "" {
		// Local servers ignore the key but the SDK insists on one.
		apiKey = "unused"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/"))
	}
	if hc != nil {
		opts = append(opts, option.WithHTTPClient(hc))
	}
	client := openai.NewClient(opts...)
	return &OpenAIProvider{client: &client, model: model, temperature: temperature}
}

func (p *OpenAIProvider) Name() string { return "openai_compatible/" + p.model }

func (p *OpenAIProvider) Generate(ctx context.Context, system, prompt string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Opt(p.temperature),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("openai_compatible: status %d: %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("openai_compatible: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai_compatible: response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
