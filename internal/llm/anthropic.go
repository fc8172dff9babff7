package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"

	"patent_agent/internal/config"
)

const defaultAnthropicBaseURL = "https://api.anthropic.com"

// AnthropicProvider talks to the Anthropic messages API.
type AnthropicProvider struct {
	sdk       anthropic.Client
	model     string
	maxTokens int
}

func NewAnthropicProvider(cfg config.LLMConfig, httpClient *http.Client) (*AnthropicProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(apiKey),
		anthropicoption.WithBaseURL(resolvedAnthropicBaseURL(cfg.BaseURL)),
	}
	if httpClient != nil {
		opts = append(opts, anthropicoption.WithHTTPClient(httpClient))
	}
	return &AnthropicProvider{
		sdk:       anthropic.NewClient(opts...),
		model:     strings.TrimSpace(cfg.Model),
		maxTokens: cfg.MaxTokens,
	}, nil
}

func resolvedAnthropicBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		base = defaultAnthropicBaseURL
	}
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/v1")
	base = strings.TrimRight(base, "/")
	return base + "/"
}

func (p *AnthropicProvider) Complete(ctx context.Context, prompt string) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	msg, err := p.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		MaxTokens: int64(p.maxTokens),
		Model:     anthropic.Model(p.model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			if out.Len() > 0 {
				out.WriteString("\n")
			}
			out.WriteString(v.Text)
		default:
			// Ignore non-text blocks.
		}
	}
	return out.String(), nil
}
