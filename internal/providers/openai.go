package providers

import (
	"context"
	"errors"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/platform/envutil"
)

type openaiProvider struct {
	log    *logger.Logger
	client *goopenai.Client
	model  string
}

// NewOpenAI builds the OpenAI-backed provider from OPENAI_API_KEY,
// OPENAI_MODEL and OPENAI_BASE_URL.
func NewOpenAI(baseLog *logger.Logger) (Provider, error) {
	apiKey := strings.TrimSpace(envutil.String("OPENAI_API_KEY", ""))
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY is not set")
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if base := strings.TrimSpace(envutil.String("OPENAI_BASE_URL", "")); base != "" {
		cfg.BaseURL = base
	}
	return &openaiProvider{
		log:    baseLog.With("provider", "openai"),
		client: goopenai.NewClientWithConfig(cfg),
		model:  envutil.String("OPENAI_MODEL", goopenai.GPT4o),
	}, nil
}

func (p *openaiProvider) Key() string { return "openai" }

func (p *openaiProvider) Complete(ctx context.Context, req Request) (string, error) {
	messages := []goopenai.ChatCompletionMessage{}
	if req.System != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := p.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) {
			return "", &APIError{Provider: "openai", StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
		}
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &APIError{Provider: "openai", StatusCode: 200, Message: "empty choices"}
	}
	return resp.Choices[0].Message.Content, nil
}
