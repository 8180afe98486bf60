package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/platform/envutil"
)

const anthropicVersion = "2023-06-01"

type anthropicProvider struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewAnthropic builds the Anthropic-backed provider from ANTHROPIC_API_KEY,
// ANTHROPIC_MODEL and ANTHROPIC_BASE_URL. The Messages API has no official
// Go SDK we use, so this is a thin HTTP client.
func NewAnthropic(baseLog *logger.Logger) (Provider, error) {
	apiKey := strings.TrimSpace(envutil.String("ANTHROPIC_API_KEY", ""))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is not set")
	}
	return &anthropicProvider{
		log:     baseLog.With("provider", "anthropic"),
		baseURL: strings.TrimRight(envutil.String("ANTHROPIC_BASE_URL", "https://api.anthropic.com"), "/"),
		apiKey:  apiKey,
		model:   envutil.String("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		httpClient: &http.Client{
			Timeout: envutil.DurationSeconds("ANTHROPIC_HTTP_TIMEOUT_SECONDS", 120*time.Second),
		},
	}, nil
}

func (p *anthropicProvider) Key() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *anthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body, err := json.Marshal(anthropicRequest{
		Model:     p.model,
		System:    req.System,
		MaxTokens: maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", &APIError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return "", fmt.Errorf("anthropic: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", &APIError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: msg}
	}

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", &APIError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: "empty content"}
	}
	return sb.String(), nil
}
