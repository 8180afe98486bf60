package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
)

func newAnthropicTest(t *testing.T, srv *httptest.Server) Provider {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("ANTHROPIC_BASE_URL", srv.URL)
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	p, err := NewAnthropic(log)
	if err != nil {
		t.Fatalf("NewAnthropic: %v", err)
	}
	return p
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "how visible is acme?" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "acme ranks "},
				{"type": "text", "text": "third."},
			},
		})
	}))
	defer srv.Close()

	p := newAnthropicTest(t, srv)
	out, err := p.Complete(context.Background(), Request{System: "be brief", Prompt: "how visible is acme?"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "acme ranks third." {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestAnthropicCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "rate_limit_error", "message": "slow down"},
		})
	}))
	defer srv.Close()

	p := newAnthropicTest(t, srv)
	_, err := p.Complete(context.Background(), Request{Prompt: "hi"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Message != "slow down" {
		t.Fatalf("unexpected APIError: %+v", apiErr)
	}
}
