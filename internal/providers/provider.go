package providers

import (
	"context"
	"fmt"
)

// Request is a single model completion request issued by the report
// pipeline's agent step.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Provider abstracts one upstream model vendor. Key doubles as the
// circuit-breaker key for the vendor.
type Provider interface {
	Key() string
	Complete(ctx context.Context, req Request) (string, error)
}

// APIError is a non-transport failure reported by a vendor API.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}
