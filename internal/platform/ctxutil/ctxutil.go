package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type traceDataKey struct{}

type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	val := ctx.Value(traceDataKey{})
	if td, ok := val.(*TraceData); ok {
		return td
	}
	return nil
}

type requestDataKey struct{}

// RequestData carries the caller identity extracted by the auth middleware.
// The core trusts these values; verification happens upstream.
type RequestData struct {
	CompanyID uuid.UUID
	Operator  bool
}

func WithRequestData(ctx context.Context, rd RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, rd)
}

func GetRequestData(ctx context.Context) (RequestData, bool) {
	val := ctx.Value(requestDataKey{})
	if rd, ok := val.(RequestData); ok {
		return rd, true
	}
	return RequestData{}, false
}
