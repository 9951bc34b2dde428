// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"encoding/json"
)

type traceContextKey struct{}

// WithTraceContext attaches an opaque distributed-trace payload to the
// context. The payload rides outbound EDUs verbatim so the receiving
// server can stitch its spans to ours; the delivery core never
// interprets it.
func WithTraceContext(ctx context.Context, trace json.RawMessage) context.Context {
	if len(trace) == 0 {
		return ctx
	}
	return context.WithValue(ctx, traceContextKey{}, trace)
}

// TraceContextFromContext returns the trace payload attached by
// WithTraceContext, or nil.
func TraceContextFromContext(ctx context.Context) json.RawMessage {
	trace, _ := ctx.Value(traceContextKey{}).(json.RawMessage)
	return trace
}
