package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never record actual credential values (authorization
// codes, access tokens, refresh tokens) in traces or metrics. Only metadata
// such as client ids, scopes, result kinds and whether a token rotated.
const (
	AttrClientID     = "oauth.client_id"
	AttrContextID    = "oauth.context_id"
	AttrUserID       = "oauth.user_id"
	AttrScope        = "oauth.scope"
	AttrGrantID      = "oauth.grant_id"
	AttrTokenType    = "oauth.token_type"    //nolint:gosec // token kind, not the token
	AttrTokenRotated = "oauth.token.rotated" //nolint:gosec // boolean flag
	AttrErrorKind    = "oauth.error"
	AttrRevoked      = "oauth.revoked"
	AttrGrantCount   = "oauth.grant_count"

	AttrStorageOperation = "storage.operation"
	AttrStorageBackend   = "storage.backend"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes adds the non-secret identity of a grant or code to a span.
// Empty values are skipped.
func AddGrantAttributes(span trace.Span, clientID, contextID, userID, scope string) {
	attrs := make([]attribute.KeyValue, 0, 4)
	if clientID != "" {
		attrs = append(attrs, attribute.String(AttrClientID, clientID))
	}
	if contextID != "" {
		attrs = append(attrs, attribute.String(AttrContextID, contextID))
	}
	if userID != "" {
		attrs = append(attrs, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		attrs = append(attrs, attribute.String(AttrScope, scope))
	}
	SetSpanAttributes(span, attrs...)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, backend string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageBackend, backend),
	)
}
