package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	// WorkspaceIDKey is the context key for the tenant (workspace) id.
	WorkspaceIDKey contextKey = "workspace_id"
	// ConversationIDKey is the context key for the conversation id.
	ConversationIDKey contextKey = "conversation_id"
	// RequestIDKey is the context key for the client-chosen request id.
	RequestIDKey contextKey = "request_id"
)

// WorkspaceExtractor lifts the identifying headers into the request context.
// It does not enforce presence; handlers that require them reject with 400.
func WorkspaceExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h := strings.TrimSpace(r.Header.Get("X-Workspace-Id")); h != "" {
			ctx = context.WithValue(ctx, WorkspaceIDKey, h)
		}
		if h := strings.TrimSpace(r.Header.Get("X-Conversation-Id")); h != "" {
			ctx = context.WithValue(ctx, ConversationIDKey, h)
		}
		if h := strings.TrimSpace(r.Header.Get("X-Request-Id")); h != "" {
			ctx = context.WithValue(ctx, RequestIDKey, h)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetWorkspaceID retrieves the workspace id from the request context.
func GetWorkspaceID(ctx context.Context) string {
	if v, ok := ctx.Value(WorkspaceIDKey).(string); ok {
		return v
	}
	return ""
}

// GetConversationID retrieves the conversation id from the request context.
func GetConversationID(ctx context.Context) string {
	if v, ok := ctx.Value(ConversationIDKey).(string); ok {
		return v
	}
	return ""
}

// GetRequestID retrieves the client request id from the request context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}
