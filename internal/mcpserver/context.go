package mcpserver

import "context"

type apiKeyCtxKey struct{}

// WithAPIKey stores the caller's bearer API key in the context. The HTTP
// transport's bearer middleware sets it; tool handlers read it back to
// resolve the user.
func WithAPIKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, apiKeyCtxKey{}, key)
}

// APIKeyFrom returns the bearer API key carried by the context, or "".
func APIKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(apiKeyCtxKey{}).(string)
	return key
}
