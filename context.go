package hookbridge

import "context"

type contextKey int

const (
	webhookDisabledKey contextKey = iota
	userIDKey
)

// WithWebhookDisabled returns a context that suppresses the interception hook.
// Host code uses it around mutations that must not produce events, e.g. data
// imports or the pipeline's own bookkeeping writes.
func WithWebhookDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, webhookDisabledKey, true)
}

// WebhookDisabled reports whether interception is suppressed on this context.
func WebhookDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(webhookDisabledKey).(bool)
	return v
}

// WithUser attaches the acting host user to the context. Events and audit
// rows produced under it carry the id.
func WithUser(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserFromContext returns the acting user id, zero when none was attached.
func UserFromContext(ctx context.Context) int64 {
	v, _ := ctx.Value(userIDKey).(int64)
	return v
}
