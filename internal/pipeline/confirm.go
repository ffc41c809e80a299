package pipeline

import "context"

type confirmationKey struct{}

// WithConfirmation marks ctx as carrying the caller's explicit approval of a
// Confirm-tier action.
func WithConfirmation(ctx context.Context) context.Context {
	return context.WithValue(ctx, confirmationKey{}, true)
}

// Confirmed reports whether ctx carries approval.
func Confirmed(ctx context.Context) bool {
	ok, _ := ctx.Value(confirmationKey{}).(bool)
	return ok
}
