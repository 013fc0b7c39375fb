package wire

import "context"

// wireKey is the context key used by WithSoulSide/SoulSideFromContext.
type wireKey struct{}

// WithSoulSide scopes a SoulSide reference to ctx, so that streaming
// callbacks deep in the call stack (provider token callbacks, tool
// progress reporters) can reach `wire.Send` without a dedicated
// parameter threaded through every signature. The reference is set once
// at the start of Soul.Run and is not expected to be reassigned mid-run.
func WithSoulSide(ctx context.Context, side SoulSide) context.Context {
	return context.WithValue(ctx, wireKey{}, side)
}

// SoulSideFromContext retrieves the SoulSide stored by WithSoulSide. The
// zero value's Send is a safe no-op when no wire was set, so callers that
// only ever want best-effort streaming don't need a nil check.
func SoulSideFromContext(ctx context.Context) SoulSide {
	side, _ := ctx.Value(wireKey{}).(SoulSide)
	return side
}
