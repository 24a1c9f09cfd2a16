package gateway

import "context"

type bearerKey struct{}

// WithBearer attaches the caller's bearer token so function calls made on
// ctx act on the caller's behalf.
func WithBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, bearerKey{}, token)
}

func BearerFromContext(ctx context.Context) string {
	token, _ := ctx.Value(bearerKey{}).(string)
	return token
}
