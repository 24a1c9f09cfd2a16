package model

import "context"

// Caller is the verified identity a dispatch or revoke runs for.
type Caller struct {
	Subject string `json:"sub"`
	Staff   bool   `json:"staff,omitempty"`
}

// CanAccess reports whether the caller may act on c: staff act on every
// case, anyone else only on cases linked to their own account.
func (c Caller) CanAccess(cs *Case) bool {
	if cs == nil {
		return false
	}
	if c.Staff {
		return true
	}
	return c.Subject != "" && cs.HasClient() && *cs.ClientID == c.Subject
}

type callerKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
