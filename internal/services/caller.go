package services

import (
	"context"
	"fmt"

	"github.com/asakaida/kanshi/internal/entities"
)

// Caller is the identity of the principal on whose behalf an administrative
// call is made. The engine does not authenticate; transports fill this in.
type Caller struct {
	UserID     string
	Privileged bool
}

type callerKey struct{}

// WithCaller attaches the caller to ctx
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller attached to ctx
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// requireAdmin rejects callers that may not use administrative write paths.
// systemRole selects ErrSystemRoleProtected for non-privileged callers.
func requireAdmin(ctx context.Context, systemRole bool) error {
	c, ok := CallerFromContext(ctx)
	switch {
	case !ok || c.UserID == "":
		return entities.ErrUnauthorized
	case c.Privileged:
		return nil
	case systemRole:
		return fmt.Errorf("%w: caller %s", entities.ErrSystemRoleProtected, c.UserID)
	}
	return fmt.Errorf("%w: caller %s", entities.ErrAdminRequired, c.UserID)
}
