package auth

import (
	"context"
	"errors"
)

// ErrNoIdentity means the request passed no access-token middleware.
var ErrNoIdentity = errors.New("auth: no identity in context")

type identityKey struct{}

type identity struct {
	userID string
	role   string
}

// WithIdentity stores the verified caller on ctx.
func WithIdentity(ctx context.Context, userID, role string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity{userID: userID, role: role})
}

func fromContext(ctx context.Context) (identity, bool) {
	id, ok := ctx.Value(identityKey{}).(identity)
	return id, ok
}

func UserID(ctx context.Context) (string, error) {
	if id, ok := fromContext(ctx); ok && id.userID != "" {
		return id.userID, nil
	}
	return "", ErrNoIdentity
}

func Role(ctx context.Context) (string, error) {
	if id, ok := fromContext(ctx); ok && id.role != "" {
		return id.role, nil
	}
	return "", ErrNoIdentity
}
