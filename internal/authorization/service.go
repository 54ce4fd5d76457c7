package authorization

import (
	"context"
	"errors"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleAnalyst  = "analyst"
)

// Principal is an authenticated operator credential.
type Principal struct {
	Subject string
	Role    string
}

type Service interface {
	// Authenticate resolves a bearer API key to the principal it was issued to.
	Authenticate(ctx context.Context, apiKey string) (Principal, error)
	Authorize(ctx context.Context, actor string, object string, action string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrInvalidRole   = errors.New("invalid_role")
	ErrUnknownAPIKey = errors.New("unknown_api_key")
	ErrForbidden     = errors.New("forbidden")
)
