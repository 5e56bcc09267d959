// Package auth validates bearer tokens presented at connect time.
//
// The validator verifies signature, issuer, audience and token use against
// keys fetched from the issuer's JWKS endpoint. Keys are cached with a
// bounded TTL; when the issuer cannot be reached, authentication fails
// closed. Listener connections may skip authentication entirely when the
// deployment allows anonymous listeners.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Rejection reasons reported on failed validation. These surface verbatim in
// AUTH_* error details, so they are part of the wire contract.
const (
	ReasonMissing      = "missing"
	ReasonMalformed    = "malformed"
	ReasonExpired      = "expired"
	ReasonUnknownKID   = "unknown_kid"
	ReasonBadSignature = "bad_signature"
	ReasonBadIssuer    = "bad_issuer"
	ReasonBadAudience  = "bad_audience"
	ReasonBadTokenUse  = "bad_token_use"
)

// Roles a connection can authenticate as.
const (
	RoleSpeaker  = "speaker"
	RoleListener = "listener"
)

// RejectionError is a token validation failure with a stable reason code.
type RejectionError struct {
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: rejected (%s)", e.Reason)
	}
	return fmt.Sprintf("auth: rejected (%s): %v", e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// Reject builds a RejectionError.
func Reject(reason string, err error) *RejectionError {
	return &RejectionError{Reason: reason, Err: err}
}

// RejectionReason extracts the reason code from err, or "" if err is not a
// rejection.
func RejectionReason(err error) string {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// Claims is the verified identity extracted from a valid token.
type Claims struct {
	// UserID is the token subject, or a generated anonymous id for
	// unauthenticated listeners.
	UserID string

	// Role the token grants, speaker or listener.
	Role string

	// Anonymous marks listeners admitted without a token.
	Anonymous bool
}

// Validator verifies a raw bearer token and returns its claims.
type Validator interface {
	Validate(ctx context.Context, token string) (Claims, error)
}

// Authenticator applies the deployment's admission policy on top of a
// Validator: speakers always authenticate, listeners may be anonymous when
// configured.
type Authenticator struct {
	validator               Validator
	allowAnonymousListeners bool
}

// NewAuthenticator wires a Validator with the anonymous-listener policy.
func NewAuthenticator(v Validator, allowAnonymousListeners bool) *Authenticator {
	return &Authenticator{validator: v, allowAnonymousListeners: allowAnonymousListeners}
}

// Authenticate admits a connection attempting the given role. An empty token
// is only acceptable for listeners on deployments that allow it; every other
// path goes through full validation and fails closed.
func (a *Authenticator) Authenticate(ctx context.Context, token, role string) (Claims, error) {
	if token == "" {
		if role == RoleListener && a.allowAnonymousListeners {
			return Claims{
				UserID:    "anon-" + uuid.NewString(),
				Role:      RoleListener,
				Anonymous: true,
			}, nil
		}
		return Claims{}, Reject(ReasonMissing, nil)
	}

	claims, err := a.validator.Validate(ctx, token)
	if err != nil {
		return Claims{}, err
	}
	if claims.Role != role {
		return Claims{}, Reject(ReasonBadTokenUse, fmt.Errorf("token role %q cannot connect as %q", claims.Role, role))
	}
	return claims, nil
}
