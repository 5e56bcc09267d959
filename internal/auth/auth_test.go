package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://issuer.example.com"
	testAudience = "polyvox"
)

type signer struct {
	key *rsa.PrivateKey
	kid string
}

func newSigner(t *testing.T, kid string) *signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return &signer{key: key, kid: kid}
}

func (s *signer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func (s *signer) jwk() map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": s.kid,
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(s.key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(s.key.E)).Bytes()),
	}
}

func jwksServer(t *testing.T, signers ...*signer) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys := make([]map[string]string, 0, len(signers))
		for _, s := range signers {
			keys = append(keys, s.jwk())
		}
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func validClaims(role string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":       testIssuer,
		"aud":       testAudience,
		"sub":       "user-123",
		"role":      role,
		"token_use": "access",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
}

func newValidator(t *testing.T, jwksURL string, opts ...JWKSOption) *JWKSValidator {
	t.Helper()
	v, err := NewJWKSValidator(testIssuer, testAudience, jwksURL, time.Hour, opts...)
	if err != nil {
		t.Fatalf("NewJWKSValidator() error = %v", err)
	}
	return v
}

func TestValidateAcceptsGoodToken(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "key-1")
	srv := jwksServer(t, s)
	v := newValidator(t, srv.URL)

	claims, err := v.Validate(context.Background(), s.sign(t, validClaims(RoleSpeaker)))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.UserID != "user-123" {
		t.Errorf("UserID = %q, want %q", claims.UserID, "user-123")
	}
	if claims.Role != RoleSpeaker {
		t.Errorf("Role = %q, want %q", claims.Role, RoleSpeaker)
	}
	if claims.Anonymous {
		t.Error("Anonymous = true for a signed token")
	}
}

func TestValidateRejectionReasons(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "key-1")
	rogue := newSigner(t, "key-1")
	unknown := newSigner(t, "key-unknown")
	srv := jwksServer(t, s)
	v := newValidator(t, srv.URL)

	expired := validClaims(RoleSpeaker)
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	badIssuer := validClaims(RoleSpeaker)
	badIssuer["iss"] = "https://evil.example.com"

	badAudience := validClaims(RoleSpeaker)
	badAudience["aud"] = "someone-else"

	badUse := validClaims(RoleSpeaker)
	badUse["token_use"] = "id"

	tests := []struct {
		name       string
		token      string
		wantReason string
	}{
		{"malformed", "not.a.token", ReasonMalformed},
		{"expired", s.sign(t, expired), ReasonExpired},
		{"bad issuer", s.sign(t, badIssuer), ReasonBadIssuer},
		{"bad audience", s.sign(t, badAudience), ReasonBadAudience},
		{"bad signature", rogue.sign(t, validClaims(RoleSpeaker)), ReasonBadSignature},
		{"unknown kid", unknown.sign(t, validClaims(RoleSpeaker)), ReasonUnknownKID},
		{"bad token use", s.sign(t, badUse), ReasonBadTokenUse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), tt.token)
			if err == nil {
				t.Fatal("Validate() succeeded, want rejection")
			}
			if got := RejectionReason(err); got != tt.wantReason {
				t.Fatalf("RejectionReason() = %q, want %q (err: %v)", got, tt.wantReason, err)
			}
		})
	}
}

func TestValidateRefreshesOnRotation(t *testing.T) {
	t.Parallel()

	old := newSigner(t, "key-old")
	next := newSigner(t, "key-new")

	current := old
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{current.jwk()}})
	}))
	defer srv.Close()

	v := newValidator(t, srv.URL)
	if _, err := v.Validate(context.Background(), old.sign(t, validClaims(RoleSpeaker))); err != nil {
		t.Fatalf("Validate() with initial key: %v", err)
	}

	// Rotate: the unknown kid forces a refetch that picks up the new key.
	current = next
	if _, err := v.Validate(context.Background(), next.sign(t, validClaims(RoleSpeaker))); err != nil {
		t.Fatalf("Validate() after rotation: %v", err)
	}
}

func TestValidateFailsClosedOnFetchError(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "key-1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := newValidator(t, srv.URL)
	_, err := v.Validate(context.Background(), s.sign(t, validClaims(RoleSpeaker)))
	if err == nil {
		t.Fatal("Validate() succeeded with unreachable key set")
	}
}

func TestValidateExpiredCacheRefetches(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "key-1")
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{s.jwk()}})
	}))
	defer srv.Close()

	now := time.Now()
	v, err := NewJWKSValidator(testIssuer, testAudience, srv.URL, time.Minute,
		WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewJWKSValidator() error = %v", err)
	}

	tok := s.sign(t, validClaims(RoleListener))
	if _, err := v.Validate(context.Background(), tok); err != nil {
		t.Fatalf("first Validate(): %v", err)
	}
	if _, err := v.Validate(context.Background(), tok); err != nil {
		t.Fatalf("cached Validate(): %v", err)
	}
	if fetches != 1 {
		t.Fatalf("fetches = %d, want 1 (second call should hit cache)", fetches)
	}

	now = now.Add(2 * time.Minute)
	if _, err := v.Validate(context.Background(), tok); err != nil {
		t.Fatalf("Validate() after TTL: %v", err)
	}
	if fetches != 2 {
		t.Fatalf("fetches = %d, want 2 (TTL expiry should refetch)", fetches)
	}
}

func TestAuthenticateAnonymousListener(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "key-1")
	srv := jwksServer(t, s)
	v := newValidator(t, srv.URL)

	t.Run("allowed", func(t *testing.T) {
		a := NewAuthenticator(v, true)
		claims, err := a.Authenticate(context.Background(), "", RoleListener)
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if !claims.Anonymous {
			t.Error("Anonymous = false")
		}
		if !strings.HasPrefix(claims.UserID, "anon-") {
			t.Errorf("UserID = %q, want anon- prefix", claims.UserID)
		}
	})

	t.Run("disallowed", func(t *testing.T) {
		a := NewAuthenticator(v, false)
		_, err := a.Authenticate(context.Background(), "", RoleListener)
		if got := RejectionReason(err); got != ReasonMissing {
			t.Fatalf("RejectionReason() = %q, want %q", got, ReasonMissing)
		}
	})

	t.Run("never for speakers", func(t *testing.T) {
		a := NewAuthenticator(v, true)
		_, err := a.Authenticate(context.Background(), "", RoleSpeaker)
		if got := RejectionReason(err); got != ReasonMissing {
			t.Fatalf("RejectionReason() = %q, want %q", got, ReasonMissing)
		}
	})
}

func TestAuthenticateRoleMismatch(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "key-1")
	srv := jwksServer(t, s)
	a := NewAuthenticator(newValidator(t, srv.URL), true)

	_, err := a.Authenticate(context.Background(), s.sign(t, validClaims(RoleListener)), RoleSpeaker)
	if got := RejectionReason(err); got != ReasonBadTokenUse {
		t.Fatalf("RejectionReason() = %q, want %q", got, ReasonBadTokenUse)
	}
}
