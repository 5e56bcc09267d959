package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenUseAccess is the only token_use value accepted on connect tokens.
const tokenUseAccess = "access"

// JWKSValidator verifies RS256 tokens against the issuer's published key set.
// Keys are cached for a bounded TTL and refreshed on unknown key ids, so key
// rotation converges within one round trip.
type JWKSValidator struct {
	issuer   string
	audience string
	jwksURL  string
	ttl      time.Duration
	client   *http.Client
	now      func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// JWKSOption configures a JWKSValidator.
type JWKSOption func(*JWKSValidator)

// WithHTTPClient overrides the HTTP client used for JWKS fetches.
func WithHTTPClient(c *http.Client) JWKSOption {
	return func(v *JWKSValidator) { v.client = c }
}

// WithClock overrides the time source. Test-only.
func WithClock(now func() time.Time) JWKSOption {
	return func(v *JWKSValidator) { v.now = now }
}

// NewJWKSValidator builds a validator for tokens from one issuer.
func NewJWKSValidator(issuer, audience, jwksURL string, keyTTL time.Duration, opts ...JWKSOption) (*JWKSValidator, error) {
	if issuer == "" || audience == "" || jwksURL == "" {
		return nil, fmt.Errorf("auth: issuer, audience and jwks_url must all be set")
	}
	if keyTTL <= 0 {
		keyTTL = time.Hour
	}
	v := &JWKSValidator{
		issuer:   issuer,
		audience: audience,
		jwksURL:  jwksURL,
		ttl:      keyTTL,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		keys:     map[string]*rsa.PublicKey{},
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Validate implements Validator.
func (v *JWKSValidator) Validate(ctx context.Context, token string) (Claims, error) {
	parsed, err := jwt.Parse(token, v.keyFunc(ctx),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, classifyJWT(err)
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, Reject(ReasonMalformed, fmt.Errorf("unexpected claims type %T", parsed.Claims))
	}
	if use, _ := mc["token_use"].(string); use != tokenUseAccess {
		return Claims{}, Reject(ReasonBadTokenUse, fmt.Errorf("token_use = %q", use))
	}
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return Claims{}, Reject(ReasonMalformed, errors.New("missing sub claim"))
	}
	role, _ := mc["role"].(string)
	if role != RoleSpeaker && role != RoleListener {
		return Claims{}, Reject(ReasonBadTokenUse, fmt.Errorf("unknown role claim %q", role))
	}
	return Claims{UserID: sub, Role: role}, nil
}

// keyFunc resolves the signing key by kid, refreshing the cached key set when
// the kid is unknown or the cache has aged out.
func (v *JWKSValidator) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, Reject(ReasonUnknownKID, errors.New("token has no kid header"))
		}

		v.mu.Lock()
		defer v.mu.Unlock()

		stale := v.now().Sub(v.fetchedAt) >= v.ttl
		key, ok := v.keys[kid]
		if ok && !stale {
			return key, nil
		}
		if err := v.refreshLocked(ctx); err != nil {
			// Fail closed: a stale cached key is never reused past its TTL.
			return nil, fmt.Errorf("auth: refreshing issuer keys: %w", err)
		}
		key, ok = v.keys[kid]
		if !ok {
			return nil, Reject(ReasonUnknownKID, fmt.Errorf("kid %q not in issuer key set", kid))
		}
		return key, nil
	}
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

// refreshLocked replaces the key cache from the JWKS endpoint. Caller holds mu.
func (v *JWKSValidator) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decoding jwks document: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			return fmt.Errorf("parsing key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks document contains no usable RSA keys")
	}

	v.keys = keys
	v.fetchedAt = v.now()
	return nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}

// classifyJWT maps parser errors onto stable rejection reasons.
func classifyJWT(err error) error {
	var re *RejectionError
	if errors.As(err, &re) {
		return re
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Reject(ReasonExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return Reject(ReasonBadIssuer, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return Reject(ReasonBadAudience, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Reject(ReasonBadSignature, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return Reject(ReasonMalformed, err)
	default:
		// Unverifiable tokens fail closed as signature failures.
		return Reject(ReasonBadSignature, err)
	}
}

var _ Validator = (*JWKSValidator)(nil)
