package stream

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token scopes.
const (
	ScopeSubscribe = "subscribe"
	ScopeIngest    = "ingest"
	// ScopeAdmin guards operator actions on the HTTP API.
	ScopeAdmin = "admin"
)

// ErrShortSecret is returned for signing secrets under 32 bytes.
var ErrShortSecret = errors.New("token secret must be at least 32 bytes")

// ErrUnknownScope is returned when issuing a token with a scope no surface checks.
var ErrUnknownScope = errors.New("unknown token scope")

var knownScopes = []string{ScopeSubscribe, ScopeIngest, ScopeAdmin}

// clockSkew is tolerated on exp/iat between proofd replicas and clients.
const clockSkew = 30 * time.Second

// TokenClaims are the JWT claims of a stream access token.
type TokenClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// HasScope reports whether the token grants scope.
func (c *TokenClaims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// TokenIssuer signs and checks the HS256 tokens shared by the gRPC stream
// and the admin HTTP routes.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	parser *jwt.Parser
}

// NewTokenIssuer creates a TokenIssuer. ttl defaults to one hour.
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		secret: secret,
		issuer: issuer,
		ttl:    ttl,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(clockSkew),
		),
	}, nil
}

// Issue signs a token for subject. Duplicate scopes are collapsed.
func (t *TokenIssuer) Issue(subject string, scopes []string) (string, error) {
	granted := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if !slices.Contains(knownScopes, s) {
			return "", fmt.Errorf("%w: %q", ErrUnknownScope, s)
		}
		if !slices.Contains(granted, s) {
			granted = append(granted, s)
		}
	}

	now := time.Now().UTC()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		Scopes: granted,
	})
	return tok.SignedString(t.secret)
}

// Verify parses raw and returns its claims if the signature, issuer and
// expiry all check out.
func (t *TokenIssuer) Verify(raw string) (*TokenClaims, error) {
	claims := new(TokenClaims)
	if _, err := t.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }
