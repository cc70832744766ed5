package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/accountproof/internal/stream"
)

const claimsKey = "accountproof.claims"

// RequireScope guards admin routes with the same HS256 tokens the proof
// stream accepts. A nil issuer leaves the route open.
func RequireScope(tokens *stream.TokenIssuer, scope string) gin.HandlerFunc {
	if tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	challenge := func(c *gin.Context, status int, errCode, desc string) {
		c.Header("WWW-Authenticate", fmt.Sprintf(
			`Bearer realm="accountproof", scope=%q, error=%q, error_description=%q`,
			scope, errCode, desc))
		c.AbortWithStatusJSON(status, gin.H{"error": desc})
	}

	return func(c *gin.Context) {
		raw, ok := stream.BearerToken(c.GetHeader("Authorization"))
		if !ok || raw == "" {
			challenge(c, http.StatusUnauthorized, "invalid_request", "bearer token required")
			return
		}
		claims, err := tokens.Verify(raw)
		if err != nil {
			challenge(c, http.StatusUnauthorized, "invalid_token", "invalid or expired token")
			return
		}
		if !claims.HasScope(scope) {
			challenge(c, http.StatusForbidden, "insufficient_scope", "token lacks scope "+scope)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ClaimsFromCtx returns the claims RequireScope verified, or nil on open routes.
func ClaimsFromCtx(c *gin.Context) *stream.TokenClaims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*stream.TokenClaims)
	return claims
}
