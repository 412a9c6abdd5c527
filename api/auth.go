package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the engine accepts. Subject carries the
// consumer address the token was issued for.
type Claims struct {
	jwt.RegisteredClaims
	Consumer string `json:"consumer,omitempty"`
}

const consumerContextKey = "auth_consumer"

// jwtAuth validates a Bearer token signed with the shared secret and
// stores the authenticated consumer on the request context.
func jwtAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing bearer token",
			})
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(
			strings.TrimPrefix(header, "Bearer "),
			claims,
			func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			},
		)
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
			})
			return
		}

		c.Set(consumerContextKey, claims.Consumer)
		c.Next()
	}
}

// authedConsumer returns the consumer address from the validated
// token, or empty when auth is disabled.
func authedConsumer(c *gin.Context) string {
	if v, ok := c.Get(consumerContextKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
