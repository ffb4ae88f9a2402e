package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/matricula-api/internal/models"
)

// ContextActorKey is the gin context key storing the authenticated actor id.
const ContextActorKey = "currentActor"

// Actor extracts the actor id from a bearer token when present. Session
// handling and authorization live upstream; this only attributes audited
// transitions to a user id, so an absent or invalid token does not block.
func Actor(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.Next()
			return
		}

		claims := &models.JWTClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.UserID == "" {
			c.Next()
			return
		}

		c.Set(ContextActorKey, claims.UserID)
		c.Next()
	}
}

// ActorID returns the actor id stored in the context, if any.
func ActorID(c *gin.Context) *string {
	if v, exists := c.Get(ContextActorKey); exists {
		if id, ok := v.(string); ok && id != "" {
			return &id
		}
	}
	return nil
}
