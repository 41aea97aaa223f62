package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/convo/internal/identity"
)

const identityKey = "identity"

// requireAuth reads a bearer token from the Authorization header, or from
// the token query parameter for websocket clients that cannot set headers.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.verifier.Enabled() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token authentication is not configured"})
			return
		}
		token, ok := identity.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}
		who, err := s.verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(identityKey, who)
		c.Next()
	}
}

func caller(c *gin.Context) identity.Identity {
	v, _ := c.Get(identityKey)
	who, _ := v.(identity.Identity)
	return who
}
