package middleware

import (
	"net/http"
	"strings"

	"ringmesh/internal/core/services"

	"github.com/gin-gonic/gin"
)

func AuthMiddleware(tokenService services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := tokenService.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		participantID, err := claims.Participant()
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid participant in token"})
			c.Abort()
			return
		}

		c.Set("participant_id", participantID)
		c.Next()
	}
}

func OptionalAuthMiddleware(tokenService services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			if claims, err := tokenService.ValidateToken(parts[1]); err == nil {
				if participantID, err := claims.Participant(); err == nil {
					c.Set("participant_id", participantID)
				}
			}
		}

		c.Next()
	}
}
