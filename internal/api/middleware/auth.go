package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clubprotocol/chain-relay/internal/logger"
)

// AuthConfig holds authentication configuration
type AuthConfig struct {
	APIKeys []string
}

// ValidateAPIKey checks an Authorization header of the form "APIKey <key>"
// against the configured operator keys
func ValidateAPIKey(authHeader string, cfg AuthConfig) error {
	if authHeader == "" {
		return errors.New("missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return errors.New("invalid Authorization header format")
	}
	if !strings.EqualFold(parts[0], "apikey") {
		return errors.New("unsupported authorization type: " + parts[0])
	}

	key := parts[1]
	if key == "" {
		return errors.New("empty API key")
	}
	for _, valid := range cfg.APIKeys {
		if valid != "" && key == valid {
			return nil
		}
	}
	return errors.New("invalid API key")
}

// APIKeyAuth returns a gin middleware that requires operator API key
// authentication
func APIKeyAuth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := ValidateAPIKey(c.GetHeader("Authorization"), cfg); err != nil {
			logger.Warn("Authentication failed",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "unauthorized",
					"message": "Authentication failed",
				},
			})
			return
		}

		c.Next()
	}
}
