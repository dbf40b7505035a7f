// Package middleware provides HTTP middleware for the Arkivo API.
package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/arkivo-backup/arkivo/internal/auth"
	"github.com/arkivo-backup/arkivo/internal/models"
)

// AgentStore is the interface for looking up agents by API key hash.
type AgentStore interface {
	GetAgentByAPIKeyHash(ctx context.Context, hash string) (*models.Agent, error)
}

// ContextKey is the type for context keys used by this package.
type ContextKey string

const (
	// IdentityContextKey is the context key for the authenticated user identity.
	IdentityContextKey ContextKey = "identity"
	// AgentContextKey is the context key for the API-key-authenticated agent.
	AgentContextKey ContextKey = "agent"
)

// BearerAuth returns a Gin middleware that requires a valid bearer token.
func BearerAuth(verifier auth.TokenVerifier, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "auth_middleware").Logger()

	return func(c *gin.Context) {
		token := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("rejected bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(string(IdentityContextKey), identity)

		log.Debug().
			Str("user_id", identity.UserID.String()).
			Str("path", c.Request.URL.Path).
			Msg("authenticated request")

		c.Next()
	}
}

// APIKeyAuth returns a Gin middleware that requires a valid agent API key,
// presented either as a bearer token or in the X-API-Key header.
func APIKeyAuth(store AgentStore, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "apikey_middleware").Logger()

	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = auth.ExtractBearerToken(c.GetHeader("Authorization"))
		}
		if !auth.IsValidAPIKeyFormat(key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "api key required"})
			return
		}

		hash := auth.HashAPIKey(key)
		agent, err := store.GetAgentByAPIKeyHash(c.Request.Context(), hash)
		if err != nil || agent == nil || !auth.SecureCompareHash(agent.APIKeyHash, hash) {
			log.Debug().Str("path", c.Request.URL.Path).Msg("rejected api key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}

		c.Set(string(AgentContextKey), agent)
		c.Next()
	}
}

// GetIdentity retrieves the authenticated identity from the Gin context.
// Returns nil if no identity is present.
func GetIdentity(c *gin.Context) *auth.Identity {
	v, exists := c.Get(string(IdentityContextKey))
	if !exists {
		return nil
	}
	identity, ok := v.(*auth.Identity)
	if !ok {
		return nil
	}
	return identity
}

// RequireIdentity is a helper that gets the authenticated identity or aborts
// with 401. Use this in handlers that expect BearerAuth to have already run.
func RequireIdentity(c *gin.Context) *auth.Identity {
	identity := GetIdentity(c)
	if identity == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil
	}
	return identity
}

// GetAgent retrieves the API-key-authenticated agent from the Gin context.
func GetAgent(c *gin.Context) *models.Agent {
	v, exists := c.Get(string(AgentContextKey))
	if !exists {
		return nil
	}
	agent, ok := v.(*models.Agent)
	if !ok {
		return nil
	}
	return agent
}

// RequireAgent is a helper that gets the authenticated agent or aborts with 401.
func RequireAgent(c *gin.Context) *models.Agent {
	agent := GetAgent(c)
	if agent == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "api key required"})
		return nil
	}
	return agent
}
