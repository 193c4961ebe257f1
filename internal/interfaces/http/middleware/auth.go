package middleware

import (
	"net/http"
	"strings"

	"github.com/entitle/backend/internal/infrastructure/auth"
	"github.com/entitle/backend/internal/infrastructure/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Auth context keys
const (
	AuthClaimsKey  = "auth_claims"
	AuthSubjectKey = "auth_subject"
	AuthOrgIDKey   = "auth_org_id"
	AuthRoleKey    = "auth_role"
	AuthHeaderKey  = "Authorization"
	BearerPrefix   = "Bearer "
)

// AuthMiddlewareConfig holds configuration for the auth middleware
type AuthMiddlewareConfig struct {
	// JWTService is required for token validation
	JWTService *auth.JWTService
	// SkipPaths are paths that don't require authentication
	SkipPaths []string
	// SkipPathPrefixes are path prefixes that don't require authentication
	SkipPathPrefixes []string
	// Optional callback if token is invalid (default: return 401)
	OnError func(c *gin.Context, err error)
	// Logger for middleware logging
	Logger *zap.Logger
}

// DefaultAuthConfig returns default auth middleware configuration
func DefaultAuthConfig(jwtService *auth.JWTService) AuthMiddlewareConfig {
	return AuthMiddlewareConfig{
		JWTService: jwtService,
		SkipPaths: []string{
			"/health",
			"/healthz",
			"/ready",
			"/metrics",
		},
		SkipPathPrefixes: []string{
			"/webhooks",
		},
		OnError: nil,
		Logger:  nil,
	}
}

// AuthMiddleware creates JWT authentication middleware
func AuthMiddleware(jwtService *auth.JWTService) gin.HandlerFunc {
	return AuthMiddlewareWithConfig(DefaultAuthConfig(jwtService))
}

// AuthMiddlewareWithConfig creates JWT authentication middleware with custom config
func AuthMiddlewareWithConfig(cfg AuthMiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		for _, skipPath := range cfg.SkipPaths {
			if path == skipPath {
				c.Next()
				return
			}
		}
		for _, prefix := range cfg.SkipPathPrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}

		authHeader := c.GetHeader(AuthHeaderKey)
		if authHeader == "" {
			handleAuthError(c, cfg, auth.ErrInvalidToken, "Missing authorization header")
			return
		}
		if !strings.HasPrefix(authHeader, BearerPrefix) {
			handleAuthError(c, cfg, auth.ErrInvalidToken, "Invalid authorization header format")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, BearerPrefix)
		if tokenString == "" {
			handleAuthError(c, cfg, auth.ErrInvalidToken, "Missing token")
			return
		}

		claims, err := cfg.JWTService.ValidateToken(tokenString)
		if err != nil {
			handleAuthError(c, cfg, err, "Token validation failed")
			return
		}

		// Store claims in context for downstream use
		c.Set(AuthClaimsKey, claims)
		c.Set(AuthSubjectKey, claims.Subject)
		c.Set(AuthOrgIDKey, claims.OrgID)
		c.Set(AuthRoleKey, claims.Role)

		// Also propagate onto the request context for the logger
		ctx := c.Request.Context()
		log := logger.FromContext(ctx)
		ctx, _ = logger.WithUserID(ctx, log, claims.Subject)
		if claims.OrgID != "" {
			ctx, _ = logger.WithOrgID(ctx, log, claims.OrgID)
		}
		c.Request = c.Request.WithContext(ctx)

		if cfg.Logger != nil {
			cfg.Logger.Debug("Authentication successful",
				zap.String("subject", claims.Subject),
				zap.String("org_id", claims.OrgID),
				zap.String("role", claims.Role),
			)
		}

		c.Next()
	}
}

// RequireAdmin rejects requests whose token does not carry the admin role.
// Place it after AuthMiddleware on admin route groups.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetAuthClaims(c)
		if claims == nil {
			abortForbidden(c, "Authentication required")
			return
		}
		if !claims.IsAdmin() {
			abortForbidden(c, "Admin role required")
			return
		}
		c.Next()
	}
}

// handleAuthError handles authentication errors
func handleAuthError(c *gin.Context, cfg AuthMiddlewareConfig, err error, message string) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
		return
	}

	if cfg.Logger != nil {
		cfg.Logger.Warn("Authentication failed",
			zap.Error(err),
			zap.String("message", message),
			zap.String("path", c.Request.URL.Path),
		)
	}

	errorCode := "ERR_UNAUTHORIZED"
	errorMessage := "Authentication required"

	switch err {
	case auth.ErrExpiredToken:
		errorCode = "ERR_TOKEN_EXPIRED"
		errorMessage = "Token has expired"
	case auth.ErrInvalidToken, auth.ErrInvalidClaims:
		errorCode = "ERR_TOKEN_INVALID"
		errorMessage = "Invalid token"
	case auth.ErrTokenNotYetValid:
		errorCode = "ERR_TOKEN_INVALID"
		errorMessage = "Token is not yet valid"
	case auth.ErrMissingOrgID, auth.ErrMissingSubject:
		errorCode = "ERR_TOKEN_INVALID"
		errorMessage = "Token is missing required claims"
	}

	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error": gin.H{
			"code":    errorCode,
			"message": errorMessage,
		},
	})
}

func abortForbidden(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"success": false,
		"error": gin.H{
			"code":    "ERR_FORBIDDEN",
			"message": message,
		},
	})
}

// GetAuthClaims retrieves auth claims from gin.Context
func GetAuthClaims(c *gin.Context) *auth.Claims {
	if claims, exists := c.Get(AuthClaimsKey); exists {
		if authClaims, ok := claims.(*auth.Claims); ok {
			return authClaims
		}
	}
	return nil
}

// GetAuthSubject retrieves the authenticated subject ID from context
func GetAuthSubject(c *gin.Context) string {
	if subject, exists := c.Get(AuthSubjectKey); exists {
		if s, ok := subject.(string); ok {
			return s
		}
	}
	return ""
}

// GetAuthOrgID retrieves the authenticated organization ID from context
func GetAuthOrgID(c *gin.Context) string {
	if orgID, exists := c.Get(AuthOrgIDKey); exists {
		if id, ok := orgID.(string); ok {
			return id
		}
	}
	return ""
}

// GetAuthRole retrieves the authenticated role from context
func GetAuthRole(c *gin.Context) string {
	if role, exists := c.Get(AuthRoleKey); exists {
		if r, ok := role.(string); ok {
			return r
		}
	}
	return ""
}
