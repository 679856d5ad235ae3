package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/utils"
)

// Claims are the claims of an admin bearer token
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token grants role
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenValidator validates bearer tokens
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// HMACValidator validates HS256 tokens signed with a shared secret
type HMACValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewHMACValidator creates a validator for tokens signed with secret
func NewHMACValidator(secret string) *HMACValidator {
	return &HMACValidator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// ValidateToken implements TokenValidator
func (v *HMACValidator) ValidateToken(_ context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid admin token: %w", err)
	}
	return claims, nil
}

// AuthMiddleware guards the admin API
type AuthMiddleware struct {
	validator TokenValidator
	logger    *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware. A nil validator lets every
// request through, for local development.
func NewAuthMiddleware(validator TokenValidator, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
		logger:    logger,
	}
}

// RequireAuth rejects requests without a valid bearer token
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.validator == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		token := extractBearerToken(r)
		if token == "" {
			m.logger.Warn("missing token",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		claims, err := m.validator.ValidateToken(ctx, token)
		if err != nil {
			m.logger.Warn("token validation failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Invalid or expired token")
			return
		}

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("sub", claims.Subject))

		next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims)))
	})
}

// RequireRole is a middleware that requires a specific role
func (m *AuthMiddleware) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.validator == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			claims := GetClaimsFromContext(ctx)
			if claims == nil {
				m.logger.Error("claims not found in context",
					zap.String("request_id", requestID))
				_ = utils.WriteUnauthorized(w, "Authentication required")
				return
			}

			if !claims.HasRole(role) {
				m.logger.Warn("insufficient permissions",
					zap.String("request_id", requestID),
					zap.String("required_role", role),
					zap.Strings("roles", claims.Roles))
				_ = utils.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
