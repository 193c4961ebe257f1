package auth

import (
	"errors"
	"time"

	"github.com/entitle/backend/internal/infrastructure/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role names carried in token claims
const (
	RoleAdmin   = "admin"
	RoleMember  = "member"
	RoleService = "service"
)

// Common errors
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidClaims    = errors.New("invalid token claims")
	ErrTokenNotYetValid = errors.New("token is not yet valid")
	ErrMissingOrgID     = errors.New("missing org_id in claims")
	ErrMissingSubject   = errors.New("missing subject in claims")
)

// Claims represents custom JWT claims. OrgID scopes every non-admin call;
// admin tokens carry Role "admin" and act across organizations.
type Claims struct {
	jwt.RegisteredClaims
	OrgID string `json:"org_id,omitempty"`
	Role  string `json:"role"`
}

// IsAdmin reports whether the token grants operator access
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// SubjectID returns the subject as a UUID
func (c *Claims) SubjectID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// OrgUUID returns the org claim as a UUID, or uuid.Nil when absent
func (c *Claims) OrgUUID() (uuid.UUID, error) {
	if c.OrgID == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(c.OrgID)
}

// JWTService handles JWT token operations
type JWTService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

// NewJWTService creates a new JWT service
func NewJWTService(cfg config.JWTConfig) *JWTService {
	return &JWTService{
		secret:     []byte(cfg.Secret),
		expiration: cfg.AccessTokenExpiration,
		issuer:     cfg.Issuer,
	}
}

// GenerateTokenInput contains input for token generation
type GenerateTokenInput struct {
	SubjectID uuid.UUID
	OrgID     uuid.UUID // uuid.Nil for admin and service tokens
	Role      string
}

// GenerateToken issues a signed access token
func (s *JWTService) GenerateToken(input GenerateTokenInput) (string, time.Time, error) {
	if input.SubjectID == uuid.Nil {
		return "", time.Time{}, ErrMissingSubject
	}
	if input.Role == "" {
		input.Role = RoleMember
	}

	now := time.Now()
	expiresAt := now.Add(s.expiration)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    s.issuer,
			Subject:   input.SubjectID.String(),
			Audience:  jwt.ClaimStrings{s.issuer},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: input.Role,
	}
	if input.OrgID != uuid.Nil {
		claims.OrgID = input.OrgID.String()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken parses and validates an access token
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, ErrTokenNotYetValid
		default:
			return nil, ErrInvalidToken
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	if claims.Role != RoleAdmin && claims.Role != RoleService && claims.OrgID == "" {
		return nil, ErrMissingOrgID
	}
	return claims, nil
}
