package auth

import (
	"testing"
	"time"

	"github.com/entitle/backend/internal/infrastructure/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *JWTService {
	return NewJWTService(config.JWTConfig{
		Secret:                "test-secret-at-least-32-characters-long",
		AccessTokenExpiration: time.Hour,
		Issuer:                "entitle-test",
	})
}

func TestJWTService_GenerateAndValidate(t *testing.T) {
	svc := newTestService()
	subjectID := uuid.New()
	orgID := uuid.New()

	token, expiresAt, err := svc.GenerateToken(GenerateTokenInput{
		SubjectID: subjectID,
		OrgID:     orgID,
		Role:      RoleMember,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, subjectID.String(), claims.Subject)
	assert.Equal(t, orgID.String(), claims.OrgID)
	assert.Equal(t, RoleMember, claims.Role)
	assert.False(t, claims.IsAdmin())

	gotSubject, err := claims.SubjectID()
	require.NoError(t, err)
	assert.Equal(t, subjectID, gotSubject)

	gotOrg, err := claims.OrgUUID()
	require.NoError(t, err)
	assert.Equal(t, orgID, gotOrg)
}

func TestJWTService_AdminTokenWithoutOrg(t *testing.T) {
	svc := newTestService()

	token, _, err := svc.GenerateToken(GenerateTokenInput{
		SubjectID: uuid.New(),
		Role:      RoleAdmin,
	})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.True(t, claims.IsAdmin())
	assert.Empty(t, claims.OrgID)

	orgID, err := claims.OrgUUID()
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, orgID)
}

func TestJWTService_MemberTokenRequiresOrg(t *testing.T) {
	svc := newTestService()

	token, _, err := svc.GenerateToken(GenerateTokenInput{
		SubjectID: uuid.New(),
		Role:      RoleMember,
	})
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.Equal(t, ErrMissingOrgID, err)
}

func TestJWTService_RejectsExpiredToken(t *testing.T) {
	svc := NewJWTService(config.JWTConfig{
		Secret:                "test-secret-at-least-32-characters-long",
		AccessTokenExpiration: -time.Minute,
		Issuer:                "entitle-test",
	})

	token, _, err := svc.GenerateToken(GenerateTokenInput{
		SubjectID: uuid.New(),
		OrgID:     uuid.New(),
	})
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.Equal(t, ErrExpiredToken, err)
}

func TestJWTService_RejectsWrongSecret(t *testing.T) {
	svc := newTestService()
	other := NewJWTService(config.JWTConfig{
		Secret:                "another-secret-that-is-also-32-chars!",
		AccessTokenExpiration: time.Hour,
		Issuer:                "entitle-test",
	})

	token, _, err := other.GenerateToken(GenerateTokenInput{
		SubjectID: uuid.New(),
		OrgID:     uuid.New(),
	})
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.Equal(t, ErrInvalidToken, err)
}

func TestJWTService_RejectsWrongSigningMethod(t *testing.T) {
	svc := newTestService()

	token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString()},
		Role:             RoleAdmin,
	})
	unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.ValidateToken(unsigned)
	assert.Equal(t, ErrInvalidToken, err)
}

func TestJWTService_RejectsMissingSubject(t *testing.T) {
	svc := newTestService()

	_, _, err := svc.GenerateToken(GenerateTokenInput{Role: RoleAdmin})
	assert.Equal(t, ErrMissingSubject, err)
}
