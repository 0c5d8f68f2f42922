package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
)

func TestAuthServiceIssueAndValidate(t *testing.T) {
	svc := NewAuthService(nil, AuthConfig{AccessTokenSecret: "secret", Issuer: "aegis", Audience: []string{"operators"}})

	token, err := svc.IssueToken("user-1", "ops@corp.example", models.RoleOperator, time.Minute)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, models.RoleOperator, claims.Role)
	require.Equal(t, "ops@corp.example", claims.Email)
}

func TestAuthServiceRejectsInvalidTokens(t *testing.T) {
	svc := NewAuthService(nil, AuthConfig{AccessTokenSecret: "secret", Issuer: "aegis"})
	other := NewAuthService(nil, AuthConfig{AccessTokenSecret: "other", Issuer: "aegis"})

	forged, err := other.IssueToken("user-1", "ops@corp.example", models.RoleAdmin, time.Minute)
	require.NoError(t, err)
	expired, err := svc.IssueToken("user-1", "ops@corp.example", models.RoleAdmin, -time.Minute)
	require.NoError(t, err)
	roleless, err := svc.IssueToken("user-1", "ops@corp.example", "", time.Minute)
	require.NoError(t, err)

	for name, token := range map[string]string{"forged": forged, "expired": expired, "no role": roleless, "garbage": "not-a-token"} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateToken(token)
			require.Error(t, err)
			require.True(t, errors.Is(err, appErrors.ErrUnauthorized))
		})
	}
}
