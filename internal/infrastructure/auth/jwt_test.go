package auth

import (
	"testing"
	"time"

	"github.com/crm/backend/internal/infrastructure/config"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *JWTService {
	return NewJWTService(config.JWTConfig{
		Secret:                "test-secret-key-at-least-32-chars",
		AccessTokenExpiration: 15 * time.Minute,
		Issuer:                "test-issuer",
	})
}

func TestGenerateAndValidateToken(t *testing.T) {
	svc := newTestService()
	tenantID := uuid.New()
	userID := uuid.New()

	token, err := svc.GenerateToken(GenerateTokenInput{
		TenantID:    tenantID,
		UserID:      userID,
		Username:    "alice",
		Permissions: []string{"crm.contacts.read"},
	})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, tenantID.String(), claims.TenantID)
	assert.Equal(t, userID.String(), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, []string{"crm.contacts.read"}, claims.Permissions)
}

func TestValidateToken_Invalid(t *testing.T) {
	svc := newTestService()

	_, err := svc.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewJWTService(config.JWTConfig{
		Secret:                "a-completely-different-secret-key",
		AccessTokenExpiration: 15 * time.Minute,
		Issuer:                "test-issuer",
	})
	token, err := other.GenerateToken(GenerateTokenInput{
		TenantID: uuid.New(),
		UserID:   uuid.New(),
	})
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMatchPermission(t *testing.T) {
	tests := []struct {
		name     string
		held     string
		required string
		want     bool
	}{
		{"exact match", "crm.leads.read", "crm.leads.read", true},
		{"exact mismatch", "crm.leads.read", "crm.leads.write", false},
		{"global wildcard", "*", "billing.invoices.read", true},
		{"module wildcard matches", "crm.*", "crm.leads.read", true},
		{"resource wildcard matches", "crm.leads.*", "crm.leads.delete", true},
		{"module wildcard other module", "crm.leads.*", "billing.invoices.read", false},
		{"wildcard needs dot boundary", "crm.*", "crmx.leads.read", false},
		{"plain string is not a wildcard", "crm", "crm.leads.read", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPermission(tt.held, tt.required))
		})
	}
}

func TestClaimsPermissionChecks(t *testing.T) {
	claims := &Claims{Permissions: []string{"crm.contacts.*"}}

	assert.True(t, claims.HasPermission("crm.contacts.delete"))
	assert.False(t, claims.HasPermission("billing.read"))

	assert.True(t, claims.HasAnyPermission("crm.contacts.delete", "billing.read"))
	assert.False(t, claims.HasAllPermissions("crm.contacts.delete", "billing.read"))

	admin := &Claims{Permissions: []string{"*"}}
	assert.True(t, admin.HasAllPermissions("crm.contacts.delete", "billing.read", "anything.at.all"))
}
