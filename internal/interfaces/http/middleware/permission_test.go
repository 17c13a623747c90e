package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/crm/backend/internal/infrastructure/auth"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routerWithClaims(claims *auth.Claims, guard gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if claims != nil {
			c.Set(JWTClaimsKey, claims)
			c.Set(JWTUserIDKey, claims.UserID)
			c.Set(JWTTenantIDKey, claims.TenantID)
		}
		c.Next()
	})
	router.GET("/resource", guard, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	return router
}

func doGet(router *gin.Engine) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resource", nil))
	return w
}

func TestRequireAnyPermission(t *testing.T) {
	t.Run("wildcard holder passes", func(t *testing.T) {
		claims := &auth.Claims{UserID: "u-1", TenantID: "t-1", Permissions: []string{"crm.contacts.*"}}
		w := doGet(routerWithClaims(claims, RequireAnyPermission("crm.contacts.delete")))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("one of several suffices", func(t *testing.T) {
		claims := &auth.Claims{UserID: "u-1", TenantID: "t-1", Permissions: []string{"crm.contacts.*"}}
		w := doGet(routerWithClaims(claims, RequireAnyPermission("billing.read", "crm.contacts.delete")))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unrelated module denied", func(t *testing.T) {
		claims := &auth.Claims{UserID: "u-1", TenantID: "t-1", Permissions: []string{"crm.leads.*"}}
		w := doGet(routerWithClaims(claims, RequireAnyPermission("billing.invoices.read")))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("no claims denied", func(t *testing.T) {
		w := doGet(routerWithClaims(nil, RequireAnyPermission("crm.leads.read")))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestRequireAllPermissions(t *testing.T) {
	t.Run("all held passes", func(t *testing.T) {
		claims := &auth.Claims{UserID: "u-1", TenantID: "t-1", Permissions: []string{"*"}}
		w := doGet(routerWithClaims(claims, RequireAllPermissions("crm.contacts.delete", "billing.read")))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("one missing denies", func(t *testing.T) {
		claims := &auth.Claims{UserID: "u-1", TenantID: "t-1", Permissions: []string{"crm.contacts.*"}}
		w := doGet(routerWithClaims(claims, RequireAllPermissions("crm.contacts.delete", "billing.read")))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestPermissionDenied_PayloadCarriesBothSets(t *testing.T) {
	claims := &auth.Claims{UserID: "u-1", TenantID: "t-1", Permissions: []string{"crm.leads.read"}}
	w := doGet(routerWithClaims(claims, RequireAnyPermission("billing.invoices.read")))
	require.Equal(t, http.StatusForbidden, w.Code)

	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code                string   `json:"code"`
			RequiredPermissions []string `json:"required_permissions"`
			UserPermissions     []string `json:"user_permissions"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "ERR_PERMISSION_DENIED", body.Error.Code)
	assert.Equal(t, []string{"billing.invoices.read"}, body.Error.RequiredPermissions)
	assert.Equal(t, []string{"crm.leads.read"}, body.Error.UserPermissions)
}
