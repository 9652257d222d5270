package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/claude-nexus/proxy/common/config"
	"github.com/claude-nexus/proxy/credential"
)

func newStoreWithCredential(t *testing.T, domain string, cred credential.Credential) *credential.Store {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(cred)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, domain+".credentials.json"), data, 0o600))

	store, err := credential.NewStore(dir, http.DefaultClient)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestClientAuthAcceptsMatchingKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newStoreWithCredential(t, "example.com", credential.Credential{Type: "api_key", APIKey: "sk-x", ClientAPIKey: "client-secret"})

	engine := gin.New()
	engine.Use(ClientAuth(store))
	engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "example.com"
	req.Header.Set("Authorization", "Bearer client-secret")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestClientAuthRejectsWrongKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newStoreWithCredential(t, "example.com", credential.Credential{Type: "api_key", APIKey: "sk-x", ClientAPIKey: "client-secret"})

	engine := gin.New()
	engine.Use(ClientAuth(store))
	engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "example.com"
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDashboardAuthAcceptsStaticKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	config.DashboardAPIKey = "dash-secret"
	config.DashboardSessionSecret = ""

	engine := gin.New()
	engine.Use(DashboardAuth())
	engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Dashboard-Key", "dash-secret")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDashboardAuthAcceptsValidSessionToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	config.DashboardAPIKey = "dash-secret"
	config.DashboardSessionSecret = "session-signing-secret"

	token, err := NewDashboardSessionToken(time.Hour)
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(DashboardAuth())
	engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDashboardAuthRejectsExpiredSessionToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	config.DashboardAPIKey = "dash-secret"
	config.DashboardSessionSecret = "session-signing-secret"

	token, err := NewDashboardSessionToken(-time.Hour)
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(DashboardAuth())
	engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDashboardAuthRejectsMissingCredentials(t *testing.T) {
	gin.SetMode(gin.TestMode)
	config.DashboardAPIKey = "dash-secret"
	config.DashboardSessionSecret = ""

	engine := gin.New()
	engine.Use(DashboardAuth())
	engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
