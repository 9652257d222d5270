package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/claude-nexus/proxy/common/config"
	"github.com/claude-nexus/proxy/common/ctxkey"
	"github.com/claude-nexus/proxy/credential"
)

// ClientAuth authenticates an inbound call against the per-domain
// client_api_key (spec.md §4.5 step 1, §6). The domain is derived from
// the request's Host header, stripped of any port.
func ClientAuth(store *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		domain := hostWithoutPort(c.Request.Host)
		if domain == "" {
			AbortWithError(c, http.StatusUnauthorized, "missing host")
			return
		}

		cred, err := store.Lookup(domain)
		if err != nil {
			AbortWithError(c, http.StatusUnauthorized, "unknown domain")
			return
		}

		presented := bearerToken(c)
		if presented == "" || cred.ClientAPIKey == "" || presented != cred.ClientAPIKey {
			AbortWithError(c, http.StatusUnauthorized, "invalid client api key")
			return
		}

		c.Set(ctxkey.Domain, domain)
		c.Next()
	}
}

// DashboardAuth gates management endpoints behind either the static
// X-Dashboard-Key header or, when DashboardSessionSecret is configured,
// a bearer JWT session token (spec.md §6's dashboard key plus an
// optional session path for interactive callers).
func DashboardAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Request.Header.Get("X-Dashboard-Key")
		if key != "" && config.DashboardAPIKey != "" && key == config.DashboardAPIKey {
			c.Next()
			return
		}

		if config.DashboardSessionSecret != "" {
			if token := bearerToken(c); token != "" && validDashboardSession(token) {
				c.Next()
				return
			}
		}

		AbortWithError(c, http.StatusUnauthorized, "invalid dashboard credentials")
	}
}

// validDashboardSession checks a bearer token against the configured
// HS256 session secret, requiring the "dashboard" claim to be true.
func validDashboardSession(tokenString string) bool {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(config.DashboardSessionSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	dashboard, _ := claims["dashboard"].(bool)
	return dashboard
}

// NewDashboardSessionToken mints a signed session token for an
// authenticated dashboard operator, valid for the given TTL.
func NewDashboardSessionToken(ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"dashboard": true,
		"exp":       time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.DashboardSessionSecret))
}

func bearerToken(c *gin.Context) string {
	header := c.Request.Header.Get("Authorization")
	return strings.TrimPrefix(header, "Bearer ")
}

func hostWithoutPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}
