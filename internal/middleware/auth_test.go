package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleout-go/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthRouter(jwt *token.JWTManager) *gin.Engine {
	r := gin.New()
	r.GET("/private", AuthMiddleware(jwt), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	r.GET("/open", OptionalAuth(jwt), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c)+"|"+GuestIDFrom(c))
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	jwt := token.NewJWTManager("secret", 1)
	r := newAuthRouter(jwt)
	tok, err := jwt.GenerateToken("u1", "vet")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())

	for _, header := range []string{"", "Bearer ", "Token " + tok, "Bearer garbage"} {
		w = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodGet, "/private", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
	}
}

func TestOptionalAuth(t *testing.T) {
	jwt := token.NewJWTManager("secret", 1)
	r := newAuthRouter(jwt)
	tok, err := jwt.GenerateToken("u1", "vet")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open?token="+tok, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "u1|guest-")

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("Authorization", "Bearer expired-or-bad")
	req.Header.Set(GuestHeader, "device-1")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "|"+GuestID("device-1", ""), w.Body.String())
}

func TestGuestID(t *testing.T) {
	a := GuestID("device-1", "10.0.0.1")
	assert.Equal(t, a, GuestID(" device-1 ", "10.0.0.2"), "设备标识优先于 IP")
	assert.NotEqual(t, a, GuestID("device-2", "10.0.0.1"))
	assert.Equal(t, GuestID("", "10.0.0.1"), GuestID("", "10.0.0.1"))
	assert.NotEqual(t, GuestID("", "10.0.0.1"), GuestID("", "10.0.0.2"))
	assert.Len(t, a, len("guest-")+32)
	assert.NotContains(t, a, "device")
}
