package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoattend/internal/model"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "geoattend"
)

func TestIssueAndParse(t *testing.T) {
	tok, exp, err := Issue("u1", model.RoleUser, testIssuer, testKey, time.Minute)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), exp, 2*time.Second)

	claims, err := Parse(tok, testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())
	assert.Equal(t, model.RoleUser, claims.Role)

	_, err = Parse(tok, "other-key", testIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = Parse(tok, testKey, "someone-else")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, _, err := Issue("u1", model.RoleUser, testIssuer, testKey, -time.Minute)
	require.NoError(t, err)
	_, err = Parse(expired, testKey, testIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	odd, _, err := Issue("u1", "GUEST", testIssuer, testKey, time.Minute)
	require.NoError(t, err)
	_, err = Parse(odd, testKey, testIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Authenticate(testKey, testIssuer))
	r.GET("/me", func(c *gin.Context) {
		claims, _ := FromContext(c)
		c.String(http.StatusOK, claims.UserID())
	})
	r.GET("/admin", RequireRole(model.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func call(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	r := router()
	user, _, err := Issue("u1", model.RoleUser, testIssuer, testKey, time.Minute)
	require.NoError(t, err)
	admin, _, err := Issue("a1", model.RoleAdmin, testIssuer, testKey, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, call(r, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(r, "/me", "garbage").Code)

	w := call(r, "/me", user)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())

	assert.Equal(t, http.StatusForbidden, call(r, "/admin", user).Code)
	assert.Equal(t, http.StatusNoContent, call(r, "/admin", admin).Code)
}
