package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batondev/baton/internal/common/config"
	"github.com/batondev/baton/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestAuthenticator_APIKey(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{APIKeys: []string{"key-one", "key-two"}})

	id, err := a.Authenticate("", "key-one")
	require.NoError(t, err)
	assert.Equal(t, "api-key", id.Subject)

	id, err = a.Authenticate("key-two", "")
	require.NoError(t, err)
	assert.Equal(t, "api-key", id.Subject)

	_, err = a.Authenticate("", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.Authenticate("", "")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestAuthenticator_CustomValidator(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{}).WithKeyValidator(func(key string) bool {
		return key == "dynamic"
	})
	require.True(t, a.Enabled())

	_, err := a.Authenticate("", "dynamic")
	assert.NoError(t, err)
	_, err = a.Authenticate("", "static")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticator_JWT(t *testing.T) {
	cfg := config.AuthConfig{JWT: config.JWTConfig{
		Secret: "test-secret",
		Issuer: "baton-test",
	}}
	a := NewAuthenticator(cfg)

	token, err := a.IssueToken("user-42", time.Hour)
	require.NoError(t, err)

	id, err := a.Authenticate(token, "")
	require.NoError(t, err)
	assert.Equal(t, "user-42", id.Subject)
	assert.NotNil(t, id.Claims)
}

func TestAuthenticator_JWTExpired(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{JWT: config.JWTConfig{Secret: "test-secret"}})

	token, err := a.IssueToken("user-42", -time.Minute)
	require.NoError(t, err)

	_, err = a.Authenticate(token, "")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestAuthenticator_JWTWrongSecret(t *testing.T) {
	minter := NewAuthenticator(config.AuthConfig{JWT: config.JWTConfig{Secret: "other-secret"}})
	token, err := minter.IssueToken("user-42", time.Hour)
	require.NoError(t, err)

	a := NewAuthenticator(config.AuthConfig{JWT: config.JWTConfig{Secret: "test-secret"}})
	_, err = a.Authenticate(token, "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticator_JWTWrongIssuer(t *testing.T) {
	minter := NewAuthenticator(config.AuthConfig{JWT: config.JWTConfig{Secret: "s", Issuer: "someone-else"}})
	token, err := minter.IssueToken("user-42", time.Hour)
	require.NoError(t, err)

	a := NewAuthenticator(config.AuthConfig{JWT: config.JWTConfig{Secret: "s", Issuer: "baton"}})
	_, err = a.Authenticate(token, "")
	assert.Error(t, err)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := NewRateLimiter(time.Minute, 3, withNow(clock))

	for i := 0; i < 3; i++ {
		res := r.Allow("client")
		assert.True(t, res.Allowed, "request %d should pass", i+1)
	}

	// Request N+1 inside the window is denied with retry metadata.
	res := r.Allow("client")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 3, res.Limit)
	assert.Positive(t, res.RetryAfter)

	// Other clients are unaffected.
	assert.True(t, r.Allow("other").Allowed)

	// After the window slides past the earliest hits, requests pass again.
	now = now.Add(61 * time.Second)
	assert.True(t, r.Allow("client").Allowed)
}

func setupEdgeRouter(t *testing.T, authCfg config.AuthConfig, limiter *RateLimiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware(NewAuthenticator(authCfg), limiter, authCfg, testLogger(t)))
	router.GET("/rpc", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func TestMiddleware_Unauthorized(t *testing.T) {
	router := setupEdgeRouter(t, config.AuthConfig{APIKeys: []string{"secret"}}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rpc", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
	assert.Contains(t, w.Body.String(), "unauthorized")
}

func TestMiddleware_SkipPaths(t *testing.T) {
	cfg := config.AuthConfig{APIKeys: []string{"secret"}, SkipPaths: []string{"/health"}}
	router := setupEdgeRouter(t, cfg, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_APIKeyHeader(t *testing.T) {
	router := setupEdgeRouter(t, config.AuthConfig{APIKeys: []string{"secret"}}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rpc", nil)
	req.Header.Set("X-API-Key", "secret")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer secret")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_RateLimitHeaders(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 2)
	router := setupEdgeRouter(t, config.AuthConfig{}, limiter)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rpc", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rpc", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Contains(t, w.Body.String(), "rate_limited")
}

func TestMiddleware_OpenWhenUnconfigured(t *testing.T) {
	router := setupEdgeRouter(t, config.AuthConfig{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rpc", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
