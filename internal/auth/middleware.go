package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/batondev/baton/internal/common/config"
	"github.com/batondev/baton/internal/common/logger"
)

// identityKey stores the authenticated identity on the gin context.
const identityKey = "auth.identity"

// Middleware applies authentication then rate limiting to every request,
// except those whose path is in the skip list.
func Middleware(
	authenticator *Authenticator,
	limiter *RateLimiter,
	cfg config.AuthConfig,
	log *logger.Logger,
) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		identity, ok := authenticate(c, authenticator, log)
		if !ok {
			return
		}
		if identity != nil {
			c.Set(identityKey, identity)
		}

		if limiter != nil {
			res := limiter.Allow(clientKey(c, identity))
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
			if !res.Allowed {
				retryAfter := int(res.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				c.Header("Retry-After", strconv.Itoa(retryAfter))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error":   "rate_limited",
					"message": fmt.Sprintf("rate limit exceeded, retry in %ds", retryAfter),
				})
				return
			}
		}

		c.Next()
	}
}

func authenticate(c *gin.Context, authenticator *Authenticator, log *logger.Logger) (*Identity, bool) {
	if authenticator == nil || !authenticator.Enabled() {
		return nil, true
	}

	bearer := bearerToken(c.GetHeader("Authorization"))
	apiKey := c.GetHeader("X-API-Key")

	identity, err := authenticator.Authenticate(bearer, apiKey)
	if err == nil {
		return identity, true
	}

	log.Debug("authentication failed",
		zap.String("path", c.Request.URL.Path),
		zap.Error(err))

	c.Header("WWW-Authenticate", `Bearer realm="baton"`)
	message := "authentication required"
	if errors.Is(err, ErrTokenExpired) {
		message = "token expired"
	} else if errors.Is(err, ErrInvalidCredentials) {
		message = "invalid credentials"
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": message,
	})
	return nil, false
}

// IdentityFrom returns the authenticated identity on the context, if any.
func IdentityFrom(c *gin.Context) (*Identity, bool) {
	val, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := val.(*Identity)
	return identity, ok
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// clientKey picks the rate-limit bucket: authenticated subject, else
// forwarded client IP, else a shared default bucket.
func clientKey(c *gin.Context, identity *Identity) string {
	if identity != nil && identity.Subject != "" && identity.Subject != "api-key" {
		return "user:" + identity.Subject
	}
	if ip := c.ClientIP(); ip != "" {
		return "ip:" + ip
	}
	return "default"
}
