// Package auth guards the RPC edge: API key and JWT authentication plus a
// sliding-window rate limiter, exposed as gin middleware.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/batondev/baton/internal/common/config"
)

var (
	// ErrNoCredentials means the request carried neither an API key nor a
	// token.
	ErrNoCredentials = errors.New("no credentials provided")

	// ErrInvalidCredentials means the presented credential failed
	// verification.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTokenExpired means the JWT was valid but past its expiration.
	ErrTokenExpired = errors.New("token expired")
)

// Identity is the authenticated caller.
type Identity struct {
	// Subject is the JWT sub claim, or "api-key" for key-authenticated
	// callers.
	Subject string

	// Claims holds the full JWT claims when a token was presented.
	Claims jwt.MapClaims
}

// KeyValidator lets callers plug their own API key check in place of the
// configured key set.
type KeyValidator func(key string) bool

// Authenticator validates API keys and JWTs per the configured policy.
type Authenticator struct {
	apiKeys   []string
	validator KeyValidator
	jwtCfg    config.JWTConfig
}

// NewAuthenticator builds an authenticator from config.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		apiKeys: cfg.APIKeys,
		jwtCfg:  cfg.JWT,
	}
}

// WithKeyValidator replaces the configured key set with a custom validator.
func (a *Authenticator) WithKeyValidator(v KeyValidator) *Authenticator {
	a.validator = v
	return a
}

// Enabled reports whether any credential check is configured. An
// unconfigured edge is open, for development.
func (a *Authenticator) Enabled() bool {
	return len(a.apiKeys) > 0 || a.validator != nil || a.jwtCfg.Secret != ""
}

// Authenticate verifies the bearer token and API key headers. Bearer values
// with three dot-separated parts are treated as JWTs when JWT is
// configured; everything else is compared against the API keys in constant
// time.
func (a *Authenticator) Authenticate(bearer, apiKey string) (*Identity, error) {
	if bearer == "" && apiKey == "" {
		return nil, ErrNoCredentials
	}

	if bearer != "" && a.jwtCfg.Secret != "" && looksLikeJWT(bearer) {
		return a.verifyJWT(bearer)
	}

	for _, candidate := range []string{bearer, apiKey} {
		if candidate == "" {
			continue
		}
		if a.checkAPIKey(candidate) {
			return &Identity{Subject: "api-key"}, nil
		}
	}
	return nil, ErrInvalidCredentials
}

// checkAPIKey compares the candidate against every configured key in
// constant time, without early exit on match.
func (a *Authenticator) checkAPIKey(candidate string) bool {
	if a.validator != nil {
		return a.validator(candidate)
	}
	matched := false
	for _, key := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			matched = true
		}
	}
	return matched
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// verifyJWT validates signature, expiration, and the optional issuer and
// audience constraints.
func (a *Authenticator) verifyJWT(tokenString string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if a.jwtCfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.jwtCfg.Issuer))
	}
	if a.jwtCfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.jwtCfg.Audience))
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return []byte(a.jwtCfg.Secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	subject, _ := claims.GetSubject()
	return &Identity{Subject: subject, Claims: claims}, nil
}

// IssueToken mints a signed token for the configured secret, used by tests
// and the dev CLI.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if a.jwtCfg.Secret == "" {
		return "", fmt.Errorf("jwt secret not configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if a.jwtCfg.Issuer != "" {
		claims["iss"] = a.jwtCfg.Issuer
	}
	if a.jwtCfg.Audience != "" {
		claims["aud"] = a.jwtCfg.Audience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.jwtCfg.Secret))
}
