package auth

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Scopes granted to API callers.
const (
	ScopeDepositor = "depositor"
	ScopeKeeper    = "keeper"
	ScopeAdmin     = "admin"
)

// Config configures HMAC bearer validation.
type Config struct {
	Disabled   bool
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

type contextKey string

const contextKeyClaims contextKey = "allocd.claims"

// Claims is the validated view of a token.
type Claims struct {
	Subject string
	Scopes  []string
}

// Authenticator validates HS256 bearer tokens and enforces scopes.
type Authenticator struct {
	cfg    Config
	logger *log.Logger
	secret []byte
}

// NewAuthenticator returns a configured authenticator. A missing secret is an
// error unless authentication is disabled.
func NewAuthenticator(cfg Config, logger *log.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = log.Default()
	}
	secret := []byte(strings.TrimSpace(cfg.HMACSecret))
	if !cfg.Disabled && len(secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, logger: logger, secret: secret}, nil
}

// Middleware admits requests carrying any of the listed scopes. Admin tokens
// pass every check.
func (a *Authenticator) Middleware(anyOf ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.cfg.Disabled {
				next.ServeHTTP(w, r)
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				tokenString = strings.TrimSpace(r.URL.Query().Get("access_token"))
			}
			if tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.Parse(tokenString)
			if err != nil {
				a.logger.Printf("allocd: token validation failed: %v", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if len(anyOf) > 0 && !hasAnyScope(claims.Scopes, anyOf) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Parse validates a token and extracts its claims.
func (a *Authenticator) Parse(tokenString string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(tokenString, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, err
	}
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("claims not map")
	}
	subject, _ := mapClaims.GetSubject()
	return Claims{Subject: subject, Scopes: extractScopes(mapClaims)}, nil
}

// FromContext returns the claims attached by the middleware.
func FromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(contextKeyClaims).(Claims)
	return claims, ok
}

// Allows reports whether the claims may act on behalf of user: admins act for
// anyone, depositors only for their own subject.
func (c Claims) Allows(user string) bool {
	if hasAnyScope(c.Scopes, []string{ScopeAdmin}) {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(c.Subject), strings.TrimSpace(user))
}

// Mint issues an HS256 token for subject with the given scopes.
func Mint(secret, issuer, audience, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth secret not configured")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": strings.Join(scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(strings.TrimSpace(secret)))
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func extractScopes(claims jwt.MapClaims) []string {
	switch raw := claims["scope"].(type) {
	case string:
		return strings.Fields(raw)
	case []interface{}:
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasAnyScope(have, want []string) bool {
	for _, h := range have {
		if h == ScopeAdmin {
			return true
		}
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
