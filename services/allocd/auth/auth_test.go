package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret"

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(Config{HMACSecret: testSecret, Issuer: "allocd", Audience: "vault"}, nil)
	require.NoError(t, err)
	return a
}

func mint(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	token, err := Mint(testSecret, "allocd", "vault", subject, scopes, time.Hour, time.Now())
	require.NoError(t, err)
	return token
}

func serve(a *Authenticator, token string, scopes ...string) *httptest.ResponseRecorder {
	var seen Claims
	handler := a.Middleware(scopes...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		_, _ = w.Write([]byte(seen.Subject))
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareScopes(t *testing.T) {
	a := newTestAuthenticator(t)

	rec := serve(a, mint(t, "alice", ScopeDepositor), ScopeDepositor)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alice", rec.Body.String())

	rec = serve(a, mint(t, "alice", ScopeDepositor), ScopeKeeper)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(a, mint(t, "ops", ScopeAdmin), ScopeKeeper)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(a, "", ScopeDepositor)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestParseRejectsForeignTokens(t *testing.T) {
	a := newTestAuthenticator(t)

	other, err := Mint("another-secret", "allocd", "vault", "alice", []string{ScopeAdmin}, time.Hour, time.Now())
	require.NoError(t, err)
	_, err = a.Parse(other)
	require.Error(t, err)

	wrongAud, err := Mint(testSecret, "allocd", "elsewhere", "alice", []string{ScopeAdmin}, time.Hour, time.Now())
	require.NoError(t, err)
	_, err = a.Parse(wrongAud)
	require.Error(t, err)

	expired, err := Mint(testSecret, "allocd", "vault", "alice", []string{ScopeAdmin}, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = a.Parse(expired)
	require.Error(t, err)
}

func TestClaimsAllows(t *testing.T) {
	depositor := Claims{Subject: "alice", Scopes: []string{ScopeDepositor}}
	require.True(t, depositor.Allows("alice"))
	require.False(t, depositor.Allows("bob"))

	admin := Claims{Subject: "ops", Scopes: []string{ScopeAdmin}}
	require.True(t, admin.Allows("bob"))
}

func TestDisabledAuthenticatorPassesThrough(t *testing.T) {
	a, err := NewAuthenticator(Config{Disabled: true}, nil)
	require.NoError(t, err)
	rec := serve(a, "", ScopeAdmin)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = NewAuthenticator(Config{}, nil)
	require.Error(t, err)
}
