package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"yieldvault/services/allocd/auth"
)

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	t.Setenv("ALLOCCTL_TEST_SECRET", "s3cret")
	var out bytes.Buffer
	err := run("token", []string{"-secret-env", "ALLOCCTL_TEST_SECRET", "-subject", "keeper-1", "-scopes", "keeper, admin"}, &out)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	a, err := auth.NewAuthenticator(auth.Config{HMACSecret: "s3cret", Issuer: "allocd"}, nil)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	claims, err := a.Parse(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}
	if claims.Subject != "keeper-1" || len(claims.Scopes) != 2 {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if err := run("token", []string{"-secret-env", "ALLOCCTL_TEST_SECRET", "-subject", "x", "-scopes", "root"}, &out); err == nil {
		t.Fatalf("expected unknown scope error")
	}
	if err := run("token", []string{"-secret-env", "ALLOCCTL_UNSET_SECRET", "-subject", "x"}, &out); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestDepositCommandPostsAmount(t *testing.T) {
	t.Setenv("ALLOCCTL_TEST_TOKEN", "tok")
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/deposits" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"operation_id":"op-1","deployed":"1000"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := run("deposit", []string{"-server", srv.URL, "-token-env", "ALLOCCTL_TEST_TOKEN", "-timeout", time.Second.String(), "-user", "alice", "-amount", "1000"}, &out)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got["user"] != "alice" || got["amount"] != "1000" {
		t.Fatalf("unexpected request body %+v", got)
	}
	if !strings.Contains(out.String(), `"operation_id": "op-1"`) {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestUpkeepCommandSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"allocation engine: upkeep not due"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := run("upkeep", []string{"-server", srv.URL}, &out)
	if err == nil || !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "upkeep not due") {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	if err := run("bogus", nil, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error")
	}
}
