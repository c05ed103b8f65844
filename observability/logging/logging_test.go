package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMaskFieldRedactsUnlistedKeys(t *testing.T) {
	if got := MaskField("rpc_url", "https://node.example/key").Value.String(); got != RedactedValue {
		t.Fatalf("expected rpc_url to be redacted, got %q", got)
	}
	if got := MaskField("venue", "aave").Value.String(); got != "aave" {
		t.Fatalf("venue should pass through, got %q", got)
	}
	if got := MaskField("keystore", "  ").Value.String(); got != "  " {
		t.Fatalf("blank values stay untouched, got %q", got)
	}
	for _, key := range []string{"keystore", "jwt_secret", "api_key"} {
		if IsSafeKey(key) {
			t.Fatalf("%s must not be logged in clear", key)
		}
	}
}

func TestMaskURLKeepsHost(t *testing.T) {
	cases := map[string]string{
		"https://eth.node.example/v3/abcdef": "https://eth.node.example/" + RedactedValue,
		"https://user:pw@rpc.example":        "https://rpc.example/" + RedactedValue,
		"http://127.0.0.1:8545":              "http://127.0.0.1:8545",
		"wss://rpc.example/?key=secret":      "wss://rpc.example/" + RedactedValue,
		"not a url":                          RedactedValue,
	}
	for raw, want := range cases {
		if got := MaskURL("rpc_url", raw).Value.String(); got != want {
			t.Fatalf("MaskURL(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestSetupWithFileWritesJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "allocd.log")
	logger, closer := SetupWithFile("allocd", "test", FileConfig{Path: path})
	logger.Info("started", "pool", "treasury")
	if err := closer.Close(); err != nil {
		t.Fatalf("close log file: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := bytes.TrimSpace(data)
	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("decode log line %q: %v", line, err)
	}
	if entry["message"] != "started" || entry["severity"] != "INFO" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry["service"] != "allocd" || entry["env"] != "test" || entry["pool"] != "treasury" {
		t.Fatalf("missing attributes in %+v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("timestamp key missing in %s", strings.TrimSpace(string(data)))
	}
}
