package passphrase

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestSource(env map[string]string, terminal bool, typed string, readErr error) (*Source, *int) {
	reads := 0
	s := NewSource("ALLOCD_KEYSTORE_PASSPHRASE", "signer keystore")
	s.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.isTerminal = func() bool { return terminal }
	s.readSecret = func() ([]byte, error) {
		reads++
		return []byte(typed), readErr
	}
	s.prompt = &bytes.Buffer{}
	return s, &reads
}

func TestSourcePrefersEnvironment(t *testing.T) {
	s, reads := newTestSource(map[string]string{"ALLOCD_KEYSTORE_PASSPHRASE": "hunter2"}, true, "typed", nil)
	got, err := s.Get()
	if err != nil || got != "hunter2" {
		t.Fatalf("unexpected result %q %v", got, err)
	}
	if *reads != 0 {
		t.Fatalf("terminal must not be read when env is set")
	}
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	s, _ := newTestSource(map[string]string{"ALLOCD_KEYSTORE_PASSPHRASE": "  "}, true, "typed", nil)
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "set but empty") {
		t.Fatalf("expected empty env error, got %v", err)
	}
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	s, reads := newTestSource(nil, true, "from-tty", nil)
	for i := 0; i < 2; i++ {
		got, err := s.Get()
		if err != nil || got != "from-tty" {
			t.Fatalf("unexpected result %q %v", got, err)
		}
	}
	if *reads != 1 {
		t.Fatalf("expected one prompt, got %d", *reads)
	}
	if prompt := s.prompt.(*bytes.Buffer).String(); !strings.Contains(prompt, "signer keystore") {
		t.Fatalf("prompt missing label: %q", prompt)
	}
}

func TestSourceFailures(t *testing.T) {
	s, _ := newTestSource(nil, false, "", nil)
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "ALLOCD_KEYSTORE_PASSPHRASE") {
		t.Fatalf("expected non-terminal error, got %v", err)
	}

	s, _ = newTestSource(nil, true, "   ", nil)
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected blank passphrase rejection")
	}

	s, _ = newTestSource(nil, true, "", errors.New("tty gone"))
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "tty gone") {
		t.Fatalf("expected read error, got %v", err)
	}
}
