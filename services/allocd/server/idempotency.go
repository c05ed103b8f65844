package server

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"yieldvault/services/allocd/auth"
	"yieldvault/services/allocd/storage"
)

const (
	headerIdempotency = "Idempotency-Key"
	defaultIdemTTL    = 24 * time.Hour
)

// IdempotencyCache stores responses of mutating calls.
type IdempotencyCache interface {
	Get(key string, now time.Time) (storage.IdempotencyRecord, bool, error)
	Put(key string, record storage.IdempotencyRecord) error
}

type bufferedWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) WriteHeader(code int) {
	b.status = code
	b.ResponseWriter.WriteHeader(code)
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.body.Write(p)
	return b.ResponseWriter.Write(p)
}

// idempotent replays the stored response when a request repeats an
// Idempotency-Key. Server errors are not cached so the caller may retry.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idem := strings.TrimSpace(r.Header.Get(headerIdempotency))
		if s.deps.Idempotency == nil || idem == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := idempotencyKey(callerID(r), r.Method, r.URL.Path, idem)
		if record, found, err := s.deps.Idempotency.Get(key, s.now()); err != nil {
			s.logger.Printf("allocd: idempotency lookup failed: %v", err)
		} else if found {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Cache", "hit")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Body)
			return
		}
		buf := &bufferedWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(buf, r)
		if buf.status >= http.StatusInternalServerError {
			return
		}
		ttl := s.cfg.IdempotencyTTL
		if ttl <= 0 {
			ttl = defaultIdemTTL
		}
		now := s.now()
		if err := s.deps.Idempotency.Put(key, storage.IdempotencyRecord{
			StatusCode: buf.status,
			Body:       buf.body.Bytes(),
			StoredAt:   now,
			ExpiresAt:  now.Add(ttl),
		}); err != nil {
			s.logger.Printf("allocd: idempotency store failed: %v", err)
		}
	})
}

func callerID(r *http.Request) string {
	if claims, ok := auth.FromContext(r.Context()); ok {
		return claims.Subject
	}
	return "anonymous"
}

func idempotencyKey(caller, method, path, idem string) string {
	return fmt.Sprintf("%s|%s|%s|%s", caller, method, path, idem)
}
