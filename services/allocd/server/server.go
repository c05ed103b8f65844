package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"yieldvault/core/events"
	"yieldvault/native/allocation"
	"yieldvault/native/common"
	"yieldvault/observability"
	"yieldvault/services/allocd/auth"
	"yieldvault/services/allocd/storage"
)

// Engine is the allocation surface served over HTTP.
type Engine interface {
	Deposit(ctx context.Context, user string, amount *big.Int) (*allocation.Receipt, error)
	Withdraw(ctx context.Context, user string, amount *big.Int) (*allocation.Receipt, error)
	Rebalance(ctx context.Context) (*allocation.Report, error)
	PerformUpkeep(ctx context.Context) (*allocation.Report, error)
	IsUpkeepDue(ctx context.Context) bool
	Busy() bool
	Ledger() *allocation.Ledger
	Position(user string) (*allocation.Position, bool)
}

// BorrowView exposes leverage debt for status reporting.
type BorrowView interface {
	Borrowed(venueID string) *big.Int
	TotalBorrowed() *big.Int
}

// Auditor serves persisted gate outcomes and events.
type Auditor interface {
	Gates(ctx context.Context, q storage.Query) ([]storage.GateRecord, error)
	Events(ctx context.Context, q storage.Query) ([]storage.EventRecord, error)
}

// Config controls the listener.
type Config struct {
	ListenAddress  string
	ExportDir      string
	IdempotencyTTL time.Duration
}

// Deps are the collaborators behind the API. Only Engine and Auth are
// required.
type Deps struct {
	Engine   Engine
	Auth     *auth.Authenticator
	Limiter  *RateLimiter
	Pauses   *common.Pauses
	Leverage BorrowView
	Bus      *events.Bus
	Audit    Auditor

	Idempotency IdempotencyCache
}

// Server exposes the allocation engine over HTTP.
type Server struct {
	cfg    Config
	deps   Deps
	logger *log.Logger
	now    func() time.Time
}

// New validates deps and returns a server.
func New(cfg Config, deps Deps, logger *log.Logger) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("allocd server: engine required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("allocd server: authenticator required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7080"
	}
	return &Server{cfg: cfg, deps: deps, logger: logger, now: time.Now}, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	reader := s.deps.Auth.Middleware(auth.ScopeDepositor, auth.ScopeKeeper)
	depositor := s.deps.Auth.Middleware(auth.ScopeDepositor)
	keeper := s.deps.Auth.Middleware(auth.ScopeKeeper)
	admin := s.deps.Auth.Middleware(auth.ScopeAdmin)
	limit := s.deps.Limiter.Middleware

	r.Route("/v1", func(r chi.Router) {
		r.With(reader, limit).Get("/status", s.handleStatus)
		r.With(depositor, limit).Get("/positions/{user}", s.handlePosition)
		r.With(depositor, limit, s.idempotent).Post("/deposits", s.handleDeposit)
		r.With(depositor, limit, s.idempotent).Post("/withdrawals", s.handleWithdraw)
		r.With(keeper, limit).Post("/upkeep", s.handleUpkeep)
		r.With(admin, limit).Post("/rebalance", s.handleRebalance)
		r.With(admin, limit).Post("/pause", s.handlePause)
		r.With(admin, limit).Get("/audit/gates", s.handleGates)
		r.With(admin, limit).Get("/audit/events", s.handleAuditEvents)
		r.With(admin, limit).Post("/exports", s.handleExport)
		r.With(reader).Get("/events", s.handleEventStream)
	})
	return otelhttp.NewHandler(r, "allocd.http")
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Printf("allocd: http server listening on %s", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the event stream upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("allocd server: response writer cannot hijack")
	}
	return h.Hijack()
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		observability.ModuleMetrics().Observe("allocd", r.Method+" "+route, rec.status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("allocd: write response error: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
