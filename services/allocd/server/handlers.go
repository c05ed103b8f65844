package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"yieldvault/core/events"
	"yieldvault/native/allocation"
	"yieldvault/native/common"
	"yieldvault/services/allocd/auth"
	"yieldvault/services/allocd/export"
	"yieldvault/services/allocd/sources"
	"yieldvault/services/allocd/storage"
)

const (
	maxBodyBytes   = 1 << 16
	wsWriteTimeout = 10 * time.Second
	streamBuffer   = 64
)

type amountRequest struct {
	User   string `json:"user"`
	Amount string `json:"amount"`
}

type failureView struct {
	Venue string `json:"venue"`
	Call  string `json:"call"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

type receiptView struct {
	OperationID string        `json:"operation_id"`
	User        string        `json:"user"`
	Amount      string        `json:"amount"`
	Fee         string        `json:"fee"`
	Shares      string        `json:"shares"`
	Principal   string        `json:"principal"`
	Profit      string        `json:"profit"`
	Paid        string        `json:"paid"`
	Deployed    string        `json:"deployed"`
	Leveraged   []string      `json:"leveraged,omitempty"`
	Failures    []failureView `json:"failures,omitempty"`
}

type changeView struct {
	Venue string `json:"venue"`
	From  string `json:"from"`
	To    string `json:"to"`
}

type reportView struct {
	OperationID string        `json:"operation_id"`
	Total       string        `json:"total"`
	Changes     []changeView  `json:"changes"`
	Leveraged   []string      `json:"leveraged,omitempty"`
	Failures    []failureView `json:"failures,omitempty"`
	GateDenials []string      `json:"gate_denials,omitempty"`
}

type allocationView struct {
	Venue       string    `json:"venue"`
	Class       string    `json:"class"`
	Amount      string    `json:"amount"`
	APYBps      uint64    `json:"apy_bps"`
	APYPercent  string    `json:"apy_percent"`
	Leveraged   bool      `json:"leveraged"`
	Borrowed    string    `json:"borrowed,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

type statusView struct {
	NAV           string           `json:"nav"`
	Cash          string           `json:"cash"`
	Allocated     string           `json:"allocated"`
	Index         string           `json:"index"`
	TotalShares   string           `json:"total_shares"`
	FeesPaid      string           `json:"fees_paid"`
	TotalBorrowed string           `json:"total_borrowed"`
	Sequence      uint64           `json:"sequence"`
	LastRebalance time.Time        `json:"last_rebalance"`
	UpkeepDue     bool             `json:"upkeep_due"`
	Busy          bool             `json:"busy"`
	Paused        []string         `json:"paused"`
	Allocations   []allocationView `json:"allocations"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ledger := s.deps.Engine.Ledger()
	view := statusView{
		NAV:           ledger.NAV().String(),
		Cash:          ledger.Cash.String(),
		Allocated:     ledger.Allocated().String(),
		Index:         ledger.Index().String(),
		TotalShares:   ledger.TotalShares.String(),
		FeesPaid:      ledger.FeesPaid().String(),
		TotalBorrowed: "0",
		Sequence:      ledger.Sequence,
		LastRebalance: ledger.LastRebalance,
		UpkeepDue:     s.deps.Engine.IsUpkeepDue(r.Context()),
		Busy:          s.deps.Engine.Busy(),
		Paused:        []string{},
		Allocations:   []allocationView{},
	}
	if s.deps.Pauses != nil {
		view.Paused = append(view.Paused, s.deps.Pauses.Paused()...)
	}
	if s.deps.Leverage != nil {
		view.TotalBorrowed = s.deps.Leverage.TotalBorrowed().String()
	}
	for _, a := range ledger.SortedAllocations() {
		item := allocationView{
			Venue:       a.VenueID,
			Class:       string(a.Class),
			Amount:      a.Amount.String(),
			APYBps:      a.APY,
			APYPercent:  sources.BpsToPercent(a.APY),
			Leveraged:   a.Leveraged,
			LastUpdated: a.LastUpdated,
		}
		if s.deps.Leverage != nil {
			if borrowed := s.deps.Leverage.Borrowed(a.VenueID); borrowed != nil && borrowed.Sign() > 0 {
				item.Borrowed = borrowed.String()
			}
		}
		view.Allocations = append(view.Allocations, item)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(chi.URLParam(r, "user"))
	if !authorizedFor(r.Context(), user) {
		writeJSONError(w, http.StatusForbidden, "token subject does not match user")
		return
	}
	pos, ok := s.deps.Engine.Position(user)
	if !ok {
		writeJSONError(w, http.StatusNotFound, allocation.ErrUnknownPosition.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user":      user,
		"principal": pos.Principal.String(),
		"shares":    pos.Shares.String(),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	user, amount, ok := s.decodeAmount(w, r)
	if !ok {
		return
	}
	receipt, err := s.deps.Engine.Deposit(r.Context(), user, amount)
	if err != nil {
		s.writeEngineError(w, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, receiptFrom(receipt))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	user, amount, ok := s.decodeAmount(w, r)
	if !ok {
		return
	}
	receipt, err := s.deps.Engine.Withdraw(r.Context(), user, amount)
	if err != nil {
		s.writeEngineError(w, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, receiptFrom(receipt))
}

func (s *Server) handleUpkeep(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Engine.PerformUpkeep(r.Context())
	if err != nil {
		s.writeEngineError(w, "upkeep", err)
		return
	}
	writeJSON(w, http.StatusOK, reportFrom(report))
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Engine.Rebalance(r.Context())
	if err != nil {
		s.writeEngineError(w, "rebalance", err)
		return
	}
	writeJSON(w, http.StatusOK, reportFrom(report))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pauses == nil {
		writeJSONError(w, http.StatusNotImplemented, "pause control unavailable")
		return
	}
	var req struct {
		Module string `json:"module"`
		Paused bool   `json:"paused"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	module := strings.TrimSpace(req.Module)
	if module == "" {
		module = allocation.ModuleName
	}
	s.deps.Pauses.Set(module, req.Paused)
	s.logger.Printf("allocd: module %s paused=%t", module, req.Paused)
	writeJSON(w, http.StatusOK, map[string][]string{"paused": append([]string{}, s.deps.Pauses.Paused()...)})
}

func (s *Server) handleGates(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSONError(w, http.StatusNotImplemented, "audit store unavailable")
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	gates, err := s.deps.Audit.Gates(r.Context(), q)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, gates)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSONError(w, http.StatusNotImplemented, "audit store unavailable")
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.deps.Audit.Events(r.Context(), q)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil || strings.TrimSpace(s.cfg.ExportDir) == "" {
		writeJSONError(w, http.StatusNotImplemented, "export unavailable")
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	gates, err := s.deps.Audit.Gates(r.Context(), q)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	q.Venue = ""
	records, err := s.deps.Audit.Events(r.Context(), q)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	files, err := export.Write(s.cfg.ExportDir, s.now(), gates, records)
	if err != nil {
		s.logger.Printf("allocd: export failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gates":       files.Gates,
		"events":      files.Events,
		"gate_rows":   len(gates),
		"event_rows":  len(records),
		"exported_at": s.now().UTC(),
	})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeJSONError(w, http.StatusNotImplemented, "event stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	records, cancel := s.deps.Bus.Subscribe(streamBuffer)
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	if err := streamRecords(ctx, conn, records); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamRecords(ctx context.Context, conn *websocket.Conn, records <-chan events.Record) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-records:
			if !ok {
				return nil
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (s *Server) decodeAmount(w http.ResponseWriter, r *http.Request) (string, *big.Int, bool) {
	var req amountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}
	user := strings.TrimSpace(req.User)
	if user == "" {
		if claims, ok := auth.FromContext(r.Context()); ok {
			user = claims.Subject
		}
	}
	if !authorizedFor(r.Context(), user) {
		writeJSONError(w, http.StatusForbidden, "token subject does not match user")
		return "", nil, false
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid amount %q", req.Amount))
		return "", nil, false
	}
	return user, amount, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, operation string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Printf("allocd: %s failed: %v", operation, err)
	}
	writeJSONError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, allocation.ErrInvalidAmount),
		errors.Is(err, allocation.ErrInvalidUser),
		errors.Is(err, allocation.ErrExceedsPrincipal):
		return http.StatusBadRequest
	case errors.Is(err, allocation.ErrUnknownPosition):
		return http.StatusNotFound
	case errors.Is(err, allocation.ErrReentrant),
		errors.Is(err, allocation.ErrUpkeepNotDue):
		return http.StatusConflict
	case errors.Is(err, allocation.ErrInsufficientLiquidity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrModulePaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func authorizedFor(ctx context.Context, user string) bool {
	claims, ok := auth.FromContext(ctx)
	if !ok {
		return true
	}
	return claims.Allows(user)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseQuery(r *http.Request) (storage.Query, error) {
	values := r.URL.Query()
	q := storage.Query{
		Type:  strings.TrimSpace(values.Get("type")),
		Venue: strings.TrimSpace(values.Get("venue")),
	}
	if raw := strings.TrimSpace(values.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return storage.Query{}, fmt.Errorf("invalid since %q", raw)
		}
		q.Since = since
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return storage.Query{}, fmt.Errorf("invalid limit %q", raw)
		}
		q.Limit = limit
	}
	return q, nil
}

func receiptFrom(r *allocation.Receipt) receiptView {
	return receiptView{
		OperationID: r.OperationID,
		User:        r.User,
		Amount:      intString(r.Amount),
		Fee:         intString(r.Fee),
		Shares:      intString(r.Shares),
		Principal:   intString(r.Principal),
		Profit:      intString(r.Profit),
		Paid:        intString(r.Paid),
		Deployed:    intString(r.Deployed),
		Leveraged:   r.Leveraged,
		Failures:    failuresFrom(r.Failures),
	}
}

func reportFrom(r *allocation.Report) reportView {
	view := reportView{
		OperationID: r.OperationID,
		Total:       intString(r.Total),
		Changes:     make([]changeView, 0, len(r.Changes)),
		Leveraged:   r.Leveraged,
		Failures:    failuresFrom(r.Failures),
		GateDenials: r.GateDenials,
	}
	for _, c := range r.Changes {
		view.Changes = append(view.Changes, changeView{Venue: c.VenueID, From: intString(c.From), To: intString(c.To)})
	}
	return view
}

func failuresFrom(in []allocation.VenueFailure) []failureView {
	if len(in) == 0 {
		return nil
	}
	out := make([]failureView, 0, len(in))
	for _, f := range in {
		view := failureView{Venue: f.Venue, Call: f.Call, Kind: fmt.Sprint(f.Kind)}
		if f.Err != nil {
			view.Error = f.Err.Error()
		}
		out = append(out, view)
	}
	return out
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
