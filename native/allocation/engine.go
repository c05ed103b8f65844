package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"yieldvault/core/events"
	"yieldvault/native/common"
	"yieldvault/native/fees"
	"yieldvault/native/leverage"
	"yieldvault/native/oracle"
	"yieldvault/native/risk"
	"yieldvault/native/venue"
	"yieldvault/observability"
)

// ModuleName is the pause-guard module of the engine.
const ModuleName = "allocation"

const (
	opDeposit   = "deposit"
	opWithdraw  = "withdraw"
	opRebalance = "rebalance"
)

// Config tunes the allocation engine.
type Config struct {
	// MinAllocation is the smallest amount placed in a standard venue. It is
	// also the idle-cash threshold that makes upkeep due.
	MinAllocation    *big.Int
	OnchainWeightBps uint64
	Remainder        RemainderPolicy
	Fees             fees.Policy
	// RestrictedShareBps is the slice of deployable capital routed through the
	// restricted sub-allocator. Zero disables it.
	RestrictedShareBps      uint64
	RestrictedMinAllocation *big.Int
	UpkeepInterval          time.Duration
	// Leverage lists the venues leverage is attempted on and the loan-to-value
	// each one borrows at.
	Leverage map[string]uint64
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	clone := c
	clone.MinAllocation = cloneInt(c.MinAllocation)
	clone.RestrictedMinAllocation = cloneInt(c.RestrictedMinAllocation)
	if c.Leverage != nil {
		clone.Leverage = make(map[string]uint64, len(c.Leverage))
		for id, ltv := range c.Leverage {
			clone.Leverage[id] = ltv
		}
	}
	return clone
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if err := c.Fees.Validate(); err != nil {
		return err
	}
	if c.OnchainWeightBps > maxBps {
		return fmt.Errorf("allocation engine: onchain weight %d exceeds %d", c.OnchainWeightBps, maxBps)
	}
	if c.RestrictedShareBps > maxBps {
		return fmt.Errorf("allocation engine: restricted share %d exceeds %d", c.RestrictedShareBps, maxBps)
	}
	if c.MinAllocation != nil && c.MinAllocation.Sign() < 0 {
		return fmt.Errorf("allocation engine: negative minimum allocation")
	}
	if c.RestrictedMinAllocation != nil && c.RestrictedMinAllocation.Sign() < 0 {
		return fmt.Errorf("allocation engine: negative restricted minimum allocation")
	}
	for id, ltv := range c.Leverage {
		if ltv == 0 || ltv > maxBps {
			return fmt.Errorf("allocation engine: leverage ltv %d for %s out of range", ltv, id)
		}
	}
	return nil
}

// Deps are the collaborators of the engine. Registry, Adapters and Risk are
// required; the rest are optional.
type Deps struct {
	Registry venue.Registry
	Adapters venue.Set
	Risk     *risk.Engine
	// RestrictedRisk screens restricted venues. It defaults to Risk.
	RestrictedRisk *risk.Engine
	Oracle         Predictor
	Leverage       *leverage.Controller
	FeeSink        FeeSink
	Loyalty        Loyalty
	Store          SnapshotStore
	Pauses         common.PauseView
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEmitter wires the event emitter.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithIDs overrides the operation identifier generator.
func WithIDs(next func() string) Option {
	return func(e *Engine) {
		if next != nil {
			e.newID = next
		}
	}
}

// Engine allocates pooled capital across venues. Every state-mutating entry
// point runs as one atomic operation: it either commits a new ledger snapshot
// or leaves both the ledger and the venues as they were.
type Engine struct {
	mu   sync.RWMutex
	lock common.Lock

	cfg        Config
	registry   venue.Registry
	adapters   venue.Set
	standard   allocator
	restricted *allocator
	oracle     Predictor
	leverage   *leverage.Controller
	feeSink    FeeSink
	loyalty    Loyalty
	store      SnapshotStore
	pauses     common.PauseView
	emitter    events.Emitter
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger

	ledger *Ledger
}

// New constructs an engine with an empty ledger.
func New(cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	if deps.Registry == nil {
		return nil, errNilRegistry
	}
	if deps.Risk == nil {
		return nil, errNilRisk
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()
	if cfg.Leverage != nil {
		normalized := make(map[string]uint64, len(cfg.Leverage))
		for id, ltv := range cfg.Leverage {
			normalized[venue.NormalizeID(id)] = ltv
		}
		cfg.Leverage = normalized
	}
	adapters := deps.Adapters
	if adapters == nil {
		adapters = venue.Set{}
	}
	e := &Engine{
		cfg:      cfg,
		registry: deps.Registry,
		adapters: adapters,
		standard: allocator{class: venue.ClassStandard, risk: deps.Risk, minimum: cfg.MinAllocation},
		oracle:   deps.Oracle,
		leverage: deps.Leverage,
		feeSink:  deps.FeeSink,
		loyalty:  deps.Loyalty,
		store:    deps.Store,
		pauses:   deps.Pauses,
		emitter:  events.NoopEmitter{},
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   slog.Default(),
		ledger:   NewLedger(),
	}
	if cfg.RestrictedShareBps > 0 {
		restrictedRisk := deps.RestrictedRisk
		if restrictedRisk == nil {
			restrictedRisk = deps.Risk
		}
		e.restricted = &allocator{class: venue.ClassRestricted, risk: restrictedRisk, minimum: cfg.RestrictedMinAllocation}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Restore replaces the engine state with a committed snapshot.
func (e *Engine) Restore(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("allocation engine: snapshot required")
	}
	ledger, err := LedgerFromState(snap.Ledger)
	if err != nil {
		return err
	}
	book, err := leverage.BookFromState(snap.Book)
	if err != nil {
		return err
	}
	release, err := e.lock.Enter()
	if err != nil {
		return ErrReentrant
	}
	defer release()
	if e.leverage != nil {
		e.leverage.LoadBook(book)
	}
	e.mu.Lock()
	e.ledger = ledger
	e.mu.Unlock()
	e.publish(nil, ledger)
	return nil
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg.Clone()
}

// Ledger returns a copy of the committed ledger.
func (e *Engine) Ledger() *Ledger {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Clone()
}

// Allocations returns the committed venue allocations ordered by venue.
func (e *Engine) Allocations() []*Allocation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sorted := e.ledger.SortedAllocations()
	out := make([]*Allocation, len(sorted))
	for i, a := range sorted {
		out[i] = a.Clone()
	}
	return out
}

// Position returns the committed position of user.
func (e *Engine) Position(user string) (*Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.ledger.Positions[normalizeUser(user)]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Busy reports whether an operation is in progress.
func (e *Engine) Busy() bool {
	return e.lock.Held()
}

func (e *Engine) predict(ctx context.Context, id string) oracle.Prediction {
	if e.oracle == nil {
		return oracle.Prediction{}
	}
	return e.oracle.Aggregate(ctx, id)
}

// op is the working state of one atomic operation.
type op struct {
	e        *Engine
	id       string
	kind     string
	now      time.Time
	ledger   *Ledger
	journal  journal
	failures []VenueFailure
	denials  []string
}

// run executes fn against a private copy of the ledger. On success the copy is
// verified and committed; on any error every venue effect recorded in the
// journal is compensated and the committed state is left untouched.
func (e *Engine) run(ctx context.Context, kind string, fn func(*op) error) (string, error) {
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return "", err
	}
	release, err := e.lock.Enter()
	if err != nil {
		return "", ErrReentrant
	}
	defer release()

	start := time.Now()
	e.mu.RLock()
	previous := e.ledger
	working := previous.Clone()
	e.mu.RUnlock()

	var checkpoint leverage.Checkpoint
	if e.leverage != nil {
		checkpoint = e.leverage.Checkpoint()
	}
	o := &op{e: e, id: e.newID(), kind: kind, now: e.now().UTC(), ledger: working}
	err = fn(o)
	if err == nil {
		err = o.ledger.CheckConservation()
	}
	if err == nil {
		err = e.commit(o)
	}
	if err != nil {
		err = e.revert(ctx, o, checkpoint, err)
		observability.Allocation().Observe(kind, time.Since(start), err)
		return o.id, err
	}

	e.mu.Lock()
	e.ledger = o.ledger
	e.mu.Unlock()
	e.publish(previous, o.ledger)
	observability.Allocation().Observe(kind, time.Since(start), nil)
	e.logger.Info("allocation operation committed",
		"operation", o.id,
		"kind", kind,
		"sequence", o.ledger.Sequence,
		"nav", o.ledger.NAV().String(),
		"failures", len(o.failures))
	return o.id, nil
}

func (e *Engine) commit(o *op) error {
	o.ledger.Sequence++
	if e.store == nil {
		return nil
	}
	snap := &Snapshot{
		Sequence:    o.ledger.Sequence,
		OperationID: o.id,
		Operation:   o.kind,
		At:          o.now,
		Ledger:      o.ledger.State(),
	}
	if e.leverage != nil {
		snap.Book = e.leverage.Book().State()
	}
	if err := e.store.Commit(snap); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCommit, err)
	}
	return nil
}

func (e *Engine) revert(ctx context.Context, o *op, checkpoint leverage.Checkpoint, cause error) error {
	if e.leverage != nil {
		e.leverage.Restore(checkpoint)
	}
	compensated, errs := o.journal.rollback(ctx)
	e.logger.Warn("allocation operation reverted",
		"operation", o.id,
		"kind", o.kind,
		"error", cause,
		"compensated", compensated,
		"compensationFailures", len(errs))
	for _, cerr := range errs {
		e.logger.Error("allocation compensation failed", "operation", o.id, "error", cerr)
	}
	e.emitter.Emit(events.AllocationReverted{
		OperationID: o.id,
		Operation:   o.kind,
		Reason:      cause.Error(),
		Compensated: compensated,
	})
	if len(errs) > 0 {
		return errors.Join(append([]error{cause}, errs...)...)
	}
	return cause
}

func (e *Engine) publish(previous, current *Ledger) {
	metrics := observability.Allocation()
	if previous != nil {
		for id := range previous.Allocations {
			if _, ok := current.Allocations[id]; !ok {
				metrics.SetAllocated(id, big.NewInt(0))
			}
		}
	}
	for id, a := range current.Allocations {
		metrics.SetAllocated(id, a.Amount)
	}
	metrics.SetIdleCash(current.Cash)
}

func (e *Engine) notifyLoyalty(ctx context.Context, user string, amount *big.Int, isDeposit bool) {
	if e.loyalty == nil {
		return
	}
	if err := e.loyalty.Notify(ctx, user, amount, isDeposit); err != nil {
		e.logger.Warn("loyalty notification failed", "user", user, "deposit", isDeposit, "error", err)
	}
}

// accrue books the yield earned by every allocation since its last update.
func (o *op) accrue() {
	for _, a := range o.ledger.SortedAllocations() {
		elapsed := o.now.Sub(a.LastUpdated)
		if a.LastUpdated.IsZero() || elapsed <= 0 {
			continue
		}
		earned := accrue(a.Amount, a.APY, elapsed)
		if earned.Sign() == 0 {
			continue
		}
		a.Amount.Add(a.Amount, earned)
		a.LastUpdated = o.now
		o.ledger.Accrued.Add(o.ledger.Accrued, earned)
	}
}

func (o *op) fail(f VenueFailure) {
	o.failures = append(o.failures, f)
	observability.Allocation().RecordVenueFailure(f.Venue, f.Call, f.Kind.String())
	o.e.logger.Warn("venue call failed, skipping venue",
		"operation", o.id,
		"venue", f.Venue,
		"call", f.Call,
		"kind", f.Kind.String(),
		"error", f.Err)
	o.e.emitter.Emit(events.VenueFailure{
		OperationID: o.id,
		Venue:       f.Venue,
		Call:        f.Call,
		Kind:        f.Kind.String(),
		Error:       errString(f.Err),
	})
}

// depositTo places amount in the venue and moves it from cash into the
// allocation. A failed call leaves the capital in cash.
func (o *op) depositTo(ctx context.Context, id string, class venue.Class, amount *big.Int, apy uint64) bool {
	adapter, ok := o.e.adapters.Lookup(id)
	if !ok || amount.Sign() <= 0 {
		return false
	}
	if err := adapter.Deposit(ctx, amount); err != nil {
		o.fail(failure(id, "deposit", err))
		return false
	}
	o.ledger.credit(id, class, amount, apy, o.now)
	placed := new(big.Int).Set(amount)
	o.journal.add(id, "deposit", func(ctx context.Context) error {
		_, err := adapter.Withdraw(ctx, placed)
		return err
	})
	return true
}

// withdrawFrom pulls amount from the venue back into cash. A failed call
// returns a nil amount and no error; a venue returning more than requested is
// fatal.
func (o *op) withdrawFrom(ctx context.Context, id string, amount *big.Int) (*big.Int, error) {
	adapter, ok := o.e.adapters.Lookup(id)
	if !ok {
		o.fail(failure(id, "withdraw", venue.ErrUnreachable))
		return nil, nil
	}
	got, err := adapter.Withdraw(ctx, amount)
	if err != nil {
		o.fail(failure(id, "withdraw", err))
		return nil, nil
	}
	if got == nil {
		got = big.NewInt(0)
	}
	if got.Cmp(amount) > 0 {
		return nil, fmt.Errorf("%w: %s returned %s for a request of %s", ErrInvariant, id, got, amount)
	}
	if got.Sign() == 0 {
		return got, nil
	}
	o.ledger.debit(id, got, o.now)
	returned := new(big.Int).Set(got)
	o.journal.add(id, "withdraw", func(ctx context.Context) error {
		return adapter.Deposit(ctx, returned)
	})
	return got, nil
}

// lever attempts leverage on a configured venue. Gate denials and venue
// failures leave the venue unleveraged without failing the operation.
func (o *op) lever(ctx context.Context, id string) bool {
	e := o.e
	ltv, ok := e.cfg.Leverage[id]
	if !ok || e.leverage == nil {
		return false
	}
	a := o.ledger.Allocations[id]
	if a == nil || a.Leveraged || a.Amount.Sign() == 0 {
		return false
	}
	adapter, ok := e.adapters.Lookup(id)
	if !ok {
		return false
	}
	borrower, ok := venue.AsBorrower(adapter)
	if !ok {
		return false
	}
	res, err := e.leverage.Apply(ctx, adapter, a.Amount, ltv)
	if err != nil {
		var gateErr *leverage.GateError
		switch {
		case errors.As(err, &gateErr):
			o.denials = append(o.denials, gateErr.Error())
		case errors.Is(err, leverage.ErrInvalidAmount), errors.Is(err, leverage.ErrInvalidLTV):
			o.denials = append(o.denials, fmt.Sprintf("%s: %v", id, err))
		default:
			o.fail(failure(id, "borrow", err))
		}
		return false
	}
	a.Leveraged = true
	borrowed := new(big.Int).Set(res.Borrowed)
	o.journal.add(id, "borrow", func(ctx context.Context) error {
		_, err := borrower.Repay(ctx, borrowed)
		return err
	})
	return true
}

// unwind repays the full borrow of a leveraged venue. It reports false when the
// venue still carries debt afterwards.
func (o *op) unwind(ctx context.Context, id string) bool {
	e := o.e
	a := o.ledger.Allocations[id]
	if a == nil || e.leverage == nil {
		return true
	}
	if !a.Leveraged && !e.leverage.IsLeveraged(id) {
		return true
	}
	adapter, ok := e.adapters.Lookup(id)
	if !ok {
		o.fail(failure(id, "repay", venue.ErrUnreachable))
		return false
	}
	res, err := e.leverage.UnwindAll(ctx, adapter)
	if err != nil {
		o.fail(failure(id, "repay", err))
		return false
	}
	if res != nil && res.Repaid.Sign() > 0 {
		if borrower, ok := venue.AsBorrower(adapter); ok {
			repaid := new(big.Int).Set(res.Repaid)
			o.journal.add(id, "repay", func(ctx context.Context) error {
				return borrower.Borrow(ctx, repaid)
			})
		}
	}
	if res != nil && res.Remaining.Sign() > 0 {
		o.fail(failure(id, "repay", fmt.Errorf("%s debt outstanding after repay", res.Remaining)))
		return false
	}
	a.Leveraged = false
	return true
}

// payFee transfers a fee out of cash. A refundable sink is journaled so the
// transfer is returned on rollback.
func (o *op) payFee(ctx context.Context, kind string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	e := o.e
	if e.feeSink != nil {
		if err := e.feeSink.Transfer(ctx, kind, amount); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrFeeTransfer, kind, err)
		}
		fee := new(big.Int).Set(amount)
		o.journal.add("fee_sink", kind, func(ctx context.Context) error {
			refunder, ok := e.feeSink.(Refunder)
			if !ok {
				return fmt.Errorf("fee sink cannot refund %s fee of %s", kind, fee)
			}
			return refunder.Refund(ctx, kind, fee)
		})
	}
	o.ledger.Cash.Sub(o.ledger.Cash, amount)
	o.ledger.Fees.Add(kind, amount)
	observability.Allocation().RecordFee(kind, amount)
	return nil
}

// surveys gathers the standard and restricted views. A registry that cannot
// list a class yields an empty survey and a recorded failure.
func (o *op) surveys(ctx context.Context) (*survey, *survey) {
	standard := o.surveyClass(ctx, o.e.standard)
	var restricted *survey
	if o.e.restricted != nil {
		restricted = o.surveyClass(ctx, *o.e.restricted)
	}
	return standard, restricted
}

func (o *op) surveyClass(ctx context.Context, a allocator) *survey {
	s, err := a.survey(ctx, o.e)
	if err != nil {
		o.fail(failure("registry", "list_"+string(a.class), err))
		return nil
	}
	for _, f := range s.failures {
		o.fail(f)
	}
	for id, reason := range s.rejected {
		o.e.logger.Debug("venue not eligible", "operation", o.id, "venue", id, "reason", reason)
	}
	return s
}

func normalizeUser(user string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(user)))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sortedKeys(m map[string]uint64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
