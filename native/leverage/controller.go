package leverage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"yieldvault/core/events"
	"yieldvault/native/risk"
	"yieldvault/native/venue"
	"yieldvault/observability"
)

// MaxBps is the basis-point denominator.
const MaxBps = 10_000

var (
	ErrNotLeverageable    = errors.New("leverage: venue family does not support borrowing")
	ErrInvalidAmount      = errors.New("leverage: amount must be positive")
	ErrInvalidLTV         = errors.New("leverage: ltv must be within (0, 10000]")
	ErrRepayExceedsBorrow = errors.New("leverage: repay exceeds outstanding borrow")

	errNilRisk          = errors.New("leverage: risk engine required")
	errNilPriceFeed     = errors.New("leverage: price feed required")
	errInvalidBookState = errors.New("leverage: invalid book state")
)

// Controller gates and executes borrow/repay against leverage-capable venues.
// It exclusively owns the borrow book.
type Controller struct {
	mu sync.RWMutex

	risk     *risk.Engine
	prices   PriceFeed
	signals  SignalFeed
	cfg      Config
	book     Book
	price    *PriceSample
	samples  map[string]SignalSample
	recorder Recorder
	emitter  events.Emitter
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithSignalFeed installs the venue yield signal source.
func WithSignalFeed(feed SignalFeed) Option {
	return func(c *Controller) { c.signals = feed }
}

// WithRecorder installs the gate outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithEmitter installs the event emitter.
func WithEmitter(e events.Emitter) Option {
	return func(c *Controller) {
		if e != nil {
			c.emitter = e
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// New constructs a controller with an empty borrow book.
func New(riskEngine *risk.Engine, prices PriceFeed, cfg Config, opts ...Option) (*Controller, error) {
	if riskEngine == nil {
		return nil, errNilRisk
	}
	if prices == nil {
		return nil, errNilPriceFeed
	}
	cfg = cfg.Clone()
	if cfg.PerVenueBps > MaxBps {
		cfg.PerVenueBps = MaxBps
	}
	if cfg.MinLiquidity == nil {
		cfg.MinLiquidity = big.NewInt(0)
	}
	if cfg.MaxTotalBorrow == nil {
		cfg.MaxTotalBorrow = big.NewInt(0)
	}
	c := &Controller{
		risk:    riskEngine,
		prices:  prices,
		cfg:     cfg,
		book:    newBook(),
		samples: make(map[string]SignalSample),
		emitter: events.NoopEmitter{},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Config returns a copy of the active thresholds.
func (c *Controller) Config() Config {
	return c.cfg.Clone()
}

// Borrowed returns the outstanding borrow for a venue.
func (c *Controller) Borrowed(venueID string) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.book.Borrowed(venue.NormalizeID(venueID))
}

// TotalBorrowed returns the aggregate outstanding borrow.
func (c *Controller) TotalBorrowed() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.book.Total()
}

// IsLeveraged reports whether the venue carries borrow.
func (c *Controller) IsLeveraged(venueID string) bool {
	return c.Borrowed(venueID).Sign() > 0
}

// Book returns a copy of the borrow book.
func (c *Controller) Book() Book {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.book.Clone()
}

// LoadBook replaces the book, typically from a persisted snapshot at start-up.
func (c *Controller) LoadBook(b Book) {
	c.mu.Lock()
	c.book = b.Clone()
	c.mu.Unlock()
}

// Checkpoint captures the mutable controller state.
type Checkpoint struct {
	book    Book
	price   *PriceSample
	samples map[string]SignalSample
}

// Checkpoint snapshots the book and volatility samples so a failed outer
// operation can restore them.
func (c *Controller) Checkpoint() Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := Checkpoint{book: c.book.Clone(), samples: make(map[string]SignalSample, len(c.samples))}
	if c.price != nil {
		p := clonePrice(*c.price)
		cp.price = &p
	}
	for id, s := range c.samples {
		cp.samples[id] = s
	}
	return cp
}

// Restore reinstates a checkpoint.
func (c *Controller) Restore(cp Checkpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	touched := make([]string, 0, len(c.book.venues)+len(cp.book.venues))
	for id := range c.book.venues {
		touched = append(touched, id)
	}
	for id := range cp.book.venues {
		touched = append(touched, id)
	}
	if cp.book.venues == nil {
		c.book = newBook()
	} else {
		c.book = cp.book.Clone()
	}
	c.price = nil
	if cp.price != nil {
		p := clonePrice(*cp.price)
		c.price = &p
	}
	c.samples = make(map[string]SignalSample, len(cp.samples))
	for id, s := range cp.samples {
		c.samples[id] = s
	}
	c.publishBook(touched...)
}

type attempt struct {
	id         string
	borrower   venue.Borrower
	collateral *big.Int
	amount     *big.Int
	signal     SignalSample
	hasSignal  bool
}

// Apply borrows collateral*ltvBps/10000 against the venue when every gate
// passes. Gates run in the order returned by Gates; the first failure aborts
// with a *GateError and leaves the book untouched.
func (c *Controller) Apply(ctx context.Context, a venue.Adapter, collateral *big.Int, ltvBps uint64) (*ApplyResult, error) {
	b, ok := venue.AsBorrower(a)
	if !ok {
		return nil, ErrNotLeverageable
	}
	if collateral == nil || collateral.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if ltvBps == 0 || ltvBps > MaxBps {
		return nil, ErrInvalidLTV
	}
	amount := new(big.Int).Mul(collateral, new(big.Int).SetUint64(ltvBps))
	amount.Quo(amount, big.NewInt(MaxBps))
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	at := &attempt{
		id:         venue.NormalizeID(b.ID()),
		borrower:   b,
		collateral: new(big.Int).Set(collateral),
		amount:     amount,
	}
	results := make([]GateResult, 0, len(gateOrder))
	for _, gate := range gateOrder {
		outcome, reason := c.evaluate(ctx, gate, at)
		res := GateResult{Venue: at.id, Gate: gate, Outcome: outcome, Reason: reason, At: c.now()}
		c.record(res)
		results = append(results, res)
		if outcome == OutcomeFail {
			c.logger.Info("leverage gate blocked borrow", "venue", at.id, "gate", gate.String(), "reason", reason)
			return nil, &GateError{Venue: at.id, Gate: gate, Reason: reason}
		}
	}

	if err := b.Borrow(ctx, amount); err != nil {
		c.logger.Warn("leverage borrow failed", "venue", at.id, "amount", amount.String(), "error", err)
		return nil, fmt.Errorf("leverage: borrow %s: %w", at.id, err)
	}
	c.book.add(at.id, amount)
	c.publishBook(at.id)

	result := &ApplyResult{
		Venue:         at.id,
		Borrowed:      new(big.Int).Set(amount),
		VenueBorrowed: c.book.Borrowed(at.id),
		TotalBorrowed: c.book.Total(),
		Gates:         results,
	}
	c.emitter.Emit(events.LeverageApplied{
		Venue:         at.id,
		Collateral:    at.collateral,
		Borrowed:      result.Borrowed,
		VenueBorrowed: result.VenueBorrowed,
		TotalBorrowed: result.TotalBorrowed,
	})
	return result, nil
}

// Unwind repays up to the outstanding borrow of the venue and decrements the
// book by the amount the venue reports as repaid. The venue returns to the
// unleveraged state once its borrow reaches zero.
func (c *Controller) Unwind(ctx context.Context, a venue.Adapter, repay *big.Int) (*UnwindResult, error) {
	b, ok := venue.AsBorrower(a)
	if !ok {
		return nil, ErrNotLeverageable
	}
	if repay == nil || repay.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unwindLocked(ctx, b, repay)
}

// UnwindAll repays the full outstanding borrow of the venue. It returns a nil
// result when the venue carries no borrow.
func (c *Controller) UnwindAll(ctx context.Context, a venue.Adapter) (*UnwindResult, error) {
	b, ok := venue.AsBorrower(a)
	if !ok {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	outstanding := c.book.Borrowed(venue.NormalizeID(b.ID()))
	if outstanding.Sign() == 0 {
		return nil, nil
	}
	return c.unwindLocked(ctx, b, outstanding)
}

func (c *Controller) unwindLocked(ctx context.Context, b venue.Borrower, repay *big.Int) (*UnwindResult, error) {
	id := venue.NormalizeID(b.ID())
	if repay.Cmp(c.book.Borrowed(id)) > 0 {
		return nil, ErrRepayExceedsBorrow
	}
	repaid, err := b.Repay(ctx, repay)
	if err != nil {
		c.logger.Warn("leverage repay failed", "venue", id, "amount", repay.String(), "error", err)
		return nil, fmt.Errorf("leverage: repay %s: %w", id, err)
	}
	if repaid == nil {
		repaid = big.NewInt(0)
	}
	removed := c.book.sub(id, repaid)
	c.publishBook(id)
	result := &UnwindResult{
		Venue:         id,
		Repaid:        removed,
		Remaining:     c.book.Borrowed(id),
		TotalBorrowed: c.book.Total(),
	}
	c.emitter.Emit(events.LeverageUnwound{
		Venue:         id,
		Requested:     new(big.Int).Set(repay),
		Repaid:        result.Repaid,
		Remaining:     result.Remaining,
		TotalBorrowed: result.TotalBorrowed,
	})
	return result, nil
}

func (c *Controller) evaluate(ctx context.Context, gate Gate, at *attempt) (Outcome, string) {
	switch gate {
	case GateViability:
		v, err := c.risk.AssessLeverageViability(ctx, at.borrower, at.collateral, at.amount, c.book.Borrowed(at.id))
		if err != nil {
			return OutcomeFail, "viability_unavailable: " + venue.Classify(err).String()
		}
		if !v.Viable {
			return OutcomeFail, v.Reason
		}
		return OutcomePass, ""

	case GatePriceVolatility:
		sample, err := c.prices.LatestPrice(ctx)
		if err != nil {
			return OutcomeFail, "price_unavailable"
		}
		if sample.Price == nil || sample.Price.Sign() <= 0 {
			return OutcomeFail, "price_invalid"
		}
		if c.cfg.PriceMaxAge > 0 && c.now().Sub(sample.ObservedAt) > c.cfg.PriceMaxAge {
			return OutcomeFail, "price_stale"
		}
		if c.price != nil {
			if change := changeBps(c.price.Price, sample.Price); change > c.cfg.MaxPriceChangeBps {
				return OutcomeFail, fmt.Sprintf("price_moved_%dbps", change)
			}
		}
		p := clonePrice(sample)
		c.price = &p
		return OutcomePass, ""

	case GateVenueVolatility:
		if c.signals == nil {
			return OutcomeSkip, "no_signal"
		}
		sample, ok, err := c.signals.LatestSignal(ctx, at.id)
		if err != nil {
			return OutcomeFail, "signal_unavailable"
		}
		if !ok {
			return OutcomeSkip, "no_signal"
		}
		at.signal, at.hasSignal = sample, true
		if prev, seen := c.samples[at.id]; seen && sample.ObservedAt.Sub(prev.ObservedAt) <= c.cfg.SignalWindow {
			change := changeBps(new(big.Int).SetUint64(prev.Value), new(big.Int).SetUint64(sample.Value))
			if change > c.cfg.MaxSignalChangeBps {
				return OutcomeFail, fmt.Sprintf("signal_moved_%dbps", change)
			}
		}
		c.samples[at.id] = sample
		return OutcomePass, ""

	case GateSignalStaleness:
		if !at.hasSignal {
			return OutcomeSkip, "no_signal"
		}
		if c.cfg.SignalMaxAge > 0 && c.now().Sub(at.signal.ObservedAt) > c.cfg.SignalMaxAge {
			return OutcomeFail, "signal_stale"
		}
		return OutcomePass, ""

	case GateLiquidity:
		liquidity, err := at.borrower.CurrentLiquidity(ctx)
		if err != nil {
			return OutcomeFail, "liquidity_unavailable: " + venue.Classify(err).String()
		}
		if liquidity.Cmp(c.cfg.MinLiquidity) < 0 {
			return OutcomeFail, "liquidity_below_floor"
		}
		return OutcomePass, ""

	case GateTotalCeiling:
		projected := new(big.Int).Add(c.book.Total(), at.amount)
		if projected.Cmp(c.cfg.MaxTotalBorrow) > 0 {
			return OutcomeFail, "total_ceiling_exceeded"
		}
		return OutcomePass, ""

	case GateVenueCeiling:
		limit := new(big.Int).Mul(c.cfg.MaxTotalBorrow, new(big.Int).SetUint64(c.cfg.PerVenueBps))
		limit.Quo(limit, big.NewInt(MaxBps))
		projected := new(big.Int).Add(c.book.Borrowed(at.id), at.amount)
		if projected.Cmp(limit) > 0 {
			return OutcomeFail, "venue_ceiling_exceeded"
		}
		return OutcomePass, ""

	case GateActiveVenues:
		if c.book.Borrowed(at.id).Sign() == 0 && len(c.book.Leveraged())+1 > c.cfg.MaxLeveragedVenues {
			return OutcomeFail, "too_many_leveraged_venues"
		}
		return OutcomePass, ""

	case GateLiquidation:
		v, err := c.risk.LiquidationProbe(ctx, at.borrower, at.collateral, at.amount)
		if err != nil {
			return OutcomeFail, "probe_unavailable: " + venue.Classify(err).String()
		}
		if !v.Viable {
			return OutcomeFail, v.Reason
		}
		return OutcomePass, ""
	}
	return OutcomeFail, "unknown_gate"
}

func (c *Controller) record(res GateResult) {
	observability.Leverage().ObserveGate(res.Gate.String(), string(res.Outcome))
	if c.recorder != nil {
		c.recorder.RecordGate(res)
	}
	c.emitter.Emit(events.LeverageGate{
		Venue:   res.Venue,
		Gate:    res.Gate.String(),
		Index:   int(res.Gate),
		Outcome: string(res.Outcome),
		Reason:  res.Reason,
	})
}

func (c *Controller) publishBook(venueIDs ...string) {
	total := c.book.Total()
	leveraged := len(c.book.Leveraged())
	for _, id := range venueIDs {
		observability.Leverage().RecordBorrow(id, c.book.Borrowed(id), total, leveraged)
	}
}

// changeBps returns |cur - prev| * 10000 / prev. A zero baseline reports the
// maximum change unless both values are zero.
func changeBps(prev, cur *big.Int) uint64 {
	if prev == nil || prev.Sign() == 0 {
		if cur == nil || cur.Sign() == 0 {
			return 0
		}
		return ^uint64(0)
	}
	delta := new(big.Int).Sub(cur, prev)
	delta.Abs(delta)
	delta.Mul(delta, big.NewInt(MaxBps))
	delta.Quo(delta, new(big.Int).Abs(prev))
	if !delta.IsUint64() {
		return ^uint64(0)
	}
	return delta.Uint64()
}

func clonePrice(p PriceSample) PriceSample {
	out := PriceSample{ObservedAt: p.ObservedAt}
	if p.Price != nil {
		out.Price = new(big.Int).Set(p.Price)
	}
	return out
}
