package allocation

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"yieldvault/core/events"
	"yieldvault/native/leverage"
	"yieldvault/native/risk"
	"yieldvault/native/venue"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type venueSpec struct {
	id    string
	apy   uint64
	class venue.Class
}

type harness struct {
	t        *testing.T
	engine   *Engine
	registry *venue.MemoryRegistry
	backends map[string]*venue.Memory
	adapters venue.Set
	log      *venue.CallLog
	sink     *MemoryFeeSink
	risk     *risk.Engine

	mu     sync.Mutex
	now    time.Time
	events []events.Event
}

func newHarness(t *testing.T, specs []venueSpec, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		backends: make(map[string]*venue.Memory),
		log:      &venue.CallLog{},
		sink:     &MemoryFeeSink{},
		now:      t0,
	}
	entries := make([]venue.Entry, 0, len(specs))
	adapters := make([]venue.Adapter, 0, len(specs))
	for _, s := range specs {
		backend := venue.NewMemory(s.id, big.NewInt(0), s.apy, h.log)
		h.backends[s.id] = backend
		adapters = append(adapters, venue.NewLendingPool(s.id, backend))
		entries = append(entries, venue.Entry{ID: s.id, Kind: venue.KindLendingPool, Class: s.class, Compliant: true})
	}
	h.registry = venue.NewMemoryRegistry(entries...)
	set, err := venue.NewSet(adapters...)
	require.NoError(t, err)
	h.adapters = set
	h.risk, err = risk.NewEngine(h.registry, risk.Config{})
	require.NoError(t, err)

	cfg := Config{}
	deps := Deps{
		Registry: h.registry,
		Adapters: set,
		Risk:     h.risk,
		FeeSink:  h.sink,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	seq := 0
	h.engine, err = New(cfg, deps,
		WithClock(h.clock),
		WithEmitter(events.EmitterFunc(func(ev events.Event) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		})),
		WithIDs(func() string {
			seq++
			return fmt.Sprintf("op-%d", seq)
		}),
	)
	require.NoError(t, err)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.EventType())
	}
	return out
}

// seed places existing allocations on behalf of user as if deposited earlier.
func (h *harness) seed(user string, amounts map[string]int64) {
	h.t.Helper()
	ctx := context.Background()
	l := h.engine.ledger
	total := big.NewInt(0)
	ids := make([]string, 0, len(amounts))
	for id := range amounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		amount := big.NewInt(amounts[id])
		require.NoError(h.t, h.backends[id].Supply(ctx, amount))
		l.Allocations[id] = &Allocation{
			VenueID:     id,
			Class:       venue.ClassStandard,
			Amount:      amount,
			APY:         0,
			LastUpdated: h.now,
		}
		total.Add(total, amount)
	}
	l.Deposited.Add(l.Deposited, total)
	l.TotalShares.Add(l.TotalShares, total)
	l.Positions[user] = &Position{Principal: new(big.Int).Set(total), Shares: new(big.Int).Set(total)}
	require.NoError(h.t, l.CheckConservation())
}

func (h *harness) amounts() map[string]int64 {
	out := make(map[string]int64)
	for _, a := range h.engine.Allocations() {
		out[a.VenueID] = a.Amount.Int64()
	}
	return out
}

func (h *harness) mark() int {
	return len(h.log.Calls())
}

// mutations returns the state-changing venue calls recorded after mark.
func (h *harness) mutations(mark int) []string {
	calls := h.log.Calls()[mark:]
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		if strings.Contains(c, ":deposit") || strings.Contains(c, ":withdraw") ||
			strings.Contains(c, ":borrow") || strings.Contains(c, ":repay") {
			out = append(out, c)
		}
	}
	return out
}

func newController(t *testing.T, r *risk.Engine) *leverage.Controller {
	t.Helper()
	feed := leverage.PriceFeedFunc(func(context.Context) (leverage.PriceSample, error) {
		return leverage.PriceSample{Price: big.NewInt(100), ObservedAt: t0}, nil
	})
	ctrl, err := leverage.New(r, feed, leverage.Config{
		MaxPriceChangeBps:  500,
		PriceMaxAge:        24 * time.Hour,
		MaxTotalBorrow:     big.NewInt(1_000_000),
		PerVenueBps:        10_000,
		MaxLeveragedVenues: 3,
	}, leverage.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	return ctrl
}

// memKV is an in-memory KV for snapshot tests.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
	fail error
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, fmt.Errorf("not found: %s", key)
	}
	return append([]byte(nil), v...), nil
}

func (m *memKV) WriteBatch(entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	for k, v := range entries {
		m.data[k] = append([]byte(nil), v...)
	}
	return nil
}
