package venue

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
)

// Memory is an in-process venue backend implementing every family client. It
// backs the simulation mode of the daemon and the package tests. Failures can
// be injected per operation and every call is appended to a shared log so
// tests can assert cross-venue ordering.
type Memory struct {
	mu sync.Mutex

	name      string
	supplied  *big.Int
	debt      *big.Int
	liquidity *big.Int
	apy       uint64
	healthy   bool
	failures  map[string]error
	log       *CallLog
}

// CallLog records adapter calls across venues in invocation order.
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

// Append records a call.
func (l *CallLog) Append(entry string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.calls = append(l.calls, entry)
	l.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (l *CallLog) Calls() []string {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// NewMemory constructs a healthy backend holding external liquidity.
func NewMemory(name string, liquidity *big.Int, apyBps uint64, log *CallLog) *Memory {
	m := &Memory{
		name:      name,
		supplied:  big.NewInt(0),
		debt:      big.NewInt(0),
		liquidity: big.NewInt(0),
		apy:       apyBps,
		healthy:   true,
		failures:  make(map[string]error),
		log:       log,
	}
	if liquidity != nil {
		m.liquidity.Set(liquidity)
	}
	return m
}

// Fail injects an error returned by every subsequent call to op until cleared
// with a nil error.
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// SetAPY updates the reported yield.
func (m *Memory) SetAPY(bps uint64) {
	m.mu.Lock()
	m.apy = bps
	m.mu.Unlock()
}

// SetHealthy toggles the health indicator.
func (m *Memory) SetHealthy(ok bool) {
	m.mu.Lock()
	m.healthy = ok
	m.mu.Unlock()
}

// SetLiquidity overrides the venue-wide available liquidity.
func (m *Memory) SetLiquidity(v *big.Int) {
	m.mu.Lock()
	m.liquidity = new(big.Int).Set(v)
	m.mu.Unlock()
}

// Credit simulates venue yield accruing on the pool's supplied capital.
func (m *Memory) Credit(amount *big.Int) {
	if !positive(amount) {
		return
	}
	m.mu.Lock()
	m.supplied.Add(m.supplied, amount)
	m.liquidity.Add(m.liquidity, amount)
	m.mu.Unlock()
}

// Supplied returns the capital currently supplied by the pool.
func (m *Memory) Supplied() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.supplied)
}

// Outstanding returns the current debt.
func (m *Memory) Outstanding() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.debt)
}

func (m *Memory) enter(op string, amount *big.Int) error {
	if amount != nil {
		m.log.Append(fmt.Sprintf("%s:%s:%s", m.name, op, amount.String()))
	} else {
		m.log.Append(fmt.Sprintf("%s:%s", m.name, op))
	}
	if err, ok := m.failures[op]; ok {
		return err
	}
	return nil
}

func (m *Memory) supply(op string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(op, amount); err != nil {
		return err
	}
	m.supplied.Add(m.supplied, amount)
	m.liquidity.Add(m.liquidity, amount)
	return nil
}

func (m *Memory) withdraw(op string, amount *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(op, amount); err != nil {
		return nil, err
	}
	if amount.Cmp(m.supplied) > 0 {
		return nil, fmt.Errorf("%w: withdraw %s exceeds supplied %s", ErrReverted, amount, m.supplied)
	}
	if amount.Cmp(m.liquidity) > 0 {
		return nil, fmt.Errorf("%w: withdraw %s exceeds liquidity %s", ErrReverted, amount, m.liquidity)
	}
	m.supplied.Sub(m.supplied, amount)
	m.liquidity.Sub(m.liquidity, amount)
	return new(big.Int).Set(amount), nil
}

func (m *Memory) borrow(op string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(op, amount); err != nil {
		return err
	}
	if amount.Cmp(m.liquidity) > 0 {
		return fmt.Errorf("%w: borrow %s exceeds liquidity %s", ErrReverted, amount, m.liquidity)
	}
	m.debt.Add(m.debt, amount)
	m.liquidity.Sub(m.liquidity, amount)
	return nil
}

func (m *Memory) repay(op string, amount *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(op, amount); err != nil {
		return nil, err
	}
	repaid := new(big.Int).Set(amount)
	if repaid.Cmp(m.debt) > 0 {
		repaid.Set(m.debt)
	}
	m.debt.Sub(m.debt, repaid)
	m.liquidity.Add(m.liquidity, repaid)
	return repaid, nil
}

func (m *Memory) readLiquidity(op string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failures[op]; ok {
		return nil, err
	}
	return new(big.Int).Set(m.liquidity), nil
}

func (m *Memory) readAPY(op string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failures[op]; ok {
		return 0, err
	}
	return m.apy, nil
}

func (m *Memory) readHealthy(op string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failures[op]; ok {
		return false, err
	}
	return m.healthy, nil
}

func (m *Memory) readDebt(op string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failures[op]; ok {
		return nil, err
	}
	return new(big.Int).Set(m.debt), nil
}

// LendingPoolClient.

func (m *Memory) Supply(_ context.Context, amount *big.Int) error { return m.supply("deposit", amount) }
func (m *Memory) Withdraw(_ context.Context, amount *big.Int) (*big.Int, error) {
	return m.withdraw("withdraw", amount)
}
func (m *Memory) AvailableLiquidity(context.Context) (*big.Int, error) {
	return m.readLiquidity("liquidity")
}
func (m *Memory) SupplyRateBps(context.Context) (uint64, error) { return m.readAPY("apy") }
func (m *Memory) Paused(context.Context) (bool, error) {
	ok, err := m.readHealthy("health")
	return !ok, err
}
func (m *Memory) Borrow(_ context.Context, amount *big.Int) error { return m.borrow("borrow", amount) }
func (m *Memory) Repay(_ context.Context, amount *big.Int) (*big.Int, error) {
	return m.repay("repay", amount)
}
func (m *Memory) Debt(context.Context) (*big.Int, error) { return m.readDebt("ltv") }

// LiquidityPoolClient.

func (m *Memory) AddLiquidity(_ context.Context, amount *big.Int) error {
	return m.supply("deposit", amount)
}
func (m *Memory) RemoveLiquidity(_ context.Context, amount *big.Int) (*big.Int, error) {
	return m.withdraw("withdraw", amount)
}
func (m *Memory) Reserves(context.Context) (*big.Int, error) { return m.readLiquidity("liquidity") }
func (m *Memory) FeeAPYBps(context.Context) (uint64, error)  { return m.readAPY("apy") }
func (m *Memory) Imbalanced(context.Context) (bool, error) {
	ok, err := m.readHealthy("health")
	return !ok, err
}
func (m *Memory) MarginBorrow(_ context.Context, amount *big.Int) error {
	return m.borrow("borrow", amount)
}
func (m *Memory) MarginRepay(_ context.Context, amount *big.Int) (*big.Int, error) {
	return m.repay("repay", amount)
}
func (m *Memory) MarginDebt(context.Context) (*big.Int, error) { return m.readDebt("ltv") }

// VaultClient.

func (m *Memory) Subscribe(_ context.Context, amount *big.Int) error {
	return m.supply("deposit", amount)
}
func (m *Memory) Redeem(_ context.Context, amount *big.Int) (*big.Int, error) {
	return m.withdraw("withdraw", amount)
}
func (m *Memory) RedeemableLiquidity(context.Context) (*big.Int, error) {
	return m.readLiquidity("liquidity")
}
func (m *Memory) NAVYieldBps(context.Context) (uint64, error) { return m.readAPY("apy") }
func (m *Memory) Open(context.Context) (bool, error)          { return m.readHealthy("health") }

// Entry describes a registry record.
type Entry struct {
	ID         string
	Kind       Kind
	Class      Class
	Compliant  bool
	RiskScore  uint64
	Registered bool
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryRegistry seeds a registry with the supplied entries. Entries are
// registered unless explicitly constructed otherwise via Put.
func NewMemoryRegistry(entries ...Entry) *MemoryRegistry {
	r := &MemoryRegistry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		e.Registered = true
		r.Put(e)
	}
	return r
}

// Put inserts or replaces an entry.
func (r *MemoryRegistry) Put(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = NormalizeID(e.ID)
	e.Class = e.Class.Normalize()
	r.entries[e.ID] = e
}

// Entry returns the stored record.
func (r *MemoryRegistry) Entry(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[NormalizeID(id)]
	return e, ok
}

func (r *MemoryRegistry) ListEligibleVenues(_ context.Context, class Class) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	want := class.Normalize()
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.Registered && e.Class == want {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRegistry) IsRegistered(_ context.Context, id string) (bool, error) {
	e, ok := r.Entry(id)
	return ok && e.Registered, nil
}

func (r *MemoryRegistry) IsCompliant(_ context.Context, id string) (bool, error) {
	e, ok := r.Entry(id)
	return ok && e.Compliant, nil
}

func (r *MemoryRegistry) RiskScore(_ context.Context, id string) (uint64, error) {
	e, ok := r.Entry(id)
	if !ok {
		return 0, fmt.Errorf("venue %q not registered", id)
	}
	return e.RiskScore, nil
}
