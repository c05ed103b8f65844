package allocation

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"yieldvault/native/leverage"
	"yieldvault/native/venue"
)

// Snapshot is the persisted state committed after every successful operation.
type Snapshot struct {
	Sequence    uint64             `json:"sequence"`
	OperationID string             `json:"operationId"`
	Operation   string             `json:"operation"`
	At          time.Time          `json:"at"`
	Ledger      LedgerState        `json:"ledger"`
	Book        leverage.BookState `json:"book"`
}

// SnapshotStore persists committed snapshots.
type SnapshotStore interface {
	Commit(*Snapshot) error
}

// AllocationState is the serialised form of an Allocation.
type AllocationState struct {
	VenueID     string    `json:"venueId"`
	Class       string    `json:"class"`
	Amount      string    `json:"amount"`
	APY         uint64    `json:"apy"`
	LastUpdated time.Time `json:"lastUpdated"`
	Leveraged   bool      `json:"leveraged"`
}

// PositionState is the serialised form of a Position.
type PositionState struct {
	Principal string `json:"principal"`
	Shares    string `json:"shares"`
}

// LedgerState is the serialised form of a Ledger.
type LedgerState struct {
	Allocations     []AllocationState        `json:"allocations"`
	Positions       map[string]PositionState `json:"positions"`
	Cash            string                   `json:"cash"`
	TotalShares     string                   `json:"totalShares"`
	Deposited       string                   `json:"deposited"`
	Withdrawn       string                   `json:"withdrawn"`
	Accrued         string                   `json:"accrued"`
	ManagementFees  string                   `json:"managementFees"`
	PerformanceFees string                   `json:"performanceFees"`
	LastRebalance   time.Time                `json:"lastRebalance"`
	Sequence        uint64                   `json:"sequence"`
}

// State renders the ledger for persistence.
func (l *Ledger) State() LedgerState {
	state := LedgerState{
		Allocations:     make([]AllocationState, 0, len(l.Allocations)),
		Positions:       make(map[string]PositionState, len(l.Positions)),
		Cash:            l.Cash.String(),
		TotalShares:     l.TotalShares.String(),
		Deposited:       l.Deposited.String(),
		Withdrawn:       l.Withdrawn.String(),
		Accrued:         l.Accrued.String(),
		ManagementFees:  cloneInt(l.Fees.Management).String(),
		PerformanceFees: cloneInt(l.Fees.Performance).String(),
		LastRebalance:   l.LastRebalance,
		Sequence:        l.Sequence,
	}
	for _, a := range l.SortedAllocations() {
		state.Allocations = append(state.Allocations, AllocationState{
			VenueID:     a.VenueID,
			Class:       string(a.Class),
			Amount:      a.Amount.String(),
			APY:         a.APY,
			LastUpdated: a.LastUpdated,
			Leveraged:   a.Leveraged,
		})
	}
	for user, p := range l.Positions {
		state.Positions[user] = PositionState{Principal: p.Principal.String(), Shares: p.Shares.String()}
	}
	return state
}

// LedgerFromState rebuilds a ledger and verifies its conservation invariant.
func LedgerFromState(state LedgerState) (*Ledger, error) {
	l := NewLedger()
	var err error
	parse := func(field, raw string) *big.Int {
		if err != nil {
			return nil
		}
		if raw == "" {
			return big.NewInt(0)
		}
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			err = fmt.Errorf("ledger state: invalid %s %q", field, raw)
			return nil
		}
		return v
	}
	l.Cash = parse("cash", state.Cash)
	l.TotalShares = parse("totalShares", state.TotalShares)
	l.Deposited = parse("deposited", state.Deposited)
	l.Withdrawn = parse("withdrawn", state.Withdrawn)
	l.Accrued = parse("accrued", state.Accrued)
	l.Fees.Management = parse("managementFees", state.ManagementFees)
	l.Fees.Performance = parse("performanceFees", state.PerformanceFees)
	for _, a := range state.Allocations {
		amount := parse("allocation "+a.VenueID, a.Amount)
		if err != nil {
			return nil, err
		}
		id := venue.NormalizeID(a.VenueID)
		l.Allocations[id] = &Allocation{
			VenueID:     id,
			Class:       venue.Class(a.Class).Normalize(),
			Amount:      amount,
			APY:         a.APY,
			LastUpdated: a.LastUpdated,
			Leveraged:   a.Leveraged,
		}
	}
	users := make([]string, 0, len(state.Positions))
	for user := range state.Positions {
		users = append(users, user)
	}
	sort.Strings(users)
	for _, user := range users {
		p := state.Positions[user]
		principal := parse("principal "+user, p.Principal)
		shares := parse("shares "+user, p.Shares)
		if err != nil {
			return nil, err
		}
		l.Positions[user] = &Position{Principal: principal, Shares: shares}
	}
	if err != nil {
		return nil, err
	}
	l.LastRebalance = state.LastRebalance
	l.Sequence = state.Sequence
	if err := l.CheckConservation(); err != nil {
		return nil, err
	}
	return l, nil
}

// KV is the key-value surface snapshots are persisted through.
type KV interface {
	Get(key []byte) ([]byte, error)
	WriteBatch(entries map[string][]byte) error
}

// KVSnapshots stores snapshots under a prefix: one record per sequence and a
// latest pointer, written in a single batch.
type KVSnapshots struct {
	db     KV
	prefix string
}

// NewKVSnapshots binds a snapshot store to the database.
func NewKVSnapshots(db KV, pool string) *KVSnapshots {
	if pool == "" {
		pool = "default"
	}
	return &KVSnapshots{db: db, prefix: "allocation/" + pool + "/"}
}

func (s *KVSnapshots) Commit(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot required")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.db.WriteBatch(map[string][]byte{
		fmt.Sprintf("%ssnapshot/%020d", s.prefix, snap.Sequence): payload,
		s.prefix + "latest": payload,
	})
}

// Latest returns the most recently committed snapshot. The error from the
// underlying database is returned unchanged when nothing was committed yet.
func (s *KVSnapshots) Latest() (*Snapshot, error) {
	raw, err := s.db.Get([]byte(s.prefix + "latest"))
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(raw)
}

// At returns the snapshot committed with the given sequence.
func (s *KVSnapshots) At(sequence uint64) (*Snapshot, error) {
	raw, err := s.db.Get([]byte(fmt.Sprintf("%ssnapshot/%020d", s.prefix, sequence)))
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(raw)
}

func decodeSnapshot(raw []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
