package leverage

import (
	"math/big"
	"sort"
)

// Book tracks outstanding borrow per venue and in aggregate. Total always
// equals the sum of the per-venue entries.
type Book struct {
	venues map[string]*big.Int
	total  *big.Int
}

func newBook() Book {
	return Book{venues: make(map[string]*big.Int), total: big.NewInt(0)}
}

// Borrowed returns the outstanding borrow for the venue.
func (b Book) Borrowed(venueID string) *big.Int {
	if v, ok := b.venues[venueID]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

// Total returns the aggregate outstanding borrow.
func (b Book) Total() *big.Int {
	if b.total == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(b.total)
}

// Leveraged returns the venues carrying borrow, sorted.
func (b Book) Leveraged() []string {
	ids := make([]string, 0, len(b.venues))
	for id, v := range b.venues {
		if v.Sign() > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Entries returns a copy of the per-venue balances.
func (b Book) Entries() map[string]*big.Int {
	out := make(map[string]*big.Int, len(b.venues))
	for id, v := range b.venues {
		out[id] = new(big.Int).Set(v)
	}
	return out
}

// Clone returns a deep copy of the book.
func (b Book) Clone() Book {
	clone := newBook()
	for id, v := range b.venues {
		clone.venues[id] = new(big.Int).Set(v)
	}
	if b.total != nil {
		clone.total.Set(b.total)
	}
	return clone
}

func (b *Book) add(venueID string, amount *big.Int) {
	cur, ok := b.venues[venueID]
	if !ok {
		cur = big.NewInt(0)
		b.venues[venueID] = cur
	}
	cur.Add(cur, amount)
	b.total.Add(b.total, amount)
}

// sub decrements the venue balance by amount, flooring at zero, and returns
// the amount actually removed.
func (b *Book) sub(venueID string, amount *big.Int) *big.Int {
	cur, ok := b.venues[venueID]
	if !ok {
		return big.NewInt(0)
	}
	removed := new(big.Int).Set(amount)
	if removed.Cmp(cur) > 0 {
		removed.Set(cur)
	}
	cur.Sub(cur, removed)
	b.total.Sub(b.total, removed)
	if b.total.Sign() < 0 {
		b.total.SetInt64(0)
	}
	if cur.Sign() == 0 {
		delete(b.venues, venueID)
	}
	return removed
}

// BookState is a serialisable view of the book used for snapshots.
type BookState struct {
	Venues map[string]string `json:"venues"`
	Total  string            `json:"total"`
}

// State renders the book for persistence.
func (b Book) State() BookState {
	state := BookState{Venues: make(map[string]string, len(b.venues)), Total: b.Total().String()}
	for id, v := range b.venues {
		state.Venues[id] = v.String()
	}
	return state
}

// BookFromState rebuilds a book, recomputing the total from the entries.
func BookFromState(state BookState) (Book, error) {
	book := newBook()
	for id, raw := range state.Venues {
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok || v.Sign() < 0 {
			return Book{}, errInvalidBookState
		}
		if v.Sign() > 0 {
			book.add(id, v)
		}
	}
	return book, nil
}
