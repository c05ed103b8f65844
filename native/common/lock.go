package common

import (
	"errors"
	"sync/atomic"
)

var ErrReentrant = errors.New("operation already in progress")

// Lock is a non-blocking in-progress flag guarding state-mutating entry
// points. A second entry while the flag is held fails instead of waiting.
type Lock struct {
	busy atomic.Bool
}

// Enter acquires the flag and returns the release function.
func (l *Lock) Enter() (func(), error) {
	if !l.busy.CompareAndSwap(false, true) {
		return nil, ErrReentrant
	}
	return func() { l.busy.Store(false) }, nil
}

// Held reports whether an operation is in progress.
func (l *Lock) Held() bool {
	return l.busy.Load()
}
