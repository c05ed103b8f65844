package allocation

import (
	"context"
	"fmt"
)

type compensation struct {
	venue string
	desc  string
	undo  func(context.Context) error
}

// journal records external effects in execution order so a failed operation
// can reverse them.
type journal struct {
	entries []compensation
}

func (j *journal) add(venueID, desc string, undo func(context.Context) error) {
	j.entries = append(j.entries, compensation{venue: venueID, desc: desc, undo: undo})
}

func (j *journal) len() int { return len(j.entries) }

// rollback replays compensations in reverse order. Every entry is attempted;
// failures are collected rather than stopping the replay.
func (j *journal) rollback(ctx context.Context) (int, []error) {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	done := 0
	for i := len(j.entries) - 1; i >= 0; i-- {
		entry := j.entries[i]
		if err := entry.undo(ctx); err != nil {
			errs = append(errs, fmt.Errorf("compensate %s %s: %w", entry.venue, entry.desc, err))
			continue
		}
		done++
	}
	j.entries = nil
	return done, errs
}
