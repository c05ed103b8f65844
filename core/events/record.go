package events

import (
	"math/big"
	"time"
)

// Record is the broadcastable attribute form of an event.
type Record struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	At         time.Time         `json:"at"`
}

// Recordable is implemented by events that can render their attributes.
type Recordable interface {
	Event
	Event() *Record
}

// ToRecord converts an event into its attribute form, stamping the supplied
// time when the event does not carry one.
func ToRecord(ev Event, at time.Time) Record {
	if ev == nil {
		return Record{}
	}
	if r, ok := ev.(Recordable); ok {
		if rec := r.Event(); rec != nil {
			out := *rec
			if out.Attributes == nil {
				out.Attributes = map[string]string{}
			}
			if out.At.IsZero() {
				out.At = at
			}
			return out
		}
	}
	return Record{Type: ev.EventType(), Attributes: map[string]string{}, At: at}
}

func setAmount(attrs map[string]string, key string, v *big.Int) {
	if v != nil {
		attrs[key] = v.String()
	}
}

func setString(attrs map[string]string, key, v string) {
	if v != "" {
		attrs[key] = v
	}
}
