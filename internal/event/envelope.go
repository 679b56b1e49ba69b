package event

import (
	"encoding/json"
	"fmt"
	"time"

	"MarginLedger/internal/state"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposited
	EventTypeWithdrawn
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypePositionLiquidated
	EventTypePriceUpdated
)

// EventEnvelope wraps every applied operation in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Request id the operation was submitted under, empty if none
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Trader the event belongs to, empty for price updates
	Trader state.TraderID

	// Wall-clock time the core applied the operation
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	EventType() EventType

	// Owner returns the trader the event belongs to ("" for global events)
	Owner() state.TraderID

	// Digest returns deterministic bytes for the state hash
	Digest() []byte
}

// NewEnvelope encodes evt as the envelope payload. Hashes are filled in by
// the caller.
func NewEnvelope(sequence int64, requestID string, ts time.Time, evt Event) (*EventEnvelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", evt.EventType(), err)
	}
	return &EventEnvelope{
		Sequence:       sequence,
		IdempotencyKey: requestID,
		EventType:      evt.EventType(),
		Trader:         evt.Owner(),
		Timestamp:      ts,
		Payload:        payload,
	}, nil
}

// Decode returns the typed payload of an envelope.
func (e *EventEnvelope) Decode() (Event, error) {
	var evt Event
	switch e.EventType {
	case EventTypeDeposited:
		evt = &Deposited{}
	case EventTypeWithdrawn:
		evt = &Withdrawn{}
	case EventTypePositionOpened:
		evt = &PositionOpened{}
	case EventTypePositionClosed:
		evt = &PositionClosed{}
	case EventTypePositionLiquidated:
		evt = &PositionLiquidated{}
	case EventTypePriceUpdated:
		evt = &PriceUpdated{}
	default:
		return nil, fmt.Errorf("unknown event type %d", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return evt, nil
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposited:
		return "Deposited"
	case EventTypeWithdrawn:
		return "Withdrawn"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypePriceUpdated:
		return "PriceUpdated"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, error) {
	for et := EventTypeDeposited; et <= EventTypePriceUpdated; et++ {
		if et.String() == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}
