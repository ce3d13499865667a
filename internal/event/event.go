package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of UI component categories an Event can carry.
type Kind string

const (
	KindCard         Kind = "CARD"
	KindNotification Kind = "NOTIFICATION"
	KindForm         Kind = "FORM"
)

// Valid reports whether k is one of the known component kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCard, KindNotification, KindForm:
		return true
	}
	return false
}

// Event is an immutable UI component record distributed through the relay.
// The payload is an opaque document: the relay never inspects it, only the
// presentation layer interprets its shape.
type Event struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// New mints an Event with a fresh UUID and the current UTC timestamp.
// It returns an error if kind is not a known component kind.
func New(kind Kind, payload json.RawMessage) (Event, error) {
	if !kind.Valid() {
		return Event{}, fmt.Errorf("unknown component kind %q", kind)
	}
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}
