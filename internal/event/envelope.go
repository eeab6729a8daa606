package event

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Type discriminates event payloads. The string form is what is stored in the
// event log and published on the outbound subjects.
type Type string

const (
	TypeStockMovementRecorded Type = "StockMovementRecorded"
	TypeReservationCreated    Type = "ReservationCreated"
	TypeReservationAllocated  Type = "ReservationAllocated"
	TypePickingStarted        Type = "PickingStarted"
	TypeReservationConsumed   Type = "ReservationConsumed"
	TypeReservationCancelled  Type = "ReservationCancelled"
)

// Stream types.
const (
	StreamTypeStock       = "stock"
	StreamTypeReservation = "reservation"
)

// Payload is implemented by every event body.
type Payload interface {
	EventType() Type
}

// Metadata travels with every stored event.
type Metadata struct {
	// Command names the command that wrote the event; with CommandID it
	// forms the de-duplication key.
	Command       string `json:"command,omitempty"`
	CommandID     string `json:"command_id,omitempty"`
	Operator      string `json:"operator,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	TraceParent   string `json:"traceparent,omitempty"`
}

// ReservationStream is the durable stream name of a reservation.
func ReservationStream(id uuid.UUID) string {
	return "reservation-" + id.String()
}

// ParseReservationStream extracts the reservation id from its stream name.
func ParseReservationStream(name string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(name, "reservation-")
	if !ok {
		return uuid.Nil, fmt.Errorf("not a reservation stream: %q", name)
	}
	return uuid.Parse(rest)
}

// Marshal encodes a payload for storage.
func Marshal(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", p.EventType(), err)
	}
	return data, nil
}

// Unmarshal decodes a stored payload by its type.
func Unmarshal(t Type, data []byte) (Payload, error) {
	var p Payload
	switch t {
	case TypeStockMovementRecorded:
		p = &StockMovementRecorded{}
	case TypeReservationCreated:
		p = &ReservationCreated{}
	case TypeReservationAllocated:
		p = &ReservationAllocated{}
	case TypePickingStarted:
		p = &PickingStarted{}
	case TypeReservationConsumed:
		p = &ReservationConsumed{}
	case TypeReservationCancelled:
		p = &ReservationCancelled{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", t)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", t, err)
	}
	return p, nil
}
