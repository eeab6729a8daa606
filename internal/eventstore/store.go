// Package eventstore defines the storage contract of the ledger: per-stream
// optimistic appends, a global position order, the inline hard-lock index and
// the checkpointed view tables used by async projections.
//
// Memory implements the contract in process; persistence.PostgresStore is the
// durable implementation.
package eventstore

import (
	"context"
	"errors"
	"time"

	"StockLedger/internal/event"
	"StockLedger/internal/guard"
	"StockLedger/internal/ledger"

	"github.com/google/uuid"
)

var (
	// ErrVersionConflict means another writer appended to the stream after
	// the caller read it.
	ErrVersionConflict = errors.New("stream version conflict")
	// ErrTransient wraps failures that may succeed on retry (connection
	// loss, serialization failure, deadlock).
	ErrTransient = errors.New("transient store failure")
)

// NewEvent is an event about to be appended.
type NewEvent struct {
	EventID  uuid.UUID
	Type     event.Type
	Payload  []byte
	Metadata event.Metadata
}

// Encode builds a NewEvent from a typed payload.
func Encode(p event.Payload, meta event.Metadata) (NewEvent, error) {
	data, err := event.Marshal(p)
	if err != nil {
		return NewEvent{}, err
	}
	return NewEvent{EventID: uuid.New(), Type: p.EventType(), Payload: data, Metadata: meta}, nil
}

// RecordedEvent is a committed event.
type RecordedEvent struct {
	Position   int64
	EventID    uuid.UUID
	StreamID   string
	StreamType string
	Version    int64
	Type       event.Type
	Payload    []byte
	Metadata   event.Metadata
	RecordedAt time.Time
}

// Decode returns the typed payload.
func (r RecordedEvent) Decode() (event.Payload, error) {
	return event.Unmarshal(r.Type, r.Payload)
}

// Snapshot is a serialized stream state at a version.
type Snapshot struct {
	StreamID string
	Version  int64
	State    []byte
}

// HardLock is one row of the inline hard-lock index.
type HardLock struct {
	ReservationID uuid.UUID
	Key           ledger.Key
	Quantity      int64
}

// ReadTx is the read side of a transaction.
type ReadTx interface {
	// ReadStream returns events with version > afterVersion in order.
	ReadStream(ctx context.Context, streamID string, afterVersion int64) ([]RecordedEvent, error)
	// LoadSnapshot returns nil when the stream has no snapshot.
	LoadSnapshot(ctx context.Context, streamID string) (*Snapshot, error)
	HardLockedQuantity(ctx context.Context, key ledger.Key) (int64, error)
	HardLocksFor(ctx context.Context, reservationID uuid.UUID) ([]HardLock, error)
}

// Tx is a read-write transaction. Everything written through it commits or
// rolls back together, and guard locks taken on it are released at the end.
type Tx interface {
	ReadTx
	guard.Scope

	// Append adds events to a stream whose current version must equal
	// expectedVersion (0 for a new stream); otherwise ErrVersionConflict.
	Append(ctx context.Context, streamID, streamType string, expectedVersion int64, events []NewEvent) error
	SaveSnapshot(ctx context.Context, s Snapshot) error
	InsertHardLocks(ctx context.Context, locks []HardLock) error
	// DeleteHardLocks removes and returns every row of a reservation.
	DeleteHardLocks(ctx context.Context, reservationID uuid.UUID) ([]HardLock, error)
}

// Store is the event store.
type Store interface {
	// RunInTx commits when fn returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// View runs fn against one consistent read-only snapshot.
	View(ctx context.Context, fn func(ctx context.Context, tx ReadTx) error) error
	// ReadAll returns committed events with position > after, in position order.
	ReadAll(ctx context.Context, after int64, limit int) ([]RecordedEvent, error)
	HeadPosition(ctx context.Context) (int64, error)
	// HasCommand reports whether an event written by command with commandID
	// was committed.
	HasCommand(ctx context.Context, command, commandID string) (bool, error)
}
