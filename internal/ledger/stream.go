package ledger

import (
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientBalance is returned when a movement would drive the balance
// negative or below the quantity currently hard-locked at the key.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Stream is the folded state of one ledger stream.
type Stream struct {
	Key           Key       `json:"key"`
	Version       int64     `json:"version"`
	Balance       int64     `json:"balance"`
	Entries       int64     `json:"entries"`
	LastMovedAt   time.Time `json:"last_moved_at"`
	LastMovementK string    `json:"last_movement_kind,omitempty"`
}

// NewStream returns the empty state for a key (version 0, balance 0).
func NewStream(key Key) *Stream {
	return &Stream{Key: key}
}

// Apply folds one committed movement into the state. version is the stream
// version the movement was stored at.
func (s *Stream) Apply(m Movement, version int64) {
	s.Balance += m.Quantity
	s.Entries++
	s.Version = version
	s.LastMovedAt = m.OccurredAt
	s.LastMovementK = string(m.Kind)
}

// CheckDebit verifies that debiting qty (positive number) leaves both the
// balance non-negative and every hard lock at this key still covered.
func (s *Stream) CheckDebit(qty, hardLocked int64) error {
	if qty <= 0 {
		return fmt.Errorf("debit must be positive, got %d", qty)
	}
	available := s.Balance - hardLocked
	if available < qty {
		return fmt.Errorf("%w at %s: balance=%d hard_locked=%d requested=%d",
			ErrInsufficientBalance, s.Key, s.Balance, hardLocked, qty)
	}
	return nil
}

// CheckLock verifies that a new hard lock of qty fits under the balance.
func (s *Stream) CheckLock(qty, hardLocked int64) error {
	if s.Balance-hardLocked < qty {
		return fmt.Errorf("%w at %s: balance=%d hard_locked=%d requested=%d",
			ErrInsufficientBalance, s.Key, s.Balance, hardLocked, qty)
	}
	return nil
}

// Fold replays movements (in stream order, following base.Version) onto a
// copy of base.
func Fold(base Stream, movements []Movement) Stream {
	s := base
	v := base.Version
	for _, m := range movements {
		v++
		s.Apply(m, v)
	}
	return s
}
