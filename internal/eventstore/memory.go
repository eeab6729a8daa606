package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"StockLedger/internal/ledger"

	"github.com/google/uuid"
)

type lockRow struct {
	reservation uuid.UUID
	key         ledger.Key
}

// Memory is an in-process Store. Transactions buffer their writes and apply
// them atomically at commit; reads inside a transaction see committed state
// as of each call plus the transaction's own writes.
type Memory struct {
	mu        sync.RWMutex
	events    []RecordedEvent
	streams   map[string][]int // stream -> indexes into events
	snapshots map[string]Snapshot
	locks     map[lockRow]int64
	commands  map[string]bool
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		streams:   make(map[string][]int),
		snapshots: make(map[string]Snapshot),
		locks:     make(map[lockRow]int64),
		commands:  make(map[string]bool),
		now:       time.Now,
	}
}

func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{memReader: memReader{store: m}, store: m, appends: make(map[string]*pendingStream)}
	defer tx.release()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *Memory) View(ctx context.Context, fn func(ctx context.Context, tx ReadTx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(ctx, &memReader{store: m, held: true})
}

func (m *Memory) ReadAll(ctx context.Context, after int64, limit int) ([]RecordedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if after < 0 {
		after = 0
	}
	var out []RecordedEvent
	// position n lives at index n-1
	for i := int(after); i < len(m.events); i++ {
		out = append(out, m.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) HeadPosition(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}

func (m *Memory) HasCommand(ctx context.Context, command, commandID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commands[command+":"+commandID], nil
}

// HardLocks returns every row of the inline index (tests and diagnostics).
func (m *Memory) HardLocks() []HardLock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HardLock, 0, len(m.locks))
	for r, q := range m.locks {
		out = append(out, HardLock{ReservationID: r.reservation, Key: r.key, Quantity: q})
	}
	return out
}

func (m *Memory) version(streamID string) int64 {
	return int64(len(m.streams[streamID]))
}

func (m *Memory) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range tx.appends {
		if v := m.version(id); v != p.expected {
			return fmt.Errorf("%w: %s expected version %d, at %d", ErrVersionConflict, id, p.expected, v)
		}
	}
	for r := range tx.inserts {
		if _, exists := m.locks[r]; exists && !tx.deleted[r.reservation] {
			return fmt.Errorf("hard lock already exists for %s at %s", r.reservation, r.key)
		}
	}

	now := m.now().UTC()
	for _, id := range tx.order {
		p := tx.appends[id]
		for i, e := range p.events {
			rec := RecordedEvent{
				Position:   int64(len(m.events) + 1),
				EventID:    e.EventID,
				StreamID:   id,
				StreamType: p.streamType,
				Version:    p.expected + int64(i) + 1,
				Type:       e.Type,
				Payload:    e.Payload,
				Metadata:   e.Metadata,
				RecordedAt: now,
			}
			m.streams[id] = append(m.streams[id], len(m.events))
			m.events = append(m.events, rec)
			if e.Metadata.CommandID != "" {
				m.commands[e.Metadata.Command+":"+e.Metadata.CommandID] = true
			}
		}
	}
	for id, s := range tx.snapshots {
		m.snapshots[id] = s
	}
	for r := range m.locks {
		if tx.deleted[r.reservation] {
			delete(m.locks, r)
		}
	}
	for r, q := range tx.inserts {
		m.locks[r] = q
	}
	return nil
}

type pendingStream struct {
	streamType string
	expected   int64
	events     []NewEvent
}

type memTx struct {
	memReader
	store     *Memory
	appends   map[string]*pendingStream
	order     []string
	snapshots map[string]Snapshot
	inserts   map[lockRow]int64
	deleted   map[uuid.UUID]bool
	hooks     []func()
	once      sync.Once
}

func (t *memTx) OnRelease(fn func()) {
	t.hooks = append(t.hooks, fn)
}

func (t *memTx) release() {
	t.once.Do(func() {
		for i := len(t.hooks) - 1; i >= 0; i-- {
			t.hooks[i]()
		}
	})
}

func (t *memTx) ReadStream(ctx context.Context, streamID string, afterVersion int64) ([]RecordedEvent, error) {
	return t.memReader.ReadStream(ctx, streamID, afterVersion)
}

func (t *memTx) LoadSnapshot(ctx context.Context, streamID string) (*Snapshot, error) {
	if s, ok := t.snapshots[streamID]; ok {
		return &s, nil
	}
	return t.memReader.LoadSnapshot(ctx, streamID)
}

func (t *memTx) HardLockedQuantity(ctx context.Context, key ledger.Key) (int64, error) {
	rows, err := t.rows(ctx, func(r lockRow) bool { return r.key == key })
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, l := range rows {
		sum += l.Quantity
	}
	return sum, nil
}

func (t *memTx) HardLocksFor(ctx context.Context, reservationID uuid.UUID) ([]HardLock, error) {
	return t.rows(ctx, func(r lockRow) bool { return r.reservation == reservationID })
}

// rows merges committed rows with this transaction's deletes and inserts.
func (t *memTx) rows(ctx context.Context, match func(lockRow) bool) ([]HardLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	var out []HardLock
	for r, q := range t.store.locks {
		if match(r) && !t.deleted[r.reservation] {
			out = append(out, HardLock{ReservationID: r.reservation, Key: r.key, Quantity: q})
		}
	}
	t.store.mu.RUnlock()
	for r, q := range t.inserts {
		if match(r) {
			out = append(out, HardLock{ReservationID: r.reservation, Key: r.key, Quantity: q})
		}
	}
	return out, nil
}

func (t *memTx) Append(ctx context.Context, streamID, streamType string, expectedVersion int64, events []NewEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if p, ok := t.appends[streamID]; ok {
		if cur := p.expected + int64(len(p.events)); cur != expectedVersion {
			return fmt.Errorf("%w: %s expected version %d, at %d", ErrVersionConflict, streamID, expectedVersion, cur)
		}
		p.events = append(p.events, events...)
		return nil
	}

	t.store.mu.RLock()
	cur := t.store.version(streamID)
	t.store.mu.RUnlock()
	if cur != expectedVersion {
		return fmt.Errorf("%w: %s expected version %d, at %d", ErrVersionConflict, streamID, expectedVersion, cur)
	}
	t.appends[streamID] = &pendingStream{
		streamType: streamType,
		expected:   expectedVersion,
		events:     append([]NewEvent(nil), events...),
	}
	t.order = append(t.order, streamID)
	return nil
}

func (t *memTx) SaveSnapshot(ctx context.Context, s Snapshot) error {
	if t.snapshots == nil {
		t.snapshots = make(map[string]Snapshot)
	}
	t.snapshots[s.StreamID] = s
	return nil
}

func (t *memTx) InsertHardLocks(ctx context.Context, locks []HardLock) error {
	if t.inserts == nil {
		t.inserts = make(map[lockRow]int64)
	}
	for _, l := range locks {
		if l.Quantity <= 0 {
			return fmt.Errorf("hard lock quantity must be positive, got %d", l.Quantity)
		}
		r := lockRow{reservation: l.ReservationID, key: l.Key}
		if _, dup := t.inserts[r]; dup {
			return fmt.Errorf("duplicate hard lock for %s at %s", l.ReservationID, l.Key)
		}
		t.inserts[r] = l.Quantity
	}
	return nil
}

func (t *memTx) DeleteHardLocks(ctx context.Context, reservationID uuid.UUID) ([]HardLock, error) {
	rows, err := t.HardLocksFor(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if t.deleted == nil {
		t.deleted = make(map[uuid.UUID]bool)
	}
	t.deleted[reservationID] = true
	for r := range t.inserts {
		if r.reservation == reservationID {
			delete(t.inserts, r)
		}
	}
	return rows, nil
}

// memReader reads committed state. held means the caller already holds the
// store's read lock.
type memReader struct {
	store *Memory
	held  bool
}

func (r *memReader) rlock() func() {
	if r.held {
		return func() {}
	}
	r.store.mu.RLock()
	return r.store.mu.RUnlock
}

func (r *memReader) ReadStream(ctx context.Context, streamID string, afterVersion int64) ([]RecordedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.rlock()()
	idx := r.store.streams[streamID]
	var out []RecordedEvent
	for i := int(afterVersion); i >= 0 && i < len(idx); i++ {
		out = append(out, r.store.events[idx[i]])
	}
	return out, nil
}

func (r *memReader) LoadSnapshot(ctx context.Context, streamID string) (*Snapshot, error) {
	defer r.rlock()()
	s, ok := r.store.snapshots[streamID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *memReader) HardLockedQuantity(ctx context.Context, key ledger.Key) (int64, error) {
	defer r.rlock()()
	var sum int64
	for row, q := range r.store.locks {
		if row.key == key {
			sum += q
		}
	}
	return sum, nil
}

func (r *memReader) HardLocksFor(ctx context.Context, reservationID uuid.UUID) ([]HardLock, error) {
	defer r.rlock()()
	var out []HardLock
	for row, q := range r.store.locks {
		if row.reservation == reservationID {
			out = append(out, HardLock{ReservationID: row.reservation, Key: row.key, Quantity: q})
		}
	}
	return out, nil
}
