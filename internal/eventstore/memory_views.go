package eventstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryViews is an in-process ViewStore.
type MemoryViews struct {
	mu          sync.Mutex
	live        map[string]map[string]ViewRow
	checkpoints map[string]int64
	processed   map[string]map[uuid.UUID]int64
}

func NewMemoryViews() *MemoryViews {
	return &MemoryViews{
		live:        make(map[string]map[string]ViewRow),
		checkpoints: make(map[string]int64),
		processed:   make(map[string]map[uuid.UUID]int64),
	}
}

func (v *MemoryViews) Process(ctx context.Context, handler string, evt RecordedEvent, fn func(ctx context.Context, tx ViewTx) error) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, dup := v.processed[handler][evt.EventID]; dup || evt.Position <= v.checkpoints[handler] {
		return false, nil
	}

	tx := &memViewTx{base: v.live[handler], writes: make(map[string]*ViewRow), position: evt.Position}
	if err := fn(ctx, tx); err != nil {
		return false, err
	}

	rows := v.live[handler]
	if rows == nil {
		rows = make(map[string]ViewRow)
		v.live[handler] = rows
	}
	for k, w := range tx.writes {
		if w == nil {
			delete(rows, k)
			continue
		}
		rows[k] = *w
	}
	if v.processed[handler] == nil {
		v.processed[handler] = make(map[uuid.UUID]int64)
	}
	v.processed[handler][evt.EventID] = evt.Position
	v.checkpoints[handler] = evt.Position
	return true, nil
}

func (v *MemoryViews) Advance(ctx context.Context, handler string, position int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if position > v.checkpoints[handler] {
		v.checkpoints[handler] = position
	}
	return nil
}

func (v *MemoryViews) Checkpoint(ctx context.Context, handler string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.checkpoints[handler], nil
}

func (v *MemoryViews) Live(ctx context.Context, view string) ([]ViewRow, int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return sortedRows(v.live[view]), v.checkpoints[view], nil
}

func (v *MemoryViews) SwapShadow(ctx context.Context, view string, rows []ViewRow, head int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	m := make(map[string]ViewRow, len(rows))
	for _, r := range rows {
		m[r.Key] = r
	}
	v.live[view] = m
	v.checkpoints[view] = head
	for id, pos := range v.processed[view] {
		if pos > head {
			delete(v.processed[view], id)
		}
	}
	return nil
}

// SetLive overwrites a live row without touching the checkpoint. It exists to
// simulate drift in tests.
func (v *MemoryViews) SetLive(view string, row ViewRow) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.live[view] == nil {
		v.live[view] = make(map[string]ViewRow)
	}
	v.live[view][row.Key] = row
}

func sortedRows(m map[string]ViewRow) []ViewRow {
	out := make([]ViewRow, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type memViewTx struct {
	base     map[string]ViewRow
	writes   map[string]*ViewRow // nil value = delete
	position int64
}

func (t *memViewTx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if w, ok := t.writes[key]; ok {
		if w == nil {
			return nil, false, nil
		}
		return w.Payload, true, nil
	}
	r, ok := t.base[key]
	if !ok {
		return nil, false, nil
	}
	return r.Payload, true, nil
}

func (t *memViewTx) Put(ctx context.Context, key string, payload []byte) error {
	t.writes[key] = &ViewRow{Key: key, Payload: append([]byte(nil), payload...), Position: t.position}
	return nil
}

func (t *memViewTx) Delete(ctx context.Context, key string) error {
	t.writes[key] = nil
	return nil
}
