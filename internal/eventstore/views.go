package eventstore

import "context"

// ViewRow is one row of a projection table.
type ViewRow struct {
	Key      string
	Payload  []byte
	Position int64
}

// ViewTx gives a projection handler access to its rows inside the
// transaction that also records the processed event.
type ViewTx interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, payload []byte) error
	Delete(ctx context.Context, key string) error
}

// ViewStore holds async projection tables, their checkpoints and the
// processed-event log. A handler name is also its view name.
type ViewStore interface {
	// Process runs fn for evt unless the handler already processed it or its
	// checkpoint is at or past evt.Position. The view update, processed-event
	// row and checkpoint advance commit together. applied is false for a
	// duplicate.
	Process(ctx context.Context, handler string, evt RecordedEvent, fn func(ctx context.Context, tx ViewTx) error) (applied bool, err error)
	// Advance moves the checkpoint forward without applying anything.
	Advance(ctx context.Context, handler string, position int64) error
	Checkpoint(ctx context.Context, handler string) (int64, error)
	// Live returns the live rows and the checkpoint they reflect, read
	// consistently.
	Live(ctx context.Context, view string) ([]ViewRow, int64, error)
	// SwapShadow loads rows into the view's shadow table and swaps them into
	// live in one transaction, under the same checkpoint lock Process takes.
	// The checkpoint is set to head and processed events above head are
	// forgotten.
	SwapShadow(ctx context.Context, view string, rows []ViewRow, head int64) error
}
