package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"StockLedger/internal/event"
	"StockLedger/internal/eventstore"
	"StockLedger/internal/guard"
	"StockLedger/internal/ledger"
	"StockLedger/internal/observability"
	"StockLedger/internal/reservation"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the engine.
type Config struct {
	// SnapshotInterval writes a ledger stream snapshot every N versions.
	// Zero disables snapshots.
	SnapshotInterval int64
	// DedupCapacity is the size of the in-memory command id LRU.
	DedupCapacity int
	// NodeID is the snowflake node that numbers movements and transfers.
	NodeID int64
	Retry  RetryPolicy
}

// DefaultConfig returns the settings used when no STOCK_* overrides are set.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval: 100,
		DedupCapacity:    100_000,
		NodeID:           1,
		Retry:            DefaultRetryPolicy(),
	}
}

// Allocator proposes allocations for reservation lines. Its answer is
// advisory; StartPicking re-checks every key under the guard.
type Allocator interface {
	Allocate(ctx context.Context, warehouseID string, lines []event.Line) ([]event.Allocation, error)
}

// CommandMeta is carried into the metadata of every event a command writes.
type CommandMeta struct {
	CommandID     string
	Operator      string
	CorrelationID string
}

// Result describes what a command committed.
type Result struct {
	ReservationID uuid.UUID
	Status        reservation.Status
	Version       int64
	MovementIDs   []int64
	TransferID    int64
	// Duplicate is set when the command id was already committed and
	// nothing was written.
	Duplicate bool
}

// Engine executes ledger and reservation commands. Every command is a single
// store transaction: guards are taken inside it, all checks run before the
// first append, and commit releases the guards.
type Engine struct {
	store     eventstore.Store
	guard     guard.Guard
	dedup     *CommandDeduper
	allocator Allocator
	ids       *snowflake.Node
	retry     RetryPolicy
	snapEvery int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewEngine(store eventstore.Store, g guard.Guard, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) (*Engine, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return &Engine{
		store:     store,
		guard:     g,
		dedup:     NewCommandDeduper(cfg.DedupCapacity, store, metrics),
		ids:       node,
		retry:     cfg.Retry,
		snapEvery: cfg.SnapshotInterval,
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetAllocator enables auto-allocation in AllocateReservation.
func (e *Engine) SetAllocator(a Allocator) {
	e.allocator = a
}

// SetClock replaces the time source (tests).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// attempt collects per-transaction side information. A fresh one is used for
// every retry so nothing leaks from a rolled back attempt.
type attempt struct {
	meta      event.Metadata
	movements []ledger.Movement
	snapshots int
}

// run executes fn in a store transaction with de-duplication, retry,
// tracing, metrics and logging around it.
func (e *Engine) run(ctx context.Context, command string, cmd CommandMeta, logCtx func(zerolog.Context) zerolog.Context,
	fn func(ctx context.Context, tx eventstore.Tx, a *attempt) error) (bool, error) {

	start := time.Now()
	ctx, span := observability.Tracer().Start(ctx, "stockledger."+command,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("stockledger.command", command),
			attribute.String("stockledger.command_id", cmd.CommandID),
		))
	defer span.End()

	log := e.logger.With().Str("command", command).Str("command_id", cmd.CommandID)
	if logCtx != nil {
		log = logCtx(log)
	}
	logger := log.Logger()

	// Step 1: de-duplication by command id
	if e.dedup.Seen(ctx, command, cmd.CommandID) {
		e.metrics.ObserveCommand(command, "duplicate", time.Since(start))
		span.SetAttributes(attribute.Bool("stockledger.duplicate", true))
		logger.Debug().Msg("duplicate command skipped")
		return true, nil
	}

	// Step 2: transaction with bounded retry
	var committed *attempt
	err := e.retry.run(ctx, func() error {
		a := &attempt{meta: event.Metadata{
			Command:       command,
			CommandID:     cmd.CommandID,
			Operator:      cmd.Operator,
			CorrelationID: cmd.CorrelationID,
			TraceParent:   observability.InjectTraceParent(ctx),
		}}
		err := e.store.RunInTx(ctx, func(ctx context.Context, tx eventstore.Tx) error {
			return fn(ctx, tx, a)
		})
		if err != nil {
			return classify(command, err)
		}
		committed = a
		return nil
	}, func(err error, wait time.Duration) {
		e.metrics.IncRetry(command)
		logger.Warn().Err(err).Dur("backoff", wait).Msg("retrying command")
	})

	// Step 3: outcome
	if err != nil {
		err = classify(command, err)
		kind := KindOf(err)
		e.metrics.ObserveCommand(command, string(kind), time.Since(start))
		if kind == KindVersionConflict {
			e.metrics.IncVersionConflict(command)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		if IsBusiness(err) || kind == KindVersionConflict {
			logger.Warn().Err(err).Str("kind", string(kind)).Msg("command rejected")
		} else {
			logger.Error().Err(err).Str("kind", string(kind)).Msg("command failed")
		}
		return false, err
	}

	for _, m := range committed.movements {
		e.metrics.IncMovement(string(m.Kind))
	}
	for i := 0; i < committed.snapshots; i++ {
		e.metrics.IncSnapshot()
	}
	e.dedup.Mark(command, cmd.CommandID)
	e.metrics.ObserveCommand(command, "ok", time.Since(start))
	logger.Debug().Dur("duration", time.Since(start)).Msg("command committed")
	return false, nil
}

func (e *Engine) appendEvents(ctx context.Context, tx eventstore.Tx, a *attempt, streamID, streamType string,
	expected int64, payloads ...event.Payload) error {
	events := make([]eventstore.NewEvent, 0, len(payloads))
	for _, p := range payloads {
		ne, err := eventstore.Encode(p, a.meta)
		if err != nil {
			return err
		}
		events = append(events, ne)
	}
	return tx.Append(ctx, streamID, streamType, expected, events)
}

// appendMovements appends to one ledger stream and folds the movements into
// s, writing a snapshot whenever the stream crosses a snapshot boundary.
func (e *Engine) appendMovements(ctx context.Context, tx eventstore.Tx, a *attempt, s *ledger.Stream, movements ...ledger.Movement) error {
	payloads := make([]event.Payload, 0, len(movements))
	for _, m := range movements {
		if err := m.Validate(); err != nil {
			return &Error{Kind: KindInvalidArgument, Message: err.Error(), Err: err}
		}
		payloads = append(payloads, &event.StockMovementRecorded{Movement: m})
	}
	before := s.Version
	if err := e.appendEvents(ctx, tx, a, s.Key.StreamName(), event.StreamTypeStock, before, payloads...); err != nil {
		return err
	}
	for i, m := range movements {
		s.Apply(m, before+int64(i)+1)
	}
	a.movements = append(a.movements, movements...)

	if e.snapEvery > 0 && before/e.snapEvery != s.Version/e.snapEvery {
		state, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal snapshot %s: %w", s.Key, err)
		}
		err = tx.SaveSnapshot(ctx, eventstore.Snapshot{StreamID: s.Key.StreamName(), Version: s.Version, State: state})
		if err != nil {
			return err
		}
		a.snapshots++
	}
	return nil
}

// ReadStock folds the ledger stream of key as seen by tx, starting from the
// latest snapshot when there is one.
func ReadStock(ctx context.Context, tx eventstore.ReadTx, key ledger.Key) (ledger.Stream, error) {
	s := *ledger.NewStream(key)
	snap, err := tx.LoadSnapshot(ctx, key.StreamName())
	if err != nil {
		return ledger.Stream{}, err
	}
	if snap != nil {
		if err := json.Unmarshal(snap.State, &s); err != nil {
			return ledger.Stream{}, fmt.Errorf("decode snapshot %s: %w", key, err)
		}
		s.Version = snap.Version
	}

	records, err := tx.ReadStream(ctx, key.StreamName(), s.Version)
	if err != nil {
		return ledger.Stream{}, err
	}
	for _, rec := range records {
		p, err := rec.Decode()
		if err != nil {
			return ledger.Stream{}, err
		}
		mv, ok := p.(*event.StockMovementRecorded)
		if !ok {
			return ledger.Stream{}, fmt.Errorf("unexpected %s in %s", rec.Type, rec.StreamID)
		}
		s.Apply(mv.Movement, rec.Version)
	}
	return s, nil
}

// LoadReservation folds the reservation stream of id as seen by tx.
func LoadReservation(ctx context.Context, tx eventstore.ReadTx, id uuid.UUID) (*reservation.Reservation, error) {
	records, err := tx.ReadStream(ctx, event.ReservationStream(id), 0)
	if err != nil {
		return nil, err
	}
	payloads := make([]event.Payload, 0, len(records))
	for _, rec := range records {
		p, err := rec.Decode()
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	return reservation.Load(id, payloads)
}

// acquireAll takes the guard for every key in deterministic order.
func (e *Engine) acquireAll(ctx context.Context, tx eventstore.Tx, keys []ledger.Key) error {
	for _, k := range ledger.SortKeys(keys) {
		if err := e.guard.Acquire(ctx, tx, k); err != nil {
			return fmt.Errorf("guard %s: %w", k, err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, reservation.ErrNotFound)
}
