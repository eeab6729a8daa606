package projection

import (
	"context"
	"time"

	"StockLedger/internal/eventstore"
	"StockLedger/internal/observability"

	"github.com/rs/zerolog"
)

// WorkerConfig tunes the async projection worker.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	GapTimeout   time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 200 * time.Millisecond,
		BatchSize:    500,
		GapTimeout:   5 * time.Second,
	}
}

// Worker follows the event log by global position and applies events to
// every projection. Each projection has its own checkpoint, so one failing
// view does not hold back the others.
type Worker struct {
	store       eventstore.Store
	views       eventstore.ViewStore
	projections []Projection
	cfg         WorkerConfig
	gaps        *GapTracker
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func NewWorker(store eventstore.Store, views eventstore.ViewStore, projections []Projection, cfg WorkerConfig,
	metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerConfig().PollInterval
	}
	return &Worker{
		store:       store,
		views:       views,
		projections: projections,
		cfg:         cfg,
		gaps:        NewGapTracker(cfg.GapTimeout),
		metrics:     metrics,
		logger:      logger,
	}
}

// Gaps exposes the gap tracker (tests).
func (w *Worker) Gaps() *GapTracker {
	return w.gaps
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Int("projections", len(w.projections)).Dur("poll", w.cfg.PollInterval).Msg("projection worker started")
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			// Views are eventually consistent and can be rebuilt from the
			// log; keep going.
			w.logger.Warn().Err(err).Msg("projection update failed")
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("projection worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes at most one batch per projection and returns how many
// events were consumed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	total := 0
	var firstErr error
	for _, p := range w.projections {
		n, err := w.catchUp(ctx, p)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}

func (w *Worker) catchUp(ctx context.Context, p Projection) (int, error) {
	name := p.Name()
	cp, err := w.views.Checkpoint(ctx, name)
	if err != nil {
		return 0, err
	}
	events, err := w.store.ReadAll(ctx, cp, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	n := 0
	next := cp + 1
	var skipTo int64 // irrelevant events, advanced in one step
	flush := func() error {
		if skipTo == 0 {
			return nil
		}
		err := w.views.Advance(ctx, name, skipTo)
		skipTo = 0
		return err
	}

	for _, evt := range events {
		if evt.Position > next {
			if !w.gaps.Check(name, next, evt.Position) {
				w.logger.Debug().Str("projection", name).Int64("expected", next).Int64("got", evt.Position).
					Msg("holding at position gap")
				break
			}
			w.metrics.IncProjectionGap(name)
			w.logger.Warn().Str("projection", name).Int64("expected", next).Int64("got", evt.Position).
				Msg("skipping position gap after timeout")
		} else {
			w.gaps.Clear(name)
		}

		if !p.Handles(evt.Type) {
			skipTo = evt.Position
		} else {
			if err := flush(); err != nil {
				return n, err
			}
			if err := w.apply(ctx, p, evt); err != nil {
				return n, err
			}
		}
		next = evt.Position + 1
		n++
	}
	return n, flush()
}

func (w *Worker) apply(ctx context.Context, p Projection, evt eventstore.RecordedEvent) error {
	start := time.Now()
	payload, err := evt.Decode()
	if err != nil {
		return err
	}
	applied, err := w.views.Process(ctx, p.Name(), evt, func(ctx context.Context, tx eventstore.ViewTx) error {
		return p.Apply(ctx, tx, evt, payload)
	})
	if err != nil {
		w.logger.Error().Err(err).Str("projection", p.Name()).Int64("position", evt.Position).
			Str("event_type", string(evt.Type)).Msg("projection handler failed")
		return err
	}
	w.metrics.ObserveProjection(p.Name(), applied, time.Since(start))
	return nil
}

// Lag returns head position minus checkpoint for every projection.
func (w *Worker) Lag(ctx context.Context) (map[string]int64, error) {
	return Lag(ctx, w.store, w.views, w.projections, w.metrics)
}

// Lag computes and publishes the lag of each projection.
func Lag(ctx context.Context, store eventstore.Store, views eventstore.ViewStore, projections []Projection,
	metrics *observability.Metrics) (map[string]int64, error) {
	head, err := store.HeadPosition(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(projections))
	for _, p := range projections {
		cp, err := views.Checkpoint(ctx, p.Name())
		if err != nil {
			return nil, err
		}
		lag := head - cp
		if lag < 0 {
			lag = 0
		}
		out[p.Name()] = lag
		metrics.SetProjectionLag(p.Name(), lag)
	}
	return out, nil
}
