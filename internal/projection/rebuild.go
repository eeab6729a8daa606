package projection

import (
	"context"
	"fmt"

	"StockLedger/internal/eventstore"
	"StockLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Report is the outcome of a rebuild or verify run.
type Report struct {
	View           string `json:"view"`
	ReplayedTo     int64  `json:"replayed_to"`
	LiveCheckpoint int64  `json:"live_checkpoint"`
	ShadowRows     int    `json:"shadow_rows"`
	LiveRows       int    `json:"live_rows"`
	ShadowChecksum string `json:"shadow_checksum"`
	LiveChecksum   string `json:"live_checksum"`
	Match          bool   `json:"match"`
	Swapped        bool   `json:"swapped"`
}

// Rebuilder recomputes views from the event log through their pure replay
// folds.
type Rebuilder struct {
	store       eventstore.Store
	views       eventstore.ViewStore
	projections []Projection
	batchSize   int
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func NewRebuilder(store eventstore.Store, views eventstore.ViewStore, projections []Projection, batchSize int,
	metrics *observability.Metrics, logger zerolog.Logger) *Rebuilder {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Rebuilder{
		store:       store,
		views:       views,
		projections: projections,
		batchSize:   batchSize,
		metrics:     metrics,
		logger:      logger,
	}
}

// Rebuild replays the whole log, compares the result with live, then loads
// it through the shadow table into live and resets the checkpoint to the
// replay head in a single view transaction. The swap happens whether or not
// the checksums matched.
func (r *Rebuilder) Rebuild(ctx context.Context, name string) (Report, error) {
	p, err := ByName(r.projections, name)
	if err != nil {
		return Report{}, err
	}
	head, err := r.store.HeadPosition(ctx)
	if err != nil {
		return Report{}, err
	}
	shadow, err := r.replay(ctx, p, head)
	if err != nil {
		return Report{}, err
	}
	live, cp, err := r.views.Live(ctx, name)
	if err != nil {
		return Report{}, err
	}
	rep, err := r.compare(name, head, cp, shadow, live)
	if err != nil {
		return rep, err
	}

	if err := r.views.SwapShadow(ctx, name, shadow, head); err != nil {
		return rep, fmt.Errorf("swap %s: %w", name, err)
	}
	rep.Swapped = true
	r.logger.Info().Str("view", name).Int64("head", head).Bool("match", rep.Match).
		Int("rows", rep.ShadowRows).Msg("projection rebuilt")
	return rep, nil
}

// Verify replays up to the live checkpoint and compares. It writes nothing,
// so it can run alongside Rebuild and the worker.
func (r *Rebuilder) Verify(ctx context.Context, name string) (Report, error) {
	p, err := ByName(r.projections, name)
	if err != nil {
		return Report{}, err
	}
	live, cp, err := r.views.Live(ctx, name)
	if err != nil {
		return Report{}, err
	}
	shadow, err := r.replay(ctx, p, cp)
	if err != nil {
		return Report{}, err
	}
	rep, err := r.compare(name, cp, cp, shadow, live)
	if err != nil {
		return rep, err
	}
	ev := r.logger.Info()
	if !rep.Match {
		ev = r.logger.Warn()
	}
	ev.Str("view", name).Int64("checkpoint", cp).Bool("match", rep.Match).
		Int("shadow_rows", rep.ShadowRows).Int("live_rows", rep.LiveRows).Msg("projection verified")
	return rep, nil
}

// replay folds every event with position <= upTo. Folds see the whole log,
// not only the types the live handler subscribes to.
func (r *Rebuilder) replay(ctx context.Context, p Projection, upTo int64) ([]eventstore.ViewRow, error) {
	fold := p.NewReplay()
	var after int64
scan:
	for after < upTo {
		events, err := r.store.ReadAll(ctx, after, r.batchSize)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}
		for _, evt := range events {
			if evt.Position > upTo {
				break scan
			}
			payload, err := evt.Decode()
			if err != nil {
				return nil, err
			}
			if err := fold.Apply(evt, payload); err != nil {
				return nil, fmt.Errorf("replay %s at %d: %w", p.Name(), evt.Position, err)
			}
			after = evt.Position
		}
	}
	rows, err := fold.Rows()
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Position = upTo
	}
	return rows, nil
}

// compare checksums the replayed rows against live in memory.
func (r *Rebuilder) compare(name string, replayedTo, cp int64, shadow, live []eventstore.ViewRow) (Report, error) {
	rep := Report{View: name, ReplayedTo: replayedTo, LiveCheckpoint: cp, ShadowRows: len(shadow), LiveRows: len(live)}
	var err error
	if rep.ShadowChecksum, err = Checksum(shadow); err != nil {
		return rep, err
	}
	if rep.LiveChecksum, err = Checksum(live); err != nil {
		return rep, err
	}
	rep.Match = rep.ShadowChecksum == rep.LiveChecksum
	r.metrics.SetRebuildResult(name, rep.Match, rep.ShadowRows, rep.LiveRows)
	return rep, nil
}
