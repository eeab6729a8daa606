package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"StockLedger/internal/event"
	"StockLedger/internal/eventstore"
	"StockLedger/internal/observability"
	"StockLedger/internal/projection"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream        = "WMS_LEDGER_EVENTS"
	EventSubjectPrefix = "wms.ledger.events."
	// RelayHandler is the relay's checkpoint name in the view store.
	RelayHandler = "outbox_relay"
)

// EventSubject is the outbound subject of an event type.
func EventSubject(t event.Type) string {
	return EventSubjectPrefix + string(t)
}

// OutboundEvent is the published form of a committed event.
type OutboundEvent struct {
	EventID    string          `json:"event_id"`
	Position   int64           `json:"position"`
	StreamID   string          `json:"stream_id"`
	StreamType string          `json:"stream_type"`
	Version    int64           `json:"version"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   event.Metadata  `json:"metadata"`
	RecordedAt time.Time       `json:"recorded_at"`
}

func NewOutboundEvent(e eventstore.RecordedEvent) OutboundEvent {
	return OutboundEvent{
		EventID:    e.EventID.String(),
		Position:   e.Position,
		StreamID:   e.StreamID,
		StreamType: e.StreamType,
		Version:    e.Version,
		EventType:  string(e.Type),
		Payload:    json.RawMessage(e.Payload),
		Metadata:   e.Metadata,
		RecordedAt: e.RecordedAt,
	}
}

// Publisher sends one message. msgID lets the broker drop duplicates.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string, header nats.Header) error
}

// JetStreamPublisher publishes with the Nats-Msg-Id header set, so a
// republish after a crash is dropped inside the stream's duplicate window.
type JetStreamPublisher struct {
	js jetstream.JetStream
}

func NewJetStreamPublisher(js jetstream.JetStream) *JetStreamPublisher {
	return &JetStreamPublisher{js: js}
}

func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte, msgID string, header nats.Header) error {
	_, err := p.js.PublishMsg(ctx, &nats.Msg{Subject: subject, Data: data, Header: header}, jetstream.WithMsgID(msgID))
	return err
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	GapTimeout   time.Duration

	// MaxRetries and RetryInterval bound the backoff around one publish.
	MaxRetries    uint64
	RetryInterval time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:  250 * time.Millisecond,
		BatchSize:     500,
		GapTimeout:    5 * time.Second,
		MaxRetries:    5,
		RetryInterval: 100 * time.Millisecond,
	}
}

// Relay publishes committed events in global position order. Its position
// is a checkpoint in the view store, advanced after each publish, so
// delivery is at-least-once with broker-side de-duplication by event id.
type Relay struct {
	store     eventstore.Store
	views     eventstore.ViewStore
	publisher Publisher
	cfg       RelayConfig
	gaps      *projection.GapTracker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewRelay(store eventstore.Store, views eventstore.ViewStore, publisher Publisher, cfg RelayConfig,
	metrics *observability.Metrics, logger zerolog.Logger) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRelayConfig().PollInterval
	}
	return &Relay{
		store:     store,
		views:     views,
		publisher: publisher,
		cfg:       cfg,
		gaps:      projection.NewGapTracker(cfg.GapTimeout),
		metrics:   metrics,
		logger:    logger,
	}
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().Dur("poll", r.cfg.PollInterval).Msg("outbox relay started")
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("relay batch failed")
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce publishes at most one batch and returns how many events were
// published. It stops at the first event that cannot be published so order
// is kept.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	cp, err := r.views.Checkpoint(ctx, RelayHandler)
	if err != nil {
		return 0, err
	}
	events, err := r.store.ReadAll(ctx, cp, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	n := 0
	next := cp + 1
	for _, evt := range events {
		if evt.Position > next {
			if !r.gaps.Check(RelayHandler, next, evt.Position) {
				break
			}
			r.logger.Warn().Int64("expected", next).Int64("got", evt.Position).Msg("relay skipping position gap")
		} else {
			r.gaps.Clear(RelayHandler)
		}

		if err := r.publish(ctx, evt); err != nil {
			r.metrics.IncRelayFailure()
			r.logger.Error().Err(err).Int64("position", evt.Position).Str("event_type", string(evt.Type)).
				Msg("relay publish failed")
			return n, err
		}
		if err := r.views.Advance(ctx, RelayHandler, evt.Position); err != nil {
			return n, err
		}
		r.metrics.IncRelayPublished(string(evt.Type))
		next = evt.Position + 1
		n++
	}
	return n, nil
}

func (r *Relay) publish(ctx context.Context, evt eventstore.RecordedEvent) error {
	data, err := json.Marshal(NewOutboundEvent(evt))
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.EventID, err)
	}
	header := nats.Header{}
	if evt.Metadata.TraceParent != "" {
		header.Set("traceparent", evt.Metadata.TraceParent)
	}

	exp := backoff.NewExponentialBackOff()
	if r.cfg.RetryInterval > 0 {
		exp.InitialInterval = r.cfg.RetryInterval
		exp.Reset()
	}
	b := backoff.WithContext(backoff.WithMaxRetries(exp, r.cfg.MaxRetries), ctx)
	return backoff.RetryNotify(func() error {
		return r.publisher.Publish(ctx, EventSubject(evt.Type), data, evt.EventID.String(), header)
	}, b, func(err error, wait time.Duration) {
		r.logger.Debug().Err(err).Dur("wait", wait).Int64("position", evt.Position).Msg("retrying publish")
	})
}

// Checkpoint returns the last published position.
func (r *Relay) Checkpoint(ctx context.Context) (int64, error) {
	return r.views.Checkpoint(ctx, RelayHandler)
}
