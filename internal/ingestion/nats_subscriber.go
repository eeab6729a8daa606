package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"StockLedger/internal/core"
	"StockLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream        = "WMS_COMMANDS"
	CommandSubjectPrefix = "wms.commands."
)

// CommandSubject is the subject a command is published on.
func CommandSubject(name string) string {
	return CommandSubjectPrefix + name
}

// Disposition is what happens to a delivered message after handling.
type Disposition int

const (
	// Ack: committed, duplicate, or rejected by a business rule.
	Ack Disposition = iota
	// Nak: may succeed on redelivery.
	Nak
	// Term: the payload can never succeed.
	Term
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	case Term:
		return "term"
	}
	return "unknown"
}

type SubscriberConfig struct {
	AckWait       time.Duration
	MaxDeliver    int
	NakDelay      time.Duration
	HandleTimeout time.Duration
}

func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		NakDelay:      time.Second,
		HandleTimeout: 20 * time.Second,
	}
}

// CommandSubscriber consumes wms.commands.<command> from JetStream and runs
// each message through the engine. Every command subject has its own
// durable consumer, so a backlog on one does not stall the others.
type CommandSubscriber struct {
	js        jetstream.JetStream
	commands  Commands
	cfg       SubscriberConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger
	consumers []jetstream.ConsumeContext
}

func NewCommandSubscriber(js jetstream.JetStream, commands Commands, cfg SubscriberConfig,
	metrics *observability.Metrics, logger zerolog.Logger) *CommandSubscriber {
	return &CommandSubscriber{
		js:       js,
		commands: commands,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// Subscribe creates one explicit-ack consumer per command. Handling stops
// when Stop is called; ctx bounds in-flight commands.
func (s *CommandSubscriber) Subscribe(ctx context.Context) error {
	for _, name := range CommandNames() {
		durable := "stockledger-" + strings.ReplaceAll(name, "_", "-")
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
			Durable:       durable,
			FilterSubject: CommandSubject(name),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       s.cfg.AckWait,
			MaxDeliver:    s.cfg.MaxDeliver,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", durable, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			s.deliver(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", durable, err)
		}
		s.consumers = append(s.consumers, cc)
		s.logger.Info().Str("subject", CommandSubject(name)).Str("consumer", durable).Msg("subscribed")
	}
	return nil
}

func (s *CommandSubscriber) deliver(ctx context.Context, msg jetstream.Msg) {
	if s.cfg.HandleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandleTimeout)
		defer cancel()
	}

	var err error
	switch d := s.Handle(ctx, msg.Subject(), msg.Headers(), msg.Data()); d {
	case Ack:
		err = msg.Ack()
	case Nak:
		err = msg.NakWithDelay(s.cfg.NakDelay)
	case Term:
		err = msg.Term()
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("ack failed")
	}
}

// Handle decodes and executes one command message and decides its
// disposition. Business rejections are acknowledged: redelivering them
// cannot change the outcome.
func (s *CommandSubscriber) Handle(ctx context.Context, subject string, header nats.Header, data []byte) Disposition {
	name := strings.TrimPrefix(subject, CommandSubjectPrefix)
	log := s.logger.With().Str("command", name).Logger()

	cmd, err := ParseCommand(name, data)
	if err != nil {
		log.Warn().Err(err).Msg("rejecting malformed command")
		s.metrics.IncIngest(name, "malformed")
		return Term
	}

	env := cmd.Common()
	if env.CommandID == "" {
		env.CommandID = header.Get(nats.MsgIdHdr)
	}
	traceParent := header.Get("traceparent")
	if traceParent == "" {
		traceParent = env.TraceParent
	}
	ctx = observability.ExtractTraceParent(ctx, traceParent)

	res, err := cmd.Execute(ctx, s.commands)
	switch {
	case err == nil && res.Duplicate:
		s.metrics.IncIngest(name, "duplicate")
		return Ack
	case err == nil:
		s.metrics.IncIngest(name, "ok")
		return Ack
	case core.IsBusiness(err), core.KindOf(err) == core.KindVersionConflict:
		log.Info().Err(err).Str("command_id", env.CommandID).Str("kind", string(core.KindOf(err))).
			Msg("command rejected")
		s.metrics.IncIngest(name, "rejected")
		return Ack
	default:
		log.Warn().Err(err).Str("command_id", env.CommandID).Str("kind", string(core.KindOf(err))).
			Msg("command failed, requesting redelivery")
		s.metrics.IncIngest(name, "retry")
		return Nak
	}
}

// Stop stops all consumers.
func (s *CommandSubscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.logger.Info().Msg("command subscribers stopped")
}

// EnsureStreams creates the command and outbound event streams.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{CommandSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.WorkQueuePolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{EventSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("stockledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
