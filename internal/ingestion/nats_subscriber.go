package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to the operation subjects and feeds raw
// messages into the single-writer core via opChan. NATS JetStream is the
// primary high-throughput ingestion surface; each operation type has its
// own subject so producers scale independently.
type NATSSubscriber struct {
	js        jetstream.JetStream
	opChan    chan<- RawOp
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawOp is a parsed-but-untyped operation from NATS, ready for the shell
// to validate and convert before handing to the core.
type RawOp struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after the operation is queued for processing
	NakFunc   func() // NAK on failure, message will be redelivered
}

// SubjectConfig maps a NATS subject to an operation type.
type SubjectConfig struct {
	Subject      string
	OpType       string
	ConsumerName string
	StreamName   string
}

const opStream = "ESCROW_OPS"

// DefaultSubjects returns the standard subject configuration. The trailing
// wildcard token names the producing source, which the core uses for
// per-source sequence validation.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "escrow.ops.create.>", OpType: "CreateEscrow", ConsumerName: "ledger-create", StreamName: opStream},
		{Subject: "escrow.ops.fund.>", OpType: "FundEscrow", ConsumerName: "ledger-fund", StreamName: opStream},
		{Subject: "escrow.ops.deliver.>", OpType: "MarkDelivered", ConsumerName: "ledger-deliver", StreamName: opStream},
		{Subject: "escrow.ops.confirm.>", OpType: "ConfirmDelivery", ConsumerName: "ledger-confirm", StreamName: opStream},
		{Subject: "escrow.ops.dispute.>", OpType: "RaiseDispute", ConsumerName: "ledger-dispute", StreamName: opStream},
		{Subject: "escrow.ops.resolve.>", OpType: "ResolveDispute", ConsumerName: "ledger-resolve", StreamName: opStream},
		{Subject: "escrow.ops.release.>", OpType: "AdminRelease", ConsumerName: "ledger-release", StreamName: opStream},
		{Subject: "escrow.ops.cancel.>", OpType: "CancelEscrow", ConsumerName: "ledger-cancel", StreamName: opStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, opChan chan<- RawOp, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:     js,
		opChan: opChan,
		logger: logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawOp{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.opChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the operation stream if it does not exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      opStream,
		Subjects:  []string{"escrow.ops.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", opStream, err)
	}
	logger.Info().Str("stream", opStream).Msg("ensured stream")
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
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
