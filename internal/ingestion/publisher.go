package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes committed transitions to NATS for downstream
// consumers. Subjects follow the pattern escrow.ledger.events.{op_type};
// outbound events are published after the operation is committed, so a
// dropped publish is recoverable from the operation log.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is a committed transition ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64     `json:"sequence"`
	OpType         string    `json:"op_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	InstanceID     string    `json:"instance_id"`
	ExternalStatus string    `json:"external_status"`
	Payload        any       `json:"payload,omitempty"`
	StateHash      []byte    `json:"state_hash"`
	Timestamp      time.Time `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (p *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the
				// operation log directly.
				p.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (p *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("escrow.ledger.events.%s", evt.OpType)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "ESCROW_LEDGER_EVENTS",
		Subjects:  []string{"escrow.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "ESCROW_LEDGER_EVENTS").Msg("ensured outbound stream")
	return nil
}
