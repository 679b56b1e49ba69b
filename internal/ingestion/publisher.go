package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"MarginLedger/internal/core"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventsStream        = "LEDGER_EVENTS"
	EventsSubjectPrefix = "ledger.events"
)

// JetStreamPublisher is the publishing half of jetstream.JetStream.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher drains the ledger's non-blocking publish channel and
// publishes each applied event for downstream consumers. A failed publish is
// logged and skipped; the event log stays authoritative.
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan core.CoreOutput
	log       zerolog.Logger
}

// PublishedEvent is the outbound wire form.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Trader         string          `json:"trader,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan core.CoreOutput, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{js: js, inputChan: inputChan, log: log}
}

// Run publishes until ctx is cancelled or the channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out); err != nil {
				op.log.Warn().Err(err).Int64("seq", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	subject, data, err := EncodeOutbound(out)
	if err != nil {
		return err
	}
	// Msg ID lets the stream drop a duplicate publish of the same sequence.
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(fmt.Sprintf("seq-%d", out.Envelope.Sequence)))
	return err
}

// EncodeOutbound builds the subject ledger.events.<type> and JSON body for
// one applied event.
func EncodeOutbound(out core.CoreOutput) (string, []byte, error) {
	env := out.Envelope
	evt := PublishedEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Trader:         env.Trader.String(),
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp.UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return "", nil, fmt.Errorf("marshal event: %w", err)
	}
	return EventsSubjectPrefix + "." + strings.ToLower(env.EventType.String()), data, nil
}
