package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/state"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// LedgerSink is the part of core.Ledger the feed drives.
type LedgerSink interface {
	SetPrice(ctx context.Context, price int64, source string, sourceSeq int64) (bool, error)
	Deposit(ctx context.Context, trader state.TraderID, amount int64) (int64, error)
	Withdraw(ctx context.Context, trader state.TraderID, amount int64) (int64, error)
}

// Delivery is the subset of jetstream.Msg the dispatcher needs.
type Delivery interface {
	Subject() string
	Data() []byte
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	Nak() error
	Term() error
}

// SubjectConfig maps a NATS subject to a message kind.
type SubjectConfig struct {
	Subject      string
	Kind         MessageKind
	ConsumerName string
	StreamName   string
}

const (
	PricesStream = "LEDGER_PRICES"
	FundsStream  = "LEDGER_FUNDS"
)

// DefaultSubjects returns the standard inbound subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "ledger.prices.>", Kind: KindPriceUpdate, ConsumerName: "ledger-prices", StreamName: PricesStream},
		{Subject: "ledger.deposits.>", Kind: KindDeposit, ConsumerName: "ledger-deposits", StreamName: FundsStream},
		{Subject: "ledger.withdrawals.>", Kind: KindWithdrawal, ConsumerName: "ledger-withdrawals", StreamName: FundsStream},
	}
}

// Outcome of handling one delivery.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeStale     Outcome = "stale"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected" // terminated, never redelivered
	OutcomeRetry     Outcome = "retry"    // nak'd for redelivery
)

// Dispatcher turns inbound deliveries into ledger operations and settles
// each message: ack on success or duplicate, term on a message that can
// never succeed, nak otherwise.
type Dispatcher struct {
	sink    LedgerSink
	metrics *observability.Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewDispatcher(sink LedgerSink, metrics *observability.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{sink: sink, metrics: metrics, log: log}
}

// Handle processes and settles one delivery. After Close every delivery is
// nak'd untouched.
func (d *Dispatcher) Handle(ctx context.Context, kind MessageKind, msg Delivery) Outcome {
	if !d.enter() {
		if err := msg.Nak(); err != nil {
			d.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("settle message")
		}
		d.count(kind, OutcomeRetry)
		return OutcomeRetry
	}
	defer d.inflight.Done()

	out, err := d.apply(ctx, kind, msg)

	switch out {
	case OutcomeApplied, OutcomeStale, OutcomeDuplicate:
		err = msg.Ack()
	case OutcomeRejected:
		d.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("message rejected")
		err = msg.Term()
	default:
		d.log.Error().Err(err).Str("subject", msg.Subject()).Msg("message failed, will be redelivered")
		err = msg.Nak()
	}
	if err != nil {
		d.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("settle message")
	}

	d.count(kind, out)
	return out
}

// Close stops new deliveries and waits for those being handled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.inflight.Wait()
}

func (d *Dispatcher) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.inflight.Add(1)
	return true
}

func (d *Dispatcher) count(kind MessageKind, out Outcome) {
	if d.metrics != nil {
		d.metrics.InboundMessages.WithLabelValues(kind.String(), string(out)).Inc()
	}
}

func (d *Dispatcher) apply(ctx context.Context, kind MessageKind, msg Delivery) (Outcome, error) {
	switch kind {
	case KindPriceUpdate:
		cmd, err := ParsePrice(msg.Data())
		if err != nil {
			return OutcomeRejected, err
		}
		ctx = core.WithRequestID(ctx, deliveryID(msg, ""))
		applied, err := d.sink.SetPrice(ctx, cmd.Price, cmd.Source, cmd.Sequence)
		if err != nil {
			return classify(err), err
		}
		if !applied {
			return OutcomeStale, nil
		}
		return OutcomeApplied, nil

	case KindDeposit, KindWithdrawal:
		cmd, err := ParseFunds(msg.Data())
		if err != nil {
			return OutcomeRejected, err
		}
		ctx = core.WithRequestID(ctx, deliveryID(msg, cmd.RequestID))
		if kind == KindDeposit {
			_, err = d.sink.Deposit(ctx, cmd.Trader, cmd.Amount)
		} else {
			_, err = d.sink.Withdraw(ctx, cmd.Trader, cmd.Amount)
		}
		if err != nil {
			return classify(err), err
		}
		return OutcomeApplied, nil

	default:
		return OutcomeRejected, fmt.Errorf("no handler for %s", kind)
	}
}

// deliveryID prefers the producer's request id and falls back to the
// message's stream position, which is stable across redeliveries.
func deliveryID(msg Delivery, requestID string) string {
	if requestID != "" {
		return requestID
	}
	meta, err := msg.Metadata()
	if err != nil || meta == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
}

func classify(err error) Outcome {
	switch {
	case errors.Is(err, core.ErrDuplicateRequest):
		return OutcomeDuplicate
	case errors.Is(err, core.ErrRequestInFlight),
		errors.Is(err, core.ErrLedgerClosed):
		// The first attempt may still fail; only a redelivery is safe.
		return OutcomeRetry
	case errors.Is(err, state.ErrInvalidAmount),
		errors.Is(err, state.ErrInvalidPrice),
		errors.Is(err, state.ErrInvalidTrader),
		errors.Is(err, state.ErrInsufficientFunds):
		return OutcomeRejected
	default:
		return OutcomeRetry
	}
}

// NATSSubscriber runs one durable JetStream consumer per subject and feeds
// every message through a Dispatcher.
type NATSSubscriber struct {
	js         jetstream.JetStream
	dispatcher *Dispatcher
	consumers  []jetstream.ConsumeContext
	log        zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, dispatcher *Dispatcher, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, dispatcher: dispatcher, log: log}
}

// Subscribe creates consumers for all configured subjects.
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

		kind := cfg.Kind
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.dispatcher.Handle(ctx, kind, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// Stop stops all consumers and returns once no callback is still inside the
// ledger.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.dispatcher.Close()
	ns.log.Info().Msg("NATS subscribers stopped")
}

// EnsureStreams creates the inbound and outbound streams if missing.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{Name: PricesStream, Subjects: []string{"ledger.prices.>"}},
		{Name: FundsStream, Subjects: []string{"ledger.deposits.>", "ledger.withdrawals.>"}},
		{Name: EventsStream, Subjects: []string{EventsSubjectPrefix + ".>"}},
	}
	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("marginledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
