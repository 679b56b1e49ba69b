package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/state"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// ============================================================================
// Parsers
// ============================================================================

func TestParsePrice(t *testing.T) {
	cmd, err := ingestion.ParsePrice(mustJSON(t, map[string]interface{}{
		"price":        "1000.50",
		"source":       "binance",
		"sequence":     int64(42),
		"timestamp_us": int64(1700000000000000),
	}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Price != 100_050 {
		t.Errorf("price: got %d, want 100050", cmd.Price)
	}
	if cmd.Source != "binance" {
		t.Errorf("source: got %s, want binance", cmd.Source)
	}
	if cmd.Sequence != 42 {
		t.Errorf("sequence: got %d, want 42", cmd.Sequence)
	}
	if !cmd.Timestamp.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("timestamp: got %v", cmd.Timestamp)
	}
}

func TestParsePrice_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"zero":          `{"price":"0"}`,
		"negative":      `{"price":"-5"}`,
		"too precise":   `{"price":"1000.505"}`,
		"not a number":  `{"price":"abc"}`,
		"negative seq":  `{"price":"1","sequence":-1}`,
		"missing price": `{"source":"x"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ingestion.ParsePrice([]byte(body)); err == nil {
				t.Errorf("expected error for %s", body)
			}
		})
	}

	_, err := ingestion.ParsePrice([]byte(`{"price":"0"}`))
	if !errors.Is(err, state.ErrInvalidPrice) {
		t.Errorf("zero price: got %v, want ErrInvalidPrice", err)
	}
}

func TestParseFunds(t *testing.T) {
	cmd, err := ingestion.ParseFunds(mustJSON(t, map[string]interface{}{
		"request_id": "dep-77",
		"trader":     "alice",
		"amount":     "12.5",
	}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Trader != "alice" || cmd.Amount != 12_500_000 || cmd.RequestID != "dep-77" {
		t.Errorf("got %+v", cmd)
	}
	if !cmd.Timestamp.IsZero() {
		t.Errorf("timestamp should be zero when omitted")
	}

	if _, err := ingestion.ParseFunds([]byte(`{"trader":"","amount":"1"}`)); !errors.Is(err, state.ErrInvalidTrader) {
		t.Errorf("empty trader: got %v", err)
	}
	if _, err := ingestion.ParseFunds([]byte(`{"trader":"bob","amount":"0"}`)); !errors.Is(err, state.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := ingestion.ParseFunds([]byte(`{"trader":"bob","amount":"0.0000001"}`)); err == nil {
		t.Errorf("sub-unit amount should fail")
	}
}

// ============================================================================
// Dispatcher
// ============================================================================

type fakeDelivery struct {
	data      []byte
	streamSeq uint64
	acked     bool
	naked     bool
	termed    bool
}

func (m *fakeDelivery) Subject() string { return "ledger.test" }
func (m *fakeDelivery) Data() []byte    { return m.data }
func (m *fakeDelivery) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{
		Stream:   "TEST",
		Sequence: jetstream.SequencePair{Stream: m.streamSeq},
	}, nil
}
func (m *fakeDelivery) Ack() error  { m.acked = true; return nil }
func (m *fakeDelivery) Nak() error  { m.naked = true; return nil }
func (m *fakeDelivery) Term() error { m.termed = true; return nil }

type sinkCall struct {
	op        string
	requestID string
	trader    state.TraderID
	amount    int64
}

type fakeSink struct {
	mu      sync.Mutex
	calls   []sinkCall
	err     error
	applied bool

	entered chan struct{} // signalled as each call starts, if set
	release chan struct{} // calls wait for it, if set
}

func (s *fakeSink) record(ctx context.Context, op string, trader state.TraderID, amount int64) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{op, core.RequestIDFromContext(ctx), trader, amount})
}

func (s *fakeSink) SetPrice(ctx context.Context, price int64, _ string, _ int64) (bool, error) {
	s.record(ctx, "price", "", price)
	return s.applied, s.err
}

func (s *fakeSink) Deposit(ctx context.Context, trader state.TraderID, amount int64) (int64, error) {
	s.record(ctx, "deposit", trader, amount)
	return amount, s.err
}

func (s *fakeSink) Withdraw(ctx context.Context, trader state.TraderID, amount int64) (int64, error) {
	s.record(ctx, "withdraw", trader, amount)
	return 0, s.err
}

func TestDispatcher_PriceAppliedAndAcked(t *testing.T) {
	sink := &fakeSink{applied: true}
	d := ingestion.NewDispatcher(sink, nil, zerolog.Nop())
	msg := &fakeDelivery{data: []byte(`{"price":"1000"}`), streamSeq: 9}

	if got := d.Handle(context.Background(), ingestion.KindPriceUpdate, msg); got != ingestion.OutcomeApplied {
		t.Fatalf("outcome: got %s", got)
	}
	if !msg.acked {
		t.Error("message not acked")
	}
	if len(sink.calls) != 1 || sink.calls[0].amount != 100_000 {
		t.Fatalf("calls: %+v", sink.calls)
	}
	if sink.calls[0].requestID != "TEST:9" {
		t.Errorf("request id: got %q, want TEST:9", sink.calls[0].requestID)
	}
}

func TestDispatcher_StalePriceAcked(t *testing.T) {
	sink := &fakeSink{applied: false}
	d := ingestion.NewDispatcher(sink, nil, zerolog.Nop())
	msg := &fakeDelivery{data: []byte(`{"price":"1000","source":"a","sequence":3}`)}

	if got := d.Handle(context.Background(), ingestion.KindPriceUpdate, msg); got != ingestion.OutcomeStale {
		t.Fatalf("outcome: got %s", got)
	}
	if !msg.acked {
		t.Error("stale message must be acked")
	}
}

func TestDispatcher_FundsUseProducerRequestID(t *testing.T) {
	sink := &fakeSink{}
	d := ingestion.NewDispatcher(sink, nil, zerolog.Nop())
	msg := &fakeDelivery{data: []byte(`{"request_id":"wd-1","trader":"bob","amount":"3"}`), streamSeq: 4}

	if got := d.Handle(context.Background(), ingestion.KindWithdrawal, msg); got != ingestion.OutcomeApplied {
		t.Fatalf("outcome: got %s", got)
	}
	want := sinkCall{op: "withdraw", requestID: "wd-1", trader: "bob", amount: 3_000_000}
	if len(sink.calls) != 1 || sink.calls[0] != want {
		t.Errorf("calls: %+v", sink.calls)
	}
}

func TestDispatcher_Settlement(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		sinkErr error
		want    ingestion.Outcome
		check   func(*fakeDelivery) bool
	}{
		{"malformed", `{`, nil, ingestion.OutcomeRejected, func(m *fakeDelivery) bool { return m.termed }},
		{"duplicate", `{"trader":"a","amount":"1"}`, core.ErrDuplicateRequest, ingestion.OutcomeDuplicate, func(m *fakeDelivery) bool { return m.acked }},
		{"insufficient", `{"trader":"a","amount":"1"}`, state.ErrInsufficientFunds, ingestion.OutcomeRejected, func(m *fakeDelivery) bool { return m.termed }},
		{"transient", `{"trader":"a","amount":"1"}`, errors.New("db down"), ingestion.OutcomeRetry, func(m *fakeDelivery) bool { return m.naked }},
		{"in flight", `{"trader":"a","amount":"1"}`, core.ErrRequestInFlight, ingestion.OutcomeRetry, func(m *fakeDelivery) bool { return m.naked && !m.acked }},
		{"ledger closed", `{"trader":"a","amount":"1"}`, core.ErrLedgerClosed, ingestion.OutcomeRetry, func(m *fakeDelivery) bool { return m.naked }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := ingestion.NewDispatcher(&fakeSink{err: tc.sinkErr}, nil, zerolog.Nop())
			msg := &fakeDelivery{data: []byte(tc.body)}
			if got := d.Handle(context.Background(), ingestion.KindDeposit, msg); got != tc.want {
				t.Fatalf("outcome: got %s, want %s", got, tc.want)
			}
			if !tc.check(msg) {
				t.Errorf("message settled wrongly: %+v", msg)
			}
		})
	}
}

func TestDispatcher_CloseWaitsForRunningDelivery(t *testing.T) {
	sink := &fakeSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	d := ingestion.NewDispatcher(sink, nil, zerolog.Nop())
	body := []byte(`{"trader":"a","amount":"1"}`)

	handled := make(chan ingestion.Outcome, 1)
	go func() {
		handled <- d.Handle(context.Background(), ingestion.KindDeposit, &fakeDelivery{data: body})
	}()
	<-sink.entered

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a delivery was inside the ledger")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.release)
	if got := <-handled; got != ingestion.OutcomeApplied {
		t.Fatalf("running delivery: got %s, want applied", got)
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the delivery finished")
	}

	late := &fakeDelivery{data: body}
	if got := d.Handle(context.Background(), ingestion.KindDeposit, late); got != ingestion.OutcomeRetry {
		t.Fatalf("late delivery: got %s, want retry", got)
	}
	if !late.naked || late.acked {
		t.Errorf("late delivery settled wrongly: %+v", late)
	}
	if len(sink.calls) != 1 {
		t.Errorf("sink calls: got %d, want 1", len(sink.calls))
	}
}

func TestDispatcher_DrivesRealLedger(t *testing.T) {
	l, err := core.NewLedger(core.Config{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	d := ingestion.NewDispatcher(l, nil, zerolog.Nop())
	ctx := context.Background()

	dep := &fakeDelivery{data: []byte(`{"request_id":"d1","trader":"carol","amount":"50"}`)}
	d.Handle(ctx, ingestion.KindDeposit, dep)
	again := &fakeDelivery{data: dep.data}
	if got := d.Handle(ctx, ingestion.KindDeposit, again); got != ingestion.OutcomeDuplicate {
		t.Errorf("redelivery: got %s, want duplicate", got)
	}
	if bal := l.Balance("carol"); bal != 50_000_000 {
		t.Errorf("balance: got %d, want 50000000", bal)
	}

	d.Handle(ctx, ingestion.KindPriceUpdate, &fakeDelivery{data: []byte(`{"price":"1234.56"}`), streamSeq: 1})
	if got := l.Price().Price; got != 123_456 {
		t.Errorf("price: got %d, want 123456", got)
	}
}

// ============================================================================
// Publisher
// ============================================================================

type fakeJS struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
}

func (f *fakeJS) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, payload)
	return &jetstream.PubAck{}, nil
}

func TestEncodeOutbound(t *testing.T) {
	env, err := event.NewEnvelope(7, "req", time.Unix(0, 0), &event.Deposited{Trader: "dave", Amount: 5, Balance: 5})
	if err != nil {
		t.Fatal(err)
	}
	env.StateHash[0] = 0xab

	subject, data, err := ingestion.EncodeOutbound(core.CoreOutput{Envelope: env})
	if err != nil {
		t.Fatal(err)
	}
	if subject != "ledger.events.deposited" {
		t.Errorf("subject: got %s", subject)
	}

	var got ingestion.PublishedEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Sequence != 7 || got.Trader != "dave" || got.EventType != "Deposited" {
		t.Errorf("decoded: %+v", got)
	}
	if got.StateHash[:2] != "ab" || len(got.StateHash) != 64 {
		t.Errorf("state hash: %s", got.StateHash)
	}
	var payload event.Deposited
	if err := json.Unmarshal(got.Payload, &payload); err != nil || payload.Amount != 5 {
		t.Errorf("payload: %+v %v", payload, err)
	}
}

func TestOutboundPublisher_DrainsChannel(t *testing.T) {
	ch := make(chan core.CoreOutput, 8)
	l, err := core.NewLedger(core.Config{PublishChan: ch, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := l.Deposit(ctx, "erin", 1_000_000); err != nil {
		t.Fatal(err)
	}
	if _, err := l.SetPrice(ctx, 100, "", 0); err != nil {
		t.Fatal(err)
	}
	close(ch)

	js := &fakeJS{}
	if err := ingestion.NewOutboundPublisher(js, ch, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"ledger.events.deposited", "ledger.events.priceupdated"}
	if len(js.subjects) != len(want) {
		t.Fatalf("subjects: got %v", js.subjects)
	}
	for i := range want {
		if js.subjects[i] != want[i] {
			t.Errorf("subject %d: got %s, want %s", i, js.subjects[i], want[i])
		}
	}
}
