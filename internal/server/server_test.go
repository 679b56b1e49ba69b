package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/query"
	"MarginLedger/internal/server"
	"MarginLedger/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeAudit struct {
	report  *query.IntegrityReport
	entries []query.JournalHistoryEntry
	before  *int64
}

func (f *fakeAudit) GetBalances(_ context.Context, trader state.TraderID) (*query.BalanceResponse, error) {
	return &query.BalanceResponse{Trader: trader.String()}, nil
}

func (f *fakeAudit) GetJournalHistory(_ context.Context, _ state.TraderID, _ int, before *int64) ([]query.JournalHistoryEntry, error) {
	f.before = before
	return f.entries, nil
}

func (f *fakeAudit) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return f.report, nil
}

type fakeSnapshots struct{ calls int }

func (f *fakeSnapshots) SaveNow(context.Context) (int64, error) {
	f.calls++
	return 42, nil
}

type harness struct {
	srv     *server.GRPCServer
	client  *server.LedgerClient
	conn    *grpc.ClientConn
	ledger  *core.Ledger
	metrics *observability.Metrics
	health  *observability.HealthChecker
}

func newHarness(t *testing.T, admin server.AdminDeps) *harness {
	t.Helper()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	l, err := core.NewLedger(core.Config{Metrics: metrics, Logger: zerolog.Nop()})
	require.NoError(t, err)

	hc := observability.NewHealthChecker()
	srv, err := server.NewGRPCServer("", "", &server.ServerDeps{
		Ledger:        l,
		Admin:         admin,
		HealthChecker: hc,
		Metrics:       metrics,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &harness{
		srv:     srv,
		client:  server.NewLedgerClient(conn),
		conn:    conn,
		ledger:  l,
		metrics: metrics,
		health:  hc,
	}
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, status.Code(err), "error: %v", err)
}

// ============================================================================
// gRPC
// ============================================================================

func TestGRPC_PositionLifecycle(t *testing.T) {
	h := newHarness(t, server.AdminDeps{})
	ctx := context.Background()

	bal, err := h.client.Deposit(ctx, &server.FundsRequest{Trader: "alice", Amount: "100"})
	require.NoError(t, err)
	assert.Equal(t, "100.000000", bal.Balance)

	price, err := h.client.GetPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.00", price.Price)

	set, err := h.client.SetPrice(ctx, &server.SetPriceRequest{Price: "1000"})
	require.NoError(t, err)
	assert.True(t, set.Applied)
	assert.Equal(t, "1000.00", set.Price)

	pos, err := h.client.OpenPosition(ctx, &server.OpenPositionRequest{
		Trader: "alice", Margin: "50", Direction: "long", Leverage: "2",
	})
	require.NoError(t, err)
	assert.Equal(t, "100.000000", pos.Size)
	assert.Equal(t, "1000.00", pos.EntryPrice)
	assert.Equal(t, "long", pos.Direction)

	bal, err = h.client.GetBalance(ctx, &server.TraderRequest{Trader: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "50.000000", bal.Balance)

	got, err := h.client.GetPosition(ctx, &server.TraderRequest{Trader: "alice"})
	require.NoError(t, err)
	assert.Equal(t, pos.PositionID, got.PositionID)

	_, err = h.client.SetPrice(ctx, &server.SetPriceRequest{Price: "1100"})
	require.NoError(t, err)

	st, err := h.client.ClosePosition(ctx, &server.TraderRequest{Trader: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "10.000000", st.PnL)
	assert.Equal(t, "60.000000", st.Returned)
	assert.False(t, st.Liquidated)

	_, err = h.client.GetPosition(ctx, &server.TraderRequest{Trader: "alice"})
	requireCode(t, err, codes.NotFound)

	hist, err := h.client.GetHistory(ctx, &server.HistoryRequest{Trader: "alice"})
	require.NoError(t, err)
	require.Len(t, hist.Settlements, 1)
	assert.Equal(t, "1100.00", hist.Settlements[0].ExitPrice)

	bal, err = h.client.Withdraw(ctx, &server.FundsRequest{Trader: "alice", Amount: "110"})
	require.NoError(t, err)
	assert.Equal(t, "0.000000", bal.Balance)

	assert.Equal(t, float64(1), promtest.ToFloat64(h.metrics.RequestCount.WithLabelValues("Deposit", "OK")))
}

func TestGRPC_ErrorCodes(t *testing.T) {
	h := newHarness(t, server.AdminDeps{})
	ctx := context.Background()

	_, err := h.client.Deposit(ctx, &server.FundsRequest{Trader: "alice", Amount: "abc"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.Deposit(ctx, &server.FundsRequest{Trader: "alice", Amount: "-1"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.Deposit(ctx, &server.FundsRequest{Trader: "", Amount: "1"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.Deposit(ctx, &server.FundsRequest{Trader: "alice", Amount: "10"})
	require.NoError(t, err)

	_, err = h.client.Withdraw(ctx, &server.FundsRequest{Trader: "alice", Amount: "11"})
	requireCode(t, err, codes.FailedPrecondition)

	_, err = h.client.OpenPosition(ctx, &server.OpenPositionRequest{Trader: "alice", Margin: "5", Direction: "long", Leverage: "2"})
	requireCode(t, err, codes.FailedPrecondition)

	_, err = h.client.SetPrice(ctx, &server.SetPriceRequest{Price: "0"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.SetPrice(ctx, &server.SetPriceRequest{Price: "1000"})
	require.NoError(t, err)

	_, err = h.client.ClosePosition(ctx, &server.TraderRequest{Trader: "alice"})
	requireCode(t, err, codes.NotFound)

	_, err = h.client.OpenPosition(ctx, &server.OpenPositionRequest{Trader: "alice", Margin: "5", Direction: "up", Leverage: "2"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.OpenPosition(ctx, &server.OpenPositionRequest{Trader: "alice", Margin: "5", Direction: "short", Leverage: "2"})
	require.NoError(t, err)

	_, err = h.client.OpenPosition(ctx, &server.OpenPositionRequest{Trader: "alice", Margin: "1", Direction: "long", Leverage: "2"})
	requireCode(t, err, codes.AlreadyExists)

	_, err = h.client.CheckLiquidation(ctx, &server.CheckLiquidationRequest{Trader: "alice", MaintenanceMarginRatio: "1.5"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.GetHistory(ctx, &server.HistoryRequest{Trader: "alice", Limit: -1})
	requireCode(t, err, codes.InvalidArgument)
}

func TestGRPC_RequestIDDeduplicatesMutations(t *testing.T) {
	h := newHarness(t, server.AdminDeps{})
	ctx := server.WithRequestID(context.Background(), "dep-1")

	_, err := h.client.Deposit(ctx, &server.FundsRequest{Trader: "alice", Amount: "10"})
	require.NoError(t, err)

	_, err = h.client.Deposit(ctx, &server.FundsRequest{Trader: "alice", Amount: "10"})
	requireCode(t, err, codes.AlreadyExists)

	// Keys are scoped per operation.
	_, err = h.client.Withdraw(ctx, &server.FundsRequest{Trader: "alice", Amount: "1"})
	require.NoError(t, err)

	assert.Equal(t, int64(9_000_000), h.ledger.Balance("alice"))
}

func TestGRPC_CheckLiquidation(t *testing.T) {
	h := newHarness(t, server.AdminDeps{})
	ctx := context.Background()

	_, err := h.client.Deposit(ctx, &server.FundsRequest{Trader: "alice", Amount: "100"})
	require.NoError(t, err)
	_, err = h.client.SetPrice(ctx, &server.SetPriceRequest{Price: "1000"})
	require.NoError(t, err)
	_, err = h.client.OpenPosition(ctx, &server.OpenPositionRequest{Trader: "alice", Margin: "10", Direction: "long", Leverage: "10"})
	require.NoError(t, err)

	res, err := h.client.CheckLiquidation(ctx, &server.CheckLiquidationRequest{Trader: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "NoPosition", res.Outcome)

	_, err = h.client.SetPrice(ctx, &server.SetPriceRequest{Price: "915"})
	require.NoError(t, err)
	res, err = h.client.CheckLiquidation(ctx, &server.CheckLiquidationRequest{Trader: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "NotLiquidated", res.Outcome)
	assert.Equal(t, "-8.500000", res.PnL)
	assert.Equal(t, "9.000000", res.Threshold)
	assert.Nil(t, res.Settlement)

	_, err = h.client.SetPrice(ctx, &server.SetPriceRequest{Price: "905"})
	require.NoError(t, err)
	res, err = h.client.CheckLiquidation(ctx, &server.CheckLiquidationRequest{Trader: "alice", MaintenanceMarginRatio: "0.1"})
	require.NoError(t, err)
	assert.Equal(t, "Liquidated", res.Outcome)
	require.NotNil(t, res.Settlement)
	assert.True(t, res.Settlement.Liquidated)
	assert.Equal(t, "0.500000", res.Settlement.Returned)

	bal, err := h.client.GetBalance(ctx, &server.TraderRequest{Trader: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "90.500000", bal.Balance)
}

func TestGRPC_AdminService(t *testing.T) {
	audit := &fakeAudit{
		report:  &query.IntegrityReport{IsHealthy: true, AsOfSequence: 3},
		entries: []query.JournalHistoryEntry{{Sequence: 3, JournalType: "deposit"}},
	}
	snaps := &fakeSnapshots{}
	h := newHarness(t, server.AdminDeps{Audit: audit, Snapshots: snaps})
	ctx := context.Background()

	_, err := h.client.Deposit(ctx, &server.FundsRequest{Trader: "alice", Amount: "1"})
	require.NoError(t, err)

	info, err := h.client.GetEventLogInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.LedgerSequence)
	assert.Equal(t, int64(-1), info.PersistedSequence)
	assert.Len(t, info.StateHash, 64)

	report, err := h.client.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)

	journal, err := h.client.GetJournal(ctx, &server.JournalRequest{Trader: "alice", BeforeSequence: 9})
	require.NoError(t, err)
	require.Len(t, journal.Entries, 1)
	require.NotNil(t, audit.before)
	assert.Equal(t, int64(9), *audit.before)

	snap, err := h.client.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), snap.Sequence)
	assert.Equal(t, 1, snaps.calls)
}

func TestGRPC_AdminUnavailableWithoutPersistence(t *testing.T) {
	h := newHarness(t, server.AdminDeps{})
	ctx := context.Background()

	_, err := h.client.VerifyIntegrity(ctx)
	requireCode(t, err, codes.Unavailable)
	_, err = h.client.TakeSnapshot(ctx)
	requireCode(t, err, codes.Unavailable)
}

func TestGRPC_HealthFollowsReadiness(t *testing.T) {
	h := newHarness(t, server.AdminDeps{})
	ctx := context.Background()
	hc := healthpb.NewHealthClient(h.conn)

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	h.health.SetReady(true)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

// ============================================================================
// HTTP gateway
// ============================================================================

func doJSON(t *testing.T, method, url, body string, header map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHTTP_Routes(t *testing.T) {
	h := newHarness(t, server.AdminDeps{})
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	code, body := doJSON(t, http.MethodPost, ts.URL+"/v1/traders/alice/deposits", `{"amount":"25"}`,
		map[string]string{server.RequestIDHeader: "d1"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "25.000000", body["balance"])
	assert.Equal(t, "alice", body["trader"])

	code, body = doJSON(t, http.MethodPost, ts.URL+"/v1/traders/alice/deposits", `{"amount":"25"}`,
		map[string]string{server.RequestIDHeader: "d1"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "AlreadyExists", body["status"])

	code, body = doJSON(t, http.MethodGet, ts.URL+"/v1/traders/alice/balance", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "25.000000", body["balance"])

	code, body = doJSON(t, http.MethodPost, ts.URL+"/v1/traders/alice/position",
		`{"margin":"10","direction":"short","leverage":"3"}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "FailedPrecondition", body["status"])

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/price", `{"price":"2000.5","source":"feed","source_sequence":1}`, nil)
	require.Equal(t, http.StatusOK, code)

	code, body = doJSON(t, http.MethodGet, ts.URL+"/v1/price", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2000.50", body["price"])

	code, body = doJSON(t, http.MethodPost, ts.URL+"/v1/traders/alice/position",
		`{"margin":"10","direction":"short","leverage":"3"}`, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "30.000000", body["size"])

	code, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/traders/alice/position", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = doJSON(t, http.MethodPost, ts.URL+"/v1/traders/alice/liquidation", `{}`, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "NotLiquidated", body["outcome"])

	code, body = doJSON(t, http.MethodDelete, ts.URL+"/v1/traders/alice/position", "", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "10.000000", body["returned"])

	code, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/traders/alice/position", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = doJSON(t, http.MethodGet, ts.URL+"/v1/traders/alice/history?limit=5", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["settlements"], 1)
}

func TestHTTP_BadRequests(t *testing.T) {
	h := newHarness(t, server.AdminDeps{})
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	code, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/traders/alice/deposits", `{"amount":"1","bogus":true}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/traders/alice/history?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/admin/integrity", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestHTTP_HealthEndpoints(t *testing.T) {
	h := newHarness(t, server.AdminDeps{})
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	code, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])

	code, _ = doJSON(t, http.MethodGet, ts.URL+"/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	h.health.SetReady(true)
	code, _ = doJSON(t, http.MethodGet, ts.URL+"/readyz", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestHTTP_ShutdownWaitsForRunningHandler(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	// A full persist channel parks the deposit inside the ledger.
	persistChan := make(chan core.CoreOutput, 1)
	persistChan <- core.CoreOutput{}
	l, err := core.NewLedger(core.Config{PersistChan: persistChan, Metrics: metrics, Logger: zerolog.Nop()})
	require.NoError(t, err)

	srv, err := server.NewGRPCServer("", "", &server.ServerDeps{Ledger: l, Metrics: metrics, Logger: zerolog.Nop()})
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.ServeGateway(ctx, lis) }()

	responded := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post("http://"+lis.Addr().String()+"/v1/traders/alice/deposits", "application/json", strings.NewReader(`{"amount":"10"}`))
		if err != nil {
			resp = nil
		}
		responded <- resp
	}()
	require.Eventually(t, func() bool { return l.Balance("alice") == 10_000_000 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		t.Fatalf("gateway returned with a handler still inside the ledger: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	<-persistChan
	out := <-persistChan
	assert.Equal(t, int64(0), out.Envelope.Sequence)

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not return after the handler finished")
	}
	resp := <-responded
	require.NotNil(t, resp, "deposit request failed")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var reply server.BalanceReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.Equal(t, "10.000000", reply.Balance)
}

func TestGRPC_ClosedLedgerIsUnavailable(t *testing.T) {
	h := newHarness(t, server.AdminDeps{})
	h.ledger.Close()

	_, err := h.client.Deposit(context.Background(), &server.FundsRequest{Trader: "alice", Amount: "1"})
	requireCode(t, err, codes.Unavailable)

	reply, err := h.client.GetBalance(context.Background(), &server.TraderRequest{Trader: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "0.000000", reply.Balance)
}
