package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxBodyBytes caps request bodies on the gateway.
const maxBodyBytes = 1 << 16

type observeFunc func(method string, code codes.Code, start time.Time)

// bindFunc fills a request from the HTTP body, path and query.
type bindFunc[Req any] func(r *http.Request, params map[string]string, req *Req) error

// newGatewayHandler routes /v1 paths straight to the service
// implementations; there is no loopback gRPC hop.
func newGatewayHandler(
	ledger LedgerServer,
	admin AdminServer,
	hc *observability.HealthChecker,
	observe observeFunc,
) (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/traders/{trader}/deposits", handle(observe, "Deposit", bindTraderBody[FundsRequest](func(r *FundsRequest, t string) { r.Trader = t }), ledger.Deposit)},
		{http.MethodPost, "/v1/traders/{trader}/withdrawals", handle(observe, "Withdraw", bindTraderBody[FundsRequest](func(r *FundsRequest, t string) { r.Trader = t }), ledger.Withdraw)},
		{http.MethodGet, "/v1/traders/{trader}/balance", handle(observe, "GetBalance", bindTrader, ledger.GetBalance)},
		{http.MethodPost, "/v1/price", handle(observe, "SetPrice", bindBody[SetPriceRequest], ledger.SetPrice)},
		{http.MethodGet, "/v1/price", handle(observe, "GetPrice", bindNothing, ledger.GetPrice)},
		{http.MethodPost, "/v1/traders/{trader}/position", handle(observe, "OpenPosition", bindTraderBody[OpenPositionRequest](func(r *OpenPositionRequest, t string) { r.Trader = t }), ledger.OpenPosition)},
		{http.MethodDelete, "/v1/traders/{trader}/position", handle(observe, "ClosePosition", bindTrader, ledger.ClosePosition)},
		{http.MethodGet, "/v1/traders/{trader}/position", handle(observe, "GetPosition", bindTrader, ledger.GetPosition)},
		{http.MethodPost, "/v1/traders/{trader}/liquidation", handle(observe, "CheckLiquidation", bindTraderBody[CheckLiquidationRequest](func(r *CheckLiquidationRequest, t string) { r.Trader = t }), ledger.CheckLiquidation)},
		{http.MethodGet, "/v1/traders/{trader}/history", handle(observe, "GetHistory", bindHistory, ledger.GetHistory)},

		{http.MethodGet, "/v1/admin/traders/{trader}/journal", handle(observe, "GetJournal", bindJournal, admin.GetJournal)},
		{http.MethodGet, "/v1/admin/traders/{trader}/balances", handle(observe, "GetPersistedBalances", bindTrader, admin.GetPersistedBalances)},
		{http.MethodGet, "/v1/admin/integrity", handle(observe, "VerifyIntegrity", bindNothing, admin.VerifyIntegrity)},
		{http.MethodGet, "/v1/admin/eventlog", handle(observe, "GetEventLogInfo", bindNothing, admin.GetEventLogInfo)},
		{http.MethodPost, "/v1/admin/snapshots", handle(observe, "TakeSnapshot", bindNothing, admin.TakeSnapshot)},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("route %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	// Health endpoints
	httpMux := http.NewServeMux()
	if hc != nil {
		httpMux.HandleFunc("/healthz", hc.LivenessHandler)
		httpMux.HandleFunc("/readyz", hc.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// handle binds the request, calls the service method and writes the reply
// or the status error as JSON.
func handle[Req any, Resp any](
	observe observeFunc,
	method string,
	bind bindFunc[Req],
	call func(context.Context, *Req) (*Resp, error),
) runtime.HandlerFunc {
	name := "http." + method
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()

		req := new(Req)
		if err := bind(r, params, req); err != nil {
			st := status.New(codes.InvalidArgument, err.Error())
			observe(name, st.Code(), start)
			writeStatus(w, st)
			return
		}

		ctx := r.Context()
		if id := r.Header.Get(RequestIDHeader); id != "" {
			ctx = core.WithRequestID(ctx, id)
		}

		resp, err := call(ctx, req)
		if err != nil {
			st := status.Convert(err)
			observe(name, st.Code(), start)
			writeStatus(w, st)
			return
		}
		observe(name, codes.OK, start)
		writeJSON(w, http.StatusOK, resp)
	}
}

// ============================================================================
// Binders
// ============================================================================

func bindNothing(*http.Request, map[string]string, *Empty) error { return nil }

func bindBody[Req any](r *http.Request, _ map[string]string, req *Req) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// bindTraderBody decodes the body, then takes the trader from the path.
func bindTraderBody[Req any](setTrader func(*Req, string)) bindFunc[Req] {
	return func(r *http.Request, params map[string]string, req *Req) error {
		if err := bindBody(r, params, req); err != nil {
			return err
		}
		setTrader(req, params["trader"])
		return nil
	}
}

func bindTrader(_ *http.Request, params map[string]string, req *TraderRequest) error {
	req.Trader = params["trader"]
	return nil
}

func bindHistory(r *http.Request, params map[string]string, req *HistoryRequest) error {
	req.Trader = params["trader"]
	limit, err := queryInt(r, "limit")
	if err != nil {
		return err
	}
	req.Limit = int(limit)
	return nil
}

func bindJournal(r *http.Request, params map[string]string, req *JournalRequest) error {
	req.Trader = params["trader"]
	limit, err := queryInt(r, "limit")
	if err != nil {
		return err
	}
	before, err := queryInt(r, "before_sequence")
	if err != nil {
		return err
	}
	req.Limit = int(limit)
	req.BeforeSequence = before
	return nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

// ============================================================================
// Responses
// ============================================================================

type errorBody struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeStatus(w http.ResponseWriter, st *status.Status) {
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    int(st.Code()),
		Status:  st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, httpStatus int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(v)
}
