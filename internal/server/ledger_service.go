package server

import (
	"context"
	"errors"
	"fmt"

	"MarginLedger/internal/core"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const LedgerServiceName = "marginledger.v1.LedgerService"

// LedgerServer is the LedgerService contract.
type LedgerServer interface {
	Deposit(context.Context, *FundsRequest) (*BalanceReply, error)
	Withdraw(context.Context, *FundsRequest) (*BalanceReply, error)
	GetBalance(context.Context, *TraderRequest) (*BalanceReply, error)
	SetPrice(context.Context, *SetPriceRequest) (*SetPriceReply, error)
	GetPrice(context.Context, *Empty) (*PriceReply, error)
	OpenPosition(context.Context, *OpenPositionRequest) (*PositionReply, error)
	ClosePosition(context.Context, *TraderRequest) (*SettlementReply, error)
	GetPosition(context.Context, *TraderRequest) (*PositionReply, error)
	CheckLiquidation(context.Context, *CheckLiquidationRequest) (*LiquidationReply, error)
	GetHistory(context.Context, *HistoryRequest) (*HistoryReply, error)
}

// LedgerServiceDesc is registered in place of generated stubs; messages use
// the json codec.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: LedgerServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(LedgerServiceName, "Deposit", LedgerServer.Deposit),
		unary(LedgerServiceName, "Withdraw", LedgerServer.Withdraw),
		unary(LedgerServiceName, "GetBalance", LedgerServer.GetBalance),
		unary(LedgerServiceName, "SetPrice", LedgerServer.SetPrice),
		unary(LedgerServiceName, "GetPrice", LedgerServer.GetPrice),
		unary(LedgerServiceName, "OpenPosition", LedgerServer.OpenPosition),
		unary(LedgerServiceName, "ClosePosition", LedgerServer.ClosePosition),
		unary(LedgerServiceName, "GetPosition", LedgerServer.GetPosition),
		unary(LedgerServiceName, "CheckLiquidation", LedgerServer.CheckLiquidation),
		unary(LedgerServiceName, "GetHistory", LedgerServer.GetHistory),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marginledger/v1/ledger.json",
}

// unary adapts a typed method to grpc.MethodDesc, running the server's
// interceptor chain like generated code does.
func unary[S any, Req any, Resp any](service, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ledgerService serves LedgerService from the in-memory ledger. Every
// read and write goes to core.Ledger, never to Postgres.
type ledgerService struct {
	ledger *core.Ledger
}

func NewLedgerService(l *core.Ledger) LedgerServer {
	return &ledgerService{ledger: l}
}

func (s *ledgerService) Deposit(ctx context.Context, req *FundsRequest) (*BalanceReply, error) {
	trader, amount, err := parseFunds(req)
	if err != nil {
		return nil, err
	}
	bal, err := s.ledger.Deposit(ctx, trader, amount)
	if err != nil {
		return nil, statusFromError(err)
	}
	return &BalanceReply{Trader: trader.String(), Balance: fpmath.FormatQuote(bal)}, nil
}

func (s *ledgerService) Withdraw(ctx context.Context, req *FundsRequest) (*BalanceReply, error) {
	trader, amount, err := parseFunds(req)
	if err != nil {
		return nil, err
	}
	bal, err := s.ledger.Withdraw(ctx, trader, amount)
	if err != nil {
		return nil, statusFromError(err)
	}
	return &BalanceReply{Trader: trader.String(), Balance: fpmath.FormatQuote(bal)}, nil
}

func (s *ledgerService) GetBalance(ctx context.Context, req *TraderRequest) (*BalanceReply, error) {
	trader, err := parseTrader(req.Trader)
	if err != nil {
		return nil, err
	}
	return &BalanceReply{Trader: trader.String(), Balance: fpmath.FormatQuote(s.ledger.Balance(trader))}, nil
}

func (s *ledgerService) SetPrice(ctx context.Context, req *SetPriceRequest) (*SetPriceReply, error) {
	price, err := fpmath.ParsePrice(req.Price)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid price: %v", err)
	}
	if req.SourceSequence < 0 {
		return nil, status.Error(codes.InvalidArgument, "source_sequence must not be negative")
	}
	applied, err := s.ledger.SetPrice(ctx, price, req.Source, req.SourceSequence)
	if err != nil {
		return nil, statusFromError(err)
	}
	mp := s.ledger.Price()
	return &SetPriceReply{Applied: applied, Price: fpmath.FormatPrice(mp.Price), Version: mp.Version}, nil
}

func (s *ledgerService) GetPrice(ctx context.Context, _ *Empty) (*PriceReply, error) {
	return priceReply(s.ledger.Price()), nil
}

func (s *ledgerService) OpenPosition(ctx context.Context, req *OpenPositionRequest) (*PositionReply, error) {
	trader, err := parseTrader(req.Trader)
	if err != nil {
		return nil, err
	}
	margin, err := fpmath.ParseQuote(req.Margin)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid margin: %v", err)
	}
	dir, err := state.ParseDirection(req.Direction)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	leverage, err := fpmath.ParseLeverage(req.Leverage)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid leverage: %v", err)
	}

	pos, err := s.ledger.OpenPosition(ctx, trader, margin, dir, leverage)
	if err != nil {
		return nil, statusFromError(err)
	}
	return positionReply(pos), nil
}

func (s *ledgerService) ClosePosition(ctx context.Context, req *TraderRequest) (*SettlementReply, error) {
	trader, err := parseTrader(req.Trader)
	if err != nil {
		return nil, err
	}
	st, err := s.ledger.ClosePosition(ctx, trader)
	if err != nil {
		return nil, statusFromError(err)
	}
	reply := settlementReply(st)
	return &reply, nil
}

func (s *ledgerService) GetPosition(ctx context.Context, req *TraderRequest) (*PositionReply, error) {
	trader, err := parseTrader(req.Trader)
	if err != nil {
		return nil, err
	}
	pos, err := s.ledger.Position(trader)
	if err != nil {
		return nil, statusFromError(err)
	}
	return positionReply(pos), nil
}

func (s *ledgerService) CheckLiquidation(ctx context.Context, req *CheckLiquidationRequest) (*LiquidationReply, error) {
	trader, err := parseTrader(req.Trader)
	if err != nil {
		return nil, err
	}
	ratio := s.ledger.MaintenanceMarginRatio()
	if req.MaintenanceMarginRatio != "" {
		ratio, err = fpmath.ParseRatio(req.MaintenanceMarginRatio)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid maintenance_margin_ratio: %v", err)
		}
	}
	res, err := s.ledger.CheckLiquidation(ctx, trader, ratio)
	if err != nil {
		return nil, statusFromError(err)
	}
	return liquidationReply(res), nil
}

func (s *ledgerService) GetHistory(ctx context.Context, req *HistoryRequest) (*HistoryReply, error) {
	trader, err := parseTrader(req.Trader)
	if err != nil {
		return nil, err
	}
	if req.Limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit must not be negative")
	}
	reply := &HistoryReply{Trader: trader.String(), Settlements: []SettlementReply{}}
	for _, st := range s.ledger.History(trader, req.Limit) {
		reply.Settlements = append(reply.Settlements, settlementReply(st))
	}
	return reply, nil
}

// ============================================================================
// Helpers
// ============================================================================

func parseTrader(s string) (state.TraderID, error) {
	trader, err := state.ParseTraderID(s)
	if err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	return trader, nil
}

func parseFunds(req *FundsRequest) (state.TraderID, int64, error) {
	trader, err := parseTrader(req.Trader)
	if err != nil {
		return "", 0, err
	}
	amount, err := fpmath.ParseQuote(req.Amount)
	if err != nil {
		return "", 0, status.Errorf(codes.InvalidArgument, "invalid amount: %v", err)
	}
	return trader, amount, nil
}

// statusFromError maps ledger sentinel errors to gRPC codes.
func statusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, state.ErrInvalidAmount),
		errors.Is(err, state.ErrInvalidPrice),
		errors.Is(err, state.ErrInvalidRatio),
		errors.Is(err, state.ErrInvalidTrader):
		code = codes.InvalidArgument
	case errors.Is(err, state.ErrInsufficientFunds),
		errors.Is(err, state.ErrNoPrice):
		code = codes.FailedPrecondition
	case errors.Is(err, state.ErrNoOpenPosition):
		code = codes.NotFound
	case errors.Is(err, state.ErrPositionAlreadyOpen),
		errors.Is(err, core.ErrDuplicateRequest):
		code = codes.AlreadyExists
	case errors.Is(err, core.ErrRequestInFlight):
		code = codes.Aborted
	case errors.Is(err, core.ErrLedgerClosed):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		return status.Error(codes.Internal, fmt.Sprintf("internal: %v", err))
	}
	return status.Error(code, err.Error())
}
