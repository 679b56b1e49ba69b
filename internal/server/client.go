package server

import (
	"context"

	"MarginLedger/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// LedgerClient calls LedgerService and AdminService over a connection,
// using the json codec.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

// WithRequestID attaches an idempotency key to an outgoing call.
func WithRequestID(ctx context.Context, id string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, RequestIDHeader, id)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, service, method string, in interface{}, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+service+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) Deposit(ctx context.Context, in *FundsRequest, opts ...grpc.CallOption) (*BalanceReply, error) {
	return invoke[BalanceReply](ctx, c.cc, LedgerServiceName, "Deposit", in, opts...)
}

func (c *LedgerClient) Withdraw(ctx context.Context, in *FundsRequest, opts ...grpc.CallOption) (*BalanceReply, error) {
	return invoke[BalanceReply](ctx, c.cc, LedgerServiceName, "Withdraw", in, opts...)
}

func (c *LedgerClient) GetBalance(ctx context.Context, in *TraderRequest, opts ...grpc.CallOption) (*BalanceReply, error) {
	return invoke[BalanceReply](ctx, c.cc, LedgerServiceName, "GetBalance", in, opts...)
}

func (c *LedgerClient) SetPrice(ctx context.Context, in *SetPriceRequest, opts ...grpc.CallOption) (*SetPriceReply, error) {
	return invoke[SetPriceReply](ctx, c.cc, LedgerServiceName, "SetPrice", in, opts...)
}

func (c *LedgerClient) GetPrice(ctx context.Context, opts ...grpc.CallOption) (*PriceReply, error) {
	return invoke[PriceReply](ctx, c.cc, LedgerServiceName, "GetPrice", &Empty{}, opts...)
}

func (c *LedgerClient) OpenPosition(ctx context.Context, in *OpenPositionRequest, opts ...grpc.CallOption) (*PositionReply, error) {
	return invoke[PositionReply](ctx, c.cc, LedgerServiceName, "OpenPosition", in, opts...)
}

func (c *LedgerClient) ClosePosition(ctx context.Context, in *TraderRequest, opts ...grpc.CallOption) (*SettlementReply, error) {
	return invoke[SettlementReply](ctx, c.cc, LedgerServiceName, "ClosePosition", in, opts...)
}

func (c *LedgerClient) GetPosition(ctx context.Context, in *TraderRequest, opts ...grpc.CallOption) (*PositionReply, error) {
	return invoke[PositionReply](ctx, c.cc, LedgerServiceName, "GetPosition", in, opts...)
}

func (c *LedgerClient) CheckLiquidation(ctx context.Context, in *CheckLiquidationRequest, opts ...grpc.CallOption) (*LiquidationReply, error) {
	return invoke[LiquidationReply](ctx, c.cc, LedgerServiceName, "CheckLiquidation", in, opts...)
}

func (c *LedgerClient) GetHistory(ctx context.Context, in *HistoryRequest, opts ...grpc.CallOption) (*HistoryReply, error) {
	return invoke[HistoryReply](ctx, c.cc, LedgerServiceName, "GetHistory", in, opts...)
}

func (c *LedgerClient) GetJournal(ctx context.Context, in *JournalRequest, opts ...grpc.CallOption) (*JournalReply, error) {
	return invoke[JournalReply](ctx, c.cc, AdminServiceName, "GetJournal", in, opts...)
}

func (c *LedgerClient) VerifyIntegrity(ctx context.Context, opts ...grpc.CallOption) (*query.IntegrityReport, error) {
	return invoke[query.IntegrityReport](ctx, c.cc, AdminServiceName, "VerifyIntegrity", &Empty{}, opts...)
}

func (c *LedgerClient) GetEventLogInfo(ctx context.Context, opts ...grpc.CallOption) (*EventLogInfoReply, error) {
	return invoke[EventLogInfoReply](ctx, c.cc, AdminServiceName, "GetEventLogInfo", &Empty{}, opts...)
}

func (c *LedgerClient) TakeSnapshot(ctx context.Context, opts ...grpc.CallOption) (*SnapshotReply, error) {
	return invoke[SnapshotReply](ctx, c.cc, AdminServiceName, "TakeSnapshot", &Empty{}, opts...)
}
