package server

import (
	"context"
	"encoding/hex"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/query"
	"MarginLedger/internal/state"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const AdminServiceName = "marginledger.v1.AdminService"

// AuditStore is the read side over the persisted event log.
type AuditStore interface {
	GetBalances(ctx context.Context, trader state.TraderID) (*query.BalanceResponse, error)
	GetJournalHistory(ctx context.Context, trader state.TraderID, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// SnapshotTaker stores a snapshot on demand and returns its sequence.
type SnapshotTaker interface {
	SaveNow(ctx context.Context) (int64, error)
}

// SequenceSource reports the highest persisted sequence.
type SequenceSource interface {
	GetLatestSequence(ctx context.Context) (int64, error)
}

// AdminServer is the AdminService contract.
type AdminServer interface {
	GetJournal(context.Context, *JournalRequest) (*JournalReply, error)
	GetPersistedBalances(context.Context, *TraderRequest) (*query.BalanceResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfoReply, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotReply, error)
}

var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(AdminServiceName, "GetJournal", AdminServer.GetJournal),
		unary(AdminServiceName, "GetPersistedBalances", AdminServer.GetPersistedBalances),
		unary(AdminServiceName, "VerifyIntegrity", AdminServer.VerifyIntegrity),
		unary(AdminServiceName, "GetEventLogInfo", AdminServer.GetEventLogInfo),
		unary(AdminServiceName, "TakeSnapshot", AdminServer.TakeSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marginledger/v1/admin.json",
}

// AdminDeps are the optional persistence-backed collaborators. Any of them
// may be nil when Postgres is disabled; the matching calls then fail with
// Unavailable.
type AdminDeps struct {
	Ledger    *core.Ledger
	Audit     AuditStore
	Snapshots SnapshotTaker
	EventLog  SequenceSource
	StartTime time.Time
}

type adminService struct {
	deps AdminDeps
}

func NewAdminService(deps AdminDeps) AdminServer {
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	return &adminService{deps: deps}
}

var errNoPersistence = status.Error(codes.Unavailable, "persistence is disabled")

func (s *adminService) GetJournal(ctx context.Context, req *JournalRequest) (*JournalReply, error) {
	if s.deps.Audit == nil {
		return nil, errNoPersistence
	}
	trader, err := parseTrader(req.Trader)
	if err != nil {
		return nil, err
	}
	if req.Limit < 0 || req.BeforeSequence < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit and before_sequence must not be negative")
	}

	var before *int64
	if req.BeforeSequence > 0 {
		before = &req.BeforeSequence
	}
	entries, err := s.deps.Audit.GetJournalHistory(ctx, trader, req.Limit, before)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get journals: %v", err)
	}
	if entries == nil {
		entries = []query.JournalHistoryEntry{}
	}
	return &JournalReply{Trader: trader.String(), Entries: entries}, nil
}

func (s *adminService) GetPersistedBalances(ctx context.Context, req *TraderRequest) (*query.BalanceResponse, error) {
	if s.deps.Audit == nil {
		return nil, errNoPersistence
	}
	trader, err := parseTrader(req.Trader)
	if err != nil {
		return nil, err
	}
	resp, err := s.deps.Audit.GetBalances(ctx, trader)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get balances: %v", err)
	}
	return resp, nil
}

func (s *adminService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if s.deps.Audit == nil {
		return nil, errNoPersistence
	}
	report, err := s.deps.Audit.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (s *adminService) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoReply, error) {
	hash := s.deps.Ledger.StateHash()
	reply := &EventLogInfoReply{
		LedgerSequence:    s.deps.Ledger.Sequence(),
		PersistedSequence: -1,
		StateHash:         hex.EncodeToString(hash[:]),
		Uptime:            time.Since(s.deps.StartTime).Round(time.Second).String(),
	}
	if s.deps.EventLog != nil {
		latest, err := s.deps.EventLog.GetLatestSequence(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
		}
		reply.PersistedSequence = latest
	}
	return reply, nil
}

func (s *adminService) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotReply, error) {
	if s.deps.Snapshots == nil {
		return nil, errNoPersistence
	}
	seq, err := s.deps.Snapshots.SaveNow(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "take snapshot: %v", err)
	}
	return &SnapshotReply{Sequence: seq}, nil
}
