package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"MarginLedger/internal/observability"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// ErrDuplicateRequest is returned for a mutating call whose request id was
// already applied.
var ErrDuplicateRequest = errors.New("duplicate request")

// ErrRequestInFlight is returned while another call with the same request id
// is still being applied. Its outcome is not known yet, so callers retry.
var ErrRequestInFlight = errors.New("request in flight")

type requestIDKey struct{}

// WithRequestID attaches a client-supplied request id to ctx. Mutating ledger
// operations use it as their idempotency key.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "" if none.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, op string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU
// in front of the persisted event log. Keys of operations still running are
// held apart in pending until Commit or Release.
type IdempotencyChecker struct {
	mu        sync.Mutex
	pending   map[string]struct{}
	lru       *lru.Cache[string, struct{}]
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewIdempotencyChecker(
	capacity int,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (*IdempotencyChecker, error) {
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency lru: %w", err)
	}
	return &IdempotencyChecker{
		pending:   make(map[string]struct{}),
		lru:       cache,
		dbChecker: dbChecker,
		metrics:   metrics,
		log:       log,
	}, nil
}

func compositeKey(op, key string) string {
	return op + ":" + key
}

// Reserve claims (op, key). It fails with ErrDuplicateRequest if the pair was
// already applied and with ErrRequestInFlight if another call holds it. A
// reservation must end with Commit once the operation applied, or Release.
func (ic *IdempotencyChecker) Reserve(ctx context.Context, op, key string) error {
	ck := compositeKey(op, key)

	ic.mu.Lock()
	if ic.lru.Contains(ck) {
		ic.mu.Unlock()
		ic.recordDuplicate(op, "lru")
		return fmt.Errorf("%s %q: %w", op, key, ErrDuplicateRequest)
	}
	if _, ok := ic.pending[ck]; ok {
		ic.mu.Unlock()
		ic.recordDuplicate(op, "in_flight")
		return fmt.Errorf("%s %q: %w", op, key, ErrRequestInFlight)
	}
	ic.pending[ck] = struct{}{}
	ic.mu.Unlock()

	// Tier 2: cold path
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(ctx, op, key)
		if err != nil {
			// Conservative: a DB issue must not block processing.
			ic.log.Warn().Err(err).Str("op", op).Str("key", key).Msg("tier-2 dedup lookup failed")
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
		} else if isDup {
			ic.Commit(op, key)
			ic.recordDuplicate(op, "postgres")
			return fmt.Errorf("%s %q: %w", op, key, ErrDuplicateRequest)
		}
	}
	return nil
}

// Commit marks a reserved (op, key) as applied.
func (ic *IdempotencyChecker) Commit(op, key string) {
	ck := compositeKey(op, key)
	ic.mu.Lock()
	delete(ic.pending, ck)
	ic.lru.Add(ck, struct{}{})
	ic.mu.Unlock()
	ic.updateSize()
}

// Release drops a reservation whose operation did not apply.
func (ic *IdempotencyChecker) Release(op, key string) {
	ic.mu.Lock()
	delete(ic.pending, compositeKey(op, key))
	ic.mu.Unlock()
}

// Warm loads recently applied (op, key) pairs, e.g. from a restored snapshot.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.lru.Add(k, struct{}{})
	}
	ic.updateSize()
}

// Keys returns the cached composite keys, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}

func (ic *IdempotencyChecker) recordDuplicate(op, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(op, tier).Inc()
	}
}

func (ic *IdempotencyChecker) updateSize() {
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Len()))
	}
}
