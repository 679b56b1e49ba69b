package persistence

import (
	"context"
	"fmt"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/observability"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

// Recover rebuilds l from the latest verified snapshot plus every event logged
// after it. With no snapshot it replays the whole log from genesis. It
// returns the number of events replayed.
func Recover(ctx context.Context, l *core.Ledger, sm *SnapshotManager, log zerolog.Logger) (int, error) {
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap != nil {
		cs, err := snap.ToCore()
		if err != nil {
			return 0, fmt.Errorf("decode snapshot: %w", err)
		}
		if err := l.Restore(cs); err != nil {
			return 0, fmt.Errorf("restore snapshot seq %d: %w", snap.Sequence, err)
		}
	} else {
		log.Info().Msg("no verified snapshot, replaying from genesis")
	}

	replayed := 0
	for {
		rows, err := sm.LoadEventsFrom(ctx, l.Sequence(), replayPageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", l.Sequence(), err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return replayed, err
			}
			if err := l.Replay(env); err != nil {
				return replayed, err
			}
			replayed++
		}
	}

	log.Info().Int("replayed", replayed).Int64("next_sequence", l.Sequence()).Msg("recovery complete")
	return replayed, nil
}

// Snapshotter periodically saves ledger snapshots and marks them verified
// once the events before them are durable.
type Snapshotter struct {
	ledger   *core.Ledger
	manager  *SnapshotManager
	interval time.Duration
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewSnapshotter(l *core.Ledger, sm *SnapshotManager, interval time.Duration, metrics *observability.Metrics, log zerolog.Logger) *Snapshotter {
	return &Snapshotter{ledger: l, manager: sm, interval: interval, metrics: metrics, log: log}
}

// Run snapshots every interval until ctx is done, then takes a final one.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := s.SaveNow(shutdownCtx); err != nil {
				s.log.Error().Err(err).Msg("shutdown snapshot failed")
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := s.SaveNow(ctx); err != nil {
				s.log.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// SaveNow takes and stores one snapshot, then verifies what it can. It
// returns the snapshot's sequence.
func (s *Snapshotter) SaveNow(ctx context.Context) (int64, error) {
	start := time.Now()
	data := FromCore(s.ledger.Snapshot())

	size, err := s.manager.SaveSnapshot(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("save snapshot seq %d: %w", data.Sequence, err)
	}
	verified, err := s.manager.VerifyDurable(ctx)
	if err != nil {
		return 0, fmt.Errorf("verify snapshots: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	}
	s.log.Debug().Int64("sequence", data.Sequence).Int("bytes", size).Int64("verified", verified).Msg("snapshot saved")
	return data.Sequence, nil
}
