package core

import (
	"context"
	"errors"
	"time"

	"MarginLedger/internal/observability"
	"MarginLedger/internal/state"

	"github.com/rs/zerolog"
)

// Sweeper periodically runs CheckLiquidation for every open position using
// the ledger's configured maintenance margin ratio.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewSweeper(l *Ledger, interval time.Duration, metrics *observability.Metrics, log zerolog.Logger) *Sweeper {
	return &Sweeper{ledger: l, interval: interval, metrics: metrics, log: log}
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Checked    int
	Liquidated []state.TraderID
	Errors     int
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Int64("ratio", s.ledger.MaintenanceMarginRatio()).Msg("liquidation sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("liquidation sweeper stopped")
			return
		case <-ticker.C:
			res := s.SweepOnce(ctx)
			if len(res.Liquidated) > 0 || res.Errors > 0 {
				s.log.Info().
					Int("checked", res.Checked).
					Int("liquidated", len(res.Liquidated)).
					Int("errors", res.Errors).
					Msg("sweep complete")
			}
		}
	}
}

// SweepOnce checks each open position once. A failure on one identity is
// logged and the sweep moves on; a missing price ends the pass early since
// no position can be evaluated without one.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	start := time.Now()
	var res SweepResult

	ratio := s.ledger.MaintenanceMarginRatio()
	for _, trader := range s.ledger.OpenTraders() {
		if ctx.Err() != nil {
			break
		}

		out, err := s.ledger.CheckLiquidation(ctx, trader, ratio)
		res.Checked++

		if errors.Is(err, state.ErrNoPrice) {
			s.log.Warn().Msg("sweep skipped: no oracle price")
			res.Errors++
			break
		}
		if err != nil {
			s.log.Error().Err(err).Str("trader", trader.String()).Msg("liquidation check failed")
			res.Errors++
			continue
		}
		if out.Outcome == state.OutcomeLiquidated {
			res.Liquidated = append(res.Liquidated, trader)
		}
	}

	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	return res
}
