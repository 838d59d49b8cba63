package orders

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fundingbot/exchange"
	"github.com/web3guy0/fundingbot/metrics"
	"github.com/web3guy0/fundingbot/storage"
	"github.com/web3guy0/fundingbot/types"
)

// RollbackError means the hedge's second leg failed AND unwinding the filled
// first leg failed too: the account holds an unhedged position that needs a
// human. Callers must treat this as a critical condition.
type RollbackError struct {
	Symbol      string
	FilledLeg   *exchange.OrderResult
	LegExchange string
	HedgeErr    error
	RollbackErr error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("hedge for %s failed (%v) and rollback of the %s leg failed (%v): unhedged exposure %s",
		e.Symbol, e.HedgeErr, e.LegExchange, e.RollbackErr, e.FilledLeg.Filled.String())
}

func (e *RollbackError) Unwrap() error { return e.HedgeErr }

func opposite(s types.Side) types.Side {
	if s == types.SideBuy {
		return types.SideSell
	}
	return types.SideBuy
}

// PlaceHedgePair opens both legs of a hedge, first leg first. If the second
// leg fails the filled first leg is immediately unwound with a market order
// that skips the depth check. Only when that unwind also fails does the
// account end up exposed; that case returns a *RollbackError and records a
// critical risk event.
func (m *Manager) PlaceHedgePair(ctx context.Context, first, second Request) (*exchange.OrderResult, *exchange.OrderResult, error) {
	resA, err := m.Place(ctx, first)
	if err != nil {
		return nil, nil, fmt.Errorf("first leg: %w", err)
	}

	resB, err := m.Place(ctx, second)
	if err == nil {
		return resA, resB, nil
	}

	log.Warn().
		Str("symbol", second.Symbol).Str("exchange", second.Exchange).Err(err).
		Msg("⚠️ Second hedge leg failed, rolling back first leg")

	rollback := Request{
		Exchange:   first.Exchange,
		Symbol:     first.Symbol,
		Side:       opposite(first.Side),
		Type:       "market",
		Amount:     resA.Filled,
		Price:      first.Price,
		Futures:    first.Futures,
		ReduceOnly: first.Futures,
		CheckDepth: false,
		PositionID: first.PositionID,
		Strategy:   first.Strategy,
	}
	if _, rbErr := m.Place(ctx, rollback); rbErr != nil {
		rerr := &RollbackError{
			Symbol:      first.Symbol,
			FilledLeg:   resA,
			LegExchange: first.Exchange,
			HedgeErr:    err,
			RollbackErr: rbErr,
		}
		m.recordRollbackFailure(first, rerr)
		return resA, nil, rerr
	}

	log.Info().Str("symbol", first.Symbol).Msg("↩️ First leg rolled back")
	return nil, nil, fmt.Errorf("second leg: %w", err)
}

// CloseHedgePair closes both legs sequentially. There is no rollback here:
// re-opening a just-closed leg would only add fees and risk, so a failed
// second close leaves the position half-open and logs at critical level for
// the monitor loop to retry.
func (m *Manager) CloseHedgePair(ctx context.Context, first, second Request) (*exchange.OrderResult, *exchange.OrderResult, error) {
	resA, err := m.Place(ctx, first)
	if err != nil {
		return nil, nil, fmt.Errorf("close first leg: %w", err)
	}

	resB, err := m.Place(ctx, second)
	if err != nil {
		log.Error().
			Str("symbol", second.Symbol).Str("exchange", second.Exchange).Err(err).
			Msg("❌ Second close leg failed, position is half-closed")
		return resA, nil, fmt.Errorf("close second leg: %w", err)
	}
	return resA, resB, nil
}

func (m *Manager) recordRollbackFailure(first Request, rerr *RollbackError) {
	metrics.RiskEvents.WithLabelValues("critical").Inc()
	event := &storage.RiskEvent{
		Level:       "critical",
		EventType:   "hedge_rollback_failed",
		Description: rerr.Error(),
	}
	if first.PositionID != 0 {
		id := first.PositionID
		event.PositionID = &id
	}
	if err := m.db.SaveRiskEvent(event); err != nil {
		log.Error().Err(err).Msg("❌ Failed to persist rollback risk event")
	}
	log.Error().Str("symbol", first.Symbol).Msg("🚨 Hedge rollback failed, manual intervention required")
}
