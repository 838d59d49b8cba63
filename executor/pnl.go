package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/storage"
	"github.com/web3guy0/fundingbot/types"
)

// writeEpsilon suppresses DB writes for sub-noise accrual changes.
var writeEpsilon = decimal.RequireFromString("0.0001")

func (e *Executor) positionLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-time.After(positionInterval):
			e.manageOpenPositions()
		}
	}
}

func (e *Executor) manageOpenPositions() {
	open, err := e.db.OpenPositions()
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Position sweep failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), positionInterval)
	defer cancel()

	for i := range open {
		e.managePosition(ctx, &open[i])
	}
}

func (e *Executor) managePosition(ctx context.Context, p *storage.Position) {
	if p.Status == string(types.PositionEmergencyPending) {
		if err := e.ClosePosition(ctx, p.ID, "emergency"); err != nil {
			log.Error().Err(err).Uint("position", p.ID).Msg("❌ Emergency close failed")
		}
		return
	}

	details, err := p.Details()
	if err != nil {
		log.Warn().Uint("position", p.ID).Err(err).Msg("⚠️ Unreadable entry details")
		return
	}

	dirty := e.accrueFunding(p, details)

	pnl := p.FundingCollected.Add(e.pricePnL(p, details)).Sub(p.FeesPaid)
	if pnl.Sub(p.CurrentPnL).Abs().GreaterThan(writeEpsilon) {
		p.CurrentPnL = pnl
		dirty = true
	}
	if dirty {
		if err := e.db.SavePosition(p); err != nil {
			log.Error().Err(err).Uint("position", p.ID).Msg("❌ Failed to persist position state")
			return
		}
	}

	if p.StrategyType == string(types.StrategyDirectional) {
		e.directionalChecks(ctx, p, details)
	}
}

// accrueFunding recomputes funding collected since entry from the persisted
// settlement history. The computation is idempotent: it always rebuilds from
// scratch, and only persists when the value moved.
func (e *Executor) accrueFunding(p *storage.Position, details types.EntryDetails) bool {
	since := p.OpenTime.UnixMilli()
	var total decimal.Decimal

	switch types.Strategy(p.StrategyType) {
	case types.StrategyCrossExchange:
		longRates, err1 := e.settlements(details.LongExchange, p.Symbol, since)
		shortRates, err2 := e.settlements(details.ShortExchange, p.Symbol, since)
		if err1 != nil || err2 != nil {
			return false
		}
		// A settlement counts only when both venues recorded it: a one-sided
		// accrual would swing the total back on the next sweep.
		for ts, longRate := range longRates {
			shortRate, ok := shortRates[ts]
			if !ok {
				continue
			}
			total = total.Add(p.PositionSize.Mul(shortRate.Sub(longRate)))
		}

	case types.StrategySpotFutures, types.StrategyBasis:
		rates, err := e.settlements(details.Exchange, p.Symbol, since)
		if err != nil {
			return false
		}
		// Short perp leg receives positive funding, pays negative.
		for _, rate := range rates {
			total = total.Add(p.PositionSize.Mul(rate))
		}

	case types.StrategyDirectional:
		rates, err := e.settlements(details.Exchange, p.Symbol, since)
		if err != nil {
			return false
		}
		for _, rate := range rates {
			flow := p.PositionSize.Mul(rate)
			if details.Direction == types.DirectionLong {
				flow = flow.Neg()
			}
			total = total.Add(flow)
		}
	}

	if total.Sub(p.FundingCollected).Abs().GreaterThan(writeEpsilon) {
		p.FundingCollected = total
		return true
	}
	return false
}

// maxFundingIntervalMs bounds how far before entry a sample can still
// predict the first settlement after entry.
const maxFundingIntervalMs = int64(24 * time.Hour / time.Millisecond)

// settlements returns the rate applied at each settlement instant that has
// elapsed since openMs. Funding samples arrive every few minutes; each one
// carries the instant it predicts in NextFundingTime, so the map is keyed on
// that instant, not on the sample time. Rows arrive oldest first, so the
// newest prediction per instant wins.
func (e *Executor) settlements(exchange, symbol string, openMs int64) (map[int64]decimal.Decimal, error) {
	rows, err := e.db.FundingHistory(exchange, symbol, openMs-maxFundingIntervalMs)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	out := make(map[int64]decimal.Decimal)
	for _, r := range rows {
		t := r.NextFundingTime
		if t <= openMs || t > now {
			continue
		}
		out[t] = r.FundingRate
	}
	return out, nil
}

// pricePnL is the mark-to-market price component. Hedged strategies are
// price-neutral; only the directional strategy carries price exposure.
func (e *Executor) pricePnL(p *storage.Position, details types.EntryDetails) decimal.Decimal {
	if types.Strategy(p.StrategyType) != types.StrategyDirectional {
		return decimal.Zero
	}
	if !details.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	s, ok := e.collector.Sample(details.Exchange, p.Symbol)
	if !ok {
		return decimal.Zero
	}
	price := s.FuturesMid()
	if !price.IsPositive() {
		return decimal.Zero
	}

	move := price.Sub(details.EntryPrice).Div(details.EntryPrice)
	if details.Direction == types.DirectionShort {
		move = move.Neg()
	}
	return p.PositionSize.Mul(move)
}

// directionalChecks applies the exit rules in priority order: hard stop-loss,
// funding flip, then trailing stop.
func (e *Executor) directionalChecks(ctx context.Context, p *storage.Position, details types.EntryDetails) {
	ps, err := e.cfg.ResolvePair(p.Symbol, details.Exchange)
	if err != nil {
		return
	}
	s, ok := e.collector.Sample(details.Exchange, p.Symbol)
	if !ok || !details.EntryPrice.IsPositive() {
		return
	}
	price := s.FuturesMid()
	if !price.IsPositive() {
		return
	}

	pnlPct := price.Sub(details.EntryPrice).Div(details.EntryPrice)
	if details.Direction == types.DirectionShort {
		pnlPct = pnlPct.Neg()
	}

	if pnlPct.LessThanOrEqual(ps.S3StopLossPct.Neg()) {
		id := p.ID
		e.risk.RecordEvent("critical", "stop_loss",
			fmt.Sprintf("position %d %s hit stop loss at %s", p.ID, p.Symbol, price.String()), &id)
		e.notify(Notification{
			Event:    types.EventRiskAlert,
			Message:  fmt.Sprintf("%s stop loss hit at %s", p.Symbol, price.String()),
			Position: p,
		})
		if err := e.ClosePosition(ctx, p.ID, "stop_loss"); err != nil {
			log.Error().Err(err).Uint("position", p.ID).Msg("❌ Stop-loss close failed")
		}
		return
	}

	if s.HasFunding {
		flipped := false
		if details.Direction == types.DirectionShort && s.FundingRate.LessThanOrEqual(ps.S3ShortExitThreshold) {
			flipped = true
		}
		if details.Direction == types.DirectionLong && s.FundingRate.GreaterThanOrEqual(ps.S3LongExitThreshold) {
			flipped = true
		}
		if flipped {
			e.notify(Notification{
				Event:    types.EventStrategyExit,
				Message:  fmt.Sprintf("%s funding flipped to %s, exiting", p.Symbol, s.FundingRate.String()),
				Position: p,
			})
			if err := e.ClosePosition(ctx, p.ID, "funding_flip"); err != nil {
				log.Error().Err(err).Uint("position", p.ID).Msg("❌ Funding-flip close failed")
			}
			return
		}
	}

	if ps.S3TrailingEnabled {
		e.trailingStop(ctx, p, details, ps.S3TrailingActivation, ps.S3TrailingCallback, price, pnlPct)
	}
}

// trailingStop arms at the activation profit and closes once price gives back
// the callback fraction from its best level.
func (e *Executor) trailingStop(ctx context.Context, p *storage.Position, details types.EntryDetails,
	activation, callback, price, pnlPct decimal.Decimal) {

	if !p.TrailingStopActivated {
		if pnlPct.LessThan(activation) {
			return
		}
		p.TrailingStopActivated = true
		p.ActivationPrice = price
		p.BestPrice = price
		if err := e.db.SavePosition(p); err != nil {
			log.Error().Err(err).Uint("position", p.ID).Msg("❌ Failed to persist trailing state")
			return
		}
		log.Info().Uint("position", p.ID).Str("price", price.String()).Msg("🎯 Trailing stop armed")
		return
	}

	improved := false
	if details.Direction == types.DirectionShort {
		if price.LessThan(p.BestPrice) {
			p.BestPrice = price
			improved = true
		}
	} else {
		if price.GreaterThan(p.BestPrice) {
			p.BestPrice = price
			improved = true
		}
	}
	if improved {
		if err := e.db.SavePosition(p); err != nil {
			log.Error().Err(err).Uint("position", p.ID).Msg("❌ Failed to persist trailing state")
		}
		return
	}

	retrace := price.Sub(p.BestPrice).Div(p.BestPrice)
	if details.Direction == types.DirectionLong {
		retrace = retrace.Neg()
	}
	if retrace.GreaterThanOrEqual(callback) {
		e.notify(Notification{
			Event:    types.EventTrailingStop,
			Message:  fmt.Sprintf("%s trailing stop: best %s, now %s", p.Symbol, p.BestPrice.String(), price.String()),
			Position: p,
		})
		if err := e.ClosePosition(ctx, p.ID, "trailing_stop"); err != nil {
			log.Error().Err(err).Uint("position", p.ID).Msg("❌ Trailing-stop close failed")
		}
	}
}
