package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/exchange"
	"github.com/web3guy0/fundingbot/storage"
	"github.com/web3guy0/fundingbot/types"
)

// Relative differences above which the venue's numbers win over ours, for
// the position notional and the recorded entry price.
var (
	sizeDriftTolerance  = decimal.RequireFromString("0.01")
	priceDriftTolerance = decimal.RequireFromString("0.01")
)

func (e *Executor) reconcileLoop() {
	defer e.wg.Done()

	// First pass right after start so a crash-restart converges quickly.
	select {
	case <-e.stopCh:
		return
	case <-time.After(5 * time.Second):
		e.Reconcile(context.Background())
	}

	for {
		select {
		case <-e.stopCh:
			return
		case <-time.After(reconcileInterval):
			e.Reconcile(context.Background())
		}
	}
}

type venueKey struct {
	exchange string
	symbol   string
	side     types.Direction
}

// Reconcile makes the position table agree with what the venues report:
// drifted sizes are corrected, vanished positions are closed out, and
// unknown venue positions are imported as synced directional rows. Spot legs
// are invisible to the venue position APIs and are left alone.
func (e *Executor) Reconcile(ctx context.Context) {
	if e.orders.Simulated() {
		return
	}

	reported := make(map[venueKey]exchange.VenuePosition)
	for name, driver := range e.registry.All() {
		positions, err := driver.Positions(ctx)
		if err != nil {
			log.Warn().Str("exchange", name).Err(err).Msg("⚠️ Position fetch failed, skipping reconcile for venue")
			return // a partial view would close positions that still exist
		}
		for _, vp := range positions {
			reported[venueKey{name, vp.Symbol, vp.Side}] = vp
		}
	}

	open, err := e.db.OpenPositions()
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Reconcile failed")
		return
	}

	matched := make(map[venueKey]bool)
	for i := range open {
		e.reconcilePosition(&open[i], reported, matched)
	}

	for key, vp := range reported {
		if !matched[key] {
			e.importVenuePosition(key, vp)
		}
	}
}

func expectedLegs(p *storage.Position, details types.EntryDetails) []venueKey {
	switch types.Strategy(p.StrategyType) {
	case types.StrategyCrossExchange:
		return []venueKey{
			{details.LongExchange, p.Symbol, types.DirectionLong},
			{details.ShortExchange, p.Symbol, types.DirectionShort},
		}
	case types.StrategySpotFutures, types.StrategyBasis:
		return []venueKey{{details.Exchange, p.Symbol, types.DirectionShort}}
	case types.StrategyDirectional:
		return []venueKey{{details.Exchange, p.Symbol, details.Direction}}
	}
	return nil
}

func (e *Executor) reconcilePosition(p *storage.Position, reported map[venueKey]exchange.VenuePosition, matched map[venueKey]bool) {
	details, err := p.Details()
	if err != nil {
		return
	}
	legs := expectedLegs(p, details)
	if len(legs) == 0 {
		return
	}

	var present int
	var drifted *exchange.VenuePosition
	var priceSynced bool
	for _, key := range legs {
		vp, ok := reported[key]
		if !ok {
			continue
		}
		matched[key] = true
		present++
		if p.PositionSize.IsPositive() {
			drift := vp.Notional.Sub(p.PositionSize).Abs().Div(p.PositionSize)
			if drift.GreaterThan(sizeDriftTolerance) {
				v := vp
				drifted = &v
			}
		}
		if syncEntryPrice(&details, types.Strategy(p.StrategyType), key.side, vp.EntryPrice) {
			priceSynced = true
		}
	}

	if present == 0 {
		now := time.Now()
		p.Status = string(types.PositionClosed)
		p.CloseTime = &now
		p.CloseReason = "not_found_on_exchange"
		p.RealizedPnL = p.CurrentPnL
		if err := e.db.SavePosition(p); err != nil {
			log.Error().Err(err).Uint("position", p.ID).Msg("❌ Failed to persist reconcile close")
			return
		}
		log.Warn().Uint("position", p.ID).Str("symbol", p.Symbol).
			Msg("⚠️ Position gone from exchange, closed locally")
		e.notify(Notification{
			Event:    types.EventPositionAutoClosed,
			Message:  fmt.Sprintf("%s no longer on exchange, closed locally", p.Symbol),
			Position: p,
		})
		return
	}

	if present < len(legs) {
		id := p.ID
		e.risk.RecordEvent("warning", "hedge_leg_missing",
			fmt.Sprintf("position %d %s has %d of %d legs on exchange", p.ID, p.Symbol, present, len(legs)), &id)
		return
	}

	if drifted == nil && !priceSynced {
		return
	}
	if drifted != nil {
		p.PositionSize = drifted.Notional
	}
	if priceSynced {
		detailsJSON, err := json.Marshal(details)
		if err != nil {
			log.Error().Err(err).Uint("position", p.ID).Msg("❌ Failed to encode reconciled entry details")
			return
		}
		p.EntryDetails = string(detailsJSON)
	}
	if err := e.db.SavePosition(p); err != nil {
		log.Error().Err(err).Uint("position", p.ID).Msg("❌ Failed to persist reconcile update")
		return
	}
	log.Info().Uint("position", p.ID).Str("symbol", p.Symbol).
		Str("size", p.PositionSize.String()).Bool("entry_price", priceSynced).
		Msg("🔄 Position synced from exchange")
	e.notify(Notification{
		Event:    types.EventPositionUpdated,
		Message:  fmt.Sprintf("%s synced from exchange, size %s", p.Symbol, p.PositionSize.String()),
		Position: p,
	})
}

// syncEntryPrice overwrites the recorded entry price for the leg when the
// venue reports a materially different one. Spot legs have no venue-side
// record and keep their local price.
func syncEntryPrice(details *types.EntryDetails, strategy types.Strategy, side types.Direction, venuePrice decimal.Decimal) bool {
	if !venuePrice.IsPositive() {
		return false
	}
	var slot *decimal.Decimal
	switch strategy {
	case types.StrategyCrossExchange:
		if side == types.DirectionLong {
			slot = &details.LongPrice
		} else {
			slot = &details.ShortPrice
		}
	case types.StrategySpotFutures, types.StrategyBasis:
		slot = &details.FuturesPrice
	case types.StrategyDirectional:
		slot = &details.EntryPrice
	default:
		return false
	}
	if slot.IsPositive() {
		drift := venuePrice.Sub(*slot).Abs().Div(*slot)
		if drift.LessThanOrEqual(priceDriftTolerance) {
			return false
		}
	}
	*slot = venuePrice
	return true
}

// importVenuePosition records a venue position nothing in the table claims.
// It gets managed as a directional position from here on.
func (e *Executor) importVenuePosition(key venueKey, vp exchange.VenuePosition) {
	details := types.EntryDetails{
		Exchange:           key.exchange,
		Direction:          key.side,
		EntryPrice:         vp.EntryPrice,
		SyncedFromExchange: true,
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return
	}
	venuesJSON, _ := json.Marshal([]string{key.exchange})

	p := &storage.Position{
		StrategyType: string(types.StrategyDirectional),
		Symbol:       key.symbol,
		Exchanges:    string(venuesJSON),
		EntryDetails: string(detailsJSON),
		PositionSize: vp.Notional,
		Status:       string(types.PositionOpen),
	}
	if err := e.db.SavePosition(p); err != nil {
		log.Error().Err(err).Str("symbol", key.symbol).Msg("❌ Failed to import venue position")
		return
	}
	log.Warn().Str("exchange", key.exchange).Str("symbol", key.symbol).
		Str("notional", vp.Notional.String()).
		Msg("📎 Unknown venue position imported")
	e.notify(Notification{
		Event:    types.EventPositionUpdated,
		Message:  fmt.Sprintf("imported %s %s position from %s", key.symbol, key.side, key.exchange),
		Position: p,
	})
}
