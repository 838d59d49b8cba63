// Package executor turns detected opportunities into live positions and
// manages their whole lifecycle: admission, entry, PnL upkeep, exits and
// reconciliation against the venues.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/collector"
	"github.com/web3guy0/fundingbot/config"
	"github.com/web3guy0/fundingbot/exchange"
	"github.com/web3guy0/fundingbot/metrics"
	"github.com/web3guy0/fundingbot/monitor"
	"github.com/web3guy0/fundingbot/orders"
	"github.com/web3guy0/fundingbot/risk"
	"github.com/web3guy0/fundingbot/storage"
	"github.com/web3guy0/fundingbot/types"
)

const (
	admissionBuffer   = 100
	positionInterval  = 5 * time.Second
	reconcileInterval = 45 * time.Second
	qtyPrecision      = 6
)

// Notification is one executor event delivered to registered listeners.
type Notification struct {
	Event       types.Event
	Message     string
	Position    *storage.Position
	Opportunity *types.Opportunity
}

// Listener receives executor notifications. Listeners must not block.
type Listener func(Notification)

// Executor consumes admitted opportunities and owns every open position.
type Executor struct {
	db        *storage.Database
	cfg       *config.Store
	registry  *exchange.Registry
	collector *collector.Collector
	monitor   *monitor.Monitor
	orders    *orders.Manager
	risk      *risk.Manager

	queue  chan types.Opportunity
	paused atomic.Bool

	mu        sync.Mutex
	inFlight  map[string]bool // opportunity ids queued or executing
	listeners []Listener

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(db *storage.Database, cfg *config.Store, registry *exchange.Registry,
	c *collector.Collector, mon *monitor.Monitor, om *orders.Manager, rm *risk.Manager) *Executor {
	return &Executor{
		db: db, cfg: cfg, registry: registry, collector: c, monitor: mon,
		orders: om, risk: rm,
		queue:    make(chan types.Opportunity, admissionBuffer),
		inFlight: make(map[string]bool),
	}
}

// AddListener registers a notification sink.
func (e *Executor) AddListener(l Listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

func (e *Executor) notify(n Notification) {
	e.mu.Lock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()
	for _, l := range listeners {
		l(n)
	}
}

func (e *Executor) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.wg.Add(3)
	go e.workLoop()
	go e.positionLoop()
	go e.reconcileLoop()
	log.Info().Msg("⚡ Executor started")
}

func (e *Executor) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.stopCh)
	e.wg.Wait()
	log.Info().Msg("⚡ Executor stopped")
}

// Pause stops admitting new opportunities. Open positions keep being managed.
func (e *Executor) Pause() {
	e.paused.Store(true)
	log.Info().Msg("⏸️ Execution paused")
}

func (e *Executor) Resume() {
	e.paused.Store(false)
	log.Info().Msg("▶️ Execution resumed")
}

func (e *Executor) Paused() bool { return e.paused.Load() }

// Admit is the monitor's listener: auto-mode low-risk opportunities enter the
// FIFO queue, everything else is surfaced for a manual decision.
func (e *Executor) Admit(opps []types.Opportunity) {
	if e.paused.Load() {
		return
	}
	for i := range opps {
		opp := opps[i]
		if e.hasOpenPosition(opp) {
			continue
		}
		auto, err := e.autoExecutable(opp)
		if err != nil {
			log.Debug().Str("opportunity", opp.ID).Err(err).Msg("Admission check failed")
			continue
		}
		if !auto {
			e.notify(Notification{
				Event:       types.EventOpportunityFound,
				Message:     fmt.Sprintf("manual review: %s score %.0f", opp.ID, opp.Score),
				Opportunity: &opp,
			})
			continue
		}
		e.enqueue(opp)
	}
}

// autoExecutable applies the per-strategy execution mode. Basis trades are
// always manual; directional trades follow the strategy toggle alone.
func (e *Executor) autoExecutable(opp types.Opportunity) (bool, error) {
	if opp.RiskLevel != types.RiskLow {
		return false, nil
	}
	ps, err := e.cfg.ResolvePair(opp.Symbol, opp.Exchange)
	if err != nil {
		return false, err
	}
	switch opp.Strategy {
	case types.StrategyCrossExchange:
		return ps.S1Mode == types.ModeAuto, nil
	case types.StrategySpotFutures:
		return ps.S2AMode == types.ModeAuto, nil
	case types.StrategyBasis:
		return false, nil
	case types.StrategyDirectional:
		return true, nil
	}
	return false, nil
}

func (e *Executor) enqueue(opp types.Opportunity) {
	e.mu.Lock()
	if e.inFlight[opp.ID] {
		e.mu.Unlock()
		return
	}
	e.inFlight[opp.ID] = true
	e.mu.Unlock()

	select {
	case e.queue <- opp:
	default:
		e.mu.Lock()
		delete(e.inFlight, opp.ID)
		e.mu.Unlock()
		log.Warn().Str("opportunity", opp.ID).Msg("⚠️ Admission queue full, dropped")
	}
}

// ExecuteByID runs one opportunity from the monitor's current list,
// regardless of execution mode. This is the manual path.
func (e *Executor) ExecuteByID(ctx context.Context, id string) (*storage.Position, error) {
	opp, ok := e.monitor.ByID(id)
	if !ok {
		return nil, fmt.Errorf("opportunity %q not in the current scan", id)
	}
	return e.Execute(ctx, opp)
}

func (e *Executor) hasOpenPosition(opp types.Opportunity) bool {
	open, err := e.db.OpenPositions()
	if err != nil {
		return false
	}
	for i := range open {
		if open[i].StrategyType == string(opp.Strategy) && open[i].Symbol == opp.Symbol {
			return true
		}
	}
	return false
}

func (e *Executor) workLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case opp := <-e.queue:
			// Pause covers items admitted before the pause too. Dropping is
			// safe: fresh scans refill the queue after resume.
			if e.paused.Load() {
				e.mu.Lock()
				delete(e.inFlight, opp.ID)
				e.mu.Unlock()
				log.Debug().Str("opportunity", opp.ID).Msg("Dropped queued opportunity while paused")
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if _, err := e.Execute(ctx, opp); err != nil {
				log.Warn().Str("opportunity", opp.ID).Err(err).Msg("⚠️ Execution failed")
			}
			cancel()
			e.mu.Lock()
			delete(e.inFlight, opp.ID)
			e.mu.Unlock()
		}
	}
}

// Execute opens a position for one opportunity: risk gate, position row,
// orders, then the persisted entry state.
func (e *Executor) Execute(ctx context.Context, opp types.Opportunity) (*storage.Position, error) {
	res := e.risk.CheckTrade(opp)
	if !res.Passed {
		e.notify(Notification{
			Event:       types.EventExecutionFailed,
			Message:     fmt.Sprintf("%s rejected: %s", opp.ID, res.Reason),
			Opportunity: &opp,
		})
		return nil, fmt.Errorf("risk gate: %s", res.Reason)
	}
	size := res.AdjustedSize

	details := entryDetails(opp)
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	venuesJSON, _ := json.Marshal(venues(opp))

	p := &storage.Position{
		StrategyType: string(opp.Strategy),
		Symbol:       opp.Symbol,
		Exchanges:    string(venuesJSON),
		EntryDetails: string(detailsJSON),
		PositionSize: size,
		Status:       string(types.PositionOpen),
	}
	if err := e.db.SavePosition(p); err != nil {
		return nil, fmt.Errorf("persist position: %w", err)
	}

	fees, err := e.enter(ctx, p, opp, size)
	if err != nil {
		p.Status = string(types.PositionFailed)
		p.CloseReason = "entry_failed"
		if saveErr := e.db.SavePosition(p); saveErr != nil {
			log.Error().Err(saveErr).Uint("position", p.ID).Msg("❌ Failed to mark position failed")
		}
		e.notify(Notification{
			Event:    types.EventExecutionFailed,
			Message:  fmt.Sprintf("%s entry failed: %v", opp.ID, err),
			Position: p,
		})
		return nil, err
	}

	p.FeesPaid = fees
	p.CurrentPnL = fees.Neg()
	if err := e.db.SavePosition(p); err != nil {
		log.Error().Err(err).Uint("position", p.ID).Msg("❌ Failed to persist entry state")
	}

	metrics.PositionsOpened.WithLabelValues(string(opp.Strategy)).Inc()
	log.Info().
		Uint("position", p.ID).Str("symbol", p.Symbol).
		Str("strategy", string(opp.Strategy)).Str("size", size.String()).
		Msg("✅ Position opened")
	e.notify(Notification{
		Event:    types.EventPositionOpened,
		Message:  fmt.Sprintf("%s %s opened, size %s", opp.Symbol, opp.Strategy, size.String()),
		Position: p,
	})
	return p, nil
}

// enter places the entry orders for one strategy and returns total fees.
func (e *Executor) enter(ctx context.Context, p *storage.Position, opp types.Opportunity, size decimal.Decimal) (decimal.Decimal, error) {
	switch opp.Strategy {
	case types.StrategyCrossExchange:
		long := orders.Request{
			Exchange: opp.LongExchange, Symbol: opp.Symbol, Side: types.SideBuy,
			Type: "market", Amount: qty(size, opp.LongEntryPrice), Price: opp.LongEntryPrice,
			Futures: true, CheckDepth: true, PositionID: p.ID, Strategy: opp.Strategy,
		}
		short := orders.Request{
			Exchange: opp.ShortExchange, Symbol: opp.Symbol, Side: types.SideSell,
			Type: "market", Amount: qty(size, opp.ShortEntryPrice), Price: opp.ShortEntryPrice,
			Futures: true, CheckDepth: true, PositionID: p.ID, Strategy: opp.Strategy,
		}
		a, b, err := e.orders.PlaceHedgePair(ctx, long, short)
		if err != nil {
			return decimal.Zero, err
		}
		return a.FeeCost.Add(b.FeeCost), nil

	case types.StrategySpotFutures, types.StrategyBasis:
		spot := orders.Request{
			Exchange: opp.Exchange, Symbol: opp.Symbol, Side: types.SideBuy,
			Type: "market", Amount: qty(size, opp.SpotEntryPrice), Price: opp.SpotEntryPrice,
			Futures: false, CheckDepth: true, PositionID: p.ID, Strategy: opp.Strategy,
		}
		futs := orders.Request{
			Exchange: opp.Exchange, Symbol: opp.Symbol, Side: types.SideSell,
			Type: "market", Amount: qty(size, opp.FuturesEntryPrice), Price: opp.FuturesEntryPrice,
			Futures: true, CheckDepth: true, PositionID: p.ID, Strategy: opp.Strategy,
		}
		a, b, err := e.orders.PlaceHedgePair(ctx, spot, futs)
		if err != nil {
			return decimal.Zero, err
		}
		return a.FeeCost.Add(b.FeeCost), nil

	case types.StrategyDirectional:
		side := types.SideBuy
		if opp.Direction == types.DirectionShort {
			side = types.SideSell
		}
		req := orders.Request{
			Exchange: opp.Exchange, Symbol: opp.Symbol, Side: side,
			Type: "market", Amount: qty(size, opp.EntryPrice), Price: opp.EntryPrice,
			Futures: true, CheckDepth: true, PositionID: p.ID, Strategy: opp.Strategy,
		}
		res, err := e.orders.Place(ctx, req)
		if err != nil {
			return decimal.Zero, err
		}
		return res.FeeCost, nil
	}
	return decimal.Zero, fmt.Errorf("unknown strategy %q", opp.Strategy)
}

// ClosePosition unwinds one position with the per-strategy leg ordering and
// settles its realized PnL.
func (e *Executor) ClosePosition(ctx context.Context, id uint, reason string) error {
	p, err := e.db.GetPosition(id)
	if err != nil {
		return err
	}
	if p.Status == string(types.PositionClosed) {
		return nil
	}
	details, err := p.Details()
	if err != nil {
		return fmt.Errorf("position %d entry details: %w", id, err)
	}

	closeFees, err := e.exit(ctx, p, details)
	if err != nil {
		return fmt.Errorf("close position %d: %w", id, err)
	}

	now := time.Now()
	p.FeesPaid = p.FeesPaid.Add(closeFees)
	p.RealizedPnL = p.FundingCollected.Add(e.pricePnL(p, details)).Sub(p.FeesPaid)
	p.CurrentPnL = p.RealizedPnL
	p.Status = string(types.PositionClosed)
	p.CloseTime = &now
	p.CloseReason = reason
	if err := e.db.SavePosition(p); err != nil {
		return fmt.Errorf("persist close: %w", err)
	}

	metrics.PositionsClosed.WithLabelValues(p.StrategyType, reason).Inc()
	log.Info().
		Uint("position", p.ID).Str("symbol", p.Symbol).Str("reason", reason).
		Str("pnl", p.RealizedPnL.String()).
		Msg("🔒 Position closed")
	e.notify(Notification{
		Event:    types.EventPositionClosed,
		Message:  fmt.Sprintf("%s closed (%s), pnl %s", p.Symbol, reason, p.RealizedPnL.StringFixed(2)),
		Position: p,
	})
	return nil
}

// exit places the closing orders. Long legs are flattened before short legs
// so a mid-close failure leaves the book net short, never net long.
func (e *Executor) exit(ctx context.Context, p *storage.Position, details types.EntryDetails) (decimal.Decimal, error) {
	strategy := types.Strategy(p.StrategyType)
	switch strategy {
	case types.StrategyCrossExchange:
		long := orders.Request{
			Exchange: details.LongExchange, Symbol: p.Symbol, Side: types.SideSell,
			Type: "market", Amount: qty(p.PositionSize, details.LongPrice), Price: details.LongPrice,
			Futures: true, ReduceOnly: true, PositionID: p.ID, Strategy: strategy,
		}
		short := orders.Request{
			Exchange: details.ShortExchange, Symbol: p.Symbol, Side: types.SideBuy,
			Type: "market", Amount: qty(p.PositionSize, details.ShortPrice), Price: details.ShortPrice,
			Futures: true, ReduceOnly: true, PositionID: p.ID, Strategy: strategy,
		}
		a, b, err := e.orders.CloseHedgePair(ctx, long, short)
		if err != nil {
			return feeOf(a), err
		}
		return a.FeeCost.Add(b.FeeCost), nil

	case types.StrategySpotFutures, types.StrategyBasis:
		spot := orders.Request{
			Exchange: details.Exchange, Symbol: p.Symbol, Side: types.SideSell,
			Type: "market", Amount: qty(p.PositionSize, details.SpotPrice), Price: details.SpotPrice,
			Futures: false, PositionID: p.ID, Strategy: strategy,
		}
		futs := orders.Request{
			Exchange: details.Exchange, Symbol: p.Symbol, Side: types.SideBuy,
			Type: "market", Amount: qty(p.PositionSize, details.FuturesPrice), Price: details.FuturesPrice,
			Futures: true, ReduceOnly: true, PositionID: p.ID, Strategy: strategy,
		}
		a, b, err := e.orders.CloseHedgePair(ctx, spot, futs)
		if err != nil {
			return feeOf(a), err
		}
		return a.FeeCost.Add(b.FeeCost), nil

	case types.StrategyDirectional:
		side := types.SideSell
		if details.Direction == types.DirectionShort {
			side = types.SideBuy
		}
		req := orders.Request{
			Exchange: details.Exchange, Symbol: p.Symbol, Side: side,
			Type: "market", Amount: qty(p.PositionSize, details.EntryPrice), Price: details.EntryPrice,
			Futures: true, ReduceOnly: true, PositionID: p.ID, Strategy: strategy,
		}
		res, err := e.orders.Place(ctx, req)
		if err != nil {
			return decimal.Zero, err
		}
		return res.FeeCost, nil
	}
	return decimal.Zero, fmt.Errorf("unknown strategy %q", p.StrategyType)
}

func feeOf(r *exchange.OrderResult) decimal.Decimal {
	if r == nil {
		return decimal.Zero
	}
	return r.FeeCost
}

func qty(notional, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return notional.Div(price).Round(qtyPrecision)
}

func venues(opp types.Opportunity) []string {
	if opp.Strategy == types.StrategyCrossExchange {
		return []string{opp.LongExchange, opp.ShortExchange}
	}
	return []string{opp.Exchange}
}

func entryDetails(opp types.Opportunity) types.EntryDetails {
	d := types.EntryDetails{
		ExpectedReturn: opp.ExpectedReturn,
	}
	switch opp.Strategy {
	case types.StrategyCrossExchange:
		d.LongExchange = opp.LongExchange
		d.ShortExchange = opp.ShortExchange
		d.LongPrice = opp.LongEntryPrice
		d.ShortPrice = opp.ShortEntryPrice
		d.FundingDiff = opp.FundingDiff
	case types.StrategySpotFutures:
		d.Exchange = opp.Exchange
		d.SpotPrice = opp.SpotEntryPrice
		d.FuturesPrice = opp.FuturesEntryPrice
		d.FundingRate = opp.FundingRate
		d.Basis = opp.Basis
	case types.StrategyBasis:
		d.Exchange = opp.Exchange
		d.SpotPrice = opp.SpotEntryPrice
		d.FuturesPrice = opp.FuturesEntryPrice
		d.FundingRate = opp.FundingRate
		d.Basis = opp.Basis
		d.EstimatedHoldDays = 1
	case types.StrategyDirectional:
		d.Exchange = opp.Exchange
		d.EntryPrice = opp.EntryPrice
		d.Direction = opp.Direction
		d.FundingRate = opp.FundingRate
		d.EstimatedHoldDays = 7
	}
	return d
}
