// Package orders submits, polls and persists venue orders, including the
// two-leg hedge protocol used by the arbitrage strategies.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/config"
	"github.com/web3guy0/fundingbot/exchange"
	"github.com/web3guy0/fundingbot/metrics"
	"github.com/web3guy0/fundingbot/storage"
	"github.com/web3guy0/fundingbot/types"
)

const (
	fillPollInterval = 2 * time.Second
	fillPollTimeout  = 30 * time.Second
	depthLevels      = 20
	minDepthCoverage = "0.8"
	slippageWarnPct  = "0.01"
	fallbackFeeRate  = "0.0005"
)

// Request describes one order to submit. Amount is in base units; Price is
// the limit price, and the reference price for simulation and fee fallback.
type Request struct {
	Exchange   string
	Symbol     string
	Side       types.Side
	Type       string // "market" | "limit"
	Amount     decimal.Decimal
	Price      decimal.Decimal
	Futures    bool
	ReduceOnly bool
	CheckDepth bool

	PositionID uint
	Strategy   types.Strategy
}

// Manager owns order submission. In simulation mode orders fill instantly at
// the reference price and never reach a venue.
type Manager struct {
	registry *exchange.Registry
	db       *storage.Database
	cfg      *config.Store

	simSeq atomic.Int64
	retry  retrypolicy.RetryPolicy[*exchange.OrderResult]
}

func New(registry *exchange.Registry, db *storage.Database, cfg *config.Store) *Manager {
	retry := retrypolicy.NewBuilder[*exchange.OrderResult]().
		HandleIf(func(_ *exchange.OrderResult, err error) bool {
			return exchange.IsTransient(err)
		}).
		WithBackoff(500*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		Build()
	return &Manager{registry: registry, db: db, cfg: cfg, retry: retry}
}

func market(futures bool) string {
	if futures {
		return "futures"
	}
	return "spot"
}

// Simulated reports whether order flow is running in simulation mode.
func (m *Manager) Simulated() bool {
	return m.cfg.GetBool("trading.simulation_mode", true)
}

// Place submits one order and blocks until it reaches a terminal state (or
// the fill poll times out). The persisted row reflects the final state.
func (m *Manager) Place(ctx context.Context, req Request) (*exchange.OrderResult, error) {
	if m.Simulated() {
		return m.simulate(req)
	}

	driver, ok := m.registry.Get(req.Exchange)
	if !ok {
		return nil, fmt.Errorf("no driver for exchange %q", req.Exchange)
	}

	if req.CheckDepth {
		if err := m.checkDepth(ctx, driver, req); err != nil {
			return nil, err
		}
	}

	result, err := failsafe.With(m.retry).Get(func() (*exchange.OrderResult, error) {
		return m.submit(ctx, driver, req)
	})
	if err != nil {
		metrics.OrdersPlaced.WithLabelValues(req.Exchange, "failed").Inc()
		return nil, fmt.Errorf("place %s %s %s: %w", req.Exchange, req.Side, req.Symbol, err)
	}

	if req.Type == "market" && !result.IsFilled() {
		result = m.awaitFill(ctx, driver, req, result)
	}
	m.ensureFee(result, req)

	metrics.OrdersPlaced.WithLabelValues(req.Exchange, result.Status).Inc()
	m.persist(req, result)
	log.Info().
		Str("exchange", req.Exchange).Str("symbol", req.Symbol).
		Str("side", string(req.Side)).Str("status", result.Status).
		Str("filled", result.Filled.String()).
		Msg("📝 Order placed")
	return result, nil
}

func (m *Manager) submit(ctx context.Context, driver exchange.Driver, req Request) (*exchange.OrderResult, error) {
	if req.Type == "limit" {
		return driver.CreateLimitOrder(ctx, req.Symbol, req.Side, req.Amount, req.Price, req.Futures)
	}
	return driver.CreateMarketOrder(ctx, req.Symbol, req.Side, req.Amount, req.Futures, req.ReduceOnly)
}

// simulate fills the order instantly at the reference price.
func (m *Manager) simulate(req Request) (*exchange.OrderResult, error) {
	if !req.Price.IsPositive() {
		return nil, fmt.Errorf("simulated order for %s needs a reference price", req.Symbol)
	}
	id := fmt.Sprintf("SIM_%d_%d", time.Now().UnixMilli(), m.simSeq.Add(1))
	result := &exchange.OrderResult{
		OrderID:  id,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Status:   "closed",
		Price:    req.Price,
		AvgPrice: req.Price,
		Amount:   req.Amount,
		Filled:   req.Amount,
		FeeCost:  req.Amount.Mul(req.Price).Mul(decimal.RequireFromString(fallbackFeeRate)),
		FeeCurrency: "USDT",
		Timestamp:   time.Now().UnixMilli(),
	}
	metrics.OrdersPlaced.WithLabelValues(req.Exchange, "simulated").Inc()
	m.persist(req, result)
	log.Info().
		Str("exchange", req.Exchange).Str("symbol", req.Symbol).
		Str("side", string(req.Side)).Str("amount", req.Amount.String()).
		Msg("🧪 Simulated order filled")
	return result, nil
}

// checkDepth walks the opposite side of the book and rejects the order when
// fewer than 80% of the requested amount is quoted in the top levels. A
// projected slippage above 1% only warns; the size tiers already priced it.
func (m *Manager) checkDepth(ctx context.Context, driver exchange.Driver, req Request) error {
	book, err := driver.OrderBook(ctx, req.Symbol, req.Futures, depthLevels)
	if err != nil {
		return fmt.Errorf("depth check %s %s: %w", req.Exchange, req.Symbol, err)
	}
	levels := book.Asks
	if req.Side == types.SideSell {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return fmt.Errorf("depth check %s %s: empty book", req.Exchange, req.Symbol)
	}

	var available, cost decimal.Decimal
	remaining := req.Amount
	for _, lvl := range levels {
		take := decimal.Min(remaining, lvl.Amount)
		available = available.Add(lvl.Amount)
		cost = cost.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
		if !remaining.IsPositive() {
			break
		}
	}

	floor := req.Amount.Mul(decimal.RequireFromString(minDepthCoverage))
	if available.LessThan(floor) {
		return fmt.Errorf("insufficient depth for %s on %s: %s quoted, %s requested",
			req.Symbol, req.Exchange, available.String(), req.Amount.String())
	}

	filled := req.Amount.Sub(remaining)
	if filled.IsPositive() {
		avg := cost.Div(filled)
		best := levels[0].Price
		slip := avg.Sub(best).Div(best).Abs()
		if slip.GreaterThan(decimal.RequireFromString(slippageWarnPct)) {
			log.Warn().
				Str("exchange", req.Exchange).Str("symbol", req.Symbol).
				Str("slippage", slip.String()).
				Msg("⚠️ Projected slippage above 1%")
		}
	}
	return nil
}

// awaitFill polls the venue until the order is terminal. A venue that loses
// track of a market order ("order not found") almost always filled and purged
// it, so that counts as filled.
func (m *Manager) awaitFill(ctx context.Context, driver exchange.Driver, req Request, last *exchange.OrderResult) *exchange.OrderResult {
	deadline := time.Now().Add(fillPollTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return last
		case <-time.After(fillPollInterval):
		}

		got, err := driver.FetchOrder(ctx, last.OrderID, req.Symbol, req.Futures)
		if err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) && req.Type == "market" {
				last.Status = "closed"
				if last.Filled.IsZero() {
					last.Filled = req.Amount
				}
				return last
			}
			log.Debug().Str("order", last.OrderID).Err(err).Msg("Fill poll failed")
			continue
		}
		last = got
		switch got.Status {
		case "closed", "canceled", "rejected":
			return last
		}
	}
	log.Warn().Str("order", last.OrderID).Str("status", last.Status).Msg("⚠️ Order not terminal after fill poll")
	return last
}

// ensureFee backfills the fee when the venue omitted it from the order view.
func (m *Manager) ensureFee(result *exchange.OrderResult, req Request) {
	if result.FeeCost.IsPositive() || !result.Filled.IsPositive() {
		return
	}
	price := result.AvgPrice
	if !price.IsPositive() {
		price = req.Price
	}
	if price.IsPositive() {
		result.FeeCost = result.Filled.Mul(price).Mul(decimal.RequireFromString(fallbackFeeRate))
		result.FeeCurrency = "USDT"
	}
}

func (m *Manager) persist(req Request, result *exchange.OrderResult) {
	row := &storage.Order{
		StrategyID:   req.PositionID,
		StrategyType: string(req.Strategy),
		Exchange:     req.Exchange,
		Symbol:       req.Symbol,
		Side:         string(req.Side),
		OrderType:    req.Type,
		Market:       market(req.Futures),
		Price:        result.AvgPrice,
		Amount:       req.Amount,
		Filled:       result.Filled,
		Status:       result.Status,
		OrderID:      result.OrderID,
		FeeCost:      result.FeeCost,
		FeeCurrency:  result.FeeCurrency,
	}
	if !result.Price.IsZero() {
		row.Price = result.Price
	}
	if err := m.db.SaveOrder(row); err != nil {
		log.Error().Err(err).Str("order", result.OrderID).Msg("❌ Failed to persist order")
	}
}

// SyncPendingOrders refreshes every non-terminal persisted order against the
// venue. Called on startup to recover from a crash mid-fill.
func (m *Manager) SyncPendingOrders(ctx context.Context) error {
	rows, err := m.db.PendingOrders()
	if err != nil {
		return err
	}
	for i := range rows {
		row := &rows[i]
		driver, ok := m.registry.Get(row.Exchange)
		if !ok {
			continue
		}
		got, err := driver.FetchOrder(ctx, row.OrderID, row.Symbol, row.Market == "futures")
		if err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) && row.OrderType == "market" {
				row.Status = "closed"
				row.Filled = row.Amount
				if err := m.db.SaveOrder(row); err != nil {
					log.Error().Err(err).Str("order", row.OrderID).Msg("❌ Failed to persist order")
				}
				continue
			}
			log.Warn().Str("order", row.OrderID).Err(err).Msg("⚠️ Pending order sync failed")
			continue
		}
		row.Status = got.Status
		row.Filled = got.Filled
		if got.FeeCost.IsPositive() {
			row.FeeCost = got.FeeCost
			row.FeeCurrency = got.FeeCurrency
		}
		if got.AvgPrice.IsPositive() {
			row.Price = got.AvgPrice
		}
		if err := m.db.SaveOrder(row); err != nil {
			log.Error().Err(err).Str("order", row.OrderID).Msg("❌ Failed to persist order")
		}
	}
	if len(rows) > 0 {
		log.Info().Int("orders", len(rows)).Msg("🔄 Pending orders synced")
	}
	return nil
}
