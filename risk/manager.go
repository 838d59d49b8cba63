// Package risk gates every trade before execution and watches open positions
// for drawdown. The gates run in a fixed order; the first failure rejects.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/config"
	"github.com/web3guy0/fundingbot/metrics"
	"github.com/web3guy0/fundingbot/storage"
	"github.com/web3guy0/fundingbot/types"
)

const monitorInterval = 30 * time.Second

// AlertFunc receives position-level risk notifications.
type AlertFunc func(event types.Event, message string, positionID uint)

// Manager is the pre-trade gate and the position drawdown monitor.
type Manager struct {
	db  *storage.Database
	cfg *config.Store

	mu          sync.Mutex
	lastLevel   map[uint]string // positionID -> worst alert level already raised
	alertFn     AlertFunc
	marketFn    func() map[string]map[string]types.MarketSample
	marketFlags map[string]bool // market conditions already raised

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(db *storage.Database, cfg *config.Store) *Manager {
	return &Manager{db: db, cfg: cfg, lastLevel: make(map[uint]string)}
}

// SetAlertFunc registers the notification sink (telegram bot, web stream).
func (m *Manager) SetAlertFunc(fn AlertFunc) {
	m.mu.Lock()
	m.alertFn = fn
	m.mu.Unlock()
}

// SetMarketData registers the snapshot source scanned for abnormal markets
// on every sweep.
func (m *Manager) SetMarketData(fn func() map[string]map[string]types.MarketSample) {
	m.mu.Lock()
	m.marketFn = fn
	m.mu.Unlock()
}

func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop()
	log.Info().Msg("🛡️ Risk monitor started")
}

func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	m.wg.Wait()
	log.Info().Msg("🛡️ Risk monitor stopped")
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-time.After(monitorInterval):
			m.Sweep()
		}
	}
}

// CheckTrade runs the ordered pre-trade gates for one opportunity and
// returns the (possibly resized) approval.
func (m *Manager) CheckTrade(opp types.Opportunity) types.RiskResult {
	totalCapital := m.cfg.GetDecimal("global.total_capital", decimal.NewFromInt(10000))
	size := opp.PositionSize

	// 1. Account drawdown: stop opening anything while the book is deep
	// under water.
	maxDrawdown := m.cfg.GetDecimal("risk.max_drawdown", decimal.RequireFromString("0.10"))
	open, err := m.db.OpenPositions()
	if err != nil {
		return reject(fmt.Sprintf("risk check unavailable: %v", err))
	}
	var unrealized decimal.Decimal
	for _, p := range open {
		unrealized = unrealized.Add(p.CurrentPnL)
	}
	if unrealized.IsNegative() && totalCapital.IsPositive() {
		drawdown := unrealized.Neg().Div(totalCapital)
		if drawdown.GreaterThan(maxDrawdown) {
			return reject(fmt.Sprintf("account drawdown %s exceeds limit %s",
				drawdown.StringFixed(4), maxDrawdown.StringFixed(4)))
		}
	}

	// 2. Per-trade size cap.
	maxPerTrade := m.cfg.GetDecimal("risk.max_position_size_per_trade", decimal.NewFromInt(2000))
	if size.GreaterThan(maxPerTrade) {
		size = maxPerTrade
	}

	// 3. Capital usage: reduce to what is left, reject when nothing is.
	maxUsage := m.cfg.GetDecimal("global.max_capital_usage", decimal.RequireFromString("0.8"))
	exposure, err := m.db.OpenExposure()
	if err != nil {
		return reject(fmt.Sprintf("risk check unavailable: %v", err))
	}
	available := totalCapital.Mul(maxUsage).Sub(exposure)
	if !available.IsPositive() {
		return reject("capital usage limit reached")
	}
	if size.GreaterThan(available) {
		size = available
	}

	// 4. Position count limits, global then per symbol.
	maxPositions := m.cfg.GetInt("global.max_positions", 10)
	if len(open) >= maxPositions {
		return reject(fmt.Sprintf("open position limit reached (%d)", maxPositions))
	}
	symbolCount, err := m.db.OpenPositionCount(opp.Symbol)
	if err != nil {
		return reject(fmt.Sprintf("risk check unavailable: %v", err))
	}
	ps, err := m.cfg.ResolvePair(opp.Symbol, opp.Exchange)
	if err != nil {
		return reject(fmt.Sprintf("risk check unavailable: %v", err))
	}
	if symbolCount >= int64(ps.MaxPositions) {
		return reject(fmt.Sprintf("per-symbol position limit reached for %s (%d)", opp.Symbol, ps.MaxPositions))
	}

	// 5. Cross-venue price deviation only applies to two-venue hedges.
	if opp.Strategy == types.StrategyCrossExchange {
		threshold := m.cfg.GetDecimal("risk.price_deviation_threshold", decimal.RequireFromString("0.01"))
		if opp.PriceDiffPct.GreaterThan(threshold) {
			return reject(fmt.Sprintf("price deviation %s exceeds threshold %s",
				opp.PriceDiffPct.StringFixed(4), threshold.StringFixed(4)))
		}
	}

	// 6. Score-band sizing multiplier, re-capped.
	if m.cfg.GetBool("risk.dynamic_position_enabled", true) {
		size = size.Mul(m.scoreMultiplier(opp.Score))
		if size.GreaterThan(maxPerTrade) {
			size = maxPerTrade
		}
		if size.GreaterThan(available) {
			size = available
		}
	}

	if !size.IsPositive() {
		return reject("position size reduced to zero")
	}
	return types.RiskResult{Passed: true, AdjustedSize: size}
}

func (m *Manager) scoreMultiplier(score float64) decimal.Decimal {
	switch {
	case score >= 85:
		return m.cfg.GetDecimal("risk.high_score_multiplier", decimal.RequireFromString("1.2"))
	case score >= 60:
		return m.cfg.GetDecimal("risk.medium_score_multiplier", decimal.RequireFromString("1.0"))
	default:
		return m.cfg.GetDecimal("risk.low_score_multiplier", decimal.RequireFromString("0.7"))
	}
}

func reject(reason string) types.RiskResult {
	log.Debug().Str("reason", reason).Msg("Trade rejected by risk gate")
	return types.RiskResult{Passed: false, Reason: reason}
}

// AbnormalFundingRate flags rates beyond the configured sanity bound; such
// markets are usually about to do something violent.
func (m *Manager) AbnormalFundingRate(exchange, symbol string, rate decimal.Decimal) bool {
	if !m.fundingBeyondBound(rate) {
		return false
	}
	bound := m.cfg.GetDecimal("risk.abnormal_funding_rate", decimal.RequireFromString("0.01"))
	m.RecordEvent("warning", "abnormal_funding_rate",
		fmt.Sprintf("%s %s funding rate %s beyond bound %s", exchange, symbol, rate.String(), bound.String()), nil)
	return true
}

// AbnormalPriceDeviation flags a cross-venue price gap beyond the threshold.
func (m *Manager) AbnormalPriceDeviation(symbol string, a, b decimal.Decimal) bool {
	if !m.priceGapBeyond(a, b) {
		return false
	}
	threshold := m.cfg.GetDecimal("risk.price_deviation_threshold", decimal.RequireFromString("0.01"))
	gap := a.Sub(b).Abs().Div(decimal.Min(a, b))
	m.RecordEvent("warning", "abnormal_price_deviation",
		fmt.Sprintf("%s price gap %s beyond threshold %s", symbol, gap.StringFixed(4), threshold.String()), nil)
	return true
}

func (m *Manager) fundingBeyondBound(rate decimal.Decimal) bool {
	bound := m.cfg.GetDecimal("risk.abnormal_funding_rate", decimal.RequireFromString("0.01"))
	return rate.Abs().GreaterThan(bound)
}

func (m *Manager) priceGapBeyond(a, b decimal.Decimal) bool {
	if !a.IsPositive() || !b.IsPositive() {
		return false
	}
	threshold := m.cfg.GetDecimal("risk.price_deviation_threshold", decimal.RequireFromString("0.01"))
	return a.Sub(b).Abs().Div(decimal.Min(a, b)).GreaterThan(threshold)
}

// RecordEvent persists one risk event and bumps the metric.
func (m *Manager) RecordEvent(level, eventType, description string, positionID *uint) {
	metrics.RiskEvents.WithLabelValues(level).Inc()
	if err := m.db.SaveRiskEvent(&storage.RiskEvent{
		Level: level, EventType: eventType, Description: description, PositionID: positionID,
	}); err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("❌ Failed to persist risk event")
	}
}

// Sweep classifies every open position by unrealised loss and escalates,
// then scans the market snapshot for abnormal conditions. Emergency
// positions are flagged for the executor to close on its next monitor pass.
func (m *Manager) Sweep() {
	defer m.sweepMarkets()
	warning := m.cfg.GetDecimal("risk.warning_threshold", decimal.RequireFromString("0.05"))
	critical := m.cfg.GetDecimal("risk.critical_threshold", decimal.RequireFromString("0.10"))
	emergency := m.cfg.GetDecimal("risk.emergency_threshold", decimal.RequireFromString("0.15"))

	open, err := m.db.OpenPositions()
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Risk sweep failed")
		return
	}

	seen := make(map[uint]bool, len(open))
	for i := range open {
		p := &open[i]
		seen[p.ID] = true
		if !p.PositionSize.IsPositive() {
			continue
		}
		lossPct := p.CurrentPnL.Div(p.PositionSize).Neg()

		level := ""
		switch {
		case lossPct.GreaterThanOrEqual(emergency):
			level = "emergency"
		case lossPct.GreaterThanOrEqual(critical):
			level = "critical"
		case lossPct.GreaterThanOrEqual(warning):
			level = "warning"
		}
		if level == "" {
			m.mu.Lock()
			delete(m.lastLevel, p.ID)
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		already := m.lastLevel[p.ID] == level
		m.lastLevel[p.ID] = level
		alertFn := m.alertFn
		m.mu.Unlock()
		if already {
			continue
		}

		id := p.ID
		msg := fmt.Sprintf("position %d %s down %s%%", p.ID, p.Symbol,
			lossPct.Mul(decimal.NewFromInt(100)).StringFixed(2))
		m.RecordEvent(level, "position_drawdown", msg, &id)

		if level == "emergency" && p.Status == string(types.PositionOpen) {
			p.Status = string(types.PositionEmergencyPending)
			if err := m.db.SavePosition(p); err != nil {
				log.Error().Err(err).Uint("position", p.ID).Msg("❌ Failed to flag emergency close")
			} else {
				log.Error().Uint("position", p.ID).Str("symbol", p.Symbol).
					Msg("🚨 Emergency close requested")
			}
		}
		if alertFn != nil {
			alertFn(types.EventRiskAlert, msg, p.ID)
		}
	}

	// Forget closed positions so a reopened id starts clean.
	m.mu.Lock()
	for id := range m.lastLevel {
		if !seen[id] {
			delete(m.lastLevel, id)
		}
	}
	m.mu.Unlock()
}

// sweepMarkets raises abnormal funding and cross-venue deviation events from
// the current snapshot. A persisting condition is recorded once; the flag
// clears when it returns to normal.
func (m *Manager) sweepMarkets() {
	m.mu.Lock()
	fn := m.marketFn
	prev := m.marketFlags
	m.mu.Unlock()
	if fn == nil {
		return
	}
	snapshot := fn()

	flagged := make(map[string]bool)
	bySymbol := make(map[string][]types.MarketSample)
	for venue, symbols := range snapshot {
		for symbol, s := range symbols {
			if s.HasFunding && m.fundingBeyondBound(s.FundingRate) {
				key := "funding|" + venue + "|" + symbol
				flagged[key] = true
				if !prev[key] {
					m.AbnormalFundingRate(venue, symbol, s.FundingRate)
				}
			}
			if s.HasFutures {
				bySymbol[symbol] = append(bySymbol[symbol], s)
			}
		}
	}
	for symbol, list := range bySymbol {
		for i := 0; i < len(list); i++ {
			for j := i + 1; j < len(list); j++ {
				a, b := list[i], list[j]
				if !m.priceGapBeyond(a.FuturesMid(), b.FuturesMid()) {
					continue
				}
				key := "price|" + symbol + "|" + a.Exchange + "|" + b.Exchange
				if a.Exchange > b.Exchange {
					key = "price|" + symbol + "|" + b.Exchange + "|" + a.Exchange
				}
				flagged[key] = true
				if !prev[key] {
					m.AbnormalPriceDeviation(symbol, a.FuturesMid(), b.FuturesMid())
				}
			}
		}
	}

	m.mu.Lock()
	m.marketFlags = flagged
	m.mu.Unlock()
}
