// Package monitor scans the market snapshot for funding and basis arbitrage
// opportunities and publishes a re-ranked list every scan.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/collector"
	"github.com/web3guy0/fundingbot/config"
	"github.com/web3guy0/fundingbot/metrics"
	"github.com/web3guy0/fundingbot/storage"
	"github.com/web3guy0/fundingbot/types"
)

// Listener receives the full opportunity list after every scan.
type Listener func([]types.Opportunity)

// Monitor owns the scan loop and the published opportunity list.
type Monitor struct {
	collector *collector.Collector
	db        *storage.Database
	cfg       *config.Store

	mu            sync.RWMutex
	opportunities []types.Opportunity
	listeners     []Listener

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(c *collector.Collector, db *storage.Database, cfg *config.Store) *Monitor {
	return &Monitor{collector: c, db: db, cfg: cfg}
}

func (m *Monitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop()
	log.Info().Msg("🔍 Opportunity monitor started")
}

func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	m.wg.Wait()
	log.Info().Msg("🔍 Opportunity monitor stopped")
}

// AddListener registers a callback invoked with each scan's full list.
func (m *Monitor) AddListener(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Opportunities returns a copy of the latest list.
func (m *Monitor) Opportunities() []types.Opportunity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Opportunity, len(m.opportunities))
	copy(out, m.opportunities)
	return out
}

// ByID finds one opportunity from the current list.
func (m *Monitor) ByID(id string) (types.Opportunity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, opp := range m.opportunities {
		if opp.ID == id {
			return opp, true
		}
	}
	return types.Opportunity{}, false
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	for {
		interval := m.cfg.GetSeconds("global.opportunity_scan_interval", 10*time.Second)
		select {
		case <-m.stopCh:
			return
		case <-time.After(interval):
			m.Scan()
		}
	}
}

// Scan runs all enabled strategies against the current snapshot, replaces
// the published list atomically and notifies listeners.
func (m *Monitor) Scan() []types.Opportunity {
	snapshot := m.collector.Snapshot()
	if snapshotEmpty(snapshot) {
		snapshot = m.fallbackSnapshot()
	}

	var found []types.Opportunity
	if m.cfg.GetBool("strategy1.enabled", true) {
		found = append(found, m.scanCrossExchange(snapshot)...)
	}
	if m.cfg.GetBool("strategy2a.enabled", true) {
		found = append(found, m.scanSpotFutures(snapshot)...)
	}
	if m.cfg.GetBool("strategy2b.enabled", true) {
		found = append(found, m.scanBasis(snapshot)...)
	}
	if m.cfg.GetBool("strategy3.enabled", false) {
		found = append(found, m.scanDirectional(snapshot)...)
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].ExpectedReturnPct.GreaterThan(found[j].ExpectedReturnPct)
	})

	m.mu.Lock()
	m.opportunities = found
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	metrics.ScansTotal.Inc()
	byStrategy := map[types.Strategy]int{}
	for _, opp := range found {
		byStrategy[opp.Strategy]++
	}
	for _, s := range []types.Strategy{types.StrategyCrossExchange, types.StrategySpotFutures, types.StrategyBasis, types.StrategyDirectional} {
		metrics.OpportunitiesFound.WithLabelValues(string(s)).Set(float64(byStrategy[s]))
	}

	if len(found) > 0 {
		log.Debug().Int("count", len(found)).Msg("Opportunities found")
	}
	for _, l := range listeners {
		l(found)
	}
	return found
}

func snapshotEmpty(snapshot map[string]map[string]types.MarketSample) bool {
	for _, symbols := range snapshot {
		if len(symbols) > 0 {
			return false
		}
	}
	return true
}

// fallbackSnapshot rebuilds a snapshot from the last minute of persisted
// samples when the in-memory cache is empty (fresh start, collector stall).
func (m *Monitor) fallbackSnapshot() map[string]map[string]types.MarketSample {
	since := time.Now().Add(-time.Minute).UnixMilli()
	out := make(map[string]map[string]types.MarketSample)

	prices, err := m.db.LatestMarketPrices(since)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Snapshot fallback failed")
		return out
	}
	rates, err := m.db.LatestFundingRates(since)
	if err != nil {
		rates = nil
	}

	get := func(exchange, symbol string) *types.MarketSample {
		venue, ok := out[exchange]
		if !ok {
			venue = make(map[string]types.MarketSample)
			out[exchange] = venue
		}
		s, ok := venue[symbol]
		if !ok {
			s = types.MarketSample{Exchange: exchange, Symbol: symbol}
		}
		return &s
	}
	for _, p := range prices {
		s := get(p.Exchange, p.Symbol)
		if p.FuturesBid.IsPositive() {
			s.FuturesBid, s.FuturesAsk, s.FuturesLast = p.FuturesBid, p.FuturesAsk, p.FuturesPrice
			s.HasFutures = true
		}
		if p.SpotBid.IsPositive() {
			s.SpotBid, s.SpotAsk, s.SpotLast = p.SpotBid, p.SpotAsk, p.SpotPrice
			s.HasSpot = true
		}
		if p.MakerFee.IsPositive() || p.TakerFee.IsPositive() {
			s.MakerFee, s.TakerFee = p.MakerFee, p.TakerFee
			s.HasFees = true
		}
		s.Timestamp = p.Timestamp
		out[p.Exchange][p.Symbol] = *s
	}
	for _, r := range rates {
		s := get(r.Exchange, r.Symbol)
		s.FundingRate = r.FundingRate
		s.NextFundingTime = r.NextFundingTime
		s.FundingIntervalMs = r.FundingInterval
		s.HasFunding = true
		out[r.Exchange][r.Symbol] = *s
	}
	return out
}

// fundingIntervalHours resolves the funding period for one sample: venue
// interval first, then the gap between the two most recent persisted
// settlements (accepted between 1h and 24h), then the 8h default.
func (m *Monitor) fundingIntervalHours(s types.MarketSample) decimal.Decimal {
	if s.FundingIntervalMs > 0 {
		return decimal.NewFromInt(s.FundingIntervalMs).Div(decimal.NewFromInt(3_600_000))
	}
	if ts, err := m.db.RecentSettlementTimes(s.Exchange, s.Symbol); err == nil && len(ts) == 2 {
		gap := decimal.NewFromInt(ts[0] - ts[1]).Div(decimal.NewFromInt(3_600_000))
		if gap.GreaterThanOrEqual(decimal.NewFromInt(1)) && gap.LessThanOrEqual(decimal.NewFromInt(24)) {
			return gap
		}
	}
	return decimal.NewFromInt(8)
}
