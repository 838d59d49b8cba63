// Package collector keeps the in-memory market snapshot fresh and persists
// price and funding samples.
package collector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/fundingbot/config"
	"github.com/web3guy0/fundingbot/exchange"
	"github.com/web3guy0/fundingbot/storage"
	"github.com/web3guy0/fundingbot/types"
)

const (
	preloadMaxAge  = 10 * time.Minute
	fundingFanout  = 10
	depthTopLevels = 5
	pruneRetention = 24 * time.Hour
)

// Collector owns the MarketSample[exchange][symbol] cache and the two
// refresh loops.
type Collector struct {
	registry *exchange.Registry
	db       *storage.Database
	cfg      *config.Store

	mu       sync.RWMutex
	samples  map[string]map[string]*types.MarketSample // exchange → symbol → sample
	universe map[string]venueUniverse                  // exchange → symbol sets

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type venueUniverse struct {
	futures map[string]bool
	spot    map[string]bool
}

func New(registry *exchange.Registry, db *storage.Database, cfg *config.Store) *Collector {
	return &Collector{
		registry: registry,
		db:       db,
		cfg:      cfg,
		samples:  make(map[string]map[string]*types.MarketSample),
		universe: make(map[string]venueUniverse),
	}
}

// Start preloads recent persisted samples, builds the symbol universe, and
// launches the price and funding loops.
func (c *Collector) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil
	}

	c.preload()
	c.buildUniverse(ctx)
	c.LoadFees(ctx)

	c.running = true
	c.stopCh = make(chan struct{})
	c.wg.Add(2)
	go c.priceLoop(ctx)
	go c.fundingLoop(ctx)
	log.Info().Msg("📡 Market data collector started")
	return nil
}

func (c *Collector) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
	c.wg.Wait()
	log.Info().Msg("📡 Market data collector stopped")
}

// Reload clears caches and rebuilds the universe against the current driver
// set. In-flight loop iterations finish against their old snapshot.
func (c *Collector) Reload(ctx context.Context) {
	c.mu.Lock()
	c.samples = make(map[string]map[string]*types.MarketSample)
	c.universe = make(map[string]venueUniverse)
	c.mu.Unlock()
	c.buildUniverse(ctx)
	c.preload()
	c.LoadFees(ctx)
	log.Info().Msg("📡 Collector reloaded")
}

// preload seeds the cache from persisted samples no older than ten minutes.
func (c *Collector) preload() {
	since := time.Now().Add(-preloadMaxAge).UnixMilli()

	prices, err := c.db.LatestMarketPrices(since)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Market price preload failed")
		return
	}
	rates, err := c.db.LatestFundingRates(since)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Funding rate preload failed")
		rates = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range prices {
		s := c.sampleLocked(p.Exchange, p.Symbol)
		if p.SpotBid.IsPositive() || p.SpotAsk.IsPositive() {
			s.SpotBid, s.SpotAsk, s.SpotLast = p.SpotBid, p.SpotAsk, p.SpotPrice
			s.HasSpot = true
		}
		if p.FuturesBid.IsPositive() || p.FuturesAsk.IsPositive() {
			s.FuturesBid, s.FuturesAsk, s.FuturesLast = p.FuturesBid, p.FuturesAsk, p.FuturesPrice
			s.HasFutures = true
		}
		if p.MakerFee.IsPositive() || p.TakerFee.IsPositive() {
			s.MakerFee, s.TakerFee = p.MakerFee, p.TakerFee
			s.HasFees = true
		}
		s.Timestamp = p.Timestamp
	}
	for _, r := range rates {
		s := c.sampleLocked(r.Exchange, r.Symbol)
		s.FundingRate = r.FundingRate
		s.NextFundingTime = r.NextFundingTime
		s.FundingIntervalMs = r.FundingInterval
		s.HasFunding = true
	}
	if len(prices) > 0 || len(rates) > 0 {
		log.Info().Int("prices", len(prices)).Int("rates", len(rates)).
			Msg("📡 Preloaded recent market data")
	}
}

// buildUniverse lists each venue's markets once. Venue failures leave an
// empty universe; the loops skip those venues until the next Reload.
func (c *Collector) buildUniverse(ctx context.Context) {
	for name, driver := range c.registry.All() {
		uni := venueUniverse{futures: make(map[string]bool), spot: make(map[string]bool)}

		if tickers, err := driver.AllFuturesTickers(ctx); err != nil {
			log.Warn().Str("exchange", name).Err(err).Msg("⚠️ Futures universe fetch failed")
		} else {
			for symbol := range tickers {
				uni.futures[symbol] = true
			}
		}
		if tickers, err := driver.AllSpotTickers(ctx); err != nil {
			log.Debug().Str("exchange", name).Err(err).Msg("Spot universe fetch failed")
		} else {
			for symbol := range tickers {
				// Only spot pairs that also trade as perps matter.
				if uni.futures[symbol] {
					uni.spot[symbol] = true
				}
			}
		}

		c.mu.Lock()
		c.universe[name] = uni
		c.mu.Unlock()
		log.Info().Str("exchange", name).
			Int("futures", len(uni.futures)).Int("spot", len(uni.spot)).
			Msg("🌐 Symbol universe built")
	}
}

func (c *Collector) sampleLocked(exchange, symbol string) *types.MarketSample {
	venue, ok := c.samples[exchange]
	if !ok {
		venue = make(map[string]*types.MarketSample)
		c.samples[exchange] = venue
	}
	s, ok := venue[symbol]
	if !ok {
		s = &types.MarketSample{Exchange: exchange, Symbol: symbol}
		venue[symbol] = s
	}
	return s
}

// Snapshot returns a deep copy of the cache for lock-free consumption.
func (c *Collector) Snapshot() map[string]map[string]types.MarketSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]types.MarketSample, len(c.samples))
	for venue, symbols := range c.samples {
		m := make(map[string]types.MarketSample, len(symbols))
		for symbol, s := range symbols {
			m[symbol] = *s
		}
		out[venue] = m
	}
	return out
}

// Sample returns a copy of one (exchange, symbol) entry.
func (c *Collector) Sample(exchange, symbol string) (types.MarketSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	venue, ok := c.samples[exchange]
	if !ok {
		return types.MarketSample{}, false
	}
	s, ok := venue[symbol]
	if !ok {
		return types.MarketSample{}, false
	}
	return *s, true
}

func (c *Collector) priceLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		interval := c.cfg.GetSeconds("global.price_refresh_interval", 5*time.Second)
		select {
		case <-c.stopCh:
			return
		case <-time.After(interval):
			c.refreshPrices(ctx)
		}
	}
}

func (c *Collector) fundingLoop(ctx context.Context) {
	defer c.wg.Done()
	// First pass immediately so the monitor has funding data early.
	c.refreshFunding(ctx)
	for {
		interval := c.cfg.GetSeconds("global.funding_refresh_interval", 300*time.Second)
		select {
		case <-c.stopCh:
			return
		case <-time.After(interval):
			c.refreshFunding(ctx)
			c.prune()
		}
	}
}

// refreshPrices batch-fetches all tickers per venue and updates the cache.
// Persistence failures never block the cache update.
func (c *Collector) refreshPrices(ctx context.Context) {
	now := time.Now().UnixMilli()
	for name, driver := range c.registry.All() {
		c.mu.RLock()
		uni := c.universe[name]
		c.mu.RUnlock()
		if len(uni.futures) == 0 {
			continue
		}

		futTickers, err := driver.AllFuturesTickers(ctx)
		if err != nil {
			log.Warn().Str("exchange", name).Err(err).Msg("⚠️ Futures ticker batch failed")
			continue
		}
		spotTickers, err := driver.AllSpotTickers(ctx)
		if err != nil {
			log.Debug().Str("exchange", name).Err(err).Msg("Spot ticker batch failed")
			spotTickers = nil
		}

		c.mu.Lock()
		for symbol := range uni.futures {
			t, ok := futTickers[symbol]
			if !ok || !t.Bid.IsPositive() || !t.Ask.IsPositive() {
				continue
			}
			s := c.sampleLocked(name, symbol)
			s.FuturesBid, s.FuturesAsk, s.FuturesLast = t.Bid, t.Ask, t.Last
			s.HasFutures = true
			s.Timestamp = now

			if st, ok := spotTickers[symbol]; ok && uni.spot[symbol] && st.Bid.IsPositive() {
				s.SpotBid, s.SpotAsk, s.SpotLast = st.Bid, st.Ask, st.Last
				s.HasSpot = true
			}
		}
		c.mu.Unlock()

		c.persistPrices(name, now)
		c.refreshDepth(ctx, name, driver, uni)
	}
}

// refreshDepth fans out top-of-book reads and caches the notional resting in
// the top five levels per side pair. Depth feeds slippage estimates only, so
// a failed fetch leaves the previous value in place.
func (c *Collector) refreshDepth(ctx context.Context, venue string, driver exchange.Driver, uni venueUniverse) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fundingFanout)
	for symbol := range uni.futures {
		symbol := symbol
		g.Go(func() error {
			book, err := driver.OrderBook(gctx, symbol, true, depthTopLevels)
			if err != nil {
				log.Debug().Str("exchange", venue).Str("symbol", symbol).Err(err).
					Msg("Depth fetch failed")
				return nil
			}
			futDepth := book.BidDepth.Add(book.AskDepth)

			var spotDepth decimal.Decimal
			if uni.spot[symbol] {
				if sb, err := driver.OrderBook(gctx, symbol, false, depthTopLevels); err == nil {
					spotDepth = sb.BidDepth.Add(sb.AskDepth)
				}
			}

			c.mu.Lock()
			s := c.sampleLocked(venue, symbol)
			if futDepth.IsPositive() {
				s.FuturesDepth5 = futDepth
			}
			if spotDepth.IsPositive() {
				s.SpotDepth5 = spotDepth
			}
			c.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// persistPrices writes the venue's current samples as thin rows.
func (c *Collector) persistPrices(venue string, ts int64) {
	c.mu.RLock()
	symbols := c.samples[venue]
	rows := make([]*storage.MarketPrice, 0, len(symbols))
	for symbol, s := range symbols {
		if s.Timestamp != ts {
			continue
		}
		rows = append(rows, &storage.MarketPrice{
			Exchange: venue, Symbol: symbol, Timestamp: ts,
			SpotBid: s.SpotBid, SpotAsk: s.SpotAsk, SpotPrice: s.SpotLast,
			FuturesBid: s.FuturesBid, FuturesAsk: s.FuturesAsk, FuturesPrice: s.FuturesLast,
			MakerFee: s.MakerFee, TakerFee: s.TakerFee,
		})
	}
	c.mu.RUnlock()

	for _, row := range rows {
		if err := c.db.InsertMarketPrice(row); err != nil {
			log.Warn().Str("exchange", venue).Err(err).Msg("⚠️ Price persist failed")
			return
		}
	}
}

// refreshFunding fans out per-symbol funding reads, bounded to ten in flight
// per venue, and upserts every sample.
func (c *Collector) refreshFunding(ctx context.Context) {
	for name, driver := range c.registry.All() {
		c.mu.RLock()
		uni := c.universe[name]
		symbols := make([]string, 0, len(uni.futures))
		for symbol := range uni.futures {
			symbols = append(symbols, symbol)
		}
		c.mu.RUnlock()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(fundingFanout)
		for _, symbol := range symbols {
			symbol := symbol
			g.Go(func() error {
				info, err := driver.FundingRate(gctx, symbol)
				if err != nil {
					log.Debug().Str("exchange", name).Str("symbol", symbol).Err(err).
						Msg("Funding fetch failed")
					return nil // one symbol never halts the venue
				}
				c.applyFunding(name, symbol, info)
				return nil
			})
		}
		_ = g.Wait()
		log.Debug().Str("exchange", name).Int("symbols", len(symbols)).Msg("Funding refreshed")
	}
}

func (c *Collector) applyFunding(venue, symbol string, info *exchange.FundingInfo) {
	now := time.Now().UnixMilli()

	c.mu.Lock()
	s := c.sampleLocked(venue, symbol)
	s.FundingRate = info.Rate
	s.PredictedRate = info.PredictedRate
	s.NextFundingTime = info.NextFundingTime
	s.FundingIntervalMs = info.IntervalMs
	s.HasFunding = true
	c.mu.Unlock()

	if err := c.db.UpsertFundingRate(&storage.FundingRate{
		Exchange: venue, Symbol: symbol, Timestamp: now,
		FundingRate:     info.Rate,
		NextFundingTime: info.NextFundingTime,
		FundingInterval: info.IntervalMs,
	}); err != nil {
		log.Warn().Str("exchange", venue).Str("symbol", symbol).Err(err).
			Msg("⚠️ Funding persist failed")
	}
}

// LoadFees caches maker/taker fees for every symbol in each venue's
// universe. Fee schedules move rarely, so one pass at start and reload is
// enough; symbols without a cached fee fall back to venue defaults.
func (c *Collector) LoadFees(ctx context.Context) {
	for name, driver := range c.registry.All() {
		c.mu.RLock()
		uni := c.universe[name]
		symbols := make([]string, 0, len(uni.futures))
		for symbol := range uni.futures {
			symbols = append(symbols, symbol)
		}
		c.mu.RUnlock()

		loaded := 0
		for _, symbol := range symbols {
			fees, err := driver.TradingFees(ctx, symbol)
			if err != nil {
				log.Debug().Str("exchange", name).Str("symbol", symbol).Err(err).
					Msg("Fee fetch failed")
				continue
			}
			c.mu.Lock()
			s := c.sampleLocked(name, symbol)
			s.MakerFee, s.TakerFee = fees.Maker, fees.Taker
			s.HasFees = true
			c.mu.Unlock()
			loaded++
		}
		if loaded > 0 {
			log.Info().Str("exchange", name).Int("symbols", loaded).Msg("💸 Trading fees cached")
		}
	}
}

func (c *Collector) prune() {
	before := time.Now().Add(-pruneRetention).UnixMilli()
	if n, err := c.db.PruneMarketPrices(before); err == nil && n > 0 {
		log.Debug().Int64("rows", n).Msg("Pruned old price samples")
	}
}
