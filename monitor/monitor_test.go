package monitor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/fundingbot/accounts"
	"github.com/web3guy0/fundingbot/collector"
	"github.com/web3guy0/fundingbot/config"
	"github.com/web3guy0/fundingbot/exchange"
	"github.com/web3guy0/fundingbot/secrets"
	"github.com/web3guy0/fundingbot/storage"
	"github.com/web3guy0/fundingbot/types"
)

func newMonitor(t *testing.T) (*Monitor, *storage.Database, *config.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	box, err := secrets.Open(filepath.Join(dir, "secret.key"))
	require.NoError(t, err)
	registry := exchange.NewRegistry(accounts.NewStore(db, box))

	cfg := config.NewStore(db)
	require.NoError(t, cfg.Load())

	c := collector.New(registry, db, cfg)
	return New(c, db, cfg), db, cfg
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func perpSample(exchange string, rate, bid, ask decimal.Decimal) types.MarketSample {
	return types.MarketSample{
		Exchange: exchange, Symbol: "BTC/USDT",
		FuturesBid: bid, FuturesAsk: ask, HasFutures: true,
		FundingRate: rate, FundingIntervalMs: 8 * 3600 * 1000, HasFunding: true,
		MakerFee: d("0.0001"), TakerFee: d("0.0002"), HasFees: true,
	}
}

func hedgedSample(exchange string, rate, spotAsk, futBid decimal.Decimal) types.MarketSample {
	s := perpSample(exchange, rate, futBid, futBid.Add(d("0.1")))
	s.SpotBid = spotAsk.Sub(d("0.1"))
	s.SpotAsk = spotAsk
	s.SpotLast = spotAsk
	s.HasSpot = true
	return s
}

func snap(samples ...types.MarketSample) map[string]map[string]types.MarketSample {
	out := make(map[string]map[string]types.MarketSample)
	for _, s := range samples {
		if out[s.Exchange] == nil {
			out[s.Exchange] = make(map[string]types.MarketSample)
		}
		out[s.Exchange][s.Symbol] = s
	}
	return out
}

func TestCrossExchangePicksLowRateLong(t *testing.T) {
	m, _, _ := newMonitor(t)

	snapshot := snap(
		perpSample("binance", d("0.0001"), d("49995"), d("50005")),
		perpSample("okx", d("0.0012"), d("50000"), d("50010")),
	)
	opps := m.scanCrossExchange(snapshot)
	require.Len(t, opps, 1)

	opp := opps[0]
	assert.Equal(t, "s1_btcusdt_binance_okx", opp.ID)
	assert.Equal(t, "binance", opp.LongExchange)
	assert.Equal(t, "okx", opp.ShortExchange)
	assert.True(t, opp.FundingDiff.Equal(d("0.0011")))

	// size 1000: funding 1.10, taker open 0.40, maker close 0.20.
	assert.True(t, opp.ExpectedReturn.Equal(d("0.5")), opp.ExpectedReturn.String())
	assert.Greater(t, opp.Score, 0.0)
}

func TestCrossExchangeDiscardsPriceAnomaly(t *testing.T) {
	m, _, _ := newMonitor(t)

	// 3% price gap on a 1% cap: stale or broken feed, never tradeable.
	snapshot := snap(
		perpSample("binance", d("0.0001"), d("48995"), d("49005")),
		perpSample("okx", d("0.0012"), d("50495"), d("50505")),
	)
	assert.Empty(t, m.scanCrossExchange(snapshot))
}

func TestCrossExchangeRequiresMinDiff(t *testing.T) {
	m, _, _ := newMonitor(t)

	snapshot := snap(
		perpSample("binance", d("0.0001"), d("49995"), d("50005")),
		perpSample("okx", d("0.0005"), d("50000"), d("50010")),
	)
	assert.Empty(t, m.scanCrossExchange(snapshot))
}

func TestSpotFuturesFeeSensitivity(t *testing.T) {
	m, _, _ := newMonitor(t)

	s := hedgedSample("binance", d("0.0008"), d("100"), d("100.4"))

	// Retail fees: funding 0.80 against 1.60 of fees, discarded.
	s.MakerFee, s.TakerFee = d("0.0004"), d("0.0004")
	assert.Empty(t, m.scanSpotFutures(snap(s)))

	// VIP fees: 0.80 against 0.60, emitted.
	s.MakerFee, s.TakerFee = d("0.0001"), d("0.0002")
	opps := m.scanSpotFutures(snap(s))
	require.Len(t, opps, 1)
	assert.Equal(t, "s2a_btcusdt_binance", opps[0].ID)
	assert.True(t, opps[0].Basis.Equal(d("0.004")), opps[0].Basis.String())
	assert.True(t, opps[0].ExpectedReturn.Equal(d("0.2")), opps[0].ExpectedReturn.String())
	assert.Equal(t, types.RiskLow, opps[0].RiskLevel)
}

func TestSpotFuturesRejectsWideBasis(t *testing.T) {
	m, _, _ := newMonitor(t)

	// 2% premium exceeds the 1% deviation cap even though funding is rich.
	s := hedgedSample("binance", d("0.0008"), d("100"), d("102"))
	assert.Empty(t, m.scanSpotFutures(snap(s)))
}

func TestBasisRiskBands(t *testing.T) {
	m, _, _ := newMonitor(t)

	s := hedgedSample("okx", d("0.0001"), d("100"), d("102.5"))
	opps := m.scanBasis(snap(s))
	require.Len(t, opps, 1)
	assert.Equal(t, "s2b_btcusdt_okx", opps[0].ID)
	assert.Equal(t, types.RiskMedium, opps[0].RiskLevel)

	s = hedgedSample("okx", d("0.0001"), d("100"), d("103.5"))
	opps = m.scanBasis(snap(s))
	require.Len(t, opps, 1)
	assert.Equal(t, types.RiskHigh, opps[0].RiskLevel)

	// Below the 2% floor.
	s = hedgedSample("okx", d("0.0001"), d("100"), d("101.5"))
	assert.Empty(t, m.scanBasis(snap(s)))
}

func TestDirectionalShortOnPositiveFunding(t *testing.T) {
	m, _, cfg := newMonitor(t)
	require.NoError(t, cfg.Set("strategy3", "enabled", true))

	s := hedgedSample("okx", d("0.001"), d("100"), d("100.4"))
	opps := m.scanDirectional(snap(s))
	require.Len(t, opps, 1)

	opp := opps[0]
	assert.Equal(t, "s3_btcusdt_okx_short", opp.ID)
	assert.Equal(t, types.DirectionShort, opp.Direction)
	assert.True(t, opp.EntryPrice.Equal(d("100.4")))
	// 21 settlements at 10 bps against 3 bps of fees over the hold.
	assert.True(t, opp.ExpectedReturnPct.Equal(d("0.0207")), opp.ExpectedReturnPct.String())
}

func TestDirectionalBasisGate(t *testing.T) {
	m, _, cfg := newMonitor(t)
	require.NoError(t, cfg.Set("strategy3", "enabled", true))

	// Short wants futures_bid above spot_ask; discount perp fails the gate.
	s := hedgedSample("okx", d("0.001"), d("100"), d("99.5"))
	assert.Empty(t, m.scanDirectional(snap(s)))

	// Long side: negative funding with the perp below spot passes.
	s = hedgedSample("okx", d("-0.001"), d("100"), d("99.2"))
	opps := m.scanDirectional(snap(s))
	require.Len(t, opps, 1)
	assert.Equal(t, types.DirectionLong, opps[0].Direction)
	assert.Equal(t, "s3_btcusdt_okx_long", opps[0].ID)
}

func TestDirectionalMinRateIsAbsolute(t *testing.T) {
	m, _, cfg := newMonitor(t)
	require.NoError(t, cfg.Set("strategy3", "enabled", true))

	s := hedgedSample("okx", d("0.0003"), d("100"), d("100.4"))
	assert.Empty(t, m.scanDirectional(snap(s)))
}

func TestSlippageTiers(t *testing.T) {
	notional := decimal.NewFromInt(1000)

	assert.True(t, slippageCost(notional, decimal.NewFromInt(20000)).IsZero())
	assert.True(t, slippageCost(notional, decimal.NewFromInt(5000)).Equal(d("0.1")))
	assert.True(t, slippageCost(notional, decimal.NewFromInt(1500)).Equal(d("0.5")))
	// Unknown depth defers to the execution-time check.
	assert.True(t, slippageCost(notional, decimal.Zero).IsZero())
}

func TestScore(t *testing.T) {
	assert.Zero(t, score(d("-0.001"), decimal.Zero, d("100")))
	assert.Zero(t, score(decimal.Zero, decimal.Zero, d("100")))

	base := score(d("0.0005"), d("0.004"), d("100"))
	assert.Greater(t, base, 0.0)
	assert.LessOrEqual(t, base, 100.0)

	// More net, same risk: higher score.
	assert.Greater(t, score(d("0.002"), d("0.004"), d("100")), base)
	// Same net, more risk: lower score.
	assert.Less(t, score(d("0.0005"), d("0.02"), d("100")), base)
	// Bonus is capped at 20 points.
	assert.InDelta(t, score(d("0.0005"), d("0.004"), d("200")),
		score(d("0.0005"), d("0.004"), d("10000")), 1e-9)
}

func TestFundingIntervalResolver(t *testing.T) {
	m, db, _ := newMonitor(t)

	venue := types.MarketSample{Exchange: "binance", Symbol: "BTC/USDT", FundingIntervalMs: 4 * 3600 * 1000}
	assert.True(t, m.fundingIntervalHours(venue).Equal(decimal.NewFromInt(4)))

	// No venue interval: infer from the distinct settlement instants the
	// samples predicted. Samples land every five minutes, so the sample
	// timestamps themselves must not drive the gap.
	base := time.Now().UnixMilli()
	for i, next := range []int64{base - 4*3600_000, base - 4*3600_000, base, base} {
		require.NoError(t, db.UpsertFundingRate(&storage.FundingRate{
			Exchange: "okx", Symbol: "BTC/USDT",
			Timestamp: base - int64(4-i)*300_000, FundingRate: d("0.0001"),
			NextFundingTime: next,
		}))
	}
	fromHistory := types.MarketSample{Exchange: "okx", Symbol: "BTC/USDT"}
	assert.True(t, m.fundingIntervalHours(fromHistory).Equal(decimal.NewFromInt(4)))

	// Settlement gap above 24h is rejected.
	for i, next := range []int64{base - 25*3600_000, base} {
		require.NoError(t, db.UpsertFundingRate(&storage.FundingRate{
			Exchange: "bitget", Symbol: "BTC/USDT",
			Timestamp: base - int64(2-i)*300_000, FundingRate: d("0.0001"),
			NextFundingTime: next,
		}))
	}
	tooWide := types.MarketSample{Exchange: "bitget", Symbol: "BTC/USDT"}
	assert.True(t, m.fundingIntervalHours(tooWide).Equal(decimal.NewFromInt(8)))

	// No data at all: 8h default.
	unknown := types.MarketSample{Exchange: "kraken", Symbol: "BTC/USDT"}
	assert.True(t, m.fundingIntervalHours(unknown).Equal(decimal.NewFromInt(8)))
}

func TestScanFallsBackToPersistedSamples(t *testing.T) {
	m, db, _ := newMonitor(t)

	now := time.Now().UnixMilli()
	require.NoError(t, db.InsertMarketPrice(&storage.MarketPrice{
		Exchange: "binance", Symbol: "BTC/USDT", Timestamp: now,
		SpotBid: d("99.9"), SpotAsk: d("100"), SpotPrice: d("100"),
		FuturesBid: d("100.4"), FuturesAsk: d("100.5"), FuturesPrice: d("100.45"),
		MakerFee: d("0.0001"), TakerFee: d("0.0002"),
	}))
	require.NoError(t, db.UpsertFundingRate(&storage.FundingRate{
		Exchange: "binance", Symbol: "BTC/USDT", Timestamp: now,
		FundingRate: d("0.0008"), FundingInterval: 8 * 3600 * 1000,
	}))

	var notified []types.Opportunity
	m.AddListener(func(opps []types.Opportunity) { notified = opps })

	found := m.Scan()
	require.NotEmpty(t, found)
	assert.Equal(t, "s2a_btcusdt_binance", found[0].ID)
	assert.Len(t, notified, len(found))

	got, ok := m.ByID("s2a_btcusdt_binance")
	require.True(t, ok)
	assert.True(t, got.ExpectedReturn.Equal(d("0.2")))

	// The published list is sorted by expected return.
	list := m.Opportunities()
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].ExpectedReturnPct.GreaterThan(list[i-1].ExpectedReturnPct))
	}
}
