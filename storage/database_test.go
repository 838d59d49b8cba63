package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConfigUpsertAndSeed(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.UpsertConfig(&ConfigEntry{
		Category: "monitor", Key: "scan_interval", Value: "10", IsHotReload: true,
	}))

	// Seeding must not overwrite an existing value.
	require.NoError(t, db.InsertConfigIfMissing(&ConfigEntry{
		Category: "monitor", Key: "scan_interval", Value: "99", IsHotReload: true,
	}))
	entry, err := db.GetConfigEntry("monitor", "scan_interval")
	require.NoError(t, err)
	assert.Equal(t, "10", entry.Value)

	// Upsert does overwrite.
	require.NoError(t, db.UpsertConfig(&ConfigEntry{
		Category: "monitor", Key: "scan_interval", Value: "30", IsHotReload: true,
	}))
	entry, err = db.GetConfigEntry("monitor", "scan_interval")
	require.NoError(t, err)
	assert.Equal(t, "30", entry.Value)

	entries, err := db.AllConfig()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAccountLifecycle(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.SaveAccount(&ExchangeAccount{
		ExchangeName: "binance", APIKey: "enc-key", APISecret: "enc-secret", IsActive: true,
	}))
	require.NoError(t, db.SaveAccount(&ExchangeAccount{
		ExchangeName: "okx", APIKey: "k", APISecret: "s", Passphrase: "p", IsActive: true,
	}))

	// Re-saving the same exchange updates in place.
	require.NoError(t, db.SaveAccount(&ExchangeAccount{
		ExchangeName: "binance", APIKey: "enc-key-2", APISecret: "enc-secret-2", IsActive: true,
	}))

	accounts, err := db.ActiveAccounts()
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	acc, err := db.GetAccount("binance")
	require.NoError(t, err)
	assert.Equal(t, "enc-key-2", acc.APIKey)

	require.NoError(t, db.SetAccountActive("okx", false))
	accounts, err = db.ActiveAccounts()
	require.NoError(t, err)
	assert.Len(t, accounts, 1)

	require.NoError(t, db.DeleteAccount("binance"))
	accounts, err = db.AllAccounts()
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestPairConfigResolutionOrder(t *testing.T) {
	db := newTestDB(t)

	size := decimal.NewFromInt(500)
	require.NoError(t, db.SavePairConfig(&TradingPairConfig{
		Symbol: "BTC/USDT", Exchange: "", IsActive: true,
	}))
	require.NoError(t, db.SavePairConfig(&TradingPairConfig{
		Symbol: "BTC/USDT", Exchange: "binance", IsActive: true, S1PositionSize: &size,
	}))

	// Exact (symbol, exchange) wins.
	pair, err := db.PairConfig("BTC/USDT", "binance")
	require.NoError(t, err)
	require.NotNil(t, pair)
	require.NotNil(t, pair.S1PositionSize)
	assert.True(t, pair.S1PositionSize.Equal(size))

	// Unknown exchange falls back to the symbol-level row.
	pair, err = db.PairConfig("BTC/USDT", "bitget")
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Nil(t, pair.S1PositionSize)

	// Unknown symbol resolves to nothing.
	pair, err = db.PairConfig("DOGE/USDT", "binance")
	require.NoError(t, err)
	assert.Nil(t, pair)
}

func TestFundingRateIdempotentUpsert(t *testing.T) {
	db := newTestDB(t)

	fr := &FundingRate{
		Exchange: "binance", Symbol: "BTC/USDT", Timestamp: 1_700_000_000_000,
		FundingRate: decimal.RequireFromString("0.0001"),
	}
	require.NoError(t, db.UpsertFundingRate(fr))

	// Same instant again with a revised rate: one row, new value.
	require.NoError(t, db.UpsertFundingRate(&FundingRate{
		Exchange: "binance", Symbol: "BTC/USDT", Timestamp: 1_700_000_000_000,
		FundingRate: decimal.RequireFromString("0.0002"),
	}))

	history, err := db.FundingHistory("binance", "BTC/USDT", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].FundingRate.Equal(decimal.RequireFromString("0.0002")))
}

func TestRecentSettlementTimes(t *testing.T) {
	db := newTestDB(t)

	// Three samples per settlement at five-minute cadence: the distinct
	// settlement instants come back, not the sample instants.
	base := int64(1_700_000_000_000)
	for i, settle := range []int64{base, base + 8*3600*1000, base + 16*3600*1000} {
		for j := 0; j < 3; j++ {
			require.NoError(t, db.UpsertFundingRate(&FundingRate{
				Exchange: "okx", Symbol: "ETH/USDT",
				Timestamp:   settle - int64(j+1)*300_000,
				FundingRate: decimal.New(int64(i+1), -4), NextFundingTime: settle,
			}))
		}
	}

	got, err := db.RecentSettlementTimes("okx", "ETH/USDT")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, base+16*3600*1000, got[0])
	assert.Equal(t, base+8*3600*1000, got[1])
}

func TestLatestMarketPrices(t *testing.T) {
	db := newTestDB(t)

	now := time.Now().UnixMilli()
	for _, ts := range []int64{now - 60_000, now - 30_000, now} {
		require.NoError(t, db.InsertMarketPrice(&MarketPrice{
			Exchange: "binance", Symbol: "BTC/USDT", Timestamp: ts,
			FuturesPrice: decimal.NewFromInt(50000),
		}))
	}
	require.NoError(t, db.InsertMarketPrice(&MarketPrice{
		Exchange: "okx", Symbol: "BTC/USDT", Timestamp: now - 20 * 60_000,
		FuturesPrice: decimal.NewFromInt(50010),
	}))

	// Stale okx row is excluded by the age cut.
	prices, err := db.LatestMarketPrices(now - 10*60_000)
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.Equal(t, "binance", prices[0].Exchange)
	assert.Equal(t, now, prices[0].Timestamp)
}

func TestPositionAggregates(t *testing.T) {
	db := newTestDB(t)

	open := func(symbol string, size int64) {
		require.NoError(t, db.SavePosition(&Position{
			StrategyType: "funding_rate_cross_exchange", Symbol: symbol,
			Exchanges:    `["binance","okx"]`,
			PositionSize: decimal.NewFromInt(size),
			Status:       "open",
		}))
	}
	open("BTC/USDT", 1000)
	open("BTC/USDT", 500)
	open("ETH/USDT", 250)

	closeTime := time.Now()
	require.NoError(t, db.SavePosition(&Position{
		StrategyType: "basis_arbitrage", Symbol: "SOL/USDT",
		PositionSize: decimal.NewFromInt(300),
		RealizedPnL:  decimal.RequireFromString("12.5"),
		Status:       "closed", CloseTime: &closeTime,
	}))

	n, err := db.OpenPositionCount("BTC/USDT")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	exposure, err := db.OpenExposure()
	require.NoError(t, err)
	assert.True(t, exposure.Equal(decimal.NewFromInt(1750)), exposure.String())

	pnl, err := db.TotalRealizedPnL()
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.RequireFromString("12.5")))

	positions, err := db.OpenPositions()
	require.NoError(t, err)
	assert.Len(t, positions, 3)
	venues := positions[0].VenueList()
	assert.Equal(t, []string{"binance", "okx"}, venues)
}

func TestRiskEventHandling(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.SaveRiskEvent(&RiskEvent{
		Level: "critical", EventType: "hedge_rollback_failed",
		Description: "rollback leg rejected on okx",
	}))
	require.NoError(t, db.SaveRiskEvent(&RiskEvent{
		Level: "warning", EventType: "drawdown_warning",
	}))

	events, err := db.UnhandledRiskEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.NoError(t, db.MarkRiskEventHandled(events[0].ID))
	events, err = db.UnhandledRiskEvents()
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestBackupCopiesSQLiteFile(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.UpsertConfig(&ConfigEntry{Category: "a", Key: "b", Value: "c"}))

	dst, err := db.Backup(t.TempDir())
	require.NoError(t, err)
	assert.FileExists(t, dst)
}
