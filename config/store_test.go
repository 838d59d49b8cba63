package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/fundingbot/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.Database) {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := NewStore(db)
	require.NoError(t, s.Load())
	return s, db
}

func TestSetDefaultPreservesOperatorValue(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Set("global", "max_positions", 4))
	require.NoError(t, s.SetDefault("global", "max_positions", 10, ""))

	assert.Equal(t, 4, s.GetInt("global.max_positions", 0))

	// And the DB agrees after a fresh load.
	require.NoError(t, s.Load())
	assert.Equal(t, 4, s.GetInt("global.max_positions", 0))
}

func TestSeedDefaultsCoversRecognisedKeys(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SeedDefaults())

	assert.True(t, s.GetDecimal("risk.max_drawdown", decimal.Zero).
		Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, "manual", s.GetString("strategy2b.execution_mode", ""))
	assert.True(t, s.GetBool("trading.simulation_mode", false))
	assert.Equal(t, 10*time.Second, s.GetSeconds("global.opportunity_scan_interval", 0))
}

func TestTypedGettersFallBack(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Set("x", "bad_number", "not-a-number"))

	assert.Equal(t, 7, s.GetInt("x.bad_number", 7))
	assert.True(t, s.GetDecimal("x.bad_number", decimal.NewFromInt(3)).
		Equal(decimal.NewFromInt(3)))
	assert.Equal(t, "fallback", s.GetString("x.missing", "fallback"))
}

func TestReloadHotPicksUpExternalWrite(t *testing.T) {
	s, db := newTestStore(t)
	require.NoError(t, s.SeedDefaults())

	// Simulate another process editing the row directly.
	require.NoError(t, db.UpsertConfig(&storage.ConfigEntry{
		Category: "risk", Key: "max_drawdown", Value: "0.2", IsHotReload: true,
	}))

	assert.True(t, s.GetDecimal("risk.max_drawdown", decimal.Zero).
		Equal(decimal.RequireFromString("0.1")))
	require.NoError(t, s.ReloadHot())
	assert.True(t, s.GetDecimal("risk.max_drawdown", decimal.Zero).
		Equal(decimal.RequireFromString("0.2")))
}

func TestResolvePairBlending(t *testing.T) {
	s, db := newTestStore(t)
	require.NoError(t, s.SeedDefaults())

	diff := decimal.RequireFromString("0.001")
	require.NoError(t, db.SavePairConfig(&storage.TradingPairConfig{
		Symbol: "BTC/USDT", Exchange: "binance", IsActive: true,
		Strategy1Enabled: true, Strategy2AEnabled: false,
		Strategy2BEnabled: true, Strategy3Enabled: false,
		S1MinFundingDiff: &diff,
		MaxPositions:     2,
	}))

	ps, err := s.ResolvePair("BTC/USDT", "binance")
	require.NoError(t, err)
	assert.True(t, ps.S1MinFundingDiff.Equal(diff))
	assert.False(t, ps.S2AEnabled)
	assert.Equal(t, 2, ps.MaxPositions)
	// Untouched fields keep the global defaults.
	assert.True(t, ps.S2BMinBasis.Equal(decimal.RequireFromString("0.02")))

	// No row at all: pure global defaults.
	ps, err = s.ResolvePair("ETH/USDT", "okx")
	require.NoError(t, err)
	assert.True(t, ps.S1Enabled)
	assert.True(t, ps.S1MinFundingDiff.Equal(decimal.RequireFromString("0.0005")))
	assert.Equal(t, 10, ps.MaxPositions)
}
