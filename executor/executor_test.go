package executor

import (
	"context"
	"encoding/json"
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
	"github.com/web3guy0/fundingbot/monitor"
	"github.com/web3guy0/fundingbot/orders"
	"github.com/web3guy0/fundingbot/risk"
	"github.com/web3guy0/fundingbot/secrets"
	"github.com/web3guy0/fundingbot/storage"
	"github.com/web3guy0/fundingbot/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	exec      *Executor
	db        *storage.Database
	cfg       *config.Store
	registry  *exchange.Registry
	collector *collector.Collector
	events    *[]Notification
}

func newFixture(t *testing.T) *fixture {
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
	mon := monitor.New(c, db, cfg)
	om := orders.New(registry, db, cfg)
	rm := risk.New(db, cfg)
	exec := New(db, cfg, registry, c, mon, om, rm)

	var events []Notification
	exec.AddListener(func(n Notification) { events = append(events, n) })
	return &fixture{exec: exec, db: db, cfg: cfg, registry: registry, collector: c, events: &events}
}

func (f *fixture) eventSeen(event types.Event) bool {
	for _, n := range *f.events {
		if n.Event == event {
			return true
		}
	}
	return false
}

func s1Opp() types.Opportunity {
	return types.Opportunity{
		ID: "s1_btcusdt_binance_okx", Strategy: types.StrategyCrossExchange,
		RiskLevel: types.RiskLow, Score: 70, Symbol: "BTC/USDT",
		LongExchange: "binance", ShortExchange: "okx",
		FundingDiff: d("0.0011"), PositionSize: decimal.NewFromInt(1000),
		LongEntryPrice: decimal.NewFromInt(50000), ShortEntryPrice: decimal.NewFromInt(50050),
		ExpectedReturn: d("0.5"),
	}
}

func s2aOpp() types.Opportunity {
	return types.Opportunity{
		ID: "s2a_btcusdt_binance", Strategy: types.StrategySpotFutures,
		RiskLevel: types.RiskLow, Score: 70, Symbol: "BTC/USDT", Exchange: "binance",
		FundingRate: d("0.0008"), Basis: d("0.004"), PositionSize: decimal.NewFromInt(1000),
		SpotEntryPrice: decimal.NewFromInt(100), FuturesEntryPrice: d("100.4"),
		ExpectedReturn: d("0.2"),
	}
}

func s3Opp() types.Opportunity {
	return types.Opportunity{
		ID: "s3_btcusdt_okx_short", Strategy: types.StrategyDirectional,
		RiskLevel: types.RiskLow, Score: 70, Symbol: "BTC/USDT", Exchange: "okx",
		Direction: types.DirectionShort, FundingRate: d("0.001"),
		PositionSize: decimal.NewFromInt(500), EntryPrice: decimal.NewFromInt(100),
	}
}

func TestExecuteOpensCrossExchangePosition(t *testing.T) {
	f := newFixture(t)

	p, err := f.exec.Execute(context.Background(), s1Opp())
	require.NoError(t, err)
	assert.Equal(t, string(types.PositionOpen), p.Status)
	assert.True(t, p.PositionSize.Equal(decimal.NewFromInt(1000)))
	assert.True(t, p.FeesPaid.IsPositive())
	assert.True(t, p.CurrentPnL.IsNegative()) // entry fees only so far
	assert.Equal(t, []string{"binance", "okx"}, p.VenueList())

	details, err := p.Details()
	require.NoError(t, err)
	assert.Equal(t, "binance", details.LongExchange)
	assert.Equal(t, "okx", details.ShortExchange)

	rows, err := f.db.OrdersByPosition(p.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.True(t, f.eventSeen(types.EventPositionOpened))
}

func TestExecuteRejectedByRiskGate(t *testing.T) {
	f := newFixture(t)

	opp := s1Opp()
	opp.PriceDiffPct = d("0.02")
	_, err := f.exec.Execute(context.Background(), opp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk gate")

	open, err := f.db.OpenPositions()
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.True(t, f.eventSeen(types.EventExecutionFailed))
}

func TestAdmitRoutesByModeAndRisk(t *testing.T) {
	f := newFixture(t)

	// Low-risk auto strategy goes straight to the queue.
	f.exec.Admit([]types.Opportunity{s2aOpp()})
	assert.Len(t, f.exec.queue, 1)

	// Basis trades are always surfaced for manual review.
	basis := s2aOpp()
	basis.ID = "s2b_btcusdt_binance"
	basis.Strategy = types.StrategyBasis
	basis.RiskLevel = types.RiskMedium
	f.exec.Admit([]types.Opportunity{basis})
	assert.Len(t, f.exec.queue, 1)
	assert.True(t, f.eventSeen(types.EventOpportunityFound))

	// Manual execution mode blocks the auto path.
	require.NoError(t, f.cfg.Set("strategy2a", "execution_mode", "manual"))
	manual := s2aOpp()
	manual.ID = "s2a_ethusdt_binance"
	manual.Symbol = "ETH/USDT"
	f.exec.Admit([]types.Opportunity{manual})
	assert.Len(t, f.exec.queue, 1)
}

func TestAdmitPausedDropsEverything(t *testing.T) {
	f := newFixture(t)
	f.exec.Pause()
	f.exec.Admit([]types.Opportunity{s2aOpp()})
	assert.Len(t, f.exec.queue, 0)
	assert.Empty(t, *f.events)

	f.exec.Resume()
	f.exec.Admit([]types.Opportunity{s2aOpp()})
	assert.Len(t, f.exec.queue, 1)
}

func TestPauseDropsAlreadyQueuedOpportunities(t *testing.T) {
	f := newFixture(t)

	// Admitted before the pause: the item is already sitting in the queue
	// when execution is paused.
	f.exec.enqueue(s2aOpp())
	f.exec.Pause()
	f.exec.Start()

	require.Eventually(t, func() bool { return len(f.exec.queue) == 0 },
		2*time.Second, 10*time.Millisecond)
	f.exec.Stop()

	open, err := f.db.OpenPositions()
	require.NoError(t, err)
	assert.Empty(t, open)

	// The drop released the in-flight slot, so the same id is admissible
	// again after resume.
	f.exec.Resume()
	f.exec.Admit([]types.Opportunity{s2aOpp()})
	assert.Len(t, f.exec.queue, 1)
}

func TestAdmitSkipsSymbolsAlreadyHeld(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec.Execute(context.Background(), s2aOpp())
	require.NoError(t, err)

	f.exec.Admit([]types.Opportunity{s2aOpp()})
	assert.Len(t, f.exec.queue, 0)
}

func TestClosePositionSettlesFundingAndFees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.exec.Execute(ctx, s2aOpp())
	require.NoError(t, err)
	p.OpenTime = time.Now().Add(-time.Hour)
	require.NoError(t, f.db.SavePosition(p))

	// One settlement lands after entry.
	settle := time.Now().Add(-30 * time.Minute).UnixMilli()
	require.NoError(t, f.db.UpsertFundingRate(&storage.FundingRate{
		Exchange: "binance", Symbol: "BTC/USDT",
		Timestamp: settle - 300_000, FundingRate: d("0.0008"), NextFundingTime: settle,
	}))
	f.exec.manageOpenPositions()

	require.NoError(t, f.exec.ClosePosition(ctx, p.ID, "manual"))

	got, err := f.db.GetPosition(p.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.PositionClosed), got.Status)
	assert.Equal(t, "manual", got.CloseReason)
	require.NotNil(t, got.CloseTime)
	assert.True(t, got.FundingCollected.Equal(d("0.8")), got.FundingCollected.String())
	assert.True(t, got.RealizedPnL.Equal(got.FundingCollected.Sub(got.FeesPaid)), got.RealizedPnL.String())

	rows, err := f.db.OrdersByPosition(p.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	assert.True(t, f.eventSeen(types.EventPositionClosed))
}

func TestAccrueFundingCrossExchangeNeedsBothVenues(t *testing.T) {
	f := newFixture(t)

	p, err := f.exec.Execute(context.Background(), s1Opp())
	require.NoError(t, err)
	p.OpenTime = time.Now().Add(-time.Hour)
	require.NoError(t, f.db.SavePosition(p))
	details, err := p.Details()
	require.NoError(t, err)

	inst1 := time.Now().Add(-30 * time.Minute).UnixMilli()
	inst2 := time.Now().Add(-10 * time.Minute).UnixMilli()
	for _, row := range []*storage.FundingRate{
		{Exchange: "binance", Symbol: "BTC/USDT", Timestamp: inst1 - 600_000, FundingRate: d("0.0003"), NextFundingTime: inst1},
		{Exchange: "binance", Symbol: "BTC/USDT", Timestamp: inst1 - 300_000, FundingRate: d("0.0001"), NextFundingTime: inst1},
		{Exchange: "okx", Symbol: "BTC/USDT", Timestamp: inst1 - 300_000, FundingRate: d("0.0012"), NextFundingTime: inst1},
		{Exchange: "okx", Symbol: "BTC/USDT", Timestamp: inst2 - 300_000, FundingRate: d("0.0010"), NextFundingTime: inst2},
	} {
		require.NoError(t, f.db.UpsertFundingRate(row))
	}

	// Only inst1 settled on both venues, and binance's newest prediction for
	// it wins: 1000 * (0.0012 - 0.0001).
	assert.True(t, f.exec.accrueFunding(p, details))
	assert.True(t, p.FundingCollected.Equal(d("1.1")), p.FundingCollected.String())

	// Re-running converges, no phantom writes.
	assert.False(t, f.exec.accrueFunding(p, details))
}

func TestAccrueFundingBooksPerSettlementNotPerSample(t *testing.T) {
	f := newFixture(t)

	p, err := f.exec.Execute(context.Background(), s2aOpp())
	require.NoError(t, err)
	p.OpenTime = time.Now().Add(-time.Hour)
	require.NoError(t, f.db.SavePosition(p))
	details, err := p.Details()
	require.NoError(t, err)

	// A full hour of five-minute samples, all predicting the same settlement
	// seven hours out. Nothing has settled, so nothing accrues.
	pending := time.Now().Add(7 * time.Hour).UnixMilli()
	base := time.Now().Add(-time.Hour).UnixMilli()
	for i := 0; i < 12; i++ {
		require.NoError(t, f.db.UpsertFundingRate(&storage.FundingRate{
			Exchange: "binance", Symbol: "BTC/USDT",
			Timestamp: base + int64(i)*300_000, FundingRate: d("0.0008"),
			NextFundingTime: pending,
		}))
	}
	assert.False(t, f.exec.accrueFunding(p, details))
	assert.True(t, p.FundingCollected.IsZero(), p.FundingCollected.String())

	// One elapsed settlement accrues exactly once, no matter how many samples
	// predicted it.
	settled := time.Now().Add(-20 * time.Minute).UnixMilli()
	for i := 0; i < 6; i++ {
		require.NoError(t, f.db.UpsertFundingRate(&storage.FundingRate{
			Exchange: "binance", Symbol: "BTC/USDT",
			Timestamp: settled - int64(i+1)*300_000, FundingRate: d("0.0008"),
			NextFundingTime: settled,
		}))
	}
	assert.True(t, f.exec.accrueFunding(p, details))
	assert.True(t, p.FundingCollected.Equal(d("0.8")), p.FundingCollected.String())
}

func TestEmergencyFlagClosesPosition(t *testing.T) {
	f := newFixture(t)

	p, err := f.exec.Execute(context.Background(), s3Opp())
	require.NoError(t, err)

	p.Status = string(types.PositionEmergencyPending)
	require.NoError(t, f.db.SavePosition(p))

	f.exec.manageOpenPositions()

	got, err := f.db.GetPosition(p.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.PositionClosed), got.Status)
	assert.Equal(t, "emergency", got.CloseReason)
}

func (f *fixture) seedPrice(t *testing.T, exchange, symbol string, bid, ask decimal.Decimal, ts int64) {
	t.Helper()
	require.NoError(t, f.db.InsertMarketPrice(&storage.MarketPrice{
		Exchange: exchange, Symbol: symbol, Timestamp: ts,
		FuturesBid: bid, FuturesAsk: ask,
	}))
	f.collector.Reload(context.Background())
}

func TestTrailingStopArmsTracksAndFires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cfg.Set("strategy3", "trailing_callback_pct", "0.04"))

	p, err := f.exec.Execute(ctx, s3Opp()) // short from 100
	require.NoError(t, err)

	// 5% in profit: arms at 95.
	ts := time.Now().UnixMilli()
	f.seedPrice(t, "okx", "BTC/USDT", d("94.9"), d("95.1"), ts)
	f.exec.manageOpenPositions()
	got, err := f.db.GetPosition(p.ID)
	require.NoError(t, err)
	assert.True(t, got.TrailingStopActivated)
	assert.True(t, got.BestPrice.Equal(decimal.NewFromInt(95)), got.BestPrice.String())

	// Small retracement holds.
	f.seedPrice(t, "okx", "BTC/USDT", d("96.1"), d("96.3"), ts+1)
	f.exec.manageOpenPositions()
	got, err = f.db.GetPosition(p.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.PositionOpen), got.Status)

	// 4% off the best closes.
	f.seedPrice(t, "okx", "BTC/USDT", d("98.7"), d("98.9"), ts+2)
	f.exec.manageOpenPositions()
	got, err = f.db.GetPosition(p.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.PositionClosed), got.Status)
	assert.Equal(t, "trailing_stop", got.CloseReason)
	assert.True(t, f.eventSeen(types.EventTrailingStop))
}

func TestStopLossClosesAndAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.exec.Execute(ctx, s3Opp()) // short from 100, stop 3%
	require.NoError(t, err)

	f.seedPrice(t, "okx", "BTC/USDT", d("103.4"), d("103.6"), time.Now().UnixMilli())
	f.exec.manageOpenPositions()

	got, err := f.db.GetPosition(p.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.PositionClosed), got.Status)
	assert.Equal(t, "stop_loss", got.CloseReason)
	assert.True(t, f.eventSeen(types.EventRiskAlert))
}

func insertLivePosition(t *testing.T, db *storage.Database, symbol, exchange string, size decimal.Decimal) *storage.Position {
	t.Helper()
	details := types.EntryDetails{
		Exchange: exchange, Direction: types.DirectionShort, EntryPrice: decimal.NewFromInt(100),
	}
	dj, err := json.Marshal(details)
	require.NoError(t, err)
	p := &storage.Position{
		StrategyType: string(types.StrategyDirectional), Symbol: symbol,
		Exchanges: `["` + exchange + `"]`, EntryDetails: string(dj),
		PositionSize: size, Status: string(types.PositionOpen),
	}
	require.NoError(t, db.SavePosition(p))
	return p
}

func TestReconcileClosesVanishedPositions(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cfg.Set("trading", "simulation_mode", false))

	p := insertLivePosition(t, f.db, "BTC/USDT", "okx", decimal.NewFromInt(500))
	f.registry.Set("okx", &exchange.FakeDriver{
		VenueName: "okx",
		PositionsFn: func(ctx context.Context) ([]exchange.VenuePosition, error) {
			return nil, nil
		},
	})

	f.exec.Reconcile(context.Background())

	got, err := f.db.GetPosition(p.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.PositionClosed), got.Status)
	assert.Equal(t, "not_found_on_exchange", got.CloseReason)
	assert.True(t, f.eventSeen(types.EventPositionAutoClosed))
}

func TestReconcileSyncsDriftedSize(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cfg.Set("trading", "simulation_mode", false))

	p := insertLivePosition(t, f.db, "BTC/USDT", "okx", decimal.NewFromInt(1000))
	f.registry.Set("okx", &exchange.FakeDriver{
		VenueName: "okx",
		PositionsFn: func(ctx context.Context) ([]exchange.VenuePosition, error) {
			return []exchange.VenuePosition{{
				Symbol: "BTC/USDT", Side: types.DirectionShort,
				EntryPrice: decimal.NewFromInt(100), Notional: decimal.NewFromInt(1200),
			}}, nil
		},
	})

	f.exec.Reconcile(context.Background())

	got, err := f.db.GetPosition(p.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.PositionOpen), got.Status)
	assert.True(t, got.PositionSize.Equal(decimal.NewFromInt(1200)), got.PositionSize.String())
	assert.True(t, f.eventSeen(types.EventPositionUpdated))
}

func TestReconcileSyncsDriftedEntryPrice(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cfg.Set("trading", "simulation_mode", false))

	// Recorded entry 100; the venue says the short was filled at 104 and the
	// notional matches, so only the entry price needs syncing.
	p := insertLivePosition(t, f.db, "BTC/USDT", "okx", decimal.NewFromInt(1000))
	f.registry.Set("okx", &exchange.FakeDriver{
		VenueName: "okx",
		PositionsFn: func(ctx context.Context) ([]exchange.VenuePosition, error) {
			return []exchange.VenuePosition{{
				Symbol: "BTC/USDT", Side: types.DirectionShort,
				EntryPrice: decimal.NewFromInt(104), Notional: decimal.NewFromInt(1000),
			}}, nil
		},
	})

	f.exec.Reconcile(context.Background())

	got, err := f.db.GetPosition(p.ID)
	require.NoError(t, err)
	assert.True(t, got.PositionSize.Equal(decimal.NewFromInt(1000)), got.PositionSize.String())
	details, err := got.Details()
	require.NoError(t, err)
	assert.True(t, details.EntryPrice.Equal(decimal.NewFromInt(104)), details.EntryPrice.String())
	assert.True(t, f.eventSeen(types.EventPositionUpdated))

	// A sub-tolerance difference is left alone.
	*f.events = nil
	f.registry.Set("okx", &exchange.FakeDriver{
		VenueName: "okx",
		PositionsFn: func(ctx context.Context) ([]exchange.VenuePosition, error) {
			return []exchange.VenuePosition{{
				Symbol: "BTC/USDT", Side: types.DirectionShort,
				EntryPrice: d("104.5"), Notional: decimal.NewFromInt(1000),
			}}, nil
		},
	})
	f.exec.Reconcile(context.Background())
	got, err = f.db.GetPosition(p.ID)
	require.NoError(t, err)
	details, err = got.Details()
	require.NoError(t, err)
	assert.True(t, details.EntryPrice.Equal(decimal.NewFromInt(104)))
	assert.False(t, f.eventSeen(types.EventPositionUpdated))
}

func TestReconcileImportsUnknownVenuePosition(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cfg.Set("trading", "simulation_mode", false))

	f.registry.Set("okx", &exchange.FakeDriver{
		VenueName: "okx",
		PositionsFn: func(ctx context.Context) ([]exchange.VenuePosition, error) {
			return []exchange.VenuePosition{{
				Symbol: "ETH/USDT", Side: types.DirectionShort,
				EntryPrice: decimal.NewFromInt(3000), Notional: decimal.NewFromInt(1500),
			}}, nil
		},
	})

	f.exec.Reconcile(context.Background())

	open, err := f.db.OpenPositions()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, string(types.StrategyDirectional), open[0].StrategyType)
	assert.Equal(t, "ETH/USDT", open[0].Symbol)
	assert.True(t, open[0].PositionSize.Equal(decimal.NewFromInt(1500)))

	details, err := open[0].Details()
	require.NoError(t, err)
	assert.True(t, details.SyncedFromExchange)
	assert.Equal(t, types.DirectionShort, details.Direction)
}

func TestReconcileSkippedInSimulation(t *testing.T) {
	f := newFixture(t)
	p := insertLivePosition(t, f.db, "BTC/USDT", "okx", decimal.NewFromInt(500))

	// No drivers registered at all; simulation mode must not touch the book.
	f.exec.Reconcile(context.Background())

	got, err := f.db.GetPosition(p.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.PositionOpen), got.Status)
}
