package orders

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/fundingbot/accounts"
	"github.com/web3guy0/fundingbot/config"
	"github.com/web3guy0/fundingbot/exchange"
	"github.com/web3guy0/fundingbot/secrets"
	"github.com/web3guy0/fundingbot/storage"
	"github.com/web3guy0/fundingbot/types"
)

func newManager(t *testing.T) (*Manager, *storage.Database, *exchange.Registry, *config.Store) {
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
	return New(registry, db, cfg), db, registry, cfg
}

func live(t *testing.T, cfg *config.Store) {
	t.Helper()
	require.NoError(t, cfg.Set("trading", "simulation_mode", false))
}

func filledResult(symbol string, side types.Side, amount, price decimal.Decimal) *exchange.OrderResult {
	return &exchange.OrderResult{
		OrderID: "ord-1", Symbol: symbol, Side: side, Type: "market",
		Status: "closed", AvgPrice: price, Amount: amount, Filled: amount,
		FeeCost: decimal.RequireFromString("0.01"), FeeCurrency: "USDT",
	}
}

func marketReq(exchange string) Request {
	return Request{
		Exchange: exchange, Symbol: "BTC/USDT", Side: types.SideBuy, Type: "market",
		Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(50000),
		Futures: true, Strategy: types.StrategyCrossExchange, PositionID: 1,
	}
}

func TestSimulatedOrderFillsInstantly(t *testing.T) {
	m, db, _, _ := newManager(t)

	res, err := m.Place(context.Background(), marketReq("binance"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.OrderID, "SIM_"))
	assert.Equal(t, "closed", res.Status)
	assert.True(t, res.Filled.Equal(decimal.NewFromInt(1)))
	assert.True(t, res.AvgPrice.Equal(decimal.NewFromInt(50000)))

	rows, err := db.OrdersByPosition(1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "futures", rows[0].Market)
	assert.Equal(t, "closed", rows[0].Status)
}

func TestPlaceRetriesTransientErrors(t *testing.T) {
	m, _, registry, cfg := newManager(t)
	live(t, cfg)

	var calls atomic.Int32
	registry.Set("binance", &exchange.FakeDriver{
		VenueName: "binance",
		CreateMarketOrderFn: func(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*exchange.OrderResult, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("http 429 too many requests")
			}
			return filledResult(symbol, side, amount, decimal.NewFromInt(50000)), nil
		},
	})

	res, err := m.Place(context.Background(), marketReq("binance"))
	require.NoError(t, err)
	assert.Equal(t, "closed", res.Status)
	assert.EqualValues(t, 3, calls.Load())
}

func TestPlaceDoesNotRetryPermanentErrors(t *testing.T) {
	m, _, registry, cfg := newManager(t)
	live(t, cfg)

	var calls atomic.Int32
	registry.Set("binance", &exchange.FakeDriver{
		VenueName: "binance",
		CreateMarketOrderFn: func(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*exchange.OrderResult, error) {
			calls.Add(1)
			return nil, errors.New("insufficient balance")
		},
	})

	_, err := m.Place(context.Background(), marketReq("binance"))
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDepthCheckRejectsThinBook(t *testing.T) {
	m, _, registry, cfg := newManager(t)
	live(t, cfg)

	var orderPlaced atomic.Bool
	registry.Set("binance", &exchange.FakeDriver{
		VenueName: "binance",
		OrderBookFn: func(ctx context.Context, symbol string, futures bool, depth int) (*exchange.OrderBook, error) {
			return &exchange.OrderBook{Asks: []exchange.BookLevel{
				{Price: decimal.NewFromInt(50000), Amount: decimal.RequireFromString("0.5")},
			}}, nil
		},
		CreateMarketOrderFn: func(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*exchange.OrderResult, error) {
			orderPlaced.Store(true)
			return filledResult(symbol, side, amount, decimal.NewFromInt(50000)), nil
		},
	})

	req := marketReq("binance")
	req.CheckDepth = true
	_, err := m.Place(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient depth")
	assert.False(t, orderPlaced.Load())
}

func TestDepthCheckPassesDeepBook(t *testing.T) {
	m, _, registry, cfg := newManager(t)
	live(t, cfg)

	registry.Set("binance", &exchange.FakeDriver{
		VenueName: "binance",
		OrderBookFn: func(ctx context.Context, symbol string, futures bool, depth int) (*exchange.OrderBook, error) {
			return &exchange.OrderBook{Asks: []exchange.BookLevel{
				{Price: decimal.NewFromInt(50000), Amount: decimal.NewFromInt(10)},
			}}, nil
		},
		CreateMarketOrderFn: func(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*exchange.OrderResult, error) {
			return filledResult(symbol, side, amount, decimal.NewFromInt(50000)), nil
		},
	})

	req := marketReq("binance")
	req.CheckDepth = true
	res, err := m.Place(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "closed", res.Status)
}

func TestAwaitFillTreatsNotFoundAsFilled(t *testing.T) {
	m, _, registry, cfg := newManager(t)
	live(t, cfg)

	registry.Set("binance", &exchange.FakeDriver{
		VenueName: "binance",
		CreateMarketOrderFn: func(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*exchange.OrderResult, error) {
			return &exchange.OrderResult{OrderID: "ord-1", Symbol: symbol, Side: side, Type: "market",
				Status: "open", Amount: amount}, nil
		},
		FetchOrderFn: func(ctx context.Context, orderID, symbol string, futures bool) (*exchange.OrderResult, error) {
			return nil, exchange.ErrOrderNotFound
		},
	})

	res, err := m.Place(context.Background(), marketReq("binance"))
	require.NoError(t, err)
	assert.Equal(t, "closed", res.Status)
	assert.True(t, res.Filled.Equal(decimal.NewFromInt(1)))
}

func TestFeeFallbackWhenVenueOmitsIt(t *testing.T) {
	m, _, registry, cfg := newManager(t)
	live(t, cfg)

	registry.Set("binance", &exchange.FakeDriver{
		VenueName: "binance",
		CreateMarketOrderFn: func(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*exchange.OrderResult, error) {
			r := filledResult(symbol, side, amount, decimal.NewFromInt(100))
			r.FeeCost = decimal.Zero
			return r, nil
		},
	})

	res, err := m.Place(context.Background(), marketReq("binance"))
	require.NoError(t, err)
	// filled 1 at 100, 5 bps
	assert.True(t, res.FeeCost.Equal(decimal.RequireFromString("0.05")), res.FeeCost.String())
}

func TestHedgeSecondLegFailureRollsBackFirst(t *testing.T) {
	m, _, registry, cfg := newManager(t)
	live(t, cfg)

	var rollback atomic.Value
	registry.Set("binance", &exchange.FakeDriver{
		VenueName: "binance",
		CreateMarketOrderFn: func(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*exchange.OrderResult, error) {
			if side == types.SideSell {
				rollback.Store(reduceOnly)
			}
			return filledResult(symbol, side, amount, decimal.NewFromInt(50000)), nil
		},
	})
	registry.Set("okx", &exchange.FakeDriver{
		VenueName: "okx",
		CreateMarketOrderFn: func(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*exchange.OrderResult, error) {
			return nil, errors.New("insufficient margin")
		},
	})

	first := marketReq("binance")
	second := marketReq("okx")
	second.Side = types.SideSell

	_, _, err := m.PlaceHedgePair(context.Background(), first, second)
	require.Error(t, err)
	var rerr *RollbackError
	assert.False(t, errors.As(err, &rerr))
	// Reverse order went out reduce-only.
	assert.Equal(t, true, rollback.Load())
}

func TestHedgeRollbackFailureIsCritical(t *testing.T) {
	m, db, registry, cfg := newManager(t)
	live(t, cfg)

	var calls atomic.Int32
	registry.Set("binance", &exchange.FakeDriver{
		VenueName: "binance",
		CreateMarketOrderFn: func(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*exchange.OrderResult, error) {
			if calls.Add(1) == 1 {
				return filledResult(symbol, side, amount, decimal.NewFromInt(50000)), nil
			}
			return nil, errors.New("account suspended")
		},
	})
	registry.Set("okx", &exchange.FakeDriver{
		VenueName: "okx",
		CreateMarketOrderFn: func(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*exchange.OrderResult, error) {
			return nil, errors.New("insufficient margin")
		},
	})

	first := marketReq("binance")
	second := marketReq("okx")
	second.Side = types.SideSell

	_, _, err := m.PlaceHedgePair(context.Background(), first, second)
	require.Error(t, err)
	var rerr *RollbackError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "binance", rerr.LegExchange)

	events, err := db.UnhandledRiskEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "hedge_rollback_failed", events[0].EventType)
	assert.Equal(t, "critical", events[0].Level)
}

func TestCloseHedgePairDoesNotRollBack(t *testing.T) {
	m, _, registry, cfg := newManager(t)
	live(t, cfg)

	var binanceCalls atomic.Int32
	registry.Set("binance", &exchange.FakeDriver{
		VenueName: "binance",
		CreateMarketOrderFn: func(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*exchange.OrderResult, error) {
			binanceCalls.Add(1)
			return filledResult(symbol, side, amount, decimal.NewFromInt(50000)), nil
		},
	})
	registry.Set("okx", &exchange.FakeDriver{
		VenueName: "okx",
		CreateMarketOrderFn: func(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*exchange.OrderResult, error) {
			return nil, errors.New("position not found")
		},
	})

	first := marketReq("binance")
	first.Side = types.SideSell
	second := marketReq("okx")

	resA, resB, err := m.CloseHedgePair(context.Background(), first, second)
	require.Error(t, err)
	assert.NotNil(t, resA)
	assert.Nil(t, resB)
	// No reverse order on the closed leg.
	assert.EqualValues(t, 1, binanceCalls.Load())
}

func TestSyncPendingOrders(t *testing.T) {
	m, db, registry, _ := newManager(t)

	require.NoError(t, db.SaveOrder(&storage.Order{
		StrategyID: 7, Exchange: "binance", Symbol: "BTC/USDT", Side: "buy",
		OrderType: "limit", Market: "futures", Status: "open",
		OrderID: "ord-9", Amount: decimal.NewFromInt(1),
	}))
	registry.Set("binance", &exchange.FakeDriver{
		VenueName: "binance",
		FetchOrderFn: func(ctx context.Context, orderID, symbol string, futures bool) (*exchange.OrderResult, error) {
			return &exchange.OrderResult{OrderID: orderID, Symbol: symbol, Status: "closed",
				Filled: decimal.NewFromInt(1), AvgPrice: decimal.NewFromInt(49000),
				FeeCost: decimal.RequireFromString("0.02"), FeeCurrency: "USDT"}, nil
		},
	})

	require.NoError(t, m.SyncPendingOrders(context.Background()))

	rows, err := db.OrdersByPosition(7)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "closed", rows[0].Status)
	assert.True(t, rows[0].Price.Equal(decimal.NewFromInt(49000)))
	assert.True(t, rows[0].FeeCost.Equal(decimal.RequireFromString("0.02")))
}
