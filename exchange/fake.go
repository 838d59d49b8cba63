package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/types"
)

// FakeDriver is a function-field driver used by package tests and by local
// dry-run wiring. Unset fields return ErrNotSupported.
type FakeDriver struct {
	VenueName string

	SpotTickerFn         func(ctx context.Context, symbol string) (*Ticker, error)
	FuturesTickerFn      func(ctx context.Context, symbol string) (*Ticker, error)
	AllSpotTickersFn     func(ctx context.Context) (map[string]*Ticker, error)
	AllFuturesTickersFn  func(ctx context.Context) (map[string]*Ticker, error)
	FundingRateFn        func(ctx context.Context, symbol string) (*FundingInfo, error)
	FundingRateHistoryFn func(ctx context.Context, symbol string, limit int) ([]FundingSample, error)
	OrderBookFn          func(ctx context.Context, symbol string, futures bool, depth int) (*OrderBook, error)
	TradingFeesFn        func(ctx context.Context, symbol string) (*Fees, error)
	BalanceFn            func(ctx context.Context) (map[string]decimal.Decimal, error)
	AccountInfoFn        func(ctx context.Context) (*AccountInfo, error)
	PositionsFn          func(ctx context.Context) ([]VenuePosition, error)
	CreateMarketOrderFn  func(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*OrderResult, error)
	CreateLimitOrderFn   func(ctx context.Context, symbol string, side types.Side, amount, price decimal.Decimal, futures bool) (*OrderResult, error)
	FetchOrderFn         func(ctx context.Context, orderID, symbol string, futures bool) (*OrderResult, error)
}

func (f *FakeDriver) Name() string {
	if f.VenueName == "" {
		return "fake"
	}
	return f.VenueName
}

func (f *FakeDriver) SpotTicker(ctx context.Context, symbol string) (*Ticker, error) {
	if f.SpotTickerFn == nil {
		return nil, ErrNotSupported
	}
	return f.SpotTickerFn(ctx, symbol)
}

func (f *FakeDriver) FuturesTicker(ctx context.Context, symbol string) (*Ticker, error) {
	if f.FuturesTickerFn == nil {
		return nil, ErrNotSupported
	}
	return f.FuturesTickerFn(ctx, symbol)
}

func (f *FakeDriver) AllSpotTickers(ctx context.Context) (map[string]*Ticker, error) {
	if f.AllSpotTickersFn == nil {
		return nil, ErrNotSupported
	}
	return f.AllSpotTickersFn(ctx)
}

func (f *FakeDriver) AllFuturesTickers(ctx context.Context) (map[string]*Ticker, error) {
	if f.AllFuturesTickersFn == nil {
		return nil, ErrNotSupported
	}
	return f.AllFuturesTickersFn(ctx)
}

func (f *FakeDriver) FundingRate(ctx context.Context, symbol string) (*FundingInfo, error) {
	if f.FundingRateFn == nil {
		return nil, ErrNotSupported
	}
	return f.FundingRateFn(ctx, symbol)
}

func (f *FakeDriver) FundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingSample, error) {
	if f.FundingRateHistoryFn == nil {
		return nil, ErrNotSupported
	}
	return f.FundingRateHistoryFn(ctx, symbol, limit)
}

func (f *FakeDriver) OrderBook(ctx context.Context, symbol string, futures bool, depth int) (*OrderBook, error) {
	if f.OrderBookFn == nil {
		return nil, ErrNotSupported
	}
	return f.OrderBookFn(ctx, symbol, futures, depth)
}

func (f *FakeDriver) TradingFees(ctx context.Context, symbol string) (*Fees, error) {
	if f.TradingFeesFn == nil {
		return nil, ErrNotSupported
	}
	return f.TradingFeesFn(ctx, symbol)
}

func (f *FakeDriver) Balance(ctx context.Context) (map[string]decimal.Decimal, error) {
	if f.BalanceFn == nil {
		return nil, ErrNotSupported
	}
	return f.BalanceFn(ctx)
}

func (f *FakeDriver) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	if f.AccountInfoFn == nil {
		return nil, ErrNotSupported
	}
	return f.AccountInfoFn(ctx)
}

func (f *FakeDriver) Positions(ctx context.Context) ([]VenuePosition, error) {
	if f.PositionsFn == nil {
		return nil, ErrNotSupported
	}
	return f.PositionsFn(ctx)
}

func (f *FakeDriver) CreateMarketOrder(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*OrderResult, error) {
	if f.CreateMarketOrderFn == nil {
		return nil, ErrNotSupported
	}
	return f.CreateMarketOrderFn(ctx, symbol, side, amount, futures, reduceOnly)
}

func (f *FakeDriver) CreateLimitOrder(ctx context.Context, symbol string, side types.Side, amount, price decimal.Decimal, futures bool) (*OrderResult, error) {
	if f.CreateLimitOrderFn == nil {
		return nil, ErrNotSupported
	}
	return f.CreateLimitOrderFn(ctx, symbol, side, amount, price, futures)
}

func (f *FakeDriver) FetchOrder(ctx context.Context, orderID, symbol string, futures bool) (*OrderResult, error) {
	if f.FetchOrderFn == nil {
		return nil, ErrNotSupported
	}
	return f.FetchOrderFn(ctx, orderID, symbol, futures)
}
