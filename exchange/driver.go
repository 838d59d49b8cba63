// Package exchange defines the venue driver interface and the concrete
// drivers (Binance, OKX, Bitget). All symbols crossing this boundary are in
// BASE/USDT form; venue-specific instrument ids are each driver's concern.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/types"
)

// Ticker is a top-of-book snapshot for one market.
type Ticker struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	Timestamp int64 // ms
}

// FundingInfo is the current funding state of one perpetual.
type FundingInfo struct {
	Rate            decimal.Decimal
	PredictedRate   decimal.Decimal
	NextFundingTime int64 // ms
	IntervalMs      int64 // 0 when the venue does not report it
}

// FundingSample is one historical settlement record.
type FundingSample struct {
	Rate      decimal.Decimal
	Timestamp int64 // settlement instant, ms
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// OrderBook is a depth snapshot. BidDepth/AskDepth are notional sums over
// the returned levels.
type OrderBook struct {
	Bids     []BookLevel
	Asks     []BookLevel
	BidDepth decimal.Decimal
	AskDepth decimal.Decimal
}

// Fees is the maker/taker fee pair for one market.
type Fees struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// AccountInfo summarises a venue account.
type AccountInfo struct {
	Balances       map[string]decimal.Decimal
	TotalUSDT      decimal.Decimal
	PositionsCount int
	Timestamp      int64
}

// VenuePosition is one live position as the venue reports it, symbol already
// normalised.
type VenuePosition struct {
	Symbol     string
	Side       types.Direction
	Contracts  decimal.Decimal
	EntryPrice decimal.Decimal
	Notional   decimal.Decimal
}

// OrderResult is the venue's view of one order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Type          string // "market" | "limit"
	Status        string // "open" | "partially_filled" | "closed" | "canceled" | "rejected"
	Price         decimal.Decimal
	AvgPrice      decimal.Decimal
	Amount        decimal.Decimal
	Filled        decimal.Decimal
	FeeCost       decimal.Decimal
	FeeCurrency   string
	Timestamp     int64
}

// Filled reports whether the order reached a terminal filled state.
func (o *OrderResult) IsFilled() bool {
	return o.Status == "closed" && o.Filled.IsPositive()
}

// Driver is the per-venue capability set. Implementations must be safe for
// concurrent use.
type Driver interface {
	Name() string

	SpotTicker(ctx context.Context, symbol string) (*Ticker, error)
	FuturesTicker(ctx context.Context, symbol string) (*Ticker, error)
	// AllSpotTickers and AllFuturesTickers batch-fetch the venue's whole
	// universe in one call, keyed by normalised symbol.
	AllSpotTickers(ctx context.Context) (map[string]*Ticker, error)
	AllFuturesTickers(ctx context.Context) (map[string]*Ticker, error)

	FundingRate(ctx context.Context, symbol string) (*FundingInfo, error)
	FundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingSample, error)

	OrderBook(ctx context.Context, symbol string, futures bool, depth int) (*OrderBook, error)
	TradingFees(ctx context.Context, symbol string) (*Fees, error)

	Balance(ctx context.Context) (map[string]decimal.Decimal, error)
	AccountInfo(ctx context.Context) (*AccountInfo, error)
	Positions(ctx context.Context) ([]VenuePosition, error)

	CreateMarketOrder(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*OrderResult, error)
	CreateLimitOrder(ctx context.Context, symbol string, side types.Side, amount, price decimal.Decimal, futures bool) (*OrderResult, error)
	FetchOrder(ctx context.Context, orderID, symbol string, futures bool) (*OrderResult, error)
}
