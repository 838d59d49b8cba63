package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/types"
)

// BinanceDriver talks to Binance spot and USDT-M futures.
type BinanceDriver struct {
	spot *binance.Client
	perp *futures.Client

	mu        sync.RWMutex
	intervals map[string]int64 // symbol → funding interval ms
}

func NewBinance(apiKey, apiSecret string) *BinanceDriver {
	return &BinanceDriver{
		spot:      binance.NewClient(apiKey, apiSecret),
		perp:      futures.NewClient(apiKey, apiSecret),
		intervals: make(map[string]int64),
	}
}

func (b *BinanceDriver) Name() string { return "binance" }

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (b *BinanceDriver) SpotTicker(ctx context.Context, symbol string) (*Ticker, error) {
	res, err := b.spot.NewListBookTickersService().Symbol(JoinedSymbol(symbol)).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance spot ticker %s: %w", symbol, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("binance spot ticker %s: empty response", symbol)
	}
	t := res[0]
	return &Ticker{
		Symbol: symbol,
		Bid:    dec(t.BidPrice),
		Ask:    dec(t.AskPrice),
	}, nil
}

func (b *BinanceDriver) FuturesTicker(ctx context.Context, symbol string) (*Ticker, error) {
	res, err := b.perp.NewListBookTickersService().Symbol(JoinedSymbol(symbol)).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance futures ticker %s: %w", symbol, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("binance futures ticker %s: empty response", symbol)
	}
	t := res[0]
	return &Ticker{
		Symbol:    symbol,
		Bid:       dec(t.BidPrice),
		Ask:       dec(t.AskPrice),
		Timestamp: t.Time,
	}, nil
}

func (b *BinanceDriver) AllSpotTickers(ctx context.Context) (map[string]*Ticker, error) {
	res, err := b.spot.NewListBookTickersService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance spot tickers: %w", err)
	}
	out := make(map[string]*Ticker, len(res))
	for _, t := range res {
		if !strings.HasSuffix(t.Symbol, "USDT") {
			continue
		}
		symbol := NormalizeJoined(t.Symbol)
		out[symbol] = &Ticker{
			Symbol: symbol,
			Bid:    dec(t.BidPrice),
			Ask:    dec(t.AskPrice),
		}
	}
	return out, nil
}

func (b *BinanceDriver) AllFuturesTickers(ctx context.Context) (map[string]*Ticker, error) {
	res, err := b.perp.NewListBookTickersService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance futures tickers: %w", err)
	}
	out := make(map[string]*Ticker, len(res))
	for _, t := range res {
		if !strings.HasSuffix(t.Symbol, "USDT") {
			continue
		}
		symbol := NormalizeJoined(t.Symbol)
		out[symbol] = &Ticker{
			Symbol:    symbol,
			Bid:       dec(t.BidPrice),
			Ask:       dec(t.AskPrice),
			Timestamp: t.Time,
		}
	}
	return out, nil
}

func (b *BinanceDriver) FundingRate(ctx context.Context, symbol string) (*FundingInfo, error) {
	res, err := b.perp.NewPremiumIndexService().Symbol(JoinedSymbol(symbol)).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance funding %s: %w", symbol, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("binance funding %s: empty response", symbol)
	}
	idx := res[0]
	return &FundingInfo{
		Rate:            dec(idx.LastFundingRate),
		PredictedRate:   dec(idx.LastFundingRate),
		NextFundingTime: idx.NextFundingTime,
		IntervalMs:      b.fundingInterval(ctx, symbol),
	}, nil
}

// fundingInterval lazily loads and caches per-symbol funding intervals from
// the funding info endpoint. Missing data degrades to 0 (caller resolves).
func (b *BinanceDriver) fundingInterval(ctx context.Context, symbol string) int64 {
	b.mu.RLock()
	loaded := len(b.intervals) > 0
	ms := b.intervals[symbol]
	b.mu.RUnlock()
	if loaded {
		return ms
	}

	infos, err := b.perp.NewFundingRateInfoService().Do(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("binance funding interval fetch failed")
		return 0
	}
	b.mu.Lock()
	for _, info := range infos {
		b.intervals[NormalizeJoined(info.Symbol)] = info.FundingIntervalHours * 3_600_000
	}
	ms = b.intervals[symbol]
	b.mu.Unlock()
	return ms
}

func (b *BinanceDriver) FundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingSample, error) {
	res, err := b.perp.NewFundingRateService().Symbol(JoinedSymbol(symbol)).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance funding history %s: %w", symbol, err)
	}
	out := make([]FundingSample, 0, len(res))
	for _, r := range res {
		out = append(out, FundingSample{Rate: dec(r.FundingRate), Timestamp: r.FundingTime})
	}
	return out, nil
}

func (b *BinanceDriver) OrderBook(ctx context.Context, symbol string, isFutures bool, depth int) (*OrderBook, error) {
	book := &OrderBook{}
	if isFutures {
		res, err := b.perp.NewDepthService().Symbol(JoinedSymbol(symbol)).Limit(depth).Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance futures book %s: %w", symbol, err)
		}
		for _, lvl := range res.Bids {
			book.Bids = append(book.Bids, BookLevel{Price: dec(lvl.Price), Amount: dec(lvl.Quantity)})
		}
		for _, lvl := range res.Asks {
			book.Asks = append(book.Asks, BookLevel{Price: dec(lvl.Price), Amount: dec(lvl.Quantity)})
		}
	} else {
		res, err := b.spot.NewDepthService().Symbol(JoinedSymbol(symbol)).Limit(depth).Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance spot book %s: %w", symbol, err)
		}
		for _, lvl := range res.Bids {
			book.Bids = append(book.Bids, BookLevel{Price: dec(lvl.Price), Amount: dec(lvl.Quantity)})
		}
		for _, lvl := range res.Asks {
			book.Asks = append(book.Asks, BookLevel{Price: dec(lvl.Price), Amount: dec(lvl.Quantity)})
		}
	}
	book.BidDepth = notionalSum(book.Bids)
	book.AskDepth = notionalSum(book.Asks)
	return book, nil
}

func notionalSum(levels []BookLevel) decimal.Decimal {
	sum := decimal.Zero
	for _, lvl := range levels {
		sum = sum.Add(lvl.Price.Mul(lvl.Amount))
	}
	return sum
}

func (b *BinanceDriver) TradingFees(ctx context.Context, symbol string) (*Fees, error) {
	rate, err := b.perp.NewCommissionRateService().Symbol(JoinedSymbol(symbol)).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance fees %s: %w", symbol, err)
	}
	return &Fees{
		Maker: dec(rate.MakerCommissionRate),
		Taker: dec(rate.TakerCommissionRate),
	}, nil
}

func (b *BinanceDriver) Balance(ctx context.Context) (map[string]decimal.Decimal, error) {
	res, err := b.perp.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance balance: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(res))
	for _, bal := range res {
		amount := dec(bal.Balance)
		if !amount.IsZero() {
			out[bal.Asset] = amount
		}
	}
	return out, nil
}

func (b *BinanceDriver) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	balances, err := b.Balance(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := b.Positions(ctx)
	if err != nil {
		return nil, err
	}
	return &AccountInfo{
		Balances:       balances,
		TotalUSDT:      balances["USDT"],
		PositionsCount: len(positions),
	}, nil
}

func (b *BinanceDriver) Positions(ctx context.Context) ([]VenuePosition, error) {
	res, err := b.perp.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance positions: %w", err)
	}
	out := make([]VenuePosition, 0)
	for _, pos := range res {
		amt := dec(pos.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := types.DirectionLong
		if amt.IsNegative() {
			side = types.DirectionShort
		}
		out = append(out, VenuePosition{
			Symbol:     NormalizeJoined(pos.Symbol),
			Side:       side,
			Contracts:  amt.Abs(),
			EntryPrice: dec(pos.EntryPrice),
			Notional:   dec(pos.Notional).Abs(),
		})
	}
	return out, nil
}

func binanceStatus(status string) string {
	switch status {
	case "NEW":
		return "open"
	case "PARTIALLY_FILLED":
		return "partially_filled"
	case "FILLED":
		return "closed"
	case "CANCELED", "EXPIRED":
		return "canceled"
	case "REJECTED":
		return "rejected"
	}
	return strings.ToLower(status)
}

func clientOrderID() string {
	return "fb-" + uuid.NewString()[:18]
}

func (b *BinanceDriver) CreateMarketOrder(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, isFutures, reduceOnly bool) (*OrderResult, error) {
	if isFutures {
		svc := b.perp.NewCreateOrderService().
			Symbol(JoinedSymbol(symbol)).
			Side(futures.SideType(strings.ToUpper(string(side)))).
			Type(futures.OrderTypeMarket).
			Quantity(amount.String()).
			NewClientOrderID(clientOrderID())
		if reduceOnly {
			svc = svc.ReduceOnly(true)
		}
		res, err := svc.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance futures market order %s %s: %w", side, symbol, err)
		}
		return &OrderResult{
			OrderID:       fmt.Sprintf("%d", res.OrderID),
			ClientOrderID: res.ClientOrderID,
			Symbol:        symbol,
			Side:          side,
			Type:          "market",
			Status:        binanceStatus(string(res.Status)),
			AvgPrice:      dec(res.AvgPrice),
			Amount:        amount,
			Filled:        dec(res.ExecutedQuantity),
			Timestamp:     res.UpdateTime,
		}, nil
	}

	res, err := b.spot.NewCreateOrderService().
		Symbol(JoinedSymbol(symbol)).
		Side(binance.SideType(strings.ToUpper(string(side)))).
		Type(binance.OrderTypeMarket).
		Quantity(amount.String()).
		NewClientOrderID(clientOrderID()).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance spot market order %s %s: %w", side, symbol, err)
	}

	out := &OrderResult{
		OrderID:       fmt.Sprintf("%d", res.OrderID),
		ClientOrderID: res.ClientOrderID,
		Symbol:        symbol,
		Side:          side,
		Type:          "market",
		Status:        binanceStatus(string(res.Status)),
		Amount:        amount,
		Filled:        dec(res.ExecutedQuantity),
		Timestamp:     res.TransactTime,
	}
	// Spot fills carry the commission per trade.
	fee := decimal.Zero
	for _, fill := range res.Fills {
		fee = fee.Add(dec(fill.Commission))
		out.FeeCurrency = fill.CommissionAsset
		out.AvgPrice = dec(fill.Price)
	}
	out.FeeCost = fee
	return out, nil
}

func (b *BinanceDriver) CreateLimitOrder(ctx context.Context, symbol string, side types.Side, amount, price decimal.Decimal, isFutures bool) (*OrderResult, error) {
	if isFutures {
		res, err := b.perp.NewCreateOrderService().
			Symbol(JoinedSymbol(symbol)).
			Side(futures.SideType(strings.ToUpper(string(side)))).
			Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Quantity(amount.String()).
			Price(price.String()).
			NewClientOrderID(clientOrderID()).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance futures limit order %s %s: %w", side, symbol, err)
		}
		return &OrderResult{
			OrderID:       fmt.Sprintf("%d", res.OrderID),
			ClientOrderID: res.ClientOrderID,
			Symbol:        symbol,
			Side:          side,
			Type:          "limit",
			Status:        binanceStatus(string(res.Status)),
			Price:         price,
			Amount:        amount,
			Filled:        dec(res.ExecutedQuantity),
			Timestamp:     res.UpdateTime,
		}, nil
	}

	res, err := b.spot.NewCreateOrderService().
		Symbol(JoinedSymbol(symbol)).
		Side(binance.SideType(strings.ToUpper(string(side)))).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(amount.String()).
		Price(price.String()).
		NewClientOrderID(clientOrderID()).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance spot limit order %s %s: %w", side, symbol, err)
	}
	return &OrderResult{
		OrderID:       fmt.Sprintf("%d", res.OrderID),
		ClientOrderID: res.ClientOrderID,
		Symbol:        symbol,
		Side:          side,
		Type:          "limit",
		Status:        binanceStatus(string(res.Status)),
		Price:         price,
		Amount:        amount,
		Filled:        dec(res.ExecutedQuantity),
		Timestamp:     res.TransactTime,
	}, nil
}

func (b *BinanceDriver) FetchOrder(ctx context.Context, orderID, symbol string, isFutures bool) (*OrderResult, error) {
	var id int64
	if _, err := fmt.Sscanf(orderID, "%d", &id); err != nil {
		return nil, fmt.Errorf("binance order id %q: %w", orderID, err)
	}

	if isFutures {
		res, err := b.perp.NewGetOrderService().Symbol(JoinedSymbol(symbol)).OrderID(id).Do(ctx)
		if err != nil {
			if strings.Contains(err.Error(), "-2013") || strings.Contains(err.Error(), "does not exist") {
				return nil, ErrOrderNotFound
			}
			return nil, fmt.Errorf("binance fetch order %s: %w", orderID, err)
		}
		return &OrderResult{
			OrderID:       orderID,
			ClientOrderID: res.ClientOrderID,
			Symbol:        symbol,
			Side:          types.Side(strings.ToLower(string(res.Side))),
			Type:          strings.ToLower(string(res.Type)),
			Status:        binanceStatus(string(res.Status)),
			Price:         dec(res.Price),
			AvgPrice:      dec(res.AvgPrice),
			Amount:        dec(res.OrigQuantity),
			Filled:        dec(res.ExecutedQuantity),
			Timestamp:     res.UpdateTime,
		}, nil
	}

	res, err := b.spot.NewGetOrderService().Symbol(JoinedSymbol(symbol)).OrderID(id).Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "-2013") || strings.Contains(err.Error(), "does not exist") {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("binance fetch order %s: %w", orderID, err)
	}
	return &OrderResult{
		OrderID:       orderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        symbol,
		Side:          types.Side(strings.ToLower(string(res.Side))),
		Type:          strings.ToLower(string(res.Type)),
		Status:        binanceStatus(string(res.Status)),
		Price:         dec(res.Price),
		Amount:        dec(res.OrigQuantity),
		Filled:        dec(res.ExecutedQuantity),
		Timestamp:     res.UpdateTime,
	}, nil
}
