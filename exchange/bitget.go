package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/types"
)

const (
	bitgetBaseURL     = "https://api.bitget.com"
	bitgetProductType = "USDT-FUTURES"
)

// BitgetDriver talks to Bitget v2 REST. Both spot and futures instruments
// are spelled BASEUSDT.
type BitgetDriver struct {
	http       *resty.Client
	apiKey     string
	apiSecret  string
	passphrase string
}

func NewBitget(apiKey, apiSecret, passphrase string) *BitgetDriver {
	return &BitgetDriver{
		http: resty.New().
			SetBaseURL(bitgetBaseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
	}
}

func (b *BitgetDriver) Name() string { return "bitget" }

type bitgetEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (b *BitgetDriver) request(ctx context.Context, method, path, body string, private bool, out interface{}) error {
	req := b.http.R().SetContext(ctx)
	if private {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		mac := hmac.New(sha256.New, []byte(b.apiSecret))
		mac.Write([]byte(ts + method + path + body))
		req.SetHeaders(map[string]string{
			"ACCESS-KEY":        b.apiKey,
			"ACCESS-SIGN":       base64.StdEncoding.EncodeToString(mac.Sum(nil)),
			"ACCESS-TIMESTAMP":  ts,
			"ACCESS-PASSPHRASE": b.passphrase,
		})
	}
	if body != "" {
		req.SetBody(body)
	}

	var env bitgetEnvelope
	req.SetResult(&env)
	var resp *resty.Response
	var err error
	if method == http.MethodPost {
		resp, err = req.Post(path)
	} else {
		resp, err = req.Get(path)
	}
	if err != nil {
		return fmt.Errorf("bitget %s %s: %w", method, path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("bitget %s %s: status %d", method, path, resp.StatusCode())
	}
	if env.Code != "00000" {
		return fmt.Errorf("bitget %s %s: code %s: %s", method, path, env.Code, env.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("bitget %s %s: decode: %w", method, path, err)
		}
	}
	return nil
}

type bitgetTicker struct {
	Symbol string `json:"symbol"`
	LastPr string `json:"lastPr"`
	BidPr  string `json:"bidPr"`
	AskPr  string `json:"askPr"`
	Ts     string `json:"ts"`
}

func (t *bitgetTicker) toTicker(symbol string) *Ticker {
	return &Ticker{
		Symbol:    symbol,
		Bid:       dec(t.BidPr),
		Ask:       dec(t.AskPr),
		Last:      dec(t.LastPr),
		Timestamp: dec(t.Ts).IntPart(),
	}
}

func (b *BitgetDriver) SpotTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var data []bitgetTicker
	path := "/api/v2/spot/market/tickers?symbol=" + JoinedSymbol(symbol)
	if err := b.request(ctx, http.MethodGet, path, "", false, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("bitget spot ticker %s: empty response", symbol)
	}
	return data[0].toTicker(symbol), nil
}

func (b *BitgetDriver) FuturesTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var data []bitgetTicker
	path := fmt.Sprintf("/api/v2/mix/market/ticker?productType=%s&symbol=%s", bitgetProductType, JoinedSymbol(symbol))
	if err := b.request(ctx, http.MethodGet, path, "", false, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("bitget futures ticker %s: empty response", symbol)
	}
	return data[0].toTicker(symbol), nil
}

func (b *BitgetDriver) allTickers(data []bitgetTicker) map[string]*Ticker {
	out := make(map[string]*Ticker, len(data))
	for i := range data {
		t := &data[i]
		if !strings.HasSuffix(t.Symbol, "USDT") {
			continue
		}
		symbol := NormalizeJoined(t.Symbol)
		out[symbol] = t.toTicker(symbol)
	}
	return out
}

func (b *BitgetDriver) AllSpotTickers(ctx context.Context) (map[string]*Ticker, error) {
	var data []bitgetTicker
	if err := b.request(ctx, http.MethodGet, "/api/v2/spot/market/tickers", "", false, &data); err != nil {
		return nil, err
	}
	return b.allTickers(data), nil
}

func (b *BitgetDriver) AllFuturesTickers(ctx context.Context) (map[string]*Ticker, error) {
	var data []bitgetTicker
	path := "/api/v2/mix/market/tickers?productType=" + bitgetProductType
	if err := b.request(ctx, http.MethodGet, path, "", false, &data); err != nil {
		return nil, err
	}
	return b.allTickers(data), nil
}

func (b *BitgetDriver) FundingRate(ctx context.Context, symbol string) (*FundingInfo, error) {
	var rates []struct {
		FundingRate string `json:"fundingRate"`
	}
	path := fmt.Sprintf("/api/v2/mix/market/current-fund-rate?symbol=%s&productType=%s", JoinedSymbol(symbol), bitgetProductType)
	if err := b.request(ctx, http.MethodGet, path, "", false, &rates); err != nil {
		return nil, err
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("bitget funding %s: empty response", symbol)
	}
	info := &FundingInfo{
		Rate:          dec(rates[0].FundingRate),
		PredictedRate: dec(rates[0].FundingRate),
	}

	var times []struct {
		NextFundingTime string `json:"nextFundingTime"`
		RatePeriod      string `json:"ratePeriod"` // hours
	}
	path = fmt.Sprintf("/api/v2/mix/market/funding-time?symbol=%s&productType=%s", JoinedSymbol(symbol), bitgetProductType)
	if err := b.request(ctx, http.MethodGet, path, "", false, &times); err == nil && len(times) > 0 {
		info.NextFundingTime = dec(times[0].NextFundingTime).IntPart()
		info.IntervalMs = dec(times[0].RatePeriod).IntPart() * 3_600_000
	}
	return info, nil
}

func (b *BitgetDriver) FundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingSample, error) {
	var data []struct {
		FundingRate string `json:"fundingRate"`
		FundingTime string `json:"fundingTime"`
	}
	path := fmt.Sprintf("/api/v2/mix/market/history-fund-rate?symbol=%s&productType=%s&pageSize=%d",
		JoinedSymbol(symbol), bitgetProductType, limit)
	if err := b.request(ctx, http.MethodGet, path, "", false, &data); err != nil {
		return nil, err
	}
	out := make([]FundingSample, 0, len(data))
	for _, d := range data {
		out = append(out, FundingSample{Rate: dec(d.FundingRate), Timestamp: dec(d.FundingTime).IntPart()})
	}
	return out, nil
}

func (b *BitgetDriver) OrderBook(ctx context.Context, symbol string, isFutures bool, depth int) (*OrderBook, error) {
	var path string
	if isFutures {
		path = fmt.Sprintf("/api/v2/mix/market/merge-depth?symbol=%s&productType=%s&limit=%d",
			JoinedSymbol(symbol), bitgetProductType, depth)
	} else {
		path = fmt.Sprintf("/api/v2/spot/market/orderbook?symbol=%s&limit=%d", JoinedSymbol(symbol), depth)
	}
	var data struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := b.request(ctx, http.MethodGet, path, "", false, &data); err != nil {
		return nil, err
	}
	book := &OrderBook{}
	for _, lvl := range data.Bids {
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, BookLevel{Price: dec(lvl[0]), Amount: dec(lvl[1])})
		}
	}
	for _, lvl := range data.Asks {
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, BookLevel{Price: dec(lvl[0]), Amount: dec(lvl[1])})
		}
	}
	book.BidDepth = notionalSum(book.Bids)
	book.AskDepth = notionalSum(book.Asks)
	return book, nil
}

func (b *BitgetDriver) TradingFees(ctx context.Context, symbol string) (*Fees, error) {
	var data struct {
		MakerFeeRate string `json:"makerFeeRate"`
		TakerFeeRate string `json:"takerFeeRate"`
	}
	path := "/api/v2/common/trade-rate?symbol=" + JoinedSymbol(symbol) + "&businessType=spot"
	if err := b.request(ctx, http.MethodGet, path, "", true, &data); err != nil {
		return nil, err
	}
	return &Fees{Maker: dec(data.MakerFeeRate).Abs(), Taker: dec(data.TakerFeeRate).Abs()}, nil
}

func (b *BitgetDriver) Balance(ctx context.Context) (map[string]decimal.Decimal, error) {
	var data []struct {
		MarginCoin string `json:"marginCoin"`
		Available  string `json:"available"`
	}
	path := "/api/v2/mix/account/accounts?productType=" + bitgetProductType
	if err := b.request(ctx, http.MethodGet, path, "", true, &data); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(data))
	for _, d := range data {
		bal := dec(d.Available)
		if !bal.IsZero() {
			out[d.MarginCoin] = bal
		}
	}
	return out, nil
}

func (b *BitgetDriver) AccountInfo(ctx context.Context) (*AccountInfo, error) {
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

func (b *BitgetDriver) Positions(ctx context.Context) ([]VenuePosition, error) {
	var data []struct {
		Symbol       string `json:"symbol"`
		HoldSide     string `json:"holdSide"`
		Total        string `json:"total"`
		OpenPriceAvg string `json:"openPriceAvg"`
	}
	path := "/api/v2/mix/position/all-position?productType=" + bitgetProductType
	if err := b.request(ctx, http.MethodGet, path, "", true, &data); err != nil {
		return nil, err
	}
	out := make([]VenuePosition, 0, len(data))
	for _, p := range data {
		contracts := dec(p.Total)
		if contracts.IsZero() {
			continue
		}
		side := types.DirectionLong
		if p.HoldSide == "short" {
			side = types.DirectionShort
		}
		entry := dec(p.OpenPriceAvg)
		out = append(out, VenuePosition{
			Symbol:     NormalizeJoined(p.Symbol),
			Side:       side,
			Contracts:  contracts,
			EntryPrice: entry,
			Notional:   contracts.Mul(entry),
		})
	}
	return out, nil
}

func bitgetStatus(state string) string {
	switch state {
	case "live", "new", "init":
		return "open"
	case "partially_filled":
		return "partially_filled"
	case "filled":
		return "closed"
	case "cancelled", "canceled":
		return "canceled"
	}
	return state
}

func (b *BitgetDriver) CreateMarketOrder(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, isFutures, reduceOnly bool) (*OrderResult, error) {
	clOrdID := strings.ReplaceAll(clientOrderID(), "-", "")
	var path string
	var payload map[string]interface{}
	if isFutures {
		path = "/api/v2/mix/order/place-order"
		ro := "NO"
		if reduceOnly {
			ro = "YES"
		}
		payload = map[string]interface{}{
			"symbol":      JoinedSymbol(symbol),
			"productType": bitgetProductType,
			"marginMode":  "crossed",
			"marginCoin":  "USDT",
			"side":        string(side),
			"orderType":   "market",
			"size":        amount.String(),
			"reduceOnly":  ro,
			"clientOid":   clOrdID,
		}
	} else {
		path = "/api/v2/spot/trade/place-order"
		payload = map[string]interface{}{
			"symbol":    JoinedSymbol(symbol),
			"side":      string(side),
			"orderType": "market",
			"size":      amount.String(),
			"force":     "gtc",
			"clientOid": clOrdID,
		}
	}
	return b.placeOrder(ctx, path, payload, symbol, side, "market", amount, decimal.Zero)
}

func (b *BitgetDriver) CreateLimitOrder(ctx context.Context, symbol string, side types.Side, amount, price decimal.Decimal, isFutures bool) (*OrderResult, error) {
	clOrdID := strings.ReplaceAll(clientOrderID(), "-", "")
	var path string
	var payload map[string]interface{}
	if isFutures {
		path = "/api/v2/mix/order/place-order"
		payload = map[string]interface{}{
			"symbol":      JoinedSymbol(symbol),
			"productType": bitgetProductType,
			"marginMode":  "crossed",
			"marginCoin":  "USDT",
			"side":        string(side),
			"orderType":   "limit",
			"price":       price.String(),
			"size":        amount.String(),
			"clientOid":   clOrdID,
		}
	} else {
		path = "/api/v2/spot/trade/place-order"
		payload = map[string]interface{}{
			"symbol":    JoinedSymbol(symbol),
			"side":      string(side),
			"orderType": "limit",
			"price":     price.String(),
			"size":      amount.String(),
			"force":     "gtc",
			"clientOid": clOrdID,
		}
	}
	return b.placeOrder(ctx, path, payload, symbol, side, "limit", amount, price)
}

func (b *BitgetDriver) placeOrder(ctx context.Context, path string, payload map[string]interface{}, symbol string, side types.Side, ordType string, amount, price decimal.Decimal) (*OrderResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var ack struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := b.request(ctx, http.MethodPost, path, string(body), true, &ack); err != nil {
		return nil, err
	}
	return &OrderResult{
		OrderID:       ack.OrderID,
		ClientOrderID: ack.ClientOid,
		Symbol:        symbol,
		Side:          side,
		Type:          ordType,
		Status:        "open",
		Price:         price,
		Amount:        amount,
		Timestamp:     time.Now().UnixMilli(),
	}, nil
}

func (b *BitgetDriver) FetchOrder(ctx context.Context, orderID, symbol string, isFutures bool) (*OrderResult, error) {
	if isFutures {
		var data struct {
			OrderID     string `json:"orderId"`
			ClientOid   string `json:"clientOid"`
			Price       string `json:"price"`
			PriceAvg    string `json:"priceAvg"`
			Size        string `json:"size"`
			BaseVolume  string `json:"baseVolume"`
			State       string `json:"state"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Fee         string `json:"fee"`
			UpdatedTime string `json:"uTime"`
		}
		path := fmt.Sprintf("/api/v2/mix/order/detail?symbol=%s&productType=%s&orderId=%s",
			JoinedSymbol(symbol), bitgetProductType, orderID)
		if err := b.request(ctx, http.MethodGet, path, "", true, &data); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "not exist") {
				return nil, ErrOrderNotFound
			}
			return nil, err
		}
		if data.OrderID == "" {
			return nil, ErrOrderNotFound
		}
		return &OrderResult{
			OrderID:       data.OrderID,
			ClientOrderID: data.ClientOid,
			Symbol:        symbol,
			Side:          types.Side(data.Side),
			Type:          data.OrderType,
			Status:        bitgetStatus(data.State),
			Price:         dec(data.Price),
			AvgPrice:      dec(data.PriceAvg),
			Amount:        dec(data.Size),
			Filled:        dec(data.BaseVolume),
			FeeCost:       dec(data.Fee).Abs(),
			FeeCurrency:   "USDT",
			Timestamp:     dec(data.UpdatedTime).IntPart(),
		}, nil
	}

	var data []struct {
		OrderID     string `json:"orderId"`
		ClientOid   string `json:"clientOid"`
		Price       string `json:"price"`
		PriceAvg    string `json:"priceAvg"`
		Size        string `json:"size"`
		BaseVolume  string `json:"baseVolume"`
		Status      string `json:"status"`
		Side        string `json:"side"`
		OrderType   string `json:"orderType"`
		UpdatedTime string `json:"uTime"`
	}
	path := "/api/v2/spot/trade/orderInfo?orderId=" + orderID
	if err := b.request(ctx, http.MethodGet, path, "", true, &data); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not exist") {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrOrderNotFound
	}
	d := data[0]
	return &OrderResult{
		OrderID:       d.OrderID,
		ClientOrderID: d.ClientOid,
		Symbol:        symbol,
		Side:          types.Side(d.Side),
		Type:          d.OrderType,
		Status:        bitgetStatus(d.Status),
		Price:         dec(d.Price),
		AvgPrice:      dec(d.PriceAvg),
		Amount:        dec(d.Size),
		Filled:        dec(d.BaseVolume),
		Timestamp:     dec(d.UpdatedTime).IntPart(),
	}, nil
}
