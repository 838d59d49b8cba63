package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/types"
)

const okxBaseURL = "https://www.okx.com"

// OKXDriver talks to OKX v5 REST. Spot instruments are BASE-USDT, perpetuals
// BASE-USDT-SWAP.
type OKXDriver struct {
	http       *resty.Client
	apiKey     string
	apiSecret  string
	passphrase string
}

func NewOKX(apiKey, apiSecret, passphrase string) *OKXDriver {
	return &OKXDriver{
		http: resty.New().
			SetBaseURL(okxBaseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
	}
}

func (o *OKXDriver) Name() string { return "okx" }

func (o *OKXDriver) spotInst(symbol string) string { return DashedSymbol(symbol) }
func (o *OKXDriver) swapInst(symbol string) string { return DashedSymbol(symbol) + "-SWAP" }

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (o *OKXDriver) sign(ts, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(o.apiSecret))
	mac.Write([]byte(ts + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// request performs one call and unwraps the v5 envelope into out. Private
// endpoints are signed per the OKX HMAC scheme.
func (o *OKXDriver) request(ctx context.Context, method, path, body string, private bool, out interface{}) error {
	req := o.http.R().SetContext(ctx)
	if private {
		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.SetHeaders(map[string]string{
			"OK-ACCESS-KEY":        o.apiKey,
			"OK-ACCESS-SIGN":       o.sign(ts, method, path, body),
			"OK-ACCESS-TIMESTAMP":  ts,
			"OK-ACCESS-PASSPHRASE": o.passphrase,
		})
	}
	if body != "" {
		req.SetBody(body)
	}

	var env okxEnvelope
	req.SetResult(&env)
	var resp *resty.Response
	var err error
	if method == http.MethodPost {
		resp, err = req.Post(path)
	} else {
		resp, err = req.Get(path)
	}
	if err != nil {
		return fmt.Errorf("okx %s %s: %w", method, path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("okx %s %s: status %d", method, path, resp.StatusCode())
	}
	if env.Code != "0" {
		return fmt.Errorf("okx %s %s: code %s: %s", method, path, env.Code, env.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("okx %s %s: decode: %w", method, path, err)
		}
	}
	return nil
}

type okxTicker struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	BidPx  string `json:"bidPx"`
	AskPx  string `json:"askPx"`
	Ts     string `json:"ts"`
}

func (t *okxTicker) toTicker(symbol string) *Ticker {
	return &Ticker{
		Symbol:    symbol,
		Bid:       dec(t.BidPx),
		Ask:       dec(t.AskPx),
		Last:      dec(t.Last),
		Timestamp: dec(t.Ts).IntPart(),
	}
}

func (o *OKXDriver) ticker(ctx context.Context, instID, symbol string) (*Ticker, error) {
	var data []okxTicker
	if err := o.request(ctx, http.MethodGet, "/api/v5/market/ticker?instId="+instID, "", false, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx ticker %s: empty response", instID)
	}
	return data[0].toTicker(symbol), nil
}

func (o *OKXDriver) SpotTicker(ctx context.Context, symbol string) (*Ticker, error) {
	return o.ticker(ctx, o.spotInst(symbol), symbol)
}

func (o *OKXDriver) FuturesTicker(ctx context.Context, symbol string) (*Ticker, error) {
	return o.ticker(ctx, o.swapInst(symbol), symbol)
}

func (o *OKXDriver) allTickers(ctx context.Context, instType string) (map[string]*Ticker, error) {
	var data []okxTicker
	if err := o.request(ctx, http.MethodGet, "/api/v5/market/tickers?instType="+instType, "", false, &data); err != nil {
		return nil, err
	}
	out := make(map[string]*Ticker, len(data))
	for i := range data {
		t := &data[i]
		symbol := NormalizeDashed(t.InstID)
		if !strings.HasSuffix(symbol, "/USDT") {
			continue
		}
		out[symbol] = t.toTicker(symbol)
	}
	return out, nil
}

func (o *OKXDriver) AllSpotTickers(ctx context.Context) (map[string]*Ticker, error) {
	return o.allTickers(ctx, "SPOT")
}

func (o *OKXDriver) AllFuturesTickers(ctx context.Context) (map[string]*Ticker, error) {
	return o.allTickers(ctx, "SWAP")
}

func (o *OKXDriver) FundingRate(ctx context.Context, symbol string) (*FundingInfo, error) {
	var data []struct {
		FundingRate     string `json:"fundingRate"`
		NextFundingRate string `json:"nextFundingRate"`
		FundingTime     string `json:"fundingTime"`
		NextFundingTime string `json:"nextFundingTime"`
	}
	path := "/api/v5/public/funding-rate?instId=" + o.swapInst(symbol)
	if err := o.request(ctx, http.MethodGet, path, "", false, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx funding %s: empty response", symbol)
	}
	d := data[0]
	info := &FundingInfo{
		Rate:            dec(d.FundingRate),
		PredictedRate:   dec(d.NextFundingRate),
		NextFundingTime: dec(d.FundingTime).IntPart(),
	}
	// OKX reports the following settlement too; the gap is the interval.
	next := dec(d.NextFundingTime).IntPart()
	if next > info.NextFundingTime && info.NextFundingTime > 0 {
		info.IntervalMs = next - info.NextFundingTime
	}
	return info, nil
}

func (o *OKXDriver) FundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingSample, error) {
	var data []struct {
		FundingRate string `json:"fundingRate"`
		FundingTime string `json:"fundingTime"`
	}
	path := fmt.Sprintf("/api/v5/public/funding-rate-history?instId=%s&limit=%d", o.swapInst(symbol), limit)
	if err := o.request(ctx, http.MethodGet, path, "", false, &data); err != nil {
		return nil, err
	}
	out := make([]FundingSample, 0, len(data))
	for _, d := range data {
		out = append(out, FundingSample{Rate: dec(d.FundingRate), Timestamp: dec(d.FundingTime).IntPart()})
	}
	return out, nil
}

func (o *OKXDriver) OrderBook(ctx context.Context, symbol string, isFutures bool, depth int) (*OrderBook, error) {
	instID := o.spotInst(symbol)
	if isFutures {
		instID = o.swapInst(symbol)
	}
	var data []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	path := fmt.Sprintf("/api/v5/market/books?instId=%s&sz=%d", instID, depth)
	if err := o.request(ctx, http.MethodGet, path, "", false, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx book %s: empty response", instID)
	}
	book := &OrderBook{}
	for _, lvl := range data[0].Bids {
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, BookLevel{Price: dec(lvl[0]), Amount: dec(lvl[1])})
		}
	}
	for _, lvl := range data[0].Asks {
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, BookLevel{Price: dec(lvl[0]), Amount: dec(lvl[1])})
		}
	}
	book.BidDepth = notionalSum(book.Bids)
	book.AskDepth = notionalSum(book.Asks)
	return book, nil
}

func (o *OKXDriver) TradingFees(ctx context.Context, symbol string) (*Fees, error) {
	var data []struct {
		Maker string `json:"maker"`
		Taker string `json:"taker"`
	}
	path := "/api/v5/account/trade-fee?instType=SPOT&instId=" + o.spotInst(symbol)
	if err := o.request(ctx, http.MethodGet, path, "", true, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx fees %s: empty response", symbol)
	}
	// OKX reports fees as negative numbers (rebates positive).
	return &Fees{
		Maker: dec(data[0].Maker).Abs(),
		Taker: dec(data[0].Taker).Abs(),
	}, nil
}

func (o *OKXDriver) Balance(ctx context.Context) (map[string]decimal.Decimal, error) {
	var data []struct {
		Details []struct {
			Ccy     string `json:"ccy"`
			CashBal string `json:"cashBal"`
		} `json:"details"`
	}
	if err := o.request(ctx, http.MethodGet, "/api/v5/account/balance", "", true, &data); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal)
	for _, acct := range data {
		for _, d := range acct.Details {
			bal := dec(d.CashBal)
			if !bal.IsZero() {
				out[d.Ccy] = bal
			}
		}
	}
	return out, nil
}

func (o *OKXDriver) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	balances, err := o.Balance(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := o.Positions(ctx)
	if err != nil {
		return nil, err
	}
	return &AccountInfo{
		Balances:       balances,
		TotalUSDT:      balances["USDT"],
		PositionsCount: len(positions),
	}, nil
}

func (o *OKXDriver) Positions(ctx context.Context) ([]VenuePosition, error) {
	var data []struct {
		InstID   string `json:"instId"`
		PosSide  string `json:"posSide"`
		Pos      string `json:"pos"`
		AvgPx    string `json:"avgPx"`
		NotlUsd  string `json:"notionalUsd"`
		InstType string `json:"instType"`
	}
	if err := o.request(ctx, http.MethodGet, "/api/v5/account/positions?instType=SWAP", "", true, &data); err != nil {
		return nil, err
	}
	out := make([]VenuePosition, 0, len(data))
	for _, p := range data {
		contracts := dec(p.Pos)
		if contracts.IsZero() {
			continue
		}
		side := types.DirectionLong
		// Net mode reports signed size with posSide "net".
		if p.PosSide == "short" || (p.PosSide == "net" && contracts.IsNegative()) {
			side = types.DirectionShort
		}
		out = append(out, VenuePosition{
			Symbol:     NormalizeDashed(p.InstID),
			Side:       side,
			Contracts:  contracts.Abs(),
			EntryPrice: dec(p.AvgPx),
			Notional:   dec(p.NotlUsd).Abs(),
		})
	}
	return out, nil
}

type okxOrderReq struct {
	InstID     string `json:"instId"`
	TdMode     string `json:"tdMode"`
	Side       string `json:"side"`
	OrdType    string `json:"ordType"`
	Sz         string `json:"sz"`
	Px         string `json:"px,omitempty"`
	TgtCcy     string `json:"tgtCcy,omitempty"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
	ClOrdID    string `json:"clOrdId"`
}

type okxOrderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

func (o *OKXDriver) placeOrder(ctx context.Context, req okxOrderReq, symbol string, side types.Side, amount, price decimal.Decimal) (*OrderResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var acks []okxOrderAck
	if err := o.request(ctx, http.MethodPost, "/api/v5/trade/order", string(body), true, &acks); err != nil {
		return nil, err
	}
	if len(acks) == 0 {
		return nil, fmt.Errorf("okx order %s: empty response", symbol)
	}
	ack := acks[0]
	if ack.SCode != "0" {
		return nil, fmt.Errorf("okx order %s rejected: %s %s", symbol, ack.SCode, ack.SMsg)
	}
	return &OrderResult{
		OrderID:       ack.OrdID,
		ClientOrderID: ack.ClOrdID,
		Symbol:        symbol,
		Side:          side,
		Type:          req.OrdType,
		Status:        "open",
		Price:         price,
		Amount:        amount,
		Timestamp:     time.Now().UnixMilli(),
	}, nil
}

func (o *OKXDriver) CreateMarketOrder(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, isFutures, reduceOnly bool) (*OrderResult, error) {
	req := okxOrderReq{
		Side:    string(side),
		OrdType: "market",
		Sz:      amount.String(),
		ClOrdID: strings.ReplaceAll(clientOrderID(), "-", ""),
	}
	if isFutures {
		req.InstID = o.swapInst(symbol)
		req.TdMode = "cross"
		req.ReduceOnly = reduceOnly
	} else {
		req.InstID = o.spotInst(symbol)
		req.TdMode = "cash"
		// Size spot market orders in base units, not quote.
		req.TgtCcy = "base_ccy"
	}
	return o.placeOrder(ctx, req, symbol, side, amount, decimal.Zero)
}

func (o *OKXDriver) CreateLimitOrder(ctx context.Context, symbol string, side types.Side, amount, price decimal.Decimal, isFutures bool) (*OrderResult, error) {
	req := okxOrderReq{
		Side:    string(side),
		OrdType: "limit",
		Sz:      amount.String(),
		Px:      price.String(),
		ClOrdID: strings.ReplaceAll(clientOrderID(), "-", ""),
	}
	if isFutures {
		req.InstID = o.swapInst(symbol)
		req.TdMode = "cross"
	} else {
		req.InstID = o.spotInst(symbol)
		req.TdMode = "cash"
	}
	return o.placeOrder(ctx, req, symbol, side, amount, price)
}

func okxStatus(state string) string {
	switch state {
	case "live":
		return "open"
	case "partially_filled":
		return "partially_filled"
	case "filled":
		return "closed"
	case "canceled", "mmp_canceled":
		return "canceled"
	}
	return state
}

func (o *OKXDriver) FetchOrder(ctx context.Context, orderID, symbol string, isFutures bool) (*OrderResult, error) {
	instID := o.spotInst(symbol)
	if isFutures {
		instID = o.swapInst(symbol)
	}
	var data []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		Px      string `json:"px"`
		AvgPx   string `json:"avgPx"`
		Sz      string `json:"sz"`
		AccFill string `json:"accFillSz"`
		State   string `json:"state"`
		Side    string `json:"side"`
		OrdType string `json:"ordType"`
		Fee     string `json:"fee"`
		FeeCcy  string `json:"feeCcy"`
		UTime   string `json:"uTime"`
	}
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s&ordId=%s", instID, orderID)
	err := o.request(ctx, http.MethodGet, path, "", true, &data)
	if err != nil {
		if strings.Contains(err.Error(), "51603") || strings.Contains(strings.ToLower(err.Error()), "order does not exist") {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrOrderNotFound
	}
	d := data[0]
	return &OrderResult{
		OrderID:       d.OrdID,
		ClientOrderID: d.ClOrdID,
		Symbol:        symbol,
		Side:          types.Side(d.Side),
		Type:          d.OrdType,
		Status:        okxStatus(d.State),
		Price:         dec(d.Px),
		AvgPrice:      dec(d.AvgPx),
		Amount:        dec(d.Sz),
		Filled:        dec(d.AccFill),
		FeeCost:       dec(d.Fee).Abs(),
		FeeCurrency:   d.FeeCcy,
		Timestamp:     dec(d.UTime).IntPart(),
	}, nil
}
