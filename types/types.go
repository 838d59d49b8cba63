package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Strategy identifies which arbitrage strategy produced an opportunity or
// owns a position.
type Strategy string

const (
	StrategyCrossExchange Strategy = "funding_rate_cross_exchange"
	StrategySpotFutures   Strategy = "funding_rate_spot_futures"
	StrategyBasis         Strategy = "basis_arbitrage"
	StrategyDirectional   Strategy = "directional_funding"
)

// RiskLevel classifies how aggressive an opportunity is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ExecutionMode decides whether an opportunity is executed automatically or
// surfaced to the operator first.
type ExecutionMode string

const (
	ModeAuto   ExecutionMode = "auto"
	ModeManual ExecutionMode = "manual"
)

// Side is the order side on a venue.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Direction is the exposure of a directional (single-leg) position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// PositionStatus is the lifecycle state of a persisted position.
type PositionStatus string

const (
	PositionOpen             PositionStatus = "open"
	PositionClosed           PositionStatus = "closed"
	PositionFailed           PositionStatus = "failed"
	PositionEmergencyPending PositionStatus = "emergency_close_pending"
)

// Event names emitted by the executor and risk manager to registered
// listeners (telegram bot, web stream).
type Event string

const (
	EventOpportunityFound   Event = "opportunity_found"
	EventPositionOpened     Event = "position_opened"
	EventPositionClosed     Event = "position_closed"
	EventPositionUpdated    Event = "position_updated"
	EventPositionAutoClosed Event = "position_auto_closed"
	EventExecutionFailed    Event = "execution_failed"
	EventRiskAlert          Event = "risk_alert"
	EventTrailingStop       Event = "trailing_stop"
	EventStrategyExit       Event = "strategy_exit"
)

// MarketSample is the in-memory view of one (exchange, symbol). Any group of
// fields may be absent; the Has* flags gate use.
type MarketSample struct {
	Exchange string
	Symbol   string

	SpotBid  decimal.Decimal
	SpotAsk  decimal.Decimal
	SpotLast decimal.Decimal
	HasSpot  bool

	FuturesBid  decimal.Decimal
	FuturesAsk  decimal.Decimal
	FuturesLast decimal.Decimal
	HasFutures  bool

	SpotDepth5    decimal.Decimal
	FuturesDepth5 decimal.Decimal

	MakerFee decimal.Decimal
	TakerFee decimal.Decimal
	HasFees  bool

	FundingRate       decimal.Decimal
	PredictedRate     decimal.Decimal
	NextFundingTime   int64 // ms
	FundingIntervalMs int64
	HasFunding        bool

	Timestamp int64 // ms
}

// FuturesMid returns the futures mid price, or last when only one side of
// the book is known.
func (s *MarketSample) FuturesMid() decimal.Decimal {
	if s.FuturesBid.IsPositive() && s.FuturesAsk.IsPositive() {
		return s.FuturesBid.Add(s.FuturesAsk).Div(decimal.NewFromInt(2))
	}
	return s.FuturesLast
}

// ProfitBreakdown itemises an opportunity's expected economics for one
// funding period (or the full hold, for basis trades).
type ProfitBreakdown struct {
	FundingIncome decimal.Decimal `json:"funding_income"`
	BasisIncome   decimal.Decimal `json:"basis_income,omitempty"`
	OpenFees      decimal.Decimal `json:"open_fees"`
	CloseFees     decimal.Decimal `json:"close_fees"`
	Slippage      decimal.Decimal `json:"slippage,omitempty"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	NetProfit     decimal.Decimal `json:"net_profit"`
	NetProfitPct  decimal.Decimal `json:"net_profit_pct"`
}

// Opportunity is a transient candidate trade. The monitor replaces the whole
// list on every scan; the ID is deterministic so consumers can match entries
// across scans.
type Opportunity struct {
	ID        string    `json:"id"`
	Strategy  Strategy  `json:"type"`
	RiskLevel RiskLevel `json:"risk_level"`
	Score     float64   `json:"score"`
	Symbol    string    `json:"symbol"`

	Exchange      string `json:"exchange,omitempty"`
	LongExchange  string `json:"long_exchange,omitempty"`
	ShortExchange string `json:"short_exchange,omitempty"`

	Direction Direction `json:"direction,omitempty"`

	FundingDiff    decimal.Decimal `json:"funding_diff,omitempty"`
	FundingRate    decimal.Decimal `json:"funding_rate,omitempty"`
	AnnualizedRate decimal.Decimal `json:"annualized_rate,omitempty"`
	IntervalHours  decimal.Decimal `json:"funding_frequency_hours,omitempty"`
	PeriodsPerDay  decimal.Decimal `json:"times_per_day,omitempty"`
	Basis          decimal.Decimal `json:"basis,omitempty"`
	PriceDiffPct   decimal.Decimal `json:"price_diff_pct,omitempty"`

	PositionSize      decimal.Decimal `json:"position_size"`
	ExpectedReturn    decimal.Decimal `json:"expected_return"`
	ExpectedReturnPct decimal.Decimal `json:"expected_return_pct"`

	LongEntryPrice    decimal.Decimal `json:"long_entry_price,omitempty"`
	ShortEntryPrice   decimal.Decimal `json:"short_entry_price,omitempty"`
	SpotEntryPrice    decimal.Decimal `json:"spot_entry_price,omitempty"`
	FuturesEntryPrice decimal.Decimal `json:"futures_entry_price,omitempty"`
	EntryPrice        decimal.Decimal `json:"entry_price,omitempty"`

	Details    ProfitBreakdown `json:"details"`
	DetectedAt time.Time       `json:"detected_at"`
	Status     string          `json:"status"`
}

// EntryDetails is the JSON bag persisted with a position; which fields are
// set depends on the strategy.
type EntryDetails struct {
	Exchange      string `json:"exchange,omitempty"`
	LongExchange  string `json:"long_exchange,omitempty"`
	ShortExchange string `json:"short_exchange,omitempty"`

	LongPrice    decimal.Decimal `json:"long_price,omitempty"`
	ShortPrice   decimal.Decimal `json:"short_price,omitempty"`
	SpotPrice    decimal.Decimal `json:"spot_price,omitempty"`
	FuturesPrice decimal.Decimal `json:"futures_price,omitempty"`
	EntryPrice   decimal.Decimal `json:"entry_price,omitempty"`

	Direction      Direction       `json:"direction,omitempty"`
	Basis          decimal.Decimal `json:"basis,omitempty"`
	FundingDiff    decimal.Decimal `json:"funding_diff,omitempty"`
	FundingRate    decimal.Decimal `json:"funding_rate,omitempty"`
	ExpectedReturn decimal.Decimal `json:"expected_return,omitempty"`

	EstimatedHoldDays  int  `json:"estimated_hold_days,omitempty"`
	SyncedFromExchange bool `json:"synced_from_exchange,omitempty"`
}

// RiskResult is the outcome of the pre-trade risk gate.
type RiskResult struct {
	Passed       bool
	Reason       string
	AdjustedSize decimal.Decimal
}
