package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/types"
)

// ConfigEntry is one runtime configuration value. Values are JSON-encoded
// strings; the config store decodes them on read.
type ConfigEntry struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Category    string `gorm:"size:50;uniqueIndex:idx_config_category_key"`
	Key         string `gorm:"size:100;uniqueIndex:idx_config_category_key"`
	Value       string
	IsHotReload bool `gorm:"default:true"`
	Description string
	UpdatedAt   time.Time
}

// ExchangeAccount holds API credentials for one venue. Key, secret and
// passphrase are encrypted at rest.
type ExchangeAccount struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	ExchangeName string `gorm:"size:20;uniqueIndex"`
	APIKey       string
	APISecret    string
	Passphrase   string
	IsActive     bool `gorm:"default:true"`
	CreatedAt    time.Time
}

// TradingPairConfig overrides per-strategy thresholds for one
// (symbol, exchange). Nil pointer fields fall back to the strategy's global
// defaults at resolution time.
type TradingPairConfig struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Symbol   string `gorm:"size:20;uniqueIndex:idx_pair_symbol_exchange"`
	Exchange string `gorm:"size:20;uniqueIndex:idx_pair_symbol_exchange"`

	Strategy1Enabled  bool `gorm:"default:true"`
	Strategy2AEnabled bool `gorm:"default:true"`
	Strategy2BEnabled bool `gorm:"default:true"`
	Strategy3Enabled  bool `gorm:"default:false"`

	S1ExecutionMode  string           `gorm:"size:10;default:auto"`
	S1MinFundingDiff *decimal.Decimal `gorm:"type:decimal(10,6)"`
	S1MaxPriceDiff   *decimal.Decimal `gorm:"type:decimal(10,6)"`
	S1PositionSize   *decimal.Decimal `gorm:"type:decimal(18,2)"`

	S2AExecutionMode     string           `gorm:"size:10;default:auto"`
	S2AMinFundingRate    *decimal.Decimal `gorm:"type:decimal(10,6)"`
	S2AMaxBasisDeviation *decimal.Decimal `gorm:"type:decimal(10,6)"`
	S2APositionSize      *decimal.Decimal `gorm:"type:decimal(18,2)"`

	S2BExecutionMode string           `gorm:"size:10;default:manual"`
	S2BMinBasis      *decimal.Decimal `gorm:"type:decimal(10,6)"`
	S2BPositionSize  *decimal.Decimal `gorm:"type:decimal(18,2)"`

	S3MinFundingRate      *decimal.Decimal `gorm:"type:decimal(10,6)"`
	S3PositionSize        *decimal.Decimal `gorm:"type:decimal(18,2)"`
	S3StopLossPct         *decimal.Decimal `gorm:"type:decimal(10,4)"`
	S3CheckBasis          *bool
	S3ShortExitThreshold  *decimal.Decimal `gorm:"type:decimal(10,6)"`
	S3LongExitThreshold   *decimal.Decimal `gorm:"type:decimal(10,6)"`
	S3TrailingStopEnabled *bool
	S3TrailingActivation  *decimal.Decimal `gorm:"type:decimal(10,4)"`
	S3TrailingCallback    *decimal.Decimal `gorm:"type:decimal(10,4)"`

	MaxPositions int `gorm:"default:3"`
	Priority     int `gorm:"default:5"`
	IsActive     bool
	Notes        string
	UpdatedAt    time.Time
}

// FundingRate is one persisted funding-rate sample. Append-mostly; the
// (exchange, symbol, timestamp) key makes re-sampling idempotent.
type FundingRate struct {
	ID              uint            `gorm:"primaryKey;autoIncrement"`
	Exchange        string          `gorm:"size:20;uniqueIndex:idx_funding_key;index:idx_funding_lookup"`
	Symbol          string          `gorm:"size:20;uniqueIndex:idx_funding_key;index:idx_funding_lookup"`
	Timestamp       int64           `gorm:"uniqueIndex:idx_funding_key;index:idx_funding_lookup"`
	FundingRate     decimal.Decimal `gorm:"type:decimal(10,6)"`
	NextFundingTime int64
	FundingInterval int64 // ms
}

// MarketPrice is a thin persisted price sample per (exchange, symbol).
type MarketPrice struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	Exchange     string          `gorm:"size:20;uniqueIndex:idx_price_key;index:idx_price_lookup"`
	Symbol       string          `gorm:"size:20;uniqueIndex:idx_price_key;index:idx_price_lookup"`
	Timestamp    int64           `gorm:"uniqueIndex:idx_price_key;index:idx_price_lookup"`
	SpotBid      decimal.Decimal `gorm:"type:decimal(18,8)"`
	SpotAsk      decimal.Decimal `gorm:"type:decimal(18,8)"`
	SpotPrice    decimal.Decimal `gorm:"type:decimal(18,8)"`
	FuturesBid   decimal.Decimal `gorm:"type:decimal(18,8)"`
	FuturesAsk   decimal.Decimal `gorm:"type:decimal(18,8)"`
	FuturesPrice decimal.Decimal `gorm:"type:decimal(18,8)"`
	MakerFee     decimal.Decimal `gorm:"type:decimal(10,6)"`
	TakerFee     decimal.Decimal `gorm:"type:decimal(10,6)"`
}

// Kline is an imported historical candle (CSV import path only).
type Kline struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Exchange  string `gorm:"size:20;uniqueIndex:idx_kline_key"`
	Symbol    string `gorm:"size:20;uniqueIndex:idx_kline_key"`
	Timeframe string `gorm:"size:10;uniqueIndex:idx_kline_key"`
	Timestamp int64  `gorm:"uniqueIndex:idx_kline_key"`
	Open      decimal.Decimal `gorm:"type:decimal(18,8)"`
	High      decimal.Decimal `gorm:"type:decimal(18,8)"`
	Low       decimal.Decimal `gorm:"type:decimal(18,8)"`
	Close     decimal.Decimal `gorm:"type:decimal(18,8)"`
	Volume    decimal.Decimal `gorm:"type:decimal(18,8)"`
}

// Order is one venue order, real or simulated.
type Order struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	StrategyID   uint            `gorm:"index"`
	StrategyType string          `gorm:"size:50;index:idx_orders_type_time"`
	Exchange     string          `gorm:"size:20"`
	Symbol       string          `gorm:"size:20"`
	Side         string          `gorm:"size:10"`
	OrderType    string          `gorm:"size:10"`
	Market       string          `gorm:"size:10"` // "spot" | "futures"
	Price        decimal.Decimal `gorm:"type:decimal(18,8)"`
	Amount       decimal.Decimal `gorm:"type:decimal(18,8)"`
	Filled       decimal.Decimal `gorm:"type:decimal(18,8)"`
	Status       string          `gorm:"size:20;index"`
	OrderID      string          `gorm:"size:100"`
	FeeCost      decimal.Decimal `gorm:"type:decimal(18,8)"`
	FeeCurrency  string          `gorm:"size:10"`
	CreateTime   time.Time       `gorm:"index:idx_orders_type_time;autoCreateTime"`
	UpdateTime   time.Time       `gorm:"autoUpdateTime"`
}

// Position is one hedged (or directional) position and its lifecycle state.
type Position struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	StrategyType string          `gorm:"size:50"`
	Symbol       string          `gorm:"size:20;index"`
	Exchanges    string          // JSON array of venue names
	EntryDetails string          // JSON types.EntryDetails
	PositionSize decimal.Decimal `gorm:"type:decimal(18,2)"`
	CurrentPnL   decimal.Decimal `gorm:"type:decimal(18,2)"`
	RealizedPnL  decimal.Decimal `gorm:"column:realized_pnl;type:decimal(18,2)"`
	FundingCollected decimal.Decimal `gorm:"type:decimal(18,8)"`
	FeesPaid         decimal.Decimal `gorm:"type:decimal(18,8)"`
	Status       string     `gorm:"size:30;index:idx_positions_status_time"`
	OpenTime     time.Time  `gorm:"index:idx_positions_status_time;autoCreateTime"`
	CloseTime    *time.Time
	CloseReason  string `gorm:"size:50"`

	TrailingStopActivated bool
	BestPrice             decimal.Decimal `gorm:"type:decimal(20,8)"`
	ActivationPrice       decimal.Decimal `gorm:"type:decimal(20,8)"`
}

// VenueList decodes the Exchanges JSON column.
func (p *Position) VenueList() []string {
	var venues []string
	if err := json.Unmarshal([]byte(p.Exchanges), &venues); err != nil {
		return nil
	}
	return venues
}

// Details decodes the EntryDetails JSON column.
func (p *Position) Details() (types.EntryDetails, error) {
	var d types.EntryDetails
	err := json.Unmarshal([]byte(p.EntryDetails), &d)
	return d, err
}

// RiskEvent is one recorded risk occurrence.
type RiskEvent struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Level       string `gorm:"size:20;index"`
	EventType   string `gorm:"size:50"`
	Description string
	PositionID  *uint
	IsHandled   bool      `gorm:"default:false"`
	Timestamp   time.Time `gorm:"autoCreateTime"`
}
