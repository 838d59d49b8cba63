package config

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/types"
)

// PairSettings is the fully-resolved per-(symbol, exchange) strategy
// configuration: the DB override row blended over the global strategy
// defaults.
type PairSettings struct {
	Symbol   string
	Exchange string

	S1Enabled        bool
	S1Mode           types.ExecutionMode
	S1MinFundingDiff decimal.Decimal
	S1MaxPriceDiff   decimal.Decimal
	S1PositionSize   decimal.Decimal

	S2AEnabled           bool
	S2AMode              types.ExecutionMode
	S2AMinFundingRate    decimal.Decimal
	S2AMaxBasisDeviation decimal.Decimal
	S2APositionSize      decimal.Decimal

	S2BEnabled      bool
	S2BMinBasis     decimal.Decimal
	S2BPositionSize decimal.Decimal

	S3Enabled            bool
	S3MinFundingRate     decimal.Decimal
	S3PositionSize       decimal.Decimal
	S3StopLossPct        decimal.Decimal
	S3CheckBasis         bool
	S3ShortExitThreshold decimal.Decimal
	S3LongExitThreshold  decimal.Decimal
	S3TrailingEnabled    bool
	S3TrailingActivation decimal.Decimal
	S3TrailingCallback   decimal.Decimal

	MaxPositions int
}

// ResolvePair resolves settings for one (symbol, exchange): exact row, then
// symbol-level row, then pure global defaults.
func (s *Store) ResolvePair(symbol, exchange string) (*PairSettings, error) {
	out := s.globalPairDefaults(symbol, exchange)

	row, err := s.db.PairConfig(symbol, exchange)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return out, nil
	}

	out.S1Enabled = out.S1Enabled && row.Strategy1Enabled
	out.S2AEnabled = out.S2AEnabled && row.Strategy2AEnabled
	out.S2BEnabled = out.S2BEnabled && row.Strategy2BEnabled
	out.S3Enabled = out.S3Enabled && row.Strategy3Enabled

	if row.S1ExecutionMode != "" {
		out.S1Mode = types.ExecutionMode(row.S1ExecutionMode)
	}
	if row.S2AExecutionMode != "" {
		out.S2AMode = types.ExecutionMode(row.S2AExecutionMode)
	}

	overrideDec(&out.S1MinFundingDiff, row.S1MinFundingDiff)
	overrideDec(&out.S1MaxPriceDiff, row.S1MaxPriceDiff)
	overrideDec(&out.S1PositionSize, row.S1PositionSize)
	overrideDec(&out.S2AMinFundingRate, row.S2AMinFundingRate)
	overrideDec(&out.S2AMaxBasisDeviation, row.S2AMaxBasisDeviation)
	overrideDec(&out.S2APositionSize, row.S2APositionSize)
	overrideDec(&out.S2BMinBasis, row.S2BMinBasis)
	overrideDec(&out.S2BPositionSize, row.S2BPositionSize)
	overrideDec(&out.S3MinFundingRate, row.S3MinFundingRate)
	overrideDec(&out.S3PositionSize, row.S3PositionSize)
	overrideDec(&out.S3StopLossPct, row.S3StopLossPct)
	overrideDec(&out.S3ShortExitThreshold, row.S3ShortExitThreshold)
	overrideDec(&out.S3LongExitThreshold, row.S3LongExitThreshold)
	overrideDec(&out.S3TrailingActivation, row.S3TrailingActivation)
	overrideDec(&out.S3TrailingCallback, row.S3TrailingCallback)

	if row.S3CheckBasis != nil {
		out.S3CheckBasis = *row.S3CheckBasis
	}
	if row.S3TrailingStopEnabled != nil {
		out.S3TrailingEnabled = *row.S3TrailingStopEnabled
	}
	if row.MaxPositions > 0 {
		out.MaxPositions = row.MaxPositions
	}
	return out, nil
}

func overrideDec(dst *decimal.Decimal, src *decimal.Decimal) {
	if src != nil {
		*dst = *src
	}
}

func (s *Store) globalPairDefaults(symbol, exchange string) *PairSettings {
	return &PairSettings{
		Symbol:   symbol,
		Exchange: exchange,

		S1Enabled:        s.GetBool("strategy1.enabled", true),
		S1Mode:           types.ExecutionMode(s.GetString("strategy1.execution_mode", "auto")),
		S1MinFundingDiff: s.GetDecimal("strategy1.min_funding_diff", decimal.RequireFromString("0.0005")),
		S1MaxPriceDiff:   s.GetDecimal("strategy1.max_price_diff", decimal.RequireFromString("0.01")),
		S1PositionSize:   s.GetDecimal("strategy1.position_size", decimal.NewFromInt(1000)),

		S2AEnabled:           s.GetBool("strategy2a.enabled", true),
		S2AMode:              types.ExecutionMode(s.GetString("strategy2a.execution_mode", "auto")),
		S2AMinFundingRate:    s.GetDecimal("strategy2a.min_funding_rate", decimal.RequireFromString("0.0005")),
		S2AMaxBasisDeviation: s.GetDecimal("strategy2a.max_basis_deviation", decimal.RequireFromString("0.01")),
		S2APositionSize:      s.GetDecimal("strategy2a.position_size", decimal.NewFromInt(1000)),

		S2BEnabled:      s.GetBool("strategy2b.enabled", true),
		S2BMinBasis:     s.GetDecimal("strategy2b.min_basis", decimal.RequireFromString("0.02")),
		S2BPositionSize: s.GetDecimal("strategy2b.position_size", decimal.NewFromInt(1000)),

		S3Enabled:            s.GetBool("strategy3.enabled", false),
		S3MinFundingRate:     s.GetDecimal("strategy3.min_funding_rate", decimal.RequireFromString("0.0005")),
		S3PositionSize:       s.GetDecimal("strategy3.position_size", decimal.NewFromInt(500)),
		S3StopLossPct:        s.GetDecimal("strategy3.stop_loss_pct", decimal.RequireFromString("0.03")),
		S3CheckBasis:         s.GetBool("strategy3.check_basis", true),
		S3ShortExitThreshold: s.GetDecimal("strategy3.short_exit_threshold", decimal.Zero),
		S3LongExitThreshold:  s.GetDecimal("strategy3.long_exit_threshold", decimal.Zero),
		S3TrailingEnabled:    s.GetBool("strategy3.trailing_stop_enabled", true),
		S3TrailingActivation: s.GetDecimal("strategy3.trailing_activation_pct", decimal.RequireFromString("0.04")),
		S3TrailingCallback:   s.GetDecimal("strategy3.trailing_callback_pct", decimal.RequireFromString("0.02")),

		MaxPositions: s.GetInt("global.max_positions", 10),
	}
}
