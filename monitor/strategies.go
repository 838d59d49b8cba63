package monitor

import (
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/config"
	"github.com/web3guy0/fundingbot/types"
)

var (
	defaultMakerFee = decimal.RequireFromString("0.0002")
	defaultTakerFee = decimal.RequireFromString("0.0005")

	pct10 = decimal.RequireFromString("0.1")
	pct50 = decimal.RequireFromString("0.5")
	bp1   = decimal.RequireFromString("0.0001")
	bp5   = decimal.RequireFromString("0.0005")

	hoursPerDay = decimal.NewFromInt(24)
	daysPerYear = decimal.NewFromInt(365)
	hundred     = decimal.NewFromInt(100)
)

// oppID builds the deterministic id consumers use to match entries across
// scans: strategy prefix, flattened symbol, then venue/direction parts.
func oppID(prefix, symbol string, parts ...string) string {
	elems := append([]string{prefix, strings.ReplaceAll(symbol, "/", "")}, parts...)
	return strings.ToLower(strings.Join(elems, "_"))
}

// fees returns the sample's maker/taker fees, or conservative defaults when
// the venue never reported them.
func fees(s types.MarketSample) (maker, taker decimal.Decimal) {
	if s.HasFees {
		return s.MakerFee, s.TakerFee
	}
	return defaultMakerFee, defaultTakerFee
}

// slippageCost estimates the cost of crossing the book: free under 10% of
// top-5 depth, 1 bp under 50%, 5 bp beyond. Unknown depth is not penalised
// here; the order manager's depth check guards actual execution.
func slippageCost(notional, depth5 decimal.Decimal) decimal.Decimal {
	if !depth5.IsPositive() {
		return decimal.Zero
	}
	if notional.LessThan(depth5.Mul(pct10)) {
		return decimal.Zero
	}
	if notional.LessThan(depth5.Mul(pct50)) {
		return notional.Mul(bp1)
	}
	return notional.Mul(bp5)
}

func (m *Monitor) pairSettings(symbol, exchange string) *config.PairSettings {
	ps, err := m.cfg.ResolvePair(symbol, exchange)
	if err != nil {
		log.Debug().Str("symbol", symbol).Err(err).Msg("Pair config lookup failed")
		return nil
	}
	return ps
}

// scanCrossExchange finds funding-rate gaps between venues quoting the same
// perpetual (S1).
func (m *Monitor) scanCrossExchange(snapshot map[string]map[string]types.MarketSample) []types.Opportunity {
	bySymbol := make(map[string][]types.MarketSample)
	for _, symbols := range snapshot {
		for symbol, s := range symbols {
			if s.HasFutures && s.HasFunding && s.FuturesMid().IsPositive() {
				bySymbol[symbol] = append(bySymbol[symbol], s)
			}
		}
	}

	var out []types.Opportunity
	for symbol, samples := range bySymbol {
		if len(samples) < 2 {
			continue
		}
		ps := m.pairSettings(symbol, "")
		if ps == nil || !ps.S1Enabled {
			continue
		}
		sort.Slice(samples, func(i, j int) bool { return samples[i].Exchange < samples[j].Exchange })

		for i := 0; i < len(samples); i++ {
			for j := i + 1; j < len(samples); j++ {
				if opp := m.crossExchangeCandidate(symbol, samples[i], samples[j], ps); opp != nil {
					out = append(out, *opp)
				}
			}
		}
	}
	return out
}

func (m *Monitor) crossExchangeCandidate(symbol string, a, b types.MarketSample, ps *config.PairSettings) *types.Opportunity {
	long, short := a, b
	if a.FundingRate.GreaterThan(b.FundingRate) {
		long, short = b, a
	}
	diff := short.FundingRate.Sub(long.FundingRate)
	if diff.LessThanOrEqual(ps.S1MinFundingDiff) {
		return nil
	}

	pLong, pShort := long.FuturesMid(), short.FuturesMid()
	lower := decimal.Min(pLong, pShort)
	priceDiff := pLong.Sub(pShort).Abs().Div(lower)
	if priceDiff.GreaterThan(ps.S1MaxPriceDiff) {
		return nil // anomalous gap, likely a stale or broken quote
	}

	notional := ps.S1PositionSize
	makerL, takerL := fees(long)
	makerS, takerS := fees(short)
	openFees := notional.Mul(takerL.Add(takerS))
	closeFees := notional.Mul(makerL.Add(makerS))
	slip := slippageCost(notional, long.FuturesDepth5).Add(slippageCost(notional, short.FuturesDepth5))

	net := notional.Mul(diff).Sub(openFees).Sub(closeFees).Sub(slip)
	if !net.IsPositive() {
		return nil
	}

	// Mismatched venue intervals keep the 8h default for estimation.
	hLong := m.fundingIntervalHours(long)
	hShort := m.fundingIntervalHours(short)
	h := hLong
	if !hLong.Equal(hShort) {
		h = decimal.NewFromInt(8)
	}
	perDay := hoursPerDay.Div(h)
	annualizedPct := diff.Mul(perDay).Mul(daysPerYear).Mul(hundred)
	netPct := net.Div(notional)

	return &types.Opportunity{
		ID:            oppID("s1", symbol, long.Exchange, short.Exchange),
		Strategy:      types.StrategyCrossExchange,
		RiskLevel:     types.RiskLow,
		Score:         score(netPct, priceDiff, annualizedPct),
		Symbol:        symbol,
		LongExchange:  long.Exchange,
		ShortExchange: short.Exchange,
		FundingDiff:   diff,
		AnnualizedRate: annualizedPct,
		IntervalHours: h,
		PeriodsPerDay: perDay,
		PriceDiffPct:  priceDiff,
		PositionSize:  notional,
		ExpectedReturn:    net,
		ExpectedReturnPct: netPct,
		LongEntryPrice:    long.FuturesAsk,
		ShortEntryPrice:   short.FuturesBid,
		Details: types.ProfitBreakdown{
			FundingIncome: notional.Mul(diff),
			OpenFees:      openFees,
			CloseFees:     closeFees,
			Slippage:      slip,
			TotalCost:     openFees.Add(closeFees).Add(slip),
			NetProfit:     net,
			NetProfitPct:  netPct,
		},
		DetectedAt: time.Now(),
		Status:     "detected",
	}
}

// scanSpotFutures finds venues paying funding on a hedged spot-long /
// perp-short (S2A).
func (m *Monitor) scanSpotFutures(snapshot map[string]map[string]types.MarketSample) []types.Opportunity {
	var out []types.Opportunity
	for _, symbols := range snapshot {
		for symbol, s := range symbols {
			if !s.HasSpot || !s.HasFutures || !s.HasFunding {
				continue
			}
			if !s.SpotAsk.IsPositive() || !s.FuturesBid.IsPositive() {
				continue
			}
			ps := m.pairSettings(symbol, s.Exchange)
			if ps == nil || !ps.S2AEnabled {
				continue
			}
			if s.FundingRate.LessThanOrEqual(ps.S2AMinFundingRate) {
				continue
			}

			basis := s.FuturesBid.Sub(s.SpotAsk).Div(s.SpotAsk)
			if basis.Abs().GreaterThan(ps.S2AMaxBasisDeviation) {
				continue
			}

			notional := ps.S2APositionSize
			maker, taker := fees(s)
			openFees := notional.Mul(taker).Mul(decimal.NewFromInt(2))
			closeFees := notional.Mul(maker).Mul(decimal.NewFromInt(2))
			funding := notional.Mul(s.FundingRate)
			net := funding.Sub(openFees).Sub(closeFees)
			if !net.IsPositive() {
				continue
			}

			h := m.fundingIntervalHours(s)
			perDay := hoursPerDay.Div(h)
			annualizedPct := s.FundingRate.Mul(perDay).Mul(daysPerYear).Mul(hundred)
			netPct := net.Div(notional)

			out = append(out, types.Opportunity{
				ID:             oppID("s2a", symbol, s.Exchange),
				Strategy:       types.StrategySpotFutures,
				RiskLevel:      types.RiskLow,
				Score:          score(netPct, basis.Abs(), annualizedPct),
				Symbol:         symbol,
				Exchange:       s.Exchange,
				FundingRate:    s.FundingRate,
				AnnualizedRate: annualizedPct,
				IntervalHours:  h,
				PeriodsPerDay:  perDay,
				Basis:          basis,
				PositionSize:   notional,
				ExpectedReturn:    net,
				ExpectedReturnPct: netPct,
				SpotEntryPrice:    s.SpotAsk,
				FuturesEntryPrice: s.FuturesBid,
				Details: types.ProfitBreakdown{
					FundingIncome: funding,
					OpenFees:      openFees,
					CloseFees:     closeFees,
					TotalCost:     openFees.Add(closeFees),
					NetProfit:     net,
					NetProfitPct:  netPct,
				},
				DetectedAt: time.Now(),
				Status:     "detected",
			})
		}
	}
	return out
}

// scanBasis finds futures premiums worth carrying to convergence (S2B).
// Assumed horizon is one day, three settlements.
func (m *Monitor) scanBasis(snapshot map[string]map[string]types.MarketSample) []types.Opportunity {
	threePct := decimal.RequireFromString("0.03")
	var out []types.Opportunity
	for _, symbols := range snapshot {
		for symbol, s := range symbols {
			if !s.HasSpot || !s.HasFutures || !s.HasFunding {
				continue
			}
			if !s.SpotAsk.IsPositive() || !s.FuturesBid.IsPositive() {
				continue
			}
			ps := m.pairSettings(symbol, s.Exchange)
			if ps == nil || !ps.S2BEnabled {
				continue
			}

			basis := s.FuturesBid.Sub(s.SpotAsk).Div(s.SpotAsk)
			if basis.LessThan(ps.S2BMinBasis) {
				continue // negative basis is out of scope
			}

			notional := ps.S2BPositionSize
			maker, taker := fees(s)
			openFees := notional.Mul(taker).Mul(decimal.NewFromInt(2))
			closeFees := notional.Mul(maker).Mul(decimal.NewFromInt(2))
			basisIncome := notional.Mul(basis)
			funding := notional.Mul(s.FundingRate).Mul(decimal.NewFromInt(3))
			net := basisIncome.Add(funding).Sub(openFees).Sub(closeFees)
			if !net.IsPositive() {
				continue
			}

			risk := types.RiskMedium
			if basis.GreaterThanOrEqual(threePct) {
				risk = types.RiskHigh
			}
			netPct := net.Div(notional)
			annualizedPct := netPct.Mul(daysPerYear).Mul(hundred)

			out = append(out, types.Opportunity{
				ID:             oppID("s2b", symbol, s.Exchange),
				Strategy:       types.StrategyBasis,
				RiskLevel:      risk,
				Score:          score(netPct, basis, annualizedPct),
				Symbol:         symbol,
				Exchange:       s.Exchange,
				FundingRate:    s.FundingRate,
				AnnualizedRate: annualizedPct,
				Basis:          basis,
				PositionSize:   notional,
				ExpectedReturn:    net,
				ExpectedReturnPct: netPct,
				SpotEntryPrice:    s.SpotAsk,
				FuturesEntryPrice: s.FuturesBid,
				Details: types.ProfitBreakdown{
					FundingIncome: funding,
					BasisIncome:   basisIncome,
					OpenFees:      openFees,
					CloseFees:     closeFees,
					TotalCost:     openFees.Add(closeFees),
					NetProfit:     net,
					NetProfitPct:  netPct,
				},
				DetectedAt: time.Now(),
				Status:     "detected",
			})
		}
	}
	return out
}

// scanDirectional finds single-leg perps paid to hold in the funding
// direction (S3). Assumed hold is seven days.
func (m *Monitor) scanDirectional(snapshot map[string]map[string]types.MarketSample) []types.Opportunity {
	sevenDays := decimal.NewFromInt(7)
	var out []types.Opportunity
	for _, symbols := range snapshot {
		for symbol, s := range symbols {
			if !s.HasFutures || !s.HasFunding {
				continue
			}
			ps := m.pairSettings(symbol, s.Exchange)
			if ps == nil || !ps.S3Enabled {
				continue
			}
			rate := s.FundingRate
			if rate.Abs().LessThan(ps.S3MinFundingRate) {
				continue
			}

			direction := types.DirectionLong
			entry := s.FuturesAsk
			if rate.IsPositive() {
				direction = types.DirectionShort
				entry = s.FuturesBid
			}
			if !entry.IsPositive() {
				continue
			}

			basis := decimal.Zero
			if s.HasSpot && s.SpotAsk.IsPositive() && s.SpotBid.IsPositive() {
				spotRef := s.SpotLast
				if !spotRef.IsPositive() {
					spotRef = s.SpotBid.Add(s.SpotAsk).Div(decimal.NewFromInt(2))
				}
				basis = s.FuturesMid().Sub(spotRef).Div(spotRef)
				if ps.S3CheckBasis {
					if direction == types.DirectionShort && !s.FuturesBid.GreaterThan(s.SpotAsk) {
						continue
					}
					if direction == types.DirectionLong && !s.FuturesAsk.LessThan(s.SpotBid) {
						continue
					}
				}
			}

			h := m.fundingIntervalHours(s)
			perDay := hoursPerDay.Div(h)
			maker, taker := fees(s)
			periods := perDay.Mul(sevenDays)
			netFraction := rate.Abs().Mul(periods).Sub(taker.Add(maker))
			if !netFraction.IsPositive() {
				continue
			}

			notional := ps.S3PositionSize
			perPeriodNet := rate.Abs().Sub(taker.Add(maker).Div(periods))
			annualizedPct := rate.Abs().Mul(perDay).Mul(daysPerYear).Mul(hundred)

			out = append(out, types.Opportunity{
				ID:             oppID("s3", symbol, s.Exchange, string(direction)),
				Strategy:       types.StrategyDirectional,
				RiskLevel:      types.RiskLow,
				Score:          score(perPeriodNet, basis.Abs(), annualizedPct),
				Symbol:         symbol,
				Exchange:       s.Exchange,
				Direction:      direction,
				FundingRate:    rate,
				AnnualizedRate: annualizedPct,
				IntervalHours:  h,
				PeriodsPerDay:  perDay,
				Basis:          basis,
				PositionSize:   notional,
				ExpectedReturn:    notional.Mul(netFraction),
				ExpectedReturnPct: netFraction,
				EntryPrice:        entry,
				Details: types.ProfitBreakdown{
					FundingIncome: notional.Mul(rate.Abs()).Mul(periods),
					OpenFees:      notional.Mul(taker),
					CloseFees:     notional.Mul(maker),
					TotalCost:     notional.Mul(taker.Add(maker)),
					NetProfit:     notional.Mul(netFraction),
					NetProfitPct:  netFraction,
				},
				DetectedAt: time.Now(),
				Status:     "detected",
			})
		}
	}
	return out
}
