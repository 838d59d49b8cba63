package monitor

import (
	"math"

	"github.com/shopspring/decimal"
)

// score ranks an opportunity from three components: profitability (up to 50
// points, logarithmic in the per-period net return), safety (up to 30 points,
// penalised by the price gap or basis), and the annualised-rate bonus (up to
// 20 points). Non-positive net always scores zero.
//
// net is the per-period net return as a fraction of notional, risk is the
// price discrepancy or |basis| as a fraction, annualizedPct is the annualised
// rate in percent.
func score(net, risk, annualizedPct decimal.Decimal) float64 {
	if !net.IsPositive() {
		return 0
	}

	netBps, _ := net.Mul(decimal.NewFromInt(10_000)).Float64()
	profit := 10 + 15*math.Log10(netBps)
	if profit > 50 {
		profit = 50
	}
	if profit < 0 {
		profit = 0
	}

	riskF, _ := risk.Float64()
	safety := 30 - riskF*1000
	if safety < 0 {
		safety = 0
	}

	bonusF, _ := annualizedPct.Float64()
	bonus := bonusF / 10
	if bonus > 20 {
		bonus = 20
	}
	if bonus < 0 {
		bonus = 0
	}

	total := profit + safety + bonus
	if total > 100 {
		total = 100
	}
	return total
}
