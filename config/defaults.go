package config

type defaultEntry struct {
	category    string
	key         string
	value       interface{}
	description string
}

// defaults covers every recognised runtime key. Seeded with SetDefault so
// operator edits always win.
var defaults = []defaultEntry{
	{"global", "total_capital", 10000.0, "Total capital available to the engine (USDT)"},
	{"global", "max_capital_usage", 0.8, "Fraction of capital deployable at once"},
	{"global", "max_positions", 10, "Global cap on concurrently open positions"},
	{"global", "price_refresh_interval", 5, "Collector price loop period (s)"},
	{"global", "funding_refresh_interval", 300, "Collector funding loop period (s)"},
	{"global", "opportunity_scan_interval", 10, "Monitor scan period (s)"},

	{"trading", "simulation_mode", true, "Synthesize orders instead of sending them to venues"},

	{"strategy1", "enabled", true, "Cross-exchange funding arbitrage"},
	{"strategy1", "execution_mode", "auto", "auto or manual"},
	{"strategy1", "position_size", 1000.0, "Notional per leg (USDT)"},
	{"strategy1", "min_funding_diff", 0.0005, "Minimum per-period funding diff"},
	{"strategy1", "max_price_diff", 0.01, "Reject pairs whose futures prices diverge more"},
	{"strategy1", "max_position_size", 5000.0, "Hard cap per opportunity"},

	{"strategy2a", "enabled", true, "Spot vs perp funding arbitrage"},
	{"strategy2a", "execution_mode", "auto", "auto or manual"},
	{"strategy2a", "position_size", 1000.0, "Notional per leg (USDT)"},
	{"strategy2a", "min_funding_rate", 0.0005, "Minimum per-period funding rate"},
	{"strategy2a", "max_basis_deviation", 0.01, "Reject when |basis| exceeds this"},
	{"strategy2a", "max_position_size", 5000.0, "Hard cap per opportunity"},

	{"strategy2b", "enabled", true, "Basis arbitrage"},
	{"strategy2b", "execution_mode", "manual", "Basis trades always need operator confirmation"},
	{"strategy2b", "position_size", 1000.0, "Notional per leg (USDT)"},
	{"strategy2b", "min_basis", 0.02, "Minimum positive basis"},

	{"strategy3", "enabled", false, "Directional funding ride"},
	{"strategy3", "min_funding_rate", 0.0005, "Minimum |rate| per period"},
	{"strategy3", "position_size", 500.0, "Notional (USDT)"},
	{"strategy3", "stop_loss_pct", 0.03, "Hard stop-loss fraction"},
	{"strategy3", "check_basis", true, "Require basis sanity before entry"},
	{"strategy3", "short_exit_threshold", 0.0, "Short closes when rate falls to this"},
	{"strategy3", "long_exit_threshold", 0.0, "Long closes when rate rises to this"},
	{"strategy3", "trailing_stop_enabled", true, ""},
	{"strategy3", "trailing_activation_pct", 0.04, "PnL fraction that arms the trailing stop"},
	{"strategy3", "trailing_callback_pct", 0.02, "Retracement fraction that fires it"},

	{"risk", "max_position_size_per_trade", 2000.0, "Clamp applied before capital checks"},
	{"risk", "max_drawdown", 0.10, "Aggregate unrealised loss gate"},
	{"risk", "warning_threshold", 0.05, ""},
	{"risk", "critical_threshold", 0.10, ""},
	{"risk", "emergency_threshold", 0.15, "Also flips position to emergency_close_pending"},
	{"risk", "price_deviation_threshold", 0.01, "S1 price-gap rejection"},
	{"risk", "abnormal_funding_rate", 0.01, "Ambient warning ceiling"},
	{"risk", "min_depth_multiplier", 5.0, "Book depth must cover this multiple of notional"},
	{"risk", "dynamic_position_enabled", true, "Scale size by opportunity score"},
	{"risk", "high_score_multiplier", 1.2, "Score ≥ 85"},
	{"risk", "medium_score_multiplier", 1.0, "Score 60–85"},
	{"risk", "low_score_multiplier", 0.7, "Score < 60"},
}

// SeedDefaults inserts every recognised key that is not already present.
func (s *Store) SeedDefaults() error {
	for _, d := range defaults {
		if err := s.SetDefault(d.category, d.key, d.value, d.description); err != nil {
			return err
		}
	}
	return nil
}
