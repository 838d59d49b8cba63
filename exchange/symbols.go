package exchange

import "strings"

// Internal symbols are always BASE/USDT. These helpers convert to and from
// the common venue spellings.

// BaseAsset returns the base of a BASE/USDT symbol ("BTC/USDT" → "BTC").
func BaseAsset(symbol string) string {
	if i := strings.Index(symbol, "/"); i > 0 {
		return symbol[:i]
	}
	return symbol
}

// JoinedSymbol flattens BASE/USDT to BASEUSDT (Binance spelling).
func JoinedSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// DashedSymbol converts BASE/USDT to BASE-USDT (OKX spelling).
func DashedSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

// NormalizeJoined converts BASEUSDT back to BASE/USDT. Non-USDT quotes are
// returned unchanged: the engine only trades USDT-quoted markets.
func NormalizeJoined(venueSymbol string) string {
	if base, ok := strings.CutSuffix(venueSymbol, "USDT"); ok && base != "" {
		return base + "/USDT"
	}
	return venueSymbol
}

// NormalizeDashed converts BASE-USDT or BASE-USDT-SWAP back to BASE/USDT.
func NormalizeDashed(venueSymbol string) string {
	venueSymbol = strings.TrimSuffix(venueSymbol, "-SWAP")
	parts := strings.SplitN(venueSymbol, "-", 2)
	if len(parts) == 2 && parts[1] == "USDT" {
		return parts[0] + "/USDT"
	}
	return venueSymbol
}
