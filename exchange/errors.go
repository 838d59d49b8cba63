package exchange

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrOrderNotFound is returned by FetchOrder when the venue no longer knows
// the id. Fast market fills on some venues drop the order from the queryable
// set, so callers may treat this as filled for market orders.
var ErrOrderNotFound = errors.New("order not found")

// ErrNotSupported marks a capability a venue does not offer (e.g. spot on a
// futures-only account).
var ErrNotSupported = errors.New("not supported by venue")

var transientMarkers = []string{
	"timeout",
	"timed out",
	"too many requests",
	"rate limit",
	"ratelimit",
	"429",
	"502",
	"503",
	"504",
	"service unavailable",
	"internal error",
	"connection reset",
	"connection refused",
	"eof",
	"temporarily",
	"system busy",
}

// IsTransient reports whether a venue error is worth retrying. Permanent
// rejections (unknown symbol, insufficient balance, rejected order) are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
