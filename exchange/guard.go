package exchange

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/web3guy0/fundingbot/types"
)

const defaultCallTimeout = 15 * time.Second

// guardedDriver wraps a raw driver with a rate limiter and a circuit
// breaker, and puts a ceiling on per-call latency.
type guardedDriver struct {
	inner   Driver
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// Guard wraps a driver so that every call waits for a rate-limit token and
// runs through a per-venue circuit breaker.
func Guard(inner Driver, rps float64, burst int) Driver {
	name := inner.Name()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("exchange", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("⚡ Circuit breaker state change")
		},
	})
	return &guardedDriver{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: breaker,
		timeout: defaultCallTimeout,
	}
}

func call[T any](g *guardedDriver, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := g.limiter.Wait(ctx); err != nil {
		return zero, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

func (g *guardedDriver) Name() string { return g.inner.Name() }

func (g *guardedDriver) SpotTicker(ctx context.Context, symbol string) (*Ticker, error) {
	return call(g, ctx, func(ctx context.Context) (*Ticker, error) {
		return g.inner.SpotTicker(ctx, symbol)
	})
}

func (g *guardedDriver) FuturesTicker(ctx context.Context, symbol string) (*Ticker, error) {
	return call(g, ctx, func(ctx context.Context) (*Ticker, error) {
		return g.inner.FuturesTicker(ctx, symbol)
	})
}

func (g *guardedDriver) AllSpotTickers(ctx context.Context) (map[string]*Ticker, error) {
	return call(g, ctx, func(ctx context.Context) (map[string]*Ticker, error) {
		return g.inner.AllSpotTickers(ctx)
	})
}

func (g *guardedDriver) AllFuturesTickers(ctx context.Context) (map[string]*Ticker, error) {
	return call(g, ctx, func(ctx context.Context) (map[string]*Ticker, error) {
		return g.inner.AllFuturesTickers(ctx)
	})
}

func (g *guardedDriver) FundingRate(ctx context.Context, symbol string) (*FundingInfo, error) {
	return call(g, ctx, func(ctx context.Context) (*FundingInfo, error) {
		return g.inner.FundingRate(ctx, symbol)
	})
}

func (g *guardedDriver) FundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingSample, error) {
	return call(g, ctx, func(ctx context.Context) ([]FundingSample, error) {
		return g.inner.FundingRateHistory(ctx, symbol, limit)
	})
}

func (g *guardedDriver) OrderBook(ctx context.Context, symbol string, futures bool, depth int) (*OrderBook, error) {
	return call(g, ctx, func(ctx context.Context) (*OrderBook, error) {
		return g.inner.OrderBook(ctx, symbol, futures, depth)
	})
}

func (g *guardedDriver) TradingFees(ctx context.Context, symbol string) (*Fees, error) {
	return call(g, ctx, func(ctx context.Context) (*Fees, error) {
		return g.inner.TradingFees(ctx, symbol)
	})
}

func (g *guardedDriver) Balance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return call(g, ctx, func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return g.inner.Balance(ctx)
	})
}

func (g *guardedDriver) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	return call(g, ctx, func(ctx context.Context) (*AccountInfo, error) {
		return g.inner.AccountInfo(ctx)
	})
}

func (g *guardedDriver) Positions(ctx context.Context) ([]VenuePosition, error) {
	return call(g, ctx, func(ctx context.Context) ([]VenuePosition, error) {
		return g.inner.Positions(ctx)
	})
}

func (g *guardedDriver) CreateMarketOrder(ctx context.Context, symbol string, side types.Side, amount decimal.Decimal, futures, reduceOnly bool) (*OrderResult, error) {
	return call(g, ctx, func(ctx context.Context) (*OrderResult, error) {
		return g.inner.CreateMarketOrder(ctx, symbol, side, amount, futures, reduceOnly)
	})
}

func (g *guardedDriver) CreateLimitOrder(ctx context.Context, symbol string, side types.Side, amount, price decimal.Decimal, futures bool) (*OrderResult, error) {
	return call(g, ctx, func(ctx context.Context) (*OrderResult, error) {
		return g.inner.CreateLimitOrder(ctx, symbol, side, amount, price, futures)
	})
}

func (g *guardedDriver) FetchOrder(ctx context.Context, orderID, symbol string, futures bool) (*OrderResult, error) {
	return call(g, ctx, func(ctx context.Context) (*OrderResult, error) {
		return g.inner.FetchOrder(ctx, orderID, symbol, futures)
	})
}
