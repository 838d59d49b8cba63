// Package metrics holds the prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundingbot_opportunity_scans_total",
		Help: "Completed opportunity scan passes.",
	})

	OpportunitiesFound = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fundingbot_opportunities",
		Help: "Opportunities in the current scan, by strategy.",
	}, []string{"strategy"})

	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundingbot_orders_placed_total",
		Help: "Orders submitted, by venue and outcome.",
	}, []string{"exchange", "status"})

	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundingbot_positions_opened_total",
		Help: "Positions opened, by strategy.",
	}, []string{"strategy"})

	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundingbot_positions_closed_total",
		Help: "Positions closed, by strategy and reason.",
	}, []string{"strategy", "reason"})

	RiskEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundingbot_risk_events_total",
		Help: "Risk events emitted, by level.",
	}, []string{"level"})
)
