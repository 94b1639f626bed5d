package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskcore_orders_total",
		Help: "Orders processed, by venue and terminal result.",
	}, []string{"venue", "result"})

	riskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskcore_risk_rejections_total",
		Help: "Orders rejected by the risk policy, by failing check.",
	}, []string{"check"})

	orderNotional = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riskcore_order_notional_usd",
		Help:    "Notional of submitted orders in USD.",
		Buckets: prometheus.ExponentialBuckets(10, 2.5, 8),
	}, []string{"venue"})

	dailySpentGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riskcore_daily_spent_usd",
		Help: "Confirmed spend in the current daily window.",
	})

	reservedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riskcore_reserved_usd",
		Help: "Budget currently reserved by in-flight orders.",
	})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riskcore_parked_reservations",
		Help: "Reservations parked awaiting fill reconciliation.",
	})
)
