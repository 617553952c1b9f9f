package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsAttempted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradehub_ln_payments_attempted_total",
		Help: "Lightning payments attempted, by direction",
	}, []string{"direction"})

	PaymentsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradehub_ln_payments_settled_total",
		Help: "Lightning payments settled, by direction",
	}, []string{"direction"})

	PaymentsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradehub_ln_payments_failed_total",
		Help: "Lightning payments terminally failed, by direction and failure reason",
	}, []string{"direction", "reason"})

	RoutingFeesPaidMsat = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradehub_ln_routing_fees_paid_msat_total",
		Help: "Cumulative routing fees paid on settled outgoing payments",
	})

	OrdersByTransition = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradehub_order_transitions_total",
		Help: "Order state transitions, by resulting state",
	}, []string{"state"})

	SwapBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradehub_onchain_broadcasts_total",
		Help: "On-chain swap-out broadcasts, by outcome",
	}, []string{"outcome"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradehub_webhook_deliveries_total",
		Help: "Webhook delivery outcomes after retries are exhausted or delivery succeeds",
	}, []string{"outcome"})

	WebhookQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradehub_webhook_queue_depth",
		Help: "Webhook events currently queued for delivery",
	})
)
