// Package metrics holds the Prometheus collectors of the engine. They are
// registered on the default registry and served by promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/wallet-ledger/internal/ledger"
)

const namespace = "wallet"

var (
	RequestTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_transitions_total",
			Help:      "Request status transitions by subject and target status",
		},
		[]string{"subject", "to"},
	)

	RequestRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_rejections_total",
			Help:      "Rejected requests by subject and business rule",
		},
		[]string{"subject", "rule"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_execution_duration_seconds",
			Help:      "Time spent executing a request, posting included",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"subject"},
	)

	PostedTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_posted_total",
			Help:      "Ledger transactions posted by purpose and currency",
		},
		[]string{"purpose", "currency"},
	)

	ScheduledExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_executions_total",
			Help:      "Scheduled transaction runs by reason and result",
		},
		[]string{"reason", "result"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Operator API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "gRPC calls by method and status code",
		},
		[]string{"method", "code"},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_total",
			Help:      "Outbox publish attempts by event type and result",
		},
		[]string{"type", "result"},
	)
)

// PostingObserver counts committed ledger transactions.
type PostingObserver struct{}

func (PostingObserver) Posted(t *ledger.Transaction) {
	PostedTransactions.WithLabelValues(t.Purpose, t.CurrencyCode).Inc()
}

var _ ledger.PostingObserver = PostingObserver{}
