package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shop"

type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

func NewServerMetrics(reg prometheus.Registerer, service string) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})

	reg.MustRegister(requests, latency)
	return &ServerMetrics{Requests: requests, LatencyMS: latency}
}

func (m *ServerMetrics) Observe(handler string, status int, start time.Time) {
	m.Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(time.Since(start).Milliseconds()))
}

// FinalizerMetrics tracks the purchase pipeline. SoldWithoutOrder is the
// reconciliation-gap gauge operators alert on.
type FinalizerMetrics struct {
	Outcomes         *prometheus.CounterVec
	FulfillmentMS    prometheus.Histogram
	Reconciliation   *prometheus.CounterVec
	SoldWithoutOrder prometheus.Gauge
}

func NewFinalizerMetrics(reg prometheus.Registerer) *FinalizerMetrics {
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "finalizer",
		Name:      "outcomes_total",
		Help:      "Purchase finalization results by outcome.",
	}, []string{"outcome"})
	fulfillment := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "finalizer",
		Name:      "fulfillment_duration_ms",
		Help:      "Latency of fulfillment partner submissions in milliseconds.",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})
	reconciliation := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciliation_required_total",
		Help:      "Purchases left SOLD without an order, by reason.",
	}, []string{"reason"})
	gap := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sold_without_order",
		Help:      "Items currently SOLD with no order recorded.",
	})

	reg.MustRegister(outcomes, fulfillment, reconciliation, gap)
	return &FinalizerMetrics{
		Outcomes:         outcomes,
		FulfillmentMS:    fulfillment,
		Reconciliation:   reconciliation,
		SoldWithoutOrder: gap,
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
