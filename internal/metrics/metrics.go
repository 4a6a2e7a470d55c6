// Package metrics declares the Prometheus collectors the router exposes at
// /metrics, named to match the original implementation's metric surface
// exactly so existing dashboards/alerts carry over.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WindowsAdmitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_windows_admit_total",
		Help: "Requests admitted by the window controller.",
	})
	WindowsRejectTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_windows_reject_total",
		Help: "Requests rejected by the window controller for budget exhaustion.",
	})
	QoSDropsBronzeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_qos_drops_bronze_total",
		Help: "Bronze-lane requests shed under back-pressure.",
	})

	FramesTxTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "frames_tx_total",
		Help: "Frames written back to clients.",
	}, []string{"kind", "qos", "adapter"})
	FramesRxTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "frames_rx_total",
		Help: "Frames accepted from clients.",
	}, []string{"qos"})

	EstimateTokens = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "router_estimate_tokens",
		Help:    "Predicted token cost per request, summed across adapters.",
		Buckets: prometheus.ExponentialBuckets(8, 2, 12),
	})
	EstimateUSDMicros = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "router_estimate_usd_micros",
		Help:    "Predicted USD-micros cost per request, summed across adapters.",
		Buckets: prometheus.ExponentialBuckets(100, 2, 14),
	})
	EstimateMAPETokens = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "router_estimate_mape_tokens",
		Help:    "Absolute percentage error between predicted and observed token cost.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})
	EstimateMAPEUSD = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "router_estimate_mape_usd",
		Help:    "Absolute percentage error between predicted and observed USD cost.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})
	EstimateUnderRateTokensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_estimate_under_rate_tokens_total",
		Help: "Requests whose observed token usage exceeded the estimate.",
	})
	EstimateUnderRateUSDTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_estimate_under_rate_usd_total",
		Help: "Requests whose observed USD usage exceeded the estimate.",
	})

	AdapterEstimateMAPETokens = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adapter_estimate_mape_tokens",
		Help:    "Per-adapter absolute percentage error for token cost estimates.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"adapter"})
	AdapterEstimateMAPEUSD = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adapter_estimate_mape_usd",
		Help:    "Per-adapter absolute percentage error for USD cost estimates.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"adapter"})

	ConsensusConfidence = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_consensus_confidence",
		Help: "Top cluster score of the most recently computed consensus.",
	})
)

// Registry is the router's private Prometheus registry; side-stepping the
// global default registry keeps repeated test construction of processor
// pipelines from panicking on duplicate registration.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		WindowsAdmitTotal,
		WindowsRejectTotal,
		QoSDropsBronzeTotal,
		FramesTxTotal,
		FramesRxTotal,
		EstimateTokens,
		EstimateUSDMicros,
		EstimateMAPETokens,
		EstimateMAPEUSD,
		EstimateUnderRateTokensTotal,
		EstimateUnderRateUSDTotal,
		AdapterEstimateMAPETokens,
		AdapterEstimateMAPEUSD,
		ConsensusConfidence,
	)
}
