package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Convergence loop metrics
	ConvergenceCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flocker_convergence_cycles_total",
			Help: "Total number of convergence cycles run by this agent",
		},
	)

	ConvergenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flocker_convergence_duration_seconds",
			Help:    "Duration of a full convergence cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Action executor metrics
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flocker_actions_total",
			Help: "Total number of executed actions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flocker_action_duration_seconds",
			Help:    "Duration of a single action in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ActionRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flocker_action_retries_total",
			Help: "Total number of retried backend operations",
		},
	)

	// Handoff metrics
	HandoffsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flocker_handoffs_total",
			Help: "Total number of dataset handoffs by outcome",
		},
		[]string{"outcome"},
	)

	// Cluster state metrics (control service)
	DatasetsConfigured = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flocker_datasets_configured",
			Help: "Number of datasets in the desired configuration",
		},
	)

	DatasetsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flocker_datasets_by_status",
			Help: "Number of datasets by reported convergence status",
		},
		[]string{"status"},
	)

	NodesReporting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flocker_nodes_reporting",
			Help: "Number of nodes that have reported observed state",
		},
	)

	ConfigurationVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flocker_configuration_version",
			Help: "Current desired configuration version",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flocker_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flocker_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(ConvergenceCyclesTotal)
	prometheus.MustRegister(ConvergenceDuration)
	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(ActionDuration)
	prometheus.MustRegister(ActionRetriesTotal)
	prometheus.MustRegister(HandoffsTotal)
	prometheus.MustRegister(DatasetsConfigured)
	prometheus.MustRegister(DatasetsByStatus)
	prometheus.MustRegister(NodesReporting)
	prometheus.MustRegister(ConfigurationVersion)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
