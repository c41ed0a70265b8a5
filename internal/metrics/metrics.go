// Package metrics provides Prometheus metrics for the snapshot finder.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the snapshot finder.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Discovery metrics
	CandidatesDiscovered prometheus.Gauge
	CandidatesAccepted   prometheus.Gauge
	ReferenceSlot        prometheus.Gauge
	ProbesCompleted      prometheus.Counter
	Discards             *prometheus.CounterVec

	// Verification metrics
	Measurements  *prometheus.CounterVec
	MeasuredSpeed prometheus.Histogram

	// Download metrics
	DownloadedBytes prometheus.Counter
	DownloadedFiles *prometheus.CounterVec
	SkippedFiles    prometheus.Counter

	// Pass metrics
	Attempts     *prometheus.CounterVec
	PassDuration prometheus.Histogram

	// Error metrics
	SinkErrors *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init registers the metrics with the default registry and makes them
// available through Get. Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(prometheus.DefaultRegisterer, namespace)
	return defaultMetrics
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// New creates metrics registered with reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "snapshot_finder"
	}
	factory := promauto.With(reg)

	return &Metrics{
		CandidatesDiscovered: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "candidates_discovered",
				Help:      "Candidates returned by the directory in the latest pass",
			},
		),
		CandidatesAccepted: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "candidates_accepted",
				Help:      "Candidates that passed every filter in the latest pass",
			},
		),
		ReferenceSlot: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reference_slot",
				Help:      "Reference slot of the latest pass",
			},
		),
		ProbesCompleted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_completed_total",
				Help:      "Total number of candidates probed",
			},
		),
		Discards: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discards_total",
				Help:      "Total number of candidates discarded, by reason",
			},
			[]string{"reason"},
		),
		Measurements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "measurements_total",
				Help:      "Total number of throughput measurements, by outcome",
			},
			[]string{"outcome"},
		),
		MeasuredSpeed: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "measured_speed_bytes_per_second",
				Help:      "Median throughput of measured candidates",
				Buckets:   prometheus.ExponentialBuckets(1e6, 2, 10), // 1MB/s to ~512MB/s
			},
		),
		DownloadedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloaded_bytes_total",
				Help:      "Total number of snapshot bytes downloaded",
			},
		),
		DownloadedFiles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloaded_files_total",
				Help:      "Total number of snapshot archives downloaded, by kind",
			},
			[]string{"kind"},
		),
		SkippedFiles: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skipped_files_total",
				Help:      "Total number of archives skipped because they were already present",
			},
		),
		Attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of pipeline attempts, by outcome",
			},
			[]string{"outcome"},
		),
		PassDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Time from directory query to selection for one pass",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~512s
			},
		),
		SinkErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_errors_total",
				Help:      "Total number of summary, audit, catalog or mirror failures",
			},
			[]string{"sink"},
		),
	}
}

// Handler serves the metrics in g plus a /health endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	return http.ListenAndServe(address, Handler(prometheus.DefaultGatherer))
}

// SetPass records the size of a pass.
func (m *Metrics) SetPass(referenceSlot uint64, candidates, accepted int) {
	if m == nil {
		return
	}
	m.ReferenceSlot.Set(float64(referenceSlot))
	m.CandidatesDiscovered.Set(float64(candidates))
	m.CandidatesAccepted.Set(float64(accepted))
}

// IncProbesCompleted increments the probed candidates counter.
func (m *Metrics) IncProbesCompleted() {
	if m == nil {
		return
	}
	m.ProbesCompleted.Inc()
}

// AddDiscards adds count discards for reason.
func (m *Metrics) AddDiscards(reason string, count int64) {
	if m == nil || count == 0 {
		return
	}
	m.Discards.WithLabelValues(reason).Add(float64(count))
}

// ObserveMeasurement records one throughput measurement.
func (m *Metrics) ObserveMeasurement(speed float64, accepted bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.Measurements.WithLabelValues(outcome).Inc()
	if speed > 0 {
		m.MeasuredSpeed.Observe(speed)
	}
}

// AddDownload records one downloaded archive.
func (m *Metrics) AddDownload(kind string, bytes int64) {
	if m == nil {
		return
	}
	m.DownloadedFiles.WithLabelValues(kind).Inc()
	m.DownloadedBytes.Add(float64(bytes))
}

// IncSkippedFiles increments the skipped archives counter.
func (m *Metrics) IncSkippedFiles() {
	if m == nil {
		return
	}
	m.SkippedFiles.Inc()
}

// IncAttempts increments the attempts counter for outcome.
func (m *Metrics) IncAttempts(outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(outcome).Inc()
}

// ObservePassDuration records the duration of one pass.
func (m *Metrics) ObservePassDuration(seconds float64) {
	if m == nil {
		return
	}
	m.PassDuration.Observe(seconds)
}

// IncSinkErrors increments the error counter for sink.
func (m *Metrics) IncSinkErrors(sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink).Inc()
}
