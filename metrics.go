package ash

import (
	"strconv"
	"sync"
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsTracker registers and measures pipeline step durations and instant
// metrics.
type MetricsTracker interface {
	// Add registers the measurement in the metrics tracker with the following
	// description.
	Add(measurement, description string)
	// Start launches the measurement duration timer.
	Start(measurement string)
	// Stop stops the measurement timer and registers the time diff in the
	// metrics tracker.
	Stop(measurement string)
	// Set registers the measurement value in the metrics tracker. Should be
	// used to register instant metrics.
	Set(measurement, value string)
}

// emptyMetricsTracker is used when no metrics tracker is needed. It just does
// nothing on every call.
type emptyMetricsTracker struct{}

func (emptyMetricsTracker) Add(measurement, description string) {}
func (emptyMetricsTracker) Start(measurement string)            {}
func (emptyMetricsTracker) Stop(measurement string)             {}
func (emptyMetricsTracker) Set(measurement, value string)       {}

// NewPrometheusMetricsTracker returns a MetricsTracker exposing every
// registered measurement as a prometheus gauge. Durations are reported in
// microseconds.
func NewPrometheusMetricsTracker(namespace string) *PrometheusMetricsTracker {
	return &PrometheusMetricsTracker{
		namespace: namespace,
		gauges:    make(map[string]prometheus.Gauge),
		starts:    make(map[string]time.Time),
	}
}

// PrometheusMetricsTracker implements MetricsTracker on top of prometheus
// gauges.
type PrometheusMetricsTracker struct {
	namespace string
	mu        sync.Mutex
	gauges    map[string]prometheus.Gauge
	starts    map[string]time.Time
}

// Add registers the measurement as a prometheus gauge. Re-registering an
// existing measurement is a no-op.
func (t *PrometheusMetricsTracker) Add(measurement, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ex := t.gauges[measurement]; ex {
		return
	}
	t.gauges[measurement] = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: t.namespace,
		Name:      measurement,
		Help:      description,
	})
}

// Start launches the measurement duration timer.
func (t *PrometheusMetricsTracker) Start(measurement string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts[measurement] = time.Now()
}

// Stop stops the measurement timer and sets the gauge to the elapsed time in
// microseconds.
func (t *PrometheusMetricsTracker) Stop(measurement string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	start, ok := t.starts[measurement]
	if !ok {
		return
	}
	delete(t.starts, measurement)
	if gauge, ex := t.gauges[measurement]; ex {
		gauge.Set(float64(time.Since(start).Microseconds()))
	}
}

// Set sets the gauge to the passed value. Non-numeric values are ignored.
func (t *PrometheusMetricsTracker) Set(measurement, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gauge, ex := t.gauges[measurement]
	if !ex {
		return
	}
	if v, err := strconv.ParseFloat(value, 64); err == nil {
		gauge.Set(v)
	}
}

// newThroughput returns a preconfigured throughput struct measuring per-minute
// record and error rates of a run.
func newThroughput(metrics MetricsTracker) *throughput {
	metrics.Add(throughputRecordsRateMetricName, "Processed records per minute rate")
	metrics.Add(throughputErrorsRateMetricName, "Failed records per minute rate")
	return &throughput{
		metrics:     metrics,
		recordsRate: ratecounter.NewRateCounter(time.Minute),
		errorsRate:  ratecounter.NewRateCounter(time.Minute),
	}
}

const (
	throughputRecordsRateMetricName = "run_records_rate"
	throughputErrorsRateMetricName  = "run_errors_rate"
)

// throughput tracks the per-minute record and error rates of a run and
// mirrors them into the metrics tracker.
type throughput struct {
	metrics     MetricsTracker
	recordsRate *ratecounter.RateCounter
	errorsRate  *ratecounter.RateCounter
}

// Observe registers a merged batch outcome.
func (t *throughput) Observe(outcome batchOutcome) {
	t.recordsRate.Incr(int64(outcome.succeeded))
	t.errorsRate.Incr(int64(len(outcome.errors)))
	t.metrics.Set(throughputRecordsRateMetricName, strconv.FormatInt(t.recordsRate.Rate(), 10))
	t.metrics.Set(throughputErrorsRateMetricName, strconv.FormatInt(t.errorsRate.Rate(), 10))
}
