// Package metrics exposes the engine's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hilo"

// Recorder holds the engine instruments. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	cycles           *prometheus.CounterVec
	verdicts         *prometheus.CounterVec
	orderOutcomes    *prometheus.CounterVec
	dataUnavailable  *prometheus.CounterVec
	modelUnavailable *prometheus.CounterVec
	breakerTrips     prometheus.Counter
	cycleDuration    prometheus.Histogram
	assetDuration    *prometheus.HistogramVec
	gateState        *prometheus.GaugeVec
}

// New registers the instruments on a fresh registry, alongside the Go and
// process collectors
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Completed decision cycles by result",
			},
			[]string{"result"},
		),
		verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verdicts_total",
				Help:      "Gate verdicts by result",
			},
			[]string{"result"},
		),
		orderOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_outcomes_total",
				Help:      "Position manager outcomes by kind",
			},
			[]string{"kind"},
		),
		dataUnavailable: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "data_unavailable_total",
				Help:      "Market data fetch failures by timeframe",
			},
			[]string{"timeframe"},
		),
		modelUnavailable: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_unavailable_total",
				Help:      "Predictions skipped because no model was available",
			},
			[]string{"asset"},
		),
		breakerTrips: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Order circuit breaker trips",
			},
		),
		cycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Wall time of a full decision cycle",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		assetDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "asset_pipeline_duration_seconds",
				Help:      "Wall time of one asset pipeline",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"asset"},
		),
		gateState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gate_state",
				Help:      "Signal gate state per asset (0 idle, 1 armed, 2 fired)",
			},
			[]string{"asset"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) RecordCycle(result string, d time.Duration) {
	if r == nil {
		return
	}
	r.cycles.WithLabelValues(result).Inc()
	r.cycleDuration.Observe(d.Seconds())
}

func (r *Recorder) RecordAsset(asset string, d time.Duration) {
	if r == nil {
		return
	}
	r.assetDuration.WithLabelValues(asset).Observe(d.Seconds())
}

func (r *Recorder) RecordVerdict(result string) {
	if r == nil {
		return
	}
	r.verdicts.WithLabelValues(result).Inc()
}

func (r *Recorder) RecordOrderOutcome(kind string) {
	if r == nil {
		return
	}
	r.orderOutcomes.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordDataUnavailable(timeframe string) {
	if r == nil {
		return
	}
	r.dataUnavailable.WithLabelValues(timeframe).Inc()
}

func (r *Recorder) RecordModelUnavailable(asset string) {
	if r == nil {
		return
	}
	r.modelUnavailable.WithLabelValues(asset).Inc()
}

func (r *Recorder) RecordBreakerTrip() {
	if r == nil {
		return
	}
	r.breakerTrips.Inc()
}

// SetGateState records the numeric gate state for an asset
func (r *Recorder) SetGateState(asset string, state int) {
	if r == nil {
		return
	}
	r.gateState.WithLabelValues(asset).Set(float64(state))
}
