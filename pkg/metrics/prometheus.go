package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	trades        *prometheus.CounterVec
	candles       *prometheus.CounterVec
	barsPersisted *prometheus.CounterVec
	signals       *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	inFlight      *prometheus.GaugeVec
}

// New creates a new Prometheus metrics recorder registered on the default registry.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a recorder registered on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		trades: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsea_trades_total",
				Help: "Total number of trades received from the feed",
			},
			[]string{"result"},
		),
		candles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsea_candles_total",
				Help: "Total number of candles closed",
			},
			[]string{"granularity"},
		),
		barsPersisted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsea_bars_persisted_total",
				Help: "Total number of bars written to the store",
			},
			[]string{"granularity"},
		),
		signals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsea_signals_total",
				Help: "Total number of signals emitted",
			},
			[]string{"strategy"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rsea_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rsea_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		inFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rsea_in_flight",
				Help: "Number of in-flight tasks per component",
			},
			[]string{"component"},
		),
	}
}

func (r *Recorder) RecordTrade(accepted bool) {
	result := "accepted"
	if !accepted {
		result = "dropped"
	}
	r.trades.WithLabelValues(result).Inc()
}

func (r *Recorder) RecordCandle(g models.Granularity) {
	r.candles.WithLabelValues(string(g)).Inc()
}

func (r *Recorder) RecordBarsPersisted(g models.Granularity, n int) {
	r.barsPersisted.WithLabelValues(string(g)).Add(float64(n))
}

func (r *Recorder) RecordSignal(strategyID string) {
	r.signals.WithLabelValues(strategyID).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) SetInFlight(component string, n int64) {
	r.inFlight.WithLabelValues(component).Set(float64(n))
}

// Noop discards all measurements.
type Noop struct{}

func (Noop) RecordTrade(bool)                            {}
func (Noop) RecordCandle(models.Granularity)             {}
func (Noop) RecordBarsPersisted(models.Granularity, int) {}
func (Noop) RecordSignal(string)                         {}
func (Noop) RecordError(string)                          {}
func (Noop) RecordLatency(string, float64)               {}
func (Noop) SetInFlight(string, int64)                   {}
