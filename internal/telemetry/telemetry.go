// Package telemetry exposes the sampling daemon's activity as Prometheus
// metrics. A Collector is handed to the coordinator as its observer.
package telemetry

import (
	"net/http"
	"time"

	"codeberg.org/mutker/zemo/internal/errors"
	"codeberg.org/mutker/zemo/internal/sensor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zemo"

type Collector struct {
	registry *prometheus.Registry

	sampling      prometheus.Gauge
	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	rejected      *prometheus.CounterVec
	reading       *prometheus.GaugeVec
	sensorErrors  *prometheus.CounterVec
	outOfRange    *prometheus.CounterVec
	alertErrors   prometheus.Counter
}

// New creates a Collector on its own registry, together with the Go runtime
// and process collectors.
func New() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sampling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sampling",
			Help:      "1 while a sampling operation holds the sensors.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed sampling operations by trigger.",
		}, []string{"trigger"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sampling operations by trigger.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 80},
		}, []string{"trigger"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Sampling requests turned away because another operation was running.",
		}, []string{"trigger"}),
		reading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_reading",
			Help:      "Last numeric reading per sensor.",
		}, []string{"sensor"}),
		sensorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_errors_total",
			Help:      "Failed or unparseable readings per sensor.",
		}, []string{"sensor"}),
		outOfRange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "out_of_range_total",
			Help:      "Readings outside the acceptable range per sensor.",
		}, []string{"sensor"}),
		alertErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_errors_total",
			Help:      "Alerts that could not be delivered.",
		}),
	}

	toRegister := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.sampling,
		c.cycles,
		c.cycleDuration,
		c.rejected,
		c.reading,
		c.sensorErrors,
		c.outOfRange,
		c.alertErrors,
	}
	for _, col := range toRegister {
		if err := c.registry.Register(col); err != nil {
			return nil, errors.New().Wrap(ErrRegisterCollector, err)
		}
	}

	return c, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) SamplingChanged(active bool) {
	if active {
		c.sampling.Set(1)
		return
	}
	c.sampling.Set(0)
}

func (c *Collector) CycleCompleted(trigger string, d time.Duration) {
	c.cycles.WithLabelValues(trigger).Inc()
	c.cycleDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

func (c *Collector) Rejected(trigger string) {
	c.rejected.WithLabelValues(trigger).Inc()
}

func (c *Collector) ReadingTaken(kind sensor.Kind, value float64) {
	c.reading.WithLabelValues(string(kind)).Set(value)
}

func (c *Collector) SensorFailed(kind sensor.Kind) {
	c.sensorErrors.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) OutOfRange(kind sensor.Kind) {
	c.outOfRange.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) AlertFailed() {
	c.alertErrors.Inc()
}
