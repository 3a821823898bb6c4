// Defines the Prometheus observer for store operations.

package assets

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry for store operations.
type Observer interface {
	RecordUpload(duration time.Duration, sizeBytes int, err error)
	RecordOperation(op string, duration time.Duration, err error)
	SetObjectURLs(n int)
}

// PrometheusObserver exports store metrics to Prometheus.
type PrometheusObserver struct {
	duration    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	uploadBytes prometheus.Counter
	objectURLs  prometheus.Gauge
}

// NewPrometheusObserver registers the store metrics on reg, reusing
// collectors that are already registered.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "backdrop"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "operation_duration_seconds",
			Help:      "Latency of asset store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "operation_errors_total",
			Help:      "Count of failed asset store operations.",
		}, []string{"operation"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "uploaded_bytes_total",
			Help:      "Cumulative size of uploaded payloads.",
		}),
		objectURLs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "surface",
			Name:      "object_urls",
			Help:      "Number of live object URLs.",
		}),
	}
	var err error
	if o.duration, err = register(reg, o.duration); err != nil {
		return nil, err
	}
	if o.errors, err = register(reg, o.errors); err != nil {
		return nil, err
	}
	if o.uploadBytes, err = register(reg, o.uploadBytes); err != nil {
		return nil, err
	}
	if o.objectURLs, err = register(reg, o.objectURLs); err != nil {
		return nil, err
	}
	return o, nil
}

// register registers c, or returns the equivalent collector already
// registered on reg.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register asset metric: %w", err)
	}
	return c, nil
}

// RecordUpload tracks upload duration, size and failures.
func (o *PrometheusObserver) RecordUpload(duration time.Duration, sizeBytes int, err error) {
	if o == nil {
		return
	}
	o.RecordOperation("upload", duration, err)
	if err == nil {
		o.uploadBytes.Add(float64(sizeBytes))
	}
}

// RecordOperation tracks the duration and failure of op.
func (o *PrometheusObserver) RecordOperation(op string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues(op).Inc()
	}
}

// SetObjectURLs records the number of live object URLs.
func (o *PrometheusObserver) SetObjectURLs(n int) {
	if o == nil {
		return
	}
	o.objectURLs.Set(float64(n))
}

type nopObserver struct{}

func (nopObserver) RecordUpload(time.Duration, int, error) {}

func (nopObserver) RecordOperation(string, time.Duration, error) {}

func (nopObserver) SetObjectURLs(int) {}
