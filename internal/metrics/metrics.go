package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loykin/panel/internal/model"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	registryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "panel",
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Registry operations by outcome; result is ok or the error kind.",
		}, []string{"op", "result"},
	)
	portAllocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "panel",
			Subsystem: "ports",
			Name:      "allocations_total",
			Help:      "Port allocations per range; explicit ports use range \"explicit\".",
		}, []string{"range", "result"},
	)
	portDrift = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "panel",
			Subsystem: "ports",
			Name:      "drift_total",
			Help:      "Stored ports replaced by the port a running service was found listening on.",
		}, []string{"service"},
	)
	supervisorCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "panel",
			Subsystem: "supervisor",
			Name:      "calls_total",
			Help:      "Host supervisor calls by verb and outcome.",
		}, []string{"op", "result"},
	)
	supervisorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "panel",
			Subsystem: "supervisor",
			Name:      "call_duration_seconds",
			Help:      "Latency of host supervisor calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"},
	)
	servicesRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "panel",
			Subsystem: "registry",
			Name:      "services",
			Help:      "Number of services in the registry after the last mutation.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{registryOps, portAllocations, portDrift, supervisorCalls, supervisorDuration, servicesRegistered}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return model.Kind(err)
}

// The helpers below no-op until Register has succeeded.

func ObserveOperation(op string, err error) {
	if regOK.Load() {
		registryOps.WithLabelValues(op, result(err)).Inc()
	}
}

func ObserveAllocation(rangeName string, err error) {
	if regOK.Load() {
		if rangeName == "" {
			rangeName = "explicit"
		}
		portAllocations.WithLabelValues(rangeName, result(err)).Inc()
	}
}

func IncDrift(service string) {
	if regOK.Load() {
		portDrift.WithLabelValues(service).Inc()
	}
}

func ObserveSupervisorCall(op string, err error, d time.Duration) {
	if regOK.Load() {
		res := "ok"
		if err != nil {
			res = "error"
		}
		supervisorCalls.WithLabelValues(op, res).Inc()
		supervisorDuration.WithLabelValues(op).Observe(d.Seconds())
	}
}

func SetServices(n int) {
	if regOK.Load() {
		servicesRegistered.Set(float64(n))
	}
}
