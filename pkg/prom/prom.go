package prom

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	xhttp "github.com/venda/license-gateway/pkg/http"
	"github.com/venda/license-gateway/pkg/logger"
)

const (
	SystemOrders       = "orders"
	SystemProvisioning = "provisioning"
	SystemSync         = "sync"
	SystemReconcile    = "reconcile"
)

const (
	MetricOrdersCompleted          = "completed_total"
	MetricProvisioningCallDuration = "call_duration_seconds"
	MetricProvisioningResults      = "results_total"
	MetricSyncRolesGranted         = "roles_granted_total"
	MetricReconcileResults         = "results_total"
)

var registerLock = &sync.Mutex{}
var namespace = "none"

// MetricSystemEnabled gates every recording helper; binaries that never
// call Create pay nothing for instrumentation.
var MetricSystemEnabled = false

var counterVecs = make(map[string]*prometheus.CounterVec)
var histogramVecs = make(map[string]*prometheus.HistogramVec)

var defaultLabels prometheus.Labels

// Create registers every metric the gateway records and enables the
// recording helpers.
func Create(host string, env string, nameSpace string) error {
	defaultLabels = prometheus.Labels{
		"env":      env,
		"instance": host,
	}
	namespace = nameSpace
	MetricSystemEnabled = true

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	// Orders
	hasError(registerCounterVec(SystemOrders, MetricOrdersCompleted, []string{"outcome"}))

	// Provisioning boundary
	hasError(registerHistogramVec(SystemProvisioning, MetricProvisioningCallDuration, []string{"operation"}))
	hasError(registerCounterVec(SystemProvisioning, MetricProvisioningResults, []string{"operation", "result"}))

	// Entitlement sync
	hasError(registerCounterVec(SystemSync, MetricSyncRolesGranted, []string{"guild"}))

	// Reconciliation sweep
	hasError(registerCounterVec(SystemReconcile, MetricReconcileResults, []string{"result"}))

	return err
}

// ListenAndServer exposes the prometheus handler on its own listener,
// bridged into fasthttp. Blocks; run it in a goroutine.
func ListenAndServer(port string, url string) {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.CreateServer()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening...", "url", url)
	if err := s.ListenAndServe(port); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func registerCounterVec(subsystem, name string, labels []string) error {
	registerLock.Lock()
	defer registerLock.Unlock()
	counterVecs[subsystem+name] = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(counterVecs[subsystem+name])
}

func registerHistogramVec(subsystem, name string, labels []string) error {
	registerLock.Lock()
	defer registerLock.Unlock()
	histogramVecs[subsystem+name] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
		Buckets:     prometheus.DefBuckets,
	}, labels)
	return prometheus.Register(histogramVecs[subsystem+name])
}

func addCounterVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := counterVecs[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Add(num)
		return
	}
	logger.Warn("[metrics-server] counter vec not found", "subsystem", subsystem, "name", name)
}

func observeHistogramVec(subsystem, name string, value float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := histogramVecs[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Observe(value)
		return
	}
	logger.Warn("[metrics-server] histogram vec not found", "subsystem", subsystem, "name", name)
}

// IncOrderOutcome counts a finished order by its outcome label.
func IncOrderOutcome(outcome string) {
	addCounterVec(SystemOrders, MetricOrdersCompleted, 1, outcome)
}

// ObserveProvisioningCall records one round trip to the license server.
func ObserveProvisioningCall(operation string, seconds float64, result string) {
	observeHistogramVec(SystemProvisioning, MetricProvisioningCallDuration, seconds, operation)
	addCounterVec(SystemProvisioning, MetricProvisioningResults, 1, operation, result)
}

func AddRolesGranted(guildID string, n float64) {
	addCounterVec(SystemSync, MetricSyncRolesGranted, n, guildID)
}

func IncReconcileResult(result string) {
	addCounterVec(SystemReconcile, MetricReconcileResults, 1, result)
}
