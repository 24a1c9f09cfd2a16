package prom

import (
	"sync"

	xhttp "github.com/klamai/proposal-dispatch/pkg/http"
	"github.com/klamai/proposal-dispatch/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemDispatch     = "dispatch"
	SystemCollaborator = "collaborator"
	SystemQueue        = "queue"
)

const (
	MetricDispatchTotal          = "total"
	MetricAssistantRunDuration   = "assistant_run_duration_seconds"
	MetricEnhancementFailures    = "enhancement_failures_total"
	MetricCollaboratorCalls      = "calls_total"
	MetricCollaboratorCallTiming = "call_duration_seconds"
	MetricQueuePending           = "pending_messages"
)

var lockCreateMetricLock = &sync.Mutex{}
var namespace = "none"

var MetricSystemEnabled = false

var MetricCollectionCounterVec = make(map[string]*prometheus.CounterVec)
var MetricCollectionGaugeVec = make(map[string]*prometheus.GaugeVec)
var MetricCollectionHistogramVec = make(map[string]*prometheus.HistogramVec)

var defaultLabels prometheus.Labels

func Create(host string, env string, nameSpace string) error {
	defaultLabels = make(prometheus.Labels)
	defaultLabels["env"] = env
	defaultLabels["instance"] = host
	namespace = nameSpace
	MetricSystemEnabled = true

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	hasError(createCounterVec(SystemDispatch, MetricDispatchTotal, []string{"outcome", "phase"}))
	hasError(createHistogramVec(SystemDispatch, MetricAssistantRunDuration, []string{"status"}))
	hasError(createCounterVec(SystemDispatch, MetricEnhancementFailures, []string{"kind"}))
	hasError(createCounterVec(SystemCollaborator, MetricCollaboratorCalls, []string{"function", "outcome"}))
	hasError(createHistogramVec(SystemCollaborator, MetricCollaboratorCallTiming, []string{"function"}))
	hasError(createGaugeVec(SystemQueue, MetricQueuePending, []string{"queue"}))

	return err
}

func ListenAndServer(port string, url string) {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.CreateServer()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening...", "url", url)
	if err := s.ListenAndServe(port); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func createCounterVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionCounterVec[subsystem+name] = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionCounterVec[subsystem+name])
}

func createHistogramVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionHistogramVec[subsystem+name] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
		Buckets:     []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60, 90, 120},
	}, labels)
	return prometheus.Register(MetricCollectionHistogramVec[subsystem+name])
}

func createGaugeVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()

	MetricCollectionGaugeVec[subsystem+name] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionGaugeVec[subsystem+name])
}

func SetGaugeVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionGaugeVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Set(num)
		return
	}
	logger.Warn("[metrics-server] gauge not found", "subsystem", subsystem, "name", name)
}

func AddCounterVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionCounterVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Add(num)
		return
	}
	logger.Warn("[metrics-server] counter vec not found", "subsystem", subsystem, "name", name)
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	AddCounterVec(subsystem, name, 1, labelValues...)
}

func AddHistogramVec(subsystem, name string, number float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionHistogramVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Observe(number)
		return
	}
	logger.Warn("[metrics-server] histogram vec not found", "subsystem", subsystem, "name", name)
}

// IncDispatch counts a finished dispatch. phase is empty on success.
func IncDispatch(outcome, phase string) {
	IncCounterVec(SystemDispatch, MetricDispatchTotal, outcome, phase)
}

func ObserveAssistantRun(seconds float64, status string) {
	AddHistogramVec(SystemDispatch, MetricAssistantRunDuration, seconds, status)
}

func IncEnhancementFailure(kind string) {
	IncCounterVec(SystemDispatch, MetricEnhancementFailures, kind)
}

func ObserveCollaboratorCall(function, outcome string, seconds float64) {
	IncCounterVec(SystemCollaborator, MetricCollaboratorCalls, function, outcome)
	AddHistogramVec(SystemCollaborator, MetricCollaboratorCallTiming, seconds, function)
}

func SetQueuePending(queue string, pending int64) {
	SetGaugeVec(SystemQueue, MetricQueuePending, float64(pending), queue)
}
