// Package metrics wires the registry's observability surface to
// Prometheus through github.com/docker/go-metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/docker/go-metrics"
)

// NamespacePrefix is the root namespace every registered metric lives
// under.
const NamespacePrefix = "registry"

// HTTPNamespace covers request-level instrumentation: one counter per
// (route, method, code), one timer per (route, method).
var HTTPNamespace = metrics.NewNamespace(NamespacePrefix, "http", nil)

// TaskNamespace covers task outcomes: one counter per (kind, outcome),
// recorded when a task reaches its terminal state.
var TaskNamespace = metrics.NewNamespace(NamespacePrefix, "tasks", nil)

var (
	requestDuration = HTTPNamespace.NewLabeledTimer("request_duration_seconds", "HTTP request latency", "route", "method")
	requestTotal    = HTTPNamespace.NewLabeledCounter("requests_total", "HTTP requests served", "route", "method", "code")
	tasksTotal      = TaskNamespace.NewLabeledCounter("tasks_total", "TaskRuntime tasks by kind and outcome", "kind", "outcome")
)

func init() {
	metrics.Register(HTTPNamespace)
	metrics.Register(TaskNamespace)
}

// Handler serves the aggregated Prometheus exposition, mounted at /metrics
// when a deployment chooses to expose it on the debug listener.
func Handler() http.Handler {
	return metrics.Handler()
}

// statusResponseWriter captures the status code a wrapped handler wrote so
// ObserveRequest can label it after the fact.
type statusResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// InstrumentRoute wraps next with request counters/timers labeled by
// route name.
func InstrumentRoute(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		requestDuration.WithValues(route, r.Method).UpdateSince(start)
		requestTotal.WithValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
	})
}

// ObserveTask records a task's terminal outcome.
func ObserveTask(kind, outcome string) {
	tasksTotal.WithValues(kind, outcome).Inc()
}
