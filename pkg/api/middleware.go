package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/andrewh/ordertrace/pkg/invoke"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// statusWriter remembers the response code for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func wrap(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}
	return &statusWriter{ResponseWriter: w}
}

// route returns the matched path template so metric labels stay bounded.
func route(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tmpl, err := cur.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func accessLog(logger logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := wrap(w)
			next.ServeHTTP(sw, r)
			entry := logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   sw.code(),
				"duration": time.Since(start).String(),
			})
			if id := sw.Header().Get(HeaderTraceID); id != "" {
				entry = entry.WithField("traceId", id)
			}
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				entry.Debug("request")
				return
			}
			entry.Info("request")
		})
	}
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg *prometheus.Registry, d *invoke.Dispatcher) (m *httpMetrics, err error) {
	// promauto panics on duplicate registration
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("registering http metrics: %v", r)
		}
	}()
	factory := promauto.With(reg)
	m = &httpMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ordertrace_http_requests_total",
			Help: "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ordertrace_http_request_duration_seconds",
			Help:    "HTTP request latency by route and method",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"route", "method"}),
	}
	if d != nil {
		for outcome, read := range map[string]func(invoke.DispatchStats) int64{
			"completed": func(s invoke.DispatchStats) int64 { return s.Completed },
			"failed":    func(s invoke.DispatchStats) int64 { return s.Failed },
			"rejected":  func(s invoke.DispatchStats) int64 { return s.Rejected },
		} {
			factory.NewCounterFunc(prometheus.CounterOpts{
				Name:        "ordertrace_dispatch_jobs_total",
				Help:        "Asynchronous invocations by outcome",
				ConstLabels: prometheus.Labels{"outcome": outcome},
			}, func() float64 { return float64(read(d.Stats())) })
		}
	}
	return m, nil
}

func (m *httpMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrap(w)
		next.ServeHTTP(sw, r)
		rt := route(r)
		m.requests.WithLabelValues(rt, r.Method, strconv.Itoa(sw.code())).Inc()
		m.duration.WithLabelValues(rt, r.Method).Observe(time.Since(start).Seconds())
	})
}
