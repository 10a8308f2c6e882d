// HTTP surface for the order service: create, get and list orders plus health,
// metrics, the recent-span feed and the function invocation endpoint
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/andrewh/ordertrace/pkg/invoke"
	"github.com/andrewh/ordertrace/pkg/orders"
	"github.com/andrewh/ordertrace/pkg/tracing"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HeaderTraceID carries the root span's trace id on every traced response.
const HeaderTraceID = "X-Trace-Id"

const (
	maxBodyBytes     = 1 << 20
	defaultSpanLimit = 50
)

// Config wires a Server. Functions, Dispatcher and Recorder are optional; a nil
// value disables the routes and metrics that depend on them.
type Config struct {
	Tracer       *tracing.Tracer
	Orchestrator *orders.Orchestrator
	Query        *orders.Query
	Functions    *invoke.FunctionHandler
	Dispatcher   *invoke.Dispatcher
	Recorder     *tracing.Recorder
	Logger       logrus.FieldLogger
	Registry     *prometheus.Registry
	Version      string
}

// Server routes HTTP requests to the order services.
type Server struct {
	cfg    Config
	router *mux.Router
}

// New builds the router and registers HTTP metrics on cfg.Registry, creating
// a fresh registry when none is given.
func New(cfg Config) (*Server, error) {
	if cfg.Tracer == nil || cfg.Orchestrator == nil || cfg.Query == nil {
		return nil, errors.New("api: tracer, orchestrator and query are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	m, err := newHTTPMetrics(cfg.Registry, cfg.Dispatcher)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, router: mux.NewRouter()}
	r := s.router
	r.Use(accessLog(cfg.Logger), m.middleware)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/orders", s.createOrder).Methods(http.MethodPost)
	r.HandleFunc("/orders", s.listOrders).Methods(http.MethodGet)
	r.HandleFunc("/orders/{orderId}", s.getOrder).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if cfg.Recorder != nil {
		r.HandleFunc("/debug/spans", s.recentSpans).Methods(http.MethodGet)
	}
	if cfg.Functions != nil {
		r.Handle("/functions/{name}", cfg.Functions).Methods(http.MethodPost)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "route not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	})
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": s.cfg.Tracer.Service(),
		"version": s.cfg.Version,
	})
}

// traced runs fn under a server span continuing any trace in the request headers.
func (s *Server) traced(w http.ResponseWriter, r *http.Request, name string, fn func(*tracing.Span) error) error {
	return s.cfg.Tracer.DoRemote(name, propagation.HeaderCarrier(r.Header), func(root *tracing.Span) error {
		w.Header().Set(HeaderTraceID, root.TraceID())
		root.AddMetadata("http", map[string]any{"method": r.Method, "path": r.URL.Path})
		return fn(root)
	}, trace.WithSpanKind(trace.SpanKindServer))
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var order orders.Order
	err := s.traced(w, r, "orders.Create", func(root *tracing.Span) error {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			return &orders.Error{Kind: orders.KindClient, Message: "request body too large or unreadable", Err: err}
		}
		order, err = s.cfg.Orchestrator.Create(r.Context(), root, body)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["orderId"]
	var order orders.Order
	err := s.traced(w, r, "orders.Get", func(root *tracing.Span) error {
		var err error
		order, err = s.cfg.Query.Get(r.Context(), root, id)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type listResponse struct {
	Count  int            `json:"count"`
	Orders []orders.Order `json:"orders"`
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	var found []orders.Order
	err := s.traced(w, r, "orders.List", func(root *tracing.Span) error {
		limit, err := queryInt(r, "limit")
		if err != nil {
			return &orders.Error{Kind: orders.KindClient, Message: "limit must be an integer", Err: err}
		}
		found, err = s.cfg.Query.List(r.Context(), root, r.URL.Query().Get("status"), limit)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Count: len(found), Orders: found})
}

type spansResponse struct {
	Count int                  `json:"count"`
	Spans []tracing.SpanRecord `json:"spans"`
}

func (s *Server) recentSpans(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be an integer"})
		return
	}
	if limit <= 0 {
		limit = defaultSpanLimit
	}
	var spans []tracing.SpanRecord
	if traceID := r.URL.Query().Get("traceId"); traceID != "" {
		spans = s.cfg.Recorder.Trace(traceID)
	} else {
		spans = s.cfg.Recorder.Recent(limit)
	}
	if spans == nil {
		spans = []tracing.SpanRecord{}
	}
	writeJSON(w, http.StatusOK, spansResponse{Count: len(spans), Spans: spans})
}

// queryInt returns the named query parameter, or zero when it is absent.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return n, nil
}

// writeError renders err as {"error": message, ...details}. Internal causes are
// logged, never written to the response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := orders.AsError(err)
	status := e.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.cfg.Logger.WithError(err).WithFields(logrus.Fields{
			"path":    r.URL.Path,
			"traceId": w.Header().Get(HeaderTraceID),
			"kind":    e.Kind.String(),
		}).Error("request failed")
	}
	body := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		body[k] = v
	}
	body["error"] = e.Message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
