// HTTP transport for function invocations between ordertrace processes
// POST /functions/{name}; trace context rides in the request headers
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andrewh/ordertrace/pkg/tracing"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderInvocationType carries the invocation Type on HTTP requests.
const HeaderInvocationType = "X-Invocation-Type"

const maxPayloadBytes = 1 << 20

// FunctionPath returns the route path for the named function.
func FunctionPath(name string) string {
	return "/functions/" + name
}

type errorBody struct {
	Error string `json:"error"`
}

// RemoteError is a function failure reported by a remote process.
type RemoteError struct {
	Function string
	Status   int
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("function %s failed (%d): %s", e.Function, e.Status, e.Message)
}

// HTTPInvoker calls functions hosted by another process.
type HTTPInvoker struct {
	BaseURL    string
	Client     *http.Client
	Propagator propagation.TextMapPropagator
}

// NewHTTPInvoker creates an invoker for the process serving baseURL.
func NewHTTPInvoker(baseURL string, timeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Client:     &http.Client{Timeout: timeout},
		Propagator: tracing.Propagator,
	}
}

// Invoke posts a request/response invocation and decodes the reply into out.
func (h *HTTPInvoker) Invoke(ctx context.Context, span *tracing.Span, name string, in, out any) error {
	body, err := h.post(ctx, span, name, RequestResponse, in, http.StatusOK)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", name, err)
	}
	return nil
}

// InvokeAsync posts an event invocation; the remote side acknowledges with 202.
func (h *HTTPInvoker) InvokeAsync(ctx context.Context, span *tracing.Span, name string, in any) error {
	_, err := h.post(ctx, span, name, Event, in, http.StatusAccepted)
	return err
}

func (h *HTTPInvoker) post(ctx context.Context, span *tracing.Span, name string, typ Type, in any, want int) ([]byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+FunctionPath(name), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderInvocationType, string(typ))
	h.Propagator.Inject(tracing.ContextWithSpan(ctx, span), propagation.HeaderCarrier(req.Header))

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoking %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", name, err)
	}
	switch {
	case resp.StatusCode == want:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	case resp.StatusCode == http.StatusServiceUnavailable && typ == Event:
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, name)
	default:
		var eb errorBody
		_ = json.Unmarshal(body, &eb)
		return nil, &RemoteError{Function: name, Status: resp.StatusCode, Message: eb.Error}
	}
}

// FunctionHandler serves registered functions over HTTP. Events are queued on
// the dispatcher and acknowledged before they run.
type FunctionHandler struct {
	Registry   *Registry
	Dispatcher *Dispatcher
	Logger     logrus.FieldLogger
}

// ServeHTTP handles POST /functions/{name}.
func (f *FunctionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	fn, err := f.Registry.Lookup(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	typ := Type(r.Header.Get(HeaderInvocationType))
	if typ == "" {
		typ = RequestResponse
	}
	inv := Invocation{
		Function: name,
		Type:     typ,
		Carrier:  propagation.HeaderCarrier(r.Header.Clone()),
		Payload:  payload,
	}

	switch typ {
	case Event:
		detached := context.WithoutCancel(r.Context())
		err := f.Dispatcher.Submit(Job{Name: name, Run: func(context.Context) error {
			_, err := fn(detached, inv)
			return err
		}})
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case RequestResponse:
		out, err := fn(r.Context(), inv)
		if err != nil {
			f.Logger.WithError(err).WithField("function", name).Warn("function invocation failed")
			writeError(w, http.StatusBadGateway, "function error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported invocation type %q", typ))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}
