// Function invocation primitives: synchronous request/response and asynchronous events
// Payloads are JSON and trace context travels in a text map carrier beside them
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/andrewh/ordertrace/pkg/tracing"
	"go.opentelemetry.io/otel/propagation"
)

// Type selects how a function is invoked.
type Type string

// Invocation types.
const (
	RequestResponse Type = "RequestResponse"
	Event           Type = "Event"
)

// ErrUnknownFunction is returned when no function is registered under a name.
var ErrUnknownFunction = errors.New("unknown function")

// Invocation is the envelope delivered to a function.
type Invocation struct {
	Function string
	Type     Type
	Carrier  propagation.TextMapCarrier
	Payload  []byte
}

// Function handles one invocation. The returned bytes are the JSON response
// for request/response calls and are discarded for events.
type Function func(ctx context.Context, inv Invocation) ([]byte, error)

// Invoker calls functions on behalf of a span. Invoke blocks for the response;
// InvokeAsync returns once the event is accepted for delivery.
type Invoker interface {
	Invoke(ctx context.Context, span *tracing.Span, name string, in, out any) error
	InvokeAsync(ctx context.Context, span *tracing.Span, name string, in any) error
}

// Registry maps function names to handlers.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Function
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Function)}
}

// Register adds or replaces fn under name.
func (r *Registry) Register(name string, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = fn
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	return fn, nil
}

// Names returns the registered function names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LocalInvoker calls functions in the same process. Payloads still pass
// through JSON so encoding failures surface exactly as they would remotely.
type LocalInvoker struct {
	Registry   *Registry
	Dispatcher *Dispatcher
	Propagator propagation.TextMapPropagator
}

// NewLocalInvoker creates a LocalInvoker using the tracing propagator.
func NewLocalInvoker(reg *Registry, d *Dispatcher) *LocalInvoker {
	return &LocalInvoker{Registry: reg, Dispatcher: d, Propagator: tracing.Propagator}
}

func (l *LocalInvoker) envelope(ctx context.Context, span *tracing.Span, name string, typ Type, in any) (Invocation, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Invocation{}, fmt.Errorf("encoding %s payload: %w", name, err)
	}
	carrier := propagation.MapCarrier{}
	l.Propagator.Inject(tracing.ContextWithSpan(ctx, span), carrier)
	return Invocation{Function: name, Type: typ, Carrier: carrier, Payload: payload}, nil
}

// Invoke calls name synchronously and decodes its response into out.
func (l *LocalInvoker) Invoke(ctx context.Context, span *tracing.Span, name string, in, out any) error {
	fn, err := l.Registry.Lookup(name)
	if err != nil {
		return err
	}
	inv, err := l.envelope(ctx, span, name, RequestResponse, in)
	if err != nil {
		return err
	}
	resp, err := fn(ctx, inv)
	if err != nil {
		return fmt.Errorf("invoking %s: %w", name, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", name, err)
	}
	return nil
}

// InvokeAsync queues name for background execution. The event outlives the
// caller, so it runs without the caller's cancellation.
func (l *LocalInvoker) InvokeAsync(ctx context.Context, span *tracing.Span, name string, in any) error {
	fn, err := l.Registry.Lookup(name)
	if err != nil {
		return err
	}
	inv, err := l.envelope(ctx, span, name, Event, in)
	if err != nil {
		return err
	}
	detached := context.WithoutCancel(ctx)
	return l.Dispatcher.Submit(Job{
		Name: name,
		Run: func(context.Context) error {
			_, err := fn(detached, inv)
			return err
		},
	})
}

// Router sends each function to the invoker registered for it, or to Default.
type Router struct {
	Default Invoker
	Routes  map[string]Invoker
}

func (r *Router) pick(name string) Invoker {
	if inv, ok := r.Routes[name]; ok {
		return inv
	}
	return r.Default
}

// Invoke forwards to the invoker routed for name.
func (r *Router) Invoke(ctx context.Context, span *tracing.Span, name string, in, out any) error {
	return r.pick(name).Invoke(ctx, span, name, in, out)
}

// InvokeAsync forwards to the invoker routed for name.
func (r *Router) InvokeAsync(ctx context.Context, span *tracing.Span, name string, in any) error {
	return r.pick(name).InvokeAsync(ctx, span, name, in)
}
