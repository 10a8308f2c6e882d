// Order creation workflow: validate, check inventory, persist, dispatch notification
// Each step runs in its own span under the request's root span and exits early on failure
package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/andrewh/ordertrace/pkg/catalog"
	"github.com/andrewh/ordertrace/pkg/inventory"
	"github.com/andrewh/ordertrace/pkg/invoke"
	"github.com/andrewh/ordertrace/pkg/notification"
	"github.com/andrewh/ordertrace/pkg/tracing"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Input defaults applied when a field is absent.
const (
	DefaultCustomerID = "CUST-0001"
	DefaultProductID  = "PROD-001"
	DefaultQuantity   = 1

	MinQuantity = 1
	MaxQuantity = 100
)

// CreateInput is a validated create-order request.
type CreateInput struct {
	CustomerID string
	ProductID  string
	Quantity   int
}

type createBody struct {
	CustomerID *string         `json:"customerId"`
	ProductID  *string         `json:"productId"`
	Quantity   json.RawMessage `json:"quantity"`
}

// ParseCreateInput decodes and validates a create-order body. An empty body
// is treated as {} and every field falls back to its default.
func ParseCreateInput(body []byte) (CreateInput, error) {
	in := CreateInput{CustomerID: DefaultCustomerID, ProductID: DefaultProductID, Quantity: DefaultQuantity}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return in, nil
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return CreateInput{}, clientError("request body must be a JSON object")
	}

	var raw createBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return CreateInput{}, clientError("request body must be a JSON object")
	}
	if raw.CustomerID != nil {
		if *raw.CustomerID == "" {
			return CreateInput{}, clientError("customerId must not be empty")
		}
		in.CustomerID = *raw.CustomerID
	}
	if raw.ProductID != nil {
		in.ProductID = *raw.ProductID
	}
	if !catalog.ProductIDPattern.MatchString(in.ProductID) {
		return CreateInput{}, clientError("productId must match PROD-NNN")
	}
	if len(raw.Quantity) > 0 && string(raw.Quantity) != "null" {
		var q int64
		if err := json.Unmarshal(raw.Quantity, &q); err != nil {
			return CreateInput{}, clientError("quantity must be an integer")
		}
		if q < MinQuantity || q > MaxQuantity {
			return CreateInput{}, clientError("quantity must be between %d and %d", MinQuantity, MaxQuantity)
		}
		in.Quantity = int(q)
	}
	return in, nil
}

// Orchestrator runs the create-order workflow.
type Orchestrator struct {
	Tracer  *tracing.Tracer
	Invoker invoke.Invoker
	Store   Store
	NewID   func() string
	Now     func() time.Time
	Logger  logrus.FieldLogger
}

// NewOrchestrator creates an Orchestrator with random v4 order ids and the wall clock.
func NewOrchestrator(tr *tracing.Tracer, inv invoke.Invoker, store Store, logger logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{
		Tracer:  tr,
		Invoker: inv,
		Store:   store,
		NewID:   uuid.NewString,
		Now:     time.Now,
		Logger:  logger,
	}
}

// Create validates body and creates an order under root. Failures are returned
// as *Error; a notification that cannot be dispatched is logged, not returned.
func (o *Orchestrator) Create(ctx context.Context, root *tracing.Span, body []byte) (Order, error) {
	var in CreateInput
	err := o.Tracer.Do("ValidateInput", root, func(*tracing.Span) error {
		var err error
		in, err = ParseCreateInput(body)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	root.Annotate("customerId", in.CustomerID)
	root.Annotate("productId", in.ProductID)
	root.Annotate("quantity", in.Quantity)

	var stock inventory.Response
	err = o.Tracer.Do("CheckInventory", root, func(span *tracing.Span) error {
		span.Annotate("productId", in.ProductID)
		req := inventory.Request{ProductID: in.ProductID, Quantity: in.Quantity}
		if err := o.Invoker.Invoke(ctx, span, inventory.FunctionName, req, &stock); err != nil {
			return &Error{Kind: KindUnavailable, Message: "inventory service unavailable", Err: err}
		}
		span.Annotate("available", stock.Available)
		if !stock.Available {
			span.Annotate("orderStatus", string(StatusOutOfStock))
			return &Error{
				Kind:    KindRejected,
				Message: "insufficient stock",
				Details: map[string]any{
					"productId":    in.ProductID,
					"requestedQty": in.Quantity,
					"availableQty": stock.AvailableQty,
				},
			}
		}
		return nil
	}, trace.WithSpanKind(trace.SpanKindClient))
	if err != nil {
		if AsError(err).Kind == KindRejected {
			root.Annotate("orderStatus", string(StatusOutOfStock))
		}
		return Order{}, err
	}

	order := Order{
		OrderID:     o.NewID(),
		CustomerID:  in.CustomerID,
		ProductID:   in.ProductID,
		Quantity:    in.Quantity,
		UnitPrice:   stock.UnitPrice,
		TotalAmount: Total(stock.UnitPrice, in.Quantity),
		Status:      StatusCreated,
		CreatedAt:   o.Now().UTC(),
	}
	err = o.Tracer.Do("PersistOrder", root, func(span *tracing.Span) error {
		span.Annotate("orderId", order.OrderID)
		if err := o.Store.Create(tracing.ContextWithSpan(ctx, span), order); err != nil {
			return &Error{Kind: KindPersistence, Message: "failed to persist order", Err: err}
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	root.Annotate("orderId", order.OrderID)

	err = o.Tracer.Do("DispatchNotification", root, func(span *tracing.Span) error {
		snapshot, err := json.Marshal(order)
		if err != nil {
			return &Error{Kind: KindDispatch, Message: "encoding order snapshot", Err: err}
		}
		req := notification.Request{OrderID: order.OrderID, CustomerID: order.CustomerID, Order: snapshot}
		if err := o.Invoker.InvokeAsync(ctx, span, notification.FunctionName, req); err != nil {
			span.Annotate("result", "dispatch_failed")
			return &Error{Kind: KindDispatch, Message: "notification dispatch failed", Err: err}
		}
		span.Annotate("result", "dispatched")
		return nil
	}, trace.WithSpanKind(trace.SpanKindProducer))
	if err != nil {
		o.Logger.WithError(err).WithFields(logrus.Fields{
			"orderId":  order.OrderID,
			"traceId":  root.TraceID(),
			"throttle": errors.Is(err, invoke.ErrQueueFull),
		}).Warn("notification not dispatched")
	}

	root.Annotate("orderStatus", string(order.Status))
	return order, nil
}
