// Inventory service: catalog lookup, simulated latency and stock availability
// Invoked synchronously by the orchestrator and joins the caller's trace
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andrewh/ordertrace/pkg/catalog"
	"github.com/andrewh/ordertrace/pkg/faults"
	"github.com/andrewh/ordertrace/pkg/invoke"
	"github.com/andrewh/ordertrace/pkg/tracing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
)

// FunctionName is the name the service is registered under.
const FunctionName = "inventory"

// Request asks whether quantity units of a product are available.
type Request struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Response reports availability and the catalog price.
type Response struct {
	Available    bool            `json:"available"`
	AvailableQty int             `json:"availableQty"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	ProductName  string          `json:"productName"`
	ProductID    string          `json:"productId"`
	CheckedAt    time.Time       `json:"checkedAt"`
}

// malformedRequest is a caller error, not a fault of this service.
type malformedRequest struct{ err error }

func (m malformedRequest) Error() string          { return "malformed inventory request: " + m.err.Error() }
func (m malformedRequest) Unwrap() error          { return m.err }
func (malformedRequest) Outcome() tracing.Outcome { return tracing.OutcomeError }

// Service answers stock checks against the catalog.
type Service struct {
	Tracer    *tracing.Tracer
	Catalog   *catalog.Catalog
	Simulator *faults.Simulator
	Now       func() time.Time
}

// New creates a Service whose simulator draws from src.
func New(tr *tracing.Tracer, cat *catalog.Catalog, src faults.Source) *Service {
	return &Service{
		Tracer:    tr,
		Catalog:   cat,
		Simulator: faults.New(cat.InventoryTable(), src),
		Now:       time.Now,
	}
}

// Handle is the function entry point. It continues the trace carried by inv.
func (s *Service) Handle(ctx context.Context, inv invoke.Invocation) ([]byte, error) {
	var resp Response
	err := s.Tracer.DoRemote("inventory.CheckStock", inv.Carrier, func(span *tracing.Span) error {
		var req Request
		if err := json.Unmarshal(inv.Payload, &req); err != nil {
			return malformedRequest{err: err}
		}
		var err error
		resp, err = s.Check(ctx, span, req)
		return err
	}, trace.WithSpanKind(trace.SpanKindServer))
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// Check resolves the product, waits out its simulated latency and computes
// availability, annotating span with the result.
func (s *Service) Check(ctx context.Context, span *tracing.Span, req Request) (Response, error) {
	span.Annotate("productId", req.ProductID)
	span.Annotate("requestedQty", req.Quantity)

	var product catalog.Product
	_ = s.Tracer.Do("CatalogLookup", span, func(child *tracing.Span) error {
		var known bool
		product, known = s.Catalog.Lookup(req.ProductID)
		child.Annotate("productId", req.ProductID)
		if known {
			child.Annotate("result", "found")
		} else {
			child.Annotate("result", "default")
		}
		return nil
	})

	var outcome faults.Outcome
	err := s.Tracer.Do("SimulateLatency", span, func(child *tracing.Span) error {
		outcome = s.Simulator.Simulate(req.ProductID)
		child.Annotate("latencyMs", outcome.Delay.Milliseconds())
		child.Annotate("scenario", outcome.Scenario())
		if err := s.Simulator.Wait(ctx, outcome.Delay); err != nil {
			return fmt.Errorf("simulated latency interrupted: %w", err)
		}
		return nil
	})
	if err != nil {
		return Response{}, err
	}

	stock := outcome.Stock
	_ = s.Tracer.Do("ComputeStock", span, func(child *tracing.Span) error {
		if outcome.Has(catalog.BranchStockOut) {
			stock = 0
		}
		child.Annotate("effectiveStock", stock)
		return nil
	})

	resp := Response{
		Available:    stock >= req.Quantity,
		AvailableQty: stock,
		UnitPrice:    product.UnitPrice,
		ProductName:  product.Name,
		ProductID:    req.ProductID,
		CheckedAt:    s.Now().UTC(),
	}
	span.Annotate("available", resp.Available)
	span.Annotate("price", product.UnitPrice.InexactFloat64())
	span.Annotate("scenario", outcome.Scenario())
	return resp, nil
}
