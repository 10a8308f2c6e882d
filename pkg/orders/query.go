// Order query service: point lookup by id and status-filtered or unfiltered listing
// Orders are immutable, so point lookups are cached without invalidation
package orders

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/andrewh/ordertrace/pkg/tracing"
	"github.com/dgraph-io/ristretto"
)

// Page size bounds for List.
const (
	DefaultListLimit = 20
	MaxListLimit     = 50
)

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// Query reads orders.
type Query struct {
	Tracer *tracing.Tracer
	Store  Store
	cache  *ristretto.Cache
}

// NewQuery creates a Query caching up to cacheSize orders. A cacheSize of zero
// disables caching.
func NewQuery(tr *tracing.Tracer, store Store, cacheSize int64) (*Query, error) {
	q := &Query{Tracer: tr, Store: store}
	if cacheSize <= 0 {
		return q, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheSize * 10,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating order cache: %w", err)
	}
	q.cache = cache
	return q, nil
}

// Close releases the cache.
func (q *Query) Close() {
	if q.cache != nil {
		q.cache.Close()
	}
}

// Get returns the order with id. A missing order is a KindNotFound *Error.
func (q *Query) Get(ctx context.Context, parent *tracing.Span, id string) (Order, error) {
	var order Order
	err := q.Tracer.Do("GetOrder", parent, func(span *tracing.Span) error {
		span.Annotate("orderId", id)
		if q.cache != nil {
			if v, ok := q.cache.Get(id); ok {
				if cached, ok := v.(Order); ok {
					order = cached
					span.Annotate("result", "hit")
					return nil
				}
			}
		}

		var err error
		order, err = q.Store.Get(tracing.ContextWithSpan(ctx, span), id)
		switch {
		case errors.Is(err, ErrOrderNotFound):
			span.Annotate("result", "not_found")
			return &Error{Kind: KindNotFound, Message: "order not found", Details: map[string]any{"orderId": id}}
		case err != nil:
			return &Error{Kind: KindPersistence, Message: "failed to read order", Err: err}
		}
		span.Annotate("result", "miss")
		span.Annotate("orderStatus", string(order.Status))
		if q.cache != nil {
			q.cache.Set(id, order, 1)
			q.cache.Wait()
		}
		return nil
	})
	return order, err
}

// List returns up to limit orders, newest first. A non-empty status uses the
// status index and an unknown status yields no rows; otherwise a bounded scan
// is sorted in memory.
func (q *Query) List(ctx context.Context, parent *tracing.Span, status string, limit int) ([]Order, error) {
	limit = ClampLimit(limit)
	var out []Order
	err := q.Tracer.Do("ListOrders", parent, func(span *tracing.Span) error {
		span.Annotate("limit", limit)
		dbctx := tracing.ContextWithSpan(ctx, span)

		if status != "" {
			// unknown statuses match nothing in the index
			st := Status(status)
			span.Annotate("orderStatus", status)
			span.Annotate("accessPath", "index")
			var err error
			out, err = q.Store.ListByStatus(dbctx, st, limit)
			if err != nil {
				return &Error{Kind: KindPersistence, Message: "failed to list orders", Err: err}
			}
		} else {
			span.Annotate("accessPath", "scan")
			var err error
			out, err = q.Store.Scan(dbctx, limit)
			if err != nil {
				return &Error{Kind: KindPersistence, Message: "failed to list orders", Err: err}
			}
			SortNewestFirst(out)
		}
		if len(out) > limit {
			out = out[:limit]
		}
		span.Annotate("result", len(out))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Order{}
	}
	return out, nil
}

// SortNewestFirst orders by CreatedAt descending, breaking ties by id.
func SortNewestFirst(orders []Order) {
	slices.SortStableFunc(orders, func(a, b Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.OrderID < b.OrderID {
			return -1
		}
		if a.OrderID > b.OrderID {
			return 1
		}
		return 0
	})
}
