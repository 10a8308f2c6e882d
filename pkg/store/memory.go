package store

import (
	"context"
	"sync"

	"github.com/andrewh/ordertrace/pkg/orders"
)

// Memory keeps orders in a map. It is safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	orders map[string]orders.Order
	writes int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{orders: make(map[string]orders.Order)}
}

// Create inserts o unless its id is already present.
func (m *Memory) Create(ctx context.Context, o orders.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.OrderID]; ok {
		return orders.ErrOrderExists
	}
	m.orders[o.OrderID] = o
	m.writes++
	return nil
}

// Get returns the order with id.
func (m *Memory) Get(ctx context.Context, id string) (orders.Order, error) {
	if err := ctx.Err(); err != nil {
		return orders.Order{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o, nil
}

// ListByStatus returns up to limit orders with status, newest first.
func (m *Memory) ListByStatus(ctx context.Context, status orders.Status, limit int) ([]orders.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []orders.Order
	for _, o := range m.orders {
		if o.Status == status {
			out = append(out, o)
		}
	}
	m.mu.RUnlock()
	orders.SortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Scan returns up to limit orders in map order.
func (m *Memory) Scan(ctx context.Context, limit int) ([]orders.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]orders.Order, 0, max(min(limit, len(m.orders)), 0))
	for _, o := range m.orders {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, o)
	}
	return out, nil
}

// Writes returns the number of successful inserts.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
