// Order record, status values and the storage contract the order services depend on
// Orders are written once with a not-exists precondition and never updated
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

// Order statuses.
const (
	StatusPending    Status = "PENDING"
	StatusCreated    Status = "CREATED"
	StatusOutOfStock Status = "OUT_OF_STOCK"
	StatusFailed     Status = "FAILED"
)

// Statuses lists every valid status.
var Statuses = []Status{StatusPending, StatusCreated, StatusOutOfStock, StatusFailed}

// Storage errors.
var (
	ErrOrderExists   = errors.New("order already exists")
	ErrOrderNotFound = errors.New("order not found")
)

// Order is one persisted purchase.
type Order struct {
	OrderID     string          `json:"orderId"`
	CustomerID  string          `json:"customerId"`
	ProductID   string          `json:"productId"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// MarshalJSON renders money as JSON numbers with two decimal places.
func (o Order) MarshalJSON() ([]byte, error) {
	type plain Order
	return json.Marshal(struct {
		plain
		UnitPrice   json.Number `json:"unitPrice"`
		TotalAmount json.Number `json:"totalAmount"`
	}{
		plain:       plain(o),
		UnitPrice:   json.Number(o.UnitPrice.StringFixed(2)),
		TotalAmount: json.Number(o.TotalAmount.StringFixed(2)),
	})
}

// Total returns unitPrice × quantity rounded to cents.
func Total(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Round(2)
}

// Store persists orders.
type Store interface {
	// Create inserts o, failing with ErrOrderExists if the id is taken.
	Create(ctx context.Context, o Order) error
	// Get returns the order with id or ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// ListByStatus returns up to limit orders with status, newest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]Order, error)
	// Scan returns up to limit orders in no particular order.
	// A non-positive limit means no limit for both listing methods.
	Scan(ctx context.Context, limit int) ([]Order, error)
}
