package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/andrewh/ordertrace/pkg/orders"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const orderColumns = "order_id, customer_id, product_id, quantity, unit_price, total_amount, status, created_at"

// SQLite stores orders in a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations. Use ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	// One connection serialises writers and keeps ":memory:" a single database
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to sqlite %s: %w", path, err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("preparing sqlite migrations: %w", err)
	}
	if err := migrateUp("sqlite", "sqlite", driver); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// Create inserts o; the primary key conflict is the not-exists precondition.
func (s *SQLite) Create(ctx context.Context, o orders.Order) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(order_id) DO NOTHING`,
		o.OrderID, o.CustomerID, o.ProductID, o.Quantity,
		o.UnitPrice.String(), o.TotalAmount.String(), string(o.Status), o.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.OrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.OrderID, err)
	}
	if n == 0 {
		return orders.ErrOrderExists
	}
	return nil
}

// Get returns the order with id.
func (s *SQLite) Get(ctx context.Context, id string) (orders.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, id)
	if err != nil {
		return orders.Order{}, fmt.Errorf("querying order %s: %w", id, err)
	}
	found, err := scanOrders(rows)
	if err != nil {
		return orders.Order{}, err
	}
	if len(found) == 0 {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return found[0], nil
}

// ListByStatus reads the status index newest first.
func (s *SQLite) ListByStatus(ctx context.Context, status orders.Status, limit int) ([]orders.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY created_at DESC, order_id LIMIT ?`,
		string(status), sqliteLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing %s orders: %w", status, err)
	}
	return scanOrders(rows)
}

// sqliteLimit maps a non-positive limit to SQLite's unbounded -1.
func sqliteLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// Scan reads up to limit rows without ordering.
func (s *SQLite) Scan(ctx context.Context, limit int) ([]orders.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders LIMIT ?`, sqliteLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("scanning orders: %w", err)
	}
	return scanOrders(rows)
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func scanOrders(rows *sql.Rows) ([]orders.Order, error) {
	defer func() { _ = rows.Close() }()
	var out []orders.Order
	for rows.Next() {
		var (
			o            orders.Order
			status       string
			price, total string
			created      int64
		)
		if err := rows.Scan(&o.OrderID, &o.CustomerID, &o.ProductID, &o.Quantity, &price, &total, &status, &created); err != nil {
			return nil, fmt.Errorf("reading order row: %w", err)
		}
		var err error
		if o.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("order %s: invalid unit_price: %w", o.OrderID, err)
		}
		if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("order %s: invalid total_amount: %w", o.OrderID, err)
		}
		o.Status = orders.Status(status)
		o.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading order rows: %w", err)
	}
	return out, nil
}
