package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrewh/ordertrace/pkg/orders"
	"github.com/avast/retry-go"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pgx-contrib/pgxotel"
	"github.com/shopspring/decimal"
)

// DefaultConnectAttempts is how many times OpenPostgres pings before giving up.
const DefaultConnectAttempts = 5

const connectRetryDelay = time.Second

// Postgres stores orders in PostgreSQL. Queries are traced through the
// span carried by the request context.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, retrying while the server comes up, and
// applies migrations.
func OpenPostgres(ctx context.Context, dsn string, attempts uint) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	cfg.ConnConfig.Tracer = &pgxotel.QueryTracer{Name: "ordertrace-store"}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	err = retry.Do(
		func() error { return pool.Ping(ctx) },
		retry.Attempts(max(attempts, 1)),
		retry.Delay(connectRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		_ = db.Close()
		pool.Close()
		return nil, fmt.Errorf("preparing postgres migrations: %w", err)
	}
	if err := migrateUp("postgres", "pgx", driver); err != nil {
		_ = db.Close()
		pool.Close()
		return nil, err
	}
	_ = db.Close()
	return &Postgres{pool: pool}, nil
}

// Create inserts o; the primary key conflict is the not-exists precondition.
func (p *Postgres) Create(ctx context.Context, o orders.Order) error {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7, $8)
		 ON CONFLICT (order_id) DO NOTHING`,
		o.OrderID, o.CustomerID, o.ProductID, o.Quantity,
		o.UnitPrice.String(), o.TotalAmount.String(), string(o.Status), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.OrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrOrderExists
	}
	return nil
}

const pgSelect = `SELECT order_id, customer_id, product_id, quantity, unit_price::text, total_amount::text, status, created_at FROM orders`

// Get returns the order with id.
func (p *Postgres) Get(ctx context.Context, id string) (orders.Order, error) {
	rows, err := p.pool.Query(ctx, pgSelect+` WHERE order_id = $1`, id)
	if err != nil {
		return orders.Order{}, fmt.Errorf("querying order %s: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanPgOrder)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	if err != nil {
		return orders.Order{}, fmt.Errorf("reading order %s: %w", id, err)
	}
	return o, nil
}

// ListByStatus reads the status index newest first.
func (p *Postgres) ListByStatus(ctx context.Context, status orders.Status, limit int) ([]orders.Order, error) {
	rows, err := p.pool.Query(ctx, pgSelect+` WHERE status = $1 ORDER BY created_at DESC, order_id LIMIT $2`, string(status), pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing %s orders: %w", status, err)
	}
	out, err := pgx.CollectRows(rows, scanPgOrder)
	if err != nil {
		return nil, fmt.Errorf("reading %s orders: %w", status, err)
	}
	return out, nil
}

// pgLimit maps a non-positive limit to NULL, which Postgres reads as LIMIT ALL.
func pgLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// Scan reads up to limit rows without ordering.
func (p *Postgres) Scan(ctx context.Context, limit int) ([]orders.Order, error) {
	rows, err := p.pool.Query(ctx, pgSelect+` LIMIT $1`, pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("scanning orders: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanPgOrder)
	if err != nil {
		return nil, fmt.Errorf("reading orders: %w", err)
	}
	return out, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanPgOrder(row pgx.CollectableRow) (orders.Order, error) {
	var (
		o            orders.Order
		price, total string
		status       string
	)
	if err := row.Scan(&o.OrderID, &o.CustomerID, &o.ProductID, &o.Quantity, &price, &total, &status, &o.CreatedAt); err != nil {
		return orders.Order{}, err
	}
	var err error
	if o.UnitPrice, err = decimal.NewFromString(price); err != nil {
		return orders.Order{}, fmt.Errorf("invalid unit_price: %w", err)
	}
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return orders.Order{}, fmt.Errorf("invalid total_amount: %w", err)
	}
	o.Status = orders.Status(status)
	o.CreatedAt = o.CreatedAt.UTC()
	return o, nil
}
