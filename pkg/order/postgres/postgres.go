package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"storefront/pkg/order"
)

// Schema creates the orders table.
const Schema = `CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	order_date TIMESTAMPTZ NOT NULL,
	total_amount NUMERIC(12,2) NOT NULL,
	status TEXT NOT NULL,
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// uniqueViolation is the PostgreSQL error code for a primary key clash.
const uniqueViolation = "23505"

const columns = "id,customer_id,order_date,total_amount,status,version,created_at,updated_at"

// Repository persists orders in PostgreSQL.
type Repository struct {
	db *sql.DB
}

// New creates a PostgreSQL repository.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (order.Order, error) {
	var o order.Order
	err := s.Scan(&o.ID, &o.CustomerID, &o.OrderDate, &o.TotalAmount, &o.Status, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, order.ErrNotFound
	}
	return o, err
}

// Create inserts a new order.
func (r *Repository) Create(ctx context.Context, o order.Order) (order.Order, error) {
	row := r.db.QueryRowContext(ctx,
		"INSERT INTO orders (id,customer_id,order_date,total_amount,status) VALUES ($1,$2,$3,$4,$5) RETURNING "+columns,
		o.ID, o.CustomerID, o.OrderDate, o.TotalAmount, o.Status)
	created, err := scan(row)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrAlreadyExists, o.ID)
	}
	return created, err
}

// Get retrieves an order by ID.
func (r *Repository) Get(ctx context.Context, id string) (order.Order, error) {
	return scan(r.db.QueryRowContext(ctx, "SELECT "+columns+" FROM orders WHERE id=$1", id))
}

// Find fetches the orders matching f, oldest first.
func (r *Repository) Find(ctx context.Context, f order.Filter) ([]order.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		args = append(args, f.CustomerID)
		where = append(where, fmt.Sprintf("customer_id=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	q := "SELECT " + columns + " FROM orders"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := r.db.QueryContext(ctx, q+" ORDER BY created_at", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []order.Order
	for rows.Next() {
		o, err := scan(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Update writes o if the stored version still equals o.Version.
func (r *Repository) Update(ctx context.Context, o order.Order) (order.Order, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE orders SET customer_id=$2, order_date=$3, total_amount=$4, status=$5,
		 version=version+1, updated_at=now() WHERE id=$1 AND version=$6 RETURNING `+columns,
		o.ID, o.CustomerID, o.OrderDate, o.TotalAmount, o.Status, o.Version)
	updated, err := scan(row)
	if !errors.Is(err, order.ErrNotFound) {
		return updated, err
	}
	exists, err := r.Exists(ctx, o.ID)
	if err != nil {
		return order.Order{}, err
	}
	if exists {
		return order.Order{}, order.ErrVersionConflict
	}
	return order.Order{}, order.ErrNotFound
}

// Delete removes an order by ID.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM orders WHERE id=$1", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return order.ErrNotFound
	}
	return nil
}

// Exists reports whether an order with id is stored.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)", id).Scan(&ok)
	return ok, err
}
