package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"storefront/pkg/customer"
)

// Schema creates the customers table.
const Schema = `CREATE TABLE IF NOT EXISTS customers (
	id TEXT PRIMARY KEY,
	first_name TEXT NOT NULL,
	last_name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL UNIQUE,
	address TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const columns = "id,first_name,last_name,email,address,version,created_at,updated_at"

// uniqueViolation is the PostgreSQL error code for a unique constraint breach.
const uniqueViolation = "23505"

// Repository persists customers in PostgreSQL.
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

func scan(s scanner) (customer.Customer, error) {
	var c customer.Customer
	err := s.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Address, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return customer.Customer{}, customer.ErrNotFound
	}
	return c, mapErr(err)
}

// mapErr turns a unique email violation into customer.ErrAlreadyExists.
func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", customer.ErrAlreadyExists, pqErr.Detail)
	}
	return err
}

// Create inserts a new customer.
func (r *Repository) Create(ctx context.Context, c customer.Customer) (customer.Customer, error) {
	row := r.db.QueryRowContext(ctx,
		"INSERT INTO customers (id,first_name,last_name,email,address) VALUES ($1,$2,$3,$4,$5) RETURNING "+columns,
		c.ID, c.FirstName, c.LastName, c.Email, c.Address)
	return scan(row)
}

// Get retrieves a customer by ID.
func (r *Repository) Get(ctx context.Context, id string) (customer.Customer, error) {
	return scan(r.db.QueryRowContext(ctx, "SELECT "+columns+" FROM customers WHERE id=$1", id))
}

// Find fetches the customers matching f.
func (r *Repository) Find(ctx context.Context, f customer.Filter) ([]customer.Customer, error) {
	var (
		where []string
		args  []any
	)
	if f.Email != "" {
		args = append(args, f.Email)
		where = append(where, fmt.Sprintf("email=$%d", len(args)))
	}
	if f.Name != "" {
		args = append(args, "%"+f.Name+"%")
		where = append(where, fmt.Sprintf("(first_name LIKE $%d OR last_name LIKE $%d)", len(args), len(args)))
	}
	q := "SELECT " + columns + " FROM customers"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := r.db.QueryContext(ctx, q+" ORDER BY last_name, first_name", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var customers []customer.Customer
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// Update replaces an existing customer and bumps its version.
func (r *Repository) Update(ctx context.Context, c customer.Customer) (customer.Customer, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE customers SET first_name=$2, last_name=$3, email=$4, address=$5,
		 version=version+1, updated_at=now() WHERE id=$1 RETURNING `+columns,
		c.ID, c.FirstName, c.LastName, c.Email, c.Address)
	return scan(row)
}

// Delete removes a customer by ID.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM customers WHERE id=$1", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return customer.ErrNotFound
	}
	return nil
}
