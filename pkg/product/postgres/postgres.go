package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"storefront/pkg/product"
)

// Schema creates the products table.
const Schema = `CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	price NUMERIC(12,2) NOT NULL,
	stock_quantity INT NOT NULL CHECK (stock_quantity >= 0),
	category TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// uniqueViolation is the PostgreSQL error code for a primary key clash.
const uniqueViolation = "23505"

const columns = "id,name,description,price,stock_quantity,category,version,created_at,updated_at"

// Repository persists products in PostgreSQL.
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

func scan(s scanner) (product.Product, error) {
	var p product.Product
	err := s.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.StockQuantity, &p.Category, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return product.Product{}, product.ErrNotFound
	}
	return p, err
}

// Create inserts a new product.
func (r *Repository) Create(ctx context.Context, p product.Product) (product.Product, error) {
	row := r.db.QueryRowContext(ctx,
		"INSERT INTO products (id,name,description,price,stock_quantity,category) VALUES ($1,$2,$3,$4,$5,$6) RETURNING "+columns,
		p.ID, p.Name, p.Description, p.Price, p.StockQuantity, p.Category)
	created, err := scan(row)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return product.Product{}, fmt.Errorf("%w: %s", product.ErrAlreadyExists, p.ID)
	}
	return created, err
}

// Get retrieves a product by ID.
func (r *Repository) Get(ctx context.Context, id string) (product.Product, error) {
	return scan(r.db.QueryRowContext(ctx, "SELECT "+columns+" FROM products WHERE id=$1", id))
}

// Find fetches the products matching f.
func (r *Repository) Find(ctx context.Context, f product.Filter) ([]product.Product, error) {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category=$%d", len(args)))
	}
	if f.MaxStock != nil {
		args = append(args, *f.MaxStock)
		where = append(where, fmt.Sprintf("stock_quantity<$%d", len(args)))
	}
	q := "SELECT " + columns + " FROM products"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := r.db.QueryContext(ctx, q+" ORDER BY name", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var products []product.Product
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// Update writes p if the stored version still equals p.Version.
func (r *Repository) Update(ctx context.Context, p product.Product) (product.Product, error) {
	return r.update(ctx, r.db, p)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repository) update(ctx context.Context, db querier, p product.Product) (product.Product, error) {
	row := db.QueryRowContext(ctx,
		`UPDATE products SET name=$2, description=$3, price=$4, stock_quantity=$5, category=$6,
		 version=version+1, updated_at=now() WHERE id=$1 AND version=$7 RETURNING `+columns,
		p.ID, p.Name, p.Description, p.Price, p.StockQuantity, p.Category, p.Version)
	updated, err := scan(row)
	if !errors.Is(err, product.ErrNotFound) {
		return updated, err
	}
	// No row matched: either the product is gone or its version moved on.
	var exists bool
	if err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM products WHERE id=$1)", p.ID).Scan(&exists); err != nil {
		return product.Product{}, err
	}
	if exists {
		return product.Product{}, product.ErrVersionConflict
	}
	return product.Product{}, product.ErrNotFound
}

// ForUpdate runs fn against the row locked with SELECT ... FOR UPDATE and
// commits its result in the same transaction.
func (r *Repository) ForUpdate(ctx context.Context, id string, fn func(product.Product) (product.Product, error)) (product.Product, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return product.Product{}, err
	}
	defer tx.Rollback()

	cur, err := scan(tx.QueryRowContext(ctx, "SELECT "+columns+" FROM products WHERE id=$1 FOR UPDATE", id))
	if err != nil {
		return product.Product{}, err
	}
	next, err := fn(cur)
	if err != nil {
		return product.Product{}, err
	}
	next.ID, next.Version = cur.ID, cur.Version
	updated, err := r.update(ctx, tx, next)
	if err != nil {
		return product.Product{}, err
	}
	if err := tx.Commit(); err != nil {
		return product.Product{}, err
	}
	return updated, nil
}

// Delete removes a product by ID.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM products WHERE id=$1", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return product.ErrNotFound
	}
	return nil
}

// Exists reports whether a product with id is stored.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM products WHERE id=$1)", id).Scan(&ok)
	return ok, err
}
