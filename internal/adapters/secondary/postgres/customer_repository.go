package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
	apperrors "github.com/lorrc/invoice-tracker/internal/core/errors"
	"github.com/lorrc/invoice-tracker/internal/core/ports"
)

const customerColumns = `id, user_id, display_name, email, created_at`

// CustomerRepository is the secondary adapter for customer persistence.
type CustomerRepository struct {
	pool *pgxpool.Pool
}

var _ ports.CustomerRepository = (*CustomerRepository)(nil)

// NewCustomerRepository creates a new customer repository.
func NewCustomerRepository(pool *pgxpool.Pool) ports.CustomerRepository {
	return &CustomerRepository{pool: pool}
}

func scanCustomer(row pgx.Row) (*domain.Customer, error) {
	var c domain.Customer
	if err := row.Scan(&c.ID, &c.UserID, &c.DisplayName, &c.Email, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// Create persists a new customer.
func (r *CustomerRepository) Create(ctx context.Context, customer *domain.Customer) (*domain.Customer, error) {
	const query = `
INSERT INTO customers (id, user_id, display_name, email, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + customerColumns

	created, err := scanCustomer(GetDBTX(ctx, r.pool).QueryRow(ctx, query,
		customer.ID, customer.UserID, customer.DisplayName, customer.Email, customer.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	return created, nil
}

// GetByID retrieves a single customer.
func (r *CustomerRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`
	customer, err := scanCustomer(GetDBTX(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrCustomerNotFound
		}
		return nil, err
	}
	return customer, nil
}

// ListByUser returns a user's customers ordered by name.
func (r *CustomerRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE user_id = $1 ORDER BY display_name, id`

	rows, err := GetDBTX(ctx, r.pool).Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]*domain.Customer, 0)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}
