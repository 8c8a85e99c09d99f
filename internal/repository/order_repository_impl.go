package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/ecommerce-outbox/internal/db"
	"github.com/jnst/ecommerce-outbox/internal/model"
)

// OrderRepositoryImpl implements OrderRepository using PostgreSQL.
type OrderRepositoryImpl struct {
	db *db.Queries
}

// NewOrderRepositoryImpl creates a new OrderRepository implementation.
func NewOrderRepositoryImpl(pool *pgxpool.Pool) OrderRepository {
	return &OrderRepositoryImpl{db: db.New(pool)}
}

// Create inserts a new order.
func (r *OrderRepositoryImpl) Create(ctx context.Context, order *model.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("encode order items: %w", err)
	}

	return queries(ctx, r.db).CreateOrder(ctx, &db.CreateOrderParams{
		ID:         order.ID,
		CustomerID: order.CustomerID,
		Items:      items,
		TotalCents: order.TotalCents,
		Status:     string(order.Status),
		CreatedAt:  pgtype.Timestamptz{Time: order.CreatedAt, Valid: true},
		UpdatedAt:  pgtype.Timestamptz{Time: order.UpdatedAt, Valid: true},
	})
}

// GetByID retrieves an order by ID.
func (r *OrderRepositoryImpl) GetByID(ctx context.Context, id string) (*model.Order, error) {
	row, err := queries(ctx, r.db).GetOrder(ctx, id)

	return toOrder(row, err)
}

// GetForUpdate retrieves and locks an order by ID.
func (r *OrderRepositoryImpl) GetForUpdate(ctx context.Context, id string) (*model.Order, error) {
	row, err := queries(ctx, r.db).GetOrderForUpdate(ctx, id)

	return toOrder(row, err)
}

// UpdateStatus sets the status of an order.
func (r *OrderRepositoryImpl) UpdateStatus(ctx context.Context, id string, status model.OrderStatus, updatedAt time.Time) error {
	n, err := queries(ctx, r.db).UpdateOrderStatus(ctx, &db.UpdateOrderStatusParams{
		ID:        id,
		Status:    string(status),
		UpdatedAt: pgtype.Timestamptz{Time: updatedAt, Valid: true},
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrOrderNotFound
	}

	return nil
}

func toOrder(row db.Order, err error) (*model.Order, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	var items []model.LineItem
	if err := json.Unmarshal(row.Items, &items); err != nil {
		return nil, fmt.Errorf("decode order items: %w", err)
	}

	return &model.Order{
		ID:         row.ID,
		CustomerID: row.CustomerID,
		Items:      items,
		TotalCents: row.TotalCents,
		Status:     model.OrderStatus(row.Status),
		CreatedAt:  row.CreatedAt.Time,
		UpdatedAt:  row.UpdatedAt.Time,
	}, nil
}
