package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/errs"
)

const orderColumns = `id, user_id, status, total_price, shipping_cost, currency, created_at,
	expires_at, paid_at, shipped_at, cancelled_at, wallet_used, retry_count,
	COALESCE(cancellation_reason, ''), items_snapshot, refund_breakdown`

func scanOrder(scan func(dest ...any) error) (*domain.Order, error) {
	var o domain.Order
	var paidAt, shippedAt, cancelledAt sql.NullTime
	err := scan(&o.ID, &o.UserID, &o.Status, &o.TotalPrice, &o.ShippingCost, &o.Currency,
		&o.CreatedAt, &o.ExpiresAt, &paidAt, &shippedAt, &cancelledAt, &o.WalletUsed,
		&o.RetryCount, &o.CancellationReason, &o.ItemsSnapshot, &o.RefundBreakdown)
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	if shippedAt.Valid {
		o.ShippedAt = &shippedAt.Time
	}
	if cancelledAt.Valid {
		o.CancelledAt = &cancelledAt.Time
	}
	return &o, nil
}

func (r *Repository) CreateOrder(ctx context.Context, order *domain.Order) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, status, total_price, shipping_cost, currency,
			created_at, expires_at, wallet_used, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, order.ID, order.UserID, order.Status, order.TotalPrice, order.ShippingCost,
		order.Currency, order.CreatedAt, order.ExpiresAt, order.WalletUsed, order.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	log.Printf("[DB] Inserted order %s for user %d (total=%s)", order.ID, order.UserID, order.TotalPrice.StringFixed(2))
	return nil
}

func (r *Repository) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.OrderNotFoundError{OrderID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query order %s: %w", id, err)
	}
	return order, nil
}

// UpdateOrder persists every mutable order field.
func (r *Repository) UpdateOrder(ctx context.Context, order *domain.Order) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, total_price = $2, shipping_cost = $3, expires_at = $4,
			paid_at = $5, shipped_at = $6, cancelled_at = $7, wallet_used = $8,
			retry_count = $9, cancellation_reason = NULLIF($10, ''),
			items_snapshot = $11, refund_breakdown = $12
		WHERE id = $13
	`, order.Status, order.TotalPrice, order.ShippingCost, order.ExpiresAt,
		order.PaidAt, order.ShippedAt, order.CancelledAt, order.WalletUsed,
		order.RetryCount, order.CancellationReason, order.ItemsSnapshot,
		order.RefundBreakdown, order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", order.ID, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return &errs.OrderNotFoundError{OrderID: order.ID}
	}
	return nil
}

func (r *Repository) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE orders SET status = $1 WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return &errs.OrderNotFoundError{OrderID: id}
	}
	log.Printf("[DB] Updated order status: %s -> %s", id, status)
	return nil
}

// ExpiredOrders returns every order still awaiting payment whose deadline has
// passed. The expires_at <= now predicate naturally deduplicates sweeps
// across replicas.
func (r *Repository) ExpiredOrders(ctx context.Context, now time.Time) ([]domain.Order, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ($1, $2, $3) AND expires_at <= $4
		ORDER BY expires_at
	`, domain.OrderPendingPayment, domain.OrderPendingPaymentAndAddress,
		domain.OrderPendingPaymentPartial, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func (r *Repository) OrdersByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders for user %d: %w", userID, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}
