package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/errs"
)

// SaveShippingAddress stores the ciphertext for an order. Plaintext never
// reaches this layer.
func (r *Repository) SaveShippingAddress(ctx context.Context, addr *domain.ShippingAddress) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO shipping_addresses (order_id, ciphertext, encryption_mode, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			encryption_mode = EXCLUDED.encryption_mode,
			created_at = EXCLUDED.created_at
	`, addr.OrderID, addr.Ciphertext, addr.Mode, addr.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save shipping address for order %s: %w", addr.OrderID, err)
	}
	return nil
}

func (r *Repository) GetShippingAddress(ctx context.Context, orderID string) (*domain.ShippingAddress, error) {
	var addr domain.ShippingAddress
	err := r.q.QueryRowContext(ctx, `
		SELECT order_id, ciphertext, encryption_mode, created_at
		FROM shipping_addresses WHERE order_id = $1
	`, orderID).Scan(&addr.OrderID, &addr.Ciphertext, &addr.Mode, &addr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.MissingShippingAddressError{OrderID: orderID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query shipping address for order %s: %w", orderID, err)
	}
	return &addr, nil
}

// DeleteShippingAddress implements the data-retention policy tied to the
// referring order.
func (r *Repository) DeleteShippingAddress(ctx context.Context, orderID string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM shipping_addresses WHERE order_id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("failed to delete shipping address for order %s: %w", orderID, err)
	}
	return nil
}
