package postgres

import (
	"context"
	"fmt"

	"github.com/chatmarket/chatmarket/internal/domain"
)

// GetOrCreateCart lazily creates the user's cart on first interaction and
// loads its lines.
func (r *Repository) GetOrCreateCart(ctx context.Context, userID int64) (*domain.Cart, error) {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO carts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure cart for user %d: %w", userID, err)
	}

	var cart domain.Cart
	err = r.q.QueryRowContext(ctx, `SELECT id, user_id FROM carts WHERE user_id = $1`, userID).
		Scan(&cart.ID, &cart.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart for user %d: %w", userID, err)
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, cart_id, category_id, subcategory_id, quantity
		FROM cart_items WHERE cart_id = $1 ORDER BY id
	`, cart.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.CartLine
		if err := rows.Scan(&line.ID, &line.CartID, &line.CategoryID, &line.SubcategoryID, &line.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan cart line: %w", err)
		}
		cart.Lines = append(cart.Lines, line)
	}
	return &cart, rows.Err()
}

// UpsertCartLine adds a position or bumps its quantity.
func (r *Repository) UpsertCartLine(ctx context.Context, line *domain.CartLine) error {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO cart_items (cart_id, category_id, subcategory_id, quantity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cart_id, subcategory_id) DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
		RETURNING id
	`, line.CartID, line.CategoryID, line.SubcategoryID, line.Quantity).Scan(&line.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert cart line: %w", err)
	}
	return nil
}

func (r *Repository) DeleteCartLine(ctx context.Context, lineID int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM cart_items WHERE id = $1`, lineID)
	if err != nil {
		return fmt.Errorf("failed to delete cart line %d: %w", lineID, err)
	}
	return nil
}

// DeleteCart removes the cart's lines; the cart row itself stays for reuse.
func (r *Repository) DeleteCart(ctx context.Context, cartID int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID)
	if err != nil {
		return fmt.Errorf("failed to clear cart %d: %w", cartID, err)
	}
	return nil
}
