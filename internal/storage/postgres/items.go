package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
)

const itemColumns = `id, category_id, subcategory_id, description, price, is_physical,
	shipping_cost, is_sold, is_new, COALESCE(private_data, ''), order_id, reserved_at`

func scanItems(rows *sql.Rows) ([]domain.Item, error) {
	var items []domain.Item
	for rows.Next() {
		var it domain.Item
		var orderID sql.NullString
		var reservedAt sql.NullTime
		if err := rows.Scan(&it.ID, &it.CategoryID, &it.SubcategoryID, &it.Description, &it.Price,
			&it.IsPhysical, &it.ShippingCost, &it.IsSold, &it.IsNew, &it.PrivateData,
			&orderID, &reservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		if orderID.Valid {
			it.OrderID = &orderID.String
		}
		if reservedAt.Valid {
			it.ReservedAt = &reservedAt.Time
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *Repository) AvailableQuantity(ctx context.Context, subcategoryID int64) (int, error) {
	var count int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM items
		WHERE subcategory_id = $1 AND is_sold = FALSE AND order_id IS NULL
	`, subcategoryID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count available items: %w", err)
	}
	return count, nil
}

// ItemTemplate returns one representative row for price, shipping and
// physical-flag lookups against a catalog position.
func (r *Repository) ItemTemplate(ctx context.Context, categoryID, subcategoryID int64) (*domain.Item, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE category_id = $1 AND subcategory_id = $2
		ORDER BY id LIMIT 1
	`, categoryID, subcategoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query item template: %w", err)
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// PriceTiers returns the subcategory's quantity-based price tiers, lowest
// threshold first. An empty result means flat pricing applies.
func (r *Repository) PriceTiers(ctx context.Context, subcategoryID int64) ([]domain.PriceTier, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, subcategory_id, min_quantity, unit_price
		FROM price_tiers WHERE subcategory_id = $1
		ORDER BY min_quantity
	`, subcategoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query price tiers: %w", err)
	}
	defer rows.Close()

	var tiers []domain.PriceTier
	for rows.Next() {
		var t domain.PriceTier
		if err := rows.Scan(&t.ID, &t.SubcategoryID, &t.MinQuantity, &t.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan price tier row: %w", err)
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// ReserveItems locks up to quantity available rows with SELECT ... FOR UPDATE
// and assigns them to the order in the same statement. Partial fill is legal;
// the caller compares len(result) against quantity.
func (r *Repository) ReserveItems(ctx context.Context, subcategoryID int64, quantity int, orderID string, now time.Time) ([]domain.Item, error) {
	rows, err := r.q.QueryContext(ctx, `
		UPDATE items SET order_id = $1, reserved_at = $2
		WHERE id IN (
			SELECT id FROM items
			WHERE subcategory_id = $3 AND is_sold = FALSE AND order_id IS NULL
			ORDER BY id
			LIMIT $4
			FOR UPDATE
		)
		RETURNING `+itemColumns,
		orderID, now, subcategoryID, quantity)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve items: %w", err)
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	log.Printf("[DB] Reserved %d/%d items of subcategory %d for order %s",
		len(items), quantity, subcategoryID, orderID)
	return items, nil
}

// ReleaseItems clears the reservation on every unsold row held by the order.
func (r *Repository) ReleaseItems(ctx context.Context, orderID string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE items SET order_id = NULL, reserved_at = NULL
		WHERE order_id = $1 AND is_sold = FALSE
	`, orderID)
	if err != nil {
		return fmt.Errorf("failed to release items for order %s: %w", orderID, err)
	}
	released, _ := res.RowsAffected()
	log.Printf("[DB] Released %d reserved items for order %s", released, orderID)
	return nil
}

func (r *Repository) ItemsByOrder(ctx context.Context, orderID string) ([]domain.Item, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM items WHERE order_id = $1 ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query items for order %s: %w", orderID, err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *Repository) MarkItemsSold(ctx context.Context, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := r.q.ExecContext(ctx, `
		UPDATE items SET is_sold = TRUE WHERE id = ANY($1)
	`, pq.Array(itemIDs))
	if err != nil {
		return fmt.Errorf("failed to mark items sold: %w", err)
	}
	log.Printf("[DB] Marked %d items sold", len(itemIDs))
	return nil
}

// RestockSoldItems flips up to quantity consumed rows back to available.
// Returns how many were actually restored; the caller logs any shortage.
func (r *Repository) RestockSoldItems(ctx context.Context, subcategoryID, categoryID int64, price decimal.Decimal, quantity int) (int, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE items SET is_sold = FALSE
		WHERE id IN (
			SELECT id FROM items
			WHERE subcategory_id = $1 AND category_id = $2 AND price = $3
				AND is_sold = TRUE AND order_id IS NULL
			ORDER BY id
			LIMIT $4
		)
	`, subcategoryID, categoryID, price, quantity)
	if err != nil {
		return 0, fmt.Errorf("failed to restock items: %w", err)
	}
	restored, _ := res.RowsAffected()
	return int(restored), nil
}

// ClearOrderReference detaches all items from the order once the history
// record has been built.
func (r *Repository) ClearOrderReference(ctx context.Context, orderID string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE items SET order_id = NULL, reserved_at = NULL WHERE order_id = $1
	`, orderID)
	if err != nil {
		return fmt.Errorf("failed to clear order reference for %s: %w", orderID, err)
	}
	return nil
}
