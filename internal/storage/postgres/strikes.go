package postgres

import (
	"context"
	"fmt"
	"log"

	"github.com/lib/pq"

	"github.com/chatmarket/chatmarket/internal/domain"
)

func (r *Repository) StrikeExists(ctx context.Context, orderID string, strikeType domain.StrikeType) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM strikes WHERE order_id = $1 AND strike_type = $2)
	`, orderID, strikeType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check strike existence: %w", err)
	}
	return exists, nil
}

func (r *Repository) CreateStrike(ctx context.Context, strike *domain.Strike) error {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO strikes (user_id, order_id, strike_type, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, strike.UserID, strike.OrderID, strike.Type, strike.Reason, strike.CreatedAt).Scan(&strike.ID)
	if err != nil {
		return fmt.Errorf("failed to insert strike: %w", err)
	}
	log.Printf("[DB] Recorded %s strike for user %d (order %s)", strike.Type, strike.UserID, strike.OrderID)
	return nil
}

// CountStrikes counts the ledger rows, the authoritative strike count.
func (r *Repository) CountStrikes(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM strikes WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count strikes: %w", err)
	}
	return count, nil
}

func (r *Repository) StrikesByUser(ctx context.Context, userID int64) ([]domain.Strike, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, user_id, order_id, strike_type, reason, created_at
		FROM strikes WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query strikes for user %d: %w", userID, err)
	}
	defer rows.Close()

	var strikes []domain.Strike
	for rows.Next() {
		var s domain.Strike
		if err := rows.Scan(&s.ID, &s.UserID, &s.OrderID, &s.Type, &s.Reason, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan strike row: %w", err)
		}
		strikes = append(strikes, s)
	}
	return strikes, rows.Err()
}

func (r *Repository) HasBuyForItems(ctx context.Context, itemIDs []int64) (bool, error) {
	if len(itemIDs) == 0 {
		return false, nil
	}
	var exists bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM buy_items WHERE item_id = ANY($1))
	`, pq.Array(itemIDs)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check buy records: %w", err)
	}
	return exists, nil
}

func (r *Repository) CreateBuy(ctx context.Context, buy *domain.Buy, itemIDs []int64) (int64, error) {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO buys (buyer_id, quantity, total_price, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, buy.BuyerID, buy.Quantity, buy.TotalPrice, buy.CreatedAt).Scan(&buy.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert buy record: %w", err)
	}
	for _, itemID := range itemIDs {
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO buy_items (buy_id, item_id) VALUES ($1, $2)
		`, buy.ID, itemID); err != nil {
			return 0, fmt.Errorf("failed to link item %d to buy %d: %w", itemID, buy.ID, err)
		}
	}
	log.Printf("[DB] Created buy record %d for buyer %d (%d items)", buy.ID, buy.BuyerID, len(itemIDs))
	return buy.ID, nil
}
