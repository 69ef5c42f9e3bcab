package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/errs"
)

const userColumns = `id, external_id, COALESCE(display_handle, ''), wallet_balance, strike_count,
	is_blocked, blocked_at, COALESCE(blocked_reason, ''), approval_status, referrer_id, created_at`

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var blockedAt sql.NullTime
	var referrerID sql.NullInt64
	err := row.Scan(&u.ID, &u.ExternalID, &u.DisplayHandle, &u.WalletBalance, &u.StrikeCount,
		&u.IsBlocked, &blockedAt, &u.BlockedReason, &u.ApprovalStatus, &referrerID, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	if blockedAt.Valid {
		u.BlockedAt = &blockedAt.Time
	}
	if referrerID.Valid {
		u.ReferrerID = &referrerID.Int64
	}
	return &u, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id int64) (*domain.User, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.UserNotFoundError{UserID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user %d: %w", id, err)
	}
	return user, nil
}

func (r *Repository) GetUserByExternalID(ctx context.Context, externalID int64) (*domain.User, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.UserNotFoundError{ExternalID: externalID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user by external id %d: %w", externalID, err)
	}
	return user, nil
}

// CreateUserIfAbsent inserts a user row on first contact and returns the
// stored row either way.
func (r *Repository) CreateUserIfAbsent(ctx context.Context, externalID int64, handle string) (*domain.User, error) {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO users (external_id, display_handle)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (external_id) DO UPDATE SET display_handle = COALESCE(NULLIF(EXCLUDED.display_handle, ''), users.display_handle)
	`, externalID, handle)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user %d: %w", externalID, err)
	}
	return r.GetUserByExternalID(ctx, externalID)
}

func (r *Repository) UpdateUser(ctx context.Context, user *domain.User) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE users
		SET wallet_balance = $1, strike_count = $2, is_blocked = $3, blocked_at = $4,
			blocked_reason = NULLIF($5, ''), approval_status = $6, display_handle = NULLIF($7, '')
		WHERE id = $8
	`, user.WalletBalance, user.StrikeCount, user.IsBlocked, user.BlockedAt,
		user.BlockedReason, user.ApprovalStatus, user.DisplayHandle, user.ID)
	if err != nil {
		return fmt.Errorf("failed to update user %d: %w", user.ID, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return &errs.UserNotFoundError{UserID: user.ID}
	}
	log.Printf("[DB] Updated user %d (wallet=%s, strikes=%d, blocked=%t)",
		user.ID, user.WalletBalance.StringFixed(2), user.StrikeCount, user.IsBlocked)
	return nil
}
