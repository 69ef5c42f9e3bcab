// Package strikes implements the strike-and-ban enforcement loop: deterministic
// penalty accrual, auto-ban at the threshold, and unban on wallet top-up.
package strikes

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/notify"
	"github.com/chatmarket/chatmarket/internal/storage"
)

// Config is the subset of runtime configuration the enforcer consumes.
type Config struct {
	MaxStrikesBeforeBan int
	ExemptAdminsFromBan bool
	UnbanTopUpAmount    decimal.Decimal
}

type Enforcer struct {
	cfg      Config
	notifier notify.Port
	isAdmin  func(externalID int64) bool
}

func NewEnforcer(cfg Config, notifier notify.Port, isAdmin func(int64) bool) *Enforcer {
	return &Enforcer{cfg: cfg, notifier: notifier, isAdmin: isAdmin}
}

// AddStrikeAndCheckBan appends a strike and bans the user when the threshold
// is reached. Idempotent per (order, strike type): a duplicate is a no-op.
// Must run on the same transactional store as the linked status transition.
func (e *Enforcer) AddStrikeAndCheckBan(ctx context.Context, store storage.Store, userID int64, orderID string, strikeType domain.StrikeType, now time.Time) error {
	exists, err := store.StrikeExists(ctx, orderID, strikeType)
	if err != nil {
		return err
	}
	if exists {
		log.Printf("[Strikes] %s strike for order %s already exists - skipping duplicate", strikeType, orderID)
		return nil
	}

	strike := &domain.Strike{
		UserID:    userID,
		OrderID:   orderID,
		Type:      strikeType,
		Reason:    fmt.Sprintf("%s for order %s", strikeType, orderID),
		CreatedAt: now,
	}
	if err := store.CreateStrike(ctx, strike); err != nil {
		return err
	}

	// Recount from the ledger, the single source of truth, and sync the cache.
	count, err := store.CountStrikes(ctx, userID)
	if err != nil {
		return err
	}
	user, err := store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	user.StrikeCount = count

	adminExempt := e.cfg.ExemptAdminsFromBan && e.isAdmin(user.ExternalID)
	log.Printf("[Strikes] Ban check for user %d: strikes=%d, threshold=%d, admin_exempt=%t, already_blocked=%t",
		userID, count, e.cfg.MaxStrikesBeforeBan, adminExempt, user.IsBlocked)

	banned := false
	if count >= e.cfg.MaxStrikesBeforeBan && !adminExempt && !user.IsBlocked {
		user.IsBlocked = true
		t := now
		user.BlockedAt = &t
		user.BlockedReason = fmt.Sprintf("Automatic ban: %d strikes (threshold: %d)", count, e.cfg.MaxStrikesBeforeBan)
		banned = true
		log.Printf("[Strikes] User %d BANNED: %d strikes reached", userID, count)
	}

	if err := store.UpdateUser(ctx, user); err != nil {
		return err
	}

	if banned {
		msg := fmt.Sprintf("You have been banned after %d strikes. Top up at least the unban amount to restore access.", count)
		if err := e.notifier.NotifyUser(ctx, user.ExternalID, msg); err != nil {
			log.Printf("[Strikes] failed to notify banned user %d: %v", userID, err)
		}
		adminMsg := fmt.Sprintf("User %d auto-banned (%d strikes)", user.ExternalID, count)
		if err := e.notifier.NotifyAdmins(ctx, adminMsg); err != nil {
			log.Printf("[Strikes] failed to notify admins about ban of user %d: %v", userID, err)
		}
	}
	return nil
}

// ProcessUnbanTopUp clears the block when a confirmed deposit reaches the
// unban threshold. Strike count is preserved. Returns whether an unban
// happened; the caller persists the user.
func (e *Enforcer) ProcessUnbanTopUp(ctx context.Context, user *domain.User, fiatAmount decimal.Decimal) bool {
	if !user.IsBlocked || fiatAmount.LessThan(e.cfg.UnbanTopUpAmount) {
		return false
	}
	user.IsBlocked = false
	user.BlockedAt = nil
	user.BlockedReason = fmt.Sprintf("Unbanned via top-up: %s", fiatAmount.StringFixed(2))
	log.Printf("[Strikes] User %d unbanned via top-up of %s (strikes remain: %d)",
		user.ID, fiatAmount.StringFixed(2), user.StrikeCount)
	return true
}
