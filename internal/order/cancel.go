package order

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/errs"
	"github.com/chatmarket/chatmarket/internal/events"
	"github.com/chatmarket/chatmarket/internal/inventory"
	"github.com/chatmarket/chatmarket/internal/storage"
)

// restockKey groups sold items for refund restoration.
type restockKey struct {
	SubcategoryID int64
	CategoryID    int64
	Price         string
}

// Cancel terminates an order for the given reason, computing refunds (partial
// for mixed orders), charging penalties, recording strikes, and releasing or
// restocking the order's items. refundWallet is false when a payment handler
// already credited the wallet itself.
//
// Returns whether the cancellation fell inside the free-cancel grace period.
func (s *Service) Cancel(ctx context.Context, orderID string, reason domain.CancelReason, refundWallet bool, customReason string) (bool, error) {
	now := s.clock.Now().UTC()
	var (
		withinGrace  bool
		notification string
		targetExtID  int64
	)

	err := s.store.Transact(ctx, func(tx storage.Store) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		log.Printf("[Order %s] Cancel start: status=%s, reason=%s, refund_wallet=%t",
			orderID, order.Status, reason, refundWallet)

		if !reason.CancellableFrom(order.Status) {
			return &errs.InvalidOrderStateError{
				OrderID:       orderID,
				CurrentState:  order.Status.String(),
				RequiredState: "PENDING_PAYMENT or PAID",
			}
		}

		// Grace period only matters for user cancellations; timeouts never
		// qualify and admin cancellations are always penalty-free.
		elapsed := now.Sub(order.CreatedAt)
		withinGrace = elapsed <= time.Duration(s.cfg.GracePeriodMinutes)*time.Minute

		applyPenalty := false
		switch reason {
		case domain.CancelByAdmin:
			withinGrace = true
		case domain.CancelByUser:
			applyPenalty = !withinGrace
		case domain.CancelByTimeout:
			withinGrace = false
			applyPenalty = true
		}

		user, err := tx.GetUserByID(ctx, order.UserID)
		if err != nil {
			return err
		}
		targetExtID = user.ExternalID

		items, err := tx.ItemsByOrder(ctx, orderID)
		if err != nil {
			return err
		}

		invoices, err := tx.InvoicesByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		invoiceNumber := "N/A"
		if len(invoices) > 0 {
			invoiceNumber = invoices[0].InvoiceNumber
		}

		// Total paid = wallet portion + every confirmed crypto payment across
		// all of the order's invoices (handles underpayment retries).
		totalPaid := order.WalletUsed
		for _, inv := range invoices {
			txs, err := tx.TransactionsByInvoice(ctx, inv.ID)
			if err != nil {
				return err
			}
			for _, pt := range txs {
				totalPaid = totalPaid.Add(pt.FiatAmount)
			}
		}
		totalPaid = domain.RoundFiat(totalPaid)

		breakdown := CalculatePartialRefund(items, order.ShippingCost, s.cfg.LatePenaltyPercent, applyPenalty)

		var refundAmount, penaltyAmount, baseAmount decimal.Decimal
		switch {
		case breakdown.IsMixed:
			// Digital portion is delivered and non-refundable.
			refundAmount = breakdown.FinalRefund
			penaltyAmount = breakdown.PenaltyAmount
			baseAmount = breakdown.RefundableBase
		case applyPenalty:
			penaltyAmount, refundAmount = CalculatePenalty(totalPaid, s.cfg.LatePenaltyPercent)
			baseAmount = totalPaid
		default:
			refundAmount = totalPaid
			baseAmount = totalPaid
		}

		switch {
		case refundWallet && totalPaid.GreaterThan(decimal.Zero) && refundAmount.GreaterThan(decimal.Zero):
			// Payment was made: credit the refund to the wallet.
			user.WalletBalance = domain.RoundFiat(user.WalletBalance.Add(refundAmount))
			if err := tx.UpdateUser(ctx, user); err != nil {
				return err
			}
			log.Printf("[Order %s] Refunded %s to user %d wallet (%s cancellation, penalty %s, base %s)",
				orderID, refundAmount.StringFixed(2), user.ID, reason,
				penaltyAmount.StringFixed(2), baseAmount.StringFixed(2))
			notification = fmt.Sprintf("Order %s cancelled (%s). Refunded %s %s to your wallet.",
				invoiceNumber, reason, refundAmount.StringFixed(2), order.Currency)
			if penaltyAmount.GreaterThan(decimal.Zero) {
				notification += fmt.Sprintf(" A %s%% penalty (%s %s) was applied.",
					s.cfg.LatePenaltyPercent.String(), penaltyAmount.StringFixed(2), order.Currency)
			}

		case applyPenalty && totalPaid.IsZero() && user.WalletBalance.GreaterThan(decimal.Zero):
			// No payment made but the user blocked stock: charge a
			// reservation fee capped at the wallet balance.
			feeBase := decimal.Min(order.TotalPrice, user.WalletBalance)
			fee, _ := CalculatePenalty(feeBase, s.cfg.LatePenaltyPercent)
			user.WalletBalance = domain.RoundFiat(user.WalletBalance.Sub(fee))
			if err := tx.UpdateUser(ctx, user); err != nil {
				return err
			}
			log.Printf("[Order %s] Charged %s reservation fee from user %d wallet (%s cancellation)",
				orderID, fee.StringFixed(2), user.ID, reason)
			notification = fmt.Sprintf("Order %s cancelled (%s). A reservation fee of %s %s was charged.",
				invoiceNumber, reason, fee.StringFixed(2), order.Currency)

		default:
			switch reason {
			case domain.CancelByAdmin:
				notification = fmt.Sprintf("Order %s was cancelled by an administrator.", invoiceNumber)
				if customReason != "" {
					notification += " Reason: " + customReason
				}
			default:
				notification = fmt.Sprintf("Order %s was cancelled (%s).", invoiceNumber, reason)
			}
		}

		if applyPenalty {
			strikeType := domain.StrikeLateCancel
			if reason == domain.CancelByTimeout {
				strikeType = domain.StrikeTimeout
			}
			if err := s.enforcer.AddStrikeAndCheckBan(ctx, tx, user.ID, orderID, strikeType, now); err != nil {
				return err
			}
		}

		// Freeze the item set and refund breakdown, then write the terminal
		// status before any item release so the snapshot matches what the
		// buyer sees.
		order.Status = reason.TerminalStatus()
		order.CancelledAt = &now
		order.CancellationReason = customReason
		if order.CancellationReason == "" {
			order.CancellationReason = reason.String()
		}
		order.ItemsSnapshot = marshalSnapshot(items)
		if b, err := json.Marshal(breakdown); err == nil {
			order.RefundBreakdown = b
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}

		// Restore consumed stock for refunded sold items, grouped by catalog
		// key, then drop the order reference on every row.
		inv := inventory.NewManager(tx)
		sold := map[restockKey]int{}
		for _, it := range items {
			if it.IsSold && (it.IsPhysical || !breakdown.IsMixed) {
				key := restockKey{it.SubcategoryID, it.CategoryID, it.Price.String()}
				sold[key]++
			}
		}
		for key, qty := range sold {
			price, _ := decimal.NewFromString(key.Price)
			if err := inv.RestockForRefund(ctx, key.SubcategoryID, key.CategoryID, price, qty); err != nil {
				return err
			}
		}
		if err := tx.ClearOrderReference(ctx, orderID); err != nil {
			return err
		}

		log.Printf("[Order %s] Cancelled -> %s (within_grace=%t)", orderID, order.Status, withinGrace)
		return nil
	})
	if err != nil {
		return false, err
	}

	if notification != "" {
		if err := s.notifier.NotifyUser(ctx, targetExtID, notification); err != nil {
			log.Printf("[Order %s] Failed to send cancellation notification: %v", orderID, err)
		}
	}
	s.publish(ctx, events.TypeOrderCancelled, orderID, map[string]any{
		"orderId": orderID,
		"reason":  reason,
	})
	return withinGrace, nil
}

// CancelByUser cancels on behalf of the order's owner, enforcing ownership.
func (s *Service) CancelByUser(ctx context.Context, orderID string, userID int64) (bool, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.UserID != userID {
		return false, &errs.OrderOwnershipError{OrderID: orderID, UserID: userID}
	}
	return s.Cancel(ctx, orderID, domain.CancelByUser, true, "")
}
