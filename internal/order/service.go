// Package order implements the order lifecycle state machine: creation with
// stock reservation, address confirmation, completion, cancellation with
// refunds and strikes, and shipment.
package order

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/errs"
	"github.com/chatmarket/chatmarket/internal/events"
	"github.com/chatmarket/chatmarket/internal/inventory"
	"github.com/chatmarket/chatmarket/internal/notify"
	"github.com/chatmarket/chatmarket/internal/shipping"
	"github.com/chatmarket/chatmarket/internal/storage"
	"github.com/chatmarket/chatmarket/internal/strikes"
)

// Config is the subset of runtime configuration the order service consumes.
type Config struct {
	TimeoutMinutes     int
	GracePeriodMinutes int
	LatePenaltyPercent decimal.Decimal
	Currency           string
	OrdersTopic        string
}

type Service struct {
	store    storage.Store
	clock    clockwork.Clock
	cfg      Config
	enforcer *strikes.Enforcer
	notifier notify.Port
	cipher   *shipping.Cipher
	prod     *events.Producer // nil disables event publishing
}

func NewService(store storage.Store, clock clockwork.Clock, cfg Config, enforcer *strikes.Enforcer,
	notifier notify.Port, cipher *shipping.Cipher, prod *events.Producer) *Service {
	return &Service{
		store:    store,
		clock:    clock,
		cfg:      cfg,
		enforcer: enforcer,
		notifier: notifier,
		cipher:   cipher,
		prod:     prod,
	}
}

// itemSnapshot is the per-item record frozen into items_snapshot at terminal
// transitions.
type itemSnapshot struct {
	ID            int64           `json:"id"`
	SubcategoryID int64           `json:"subcategoryId"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	IsPhysical    bool            `json:"isPhysical"`
	ShippingCost  decimal.Decimal `json:"shippingCost"`
}

// OrchestrateCreation creates an order from cart lines, reserves stock with
// partial-fill semantics, and picks the initial pending status. Every line
// reserving zero rows cancels the order as CANCELLED_BY_SYSTEM.
func (s *Service) OrchestrateCreation(ctx context.Context, userID int64, lines []domain.CartLine) (*domain.Order, []domain.StockAdjustment, bool, error) {
	if len(lines) == 0 {
		return nil, nil, false, &errs.CartEmptyError{UserID: userID}
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, nil, false, err
	}
	if user.IsBlocked {
		return nil, nil, false, &errs.UserBannedError{UserID: userID, Reason: user.BlockedReason}
	}

	now := s.clock.Now().UTC()
	var (
		created     *domain.Order
		adjustments []domain.StockAdjustment
		hasPhysical bool
		exhausted   *errs.InsufficientStockError
	)

	err = s.store.Transact(ctx, func(tx storage.Store) error {
		// 1. Price the cart: item total plus the MAX shipping cost across
		// physical positions (not the sum).
		totalPrice := decimal.Zero
		maxShipping := decimal.Zero
		for _, line := range lines {
			tmpl, err := tx.ItemTemplate(ctx, line.CategoryID, line.SubcategoryID)
			if err != nil {
				return err
			}
			if tmpl == nil {
				return &errs.ItemNotFoundError{}
			}
			totalPrice = domain.RoundFiat(totalPrice.Add(tmpl.Price.Mul(decimal.NewFromInt(int64(line.Quantity)))))
			if tmpl.IsPhysical && tmpl.ShippingCost.GreaterThan(maxShipping) {
				maxShipping = tmpl.ShippingCost
			}
		}

		// 2. Write the order row with its payment window.
		order := &domain.Order{
			ID:           uuid.NewString(),
			UserID:       userID,
			Status:       domain.OrderPendingPayment,
			TotalPrice:   domain.RoundFiat(totalPrice.Add(maxShipping)),
			ShippingCost: maxShipping,
			Currency:     s.cfg.Currency,
			CreatedAt:    now,
			ExpiresAt:    now.Add(time.Duration(s.cfg.TimeoutMinutes) * time.Minute),
			WalletUsed:   decimal.Zero,
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		log.Printf("[Order %s] Created (status=%s, expires=%s)", order.ID, order.Status, order.ExpiresAt.Format(time.RFC3339))

		// 3. Reserve stock line by line, tracking adjustments.
		inv := inventory.NewManager(tx)
		var reserved []domain.Item
		for _, line := range lines {
			items, requested, err := inv.Reserve(ctx, line.SubcategoryID, line.Quantity, order.ID, now)
			if err != nil {
				return err
			}
			if len(items) < requested {
				adjustments = append(adjustments, domain.StockAdjustment{
					SubcategoryID: line.SubcategoryID,
					Requested:     requested,
					Reserved:      len(items),
				})
			}
			reserved = append(reserved, items...)
		}

		// 4. Nothing reserved at all: fail the order. The terminal status
		// must survive, so the transaction commits and the error is raised
		// afterwards.
		if len(reserved) == 0 {
			if err := tx.UpdateOrderStatus(ctx, order.ID, domain.OrderCancelledBySystem); err != nil {
				return err
			}
			exhausted = &errs.InsufficientStockError{SubcategoryID: lines[0].SubcategoryID, Requested: lines[0].Quantity}
			return nil
		}

		// 5. Partial fill: recompute totals from the rows actually reserved.
		if len(adjustments) > 0 {
			actualTotal := decimal.Zero
			actualShipping := decimal.Zero
			for _, it := range reserved {
				actualTotal = domain.RoundFiat(actualTotal.Add(it.Price))
				if it.IsPhysical && it.ShippingCost.GreaterThan(actualShipping) {
					actualShipping = it.ShippingCost
				}
			}
			order.TotalPrice = domain.RoundFiat(actualTotal.Add(actualShipping))
			order.ShippingCost = actualShipping
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return err
			}
			log.Printf("[Order %s] Adjusted totals after partial reservation: total=%s shipping=%s",
				order.ID, order.TotalPrice.StringFixed(2), order.ShippingCost.StringFixed(2))
		}

		// 6. Physical content defers payment until an address is confirmed.
		for _, it := range reserved {
			if it.IsPhysical {
				hasPhysical = true
				break
			}
		}
		if hasPhysical {
			order.Status = domain.OrderPendingPaymentAndAddress
			if err := tx.UpdateOrderStatus(ctx, order.ID, order.Status); err != nil {
				return err
			}
			log.Printf("[Order %s] Contains physical items -> %s", order.ID, order.Status)
		}

		created = order
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	if exhausted != nil {
		return nil, nil, false, exhausted
	}

	s.publish(ctx, events.TypeOrderCreated, created.ID, map[string]any{
		"orderId":     created.ID,
		"userId":      created.UserID,
		"totalPrice":  created.TotalPrice,
		"hasPhysical": hasPhysical,
	})
	return created, adjustments, hasPhysical, nil
}

// ConfirmShippingAddress stores the address ciphertext and moves the order to
// PENDING_PAYMENT.
func (s *Service) ConfirmShippingAddress(ctx context.Context, orderID string, ciphertext []byte, mode domain.EncryptionMode) error {
	return s.store.Transact(ctx, func(tx storage.Store) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderPendingPaymentAndAddress {
			return &errs.InvalidOrderStateError{
				OrderID:       orderID,
				CurrentState:  order.Status.String(),
				RequiredState: domain.OrderPendingPaymentAndAddress.String(),
			}
		}
		if err := s.cipher.ValidateCiphertext(orderID, ciphertext, mode); err != nil {
			return err
		}
		addr := &domain.ShippingAddress{
			OrderID:    orderID,
			Ciphertext: ciphertext,
			Mode:       mode,
			CreatedAt:  s.clock.Now().UTC(),
		}
		if err := tx.SaveShippingAddress(ctx, addr); err != nil {
			return err
		}
		log.Printf("[Order %s] Shipping address confirmed (%s)", orderID, mode)
		return tx.UpdateOrderStatus(ctx, orderID, domain.OrderPendingPayment)
	})
}

// Complete finalizes a fully paid order. Status is written first so recovery
// jobs can detect and finish partial finalizations; then items are marked
// sold, the buy-history record is created (idempotently), and digital
// payloads are delivered through the notification port.
func (s *Service) Complete(ctx context.Context, orderID string) error {
	now := s.clock.Now().UTC()
	var (
		buyer       *domain.User
		deliverable []domain.Item
		hasPhysical bool
		invoiceNum  string
	)

	err := s.store.Transact(ctx, func(tx storage.Store) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		items, err := tx.ItemsByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			log.Printf("[Order %s] No items attached - cannot complete payment", orderID)
			return nil
		}

		for _, it := range items {
			if it.IsPhysical {
				hasPhysical = true
			}
		}

		// 1. Status first: payment received is the source of truth.
		order.Status = domain.OrderPaid
		if hasPhysical {
			order.Status = domain.OrderPaidAwaitingShipment
		}
		order.PaidAt = &now
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		log.Printf("[Order %s] Status set to %s", orderID, order.Status)

		// 2. Mark items sold; the order back-reference stays for history views.
		inv := inventory.NewManager(tx)
		if err := inv.MarkSold(ctx, items); err != nil {
			return err
		}

		// 3. Buy record, guarded against double delivery of the same item set.
		ids := make([]int64, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		exists, err := tx.HasBuyForItems(ctx, ids)
		if err != nil {
			return err
		}
		if !exists {
			buy := &domain.Buy{
				BuyerID:    order.UserID,
				Quantity:   len(items),
				TotalPrice: order.TotalPrice,
				CreatedAt:  now,
			}
			if _, err := tx.CreateBuy(ctx, buy, ids); err != nil {
				return err
			}
		} else {
			log.Printf("[Order %s] Buy record already exists - skipping duplicate creation", orderID)
		}

		buyer, err = tx.GetUserByID(ctx, order.UserID)
		if err != nil {
			return err
		}
		deliverable = items
		if active, err := tx.ActiveInvoiceByOrder(ctx, orderID); err == nil && active != nil {
			invoiceNum = active.InvoiceNumber
		}
		return nil
	})
	if err != nil {
		return err
	}
	if buyer == nil {
		return nil
	}

	// 4. Deliver digital payloads. A notification failure is logged, never
	// rolled back into the completed order.
	msg := fmt.Sprintf("Payment received for order %s. Thank you!", invoiceNum)
	for _, it := range deliverable {
		if !it.IsPhysical && it.PrivateData != "" {
			msg += fmt.Sprintf("\n%s: %s", it.Description, it.PrivateData)
		}
	}
	if err := s.notifier.NotifyUser(ctx, buyer.ExternalID, msg); err != nil {
		log.Printf("[Order %s] Failed to deliver purchase notification: %v", orderID, err)
	}
	if hasPhysical {
		if err := s.notifier.NotifyAdmins(ctx, fmt.Sprintf("Order %s is awaiting shipment", invoiceNum)); err != nil {
			log.Printf("[Order %s] Failed to notify admins about shipment: %v", orderID, err)
		}
	}

	s.publish(ctx, events.TypeOrderPaid, orderID, map[string]any{
		"orderId":     orderID,
		"hasPhysical": hasPhysical,
	})
	return nil
}

// MarkShipped moves a paid physical order to SHIPPED (admin operation).
func (s *Service) MarkShipped(ctx context.Context, orderID string) error {
	now := s.clock.Now().UTC()
	var buyer *domain.User
	err := s.store.Transact(ctx, func(tx storage.Store) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderPaidAwaitingShipment {
			return &errs.InvalidOrderStateError{
				OrderID:       orderID,
				CurrentState:  order.Status.String(),
				RequiredState: domain.OrderPaidAwaitingShipment.String(),
			}
		}
		order.Status = domain.OrderShipped
		order.ShippedAt = &now
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		buyer, err = tx.GetUserByID(ctx, order.UserID)
		return err
	})
	if err != nil {
		return err
	}
	if err := s.notifier.NotifyUser(ctx, buyer.ExternalID, fmt.Sprintf("Your order %s has been shipped.", orderID)); err != nil {
		log.Printf("[Order %s] Failed to notify buyer about shipment: %v", orderID, err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType, key string, data any) {
	if s.prod == nil {
		return
	}
	evt := events.Envelope{EventType: eventType, EventVersion: "v1", AggregateID: key, Data: data}
	if err := s.prod.Publish(ctx, s.cfg.OrdersTopic, key, evt); err != nil {
		log.Printf("[Order] Failed to publish %s event for %s: %v", eventType, key, err)
	}
}

func marshalSnapshot(items []domain.Item) []byte {
	snaps := make([]itemSnapshot, 0, len(items))
	for _, it := range items {
		snaps = append(snaps, itemSnapshot{
			ID:            it.ID,
			SubcategoryID: it.SubcategoryID,
			Description:   it.Description,
			Price:         it.Price,
			IsPhysical:    it.IsPhysical,
			ShippingCost:  it.ShippingCost,
		})
	}
	b, _ := json.Marshal(snaps)
	return b
}
