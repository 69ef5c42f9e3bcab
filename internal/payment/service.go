// Package payment implements invoice issuance, checkout payment
// orchestration across wallet and crypto, and the reconciliation engine that
// classifies inbound confirmed payments.
package payment

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/errs"
	"github.com/chatmarket/chatmarket/internal/events"
	"github.com/chatmarket/chatmarket/internal/notify"
	"github.com/chatmarket/chatmarket/internal/order"
	"github.com/chatmarket/chatmarket/internal/storage"
	"github.com/chatmarket/chatmarket/internal/strikes"
)

// maxPendingTopUps caps the number of unexpired, unpaid top-up invoices a
// user may hold at once.
const maxPendingTopUps = 5

// topUpLifetime is how long a deposit invoice stays payable at the processor.
const topUpLifetime = time.Hour

// Config is the subset of runtime configuration the payment service consumes.
type Config struct {
	ToleranceOverpaymentPercent     decimal.Decimal
	UnderpaymentRetryEnabled        bool
	UnderpaymentRetryTimeoutMinutes int
	UnderpaymentPenaltyPercent      decimal.Decimal
	LatePenaltyPercent              decimal.Decimal
	Currency                        string
	PaymentsTopic                   string
}

type Service struct {
	store     storage.Store
	clock     clockwork.Clock
	cfg       Config
	processor ProcessorClient
	orders    *order.Service
	enforcer  *strikes.Enforcer
	notifier  notify.Port
	prod      *events.Producer // nil disables event publishing
}

func NewService(store storage.Store, clock clockwork.Clock, cfg Config, processor ProcessorClient,
	orders *order.Service, enforcer *strikes.Enforcer, notifier notify.Port, prod *events.Producer) *Service {
	return &Service{
		store:     store,
		clock:     clock,
		cfg:       cfg,
		processor: processor,
		orders:    orders,
		enforcer:  enforcer,
		notifier:  notifier,
		prod:      prod,
	}
}

// CreateTopUp requests a deposit invoice from the processor and tracks it so
// the webhook can resolve the confirmation later.
func (s *Service) CreateTopUp(ctx context.Context, externalUserID int64, currency domain.CryptoCurrency, messageRef int64) (*ProcessingPayment, error) {
	user, err := s.store.GetUserByExternalID(ctx, externalUserID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	pending, err := s.store.CountPendingTopUps(ctx, user.ID, now)
	if err != nil {
		return nil, err
	}
	if pending >= maxPendingTopUps {
		return nil, fmt.Errorf("user %d has %d unexpired top-up requests, limit is %d", user.ID, pending, maxPendingTopUps)
	}

	created, err := s.processor.CreatePayment(ctx, ProcessingPayment{
		PaymentType:    domain.PaymentTypeDeposit,
		FiatCurrency:   s.cfg.Currency,
		CryptoCurrency: currency,
	})
	if err != nil {
		return nil, fmt.Errorf("create deposit payment: %w", err)
	}

	req := &domain.TopUpRequest{
		ProcessingID: created.ID,
		UserID:       user.ID,
		MessageRef:   messageRef,
		CreatedAt:    now,
		ExpiresAt:    now.Add(topUpLifetime),
	}
	if err := s.store.CreateTopUpRequest(ctx, req); err != nil {
		return nil, err
	}
	log.Printf("[Payment] Created top-up request %d for user %d (%s)", created.ID, user.ID, currency)
	return created, nil
}

// OrchestrateCheckoutPayment splits an order between wallet and crypto.
// The wallet is drained first; any remainder gets a crypto invoice. A fully
// wallet-covered order completes immediately behind a tracking invoice.
func (s *Service) OrchestrateCheckoutPayment(ctx context.Context, orderID string, currency domain.CryptoCurrency) (*domain.Invoice, bool, error) {
	ord, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if ord.Status != domain.OrderPendingPayment {
		return nil, false, &errs.InvalidOrderStateError{
			OrderID:       orderID,
			CurrentState:  ord.Status.String(),
			RequiredState: domain.OrderPendingPayment.String(),
		}
	}

	user, err := s.store.GetUserByID(ctx, ord.UserID)
	if err != nil {
		return nil, false, err
	}

	walletUsed := domain.RoundFiat(decimal.Min(user.WalletBalance, ord.TotalPrice))
	remaining := domain.RoundFiat(ord.TotalPrice.Sub(walletUsed))
	log.Printf("[Payment] Order %s: total=%s wallet_used=%s remaining=%s",
		orderID, ord.TotalPrice.StringFixed(2), walletUsed.StringFixed(2), remaining.StringFixed(2))

	now := s.clock.Now().UTC()

	if remaining.GreaterThan(decimal.Zero) {
		if currency == domain.CryptoPendingSelection || currency == "" {
			return nil, false, &errs.CryptocurrencyNotSelectedError{OrderID: orderID}
		}

		// External call first: no state changes until the processor quoted.
		created, err := s.processor.CreatePayment(ctx, ProcessingPayment{
			PaymentType:    domain.PaymentTypePayment,
			FiatCurrency:   s.cfg.Currency,
			FiatAmount:     remaining,
			CryptoCurrency: currency,
		})
		if err != nil {
			return nil, false, fmt.Errorf("create crypto invoice: %w", err)
		}

		var invoice *domain.Invoice
		err = s.store.Transact(ctx, func(tx storage.Store) error {
			if err := s.deductWallet(ctx, tx, ord, walletUsed); err != nil {
				return err
			}
			number, err := GenerateInvoiceNumber(ctx, tx, now)
			if err != nil {
				return err
			}
			invoice = &domain.Invoice{
				OrderID:             orderID,
				InvoiceNumber:       number,
				FiatAmount:          remaining,
				FiatCurrency:        s.cfg.Currency,
				CryptoCurrency:      currency,
				PaymentAmountCrypto: domain.NormalizeCrypto(created.CryptoAmount, currency),
				PaymentAddress:      created.Address,
				ProcessingID:        created.ID,
				CreatedAt:           now,
				ExpiresAt:           ord.ExpiresAt,
				IsActive:            true,
			}
			if _, err := tx.CreateInvoice(ctx, invoice); err != nil {
				return err
			}
			return tx.UpdateOrderStatus(ctx, orderID, domain.OrderPendingPayment)
		})
		if err != nil {
			return nil, false, err
		}
		log.Printf("[Payment] Created crypto invoice %s for remaining %s %s",
			invoice.InvoiceNumber, remaining.StringFixed(2), s.cfg.Currency)
		return invoice, true, nil
	}

	// Wallet covered everything: create a tracking invoice and complete.
	var invoice *domain.Invoice
	err = s.store.Transact(ctx, func(tx storage.Store) error {
		if err := s.deductWallet(ctx, tx, ord, walletUsed); err != nil {
			return err
		}
		number, err := GenerateInvoiceNumber(ctx, tx, now)
		if err != nil {
			return err
		}
		invoice = &domain.Invoice{
			OrderID:        orderID,
			InvoiceNumber:  number,
			FiatAmount:     ord.TotalPrice,
			FiatCurrency:   s.cfg.Currency,
			CryptoCurrency: currency,
			CreatedAt:      now,
			ExpiresAt:      ord.ExpiresAt,
			IsActive:       true,
		}
		_, err = tx.CreateInvoice(ctx, invoice)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	log.Printf("[Payment] Order %s fully paid by wallet (%s) - completing", orderID, walletUsed.StringFixed(2))
	if err := s.orders.Complete(ctx, orderID); err != nil {
		return nil, false, err
	}
	return invoice, false, nil
}

// deductWallet moves the wallet portion onto the order. Runs inside the
// caller's transaction so a later failure restores the balance.
func (s *Service) deductWallet(ctx context.Context, tx storage.Store, ord *domain.Order, walletUsed decimal.Decimal) error {
	if walletUsed.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	user, err := tx.GetUserByID(ctx, ord.UserID)
	if err != nil {
		return err
	}
	if user.WalletBalance.LessThan(walletUsed) {
		return &errs.InsufficientBalanceError{
			UserID:   user.ID,
			Required: walletUsed.StringFixed(2),
			Balance:  user.WalletBalance.StringFixed(2),
		}
	}
	user.WalletBalance = domain.RoundFiat(user.WalletBalance.Sub(walletUsed))
	if err := tx.UpdateUser(ctx, user); err != nil {
		return err
	}
	ord.WalletUsed = walletUsed
	if err := tx.UpdateOrder(ctx, ord); err != nil {
		return err
	}
	log.Printf("[Payment] Deducted %s from user %d wallet (new balance: %s)",
		walletUsed.StringFixed(2), user.ID, user.WalletBalance.StringFixed(2))
	return nil
}

func (s *Service) publish(ctx context.Context, eventType, key string, data any) {
	if s.prod == nil {
		return
	}
	evt := events.Envelope{EventType: eventType, EventVersion: "v1", AggregateID: key, Data: data}
	if err := s.prod.Publish(ctx, s.cfg.PaymentsTopic, key, evt); err != nil {
		log.Printf("[Payment] Failed to publish %s event for %s: %v", eventType, key, err)
	}
}
