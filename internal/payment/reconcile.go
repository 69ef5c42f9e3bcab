package payment

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/events"
	"github.com/chatmarket/chatmarket/internal/order"
	"github.com/chatmarket/chatmarket/internal/storage"
)

// HandleProcessorEvent is the reconciliation entry point for payment-processor
// webhooks. The embedded processing id resolving to an invoice makes the
// event an order payment; anything else is a deposit.
func (s *Service) HandleProcessorEvent(ctx context.Context, evt ProcessingPayment) error {
	invoice, err := s.store.InvoiceByProcessingID(ctx, evt.ID)
	if err != nil {
		return err
	}
	if invoice != nil {
		log.Printf("[Payment] Processing ORDER PAYMENT (invoice %s, processing id %d)", invoice.InvoiceNumber, evt.ID)
		return s.handleOrderPayment(ctx, evt, invoice)
	}
	log.Printf("[Payment] Processing DEPOSIT (processing id %d)", evt.ID)
	return s.handleDeposit(ctx, evt)
}

// handleDeposit credits a confirmed wallet top-up and runs the
// top-up-triggered unban check. Replays are absorbed by the is_paid flag.
func (s *Service) handleDeposit(ctx context.Context, evt ProcessingPayment) error {
	req, err := s.store.TopUpRequestByProcessingID(ctx, evt.ID)
	if err != nil {
		return err
	}
	user, err := s.store.GetUserByID(ctx, req.UserID)
	if err != nil {
		return err
	}

	if !evt.IsPaid {
		log.Printf("[Payment] Deposit %d expired for user %d", evt.ID, user.ID)
		if err := s.notifier.NotifyUser(ctx, user.ExternalID, "Your top-up payment expired. Please request a new deposit address."); err != nil {
			log.Printf("[Payment] Failed to send expiry notification: %v", err)
		}
		return nil
	}
	if req.IsPaid {
		log.Printf("[Payment] Deposit %d already credited - skipping duplicate", evt.ID)
		return nil
	}

	fiat := domain.RoundFiat(evt.FiatAmount)
	unbanned := false

	err = s.store.Transact(ctx, func(tx storage.Store) error {
		user, err = tx.GetUserByID(ctx, req.UserID)
		if err != nil {
			return err
		}
		unbanned = s.enforcer.ProcessUnbanTopUp(ctx, user, fiat)
		user.WalletBalance = domain.RoundFiat(user.WalletBalance.Add(fiat))
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		if err := tx.MarkTopUpPaid(ctx, req.ID); err != nil {
			return err
		}
		return tx.CreateDeposit(ctx, &domain.Deposit{
			UserID:      user.ID,
			Network:     evt.CryptoCurrency,
			AmountUnits: domain.NormalizeCrypto(evt.CryptoAmount, evt.CryptoCurrency),
			FiatAmount:  fiat,
			DepositedAt: s.clock.Now().UTC(),
		})
	})
	if err != nil {
		return err
	}

	log.Printf("[Payment] Deposit confirmed: %s %s credited to user %d", fiat.StringFixed(2), evt.FiatCurrency, user.ID)
	if err := s.notifier.NotifyUser(ctx, user.ExternalID,
		fmt.Sprintf("Deposit confirmed: %s %s credited to your wallet.", fiat.StringFixed(2), evt.FiatCurrency)); err != nil {
		log.Printf("[Payment] Failed to send deposit notification: %v", err)
	}
	if unbanned {
		if err := s.notifier.NotifyUser(ctx, user.ExternalID,
			fmt.Sprintf("Your account has been unblocked after a top-up of %s %s. Strike count remains at %d.",
				fiat.StringFixed(2), evt.FiatCurrency, user.StrikeCount)); err != nil {
			log.Printf("[Payment] Failed to send unban notification: %v", err)
		}
	}
	s.publish(ctx, events.TypeDepositConfirmed, fmt.Sprintf("%d", evt.ID), map[string]any{
		"userId":     user.ID,
		"fiatAmount": fiat,
		"unbanned":   unbanned,
	})
	return nil
}

// handleOrderPayment validates a confirmed order payment and drives the
// matching branch of the reconciliation table.
func (s *Service) handleOrderPayment(ctx context.Context, evt ProcessingPayment, invoice *domain.Invoice) error {
	ord, err := s.store.GetOrder(ctx, invoice.OrderID)
	if err != nil {
		return err
	}

	if !evt.IsPaid {
		log.Printf("[Payment] Ignoring unpaid webhook for order %s (invoice %s)", ord.ID, invoice.InvoiceNumber)
		return nil
	}

	paidUnits := domain.NormalizeCrypto(evt.CryptoAmount, evt.CryptoCurrency)

	// Replay guard: the exact same payment applied twice must leave the
	// database unchanged.
	seen, err := s.store.HasTransaction(ctx, invoice.ID, paidUnits, evt.Address)
	if err != nil {
		return err
	}
	if seen {
		log.Printf("[Payment] Duplicate webhook for invoice %s - already processed", invoice.InvoiceNumber)
		return nil
	}

	now := s.clock.Now().UTC()

	// Payments against a timed-out order arrive after the sweep already
	// terminated it: penalty on the paid amount, remainder to the wallet.
	if ord.Status == domain.OrderTimeout {
		return s.handleLateArrival(ctx, evt, invoice, ord, paidUnits, false)
	}

	// Any other non-pending status means the money is extra: credit the full
	// fiat value to the wallet.
	if ord.Status != domain.OrderPendingPayment && ord.Status != domain.OrderPendingPaymentPartial {
		return s.handleDoublePayment(ctx, evt, invoice, ord, paidUnits)
	}

	verdict := Classify(paidUnits, invoice.PaymentAmountCrypto, evt.CryptoCurrency, invoice.CryptoCurrency,
		now, ord.ExpiresAt, s.cfg.ToleranceOverpaymentPercent)
	log.Printf("[Payment] Verdict for order %s (invoice %s): %s (paid=%s required=%s)",
		ord.ID, invoice.InvoiceNumber, verdict, paidUnits.String(), invoice.PaymentAmountCrypto.String())

	switch verdict {
	case VerdictExactMatch, VerdictMinorOverpayment:
		return s.handleSettled(ctx, evt, invoice, ord, paidUnits, decimal.Zero)
	case VerdictOverpayment:
		excess := domain.RoundFiat(s.fiatValue(evt, invoice, paidUnits).Sub(invoice.FiatAmount))
		return s.handleSettled(ctx, evt, invoice, ord, paidUnits, excess)
	case VerdictUnderpayment:
		return s.handleUnderpayment(ctx, evt, invoice, ord, paidUnits)
	case VerdictLatePayment:
		return s.handleLateArrival(ctx, evt, invoice, ord, paidUnits, true)
	case VerdictCurrencyMismatch:
		return s.handleCurrencyMismatch(ctx, evt, invoice, ord, paidUnits)
	}
	return fmt.Errorf("unhandled payment verdict %q", verdict)
}

// fiatValue converts a paid crypto amount to fiat using the invoice's quoted
// exchange rate, falling back to the processor-reported fiat amount when the
// invoice carries no crypto quote.
func (s *Service) fiatValue(evt ProcessingPayment, invoice *domain.Invoice, paidUnits decimal.Decimal) decimal.Decimal {
	if invoice.PaymentAmountCrypto.IsZero() {
		return domain.RoundFiat(evt.FiatAmount)
	}
	return domain.RoundFiat(invoice.FiatAmount.Mul(paidUnits).Div(invoice.PaymentAmountCrypto))
}

// handleSettled finishes an order whose invoice is covered. walletCredit is
// the significant-overpayment excess; minor overpayment is forfeited.
func (s *Service) handleSettled(ctx context.Context, evt ProcessingPayment, invoice *domain.Invoice,
	ord *domain.Order, paidUnits, walletCredit decimal.Decimal) error {

	now := s.clock.Now().UTC()
	isOver := walletCredit.GreaterThan(decimal.Zero)
	fiat := invoice.FiatAmount
	if isOver {
		fiat = s.fiatValue(evt, invoice, paidUnits)
	}

	err := s.store.Transact(ctx, func(tx storage.Store) error {
		if err := tx.CreatePaymentTransaction(ctx, &domain.PaymentTransaction{
			InvoiceID:          invoice.ID,
			OrderID:            ord.ID,
			CryptoCurrency:     evt.CryptoCurrency,
			CryptoAmount:       paidUnits,
			FiatAmount:         fiat,
			PaymentAddress:     evt.Address,
			ReceivedAt:         now,
			IsOverpayment:      isOver,
			WalletCreditAmount: walletCredit,
		}); err != nil {
			return err
		}
		if isOver {
			user, err := tx.GetUserByID(ctx, ord.UserID)
			if err != nil {
				return err
			}
			user.WalletBalance = domain.RoundFiat(user.WalletBalance.Add(walletCredit))
			if err := tx.UpdateUser(ctx, user); err != nil {
				return err
			}
			log.Printf("[Payment] Overpayment: credited %s excess to user %d wallet", walletCredit.StringFixed(2), user.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, events.TypePaymentReceived, ord.ID, map[string]any{
		"orderId":   ord.ID,
		"invoiceId": invoice.ID,
		"fiat":      fiat,
	})
	return s.orders.Complete(ctx, ord.ID)
}

// handleUnderpayment issues a follow-on invoice for the remainder on the
// first shortfall and terminates the order on the second.
func (s *Service) handleUnderpayment(ctx context.Context, evt ProcessingPayment, invoice *domain.Invoice,
	ord *domain.Order, paidUnits decimal.Decimal) error {

	now := s.clock.Now().UTC()
	paidFiat := s.fiatValue(evt, invoice, paidUnits)

	// Second shortfall, or retries disabled: record the payment, then cancel
	// with the underpayment penalty on everything paid so far.
	if !s.cfg.UnderpaymentRetryEnabled || ord.RetryCount >= 1 {
		err := s.store.Transact(ctx, func(tx storage.Store) error {
			return tx.CreatePaymentTransaction(ctx, &domain.PaymentTransaction{
				InvoiceID:      invoice.ID,
				OrderID:        ord.ID,
				CryptoCurrency: evt.CryptoCurrency,
				CryptoAmount:   paidUnits,
				FiatAmount:     paidFiat,
				PaymentAddress: evt.Address,
				ReceivedAt:     now,
				IsUnderpayment: true,
				PenaltyApplied: true,
				PenaltyPercent: s.cfg.UnderpaymentPenaltyPercent,
			})
		})
		if err != nil {
			return err
		}
		return s.settleFailedOrder(ctx, ord, invoice, s.cfg.UnderpaymentPenaltyPercent)
	}

	// First shortfall: quote the remaining amount with a fresh deadline.
	// The processor re-quotes the crypto amount at the current rate; the
	// retry invoice is authoritative, not the original remainder.
	remainingFiat := domain.RoundFiat(invoice.FiatAmount.Sub(paidFiat))
	created, err := s.processor.CreatePayment(ctx, ProcessingPayment{
		PaymentType:    domain.PaymentTypePayment,
		FiatCurrency:   invoice.FiatCurrency,
		FiatAmount:     remainingFiat,
		CryptoCurrency: invoice.CryptoCurrency,
	})
	if err != nil {
		return fmt.Errorf("create retry invoice: %w", err)
	}

	retryDeadline := now.Add(time.Duration(s.cfg.UnderpaymentRetryTimeoutMinutes) * time.Minute)
	var retryInvoice *domain.Invoice
	err = s.store.Transact(ctx, func(tx storage.Store) error {
		if err := tx.CreatePaymentTransaction(ctx, &domain.PaymentTransaction{
			InvoiceID:      invoice.ID,
			OrderID:        ord.ID,
			CryptoCurrency: evt.CryptoCurrency,
			CryptoAmount:   paidUnits,
			FiatAmount:     paidFiat,
			PaymentAddress: evt.Address,
			ReceivedAt:     now,
			IsUnderpayment: true,
		}); err != nil {
			return err
		}
		if err := tx.DeactivateInvoice(ctx, invoice.ID); err != nil {
			return err
		}
		number, err := GenerateInvoiceNumber(ctx, tx, now)
		if err != nil {
			return err
		}
		retryInvoice = &domain.Invoice{
			OrderID:             ord.ID,
			InvoiceNumber:       number,
			FiatAmount:          remainingFiat,
			FiatCurrency:        invoice.FiatCurrency,
			CryptoCurrency:      invoice.CryptoCurrency,
			PaymentAmountCrypto: domain.NormalizeCrypto(created.CryptoAmount, invoice.CryptoCurrency),
			PaymentAddress:      created.Address,
			ProcessingID:        created.ID,
			CreatedAt:           now,
			ExpiresAt:           retryDeadline,
			IsActive:            true,
		}
		if _, err := tx.CreateInvoice(ctx, retryInvoice); err != nil {
			return err
		}

		ord.Status = domain.OrderPendingPaymentPartial
		ord.RetryCount++
		ord.ExpiresAt = retryDeadline
		return tx.UpdateOrder(ctx, ord)
	})
	if err != nil {
		return err
	}

	log.Printf("[Payment] Underpayment on order %s: issued retry invoice %s for %s %s (deadline %s)",
		ord.ID, retryInvoice.InvoiceNumber, remainingFiat.StringFixed(2), invoice.FiatCurrency,
		retryDeadline.Format(time.RFC3339))

	user, err := s.store.GetUserByID(ctx, ord.UserID)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Your payment was short. Please send the remaining %s %s to %s within %d minutes.",
		remainingFiat.StringFixed(2), invoice.FiatCurrency, retryInvoice.PaymentAddress,
		s.cfg.UnderpaymentRetryTimeoutMinutes)
	if err := s.notifier.NotifyUser(ctx, user.ExternalID, msg); err != nil {
		log.Printf("[Payment] Failed to send underpayment notification: %v", err)
	}
	return nil
}

// settleFailedOrder credits everything paid minus the penalty and terminates
// the order as TIMEOUT. The wallet credit happens here so the cancellation
// itself runs with refunds disabled.
func (s *Service) settleFailedOrder(ctx context.Context, ord *domain.Order, invoice *domain.Invoice, penaltyPercent decimal.Decimal) error {
	err := s.store.Transact(ctx, func(tx storage.Store) error {
		totalPaid := ord.WalletUsed
		invoices, err := tx.InvoicesByOrder(ctx, ord.ID)
		if err != nil {
			return err
		}
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
		if totalPaid.LessThanOrEqual(decimal.Zero) {
			return nil
		}

		penalty, refund := order.CalculatePenalty(totalPaid, penaltyPercent)
		user, err := tx.GetUserByID(ctx, ord.UserID)
		if err != nil {
			return err
		}
		user.WalletBalance = domain.RoundFiat(user.WalletBalance.Add(refund))
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		log.Printf("[Payment] Order %s failed: credited %s (paid %s - penalty %s) to user %d",
			ord.ID, refund.StringFixed(2), totalPaid.StringFixed(2), penalty.StringFixed(2), user.ID)
		return nil
	})
	if err != nil {
		return err
	}

	_, err = s.orders.Cancel(ctx, ord.ID, domain.CancelByTimeout, false, "")
	return err
}

// handleLateArrival deals with a confirmed payment past the order deadline:
// whether the sweep already flipped the order to TIMEOUT (cancelOrder=false)
// or the webhook outran it (cancelOrder=true), the paid amount minus the
// late penalty goes to the wallet.
func (s *Service) handleLateArrival(ctx context.Context, evt ProcessingPayment, invoice *domain.Invoice,
	ord *domain.Order, paidUnits decimal.Decimal, cancelOrder bool) error {

	now := s.clock.Now().UTC()
	paidFiat := s.fiatValue(evt, invoice, paidUnits)
	penalty, credit := order.CalculatePenalty(paidFiat, s.cfg.LatePenaltyPercent)

	var target *domain.User
	err := s.store.Transact(ctx, func(tx storage.Store) error {
		if err := tx.CreatePaymentTransaction(ctx, &domain.PaymentTransaction{
			InvoiceID:          invoice.ID,
			OrderID:            ord.ID,
			CryptoCurrency:     evt.CryptoCurrency,
			CryptoAmount:       paidUnits,
			FiatAmount:         paidFiat,
			PaymentAddress:     evt.Address,
			ReceivedAt:         now,
			IsLatePayment:      true,
			PenaltyApplied:     true,
			PenaltyPercent:     s.cfg.LatePenaltyPercent,
			WalletCreditAmount: credit,
		}); err != nil {
			return err
		}
		user, err := tx.GetUserByID(ctx, ord.UserID)
		if err != nil {
			return err
		}
		user.WalletBalance = domain.RoundFiat(user.WalletBalance.Add(credit))
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		target = user
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("[Payment] Late payment on order %s: credited %s (penalty %s) to user %d",
		ord.ID, credit.StringFixed(2), penalty.StringFixed(2), target.ID)

	if cancelOrder {
		if _, err := s.orders.Cancel(ctx, ord.ID, domain.CancelByTimeout, false, ""); err != nil {
			return err
		}
	}

	msg := fmt.Sprintf("Your payment for invoice %s arrived after the deadline. %s %s was credited to your wallet (%s%% late penalty).",
		invoice.InvoiceNumber, credit.StringFixed(2), invoice.FiatCurrency, s.cfg.LatePenaltyPercent.String())
	if err := s.notifier.NotifyUser(ctx, target.ExternalID, msg); err != nil {
		log.Printf("[Payment] Failed to send late-payment notification: %v", err)
	}
	return nil
}

// handleDoublePayment credits the full fiat value of a payment for an order
// that already terminated successfully.
func (s *Service) handleDoublePayment(ctx context.Context, evt ProcessingPayment, invoice *domain.Invoice,
	ord *domain.Order, paidUnits decimal.Decimal) error {

	now := s.clock.Now().UTC()
	paidFiat := s.fiatValue(evt, invoice, paidUnits)

	var target *domain.User
	err := s.store.Transact(ctx, func(tx storage.Store) error {
		if err := tx.CreatePaymentTransaction(ctx, &domain.PaymentTransaction{
			InvoiceID:          invoice.ID,
			OrderID:            ord.ID,
			CryptoCurrency:     evt.CryptoCurrency,
			CryptoAmount:       paidUnits,
			FiatAmount:         paidFiat,
			PaymentAddress:     evt.Address,
			ReceivedAt:         now,
			WalletCreditAmount: paidFiat,
		}); err != nil {
			return err
		}
		user, err := tx.GetUserByID(ctx, ord.UserID)
		if err != nil {
			return err
		}
		user.WalletBalance = domain.RoundFiat(user.WalletBalance.Add(paidFiat))
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		target = user
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("[Payment] Double payment on order %s (status %s): credited %s to user %d wallet",
		ord.ID, ord.Status, paidFiat.StringFixed(2), target.ID)
	msg := fmt.Sprintf("We received an extra payment for invoice %s. %s %s was credited to your wallet.",
		invoice.InvoiceNumber, paidFiat.StringFixed(2), invoice.FiatCurrency)
	if err := s.notifier.NotifyUser(ctx, target.ExternalID, msg); err != nil {
		log.Printf("[Payment] Failed to send double-payment notification: %v", err)
	}
	return nil
}

// handleCurrencyMismatch parks the payment for manual resolution: no wallet
// credit, no automated conversion.
func (s *Service) handleCurrencyMismatch(ctx context.Context, evt ProcessingPayment, invoice *domain.Invoice,
	ord *domain.Order, paidUnits decimal.Decimal) error {

	now := s.clock.Now().UTC()
	err := s.store.Transact(ctx, func(tx storage.Store) error {
		return tx.CreatePaymentTransaction(ctx, &domain.PaymentTransaction{
			InvoiceID:      invoice.ID,
			OrderID:        ord.ID,
			CryptoCurrency: evt.CryptoCurrency,
			CryptoAmount:   paidUnits,
			FiatAmount:     decimal.Zero,
			PaymentAddress: evt.Address,
			ReceivedAt:     now,
		})
	})
	if err != nil {
		return err
	}

	log.Printf("[Payment] Currency mismatch on order %s: paid %s, required %s - escalating",
		ord.ID, evt.CryptoCurrency, invoice.CryptoCurrency)
	msg := fmt.Sprintf("Currency mismatch on invoice %s: paid %s %s, required %s. Manual resolution needed.",
		invoice.InvoiceNumber, evt.CryptoAmount.String(), evt.CryptoCurrency, invoice.CryptoCurrency)
	if err := s.notifier.NotifyAdmins(ctx, msg); err != nil {
		log.Printf("[Payment] Failed to escalate currency mismatch: %v", err)
	}
	return nil
}
