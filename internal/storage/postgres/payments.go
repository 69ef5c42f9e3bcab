package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/errs"
)

func (r *Repository) CreatePaymentTransaction(ctx context.Context, tx *domain.PaymentTransaction) error {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO payment_transactions (invoice_id, order_id, crypto_currency, crypto_amount,
			fiat_amount, payment_address, transaction_hash, received_at, is_overpayment,
			is_underpayment, is_late_payment, penalty_applied, penalty_percent, wallet_credit_amount)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`, tx.InvoiceID, tx.OrderID, tx.CryptoCurrency, tx.CryptoAmount, tx.FiatAmount,
		tx.PaymentAddress, tx.TransactionHash, tx.ReceivedAt, tx.IsOverpayment,
		tx.IsUnderpayment, tx.IsLatePayment, tx.PenaltyApplied, tx.PenaltyPercent,
		tx.WalletCreditAmount).Scan(&tx.ID)
	if err != nil {
		return fmt.Errorf("failed to insert payment transaction: %w", err)
	}
	log.Printf("[DB] Recorded payment transaction %d (invoice=%d, fiat=%s)",
		tx.ID, tx.InvoiceID, tx.FiatAmount.StringFixed(2))
	return nil
}

func (r *Repository) TransactionsByInvoice(ctx context.Context, invoiceID int64) ([]domain.PaymentTransaction, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, invoice_id, order_id, crypto_currency, crypto_amount, fiat_amount,
			payment_address, COALESCE(transaction_hash, ''), received_at, is_overpayment,
			is_underpayment, is_late_payment, penalty_applied, penalty_percent, wallet_credit_amount
		FROM payment_transactions WHERE invoice_id = $1 ORDER BY received_at
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions for invoice %d: %w", invoiceID, err)
	}
	defer rows.Close()

	var txs []domain.PaymentTransaction
	for rows.Next() {
		var tx domain.PaymentTransaction
		if err := rows.Scan(&tx.ID, &tx.InvoiceID, &tx.OrderID, &tx.CryptoCurrency, &tx.CryptoAmount,
			&tx.FiatAmount, &tx.PaymentAddress, &tx.TransactionHash, &tx.ReceivedAt,
			&tx.IsOverpayment, &tx.IsUnderpayment, &tx.IsLatePayment, &tx.PenaltyApplied,
			&tx.PenaltyPercent, &tx.WalletCreditAmount); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// HasTransaction reports whether this exact payment was already recorded, the
// replay guard for duplicated webhook deliveries.
func (r *Repository) HasTransaction(ctx context.Context, invoiceID int64, cryptoUnits decimal.Decimal, address string) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payment_transactions
			WHERE invoice_id = $1 AND crypto_amount = $2 AND payment_address = $3
		)
	`, invoiceID, cryptoUnits, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction existence: %w", err)
	}
	return exists, nil
}

func (r *Repository) CreateTopUpRequest(ctx context.Context, req *domain.TopUpRequest) error {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO top_up_requests (processing_id, user_id, message_ref, is_paid, created_at, expires_at)
		VALUES ($1, $2, $3, FALSE, $4, $5)
		RETURNING id
	`, req.ProcessingID, req.UserID, req.MessageRef, req.CreatedAt, req.ExpiresAt).Scan(&req.ID)
	if err != nil {
		return fmt.Errorf("failed to insert top-up request: %w", err)
	}
	return nil
}

func (r *Repository) TopUpRequestByProcessingID(ctx context.Context, processingID int64) (*domain.TopUpRequest, error) {
	var req domain.TopUpRequest
	err := r.q.QueryRowContext(ctx, `
		SELECT id, processing_id, user_id, message_ref, is_paid, created_at, expires_at
		FROM top_up_requests WHERE processing_id = $1
	`, processingID).Scan(&req.ID, &req.ProcessingID, &req.UserID, &req.MessageRef,
		&req.IsPaid, &req.CreatedAt, &req.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.PaymentNotFoundError{ProcessingID: processingID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query top-up request %d: %w", processingID, err)
	}
	return &req, nil
}

func (r *Repository) CountPendingTopUps(ctx context.Context, userID int64, now time.Time) (int, error) {
	var count int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM top_up_requests
		WHERE user_id = $1 AND is_paid = FALSE AND expires_at > $2
	`, userID, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending top-ups: %w", err)
	}
	return count, nil
}

func (r *Repository) MarkTopUpPaid(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, `UPDATE top_up_requests SET is_paid = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark top-up %d paid: %w", id, err)
	}
	return nil
}

func (r *Repository) CreateDeposit(ctx context.Context, dep *domain.Deposit) error {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO deposits (user_id, network, amount_units, fiat_amount, deposited_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, dep.UserID, dep.Network, dep.AmountUnits, dep.FiatAmount, dep.DepositedAt).Scan(&dep.ID)
	if err != nil {
		return fmt.Errorf("failed to insert deposit: %w", err)
	}
	log.Printf("[DB] Recorded deposit %d for user %d (%s %s)",
		dep.ID, dep.UserID, dep.FiatAmount.StringFixed(2), dep.Network)
	return nil
}
