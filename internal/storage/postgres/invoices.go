package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/chatmarket/chatmarket/internal/domain"
)

const invoiceColumns = `id, order_id, invoice_number, fiat_amount, fiat_currency, crypto_currency,
	payment_amount_crypto, payment_address, payment_processing_id, created_at, expires_at, is_active`

func scanInvoice(scan func(dest ...any) error) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := scan(&inv.ID, &inv.OrderID, &inv.InvoiceNumber, &inv.FiatAmount, &inv.FiatCurrency,
		&inv.CryptoCurrency, &inv.PaymentAmountCrypto, &inv.PaymentAddress, &inv.ProcessingID,
		&inv.CreatedAt, &inv.ExpiresAt, &inv.IsActive)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *Repository) CreateInvoice(ctx context.Context, invoice *domain.Invoice) (int64, error) {
	var id int64
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO invoices (order_id, invoice_number, fiat_amount, fiat_currency, crypto_currency,
			payment_amount_crypto, payment_address, payment_processing_id, created_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, invoice.OrderID, invoice.InvoiceNumber, invoice.FiatAmount, invoice.FiatCurrency,
		invoice.CryptoCurrency, invoice.PaymentAmountCrypto, invoice.PaymentAddress,
		invoice.ProcessingID, invoice.CreatedAt, invoice.ExpiresAt, invoice.IsActive).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert invoice %s: %w", invoice.InvoiceNumber, err)
	}
	invoice.ID = id
	log.Printf("[DB] Inserted invoice %s for order %s (%s %s)",
		invoice.InvoiceNumber, invoice.OrderID, invoice.FiatAmount.StringFixed(2), invoice.FiatCurrency)
	return id, nil
}

// InvoiceByProcessingID resolves a payment-processor transaction id to the
// invoice it pays, or nil when the id belongs to a deposit.
func (r *Repository) InvoiceByProcessingID(ctx context.Context, processingID int64) (*domain.Invoice, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE payment_processing_id = $1
	`, processingID)
	invoice, err := scanInvoice(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice by processing id %d: %w", processingID, err)
	}
	return invoice, nil
}

func (r *Repository) ActiveInvoiceByOrder(ctx context.Context, orderID string) (*domain.Invoice, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE order_id = $1 AND is_active = TRUE
		ORDER BY created_at DESC LIMIT 1
	`, orderID)
	invoice, err := scanInvoice(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active invoice for order %s: %w", orderID, err)
	}
	return invoice, nil
}

func (r *Repository) InvoicesByOrder(ctx context.Context, orderID string) ([]domain.Invoice, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE order_id = $1 ORDER BY created_at
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices for order %s: %w", orderID, err)
	}
	defer rows.Close()

	var invoices []domain.Invoice
	for rows.Next() {
		invoice, err := scanInvoice(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice row: %w", err)
		}
		invoices = append(invoices, *invoice)
	}
	return invoices, rows.Err()
}

// DeactivateInvoice marks an invoice inactive (soft delete) to preserve the
// audit trail across underpayment retries.
func (r *Repository) DeactivateInvoice(ctx context.Context, invoiceID int64) error {
	_, err := r.q.ExecContext(ctx, `UPDATE invoices SET is_active = FALSE WHERE id = $1`, invoiceID)
	if err != nil {
		return fmt.Errorf("failed to deactivate invoice %d: %w", invoiceID, err)
	}
	return nil
}

func (r *Repository) InvoiceNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM invoices WHERE invoice_number = $1)
	`, number).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check invoice number: %w", err)
	}
	return exists, nil
}
