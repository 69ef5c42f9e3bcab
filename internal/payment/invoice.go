package payment

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/chatmarket/chatmarket/internal/storage"
)

// invoiceAlphabet excludes 0, O, 1 and I so invoice numbers survive
// transcription.
const invoiceAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const invoiceNumberAttempts = 10

// GenerateInvoiceNumber produces a unique INV-YYYY-XXXXXX identifier,
// retrying against the uniqueness constraint a bounded number of times.
func GenerateInvoiceNumber(ctx context.Context, store storage.Store, now time.Time) (string, error) {
	year := now.Year()
	for attempt := 0; attempt < invoiceNumberAttempts; attempt++ {
		code := make([]byte, 6)
		for i := range code {
			code[i] = invoiceAlphabet[rand.Intn(len(invoiceAlphabet))]
		}
		number := fmt.Sprintf("INV-%d-%s", year, code)

		exists, err := store.InvoiceNumberExists(ctx, number)
		if err != nil {
			return "", err
		}
		if !exists {
			return number, nil
		}
	}
	// 32^6 combinations per year; exhausting 10 attempts means something is
	// deeply wrong with the invoice table.
	return "", fmt.Errorf("could not generate unique invoice number after %d attempts", invoiceNumberAttempts)
}
