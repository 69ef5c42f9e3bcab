package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmarket/chatmarket/internal/storage/storagetest"
)

func TestGenerateInvoiceNumberFormat(t *testing.T) {
	store := storagetest.New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		number, err := GenerateInvoiceNumber(context.Background(), store, now)
		require.NoError(t, err)
		assert.Regexp(t, `^INV-2025-[23456789ABCDEFGHJKLMNPQRSTUVWXYZ]{6}$`, number)
		assert.False(t, seen[number], "generator repeated %s within one run", number)
		seen[number] = true
	}
}

func TestGenerateInvoiceNumberExcludesAmbiguousGlyphs(t *testing.T) {
	store := storagetest.New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 200; i++ {
		number, err := GenerateInvoiceNumber(context.Background(), store, now)
		require.NoError(t, err)
		assert.NotRegexp(t, `[01OI]`, number[9:])
	}
}
