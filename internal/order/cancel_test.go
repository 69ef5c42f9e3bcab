package order

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/errs"
	"github.com/chatmarket/chatmarket/internal/storage/storagetest"
)

func TestCancelWithinGracePeriodNoStrike(t *testing.T) {
	store := storagetest.New()
	user := store.AddUser(100, decimal.Zero)
	store.AddItems(1, 10, 2, dec("10.00"), false, decimal.Zero)
	clock := clockwork.NewFakeClockAt(testStart)
	svc := newTestService(store, clock, &fakeNotifier{})

	ord, _, _, err := svc.OrchestrateCreation(context.Background(),
		user.ID, []domain.CartLine{{CategoryID: 1, SubcategoryID: 10, Quantity: 2}})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	withinGrace, err := svc.Cancel(context.Background(), ord.ID, domain.CancelByUser, true, "")
	require.NoError(t, err)
	assert.True(t, withinGrace)

	stored, _ := store.GetOrder(context.Background(), ord.ID)
	assert.Equal(t, domain.OrderCancelledByUser, stored.Status)
	assert.NotNil(t, stored.CancelledAt)
	assert.NotEmpty(t, stored.ItemsSnapshot)
	assert.Empty(t, store.Strikes)

	// Reserved rows are released.
	avail, _ := store.AvailableQuantity(context.Background(), 10)
	assert.Equal(t, 2, avail)
}

func TestCancelAfterGraceChargesReservationFeeAndStrikes(t *testing.T) {
	store := storagetest.New()
	user := store.AddUser(100, dec("100.00"))
	store.AddItems(1, 10, 1, dec("10.00"), false, decimal.Zero)
	clock := clockwork.NewFakeClockAt(testStart)
	notifier := &fakeNotifier{}
	svc := newTestService(store, clock, notifier)

	ord, _, _, err := svc.OrchestrateCreation(context.Background(),
		user.ID, []domain.CartLine{{CategoryID: 1, SubcategoryID: 10, Quantity: 1}})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	withinGrace, err := svc.Cancel(context.Background(), ord.ID, domain.CancelByUser, true, "")
	require.NoError(t, err)
	assert.False(t, withinGrace)

	// No payment was made: 10% of min(total, balance) is charged as a
	// reservation fee.
	stored, _ := store.GetUserByID(context.Background(), user.ID)
	assert.True(t, dec("99.00").Equal(stored.WalletBalance), "balance %s", stored.WalletBalance)

	require.Len(t, store.Strikes, 1)
	assert.Equal(t, domain.StrikeLateCancel, store.Strikes[0].Type)
	assert.Equal(t, 1, stored.StrikeCount)
}

func TestCancelTimeoutRefundsPaidAmountWithPenalty(t *testing.T) {
	store := storagetest.New()
	user := store.AddUser(100, decimal.Zero)
	store.AddItems(1, 10, 1, dec("30.00"), false, decimal.Zero)
	clock := clockwork.NewFakeClockAt(testStart)
	svc := newTestService(store, clock, &fakeNotifier{})

	ord, _, _, err := svc.OrchestrateCreation(context.Background(),
		user.ID, []domain.CartLine{{CategoryID: 1, SubcategoryID: 10, Quantity: 1}})
	require.NoError(t, err)

	// Simulate a recorded partial crypto payment of 20.00 on the order's
	// invoice.
	invID, err := store.CreateInvoice(context.Background(), &domain.Invoice{
		OrderID:       ord.ID,
		InvoiceNumber: "INV-2025-TESTAA",
		FiatAmount:    dec("30.00"),
		FiatCurrency:  "EUR",
		CreatedAt:     testStart,
		ExpiresAt:     ord.ExpiresAt,
		IsActive:      true,
	})
	require.NoError(t, err)
	require.NoError(t, store.CreatePaymentTransaction(context.Background(), &domain.PaymentTransaction{
		InvoiceID:  invID,
		OrderID:    ord.ID,
		FiatAmount: dec("20.00"),
		ReceivedAt: testStart,
	}))

	clock.Advance(2 * time.Hour)
	_, err = svc.Cancel(context.Background(), ord.ID, domain.CancelByTimeout, true, "")
	require.NoError(t, err)

	stored, _ := store.GetOrder(context.Background(), ord.ID)
	assert.Equal(t, domain.OrderTimeout, stored.Status)

	// 20.00 paid, 10% penalty -> 18.00 refunded.
	u, _ := store.GetUserByID(context.Background(), user.ID)
	assert.True(t, dec("18.00").Equal(u.WalletBalance), "balance %s", u.WalletBalance)

	require.Len(t, store.Strikes, 1)
	assert.Equal(t, domain.StrikeTimeout, store.Strikes[0].Type)
}

func TestCancelMixedPaidOrderByAdminRefundsPhysicalPortion(t *testing.T) {
	store := storagetest.New()
	user := store.AddUser(100, dec("33.00"))
	store.AddItems(1, 10, 1, dec("10.00"), false, decimal.Zero)
	store.AddItems(2, 20, 1, dec("20.00"), true, dec("3.00"))
	clock := clockwork.NewFakeClockAt(testStart)
	svc := newTestService(store, clock, &fakeNotifier{})

	ord, _, _, err := svc.OrchestrateCreation(context.Background(), user.ID, []domain.CartLine{
		{CategoryID: 1, SubcategoryID: 10, Quantity: 1},
		{CategoryID: 2, SubcategoryID: 20, Quantity: 1},
	})
	require.NoError(t, err)

	// Pay fully from wallet and complete.
	u, _ := store.GetUserByID(context.Background(), user.ID)
	u.WalletBalance = decimal.Zero
	require.NoError(t, store.UpdateUser(context.Background(), u))
	ord.WalletUsed = dec("33.00")
	require.NoError(t, store.UpdateOrder(context.Background(), ord))
	require.NoError(t, svc.ConfirmShippingAddress(context.Background(), ord.ID, make([]byte, 64), domain.EncryptionAES))
	require.NoError(t, svc.Complete(context.Background(), ord.ID))

	stored, _ := store.GetOrder(context.Background(), ord.ID)
	require.Equal(t, domain.OrderPaidAwaitingShipment, stored.Status)

	_, err = svc.Cancel(context.Background(), ord.ID, domain.CancelByAdmin, true, "out of stock")
	require.NoError(t, err)

	stored, _ = store.GetOrder(context.Background(), ord.ID)
	assert.Equal(t, domain.OrderCancelledByAdmin, stored.Status)
	assert.Equal(t, "out of stock", stored.CancellationReason)
	assert.NotEmpty(t, stored.RefundBreakdown)

	// Digital item non-refundable: refund = 20 + 3 shipping, no strike.
	u, _ = store.GetUserByID(context.Background(), user.ID)
	assert.True(t, dec("23.00").Equal(u.WalletBalance), "balance %s", u.WalletBalance)
	assert.Empty(t, store.Strikes)
}

func TestCancelAlreadyCancelledRejected(t *testing.T) {
	store := storagetest.New()
	user := store.AddUser(100, decimal.Zero)
	store.AddItems(1, 10, 1, dec("10.00"), false, decimal.Zero)
	clock := clockwork.NewFakeClockAt(testStart)
	svc := newTestService(store, clock, &fakeNotifier{})

	ord, _, _, err := svc.OrchestrateCreation(context.Background(),
		user.ID, []domain.CartLine{{CategoryID: 1, SubcategoryID: 10, Quantity: 1}})
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), ord.ID, domain.CancelByUser, true, "")
	require.NoError(t, err)
	before, _ := store.GetOrder(context.Background(), ord.ID)

	var stateErr *errs.InvalidOrderStateError
	_, err = svc.Cancel(context.Background(), ord.ID, domain.CancelByUser, true, "")
	require.ErrorAs(t, err, &stateErr)

	after, _ := store.GetOrder(context.Background(), ord.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.CancelledAt, after.CancelledAt)
}

func TestCancelOwnershipEnforced(t *testing.T) {
	store := storagetest.New()
	owner := store.AddUser(100, decimal.Zero)
	other := store.AddUser(200, decimal.Zero)
	store.AddItems(1, 10, 1, dec("10.00"), false, decimal.Zero)
	svc := newTestService(store, clockwork.NewFakeClockAt(testStart), &fakeNotifier{})

	ord, _, _, err := svc.OrchestrateCreation(context.Background(),
		owner.ID, []domain.CartLine{{CategoryID: 1, SubcategoryID: 10, Quantity: 1}})
	require.NoError(t, err)

	var ownErr *errs.OrderOwnershipError
	_, err = svc.CancelByUser(context.Background(), ord.ID, other.ID)
	assert.ErrorAs(t, err, &ownErr)
}
