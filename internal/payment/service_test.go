package payment

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/order"
	"github.com/chatmarket/chatmarket/internal/shipping"
	"github.com/chatmarket/chatmarket/internal/storage/storagetest"
	"github.com/chatmarket/chatmarket/internal/strikes"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeNotifier struct {
	userMessages  []string
	adminMessages []string
}

func (f *fakeNotifier) NotifyUser(_ context.Context, _ int64, message string) error {
	f.userMessages = append(f.userMessages, message)
	return nil
}

func (f *fakeNotifier) NotifyAdmins(_ context.Context, message string) error {
	f.adminMessages = append(f.adminMessages, message)
	return nil
}

// fakeProcessor returns scripted responses in order.
type fakeProcessor struct {
	responses []ProcessingPayment
	requests  []ProcessingPayment
}

func (f *fakeProcessor) CreatePayment(_ context.Context, req ProcessingPayment) (*ProcessingPayment, error) {
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		resp := req
		resp.ID = int64(1000 + len(f.requests))
		resp.Address = "addr-default"
		return &resp, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return &resp, nil
}

type fixture struct {
	store     *storagetest.MemStore
	clock     clockwork.FakeClock
	notifier  *fakeNotifier
	processor *fakeProcessor
	orders    *order.Service
	payments  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storagetest.New()
	clock := clockwork.NewFakeClockAt(testStart)
	notifier := &fakeNotifier{}
	processor := &fakeProcessor{}

	enforcer := strikes.NewEnforcer(strikes.Config{
		MaxStrikesBeforeBan: 3,
		ExemptAdminsFromBan: true,
		UnbanTopUpAmount:    dec("50"),
	}, notifier, func(int64) bool { return false })

	cipher := shipping.NewCipher(strings.Repeat("s", 32), "")
	orders := order.NewService(store, clock, order.Config{
		TimeoutMinutes:     60,
		GracePeriodMinutes: 5,
		LatePenaltyPercent: dec("10"),
		Currency:           "EUR",
	}, enforcer, notifier, cipher, nil)

	payments := NewService(store, clock, Config{
		ToleranceOverpaymentPercent:     dec("5"),
		UnderpaymentRetryEnabled:        true,
		UnderpaymentRetryTimeoutMinutes: 30,
		UnderpaymentPenaltyPercent:      dec("10"),
		LatePenaltyPercent:              dec("10"),
		Currency:                        "EUR",
	}, processor, orders, enforcer, notifier, nil)

	return &fixture{store: store, clock: clock, notifier: notifier, processor: processor, orders: orders, payments: payments}
}

// checkoutDigital seeds a digital-only order of unitCount items at price and
// runs checkout payment with BTC.
func (f *fixture) checkoutDigital(t *testing.T, wallet decimal.Decimal, price string, unitCount int, quote ProcessingPayment) (*domain.User, *domain.Order, *domain.Invoice) {
	t.Helper()
	user := f.store.AddUser(100, wallet)
	f.store.AddItems(1, 10, unitCount, dec(price), false, decimal.Zero)

	ord, _, _, err := f.orders.OrchestrateCreation(context.Background(),
		user.ID, []domain.CartLine{{CategoryID: 1, SubcategoryID: 10, Quantity: unitCount}})
	require.NoError(t, err)

	f.processor.responses = append(f.processor.responses, quote)
	invoice, needsCrypto, err := f.payments.OrchestrateCheckoutPayment(context.Background(), ord.ID, domain.BTC)
	require.NoError(t, err)
	require.True(t, needsCrypto)
	return user, ord, invoice
}

func TestCheckoutExactCryptoPayment(t *testing.T) {
	f := newFixture(t)
	user, ord, invoice := f.checkoutDigital(t, decimal.Zero, "10.00", 1, ProcessingPayment{
		ID: 777, Address: "bc1-addr", CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
	})

	assert.True(t, decimal.NewFromInt(20000).Equal(invoice.PaymentAmountCrypto))
	assert.Regexp(t, `^INV-\d{4}-[23456789ABCDEFGHJKLMNPQRSTUVWXYZ]{6}$`, invoice.InvoiceNumber)

	err := f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 777, PaymentType: domain.PaymentTypePayment, IsPaid: true,
		CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
		FiatCurrency: "EUR", FiatAmount: dec("10.00"), Address: "bc1-addr",
	})
	require.NoError(t, err)

	stored, _ := f.store.GetOrder(context.Background(), ord.ID)
	assert.Equal(t, domain.OrderPaid, stored.Status)

	items, _ := f.store.ItemsByOrder(context.Background(), ord.ID)
	require.Len(t, items, 1)
	assert.True(t, items[0].IsSold)

	u, _ := f.store.GetUserByID(context.Background(), user.ID)
	assert.True(t, u.WalletBalance.IsZero())
	assert.Empty(t, f.store.Strikes)
}

func TestDuplicateWebhookIsIdempotent(t *testing.T) {
	f := newFixture(t)
	user, ord, _ := f.checkoutDigital(t, decimal.Zero, "10.00", 1, ProcessingPayment{
		ID: 777, Address: "bc1-addr", CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
	})

	evt := ProcessingPayment{
		ID: 777, PaymentType: domain.PaymentTypePayment, IsPaid: true,
		CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
		FiatCurrency: "EUR", FiatAmount: dec("10.00"), Address: "bc1-addr",
	}
	require.NoError(t, f.payments.HandleProcessorEvent(context.Background(), evt))

	txCount := len(f.store.Transactions)
	buyCount := len(f.store.Buys)
	notifications := len(f.notifier.userMessages)

	// Exact replay: no second completion, credit, or notification.
	require.NoError(t, f.payments.HandleProcessorEvent(context.Background(), evt))

	assert.Len(t, f.store.Transactions, txCount)
	assert.Len(t, f.store.Buys, buyCount)
	assert.Len(t, f.notifier.userMessages, notifications)
	u, _ := f.store.GetUserByID(context.Background(), user.ID)
	assert.True(t, u.WalletBalance.IsZero())

	stored, _ := f.store.GetOrder(context.Background(), ord.ID)
	assert.Equal(t, domain.OrderPaid, stored.Status)
}

func TestSignificantOverpaymentCreditsWallet(t *testing.T) {
	f := newFixture(t)
	user, ord, _ := f.checkoutDigital(t, decimal.Zero, "10.00", 1, ProcessingPayment{
		ID: 777, Address: "bc1-addr", CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
	})

	// 0.00021 BTC at the invoice rate is 10.50: outside the 0.1% envelope.
	f.payments.cfg.ToleranceOverpaymentPercent = dec("0.1")
	err := f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 777, PaymentType: domain.PaymentTypePayment, IsPaid: true,
		CryptoCurrency: domain.BTC, CryptoAmount: dec("0.00021"),
		FiatCurrency: "EUR", FiatAmount: dec("10.50"), Address: "bc1-addr",
	})
	require.NoError(t, err)

	stored, _ := f.store.GetOrder(context.Background(), ord.ID)
	assert.Equal(t, domain.OrderPaid, stored.Status)

	u, _ := f.store.GetUserByID(context.Background(), user.ID)
	assert.True(t, dec("0.50").Equal(u.WalletBalance), "balance %s", u.WalletBalance)

	require.Len(t, f.store.Transactions, 1)
	assert.True(t, f.store.Transactions[0].IsOverpayment)
}

func TestMinorOverpaymentForfeited(t *testing.T) {
	f := newFixture(t)
	user, ord, _ := f.checkoutDigital(t, decimal.Zero, "10.00", 1, ProcessingPayment{
		ID: 777, Address: "bc1-addr", CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
	})

	err := f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 777, PaymentType: domain.PaymentTypePayment, IsPaid: true,
		CryptoCurrency: domain.BTC, CryptoAmount: dec("0.000205"),
		FiatCurrency: "EUR", FiatAmount: dec("10.25"), Address: "bc1-addr",
	})
	require.NoError(t, err)

	stored, _ := f.store.GetOrder(context.Background(), ord.ID)
	assert.Equal(t, domain.OrderPaid, stored.Status)
	u, _ := f.store.GetUserByID(context.Background(), user.ID)
	assert.True(t, u.WalletBalance.IsZero(), "minor overpayment must be forfeited")
}

func TestUnderpaymentRetryThenSettle(t *testing.T) {
	f := newFixture(t)
	_, ord, firstInvoice := f.checkoutDigital(t, decimal.Zero, "30.00", 1, ProcessingPayment{
		ID: 777, Address: "bc1-addr", CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0006"),
	})

	// Retry invoice quote for the remaining 10.00.
	f.processor.responses = append(f.processor.responses, ProcessingPayment{
		ID: 888, Address: "bc1-retry", CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
	})

	// First payment covers only 20.00 of 30.00.
	err := f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 777, PaymentType: domain.PaymentTypePayment, IsPaid: true,
		CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0004"),
		FiatCurrency: "EUR", FiatAmount: dec("20.00"), Address: "bc1-addr",
	})
	require.NoError(t, err)

	stored, _ := f.store.GetOrder(context.Background(), ord.ID)
	assert.Equal(t, domain.OrderPendingPaymentPartial, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, testStart.Add(30*time.Minute), stored.ExpiresAt)

	old, _ := f.store.InvoicesByOrder(context.Background(), ord.ID)
	require.Len(t, old, 2)
	for _, inv := range old {
		if inv.ID == firstInvoice.ID {
			assert.False(t, inv.IsActive)
		} else {
			assert.True(t, inv.IsActive)
			assert.True(t, dec("10.00").Equal(inv.FiatAmount), "retry fiat %s", inv.FiatAmount)
		}
	}

	// Second payment settles the retry invoice exactly.
	err = f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 888, PaymentType: domain.PaymentTypePayment, IsPaid: true,
		CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
		FiatCurrency: "EUR", FiatAmount: dec("10.00"), Address: "bc1-retry",
	})
	require.NoError(t, err)

	stored, _ = f.store.GetOrder(context.Background(), ord.ID)
	assert.Equal(t, domain.OrderPaid, stored.Status)
	assert.Empty(t, f.store.Strikes)
}

func TestSecondUnderpaymentCancelsWithPenalty(t *testing.T) {
	f := newFixture(t)
	user, ord, _ := f.checkoutDigital(t, decimal.Zero, "30.00", 1, ProcessingPayment{
		ID: 777, Address: "bc1-addr", CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0006"),
	})

	f.processor.responses = append(f.processor.responses, ProcessingPayment{
		ID: 888, Address: "bc1-retry", CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
	})
	require.NoError(t, f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 777, PaymentType: domain.PaymentTypePayment, IsPaid: true,
		CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0004"),
		FiatCurrency: "EUR", FiatAmount: dec("20.00"), Address: "bc1-addr",
	}))

	// Second payment is short again: 0.0001 of the required 0.0002.
	require.NoError(t, f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 888, PaymentType: domain.PaymentTypePayment, IsPaid: true,
		CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0001"),
		FiatCurrency: "EUR", FiatAmount: dec("5.00"), Address: "bc1-retry",
	}))

	stored, _ := f.store.GetOrder(context.Background(), ord.ID)
	assert.Equal(t, domain.OrderTimeout, stored.Status)

	// Paid 25.00 in total, 10% underpayment penalty -> 22.50 credited.
	u, _ := f.store.GetUserByID(context.Background(), user.ID)
	assert.True(t, dec("22.50").Equal(u.WalletBalance), "balance %s", u.WalletBalance)

	require.Len(t, f.store.Strikes, 1)
	assert.Equal(t, domain.StrikeTimeout, f.store.Strikes[0].Type)
}

func TestLatePaymentAfterSweepCreditsMinusPenalty(t *testing.T) {
	f := newFixture(t)
	user, ord, _ := f.checkoutDigital(t, decimal.Zero, "10.00", 1, ProcessingPayment{
		ID: 777, Address: "bc1-addr", CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
	})

	// The sweep already flipped the order to TIMEOUT.
	_, err := f.orders.Cancel(context.Background(), ord.ID, domain.CancelByTimeout, true, "")
	require.NoError(t, err)

	require.NoError(t, f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 777, PaymentType: domain.PaymentTypePayment, IsPaid: true,
		CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
		FiatCurrency: "EUR", FiatAmount: dec("10.00"), Address: "bc1-addr",
	}))

	// 10.00 paid late, 10% penalty -> 9.00 credited.
	u, _ := f.store.GetUserByID(context.Background(), user.ID)
	assert.True(t, dec("9.00").Equal(u.WalletBalance), "balance %s", u.WalletBalance)

	stored, _ := f.store.GetOrder(context.Background(), ord.ID)
	assert.Equal(t, domain.OrderTimeout, stored.Status)

	require.Len(t, f.store.Transactions, 1)
	assert.True(t, f.store.Transactions[0].IsLatePayment)
}

func TestDoublePaymentCreditsFullAmount(t *testing.T) {
	f := newFixture(t)
	user, ord, _ := f.checkoutDigital(t, decimal.Zero, "10.00", 1, ProcessingPayment{
		ID: 777, Address: "bc1-addr", CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
	})

	require.NoError(t, f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 777, PaymentType: domain.PaymentTypePayment, IsPaid: true,
		CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
		FiatCurrency: "EUR", FiatAmount: dec("10.00"), Address: "bc1-addr",
	}))
	stored, _ := f.store.GetOrder(context.Background(), ord.ID)
	require.Equal(t, domain.OrderPaid, stored.Status)

	// A second, distinct payment for the settled order: full value to wallet.
	require.NoError(t, f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 777, PaymentType: domain.PaymentTypePayment, IsPaid: true,
		CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0001"),
		FiatCurrency: "EUR", FiatAmount: dec("5.00"), Address: "bc1-addr",
	}))

	u, _ := f.store.GetUserByID(context.Background(), user.ID)
	assert.True(t, dec("5.00").Equal(u.WalletBalance), "balance %s", u.WalletBalance)
}

func TestCurrencyMismatchEscalatesWithoutCredit(t *testing.T) {
	f := newFixture(t)
	user, ord, _ := f.checkoutDigital(t, decimal.Zero, "10.00", 1, ProcessingPayment{
		ID: 777, Address: "bc1-addr", CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
	})

	require.NoError(t, f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 777, PaymentType: domain.PaymentTypePayment, IsPaid: true,
		CryptoCurrency: domain.LTC, CryptoAmount: dec("0.0002"),
		FiatCurrency: "EUR", FiatAmount: dec("10.00"), Address: "ltc-addr",
	}))

	stored, _ := f.store.GetOrder(context.Background(), ord.ID)
	assert.Equal(t, domain.OrderPendingPayment, stored.Status)
	u, _ := f.store.GetUserByID(context.Background(), user.ID)
	assert.True(t, u.WalletBalance.IsZero())
	require.Len(t, f.notifier.adminMessages, 1)
	assert.Contains(t, f.notifier.adminMessages[0], "Currency mismatch")
}

func TestWalletCoversEverything(t *testing.T) {
	f := newFixture(t)
	user := f.store.AddUser(100, dec("33.00"))
	f.store.AddItems(1, 10, 1, dec("10.00"), false, decimal.Zero)

	ord, _, _, err := f.orders.OrchestrateCreation(context.Background(),
		user.ID, []domain.CartLine{{CategoryID: 1, SubcategoryID: 10, Quantity: 1}})
	require.NoError(t, err)

	invoice, needsCrypto, err := f.payments.OrchestrateCheckoutPayment(context.Background(), ord.ID, domain.BTC)
	require.NoError(t, err)

	assert.False(t, needsCrypto)
	assert.Zero(t, invoice.ProcessingID)
	assert.Empty(t, f.processor.requests, "wallet-only invoices make no external call")

	stored, _ := f.store.GetOrder(context.Background(), ord.ID)
	assert.Equal(t, domain.OrderPaid, stored.Status)
	assert.True(t, dec("10.00").Equal(stored.WalletUsed))

	u, _ := f.store.GetUserByID(context.Background(), user.ID)
	assert.True(t, dec("23.00").Equal(u.WalletBalance), "balance %s", u.WalletBalance)
}

func TestCheckoutRequiresCurrencyWhenWalletShort(t *testing.T) {
	f := newFixture(t)
	user := f.store.AddUser(100, decimal.Zero)
	f.store.AddItems(1, 10, 1, dec("10.00"), false, decimal.Zero)

	ord, _, _, err := f.orders.OrchestrateCreation(context.Background(),
		user.ID, []domain.CartLine{{CategoryID: 1, SubcategoryID: 10, Quantity: 1}})
	require.NoError(t, err)

	_, _, err = f.payments.OrchestrateCheckoutPayment(context.Background(), ord.ID, domain.CryptoPendingSelection)
	assert.Error(t, err)
}

func TestDepositConfirmationUnbansUser(t *testing.T) {
	f := newFixture(t)
	user := f.store.AddUser(100, decimal.Zero)
	user.IsBlocked = true
	blockedAt := testStart.Add(-time.Hour)
	user.BlockedAt = &blockedAt
	user.StrikeCount = 3

	require.NoError(t, f.store.CreateTopUpRequest(context.Background(), &domain.TopUpRequest{
		ProcessingID: 999,
		UserID:       user.ID,
		CreatedAt:    testStart,
		ExpiresAt:    testStart.Add(time.Hour),
	}))

	require.NoError(t, f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 999, PaymentType: domain.PaymentTypeDeposit, IsPaid: true,
		CryptoCurrency: domain.BTC, CryptoAmount: dec("0.001"),
		FiatCurrency: "EUR", FiatAmount: dec("50.00"), Address: "bc1-deposit",
	}))

	u, _ := f.store.GetUserByID(context.Background(), user.ID)
	assert.False(t, u.IsBlocked)
	assert.Nil(t, u.BlockedAt)
	assert.Contains(t, u.BlockedReason, "Unbanned via top-up")
	assert.Equal(t, 3, u.StrikeCount, "strikes preserved across unban")
	assert.True(t, dec("50.00").Equal(u.WalletBalance))
	require.Len(t, f.store.Deposits, 1)

	// Replay: the is_paid flag absorbs the duplicate.
	require.NoError(t, f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 999, PaymentType: domain.PaymentTypeDeposit, IsPaid: true,
		CryptoCurrency: domain.BTC, CryptoAmount: dec("0.001"),
		FiatCurrency: "EUR", FiatAmount: dec("50.00"), Address: "bc1-deposit",
	}))
	u, _ = f.store.GetUserByID(context.Background(), user.ID)
	assert.True(t, dec("50.00").Equal(u.WalletBalance))
	assert.Len(t, f.store.Deposits, 1)
}

func TestDepositBelowThresholdKeepsBan(t *testing.T) {
	f := newFixture(t)
	user := f.store.AddUser(100, decimal.Zero)
	user.IsBlocked = true

	require.NoError(t, f.store.CreateTopUpRequest(context.Background(), &domain.TopUpRequest{
		ProcessingID: 999,
		UserID:       user.ID,
		CreatedAt:    testStart,
		ExpiresAt:    testStart.Add(time.Hour),
	}))

	require.NoError(t, f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 999, PaymentType: domain.PaymentTypeDeposit, IsPaid: true,
		CryptoCurrency: domain.BTC, CryptoAmount: dec("0.0002"),
		FiatCurrency: "EUR", FiatAmount: dec("10.00"), Address: "bc1-deposit",
	}))

	u, _ := f.store.GetUserByID(context.Background(), user.ID)
	assert.True(t, u.IsBlocked)
	assert.True(t, dec("10.00").Equal(u.WalletBalance), "deposit still credited")
}

func TestUnpaidDepositNotifiesExpiry(t *testing.T) {
	f := newFixture(t)
	user := f.store.AddUser(100, decimal.Zero)

	require.NoError(t, f.store.CreateTopUpRequest(context.Background(), &domain.TopUpRequest{
		ProcessingID: 999,
		UserID:       user.ID,
		CreatedAt:    testStart,
		ExpiresAt:    testStart.Add(time.Hour),
	}))

	require.NoError(t, f.payments.HandleProcessorEvent(context.Background(), ProcessingPayment{
		ID: 999, PaymentType: domain.PaymentTypeDeposit, IsPaid: false,
		CryptoCurrency: domain.BTC, FiatCurrency: "EUR",
	}))

	u, _ := f.store.GetUserByID(context.Background(), user.ID)
	assert.True(t, u.WalletBalance.IsZero())
	require.Len(t, f.notifier.userMessages, 1)
	assert.Contains(t, f.notifier.userMessages[0], "expired")
}

func TestTopUpThrottle(t *testing.T) {
	f := newFixture(t)
	f.store.AddUser(100, decimal.Zero)

	for i := 0; i < maxPendingTopUps; i++ {
		_, err := f.payments.CreateTopUp(context.Background(), 100, domain.BTC, int64(i))
		require.NoError(t, err)
	}
	_, err := f.payments.CreateTopUp(context.Background(), 100, domain.BTC, 99)
	assert.Error(t, err)
}
