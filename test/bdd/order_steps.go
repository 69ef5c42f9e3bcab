package bdd

import (
	"context"
	"fmt"
	"time"

	"github.com/cucumber/godog"
	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/payment"
)

func (w *ShopWorld) registerSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a clean shop$`, w.aCleanShop)
	sc.Step(`^a user "([^"]+)" with wallet balance "([^"]+)"$`, w.aUserWithBalance)
	sc.Step(`^(\d+) digital items in subcategory (\d+) priced "([^"]+)"$`, w.digitalItems)
	sc.Step(`^"([^"]+)" already has (\d+) strikes$`, w.userHasStrikes)
	sc.Step(`^"([^"]+)" is already blocked$`, w.userIsAlreadyBlocked)
	sc.Step(`^"([^"]+)" is blocked$`, w.userIsBlockedCheck)
	sc.Step(`^"([^"]+)" has a pending top-up with processing id (\d+)$`, w.userHasPendingTopUp)
	sc.Step(`^"([^"]+)" checks out (\d+) units of subcategory (\d+)$`, w.userChecksOut)
	sc.Step(`^"([^"]+)" selects BTC and the processor quotes "([^"]+)" BTC at id (\d+)$`, w.userSelectsBTC)
	sc.Step(`^the processor will quote "([^"]+)" BTC at id (\d+) for the next invoice$`, w.processorWillQuote)
	sc.Step(`^a confirmed payment of "([^"]+)" BTC worth "([^"]+)" EUR arrives for id (\d+)$`, w.confirmedPaymentArrives)
	sc.Step(`^a confirmed deposit of "([^"]+)" EUR arrives for id (\d+)$`, w.confirmedDepositArrives)
	sc.Step(`^(\d+) minutes pass$`, w.minutesPass)
	sc.Step(`^the timeout sweep runs$`, w.timeoutSweepRuns)
	sc.Step(`^the order status is "([^"]+)"$`, w.orderStatusIs)
	sc.Step(`^the order retry count is (\d+)$`, w.orderRetryCountIs)
	sc.Step(`^the order items are sold$`, w.orderItemsAreSold)
	sc.Step(`^the reserved items are released$`, w.reservedItemsAreReleased)
	sc.Step(`^"([^"]+)" has wallet balance "([^"]+)"$`, w.userHasWalletBalance)
	sc.Step(`^"([^"]+)" has (\d+) strikes$`, w.userStrikeCountIs)
	sc.Step(`^"([^"]+)" is not blocked$`, w.userIsNotBlocked)
	sc.Step(`^(\d+) payment transactions were recorded$`, w.paymentTransactionCountIs)
}

func (w *ShopWorld) aCleanShop() error {
	w.reset()
	return nil
}

func (w *ShopWorld) aUserWithBalance(name, balance string) error {
	amount, err := decimal.NewFromString(balance)
	if err != nil {
		return err
	}
	w.nextExtID++
	u := w.store.AddUser(w.nextExtID, amount)
	w.users[name] = u
	w.userNames[u.ID] = name
	return nil
}

func (w *ShopWorld) digitalItems(count, subcategoryID int, price string) error {
	amount, err := decimal.NewFromString(price)
	if err != nil {
		return err
	}
	w.store.AddItems(1, int64(subcategoryID), count, amount, false, decimal.Zero)
	return nil
}

func (w *ShopWorld) userHasStrikes(name string, count int) error {
	u, err := w.user(name)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if err := w.store.CreateStrike(context.Background(), &domain.Strike{
			UserID:    u.ID,
			OrderID:   fmt.Sprintf("seed-%d", i),
			Type:      domain.StrikeTimeout,
			CreatedAt: worldStart.Add(-time.Duration(i+1) * time.Hour),
		}); err != nil {
			return err
		}
	}
	u.StrikeCount = count
	return w.store.UpdateUser(context.Background(), u)
}

func (w *ShopWorld) userIsAlreadyBlocked(name string) error {
	u, err := w.user(name)
	if err != nil {
		return err
	}
	blockedAt := worldStart.Add(-time.Hour)
	u.IsBlocked = true
	u.BlockedAt = &blockedAt
	u.BlockedReason = "Automatic ban: 3 strikes"
	return w.store.UpdateUser(context.Background(), u)
}

func (w *ShopWorld) userHasPendingTopUp(name string, processingID int) error {
	u, err := w.user(name)
	if err != nil {
		return err
	}
	return w.store.CreateTopUpRequest(context.Background(), &domain.TopUpRequest{
		ProcessingID: int64(processingID),
		UserID:       u.ID,
		CreatedAt:    w.clock.Now(),
		ExpiresAt:    w.clock.Now().Add(time.Hour),
	})
}

func (w *ShopWorld) userChecksOut(name string, quantity, subcategoryID int) error {
	u, err := w.user(name)
	if err != nil {
		return err
	}
	ord, _, _, err := w.orders.OrchestrateCreation(context.Background(), u.ID, []domain.CartLine{
		{CategoryID: 1, SubcategoryID: int64(subcategoryID), Quantity: quantity},
	})
	if err != nil {
		return err
	}
	w.lastOrderID = ord.ID
	return nil
}

func (w *ShopWorld) userSelectsBTC(name, cryptoAmount string, processingID int) error {
	if _, err := w.user(name); err != nil {
		return err
	}
	amount, err := decimal.NewFromString(cryptoAmount)
	if err != nil {
		return err
	}
	w.processor.queue = append(w.processor.queue, payment.ProcessingPayment{
		ID:             int64(processingID),
		PaymentType:    domain.PaymentTypePayment,
		CryptoCurrency: domain.BTC,
		CryptoAmount:   amount,
		Address:        fmt.Sprintf("bc1-%d", processingID),
	})
	_, _, err = w.payments.OrchestrateCheckoutPayment(context.Background(), w.lastOrderID, domain.BTC)
	return err
}

func (w *ShopWorld) processorWillQuote(cryptoAmount string, processingID int) error {
	amount, err := decimal.NewFromString(cryptoAmount)
	if err != nil {
		return err
	}
	w.processor.queue = append(w.processor.queue, payment.ProcessingPayment{
		ID:             int64(processingID),
		PaymentType:    domain.PaymentTypePayment,
		CryptoCurrency: domain.BTC,
		CryptoAmount:   amount,
		Address:        fmt.Sprintf("bc1-%d", processingID),
	})
	return nil
}

func (w *ShopWorld) confirmedPaymentArrives(cryptoAmount, fiatAmount string, processingID int) error {
	crypto, err := decimal.NewFromString(cryptoAmount)
	if err != nil {
		return err
	}
	fiat, err := decimal.NewFromString(fiatAmount)
	if err != nil {
		return err
	}
	return w.payments.HandleProcessorEvent(context.Background(), payment.ProcessingPayment{
		ID:             int64(processingID),
		PaymentType:    domain.PaymentTypePayment,
		IsPaid:         true,
		CryptoCurrency: domain.BTC,
		CryptoAmount:   crypto,
		FiatCurrency:   "EUR",
		FiatAmount:     fiat,
		Address:        fmt.Sprintf("bc1-%d", processingID),
	})
}

func (w *ShopWorld) confirmedDepositArrives(fiatAmount string, processingID int) error {
	fiat, err := decimal.NewFromString(fiatAmount)
	if err != nil {
		return err
	}
	return w.payments.HandleProcessorEvent(context.Background(), payment.ProcessingPayment{
		ID:             int64(processingID),
		PaymentType:    domain.PaymentTypeDeposit,
		IsPaid:         true,
		CryptoCurrency: domain.BTC,
		CryptoAmount:   decimal.RequireFromString("0.001"),
		FiatCurrency:   "EUR",
		FiatAmount:     fiat,
		Address:        "bc1-deposit",
	})
}

func (w *ShopWorld) minutesPass(minutes int) error {
	w.clock.Advance(time.Duration(minutes) * time.Minute)
	return nil
}

func (w *ShopWorld) timeoutSweepRuns() error {
	w.sweeper.Sweep(context.Background())
	return nil
}

func (w *ShopWorld) orderStatusIs(expected string) error {
	ord, err := w.store.GetOrder(context.Background(), w.lastOrderID)
	if err != nil {
		return err
	}
	if string(ord.Status) != expected {
		return fmt.Errorf("order %s has status %s, expected %s", ord.ID, ord.Status, expected)
	}
	return nil
}

func (w *ShopWorld) orderRetryCountIs(expected int) error {
	ord, err := w.store.GetOrder(context.Background(), w.lastOrderID)
	if err != nil {
		return err
	}
	if ord.RetryCount != expected {
		return fmt.Errorf("order %s has retry count %d, expected %d", ord.ID, ord.RetryCount, expected)
	}
	return nil
}

func (w *ShopWorld) orderItemsAreSold() error {
	items, err := w.store.ItemsByOrder(context.Background(), w.lastOrderID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("order %s has no items", w.lastOrderID)
	}
	for _, it := range items {
		if !it.IsSold {
			return fmt.Errorf("item %d of order %s is not sold", it.ID, w.lastOrderID)
		}
	}
	return nil
}

func (w *ShopWorld) reservedItemsAreReleased() error {
	items, err := w.store.ItemsByOrder(context.Background(), w.lastOrderID)
	if err != nil {
		return err
	}
	if len(items) != 0 {
		return fmt.Errorf("order %s still holds %d items", w.lastOrderID, len(items))
	}
	return nil
}

func (w *ShopWorld) userHasWalletBalance(name, expected string) error {
	u, err := w.user(name)
	if err != nil {
		return err
	}
	stored, err := w.store.GetUserByID(context.Background(), u.ID)
	if err != nil {
		return err
	}
	want, err := decimal.NewFromString(expected)
	if err != nil {
		return err
	}
	if !stored.WalletBalance.Equal(want) {
		return fmt.Errorf("user %s has balance %s, expected %s", name, stored.WalletBalance, want)
	}
	return nil
}

func (w *ShopWorld) userStrikeCountIs(name string, expected int) error {
	u, err := w.user(name)
	if err != nil {
		return err
	}
	count, err := w.store.CountStrikes(context.Background(), u.ID)
	if err != nil {
		return err
	}
	if count != expected {
		return fmt.Errorf("user %s has %d strikes, expected %d", name, count, expected)
	}
	return nil
}

func (w *ShopWorld) userIsBlockedCheck(name string) error {
	u, err := w.user(name)
	if err != nil {
		return err
	}
	stored, err := w.store.GetUserByID(context.Background(), u.ID)
	if err != nil {
		return err
	}
	if !stored.IsBlocked {
		return fmt.Errorf("user %s is not blocked", name)
	}
	return nil
}

func (w *ShopWorld) userIsNotBlocked(name string) error {
	u, err := w.user(name)
	if err != nil {
		return err
	}
	stored, err := w.store.GetUserByID(context.Background(), u.ID)
	if err != nil {
		return err
	}
	if stored.IsBlocked {
		return fmt.Errorf("user %s is still blocked", name)
	}
	return nil
}

func (w *ShopWorld) paymentTransactionCountIs(expected int) error {
	if len(w.store.Transactions) != expected {
		return fmt.Errorf("%d payment transactions recorded, expected %d", len(w.store.Transactions), expected)
	}
	return nil
}
