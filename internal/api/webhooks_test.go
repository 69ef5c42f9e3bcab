package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/order"
	"github.com/chatmarket/chatmarket/internal/payment"
	"github.com/chatmarket/chatmarket/internal/shipping"
	"github.com/chatmarket/chatmarket/internal/storage/storagetest"
	"github.com/chatmarket/chatmarket/internal/strikes"
)

const (
	chatSecret      = "chat-secret-value-0123456789abcdef"
	processorSecret = "processor-secret-value-0123456789ab"
)

type stubRouter struct {
	dispatched [][]byte
	fail       error
}

func (s *stubRouter) Dispatch(_ context.Context, update []byte) error {
	s.dispatched = append(s.dispatched, update)
	return s.fail
}

type nopNotifier struct {
	adminMessages []string
}

func (n *nopNotifier) NotifyUser(context.Context, int64, string) error { return nil }
func (n *nopNotifier) NotifyAdmins(_ context.Context, message string) error {
	n.adminMessages = append(n.adminMessages, message)
	return nil
}

func newPaymentService(store *storagetest.MemStore, notifier *nopNotifier) *payment.Service {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	enforcer := strikes.NewEnforcer(strikes.Config{
		MaxStrikesBeforeBan: 3,
		UnbanTopUpAmount:    decimal.NewFromInt(50),
	}, notifier, func(int64) bool { return false })
	cipher := shipping.NewCipher(strings.Repeat("s", 32), "")
	orders := order.NewService(store, clock, order.Config{
		TimeoutMinutes:     60,
		GracePeriodMinutes: 5,
		LatePenaltyPercent: decimal.NewFromInt(10),
		Currency:           "EUR",
	}, enforcer, notifier, cipher, nil)
	return payment.NewService(store, clock, payment.Config{
		ToleranceOverpaymentPercent: decimal.NewFromInt(5),
		UnderpaymentRetryEnabled:    true,
		Currency:                    "EUR",
	}, nil, orders, enforcer, notifier, nil)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	stripped := strings.NewReplacer(" ", "", "\n", "", "\t", "", "\r", "").Replace(string(body))
	mac.Write([]byte(stripped))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestChatWebhookRejectsBadSecret(t *testing.T) {
	router := &stubRouter{}
	handler := ChatWebhookHandler(chatSecret, router, &nopNotifier{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	req.Header.Set(ChatSecretHeader, "wrong")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, router.dispatched)
}

func TestChatWebhookDispatchesValidUpdate(t *testing.T) {
	router := &stubRouter{}
	handler := ChatWebhookHandler(chatSecret, router, &nopNotifier{})

	body := `{"message":{"from":{"id":42}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(ChatSecretHeader, chatSecret)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Len(t, router.dispatched, 1)
	assert.JSONEq(t, body, string(router.dispatched[0]))
}

func TestChatWebhookHandlerErrorReturns500AndAlertsAdmins(t *testing.T) {
	router := &stubRouter{fail: assert.AnError}
	notifier := &nopNotifier{}
	handler := ChatWebhookHandler(chatSecret, router, notifier)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	req.Header.Set(ChatSecretHeader, chatSecret)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"status":"error"}`, rec.Body.String())
	assert.NotEmpty(t, notifier.adminMessages)
}

func TestProcessorWebhookRejectsMissingSignature(t *testing.T) {
	store := storagetest.New()
	handler := ProcessorWebhookHandler(processorSecret, newPaymentService(store, &nopNotifier{}), &nopNotifier{})

	req := httptest.NewRequest(http.MethodPost, "/webhook/cryptoprocessing/event", strings.NewReader(`{"id":1}`))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProcessorWebhookRejectsBadSignature(t *testing.T) {
	store := storagetest.New()
	handler := ProcessorWebhookHandler(processorSecret, newPaymentService(store, &nopNotifier{}), &nopNotifier{})

	req := httptest.NewRequest(http.MethodPost, "/webhook/cryptoprocessing/event", strings.NewReader(`{"id":1}`))
	req.Header.Set(SignatureHeader, strings.Repeat("ab", 64))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProcessorWebhookSignatureIgnoresWhitespace(t *testing.T) {
	store := storagetest.New()
	notifier := &nopNotifier{}
	store.AddUser(100, decimal.Zero)
	svc := newPaymentService(store, notifier)

	user, err := store.GetUserByExternalID(context.Background(), 100)
	require.NoError(t, err)
	require.NoError(t, store.CreateTopUpRequest(context.Background(), &domain.TopUpRequest{
		ProcessingID: 999,
		UserID:       user.ID,
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	handler := ProcessorWebhookHandler(processorSecret, svc, notifier)

	// The signature covers the whitespace-stripped body; the wire body keeps
	// its pretty-printing.
	body := "{\n  \"id\": 999,\n  \"paymentType\": \"DEPOSIT\",\n  \"isPaid\": true,\n" +
		"  \"cryptoCurrency\": \"BTC\",\n  \"cryptoAmount\": 0.001,\n" +
		"  \"fiatCurrency\": \"EUR\",\n  \"fiatAmount\": 50.00,\n  \"address\": \"bc1\"\n}"
	req := httptest.NewRequest(http.MethodPost, "/webhook/cryptoprocessing/event", strings.NewReader(body))
	req.Header.Set(SignatureHeader, sign(processorSecret, []byte(body)))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"200"`, rec.Body.String())

	u, _ := store.GetUserByID(context.Background(), user.ID)
	assert.True(t, decimal.NewFromInt(50).Equal(u.WalletBalance), "balance %s", u.WalletBalance)
}

func TestProcessorWebhookReturns200OnHandlerFailure(t *testing.T) {
	store := storagetest.New()
	notifier := &nopNotifier{}
	handler := ProcessorWebhookHandler(processorSecret, newPaymentService(store, notifier), notifier)

	// Unknown processing id: downstream fails, the processor still sees 200
	// so it does not retry into double-processing.
	body := `{"id":424242,"paymentType":"DEPOSIT","isPaid":true,"cryptoCurrency":"BTC","cryptoAmount":0.001,"fiatCurrency":"EUR","fiatAmount":50.00,"address":"bc1"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/cryptoprocessing/event", strings.NewReader(body))
	req.Header.Set(SignatureHeader, sign(processorSecret, []byte(body)))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"200"`, rec.Body.String())
	assert.NotEmpty(t, notifier.adminMessages)
}
