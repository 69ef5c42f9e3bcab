package bdd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/notify"
	"github.com/chatmarket/chatmarket/internal/order"
	"github.com/chatmarket/chatmarket/internal/payment"
	"github.com/chatmarket/chatmarket/internal/sched"
	"github.com/chatmarket/chatmarket/internal/shipping"
	"github.com/chatmarket/chatmarket/internal/storage/storagetest"
	"github.com/chatmarket/chatmarket/internal/strikes"
)

var worldStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// ShopWorld carries the per-scenario state: in-memory store, fake clock,
// scripted processor, and the wired services under test.
type ShopWorld struct {
	store     *storagetest.MemStore
	clock     clockwork.FakeClock
	notifier  *memoryNotifier
	processor *scriptedProcessor
	orders    *order.Service
	payments  *payment.Service
	sweeper   *sched.TimeoutJob

	users       map[string]*domain.User
	userNames   map[int64]string
	lastOrderID string
	nextExtID   int64
}

type memoryNotifier struct {
	userMessages  []string
	adminMessages []string
}

func (m *memoryNotifier) NotifyUser(_ context.Context, _ int64, message string) error {
	m.userMessages = append(m.userMessages, message)
	return nil
}

func (m *memoryNotifier) NotifyAdmins(_ context.Context, message string) error {
	m.adminMessages = append(m.adminMessages, message)
	return nil
}

var _ notify.Port = (*memoryNotifier)(nil)

// scriptedProcessor replays queued quotes in order.
type scriptedProcessor struct {
	queue []payment.ProcessingPayment
}

func (s *scriptedProcessor) CreatePayment(_ context.Context, req payment.ProcessingPayment) (*payment.ProcessingPayment, error) {
	if len(s.queue) == 0 {
		return nil, fmt.Errorf("no scripted processor response left for %s", req.PaymentType)
	}
	resp := s.queue[0]
	s.queue = s.queue[1:]
	return &resp, nil
}

func newShopWorld() *ShopWorld {
	w := &ShopWorld{}
	w.reset()
	return w
}

func (w *ShopWorld) reset() {
	w.store = storagetest.New()
	w.clock = clockwork.NewFakeClockAt(worldStart)
	w.notifier = &memoryNotifier{}
	w.processor = &scriptedProcessor{}
	w.users = map[string]*domain.User{}
	w.userNames = map[int64]string{}
	w.lastOrderID = ""
	w.nextExtID = 100

	enforcer := strikes.NewEnforcer(strikes.Config{
		MaxStrikesBeforeBan: 3,
		ExemptAdminsFromBan: true,
		UnbanTopUpAmount:    decimal.NewFromInt(50),
	}, w.notifier, func(int64) bool { return false })

	cipher := shipping.NewCipher(strings.Repeat("s", 32), "")
	w.orders = order.NewService(w.store, w.clock, order.Config{
		TimeoutMinutes:     60,
		GracePeriodMinutes: 5,
		LatePenaltyPercent: decimal.NewFromInt(10),
		Currency:           "EUR",
	}, enforcer, w.notifier, cipher, nil)

	w.payments = payment.NewService(w.store, w.clock, payment.Config{
		ToleranceOverpaymentPercent:     decimal.NewFromInt(5),
		UnderpaymentRetryEnabled:        true,
		UnderpaymentRetryTimeoutMinutes: 30,
		UnderpaymentPenaltyPercent:      decimal.NewFromInt(10),
		LatePenaltyPercent:              decimal.NewFromInt(10),
		Currency:                        "EUR",
	}, w.processor, w.orders, enforcer, w.notifier, nil)

	w.sweeper = sched.NewTimeoutJob(w.store, w.orders, w.clock, time.Minute)
}

func (w *ShopWorld) user(name string) (*domain.User, error) {
	u, ok := w.users[name]
	if !ok {
		return nil, fmt.Errorf("unknown user %q", name)
	}
	return u, nil
}
