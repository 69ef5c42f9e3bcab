// Package sched runs the payment-timeout background job: a time-based poll
// that expires orders past their deadline, including underpayment-partial
// orders past their retry deadline.
package sched

import (
	"context"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/order"
	"github.com/chatmarket/chatmarket/internal/storage"
)

type TimeoutJob struct {
	store    storage.Store
	orders   *order.Service
	clock    clockwork.Clock
	interval time.Duration
}

func NewTimeoutJob(store storage.Store, orders *order.Service, clock clockwork.Clock, interval time.Duration) *TimeoutJob {
	if interval <= 0 {
		interval = time.Minute
	}
	return &TimeoutJob{store: store, orders: orders, clock: clock, interval: interval}
}

// Run loops until the context is cancelled, sweeping once per interval.
func (j *TimeoutJob) Run(ctx context.Context) {
	log.Printf("[Scheduler] Payment-timeout job started (interval %s)", j.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scheduler] Payment-timeout job stopped")
			return
		case <-j.clock.After(j.interval):
			j.Sweep(ctx)
		}
	}
}

// Sweep cancels every expired order as TIMEOUT. Individual failures are
// logged and do not abort the pass.
func (j *TimeoutJob) Sweep(ctx context.Context) {
	now := j.clock.Now().UTC()
	expired, err := j.store.ExpiredOrders(ctx, now)
	if err != nil {
		log.Printf("[Scheduler] Failed to query expired orders: %v", err)
		return
	}
	if len(expired) == 0 {
		return
	}
	log.Printf("[Scheduler] Found %d expired orders", len(expired))
	for _, ord := range expired {
		if _, err := j.orders.Cancel(ctx, ord.ID, domain.CancelByTimeout, true, ""); err != nil {
			log.Printf("[Scheduler] Failed to cancel expired order %s: %v", ord.ID, err)
		}
	}
}
