// Package scheduler периодические задачи: напоминания продавцам о непроверенных чеках
// и отмена заказов с истекшим окном оплаты.
package scheduler

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/marketplace/internal/metrics"
	"github.com/iurnickita/marketplace/internal/model"
	"github.com/iurnickita/marketplace/internal/notify"
	"github.com/iurnickita/marketplace/internal/reconcile"
	"github.com/iurnickita/marketplace/internal/store"
)

const (
	defaultReminderInterval = 15 * time.Second
	defaultExpiryInterval   = time.Minute
)

// Reminder напоминает продавцу о чеках на рассмотрении не чаще его настройки.
// Отметка последнего напоминания хранится в базе, поэтому рестарт и несколько
// экземпляров сервиса не приводят к лишним письмам.
type Reminder struct {
	store     store.Store
	notifier  notify.Notifier
	dashboard notify.Link
	zaplog    *zap.Logger
}

func NewReminder(store store.Store, notifier notify.Notifier, dashboard notify.Link, zaplog *zap.Logger) *Reminder {
	return &Reminder{
		store:     store,
		notifier:  notifier,
		dashboard: dashboard,
		zaplog:    zaplog,
	}
}

// Sweep один проход: возвращает число отправленных напоминаний
func (r *Reminder) Sweep(ctx context.Context, now time.Time) (int, error) {
	receipts, err := r.store.ReceiptListPending(ctx, "")
	if err != nil {
		return 0, err
	}

	pending := make(map[string]int)
	for _, receipt := range receipts {
		if !r.awaitingDecision(ctx, receipt) {
			continue
		}
		pending[receipt.Data.SellerID]++
	}
	sellers := make([]string, 0, len(pending))
	for sellerID := range pending {
		sellers = append(sellers, sellerID)
	}
	sort.Strings(sellers)

	sent := 0
	for _, sellerID := range sellers {
		seller, err := r.store.SellerGet(ctx, sellerID)
		if err != nil {
			r.zaplog.Warn("reminder skipped", zap.String("seller", sellerID), zap.Error(err))
			continue
		}
		interval, ok := seller.Data.ReminderCadence.Interval()
		if !ok {
			continue
		}
		claimed, err := r.store.ReminderClaim(ctx, sellerID, now, interval)
		if err != nil {
			return sent, err
		}
		if !claimed {
			continue
		}

		r.notifier.Notify(notify.ReviewReminder(seller.Data.Email, pending[sellerID], r.dashboard)...)
		metrics.RecordReminderSent()
		r.zaplog.Info("review reminder sent",
			zap.String("seller", sellerID),
			zap.Int("pending", pending[sellerID]))
		sent++
	}
	return sent, nil
}

// awaitingDecision чек по заказу, который уже оплачен или закрыт, решения не ждет
func (r *Reminder) awaitingDecision(ctx context.Context, receipt model.Receipt) bool {
	if receipt.Data.OrderID == "" {
		return true
	}
	order, err := r.store.OrderGet(ctx, receipt.Data.OrderID)
	if err != nil {
		r.zaplog.Warn("receipt order not found", zap.String("receipt", receipt.ID), zap.Error(err))
		return true
	}
	return order.Data.AwaitingPayment()
}

// Run повторяет Sweep до закрытия ctx
func (r *Reminder) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultReminderInterval
	}
	return tick(ctx, interval, func(now time.Time) {
		if _, err := r.Sweep(ctx, now); err != nil {
			r.zaplog.Error("reminder sweep failed", zap.Error(err))
		}
	})
}

// Expiry отменяет заказы, не оплаченные за окно оплаты
type Expiry struct {
	engine reconcile.Engine
	zaplog *zap.Logger
}

func NewExpiry(engine reconcile.Engine, zaplog *zap.Logger) *Expiry {
	return &Expiry{engine: engine, zaplog: zaplog}
}

func (e *Expiry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultExpiryInterval
	}
	return tick(ctx, interval, func(now time.Time) {
		n, err := e.engine.ExpireOrders(ctx, now)
		if err != nil {
			e.zaplog.Error("order expiry sweep failed", zap.Error(err))
		}
		if n > 0 {
			e.zaplog.Info("orders expired", zap.Int("count", n))
		}
	})
}

func tick(ctx context.Context, interval time.Duration, fn func(now time.Time)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(time.Now().UTC())
		}
	}
}
