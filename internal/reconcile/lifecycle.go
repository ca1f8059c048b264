package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/marketplace/internal/metrics"
	"github.com/iurnickita/marketplace/internal/model"
	"github.com/iurnickita/marketplace/internal/notify"
	"github.com/iurnickita/marketplace/internal/store"
)

// ExpireOrders отменяет неоплаченные заказы с истекшим окном оплаты и снимает резерв.
// Заказы с чеком на рассмотрении не истекают. Опоздавший callback после отмены
// встретит платеж в состоянии failed и будет отмечен как аномалия.
func (e *engine) ExpireOrders(ctx context.Context, now time.Time) (int, error) {
	orders, err := e.store.OrderListAwaitingPayment(ctx, now)
	if err != nil {
		return 0, err
	}

	var errs []error
	expired := 0
	for _, candidate := range orders {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		var order model.Order
		applied := false
		err := e.store.Tx(ctx, func(tx store.Tx) error {
			applied = false

			var err error
			order, err = tx.OrderLock(ctx, candidate.ID)
			if err != nil {
				return err
			}
			// заказ мог измениться после выборки
			if order.Data.ExpiresAt.After(now) {
				return nil
			}
			if err = order.Data.Apply(model.TransitionExpired); err != nil {
				return nil
			}
			if err = e.closePendingPayment(ctx, tx, order); err != nil {
				return err
			}
			if err = e.stock.Release(ctx, tx, order.Data.ProductID, order.Data.Quantity); err != nil {
				return err
			}
			order.Data.UpdatedAt = now
			if err = tx.OrderPut(ctx, order); err != nil {
				return err
			}
			applied = true
			return tx.HistoryAppend(ctx, historyEntry(order, "payment window expired", model.ActorSystem, now))
		})
		if err != nil {
			e.zaplog.Error("order expiry failed", zap.String("order", candidate.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("expire order %s: %w", candidate.ID, err))
			continue
		}
		if !applied {
			continue
		}

		expired++
		metrics.RecordOrderExpired()
		e.zaplog.Info("order expired", zap.String("order", order.ID))
		e.notifier.Notify(notify.OrderExpired(order)...)
	}
	return expired, errors.Join(errs...)
}

// Cancel отмена неоплаченного заказа покупателем или продавцом
func (e *engine) Cancel(ctx context.Context, orderID string, actor string, reason string) (model.Order, error) {
	order, err := e.mutate(ctx, orderID, func(tx store.Tx, order *model.Order, now time.Time) (string, error) {
		if err := order.Data.Apply(model.TransitionCancelled); err != nil {
			return "", ErrNotAwaitingPayment
		}
		if err := e.closePendingPayment(ctx, tx, *order); err != nil {
			return "", err
		}
		if err := e.stock.Release(ctx, tx, order.Data.ProductID, order.Data.Quantity); err != nil {
			return "", err
		}
		return describe("order cancelled", reason), nil
	}, actor)
	if err != nil {
		return model.Order{}, err
	}

	e.zaplog.Info("order cancelled", zap.String("order", order.ID), zap.String("by", actor))
	e.notifier.Notify(notify.OrderCancelled(order, e.sellerEmail(ctx, order.Data.SellerID))...)
	return order, nil
}

// Refund возврат денег по оплаченному, еще не отправленному заказу.
// Списанный товар возвращается на склад.
func (e *engine) Refund(ctx context.Context, orderID string, actor string, reason string) (model.Order, error) {
	order, err := e.mutate(ctx, orderID, func(tx store.Tx, order *model.Order, now time.Time) (string, error) {
		if err := order.Data.Apply(model.TransitionRefunded); err != nil {
			return "", ErrNotRefundable
		}
		if err := e.stock.Restock(ctx, tx, order.Data.ProductID, order.Data.Quantity); err != nil {
			return "", err
		}
		return describe("payment refunded", reason), nil
	}, actor)
	if err != nil {
		return model.Order{}, err
	}

	e.zaplog.Info("order refunded", zap.String("order", order.ID), zap.String("by", actor))
	e.notifier.Notify(notify.OrderRefunded(order, e.sellerEmail(ctx, order.Data.SellerID))...)
	return order, nil
}

// Advance движение заказа по доставке (продавец)
func (e *engine) Advance(ctx context.Context, orderID string, transition model.Transition, actor string, description string) (model.Order, error) {
	order, err := e.mutate(ctx, orderID, func(_ store.Tx, order *model.Order, _ time.Time) (string, error) {
		if err := order.Data.Apply(transition); err != nil {
			return "", err
		}
		return describe("order "+string(order.Data.Status), description), nil
	}, actor)
	if err != nil {
		return model.Order{}, err
	}

	e.zaplog.Info("order advanced",
		zap.String("order", order.ID),
		zap.String("status", string(order.Data.Status)),
		zap.String("by", actor))
	e.notifier.Notify(notify.ShippingUpdated(order, description)...)
	return order, nil
}

// mutate блокирует заказ, применяет fn, сохраняет заказ и добавляет запись в историю
func (e *engine) mutate(ctx context.Context, orderID string,
	fn func(tx store.Tx, order *model.Order, now time.Time) (string, error), actor string) (model.Order, error) {
	var order model.Order
	err := e.store.Tx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.OrderLock(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		now := e.now()
		description, err := fn(tx, &order, now)
		if err != nil {
			return err
		}
		order.Data.UpdatedAt = now
		if err = tx.OrderPut(ctx, order); err != nil {
			return err
		}
		return tx.HistoryAppend(ctx, historyEntry(order, description, actor, now))
	})
	return order, err
}

// closePendingPayment переводит незавершенный платеж заказа в failed
func (e *engine) closePendingPayment(ctx context.Context, tx store.Tx, order model.Order) error {
	if order.Data.PaymentID == "" {
		return nil
	}
	payment, err := tx.PaymentLock(ctx, order.Data.PaymentID)
	if err != nil {
		return err
	}
	if payment.Data.Status != model.PaymentStatePending {
		return nil
	}
	payment.Data.Status = model.PaymentStateFailed
	return tx.PaymentPut(ctx, payment)
}

func describe(event string, details string) string {
	if details == "" {
		return event
	}
	return event + ": " + details
}
