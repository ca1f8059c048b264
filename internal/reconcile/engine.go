// Package reconcile применяет события об оплате и решения по чекам к заказам.
//
// Каждое изменение выполняется одной транзакцией хранилища под блокировкой строк
// (чек -> заказ -> платеж -> товар). Письма отправляются только после фиксации
// транзакции и никогда не откатывают изменение состояния.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/marketplace/internal/dedupe"
	"github.com/iurnickita/marketplace/internal/gateway"
	"github.com/iurnickita/marketplace/internal/metrics"
	"github.com/iurnickita/marketplace/internal/model"
	"github.com/iurnickita/marketplace/internal/notify"
	"github.com/iurnickita/marketplace/internal/stock"
	"github.com/iurnickita/marketplace/internal/store"
)

type Engine interface {
	ApplyPaymentEvent(ctx context.Context, provider string, event gateway.PaymentEvent) (Outcome, error)
	ApplyReceiptDecision(ctx context.Context, decision Decision) (Outcome, error)
	ExpireOrders(ctx context.Context, now time.Time) (int, error)
	Cancel(ctx context.Context, orderID string, actor string, reason string) (model.Order, error)
	Refund(ctx context.Context, orderID string, actor string, reason string) (model.Order, error)
	Advance(ctx context.Context, orderID string, transition model.Transition, actor string, description string) (model.Order, error)
}

type Result string

const (
	// состояние изменено
	ResultApplied Result = "applied"
	// то же событие уже применено
	ResultDuplicate Result = "duplicate"
	// противоречит примененному событию, отмечено для ручного разбора
	ResultFlagged Result = "flagged"
	// чек рассмотрен, но заказ уже не ждет оплату
	ResultNotApplied Result = "not_applied"
)

type Outcome struct {
	Result        Result
	OrderID       string
	ReceiptStatus model.ReceiptStatus
}

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyReviewed    = errors.New("receipt already reviewed")
	ErrInvalidDecision    = errors.New("invalid receipt decision")
	ErrNotAwaitingPayment = errors.New("order is not awaiting payment")
	ErrNotRefundable      = errors.New("order can not be refunded")
)

type engine struct {
	store         store.Store
	stock         stock.Stock
	notifier      notify.Notifier
	dedupe        dedupe.Cache
	operatorEmail string
	zaplog        *zap.Logger
	now           func() time.Time
}

type Option func(*engine)

// WithClock подменяет часы (тесты)
func WithClock(now func() time.Time) Option {
	return func(e *engine) { e.now = now }
}

func WithDedupe(cache dedupe.Cache) Option {
	return func(e *engine) { e.dedupe = cache }
}

func NewEngine(st store.Store, sk stock.Stock, notifier notify.Notifier, operatorEmail string, zaplog *zap.Logger, opts ...Option) Engine {
	e := &engine{
		store:         st,
		stock:         sk,
		notifier:      notifier,
		dedupe:        dedupe.NewNoop(),
		operatorEmail: operatorEmail,
		zaplog:        zaplog,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *engine) ApplyPaymentEvent(ctx context.Context, provider string, event gateway.PaymentEvent) (Outcome, error) {
	key := dedupeKey(provider, event)
	if e.dedupe.Seen(ctx, key) {
		metrics.RecordPaymentEvent(provider, string(ResultDuplicate))
		return Outcome{Result: ResultDuplicate}, nil
	}

	found, err := e.findPayment(ctx, provider, event)
	if err != nil {
		return Outcome{}, err
	}

	incoming := model.PaymentStateFailed
	if event.Outcome == gateway.OutcomePaid {
		incoming = model.PaymentStateCompleted
	}

	var out Outcome
	var order model.Order
	var anomaly string
	var orderFailed bool
	err = e.store.Tx(ctx, func(tx store.Tx) error {
		out, anomaly, orderFailed = Outcome{}, "", false

		var err error
		order, err = tx.OrderLock(ctx, found.Data.OrderID)
		if err != nil {
			return err
		}
		payment, err := tx.PaymentLock(ctx, found.ID)
		if err != nil {
			return err
		}
		out.OrderID = order.ID
		now := e.now()

		// Идемпотентность: платеж уже в конечном состоянии
		if payment.Data.Status.Terminal() {
			if payment.Data.Status == incoming {
				out.Result = ResultDuplicate
				return nil
			}
			out.Result = ResultFlagged
			anomaly, err = e.flag(ctx, tx, &order, fmt.Sprintf("%s reported %s for payment %s already %s",
				provider, event.Outcome, payment.Data.Reference, payment.Data.Status), now)
			return err
		}

		if incoming == model.PaymentStateCompleted {
			if event.Amount.IsPositive() && event.Amount.LessThan(payment.Data.Amount) {
				out.Result = ResultFlagged
				anomaly, err = e.flag(ctx, tx, &order, fmt.Sprintf("%s reported payment %s of %s, expected %s",
					provider, payment.Data.Reference, event.Amount.StringFixed(2), payment.Data.Amount.StringFixed(2)), now)
				return err
			}
			if err = order.Data.Apply(model.TransitionPaid); err != nil {
				out.Result = ResultFlagged
				anomaly, err = e.flag(ctx, tx, &order, fmt.Sprintf("%s reported payment %s for order in status %s",
					provider, payment.Data.Reference, order.Data.Status), now)
				return err
			}
			if err = e.stock.Commit(ctx, tx, order.Data.ProductID, order.Data.Quantity); err != nil {
				return err
			}

			paidAt := event.OccurredAt
			if paidAt.IsZero() {
				paidAt = now
			}
			payment.Data.PaidAt = &paidAt
			payment.Data.PaidAmount = event.Amount
			if !event.Amount.IsPositive() {
				payment.Data.PaidAmount = payment.Data.Amount
			}
		} else if err = order.Data.Apply(model.TransitionPaymentFailed); err != nil {
			// заказ закрыт или ждет решения по чеку: закрываем только платеж
			e.zaplog.Info("payment failed, order left unchanged",
				zap.String("order", order.ID),
				zap.String("status", string(order.Data.Status)),
				zap.String("payment_status", string(order.Data.PaymentStatus)))
		} else {
			orderFailed = true
		}

		payment.Data.Status = incoming
		if payment.Data.ExternalID == "" {
			payment.Data.ExternalID = event.ExternalID
		}
		if err = tx.PaymentPut(ctx, payment); err != nil {
			return err
		}

		order.Data.UpdatedAt = now
		if err = tx.OrderPut(ctx, order); err != nil {
			return err
		}

		description := fmt.Sprintf("payment %s confirmed by %s", payment.Data.Reference, provider)
		if incoming == model.PaymentStateFailed {
			description = fmt.Sprintf("payment %s failed at %s", payment.Data.Reference, provider)
		}
		out.Result = ResultApplied
		return tx.HistoryAppend(ctx, historyEntry(order, description, model.ActorGateway, now))
	})
	if err != nil {
		return Outcome{}, err
	}

	metrics.RecordPaymentEvent(provider, string(out.Result))
	e.zaplog.Info("payment event reconciled",
		zap.String("provider", provider),
		zap.String("external_id", event.ExternalID),
		zap.String("order", out.OrderID),
		zap.String("outcome", string(event.Outcome)),
		zap.String("result", string(out.Result)))

	switch out.Result {
	case ResultApplied:
		e.dedupe.Mark(ctx, key)
		if incoming == model.PaymentStateCompleted {
			metrics.RecordStockCommitted(order.Data.Quantity)
			e.notifier.Notify(notify.PaymentConfirmed(order, e.sellerEmail(ctx, order.Data.SellerID), e.operatorEmail)...)
		} else if orderFailed {
			e.notifier.Notify(notify.PaymentFailed(order)...)
		}
	case ResultDuplicate:
		e.dedupe.Mark(ctx, key)
	case ResultFlagged:
		metrics.RecordAnomaly()
		if anomaly != "" {
			e.reportAnomaly(order, anomaly)
		}
	}
	return out, nil
}

// findPayment ищет платеж по id счета шлюза, затем по номеру платежа.
// Платеж другого провайдера не подходит: повтор чужого callback не должен ничего менять.
func (e *engine) findPayment(ctx context.Context, provider string, event gateway.PaymentEvent) (model.Payment, error) {
	if event.ExternalID != "" {
		payment, err := e.store.PaymentGetByExternalID(ctx, provider, event.ExternalID)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return model.Payment{}, err
		}
	}
	if event.Reference == "" || !model.ValidReference(event.Reference) {
		return model.Payment{}, ErrNotFound
	}
	payment, err := e.store.PaymentGetByReference(ctx, event.Reference)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Payment{}, ErrNotFound
		}
		return model.Payment{}, err
	}
	if payment.Data.Method != provider {
		return model.Payment{}, ErrNotFound
	}
	return payment, nil
}

// flag отмечает заказ для ручного разбора и возвращает новую отметку.
// Повтор той же аномалии историю не дополняет и возвращает пустую строку.
func (e *engine) flag(ctx context.Context, tx store.Tx, order *model.Order, detail string, now time.Time) (string, error) {
	if order.Data.Anomaly == detail {
		return "", nil
	}
	order.Data.Anomaly = detail
	order.Data.UpdatedAt = now
	if err := tx.OrderPut(ctx, *order); err != nil {
		return "", err
	}
	return detail, tx.HistoryAppend(ctx, historyEntry(*order, "flagged for review: "+detail, model.ActorSystem, now))
}

// reportAnomaly пишет в лог и оповещает оператора
func (e *engine) reportAnomaly(order model.Order, detail string) {
	e.zaplog.Warn("reconciliation anomaly",
		zap.String("order", order.ID),
		zap.String("detail", detail))
	e.notifier.Notify(notify.Anomaly(order, e.operatorEmail, detail)...)
}

func (e *engine) sellerEmail(ctx context.Context, sellerID string) string {
	seller, err := e.store.SellerGet(ctx, sellerID)
	if err != nil {
		e.zaplog.Warn("seller not found for notification", zap.String("seller", sellerID), zap.Error(err))
		return ""
	}
	return seller.Data.Email
}

func historyEntry(order model.Order, description string, updatedBy string, now time.Time) model.StatusHistory {
	return model.StatusHistory{
		ID:            uuid.NewString(),
		OrderID:       order.ID,
		Status:        order.Data.Status,
		PaymentStatus: order.Data.PaymentStatus,
		Description:   description,
		UpdatedBy:     updatedBy,
		CreatedAt:     now,
	}
}

func dedupeKey(provider string, event gateway.PaymentEvent) string {
	id := event.ExternalID
	if id == "" {
		id = event.Reference
	}
	return provider + ":" + id + ":" + string(event.Outcome)
}
