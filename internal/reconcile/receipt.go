package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/marketplace/internal/metrics"
	"github.com/iurnickita/marketplace/internal/model"
	"github.com/iurnickita/marketplace/internal/notify"
	"github.com/iurnickita/marketplace/internal/store"
)

// Decision решение продавца по чеку
type Decision struct {
	ReceiptID  string
	Action     model.ReceiptStatus
	Notes      string
	ReviewedBy string
}

// ParseAction принимает approved/rejected и короткие approve/reject из ссылок в письмах
func ParseAction(action string) (model.ReceiptStatus, error) {
	switch action {
	case "approved", "approve":
		return model.ReceiptStatusApproved, nil
	case "rejected", "reject":
		return model.ReceiptStatusRejected, nil
	}
	return "", ErrInvalidDecision
}

// ApplyReceiptDecision единая точка для панели продавца и ссылок из писем.
// Чек переходит из pending ровно один раз, повторное решение возвращает ErrAlreadyReviewed.
func (e *engine) ApplyReceiptDecision(ctx context.Context, decision Decision) (Outcome, error) {
	if decision.Action != model.ReceiptStatusApproved && decision.Action != model.ReceiptStatusRejected {
		return Outcome{}, ErrInvalidDecision
	}

	var out Outcome
	var receipt model.Receipt
	var order model.Order
	var anomaly string
	err := e.store.Tx(ctx, func(tx store.Tx) error {
		out, order, anomaly = Outcome{}, model.Order{}, ""

		var err error
		receipt, err = tx.ReceiptLock(ctx, decision.ReceiptID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if receipt.Data.Status != model.ReceiptStatusPending {
			return ErrAlreadyReviewed
		}

		now := e.now()
		receipt.Data.Status = decision.Action
		receipt.Data.ReviewedAt = &now
		receipt.Data.ReviewedBy = decision.ReviewedBy
		receipt.Data.SellerNotes = decision.Notes
		out.ReceiptStatus = decision.Action

		switch {
		case receipt.Data.OrderID == "" && decision.Action == model.ReceiptStatusApproved:
			order, err = e.orderFromReceipt(ctx, tx, &receipt, now)
			if err != nil {
				return err
			}
			out.Result = ResultApplied
		case receipt.Data.OrderID == "":
			// отклоненная оплата по QR: заказа нет
			out.Result = ResultApplied
		default:
			order, err = tx.OrderLock(ctx, receipt.Data.OrderID)
			if err != nil {
				return err
			}
			out.Result, anomaly, err = e.resolveLinkedOrder(ctx, tx, &order, receipt, now)
			if err != nil {
				return err
			}
		}
		out.OrderID = receipt.Data.OrderID

		return tx.ReceiptPut(ctx, receipt)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyReviewed) {
			metrics.RecordReceiptDecision(string(decision.Action), "already_reviewed")
		}
		return Outcome{}, err
	}

	metrics.RecordReceiptDecision(string(decision.Action), string(out.Result))
	e.zaplog.Info("receipt reviewed",
		zap.String("receipt", receipt.ID),
		zap.String("decision", string(decision.Action)),
		zap.String("order", out.OrderID),
		zap.String("result", string(out.Result)))

	sellerEmail := e.sellerEmail(ctx, receipt.Data.SellerID)
	e.notifier.Notify(notify.ReceiptReviewed(receipt, sellerEmail)...)
	if out.Result == ResultApplied && decision.Action == model.ReceiptStatusApproved {
		metrics.RecordStockCommitted(order.Data.Quantity)
		e.notifier.Notify(notify.PaymentConfirmed(order, sellerEmail, e.operatorEmail)...)
	}
	if anomaly != "" {
		metrics.RecordAnomaly()
		e.reportAnomaly(order, anomaly)
	}
	return out, nil
}

// orderFromReceipt создает оплаченный заказ по одобренному чеку без заказа (оплата по QR).
// При нехватке товара транзакция откатывается и чек остается на рассмотрении.
func (e *engine) orderFromReceipt(ctx context.Context, tx store.Tx, receipt *model.Receipt, now time.Time) (model.Order, error) {
	quantity := receipt.Data.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	order := model.Order{
		ID: uuid.NewString(),
		Data: model.OrderData{
			ProductID:       receipt.Data.ProductID,
			SellerID:        receipt.Data.SellerID,
			BuyerID:         receipt.Data.BuyerID,
			Quantity:        quantity,
			TotalAmount:     receipt.Data.Amount,
			ShippingAddress: receipt.Data.ShippingAddress,
			Phone:           receipt.Data.BuyerPhone,
			BuyerName:       receipt.Data.BuyerName,
			BuyerEmail:      receipt.Data.BuyerEmail,
			Status:          model.OrderStatusPaid,
			PaymentStatus:   model.PaymentStatusPaid,
			CreatedAt:       now,
			ExpiresAt:       now,
			UpdatedAt:       now,
		},
	}
	payment := model.Payment{
		ID: uuid.NewString(),
		Data: model.PaymentData{
			OrderID:    order.ID,
			Reference:  model.NewReference(),
			Amount:     receipt.Data.Amount,
			Method:     model.PaymentMethodReceipt,
			ExternalID: receipt.ID,
			Status:     model.PaymentStateCompleted,
			PaidAmount: receipt.Data.Amount,
			PaidAt:     &now,
			CreatedAt:  now,
		},
	}
	order.Data.PaymentID = payment.ID

	if err := tx.OrderPost(ctx, order); err != nil {
		return model.Order{}, err
	}
	if err := tx.PaymentPost(ctx, payment); err != nil {
		return model.Order{}, err
	}
	if err := e.stock.CommitDirect(ctx, tx, order.Data.ProductID, order.Data.Quantity); err != nil {
		return model.Order{}, err
	}
	receipt.Data.OrderID = order.ID

	return order, tx.HistoryAppend(ctx,
		historyEntry(order, "order created from approved payment receipt "+receipt.ID, receipt.Data.ReviewedBy, now))
}

// resolveLinkedOrder применяет решение к заказу, который еще ждет оплату.
// Иначе чек считается рассмотренным, а заказ не меняется.
func (e *engine) resolveLinkedOrder(ctx context.Context, tx store.Tx, order *model.Order, receipt model.Receipt, now time.Time) (Result, string, error) {
	approved := receipt.Data.Status == model.ReceiptStatusApproved

	if !order.Data.AwaitingPayment() {
		if approved && (order.Data.Status == model.OrderStatusCancelled || order.Data.Status == model.OrderStatusPaymentFailed) {
			// покупатель заплатил, а заказ уже закрыт
			anomaly, err := e.flag(ctx, tx, order,
				fmt.Sprintf("payment receipt %s approved for order in status %s", receipt.ID, order.Data.Status), now)
			return ResultNotApplied, anomaly, err
		}
		return ResultNotApplied, "", nil
	}

	transition := model.TransitionReceiptRejected
	if approved {
		transition = model.TransitionPaid
	}
	if err := order.Data.Apply(transition); err != nil {
		return "", "", err
	}

	var settlement string
	if order.Data.PaymentID != "" {
		payment, err := tx.PaymentLock(ctx, order.Data.PaymentID)
		if err != nil {
			return "", "", err
		}
		if approved && payment.Data.Status == model.PaymentStateFailed {
			// платеж шлюза остается failed, оплату подтверждает чек
			settlement = "; gateway payment " + payment.Data.Reference + " failed, settled by receipt"
		}
		if payment.Data.Status == model.PaymentStatePending {
			payment.Data.Status = model.PaymentStateFailed
			if approved {
				payment.Data.Status = model.PaymentStateCompleted
				payment.Data.PaidAmount = receipt.Data.Amount
				payment.Data.PaidAt = &now
			}
			if err = tx.PaymentPut(ctx, payment); err != nil {
				return "", "", err
			}
		}
	}

	var err error
	description := "payment receipt " + receipt.ID + " approved" + settlement
	if approved {
		err = e.stock.Commit(ctx, tx, order.Data.ProductID, order.Data.Quantity)
	} else {
		description = "payment receipt " + receipt.ID + " rejected"
		err = e.stock.Release(ctx, tx, order.Data.ProductID, order.Data.Quantity)
	}
	if err != nil {
		return "", "", err
	}

	order.Data.UpdatedAt = now
	if err = tx.OrderPut(ctx, *order); err != nil {
		return "", "", err
	}
	return ResultApplied, "", tx.HistoryAppend(ctx, historyEntry(*order, description, receipt.Data.ReviewedBy, now))
}
