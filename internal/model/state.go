package model

import (
	"errors"
	"fmt"
)

// Transition событие, меняющее состояние заказа.
// Status и PaymentStatus меняются только через Apply и только вместе.
type Transition string

const (
	TransitionPaid            Transition = "paid"
	TransitionPaymentFailed   Transition = "payment_failed"
	TransitionReceiptUploaded Transition = "receipt_uploaded"
	TransitionReceiptRejected Transition = "receipt_rejected"
	TransitionExpired         Transition = "expired"
	TransitionCancelled       Transition = "cancelled"
	TransitionRefunded        Transition = "refunded"
	TransitionProcessing      Transition = "processing"
	TransitionReadyToShip     Transition = "ready_to_ship"
	TransitionShipped         Transition = "shipped"
	TransitionOutForDelivery  Transition = "out_for_delivery"
	TransitionDelivered       Transition = "delivered"
	TransitionCompleted       Transition = "completed"
)

var ErrTransitionNotAllowed = errors.New("transition not allowed")

type rule struct {
	from          []OrderStatus
	fromPayment   []PaymentStatus // пусто = любой
	status        OrderStatus
	paymentStatus PaymentStatus // пусто = без изменений
}

var rules = map[Transition]rule{
	TransitionPaid: {
		from:          []OrderStatus{OrderStatusPending},
		fromPayment:   []PaymentStatus{PaymentStatusPending, PaymentStatusPendingReview, PaymentStatusFailed},
		status:        OrderStatusPaid,
		paymentStatus: PaymentStatusPaid,
	},
	// чек на рассмотрении важнее отказа шлюза: заказ ждет решения продавца
	TransitionPaymentFailed: {
		from:          []OrderStatus{OrderStatusPending},
		fromPayment:   []PaymentStatus{PaymentStatusPending},
		status:        OrderStatusPending,
		paymentStatus: PaymentStatusFailed,
	},
	TransitionReceiptUploaded: {
		from:          []OrderStatus{OrderStatusPending},
		fromPayment:   []PaymentStatus{PaymentStatusPending, PaymentStatusFailed},
		status:        OrderStatusPending,
		paymentStatus: PaymentStatusPendingReview,
	},
	TransitionReceiptRejected: {
		from:          []OrderStatus{OrderStatusPending},
		fromPayment:   []PaymentStatus{PaymentStatusPending, PaymentStatusPendingReview, PaymentStatusFailed},
		status:        OrderStatusPaymentFailed,
		paymentStatus: PaymentStatusRejected,
	},
	TransitionExpired: {
		from:          []OrderStatus{OrderStatusPending},
		fromPayment:   []PaymentStatus{PaymentStatusPending, PaymentStatusFailed},
		status:        OrderStatusCancelled,
		paymentStatus: PaymentStatusFailed,
	},
	TransitionCancelled: {
		from:        []OrderStatus{OrderStatusPending},
		fromPayment: []PaymentStatus{PaymentStatusPending, PaymentStatusPendingReview, PaymentStatusFailed},
		status:      OrderStatusCancelled,
	},
	TransitionRefunded: {
		from:          []OrderStatus{OrderStatusPaid, OrderStatusProcessing, OrderStatusReadyToShip},
		fromPayment:   []PaymentStatus{PaymentStatusPaid},
		status:        OrderStatusCancelled,
		paymentStatus: PaymentStatusRefunded,
	},
	TransitionProcessing: {
		from:   []OrderStatus{OrderStatusPaid},
		status: OrderStatusProcessing,
	},
	TransitionReadyToShip: {
		from:   []OrderStatus{OrderStatusPaid, OrderStatusProcessing},
		status: OrderStatusReadyToShip,
	},
	TransitionShipped: {
		from:   []OrderStatus{OrderStatusReadyToShip},
		status: OrderStatusShipped,
	},
	TransitionOutForDelivery: {
		from:   []OrderStatus{OrderStatusShipped},
		status: OrderStatusOutForDelivery,
	},
	TransitionDelivered: {
		from:   []OrderStatus{OrderStatusShipped, OrderStatusOutForDelivery},
		status: OrderStatusDelivered,
	},
	TransitionCompleted: {
		from:   []OrderStatus{OrderStatusDelivered},
		status: OrderStatusCompleted,
	},
}

// Apply переводит заказ по событию t. При недопустимом переходе заказ не меняется.
func (o *OrderData) Apply(t Transition) error {
	r, ok := rules[t]
	if !ok {
		return fmt.Errorf("%w: unknown transition %q", ErrTransitionNotAllowed, t)
	}
	if !contains(r.from, o.Status) {
		return fmt.Errorf("%w: %s from status %s", ErrTransitionNotAllowed, t, o.Status)
	}
	if len(r.fromPayment) > 0 && !contains(r.fromPayment, o.PaymentStatus) {
		return fmt.Errorf("%w: %s from payment status %s", ErrTransitionNotAllowed, t, o.PaymentStatus)
	}
	o.Status = r.status
	if r.paymentStatus != "" {
		o.PaymentStatus = r.paymentStatus
	}
	return nil
}

// AwaitingPayment заказ еще ждет оплату и может быть оплачен или отменен.
func (o OrderData) AwaitingPayment() bool {
	return o.Status == OrderStatusPending
}

// ShippingTransition возвращает событие доставки по имени, которое передает продавец.
func ShippingTransition(name string) (Transition, bool) {
	switch t := Transition(name); t {
	case TransitionProcessing, TransitionReadyToShip, TransitionShipped,
		TransitionOutForDelivery, TransitionDelivered, TransitionCompleted:
		return t, true
	}
	return "", false
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
