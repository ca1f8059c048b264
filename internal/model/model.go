package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Заказы

type Order struct {
	ID   string
	Data OrderData
}
type OrderData struct {
	ProductID       string
	SellerID        string
	BuyerID         string // пусто для гостя
	Quantity        int
	TotalAmount     decimal.Decimal
	ShippingCost    decimal.Decimal
	ShippingAddress string
	Phone           string
	BuyerName       string
	BuyerEmail      string
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	PaymentID       string
	Anomaly         string // отметка для ручного разбора
	CreatedAt       time.Time
	ExpiresAt       time.Time
	UpdatedAt       time.Time
}

type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusReadyToShip    OrderStatus = "ready_to_ship"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusPaymentFailed  OrderStatus = "payment_failed"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentStatusPending       PaymentStatus = "pending"
	PaymentStatusPendingReview PaymentStatus = "pending_review"
	PaymentStatusPaid          PaymentStatus = "paid"
	PaymentStatusFailed        PaymentStatus = "failed"
	PaymentStatusRejected      PaymentStatus = "rejected"
	PaymentStatusRefunded      PaymentStatus = "refunded"
)

// Платежи

type Payment struct {
	ID   string
	Data PaymentData
}
type PaymentData struct {
	OrderID    string
	Reference  string
	Amount     decimal.Decimal
	Currency   string
	Method     string
	ExternalID string
	Status     PaymentState
	PaidAmount decimal.Decimal
	PaidAt     *time.Time
	BillURL    string
	CreatedAt  time.Time
}

type PaymentState string

const (
	PaymentStatePending   PaymentState = "pending"
	PaymentStateCompleted PaymentState = "completed"
	PaymentStateFailed    PaymentState = "failed"
)

// Terminal сообщает, что платеж уже не может сменить состояние.
func (s PaymentState) Terminal() bool {
	return s == PaymentStateCompleted || s == PaymentStateFailed
}

// Способы оплаты без выставления счета в шлюзе
const (
	PaymentMethodBankTransfer = "bank_transfer"
	PaymentMethodReceipt      = "receipt"
)

// Чеки (подтверждение оплаты покупателем)

type Receipt struct {
	ID   string
	Data ReceiptData
}
type ReceiptData struct {
	OrderID         string // пусто до сопоставления с заказом (оплата по QR)
	SellerID        string
	ProductID       string
	Quantity        int
	BuyerID         string
	BuyerName       string
	BuyerEmail      string
	BuyerPhone      string
	ShippingAddress string
	Amount          decimal.Decimal
	Image           []byte
	ImageType       string
	Status          ReceiptStatus
	UploadedAt      time.Time
	ReviewedAt      *time.Time
	ReviewedBy      string
	SellerNotes     string
}

type ReceiptStatus string

const (
	ReceiptStatusPending  ReceiptStatus = "pending"
	ReceiptStatusApproved ReceiptStatus = "approved"
	ReceiptStatusRejected ReceiptStatus = "rejected"
)

// История статусов заказа. Записи только добавляются

type StatusHistory struct {
	ID            string
	OrderID       string
	Status        OrderStatus
	PaymentStatus PaymentStatus
	Description   string
	UpdatedBy     string
	CreatedAt     time.Time
}

// Каталог

type Product struct {
	ID   string
	Data ProductData
}
type ProductData struct {
	SellerID string
	Name     string
	Price    decimal.Decimal
	Stock    int // фактический остаток
	Held     int // мягкий резерв неоплаченных заказов
}

// Available остаток, доступный для новых заказов.
func (p ProductData) Available() int {
	return p.Stock - p.Held
}

// Продавцы

type Seller struct {
	ID   string
	Data SellerData
}
type SellerData struct {
	Name            string
	Email           string
	ReminderCadence ReminderCadence
	LastReminderAt  *time.Time
}

// Журнал уведомлений

type Notification struct {
	ID        string
	To        string
	Subject   string
	Success   bool
	Error     string
	CreatedAt time.Time
}

// Участники, от имени которых меняется состояние
const (
	ActorSystem   = "system"
	ActorGateway  = "gateway"
	ActorOperator = "operator"
)
