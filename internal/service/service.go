package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/marketplace/internal/gateway"
	"github.com/iurnickita/marketplace/internal/gateway/billclient"
	"github.com/iurnickita/marketplace/internal/model"
	"github.com/iurnickita/marketplace/internal/reconcile"
	"github.com/iurnickita/marketplace/internal/service/config"
	"github.com/iurnickita/marketplace/internal/stock"
	"github.com/iurnickita/marketplace/internal/store"
	"github.com/iurnickita/marketplace/internal/token"
)

type Service interface {
	PlaceOrder(ctx context.Context, checkout Checkout) (Placement, error)
	GetOrder(ctx context.Context, orderID string, viewer Viewer) (Tracking, error)
	CancelOrder(ctx context.Context, orderID string, viewer Viewer, reason string) (model.Order, error)
	UpdateShipping(ctx context.Context, orderID string, viewer Viewer, status string, description string) (model.Order, error)
	RefundOrder(ctx context.Context, orderID string, viewer Viewer, reason string) (model.Order, error)
	SetReminderCadence(ctx context.Context, sellerID string, cadence string) (model.Seller, error)
}

// Checkout данные формы оформления заказа
type Checkout struct {
	ProductID       string
	Quantity        int
	BuyerID         string // пусто для гостя
	BuyerName       string
	BuyerEmail      string
	Phone           string
	ShippingAddress string
	ShippingCost    decimal.Decimal
	// провайдер шлюза или bank_transfer
	Method string
}

// Placement созданный заказ и платеж со ссылкой на оплату
type Placement struct {
	Order   model.Order
	Payment model.Payment
}

// Tracking заказ для страницы отслеживания
type Tracking struct {
	Order   model.Order
	Payment *model.Payment
	History []model.StatusHistory
}

// Viewer пользователь из токена. Пустой UserCode - гость.
type Viewer struct {
	UserCode string
	Role     string
}

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrProductNotFound  = errors.New("product not found")
	ErrUnknownMethod    = errors.New("unknown payment method")
	ErrUnknownStatus    = errors.New("unknown shipping status")
	ErrForbidden        = errors.New("forbidden")
)

const (
	defaultPaymentWindow = 30 * time.Minute
	maxReferenceAttempts = 3
)

type service struct {
	cfg      config.Config
	store    store.Store
	stock    stock.Stock
	engine   reconcile.Engine
	registry *gateway.Registry
	bills    billclient.BillClient
	zaplog   *zap.Logger
	// генератор номеров платежей
	newReference func() string
}

func NewService(cfg config.Config, store store.Store, stock stock.Stock, engine reconcile.Engine,
	registry *gateway.Registry, bills billclient.BillClient, zaplog *zap.Logger) Service {
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = defaultPaymentWindow
	}
	return &service{
		cfg:      cfg,
		store:    store,
		stock:    stock,
		engine:   engine,
		registry: registry,
		bills:    bills,
		zaplog:   zaplog,

		newReference: model.NewReference,
	}
}

// PlaceOrder резервирует товар, создает заказ с платежом и выставляет счет.
// Счет выставляется вне транзакции: при ошибке шлюза заказ отменяется и резерв снимается.
func (service *service) PlaceOrder(ctx context.Context, checkout Checkout) (Placement, error) {
	if checkout.ProductID == "" || checkout.Quantity <= 0 ||
		checkout.BuyerName == "" || checkout.BuyerEmail == "" ||
		checkout.Phone == "" || checkout.ShippingAddress == "" ||
		checkout.ShippingCost.IsNegative() {
		return Placement{}, ErrInsufficientData
	}
	if checkout.Method != model.PaymentMethodBankTransfer {
		if _, ok := service.registry.Get(checkout.Method); !ok {
			return Placement{}, ErrUnknownMethod
		}
	}

	product, err := service.store.ProductGet(ctx, checkout.ProductID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Placement{}, ErrProductNotFound
		}
		return Placement{}, err
	}

	now := time.Now().UTC()
	total := product.Data.Price.Mul(decimal.NewFromInt(int64(checkout.Quantity))).Add(checkout.ShippingCost)

	order := model.Order{
		ID: uuid.NewString(),
		Data: model.OrderData{
			ProductID:       product.ID,
			SellerID:        product.Data.SellerID,
			BuyerID:         checkout.BuyerID,
			Quantity:        checkout.Quantity,
			TotalAmount:     total,
			ShippingCost:    checkout.ShippingCost,
			ShippingAddress: checkout.ShippingAddress,
			Phone:           checkout.Phone,
			BuyerName:       checkout.BuyerName,
			BuyerEmail:      checkout.BuyerEmail,
			Status:          model.OrderStatusPending,
			PaymentStatus:   model.PaymentStatusPending,
			CreatedAt:       now,
			ExpiresAt:       now.Add(service.cfg.PaymentWindow),
			UpdatedAt:       now,
		},
	}
	payment := model.Payment{
		ID: uuid.NewString(),
		Data: model.PaymentData{
			OrderID:   order.ID,
			Amount:    total,
			Currency:  service.cfg.Currency,
			Method:    checkout.Method,
			Status:    model.PaymentStatePending,
			CreatedAt: now,
		},
	}
	order.Data.PaymentID = payment.ID

	// номер платежа случайный: при совпадении с существующим транзакция повторяется с новым
	for attempt := 1; ; attempt++ {
		payment.Data.Reference = service.newReference()
		err = service.placeTx(ctx, order, payment, checkout.BuyerName, now)
		if !errors.Is(err, store.ErrAlreadyExists) || attempt == maxReferenceAttempts {
			break
		}
		service.zaplog.Warn("payment reference collision", zap.String("reference", payment.Data.Reference))
	}
	if err != nil {
		return Placement{}, err
	}

	service.zaplog.Info("order placed",
		zap.String("order", order.ID),
		zap.String("product", order.Data.ProductID),
		zap.Int("quantity", order.Data.Quantity),
		zap.String("method", payment.Data.Method))

	if payment.Data.Method == model.PaymentMethodBankTransfer {
		return Placement{Order: order, Payment: payment}, nil
	}

	payment, err = service.createBill(ctx, order, payment)
	if err != nil {
		service.zaplog.Error("bill not created", zap.String("order", order.ID), zap.Error(err))
		if _, cancelErr := service.engine.Cancel(context.WithoutCancel(ctx), order.ID, model.ActorSystem, "payment gateway unavailable"); cancelErr != nil {
			service.zaplog.Error("order not cancelled after bill failure", zap.String("order", order.ID), zap.Error(cancelErr))
		}
		return Placement{}, err
	}
	return Placement{Order: order, Payment: payment}, nil
}

// placeTx резервирует товар и сохраняет заказ с платежом одной транзакцией
func (service *service) placeTx(ctx context.Context, order model.Order, payment model.Payment, buyerName string, now time.Time) error {
	return service.store.Tx(ctx, func(tx store.Tx) error {
		if err := service.stock.Reserve(ctx, tx, order.Data.ProductID, order.Data.Quantity); err != nil {
			return err
		}
		if err := tx.OrderPost(ctx, order); err != nil {
			return err
		}
		if err := tx.PaymentPost(ctx, payment); err != nil {
			return err
		}
		return tx.HistoryAppend(ctx, model.StatusHistory{
			ID:            uuid.NewString(),
			OrderID:       order.ID,
			Status:        order.Data.Status,
			PaymentStatus: order.Data.PaymentStatus,
			Description:   "order placed, payment " + payment.Data.Reference + " awaiting " + payment.Data.Method,
			UpdatedBy:     buyerName,
			CreatedAt:     now,
		})
	})
}

func (service *service) createBill(ctx context.Context, order model.Order, payment model.Payment) (model.Payment, error) {
	bill, err := service.bills.CreateBill(ctx, billclient.BillRequest{
		Provider:    payment.Data.Method,
		Reference:   payment.Data.Reference,
		Amount:      billclient.AmountCents(payment.Data.Amount),
		Currency:    payment.Data.Currency,
		Description: fmt.Sprintf("Order %s", order.ID),
		Name:        order.Data.BuyerName,
		Email:       order.Data.BuyerEmail,
		Mobile:      order.Data.Phone,
		CallbackURL: service.cfg.CallbackURL + "/" + payment.Data.Method,
		RedirectURL: service.cfg.RedirectURL,
	})
	if err != nil {
		return model.Payment{}, err
	}

	err = service.store.Tx(ctx, func(tx store.Tx) error {
		locked, err := tx.PaymentLock(ctx, payment.ID)
		if err != nil {
			return err
		}
		locked.Data.ExternalID = bill.ID
		locked.Data.BillURL = bill.URL
		payment = locked
		return tx.PaymentPut(ctx, locked)
	})
	return payment, err
}

func (service *service) GetOrder(ctx context.Context, orderID string, viewer Viewer) (Tracking, error) {
	order, err := service.order(ctx, orderID, viewer, true)
	if err != nil {
		return Tracking{}, err
	}

	tracking := Tracking{Order: order}
	if order.Data.PaymentID != "" {
		payment, err := service.store.PaymentGet(ctx, order.Data.PaymentID)
		if err != nil {
			return Tracking{}, err
		}
		tracking.Payment = &payment
	}
	tracking.History, err = service.store.HistoryGet(ctx, order.ID)
	if err != nil {
		return Tracking{}, err
	}
	return tracking, nil
}

func (service *service) CancelOrder(ctx context.Context, orderID string, viewer Viewer, reason string) (model.Order, error) {
	if _, err := service.order(ctx, orderID, viewer, true); err != nil {
		return model.Order{}, err
	}
	return service.engine.Cancel(ctx, orderID, actor(viewer), reason)
}

func (service *service) UpdateShipping(ctx context.Context, orderID string, viewer Viewer, status string, description string) (model.Order, error) {
	transition, ok := model.ShippingTransition(status)
	if !ok {
		return model.Order{}, ErrUnknownStatus
	}
	if _, err := service.order(ctx, orderID, viewer, false); err != nil {
		return model.Order{}, err
	}
	return service.engine.Advance(ctx, orderID, transition, actor(viewer), description)
}

func (service *service) RefundOrder(ctx context.Context, orderID string, viewer Viewer, reason string) (model.Order, error) {
	if viewer.Role != token.RoleOperator {
		return model.Order{}, ErrForbidden
	}
	return service.engine.Refund(ctx, orderID, actor(viewer), reason)
}

func (service *service) SetReminderCadence(ctx context.Context, sellerID string, cadence string) (model.Seller, error) {
	if sellerID == "" {
		return model.Seller{}, ErrInsufficientData
	}
	parsed, err := model.ParseReminderCadence(cadence)
	if err != nil {
		return model.Seller{}, err
	}
	seller, err := service.store.SellerGet(ctx, sellerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Seller{}, reconcile.ErrNotFound
		}
		return model.Seller{}, err
	}
	seller.Data.ReminderCadence = parsed
	if err = service.store.SellerPut(ctx, seller); err != nil {
		return model.Seller{}, err
	}
	return seller, nil
}

// order читает заказ с проверкой доступа: оператор видит все, продавец свои заказы.
// Покупатель видит свои, гостевой заказ доступен по его id только гостю.
func (service *service) order(ctx context.Context, orderID string, viewer Viewer, buyerAllowed bool) (model.Order, error) {
	order, err := service.store.OrderGet(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Order{}, reconcile.ErrNotFound
		}
		return model.Order{}, err
	}

	var allowed bool
	switch viewer.Role {
	case token.RoleOperator:
		allowed = true
	case token.RoleSeller:
		allowed = order.Data.SellerID == viewer.UserCode
	default:
		// гостевой заказ открывается только без входа, заказ покупателя только ему
		allowed = buyerAllowed && order.Data.BuyerID == viewer.UserCode
	}
	if !allowed {
		return model.Order{}, ErrForbidden
	}
	return order, nil
}

func actor(viewer Viewer) string {
	if viewer.Role == token.RoleOperator {
		return model.ActorOperator
	}
	if viewer.UserCode == "" {
		return "guest"
	}
	return viewer.UserCode
}
