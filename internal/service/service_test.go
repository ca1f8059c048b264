package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iurnickita/marketplace/internal/gateway"
	"github.com/iurnickita/marketplace/internal/gateway/billclient"
	"github.com/iurnickita/marketplace/internal/model"
	"github.com/iurnickita/marketplace/internal/notify"
	"github.com/iurnickita/marketplace/internal/reconcile"
	"github.com/iurnickita/marketplace/internal/service/config"
	"github.com/iurnickita/marketplace/internal/stock"
	"github.com/iurnickita/marketplace/internal/store"
	"github.com/iurnickita/marketplace/internal/token"
)

type fakeBills struct {
	mu       sync.Mutex
	requests []billclient.BillRequest
	err      error
}

func (b *fakeBills) CreateBill(_ context.Context, req billclient.BillRequest) (billclient.Bill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if b.err != nil {
		return billclient.Bill{}, b.err
	}
	return billclient.Bill{ID: "bill-" + req.Reference, URL: "https://pay.example.com/" + req.Reference}, nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(...notify.Message) {}

type testEnv struct {
	store   store.Store
	bills   *fakeBills
	service Service
}

func newEnv(t *testing.T) *testEnv {
	ctx := context.Background()
	st := store.NewMemStore()
	require.NoError(t, st.ProductPut(ctx, model.Product{ID: "PR1", Data: model.ProductData{
		SellerID: "S1", Name: "Batik scarf", Price: decimal.RequireFromString("25.50"), Stock: 3,
	}}))
	require.NoError(t, st.SellerPut(ctx, model.Seller{ID: "S1", Data: model.SellerData{Email: "seller@example.com"}}))

	zaplog := zaptest.NewLogger(t)
	sk := stock.NewStock()
	engine := reconcile.NewEngine(st, sk, nopNotifier{}, "", zaplog)
	bills := &fakeBills{}
	cfg := config.Config{
		Currency:      "MYR",
		PaymentWindow: time.Hour,
		CallbackURL:   "https://shop.example.com/api/webhooks",
	}
	registry := gateway.NewRegistry(gateway.NewBillplz("key"))
	return &testEnv{
		store:   st,
		bills:   bills,
		service: NewService(cfg, st, sk, engine, registry, bills, zaplog),
	}
}

func checkout() Checkout {
	return Checkout{
		ProductID:       "PR1",
		Quantity:        2,
		BuyerID:         "B1",
		BuyerName:       "Buyer",
		BuyerEmail:      "buyer@example.com",
		Phone:           "+60123456789",
		ShippingAddress: "Jalan 1, Kuala Lumpur",
		ShippingCost:    decimal.NewFromInt(5),
		Method:          "billplz",
	}
}

func (env *testEnv) product(t *testing.T) model.ProductData {
	product, err := env.store.ProductGet(context.Background(), "PR1")
	require.NoError(t, err)
	return product.Data
}

func TestPlaceOrder(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	placement, err := env.service.PlaceOrder(ctx, checkout())
	require.NoError(t, err)

	order := placement.Order
	assert.Equal(t, model.OrderStatusPending, order.Data.Status)
	assert.Equal(t, model.PaymentStatusPending, order.Data.PaymentStatus)
	assert.Equal(t, "S1", order.Data.SellerID)
	assert.True(t, order.Data.TotalAmount.Equal(decimal.RequireFromString("56.00")))
	assert.WithinDuration(t, order.Data.CreatedAt.Add(time.Hour), order.Data.ExpiresAt, 0)

	payment := placement.Payment
	assert.True(t, model.ValidReference(payment.Data.Reference))
	assert.Equal(t, "bill-"+payment.Data.Reference, payment.Data.ExternalID)
	assert.Equal(t, "https://pay.example.com/"+payment.Data.Reference, payment.Data.BillURL)

	require.Len(t, env.bills.requests, 1)
	req := env.bills.requests[0]
	assert.Equal(t, int64(5600), req.Amount)
	assert.Equal(t, "MYR", req.Currency)
	assert.Equal(t, "https://shop.example.com/api/webhooks/billplz", req.CallbackURL)

	// мягкий резерв без списания
	assert.Equal(t, 3, env.product(t).Stock)
	assert.Equal(t, 2, env.product(t).Held)

	stored, err := env.store.PaymentGetByExternalID(ctx, "billplz", payment.Data.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, stored.ID)
}

func TestPlaceOrderValidation(t *testing.T) {
	env := newEnv(t)

	tests := []struct {
		name    string
		modify  func(c *Checkout)
		wantErr error
	}{
		{name: "no product", modify: func(c *Checkout) { c.ProductID = "" }, wantErr: ErrInsufficientData},
		{name: "zero quantity", modify: func(c *Checkout) { c.Quantity = 0 }, wantErr: ErrInsufficientData},
		{name: "no email", modify: func(c *Checkout) { c.BuyerEmail = "" }, wantErr: ErrInsufficientData},
		{name: "negative shipping", modify: func(c *Checkout) { c.ShippingCost = decimal.NewFromInt(-1) }, wantErr: ErrInsufficientData},
		{name: "unknown method", modify: func(c *Checkout) { c.Method = "paypal" }, wantErr: ErrUnknownMethod},
		{name: "unknown product", modify: func(c *Checkout) { c.ProductID = "PR9" }, wantErr: ErrProductNotFound},
		{name: "insufficient stock", modify: func(c *Checkout) { c.Quantity = 4 }, wantErr: stock.ErrInsufficientStock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := checkout()
			tt.modify(&c)
			_, err := env.service.PlaceOrder(context.Background(), c)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, env.product(t).Held)
}

func TestPlaceOrderBankTransfer(t *testing.T) {
	env := newEnv(t)
	c := checkout()
	c.Method = model.PaymentMethodBankTransfer

	placement, err := env.service.PlaceOrder(context.Background(), c)
	require.NoError(t, err)
	assert.Empty(t, placement.Payment.Data.BillURL)
	assert.Empty(t, env.bills.requests)
	assert.Equal(t, 2, env.product(t).Held)
}

func TestPlaceOrderGatewayDown(t *testing.T) {
	env := newEnv(t)
	env.bills.err = errors.Join(billclient.ErrGatewayUnavailable, errors.New("connection refused"))

	_, err := env.service.PlaceOrder(context.Background(), checkout())
	require.ErrorIs(t, err, billclient.ErrGatewayUnavailable)

	// заказ отменен, резерв снят
	assert.Equal(t, 0, env.product(t).Held)
	assert.Equal(t, 3, env.product(t).Stock)
}

func TestGetOrderAccess(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	placement, err := env.service.PlaceOrder(ctx, checkout())
	require.NoError(t, err)
	orderID := placement.Order.ID

	tests := []struct {
		name    string
		viewer  Viewer
		wantErr error
	}{
		{name: "buyer", viewer: Viewer{UserCode: "B1", Role: token.RoleBuyer}},
		{name: "seller", viewer: Viewer{UserCode: "S1", Role: token.RoleSeller}},
		{name: "operator", viewer: Viewer{UserCode: "ops", Role: token.RoleOperator}},
		{name: "other buyer", viewer: Viewer{UserCode: "B2", Role: token.RoleBuyer}, wantErr: ErrForbidden},
		{name: "other seller", viewer: Viewer{UserCode: "S2", Role: token.RoleSeller}, wantErr: ErrForbidden},
		{name: "guest", viewer: Viewer{}, wantErr: ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracking, err := env.service.GetOrder(ctx, orderID, tt.viewer)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, orderID, tracking.Order.ID)
			require.NotNil(t, tracking.Payment)
			assert.Len(t, tracking.History, 1)
		})
	}

	_, err = env.service.GetOrder(ctx, "missing", Viewer{Role: token.RoleOperator})
	require.ErrorIs(t, err, reconcile.ErrNotFound)
}

func TestCancelAndShipping(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	buyer := Viewer{UserCode: "B1", Role: token.RoleBuyer}
	seller := Viewer{UserCode: "S1", Role: token.RoleSeller}

	placement, err := env.service.PlaceOrder(ctx, checkout())
	require.NoError(t, err)
	orderID := placement.Order.ID

	// покупатель не двигает доставку
	_, err = env.service.UpdateShipping(ctx, orderID, buyer, "shipped", "")
	require.ErrorIs(t, err, ErrForbidden)
	_, err = env.service.UpdateShipping(ctx, orderID, seller, "teleported", "")
	require.ErrorIs(t, err, ErrUnknownStatus)
	_, err = env.service.UpdateShipping(ctx, orderID, seller, "shipped", "")
	require.ErrorIs(t, err, model.ErrTransitionNotAllowed)

	_, err = env.service.CancelOrder(ctx, orderID, Viewer{UserCode: "B2", Role: token.RoleBuyer}, "")
	require.ErrorIs(t, err, ErrForbidden)

	cancelled, err := env.service.CancelOrder(ctx, orderID, buyer, "wrong size")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Data.Status)
	assert.Equal(t, 0, env.product(t).Held)

	_, err = env.service.RefundOrder(ctx, orderID, seller, "")
	require.ErrorIs(t, err, ErrForbidden)
	_, err = env.service.RefundOrder(ctx, orderID, Viewer{Role: token.RoleOperator}, "")
	require.ErrorIs(t, err, reconcile.ErrNotRefundable)
}

func TestGuestOrderAccess(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	guestCheckout := checkout()
	guestCheckout.BuyerID = ""
	placement, err := env.service.PlaceOrder(ctx, guestCheckout)
	require.NoError(t, err)
	orderID := placement.Order.ID

	_, err = env.service.GetOrder(ctx, orderID, Viewer{})
	require.NoError(t, err)

	// вошедший покупатель чужой гостевой заказ не видит и не отменяет
	other := Viewer{UserCode: "B2", Role: token.RoleBuyer}
	_, err = env.service.GetOrder(ctx, orderID, other)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = env.service.CancelOrder(ctx, orderID, other, "")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = env.service.CancelOrder(ctx, orderID, Viewer{}, "changed mind")
	require.NoError(t, err)
}

func TestPlaceOrderReferenceCollision(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	single := checkout()
	single.Quantity = 1

	first, err := env.service.PlaceOrder(ctx, single)
	require.NoError(t, err)
	taken := first.Payment.Data.Reference
	fresh := model.NewReference()
	for fresh == taken {
		fresh = model.NewReference()
	}

	references := []string{taken, taken, fresh}
	env.service.(*service).newReference = func() string {
		next := references[0]
		references = references[1:]
		return next
	}

	second, err := env.service.PlaceOrder(ctx, single)
	require.NoError(t, err)
	assert.Equal(t, fresh, second.Payment.Data.Reference)
	assert.Empty(t, references)
	assert.Equal(t, 2, env.product(t).Held)

	// все попытки заняты: ошибка, резерв откатан
	references = []string{taken, taken, taken}
	_, err = env.service.PlaceOrder(ctx, single)
	require.ErrorIs(t, err, store.ErrAlreadyExists)
	assert.Empty(t, references)
	assert.Equal(t, 2, env.product(t).Held)
}

func TestSetReminderCadence(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	seller, err := env.service.SetReminderCadence(ctx, "S1", "30m")
	require.NoError(t, err)
	assert.Equal(t, model.Reminder30Minutes, seller.Data.ReminderCadence)

	stored, err := env.store.SellerGet(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, model.Reminder30Minutes, stored.Data.ReminderCadence)

	_, err = env.service.SetReminderCadence(ctx, "S1", "5m")
	require.ErrorIs(t, err, model.ErrUnknownCadence)
	_, err = env.service.SetReminderCadence(ctx, "S9", "off")
	require.ErrorIs(t, err, reconcile.ErrNotFound)
}
