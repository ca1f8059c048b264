package review

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iurnickita/marketplace/internal/gateway"
	"github.com/iurnickita/marketplace/internal/model"
	"github.com/iurnickita/marketplace/internal/notify"
	"github.com/iurnickita/marketplace/internal/reconcile"
	"github.com/iurnickita/marketplace/internal/review/config"
	"github.com/iurnickita/marketplace/internal/stock"
	"github.com/iurnickita/marketplace/internal/store"
	"github.com/iurnickita/marketplace/internal/token"
)

const testSecret = "secret"

// минимальный PNG: сигнатура распознается http.DetectContentType
var pngImage = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type memNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *memNotifier) Notify(msgs ...notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msgs...)
}

func (n *memNotifier) last() notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.msgs[len(n.msgs)-1]
}

func newReview(t *testing.T) (Review, store.Store, *memNotifier) {
	ctx := context.Background()
	st := store.NewMemStore()
	require.NoError(t, st.ProductPut(ctx, model.Product{ID: "PR1", Data: model.ProductData{
		SellerID: "S1", Name: "Batik scarf", Price: decimal.NewFromInt(25), Stock: 5,
	}}))
	require.NoError(t, st.SellerPut(ctx, model.Seller{ID: "S1", Data: model.SellerData{Email: "seller@example.com"}}))

	notifier := &memNotifier{}
	zaplog := zaptest.NewLogger(t)
	engine := reconcile.NewEngine(st, stock.NewStock(), notifier, "ops@example.com", zaplog)
	r := NewReview(config.Config{TokenSecret: testSecret, PublicURL: "https://shop.example.com/"}, st, engine, notifier, zaplog)
	return r, st, notifier
}

func placeOrder(t *testing.T, st store.Store, buyerID string) model.Order {
	ctx := context.Background()
	order := model.Order{ID: "O1", Data: model.OrderData{
		ProductID:     "PR1",
		SellerID:      "S1",
		BuyerID:       buyerID,
		Quantity:      2,
		TotalAmount:   decimal.NewFromInt(50),
		BuyerName:     "Buyer",
		BuyerEmail:    "buyer@example.com",
		Status:        model.OrderStatusPending,
		PaymentStatus: model.PaymentStatusPending,
		ExpiresAt:     time.Now().Add(time.Hour),
	}}
	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		if err := stock.NewStock().Reserve(ctx, tx, "PR1", 2); err != nil {
			return err
		}
		return tx.OrderPost(ctx, order)
	}))
	return order
}

func qrUpload() Upload {
	return Upload{
		SellerID:   "S1",
		ProductID:  "PR1",
		Quantity:   2,
		BuyerName:  "Buyer",
		BuyerEmail: "buyer@example.com",
		Amount:     decimal.NewFromInt(50),
		Image:      pngImage,
	}
}

func TestUploadForOrder(t *testing.T) {
	r, st, notifier := newReview(t)
	order := placeOrder(t, st, "B1")
	ctx := context.Background()

	receipt, err := r.Upload(ctx, Upload{OrderID: order.ID, BuyerID: "B1", Image: pngImage})
	require.NoError(t, err)
	assert.Equal(t, "S1", receipt.Data.SellerID)
	assert.Equal(t, "image/png", receipt.Data.ImageType)
	assert.True(t, receipt.Data.Amount.Equal(decimal.NewFromInt(50)))

	stored, err := st.OrderGet(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPendingReview, stored.Data.PaymentStatus)

	history, err := st.HistoryGet(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)

	msg := notifier.last()
	assert.Equal(t, "seller@example.com", msg.To)
	assert.Contains(t, msg.Text, "https://shop.example.com/api/receipts/decision?")

	// второй чек, пока первый не рассмотрен
	_, err = r.Upload(ctx, Upload{OrderID: order.ID, BuyerID: "B1", Image: pngImage})
	require.ErrorIs(t, err, ErrReceiptPending)

	// чужой заказ
	_, err = r.Upload(ctx, Upload{OrderID: order.ID, BuyerID: "B2", Image: pngImage})
	require.ErrorIs(t, err, ErrForbidden)
}

func TestUploadValidation(t *testing.T) {
	r, _, _ := newReview(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		modify  func(u *Upload)
		wantErr error
	}{
		{name: "no image", modify: func(u *Upload) { u.Image = nil }, wantErr: ErrUnsupportedImage},
		{name: "text file", modify: func(u *Upload) { u.Image = []byte("hello") }, wantErr: ErrUnsupportedImage},
		{name: "no seller", modify: func(u *Upload) { u.SellerID = "" }, wantErr: ErrInsufficientData},
		{name: "zero quantity", modify: func(u *Upload) { u.Quantity = 0 }, wantErr: ErrInsufficientData},
		{name: "zero amount", modify: func(u *Upload) { u.Amount = decimal.Zero }, wantErr: ErrInsufficientData},
		{name: "unknown product", modify: func(u *Upload) { u.ProductID = "PR9" }, wantErr: ErrInsufficientData},
		{name: "product of another seller", modify: func(u *Upload) { u.SellerID = "S2" }, wantErr: ErrInsufficientData},
		{name: "unknown order", modify: func(u *Upload) { u.OrderID = "O9" }, wantErr: reconcile.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upload := qrUpload()
			tt.modify(&upload)
			_, err := r.Upload(ctx, upload)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecide(t *testing.T) {
	r, st, _ := newReview(t)
	ctx := context.Background()

	receipt, err := r.Upload(ctx, qrUpload())
	require.NoError(t, err)

	pending, err := r.Pending(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = r.Decide(ctx, "S2", receipt.ID, "approved", "")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = r.Decide(ctx, "S1", receipt.ID, "maybe", "")
	require.ErrorIs(t, err, reconcile.ErrInvalidDecision)

	out, err := r.Decide(ctx, "S1", receipt.ID, "approved", "thanks")
	require.NoError(t, err)
	assert.Equal(t, reconcile.ResultApplied, out.Result)
	require.NotEmpty(t, out.OrderID)

	product, err := st.ProductGet(ctx, "PR1")
	require.NoError(t, err)
	assert.Equal(t, 3, product.Data.Stock)

	_, err = r.Decide(ctx, "S1", receipt.ID, "rejected", "")
	require.ErrorIs(t, err, reconcile.ErrAlreadyReviewed)

	pending, err = r.Pending(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDecideByToken(t *testing.T) {
	r, st, _ := newReview(t)
	ctx := context.Background()
	order := placeOrder(t, st, "")

	receipt, err := r.Upload(ctx, Upload{OrderID: order.ID, Image: pngImage})
	require.NoError(t, err)

	approve, reject, err := r.ActionLinks(receipt.ID)
	require.NoError(t, err)
	link, err := url.Parse(reject.URL)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(reject.URL, "https://shop.example.com/api/receipts/decision?"))
	query := link.Query()
	assert.Equal(t, receipt.ID, query.Get("receiptId"))
	assert.Equal(t, "rejected", query.Get("action"))

	// токен отклонения не подходит для одобрения
	_, err = r.DecideByToken(ctx, receipt.ID, "approved", query.Get("token"))
	require.ErrorIs(t, err, ErrInvalidToken)

	forged, err := token.BuildActionToken("other", receipt.ID, "rejected")
	require.NoError(t, err)
	_, err = r.DecideByToken(ctx, receipt.ID, "rejected", forged)
	require.ErrorIs(t, err, ErrInvalidToken)

	out, err := r.DecideByToken(ctx, receipt.ID, "rejected", query.Get("token"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.Outcome{Result: reconcile.ResultApplied, OrderID: order.ID, ReceiptStatus: model.ReceiptStatusRejected}, out)

	// повтор по ссылке одобрения после отклонения
	approveURL, err := url.Parse(approve.URL)
	require.NoError(t, err)
	_, err = r.DecideByToken(ctx, receipt.ID, "approved", approveURL.Query().Get("token"))
	require.ErrorIs(t, err, reconcile.ErrAlreadyReviewed)

	stored, err := st.OrderGet(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaymentFailed, stored.Data.Status)
}

func TestDashboardLink(t *testing.T) {
	r, _, _ := newReview(t)
	assert.Equal(t, "https://shop.example.com/seller/receipts", r.DashboardLink().URL)
}

func TestGatewayFailureKeepsReceiptActive(t *testing.T) {
	r, st, _ := newReview(t)
	order := placeOrder(t, st, "B1")
	ctx := context.Background()

	payment := model.Payment{ID: "P1", Data: model.PaymentData{
		OrderID:    order.ID,
		Reference:  model.NewReference(),
		Amount:     order.Data.TotalAmount,
		Method:     "billplz",
		ExternalID: "bill-O1",
		Status:     model.PaymentStatePending,
	}}
	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		if err := tx.PaymentPost(ctx, payment); err != nil {
			return err
		}
		stored, err := tx.OrderLock(ctx, order.ID)
		if err != nil {
			return err
		}
		stored.Data.PaymentID = payment.ID
		return tx.OrderPut(ctx, stored)
	}))

	_, err := r.Upload(ctx, Upload{OrderID: order.ID, BuyerID: "B1", Image: pngImage})
	require.NoError(t, err)

	engine := reconcile.NewEngine(st, stock.NewStock(), &memNotifier{}, "", zaptest.NewLogger(t))
	_, err = engine.ApplyPaymentEvent(ctx, "billplz", gateway.PaymentEvent{
		ExternalID: payment.Data.ExternalID,
		Outcome:    gateway.OutcomeFailed,
	})
	require.NoError(t, err)

	// чек остается единственным активным
	_, err = r.Upload(ctx, Upload{OrderID: order.ID, BuyerID: "B1", Image: pngImage})
	require.ErrorIs(t, err, ErrReceiptPending)

	pending, err := r.Pending(ctx, "S1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// и не истекает вместе с заказом
	n, err := engine.ExpireOrders(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stored, err := st.OrderGet(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, stored.Data.Status)
	assert.Equal(t, model.PaymentStatusPendingReview, stored.Data.PaymentStatus)
}
