package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iurnickita/marketplace/internal/auth"
	"github.com/iurnickita/marketplace/internal/gateway"
	"github.com/iurnickita/marketplace/internal/gateway/billclient"
	"github.com/iurnickita/marketplace/internal/model"
	"github.com/iurnickita/marketplace/internal/notify"
	"github.com/iurnickita/marketplace/internal/reconcile"
	"github.com/iurnickita/marketplace/internal/review"
	reviewconfig "github.com/iurnickita/marketplace/internal/review/config"
	"github.com/iurnickita/marketplace/internal/service"
	serviceconfig "github.com/iurnickita/marketplace/internal/service/config"
	"github.com/iurnickita/marketplace/internal/stock"
	"github.com/iurnickita/marketplace/internal/store"
	"github.com/iurnickita/marketplace/internal/token"
)

const (
	testSecret  = "secret"
	billplzKey  = "billplz-key"
	actionToken = "action-secret"
)

var pngImage = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type nopNotifier struct{}

func (nopNotifier) Notify(...notify.Message) {}

type fakeBills struct{}

func (fakeBills) CreateBill(_ context.Context, req billclient.BillRequest) (billclient.Bill, error) {
	return billclient.Bill{ID: "bill-" + req.Reference, URL: "https://pay.example.com/" + req.Reference}, nil
}

type testEnv struct {
	store  store.Store
	router http.Handler
}

func newEnv(t *testing.T) *testEnv {
	ctx := context.Background()
	st := store.NewMemStore()
	require.NoError(t, st.ProductPut(ctx, model.Product{ID: "PR1", Data: model.ProductData{
		SellerID: "S1", Name: "Batik scarf", Price: decimal.NewFromInt(25), Stock: 5,
	}}))
	require.NoError(t, st.SellerPut(ctx, model.Seller{ID: "S1", Data: model.SellerData{Email: "seller@example.com"}}))

	zaplog := zaptest.NewLogger(t)
	sk := stock.NewStock()
	engine := reconcile.NewEngine(st, sk, nopNotifier{}, "ops@example.com", zaplog)
	registry := gateway.NewRegistry(gateway.NewBillplz(billplzKey))
	svc := service.NewService(serviceconfig.Config{Currency: "MYR", PaymentWindow: time.Hour},
		st, sk, engine, registry, fakeBills{}, zaplog)
	rv := review.NewReview(reviewconfig.Config{TokenSecret: actionToken, PublicURL: "https://shop.example.com"},
		st, engine, nopNotifier{}, zaplog)

	h := newHandler(auth.NewAuth(testSecret), svc, rv, engine, registry, zaplog)
	return &testEnv{store: st, router: h.newRouter()}
}

func (e *testEnv) do(t *testing.T, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

func bearer(t *testing.T, userCode string, role string) string {
	t.Helper()
	s, err := token.BuildJWTString(testSecret, userCode, role)
	require.NoError(t, err)
	return "Bearer " + s
}

func (e *testEnv) checkout(t *testing.T) CheckoutJSONResponse {
	t.Helper()
	body := `{"productId":"PR1","quantity":2,"buyerName":"Buyer","buyerEmail":"buyer@example.com","phone":"0123456789",` +
		`"shippingAddress":"Jalan 1","paymentMethod":"billplz"}`
	w := e.do(t, httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp CheckoutJSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func billplzForm(reference string, paid string, cents string, key string) string {
	form := url.Values{}
	form.Set("id", "bill-"+reference)
	form.Set("reference_1", reference)
	form.Set("paid", paid)
	form.Set("paid_amount", cents)
	form.Set(signatureField, gateway.SignBillplz(key, form))
	return form.Encode()
}

// имя поля подписи billplz
const signatureField = "x_signature"

func TestCheckout(t *testing.T) {
	env := newEnv(t)
	resp := env.checkout(t)

	assert.NotEmpty(t, resp.OrderID)
	assert.True(t, model.ValidReference(resp.Reference))
	assert.Equal(t, "https://pay.example.com/"+resp.Reference, resp.PaymentURL)
	assert.True(t, decimal.NewFromInt(50).Equal(resp.Total))

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/orders/"+resp.OrderID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var order OrderJSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	assert.Equal(t, "pending", order.Status)
	require.NotNil(t, order.Payment)
	assert.Equal(t, resp.Reference, order.Payment.Reference)
	assert.NotEmpty(t, order.History)
}

func TestCheckoutErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "malformed", body: `{`, wantCode: http.StatusBadRequest},
		{name: "no product", body: `{"quantity":1,"buyerName":"B","buyerEmail":"b@example.com","phone":"012","shippingAddress":"A","paymentMethod":"billplz"}`, wantCode: http.StatusBadRequest},
		{name: "unknown product", body: `{"productId":"X","quantity":1,"buyerName":"B","buyerEmail":"b@example.com","phone":"012","shippingAddress":"A","paymentMethod":"billplz"}`, wantCode: http.StatusNotFound},
		{name: "out of stock", body: `{"productId":"PR1","quantity":9,"buyerName":"B","buyerEmail":"b@example.com","phone":"012","shippingAddress":"A","paymentMethod":"billplz"}`, wantCode: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			w := env.do(t, httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}
}

func TestWebhook(t *testing.T) {
	env := newEnv(t)
	placed := env.checkout(t)

	post := func(provider string, body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/webhooks/"+provider, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return env.do(t, r)
	}

	tests := []struct {
		name       string
		provider   string
		body       string
		wantCode   int
		wantResult string
	}{
		{
			name:     "bad signature",
			provider: "billplz",
			body:     billplzForm(placed.Reference, "true", "5000", "wrong"),
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unknown provider",
			provider: "paypal",
			body:     billplzForm(placed.Reference, "true", "5000", billplzKey),
			wantCode: http.StatusNotFound,
		},
		{
			name:     "unknown reference",
			provider: "billplz",
			body:     billplzForm("MP00000000018", "true", "5000", billplzKey),
			wantCode: http.StatusNotFound,
		},
		{
			name:       "paid",
			provider:   "billplz",
			body:       billplzForm(placed.Reference, "true", "5000", billplzKey),
			wantCode:   http.StatusOK,
			wantResult: string(reconcile.ResultApplied),
		},
		{
			name:       "replay",
			provider:   "billplz",
			body:       billplzForm(placed.Reference, "true", "5000", billplzKey),
			wantCode:   http.StatusOK,
			wantResult: string(reconcile.ResultDuplicate),
		},
		{
			name:       "conflicting outcome",
			provider:   "billplz",
			body:       billplzForm(placed.Reference, "false", "5000", billplzKey),
			wantCode:   http.StatusOK,
			wantResult: string(reconcile.ResultFlagged),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(tt.provider, tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantResult != "" {
				var resp WebhookJSONResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantResult, resp.Result)
				assert.Equal(t, placed.OrderID, resp.OrderID)
			}
		})
	}

	order, err := env.store.OrderGet(context.Background(), placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, order.Data.Status)
}

func uploadRequest(t *testing.T, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("image", "receipt.png")
	require.NoError(t, err)
	_, err = part.Write(pngImage)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/receipts", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func qrFields() map[string]string {
	return map[string]string{
		"sellerId":        "S1",
		"productId":       "PR1",
		"quantity":        "2",
		"buyerName":       "Buyer",
		"buyerEmail":      "buyer@example.com",
		"shippingAddress": "Jalan 1",
		"amount":          "50.00",
	}
}

func (e *testEnv) upload(t *testing.T) UploadJSONResponse {
	t.Helper()
	w := e.do(t, uploadRequest(t, qrFields()))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp UploadJSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestReceiptUpload(t *testing.T) {
	env := newEnv(t)
	resp := env.upload(t)
	assert.NotEmpty(t, resp.ReceiptID)
	assert.Equal(t, string(model.ReceiptStatusPending), resp.Status)

	fields := qrFields()
	fields["quantity"] = "two"
	w := env.do(t, uploadRequest(t, fields))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// список продавца
	r := httptest.NewRequest(http.MethodGet, "/api/seller/receipts", nil)
	r.Header.Set("Authorization", bearer(t, "S1", token.RoleSeller))
	w = env.do(t, r)
	require.Equal(t, http.StatusOK, w.Code)
	var pending []ReceiptJSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, resp.ReceiptID, pending[0].ReceiptID)
	assert.NotContains(t, w.Body.String(), "image\":\"")
}

func TestReceiptDecision(t *testing.T) {
	env := newEnv(t)
	uploaded := env.upload(t)

	decide := func(authorization string, body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/seller/receipts/decision", strings.NewReader(body))
		if authorization != "" {
			r.Header.Set("Authorization", authorization)
		}
		return env.do(t, r)
	}
	body := `{"receiptId":"` + uploaded.ReceiptID + `","action":"approve","notes":"ok"}`

	assert.Equal(t, http.StatusUnauthorized, decide("", body).Code)
	assert.Equal(t, http.StatusForbidden, decide(bearer(t, "B1", ""), body).Code)
	assert.Equal(t, http.StatusForbidden, decide(bearer(t, "S2", token.RoleSeller), body).Code)
	assert.Equal(t, http.StatusBadRequest,
		decide(bearer(t, "S1", token.RoleSeller), `{"receiptId":"`+uploaded.ReceiptID+`","action":"maybe"}`).Code)

	w := decide(bearer(t, "S1", token.RoleSeller), body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp ReceiptDecisionJSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(model.ReceiptStatusApproved), resp.Status)
	assert.NotEmpty(t, resp.OrderID)

	// повторное решение
	assert.Equal(t, http.StatusConflict, decide(bearer(t, "S1", token.RoleSeller), body).Code)
}

func TestReceiptDecisionLink(t *testing.T) {
	env := newEnv(t)
	uploaded := env.upload(t)

	link := func(action string, tokenString string) *httptest.ResponseRecorder {
		q := url.Values{}
		q.Set("receiptId", uploaded.ReceiptID)
		q.Set("action", action)
		q.Set("token", tokenString)
		return env.do(t, httptest.NewRequest(http.MethodGet, "/api/receipts/decision?"+q.Encode(), nil))
	}

	approveToken, err := token.BuildActionToken(actionToken, uploaded.ReceiptID, string(model.ReceiptStatusApproved))
	require.NoError(t, err)
	rejectToken, err := token.BuildActionToken(actionToken, uploaded.ReceiptID, string(model.ReceiptStatusRejected))
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, link("reject", approveToken).Code)
	assert.Equal(t, http.StatusForbidden, link("reject", "garbage").Code)

	w := link("reject", rejectToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp ReceiptDecisionJSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(model.ReceiptStatusRejected), resp.Status)

	assert.Equal(t, http.StatusConflict, link("approve", approveToken).Code)
}

func TestSellerSettings(t *testing.T) {
	env := newEnv(t)

	put := func(body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPut, "/api/seller/settings", strings.NewReader(body))
		r.Header.Set("Authorization", bearer(t, "S1", token.RoleSeller))
		return env.do(t, r)
	}

	w := put(`{"reminderCadence":"1h"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"reminderCadence":"1h"}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, put(`{"reminderCadence":"weekly"}`).Code)
}

func TestOrderActions(t *testing.T) {
	env := newEnv(t)
	placed := env.checkout(t)

	// покупатель-гость отменяет свой заказ без тела запроса
	w := env.do(t, httptest.NewRequest(http.MethodPost, "/api/orders/"+placed.OrderID+"/cancel", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var order OrderJSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	assert.Equal(t, string(model.OrderStatusCancelled), order.Status)

	refund := func(authorization string) int {
		r := httptest.NewRequest(http.MethodPost, "/api/orders/"+placed.OrderID+"/refund", strings.NewReader(`{"reason":"x"}`))
		r.Header.Set("Authorization", authorization)
		return env.do(t, r).Code
	}
	assert.Equal(t, http.StatusForbidden, refund(bearer(t, "S1", token.RoleSeller)))
	assert.Equal(t, http.StatusConflict, refund(bearer(t, "OP", token.RoleOperator)))

	r := httptest.NewRequest(http.MethodPost, "/api/orders/"+placed.OrderID+"/shipping", strings.NewReader(`{"status":"shipped"}`))

	assert.Equal(t, http.StatusUnauthorized, env.do(t, r).Code)

	assert.Equal(t, http.StatusNotFound,
		env.do(t, httptest.NewRequest(http.MethodGet, "/api/orders/missing", nil)).Code)
}
