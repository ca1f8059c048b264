package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/marketplace/internal/auth"
	"github.com/iurnickita/marketplace/internal/gateway"
	"github.com/iurnickita/marketplace/internal/gateway/billclient"
	"github.com/iurnickita/marketplace/internal/gzip"
	"github.com/iurnickita/marketplace/internal/handler/config"
	"github.com/iurnickita/marketplace/internal/logger"
	"github.com/iurnickita/marketplace/internal/metrics"
	"github.com/iurnickita/marketplace/internal/model"
	"github.com/iurnickita/marketplace/internal/reconcile"
	"github.com/iurnickita/marketplace/internal/review"
	"github.com/iurnickita/marketplace/internal/service"
	"github.com/iurnickita/marketplace/internal/stock"
	"github.com/iurnickita/marketplace/internal/token"
)

const (
	maxWebhookBody = 1 << 20
	maxUploadBody  = 12 << 20
)

// Serve слушает до закрытия ctx, затем завершает текущие запросы
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, review review.Review,
	engine reconcile.Engine, registry *gateway.Registry, zaplog *zap.Logger) error {
	h := newHandler(auth, service, review, engine, registry, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type handler struct {
	auth     auth.Auth
	service  service.Service
	review   review.Review
	engine   reconcile.Engine
	registry *gateway.Registry
	zaplog   *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, review review.Review, engine reconcile.Engine,
	registry *gateway.Registry, zaplog *zap.Logger) *handler {
	return &handler{
		auth:     auth,
		service:  service,
		review:   review,
		engine:   engine,
		registry: registry,
		zaplog:   zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	// callback шлюзов и ссылки из писем без токена пользователя
	mux.HandleFunc("POST /api/webhooks/{provider}", h.wrap("webhook", h.PostWebhook))
	mux.HandleFunc("GET /api/receipts/decision", h.wrap("receipt_decision_link", h.GetReceiptDecision))

	mux.HandleFunc("POST /api/orders", h.wrap("checkout", h.auth.Optional(h.PostOrder)))
	mux.HandleFunc("GET /api/orders/{id}", h.wrap("order", h.auth.Optional(h.GetOrder)))
	mux.HandleFunc("POST /api/orders/{id}/cancel", h.wrap("order_cancel", h.auth.Optional(h.PostCancel)))
	mux.HandleFunc("POST /api/orders/{id}/shipping", h.wrap("order_shipping", h.auth.Middleware(h.PostShipping)))
	mux.HandleFunc("POST /api/orders/{id}/refund", h.wrap("order_refund", h.auth.Middleware(h.PostRefund)))
	mux.HandleFunc("POST /api/receipts", h.wrap("receipt_upload", h.auth.Optional(h.PostReceipt)))

	mux.HandleFunc("POST /api/seller/receipts/decision", h.wrap("receipt_decision", h.auth.Middleware(h.seller(h.PostReceiptDecision))))
	mux.HandleFunc("GET /api/seller/receipts", h.wrap("receipts_pending", h.auth.Middleware(h.seller(h.GetPendingReceipts))))
	mux.HandleFunc("PUT /api/seller/settings", h.wrap("seller_settings", h.auth.Middleware(h.seller(h.PutSellerSettings))))

	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

func (h *handler) wrap(endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	return gzip.GzipMiddleware(logger.RequestLogMdlw(metrics.Middleware(endpoint, fn), h.zaplog))
}

// seller пропускает только продавца
func (h *handler) seller(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(auth.HeaderRoleKey) != token.RoleSeller {
			http.Error(w, review.ErrForbidden.Error(), http.StatusForbidden)
			return
		}
		fn(w, r)
	}
}

func viewer(r *http.Request) service.Viewer {
	return service.Viewer{
		UserCode: r.Header.Get(auth.HeaderUserCodeKey),
		Role:     r.Header.Get(auth.HeaderRoleKey),
	}
}

// Callback платежного шлюза

type WebhookJSONResponse struct {
	Result  string `json:"result"`
	OrderID string `json:"orderId,omitempty"`
}

func (h *handler) PostWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	event, err := h.registry.Decode(provider, raw, r.Header)
	if err != nil {
		h.zaplog.Warn("payment callback rejected", zap.String("provider", provider), zap.Error(err))
		switch {
		case errors.Is(err, gateway.ErrUnknownProvider):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, gateway.ErrInvalidSignature):
			metrics.RecordPaymentEvent(provider, "invalid_signature")
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, gateway.ErrMalformedPayload):
			metrics.RecordPaymentEvent(provider, "malformed")
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	out, err := h.engine.ApplyPaymentEvent(r.Context(), provider, event)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrNotFound):
			metrics.RecordPaymentEvent(provider, "not_found")
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			h.zaplog.Error("payment callback failed", zap.String("provider", provider), zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	// flagged тоже 200: повтор callback ничего не изменит
	writeJSON(w, http.StatusOK, WebhookJSONResponse{Result: string(out.Result), OrderID: out.OrderID})
}

// Решения по чекам

type ReceiptDecisionJSONRequest struct {
	ReceiptID string `json:"receiptId"`
	Action    string `json:"action"`
	Notes     string `json:"notes"`
}

type ReceiptDecisionJSONResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"orderId"`
	Result  string `json:"result"`
}

func (h *handler) PostReceiptDecision(w http.ResponseWriter, r *http.Request) {
	var req ReceiptDecisionJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sellerID := r.Header.Get(auth.HeaderUserCodeKey)
	out, err := h.review.Decide(r.Context(), sellerID, req.ReceiptID, req.Action, req.Notes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse(out))
}

func (h *handler) GetReceiptDecision(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	out, err := h.review.DecideByToken(r.Context(), query.Get("receiptId"), query.Get("action"), query.Get("token"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse(out))
}

func decisionResponse(out reconcile.Outcome) ReceiptDecisionJSONResponse {
	return ReceiptDecisionJSONResponse{
		Status:  string(out.ReceiptStatus),
		OrderID: out.OrderID,
		Result:  string(out.Result),
	}
}

type ReceiptJSONResponse struct {
	ReceiptID       string          `json:"receiptId"`
	OrderID         string          `json:"orderId,omitempty"`
	ProductID       string          `json:"productId"`
	Quantity        int             `json:"quantity"`
	BuyerName       string          `json:"buyerName"`
	BuyerEmail      string          `json:"buyerEmail"`
	Amount          decimal.Decimal `json:"amount"`
	Status          string          `json:"status"`
	UploadedAt      time.Time       `json:"uploadedAt"`
	ImageType       string          `json:"imageType"`
	ShippingAddress string          `json:"shippingAddress,omitempty"`
}

func receiptResponse(receipt model.Receipt) ReceiptJSONResponse {
	return ReceiptJSONResponse{
		ReceiptID:       receipt.ID,
		OrderID:         receipt.Data.OrderID,
		ProductID:       receipt.Data.ProductID,
		Quantity:        receipt.Data.Quantity,
		BuyerName:       receipt.Data.BuyerName,
		BuyerEmail:      receipt.Data.BuyerEmail,
		Amount:          receipt.Data.Amount,
		Status:          string(receipt.Data.Status),
		UploadedAt:      receipt.Data.UploadedAt,
		ImageType:       receipt.Data.ImageType,
		ShippingAddress: receipt.Data.ShippingAddress,
	}
}

func (h *handler) GetPendingReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := h.review.Pending(r.Context(), r.Header.Get(auth.HeaderUserCodeKey))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(receipts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	receiptsJSON := make([]ReceiptJSONResponse, 0, len(receipts))
	for _, receipt := range receipts {
		receiptsJSON = append(receiptsJSON, receiptResponse(receipt))
	}
	writeJSON(w, http.StatusOK, receiptsJSON)
}

type SellerSettingsJSONRequest struct {
	ReminderCadence string `json:"reminderCadence"`
}

func (h *handler) PutSellerSettings(w http.ResponseWriter, r *http.Request) {
	var req SellerSettingsJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	seller, err := h.service.SetReminderCadence(r.Context(), r.Header.Get(auth.HeaderUserCodeKey), req.ReminderCadence)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SellerSettingsJSONRequest{ReminderCadence: string(seller.Data.ReminderCadence)})
}

// Заказы

type CheckoutJSONRequest struct {
	ProductID       string          `json:"productId"`
	Quantity        int             `json:"quantity"`
	BuyerName       string          `json:"buyerName"`
	BuyerEmail      string          `json:"buyerEmail"`
	Phone           string          `json:"phone"`
	ShippingAddress string          `json:"shippingAddress"`
	ShippingCost    decimal.Decimal `json:"shippingCost"`
	PaymentMethod   string          `json:"paymentMethod"`
}

type CheckoutJSONResponse struct {
	OrderID    string          `json:"orderId"`
	Reference  string          `json:"reference"`
	PaymentURL string          `json:"paymentUrl,omitempty"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	Total      decimal.Decimal `json:"total"`
}

func (h *handler) PostOrder(w http.ResponseWriter, r *http.Request) {
	var req CheckoutJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	placement, err := h.service.PlaceOrder(r.Context(), service.Checkout{
		ProductID:       req.ProductID,
		Quantity:        req.Quantity,
		BuyerID:         r.Header.Get(auth.HeaderUserCodeKey),
		BuyerName:       req.BuyerName,
		BuyerEmail:      req.BuyerEmail,
		Phone:           req.Phone,
		ShippingAddress: req.ShippingAddress,
		ShippingCost:    req.ShippingCost,
		Method:          req.PaymentMethod,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CheckoutJSONResponse{
		OrderID:    placement.Order.ID,
		Reference:  placement.Payment.Data.Reference,
		PaymentURL: placement.Payment.Data.BillURL,
		ExpiresAt:  placement.Order.Data.ExpiresAt,
		Total:      placement.Order.Data.TotalAmount,
	})
}

type HistoryJSONResponse struct {
	Status        string    `json:"status"`
	PaymentStatus string    `json:"paymentStatus"`
	Description   string    `json:"description"`
	UpdatedBy     string    `json:"updatedBy"`
	CreatedAt     time.Time `json:"createdAt"`
}

type PaymentJSONResponse struct {
	Reference  string          `json:"reference"`
	Method     string          `json:"method"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	PaidAt     *time.Time      `json:"paidAt,omitempty"`
	PaymentURL string          `json:"paymentUrl,omitempty"`
}

type OrderJSONResponse struct {
	OrderID         string                `json:"orderId"`
	ProductID       string                `json:"productId"`
	Quantity        int                   `json:"quantity"`
	Total           decimal.Decimal       `json:"total"`
	Status          string                `json:"status"`
	PaymentStatus   string                `json:"paymentStatus"`
	ShippingAddress string                `json:"shippingAddress"`
	CreatedAt       time.Time             `json:"createdAt"`
	ExpiresAt       time.Time             `json:"expiresAt"`
	Payment         *PaymentJSONResponse  `json:"payment,omitempty"`
	History         []HistoryJSONResponse `json:"history"`
}

func orderResponse(order model.Order) OrderJSONResponse {
	return OrderJSONResponse{
		OrderID:         order.ID,
		ProductID:       order.Data.ProductID,
		Quantity:        order.Data.Quantity,
		Total:           order.Data.TotalAmount,
		Status:          string(order.Data.Status),
		PaymentStatus:   string(order.Data.PaymentStatus),
		ShippingAddress: order.Data.ShippingAddress,
		CreatedAt:       order.Data.CreatedAt,
		ExpiresAt:       order.Data.ExpiresAt,
		History:         []HistoryJSONResponse{},
	}
}

func (h *handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	tracking, err := h.service.GetOrder(r.Context(), r.PathValue("id"), viewer(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := orderResponse(tracking.Order)
	if p := tracking.Payment; p != nil {
		resp.Payment = &PaymentJSONResponse{
			Reference:  p.Data.Reference,
			Method:     p.Data.Method,
			Status:     string(p.Data.Status),
			Amount:     p.Data.Amount,
			PaidAt:     p.Data.PaidAt,
			PaymentURL: p.Data.BillURL,
		}
	}
	for _, entry := range tracking.History {
		resp.History = append(resp.History, HistoryJSONResponse{
			Status:        string(entry.Status),
			PaymentStatus: string(entry.PaymentStatus),
			Description:   entry.Description,
			UpdatedBy:     entry.UpdatedBy,
			CreatedAt:     entry.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type ReasonJSONRequest struct {
	Reason string `json:"reason"`
}

func (h *handler) PostCancel(w http.ResponseWriter, r *http.Request) {
	var req ReasonJSONRequest
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	order, err := h.service.CancelOrder(r.Context(), r.PathValue("id"), viewer(r), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order))
}

func (h *handler) PostRefund(w http.ResponseWriter, r *http.Request) {
	var req ReasonJSONRequest
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	order, err := h.service.RefundOrder(r.Context(), r.PathValue("id"), viewer(r), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order))
}

type ShippingJSONRequest struct {
	Status      string `json:"status"`
	Description string `json:"description"`
}

func (h *handler) PostShipping(w http.ResponseWriter, r *http.Request) {
	var req ShippingJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	order, err := h.service.UpdateShipping(r.Context(), r.PathValue("id"), viewer(r), req.Status, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order))
}

// decodeOptional допускает пустое тело
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Загрузка чека

type UploadJSONResponse struct {
	ReceiptID string `json:"receiptId"`
	OrderID   string `json:"orderId,omitempty"`
	Status    string `json:"status"`
}

func (h *handler) PostReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(maxUploadBody); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, fileHeader, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	image, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upload := review.Upload{
		OrderID:         r.FormValue("orderId"),
		SellerID:        r.FormValue("sellerId"),
		ProductID:       r.FormValue("productId"),
		BuyerID:         r.Header.Get(auth.HeaderUserCodeKey),
		BuyerName:       r.FormValue("buyerName"),
		BuyerEmail:      r.FormValue("buyerEmail"),
		BuyerPhone:      r.FormValue("buyerPhone"),
		ShippingAddress: r.FormValue("shippingAddress"),
		Image:           image,
		ImageType:       fileHeader.Header.Get("Content-Type"),
	}
	// тип без уточнения определяется по содержимому
	if upload.ImageType == "application/octet-stream" {
		upload.ImageType = ""
	}
	if v := r.FormValue("quantity"); v != "" {
		if upload.Quantity, err = strconv.Atoi(v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := r.FormValue("amount"); v != "" {
		if upload.Amount, err = decimal.NewFromString(v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	receipt, err := h.review.Upload(r.Context(), upload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, UploadJSONResponse{
		ReceiptID: receipt.ID,
		OrderID:   receipt.Data.OrderID,
		Status:    string(receipt.Data.Status),
	})
}

// writeError переводит ошибки слоев в коды HTTP
func (h *handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientData),
		errors.Is(err, review.ErrInsufficientData),
		errors.Is(err, reconcile.ErrInvalidDecision),
		errors.Is(err, service.ErrUnknownMethod),
		errors.Is(err, service.ErrUnknownStatus),
		errors.Is(err, model.ErrUnknownCadence):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, review.ErrUnsupportedImage):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
	case errors.Is(err, service.ErrForbidden),
		errors.Is(err, review.ErrForbidden),
		errors.Is(err, review.ErrInvalidToken):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, reconcile.ErrNotFound),
		errors.Is(err, service.ErrProductNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, reconcile.ErrAlreadyReviewed),
		errors.Is(err, reconcile.ErrNotAwaitingPayment),
		errors.Is(err, reconcile.ErrNotRefundable),
		errors.Is(err, review.ErrReceiptPending),
		errors.Is(err, review.ErrNotAwaitingPayment),
		errors.Is(err, model.ErrTransitionNotAllowed),
		errors.Is(err, stock.ErrInsufficientStock):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, billclient.ErrGatewayUnavailable):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		h.zaplog.Error("request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}
