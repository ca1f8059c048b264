// Package review ручное подтверждение оплаты: покупатель загружает чек, продавец одобряет или отклоняет.
package review

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/marketplace/internal/model"
	"github.com/iurnickita/marketplace/internal/notify"
	"github.com/iurnickita/marketplace/internal/reconcile"
	"github.com/iurnickita/marketplace/internal/review/config"
	"github.com/iurnickita/marketplace/internal/store"
	"github.com/iurnickita/marketplace/internal/token"
)

type Review interface {
	Upload(ctx context.Context, upload Upload) (model.Receipt, error)
	Pending(ctx context.Context, sellerID string) ([]model.Receipt, error)
	Decide(ctx context.Context, sellerID string, receiptID string, action string, notes string) (reconcile.Outcome, error)
	DecideByToken(ctx context.Context, receiptID string, action string, tokenString string) (reconcile.Outcome, error)
	ActionLinks(receiptID string) (approve notify.Link, reject notify.Link, err error)
	DashboardLink() notify.Link
}

// Upload чек покупателя. Без OrderID это оплата по QR: заказ создается при одобрении.
type Upload struct {
	OrderID         string
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
}

var (
	ErrInsufficientData   = errors.New("insufficient data")
	ErrUnsupportedImage   = errors.New("unsupported receipt image")
	ErrForbidden          = errors.New("forbidden")
	ErrReceiptPending     = errors.New("order already has a receipt awaiting review")
	ErrNotAwaitingPayment = errors.New("order is not awaiting payment")
	ErrInvalidToken       = errors.New("invalid action token")
)

const maxImageSize = 10 << 20

var imageTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif", "application/pdf"}

type review struct {
	cfg      config.Config
	store    store.Store
	engine   reconcile.Engine
	notifier notify.Notifier
	zaplog   *zap.Logger
}

func NewReview(cfg config.Config, store store.Store, engine reconcile.Engine, notifier notify.Notifier, zaplog *zap.Logger) Review {
	return &review{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		notifier: notifier,
		zaplog:   zaplog,
	}
}

func (r *review) Upload(ctx context.Context, upload Upload) (model.Receipt, error) {
	if len(upload.Image) == 0 || len(upload.Image) > maxImageSize {
		return model.Receipt{}, ErrUnsupportedImage
	}
	imageType := upload.ImageType
	if imageType == "" {
		imageType = http.DetectContentType(upload.Image)
	}
	imageType, _, _ = strings.Cut(imageType, ";")
	if !slices.Contains(imageTypes, imageType) {
		return model.Receipt{}, ErrUnsupportedImage
	}

	receipt := model.Receipt{
		ID: uuid.NewString(),
		Data: model.ReceiptData{
			OrderID:         upload.OrderID,
			SellerID:        upload.SellerID,
			ProductID:       upload.ProductID,
			Quantity:        upload.Quantity,
			BuyerID:         upload.BuyerID,
			BuyerName:       upload.BuyerName,
			BuyerEmail:      upload.BuyerEmail,
			BuyerPhone:      upload.BuyerPhone,
			ShippingAddress: upload.ShippingAddress,
			Amount:          upload.Amount,
			Image:           upload.Image,
			ImageType:       imageType,
			Status:          model.ReceiptStatusPending,
			UploadedAt:      time.Now().UTC(),
		},
	}

	var err error
	if upload.OrderID != "" {
		err = r.uploadForOrder(ctx, &receipt)
	} else {
		err = r.uploadStandalone(ctx, receipt)
	}
	if err != nil {
		return model.Receipt{}, err
	}

	r.zaplog.Info("receipt uploaded",
		zap.String("receipt", receipt.ID),
		zap.String("order", receipt.Data.OrderID),
		zap.String("seller", receipt.Data.SellerID))
	r.notifySeller(ctx, receipt)
	return receipt, nil
}

// uploadForOrder привязывает чек к заказу. Активный чек у заказа может быть только один.
func (r *review) uploadForOrder(ctx context.Context, receipt *model.Receipt) error {
	return r.store.Tx(ctx, func(tx store.Tx) error {
		order, err := tx.OrderLock(ctx, receipt.Data.OrderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return reconcile.ErrNotFound
			}
			return err
		}
		if order.Data.BuyerID != "" && order.Data.BuyerID != receipt.Data.BuyerID {
			return ErrForbidden
		}
		if order.Data.PaymentStatus == model.PaymentStatusPendingReview {
			return ErrReceiptPending
		}
		if err = order.Data.Apply(model.TransitionReceiptUploaded); err != nil {
			return ErrNotAwaitingPayment
		}

		// данные чека берутся из заказа
		receipt.Data.SellerID = order.Data.SellerID
		receipt.Data.ProductID = order.Data.ProductID
		receipt.Data.Quantity = order.Data.Quantity
		receipt.Data.BuyerID = order.Data.BuyerID
		receipt.Data.BuyerName = order.Data.BuyerName
		receipt.Data.BuyerEmail = order.Data.BuyerEmail
		receipt.Data.BuyerPhone = order.Data.Phone
		receipt.Data.ShippingAddress = order.Data.ShippingAddress
		if !receipt.Data.Amount.IsPositive() {
			receipt.Data.Amount = order.Data.TotalAmount
		}

		now := receipt.Data.UploadedAt
		order.Data.UpdatedAt = now
		if err = tx.OrderPut(ctx, order); err != nil {
			return err
		}
		if err = tx.ReceiptPost(ctx, *receipt); err != nil {
			return err
		}
		return tx.HistoryAppend(ctx, model.StatusHistory{
			ID:            uuid.NewString(),
			OrderID:       order.ID,
			Status:        order.Data.Status,
			PaymentStatus: order.Data.PaymentStatus,
			Description:   "payment receipt " + receipt.ID + " uploaded",
			UpdatedBy:     receipt.Data.BuyerName,
			CreatedAt:     now,
		})
	})
}

// uploadStandalone чек оплаты по QR без заказа
func (r *review) uploadStandalone(ctx context.Context, receipt model.Receipt) error {
	data := receipt.Data
	if data.SellerID == "" || data.ProductID == "" || data.Quantity <= 0 ||
		!data.Amount.IsPositive() || data.BuyerName == "" || data.BuyerEmail == "" {
		return ErrInsufficientData
	}
	product, err := r.store.ProductGet(ctx, data.ProductID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInsufficientData
		}
		return err
	}
	if product.Data.SellerID != data.SellerID {
		return ErrInsufficientData
	}

	return r.store.Tx(ctx, func(tx store.Tx) error {
		return tx.ReceiptPost(ctx, receipt)
	})
}

func (r *review) Pending(ctx context.Context, sellerID string) ([]model.Receipt, error) {
	if sellerID == "" {
		return nil, ErrInsufficientData
	}
	return r.store.ReceiptListPending(ctx, sellerID)
}

// Decide решение продавца из панели
func (r *review) Decide(ctx context.Context, sellerID string, receiptID string, action string, notes string) (reconcile.Outcome, error) {
	decision, err := ParseDecision(receiptID, action)
	if err != nil {
		return reconcile.Outcome{}, err
	}
	receipt, err := r.receipt(ctx, receiptID)
	if err != nil {
		return reconcile.Outcome{}, err
	}
	if receipt.Data.SellerID != sellerID {
		return reconcile.Outcome{}, ErrForbidden
	}

	decision.Notes = notes
	decision.ReviewedBy = sellerID
	return r.engine.ApplyReceiptDecision(ctx, decision)
}

// DecideByToken решение по ссылке из письма. Токен проверяется до любых изменений.
func (r *review) DecideByToken(ctx context.Context, receiptID string, action string, tokenString string) (reconcile.Outcome, error) {
	decision, err := ParseDecision(receiptID, action)
	if err != nil {
		return reconcile.Outcome{}, err
	}
	if err = token.VerifyActionToken(r.cfg.TokenSecret, tokenString, receiptID, string(decision.Action)); err != nil {
		return reconcile.Outcome{}, ErrInvalidToken
	}
	receipt, err := r.receipt(ctx, receiptID)
	if err != nil {
		return reconcile.Outcome{}, err
	}

	decision.ReviewedBy = receipt.Data.SellerID
	return r.engine.ApplyReceiptDecision(ctx, decision)
}

// ParseDecision проверяет обязательные поля решения
func ParseDecision(receiptID string, action string) (reconcile.Decision, error) {
	if receiptID == "" || action == "" {
		return reconcile.Decision{}, ErrInsufficientData
	}
	status, err := reconcile.ParseAction(action)
	if err != nil {
		return reconcile.Decision{}, err
	}
	return reconcile.Decision{ReceiptID: receiptID, Action: status}, nil
}

func (r *review) ActionLinks(receiptID string) (notify.Link, notify.Link, error) {
	approve, err := r.actionLink(receiptID, model.ReceiptStatusApproved)
	if err != nil {
		return notify.Link{}, notify.Link{}, err
	}
	reject, err := r.actionLink(receiptID, model.ReceiptStatusRejected)
	if err != nil {
		return notify.Link{}, notify.Link{}, err
	}
	approve.Title = "Approve payment"
	reject.Title = "Reject payment"
	return approve, reject, nil
}

func (r *review) actionLink(receiptID string, action model.ReceiptStatus) (notify.Link, error) {
	tokenString, err := token.BuildActionToken(r.cfg.TokenSecret, receiptID, string(action))
	if err != nil {
		return notify.Link{}, err
	}
	query := url.Values{}
	query.Set("receiptId", receiptID)
	query.Set("action", string(action))
	query.Set("token", tokenString)
	return notify.Link{URL: strings.TrimRight(r.cfg.PublicURL, "/") + "/api/receipts/decision?" + query.Encode()}, nil
}

func (r *review) DashboardLink() notify.Link {
	return notify.Link{Title: "Review receipts", URL: strings.TrimRight(r.cfg.PublicURL, "/") + "/seller/receipts"}
}

func (r *review) receipt(ctx context.Context, receiptID string) (model.Receipt, error) {
	receipt, err := r.store.ReceiptGet(ctx, receiptID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Receipt{}, reconcile.ErrNotFound
		}
		return model.Receipt{}, err
	}
	return receipt, nil
}

func (r *review) notifySeller(ctx context.Context, receipt model.Receipt) {
	seller, err := r.store.SellerGet(ctx, receipt.Data.SellerID)
	if err != nil {
		r.zaplog.Warn("seller not found for receipt notification", zap.String("seller", receipt.Data.SellerID), zap.Error(err))
		return
	}
	approve, reject, err := r.ActionLinks(receipt.ID)
	if err != nil {
		r.zaplog.Error("action links not built", zap.String("receipt", receipt.ID), zap.Error(err))
		return
	}
	r.notifier.Notify(notify.ReceiptUploaded(receipt, seller.Data.Email, approve, reject)...)
}
