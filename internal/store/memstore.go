package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iurnickita/marketplace/internal/model"
)

// memStore хранилище в памяти для локального запуска и тестов.
// Транзакции выполняются по одной, изменения применяются только при успешном завершении.
type memStore struct {
	mu            sync.RWMutex
	products      map[string]model.Product
	sellers       map[string]model.Seller
	orders        map[string]model.Order
	payments      map[string]model.Payment
	receipts      map[string]model.Receipt
	history       []model.StatusHistory
	notifications []model.Notification
}

func NewMemStore() Store {
	return &memStore{
		products: make(map[string]model.Product),
		sellers:  make(map[string]model.Seller),
		orders:   make(map[string]model.Order),
		payments: make(map[string]model.Payment),
		receipts: make(map[string]model.Receipt),
	}
}

func (store *memStore) Close() error {
	return nil
}

func (store *memStore) Tx(ctx context.Context, fn func(tx Tx) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		store:    store,
		products: make(map[string]model.Product),
		orders:   make(map[string]model.Order),
		payments: make(map[string]model.Payment),
		receipts: make(map[string]model.Receipt),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for id, product := range tx.products {
		store.products[id] = product
	}
	for id, order := range tx.orders {
		store.orders[id] = order
	}
	for id, payment := range tx.payments {
		store.payments[id] = payment
	}
	for id, receipt := range tx.receipts {
		store.receipts[id] = receipt
	}
	store.history = append(store.history, tx.history...)
	return nil
}

func (store *memStore) ProductGet(_ context.Context, productID string) (model.Product, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	product, ok := store.products[productID]
	if !ok {
		return model.Product{}, ErrNotFound
	}
	return product, nil
}

func (store *memStore) ProductPut(_ context.Context, product model.Product) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.products[product.ID] = product
	return nil
}

func (store *memStore) SellerGet(_ context.Context, sellerID string) (model.Seller, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	seller, ok := store.sellers[sellerID]
	if !ok {
		return model.Seller{}, ErrNotFound
	}
	return seller, nil
}

func (store *memStore) SellerPut(_ context.Context, seller model.Seller) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	// отметка напоминания меняется только через ReminderClaim
	if existing, ok := store.sellers[seller.ID]; ok {
		seller.Data.LastReminderAt = existing.Data.LastReminderAt
	} else {
		seller.Data.LastReminderAt = nil
	}
	store.sellers[seller.ID] = seller
	return nil
}

func (store *memStore) ReminderClaim(_ context.Context, sellerID string, now time.Time, interval time.Duration) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	seller, ok := store.sellers[sellerID]
	if !ok {
		return false, nil
	}
	last := seller.Data.LastReminderAt
	if last != nil && last.After(now.Add(-interval)) {
		return false, nil
	}
	claimed := now
	seller.Data.LastReminderAt = &claimed
	store.sellers[sellerID] = seller
	return true, nil
}

func (store *memStore) OrderGet(_ context.Context, orderID string) (model.Order, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	order, ok := store.orders[orderID]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return order, nil
}

func (store *memStore) OrderListAwaitingPayment(_ context.Context, expiredBefore time.Time) ([]model.Order, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	var orders []model.Order
	for _, order := range store.orders {
		if order.Data.Status != model.OrderStatusPending {
			continue
		}
		if order.Data.PaymentStatus != model.PaymentStatusPending && order.Data.PaymentStatus != model.PaymentStatusFailed {
			continue
		}
		if order.Data.ExpiresAt.After(expiredBefore) {
			continue
		}
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Data.ExpiresAt.Before(orders[j].Data.ExpiresAt)
	})
	return orders, nil
}

func (store *memStore) PaymentGet(_ context.Context, paymentID string) (model.Payment, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	payment, ok := store.payments[paymentID]
	if !ok {
		return model.Payment{}, ErrNotFound
	}
	return payment, nil
}

func (store *memStore) PaymentGetByExternalID(_ context.Context, method string, externalID string) (model.Payment, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	for _, payment := range store.payments {
		if externalID != "" && payment.Data.Method == method && payment.Data.ExternalID == externalID {
			return payment, nil
		}
	}
	return model.Payment{}, ErrNotFound
}

func (store *memStore) PaymentGetByReference(_ context.Context, reference string) (model.Payment, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	for _, payment := range store.payments {
		if payment.Data.Reference == reference {
			return payment, nil
		}
	}
	return model.Payment{}, ErrNotFound
}

func (store *memStore) ReceiptGet(_ context.Context, receiptID string) (model.Receipt, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	receipt, ok := store.receipts[receiptID]
	if !ok {
		return model.Receipt{}, ErrNotFound
	}
	return receipt, nil
}

func (store *memStore) ReceiptListPending(_ context.Context, sellerID string) ([]model.Receipt, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	var receipts []model.Receipt
	for _, receipt := range store.receipts {
		if receipt.Data.Status != model.ReceiptStatusPending {
			continue
		}
		if sellerID != "" && receipt.Data.SellerID != sellerID {
			continue
		}
		receipts = append(receipts, receipt)
	}
	sort.Slice(receipts, func(i, j int) bool {
		return receipts[i].Data.UploadedAt.Before(receipts[j].Data.UploadedAt)
	})
	return receipts, nil
}

func (store *memStore) HistoryGet(_ context.Context, orderID string) ([]model.StatusHistory, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	var history []model.StatusHistory
	for _, entry := range store.history {
		if entry.OrderID == orderID {
			history = append(history, entry)
		}
	}
	return history, nil
}

func (store *memStore) NotificationPost(_ context.Context, notification model.Notification) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.notifications = append(store.notifications, notification)
	return nil
}

// Транзакция в памяти: изменения копятся в своих картах до фиксации

type memTx struct {
	store    *memStore
	products map[string]model.Product
	orders   map[string]model.Order
	payments map[string]model.Payment
	receipts map[string]model.Receipt
	history  []model.StatusHistory
}

func (t *memTx) ProductLock(_ context.Context, productID string) (model.Product, error) {
	if product, ok := t.products[productID]; ok {
		return product, nil
	}
	product, ok := t.store.products[productID]
	if !ok {
		return model.Product{}, ErrNotFound
	}
	return product, nil
}

func (t *memTx) ProductPut(ctx context.Context, product model.Product) error {
	if _, err := t.ProductLock(ctx, product.ID); err != nil {
		return err
	}
	t.products[product.ID] = product
	return nil
}

func (t *memTx) OrderLock(_ context.Context, orderID string) (model.Order, error) {
	if order, ok := t.orders[orderID]; ok {
		return order, nil
	}
	order, ok := t.store.orders[orderID]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return order, nil
}

func (t *memTx) OrderPost(ctx context.Context, order model.Order) error {
	if _, err := t.OrderLock(ctx, order.ID); err == nil {
		return ErrAlreadyExists
	}
	t.orders[order.ID] = order
	return nil
}

func (t *memTx) OrderPut(ctx context.Context, order model.Order) error {
	if _, err := t.OrderLock(ctx, order.ID); err != nil {
		return err
	}
	t.orders[order.ID] = order
	return nil
}

func (t *memTx) PaymentLock(_ context.Context, paymentID string) (model.Payment, error) {
	if payment, ok := t.payments[paymentID]; ok {
		return payment, nil
	}
	payment, ok := t.store.payments[paymentID]
	if !ok {
		return model.Payment{}, ErrNotFound
	}
	return payment, nil
}

func (t *memTx) PaymentPost(ctx context.Context, payment model.Payment) error {
	if _, err := t.PaymentLock(ctx, payment.ID); err == nil {
		return ErrAlreadyExists
	}
	if t.paymentConflict(payment) {
		return ErrAlreadyExists
	}
	t.payments[payment.ID] = payment
	return nil
}

func (t *memTx) PaymentPut(ctx context.Context, payment model.Payment) error {
	if _, err := t.PaymentLock(ctx, payment.ID); err != nil {
		return err
	}
	if t.paymentConflict(payment) {
		return ErrAlreadyExists
	}
	t.payments[payment.ID] = payment
	return nil
}

// paymentConflict проверяет уникальность reference и (method, external_id)
func (t *memTx) paymentConflict(payment model.Payment) bool {
	conflict := func(other model.Payment) bool {
		if other.ID == payment.ID {
			return false
		}
		if other.Data.Reference == payment.Data.Reference {
			return true
		}
		return payment.Data.ExternalID != "" &&
			other.Data.Method == payment.Data.Method &&
			other.Data.ExternalID == payment.Data.ExternalID
	}
	for id, other := range t.store.payments {
		if staged, ok := t.payments[id]; ok {
			other = staged
		}
		if conflict(other) {
			return true
		}
	}
	for id, other := range t.payments {
		if _, ok := t.store.payments[id]; ok {
			continue
		}
		if conflict(other) {
			return true
		}
	}
	return false
}

func (t *memTx) ReceiptLock(_ context.Context, receiptID string) (model.Receipt, error) {
	if receipt, ok := t.receipts[receiptID]; ok {
		return receipt, nil
	}
	receipt, ok := t.store.receipts[receiptID]
	if !ok {
		return model.Receipt{}, ErrNotFound
	}
	return receipt, nil
}

func (t *memTx) ReceiptPost(ctx context.Context, receipt model.Receipt) error {
	if _, err := t.ReceiptLock(ctx, receipt.ID); err == nil {
		return ErrAlreadyExists
	}
	t.receipts[receipt.ID] = receipt
	return nil
}

func (t *memTx) ReceiptPut(ctx context.Context, receipt model.Receipt) error {
	if _, err := t.ReceiptLock(ctx, receipt.ID); err != nil {
		return err
	}
	t.receipts[receipt.ID] = receipt
	return nil
}

func (t *memTx) HistoryAppend(_ context.Context, entry model.StatusHistory) error {
	t.history = append(t.history, entry)
	return nil
}
