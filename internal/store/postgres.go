package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iurnickita/marketplace/internal/model"
)

// querier общий интерфейс *sql.DB и *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const (
	productColumns = "id, seller_id, name, price, stock, held"
	sellerColumns  = "id, name, email, reminder_cadence, last_reminder_at"
	orderColumns   = "id, product_id, seller_id, buyer_id, quantity, total_amount, shipping_cost," +
		" shipping_address, phone, buyer_name, buyer_email, status, payment_status, payment_id," +
		" anomaly, created_at, expires_at, updated_at"
	paymentColumns = "id, order_id, reference, amount, currency, method, external_id, status," +
		" paid_amount, paid_at, bill_url, created_at"
	receiptColumns = "id, order_id, seller_id, product_id, quantity, buyer_id, buyer_name, buyer_email," +
		" buyer_phone, shipping_address, amount, image, image_type, status, uploaded_at, reviewed_at," +
		" reviewed_by, seller_notes"
	historyColumns = "id, order_id, status, payment_status, description, updated_by, created_at"
)

type pgStore struct {
	database *sql.DB
}

func newPgStore(db *sql.DB) *pgStore {
	return &pgStore{database: db}
}

func (store *pgStore) Close() error {
	return store.database.Close()
}

func (store *pgStore) Tx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (store *pgStore) ProductGet(ctx context.Context, productID string) (model.Product, error) {
	return getProduct(ctx, store.database, productID, false)
}

func (store *pgStore) ProductPut(ctx context.Context, product model.Product) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO product ("+productColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6)"+
			" ON CONFLICT (id) DO UPDATE"+
			" SET seller_id = $2, name = $3, price = $4, stock = $5, held = $6",
		product.ID,
		product.Data.SellerID,
		product.Data.Name,
		product.Data.Price,
		product.Data.Stock,
		product.Data.Held)
	return err
}

func (store *pgStore) SellerGet(ctx context.Context, sellerID string) (model.Seller, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+sellerColumns+" FROM seller WHERE id = $1",
		sellerID)
	var seller model.Seller
	var cadence string
	var lastReminderAt sql.NullTime
	err := row.Scan(&seller.ID,
		&seller.Data.Name,
		&seller.Data.Email,
		&cadence,
		&lastReminderAt)
	if err != nil {
		return model.Seller{}, noRows(err)
	}
	seller.Data.ReminderCadence = model.ReminderCadence(cadence)
	seller.Data.LastReminderAt = timePtr(lastReminderAt)
	return seller, nil
}

func (store *pgStore) SellerPut(ctx context.Context, seller model.Seller) error {
	// last_reminder_at меняется только через ReminderClaim
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO seller (id, name, email, reminder_cadence)"+
			" VALUES ($1, $2, $3, $4)"+
			" ON CONFLICT (id) DO UPDATE"+
			" SET name = $2, email = $3, reminder_cadence = $4",
		seller.ID,
		seller.Data.Name,
		seller.Data.Email,
		string(seller.Data.ReminderCadence))
	return err
}

// ReminderClaim атомарно сдвигает отметку последнего напоминания,
// если с прошлого напоминания прошло не меньше interval.
func (store *pgStore) ReminderClaim(ctx context.Context, sellerID string, now time.Time, interval time.Duration) (bool, error) {
	res, err := store.database.ExecContext(ctx,
		"UPDATE seller"+
			" SET last_reminder_at = $1"+
			" WHERE id = $2"+
			"   AND (last_reminder_at IS NULL OR last_reminder_at <= $3)",
		now,
		sellerID,
		now.Add(-interval))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (store *pgStore) OrderGet(ctx context.Context, orderID string) (model.Order, error) {
	return getOrder(ctx, store.database, orderID, false)
}

func (store *pgStore) OrderListAwaitingPayment(ctx context.Context, expiredBefore time.Time) ([]model.Order, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM purchase_order"+
			" WHERE status = $1"+
			"   AND payment_status IN ($2, $3)"+
			"   AND expires_at <= $4"+
			" ORDER BY expires_at",
		string(model.OrderStatusPending),
		string(model.PaymentStatusPending),
		string(model.PaymentStatusFailed),
		expiredBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (store *pgStore) PaymentGet(ctx context.Context, paymentID string) (model.Payment, error) {
	return getPayment(ctx, store.database, "id = $1", false, paymentID)
}

func (store *pgStore) PaymentGetByExternalID(ctx context.Context, method string, externalID string) (model.Payment, error) {
	return getPayment(ctx, store.database, "method = $1 AND external_id = $2", false, method, externalID)
}

func (store *pgStore) PaymentGetByReference(ctx context.Context, reference string) (model.Payment, error) {
	return getPayment(ctx, store.database, "reference = $1", false, reference)
}

func (store *pgStore) ReceiptGet(ctx context.Context, receiptID string) (model.Receipt, error) {
	return getReceipt(ctx, store.database, receiptID, false)
}

func (store *pgStore) ReceiptListPending(ctx context.Context, sellerID string) ([]model.Receipt, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+receiptColumns+" FROM receipt"+
			" WHERE status = $1"+
			"   AND ($2 = '' OR seller_id = $2)"+
			" ORDER BY uploaded_at",
		string(model.ReceiptStatusPending),
		sellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []model.Receipt
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}

func (store *pgStore) HistoryGet(ctx context.Context, orderID string) ([]model.StatusHistory, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+historyColumns+" FROM status_history"+
			" WHERE order_id = $1"+
			" ORDER BY created_at, id",
		orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []model.StatusHistory
	for rows.Next() {
		var entry model.StatusHistory
		var status, paymentStatus string
		err := rows.Scan(&entry.ID,
			&entry.OrderID,
			&status,
			&paymentStatus,
			&entry.Description,
			&entry.UpdatedBy,
			&entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		entry.Status = model.OrderStatus(status)
		entry.PaymentStatus = model.PaymentStatus(paymentStatus)
		history = append(history, entry)
	}
	return history, rows.Err()
}

func (store *pgStore) NotificationPost(ctx context.Context, notification model.Notification) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO notification (id, recipient, subject, success, error, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6)",
		notification.ID,
		notification.To,
		notification.Subject,
		notification.Success,
		notification.Error,
		notification.CreatedAt)
	return err
}

// Транзакция

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) ProductLock(ctx context.Context, productID string) (model.Product, error) {
	return getProduct(ctx, t.tx, productID, true)
}

func (t *pgTx) ProductPut(ctx context.Context, product model.Product) error {
	return exactlyOne(t.tx.ExecContext(ctx,
		"UPDATE product SET stock = $1, held = $2 WHERE id = $3",
		product.Data.Stock,
		product.Data.Held,
		product.ID))
}

func (t *pgTx) OrderLock(ctx context.Context, orderID string) (model.Order, error) {
	return getOrder(ctx, t.tx, orderID, true)
}

func (t *pgTx) OrderPost(ctx context.Context, order model.Order) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO purchase_order ("+orderColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)",
		order.ID,
		order.Data.ProductID,
		order.Data.SellerID,
		order.Data.BuyerID,
		order.Data.Quantity,
		order.Data.TotalAmount,
		order.Data.ShippingCost,
		order.Data.ShippingAddress,
		order.Data.Phone,
		order.Data.BuyerName,
		order.Data.BuyerEmail,
		string(order.Data.Status),
		string(order.Data.PaymentStatus),
		order.Data.PaymentID,
		order.Data.Anomaly,
		order.Data.CreatedAt,
		order.Data.ExpiresAt,
		order.Data.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (t *pgTx) OrderPut(ctx context.Context, order model.Order) error {
	return exactlyOne(t.tx.ExecContext(ctx,
		"UPDATE purchase_order"+
			" SET status = $1, payment_status = $2, payment_id = $3, anomaly = $4, updated_at = $5"+
			" WHERE id = $6",
		string(order.Data.Status),
		string(order.Data.PaymentStatus),
		order.Data.PaymentID,
		order.Data.Anomaly,
		order.Data.UpdatedAt,
		order.ID))
}

func (t *pgTx) PaymentLock(ctx context.Context, paymentID string) (model.Payment, error) {
	return getPayment(ctx, t.tx, "id = $1", true, paymentID)
}

func (t *pgTx) PaymentPost(ctx context.Context, payment model.Payment) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO payment ("+paymentColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)",
		payment.ID,
		payment.Data.OrderID,
		payment.Data.Reference,
		payment.Data.Amount,
		payment.Data.Currency,
		payment.Data.Method,
		payment.Data.ExternalID,
		string(payment.Data.Status),
		payment.Data.PaidAmount,
		nullTime(payment.Data.PaidAt),
		payment.Data.BillURL,
		payment.Data.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (t *pgTx) PaymentPut(ctx context.Context, payment model.Payment) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE payment"+
			" SET external_id = $1, status = $2, paid_amount = $3, paid_at = $4, bill_url = $5"+
			" WHERE id = $6",
		payment.Data.ExternalID,
		string(payment.Data.Status),
		payment.Data.PaidAmount,
		nullTime(payment.Data.PaidAt),
		payment.Data.BillURL,
		payment.ID)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (t *pgTx) ReceiptLock(ctx context.Context, receiptID string) (model.Receipt, error) {
	return getReceipt(ctx, t.tx, receiptID, true)
}

func (t *pgTx) ReceiptPost(ctx context.Context, receipt model.Receipt) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO receipt ("+receiptColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)",
		receipt.ID,
		receipt.Data.OrderID,
		receipt.Data.SellerID,
		receipt.Data.ProductID,
		receipt.Data.Quantity,
		receipt.Data.BuyerID,
		receipt.Data.BuyerName,
		receipt.Data.BuyerEmail,
		receipt.Data.BuyerPhone,
		receipt.Data.ShippingAddress,
		receipt.Data.Amount,
		receipt.Data.Image,
		receipt.Data.ImageType,
		string(receipt.Data.Status),
		receipt.Data.UploadedAt,
		nullTime(receipt.Data.ReviewedAt),
		receipt.Data.ReviewedBy,
		receipt.Data.SellerNotes)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (t *pgTx) ReceiptPut(ctx context.Context, receipt model.Receipt) error {
	return exactlyOne(t.tx.ExecContext(ctx,
		"UPDATE receipt"+
			" SET order_id = $1, status = $2, reviewed_at = $3, reviewed_by = $4, seller_notes = $5"+
			" WHERE id = $6",
		receipt.Data.OrderID,
		string(receipt.Data.Status),
		nullTime(receipt.Data.ReviewedAt),
		receipt.Data.ReviewedBy,
		receipt.Data.SellerNotes,
		receipt.ID))
}

func (t *pgTx) HistoryAppend(ctx context.Context, entry model.StatusHistory) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO status_history ("+historyColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7)",
		entry.ID,
		entry.OrderID,
		string(entry.Status),
		string(entry.PaymentStatus),
		entry.Description,
		entry.UpdatedBy,
		entry.CreatedAt)
	return err
}

// Чтение строк

func forUpdate(lock bool) string {
	if lock {
		return " FOR UPDATE"
	}
	return ""
}

func getProduct(ctx context.Context, q querier, productID string, lock bool) (model.Product, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+productColumns+" FROM product WHERE id = $1"+forUpdate(lock),
		productID)
	var product model.Product
	err := row.Scan(&product.ID,
		&product.Data.SellerID,
		&product.Data.Name,
		&product.Data.Price,
		&product.Data.Stock,
		&product.Data.Held)
	if err != nil {
		return model.Product{}, noRows(err)
	}
	return product, nil
}

func getOrder(ctx context.Context, q querier, orderID string, lock bool) (model.Order, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM purchase_order WHERE id = $1"+forUpdate(lock),
		orderID)
	order, err := scanOrder(row)
	if err != nil {
		return model.Order{}, noRows(err)
	}
	return order, nil
}

func scanOrder(row scanner) (model.Order, error) {
	var order model.Order
	var status, paymentStatus string
	err := row.Scan(&order.ID,
		&order.Data.ProductID,
		&order.Data.SellerID,
		&order.Data.BuyerID,
		&order.Data.Quantity,
		&order.Data.TotalAmount,
		&order.Data.ShippingCost,
		&order.Data.ShippingAddress,
		&order.Data.Phone,
		&order.Data.BuyerName,
		&order.Data.BuyerEmail,
		&status,
		&paymentStatus,
		&order.Data.PaymentID,
		&order.Data.Anomaly,
		&order.Data.CreatedAt,
		&order.Data.ExpiresAt,
		&order.Data.UpdatedAt)
	if err != nil {
		return model.Order{}, err
	}
	order.Data.Status = model.OrderStatus(status)
	order.Data.PaymentStatus = model.PaymentStatus(paymentStatus)
	return order, nil
}

func getPayment(ctx context.Context, q querier, where string, lock bool, args ...any) (model.Payment, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payment WHERE "+where+forUpdate(lock),
		args...)
	var payment model.Payment
	var status string
	var paidAt sql.NullTime
	err := row.Scan(&payment.ID,
		&payment.Data.OrderID,
		&payment.Data.Reference,
		&payment.Data.Amount,
		&payment.Data.Currency,
		&payment.Data.Method,
		&payment.Data.ExternalID,
		&status,
		&payment.Data.PaidAmount,
		&paidAt,
		&payment.Data.BillURL,
		&payment.Data.CreatedAt)
	if err != nil {
		return model.Payment{}, noRows(err)
	}
	payment.Data.Status = model.PaymentState(status)
	payment.Data.PaidAt = timePtr(paidAt)
	return payment, nil
}

func getReceipt(ctx context.Context, q querier, receiptID string, lock bool) (model.Receipt, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+receiptColumns+" FROM receipt WHERE id = $1"+forUpdate(lock),
		receiptID)
	receipt, err := scanReceipt(row)
	if err != nil {
		return model.Receipt{}, noRows(err)
	}
	return receipt, nil
}

func scanReceipt(row scanner) (model.Receipt, error) {
	var receipt model.Receipt
	var status string
	var reviewedAt sql.NullTime
	err := row.Scan(&receipt.ID,
		&receipt.Data.OrderID,
		&receipt.Data.SellerID,
		&receipt.Data.ProductID,
		&receipt.Data.Quantity,
		&receipt.Data.BuyerID,
		&receipt.Data.BuyerName,
		&receipt.Data.BuyerEmail,
		&receipt.Data.BuyerPhone,
		&receipt.Data.ShippingAddress,
		&receipt.Data.Amount,
		&receipt.Data.Image,
		&receipt.Data.ImageType,
		&status,
		&receipt.Data.UploadedAt,
		&reviewedAt,
		&receipt.Data.ReviewedBy,
		&receipt.Data.SellerNotes)
	if err != nil {
		return model.Receipt{}, err
	}
	receipt.Data.Status = model.ReceiptStatus(status)
	receipt.Data.ReviewedAt = timePtr(reviewedAt)
	return receipt, nil
}

func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func exactlyOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
