package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/marketplace/internal/model"
	"github.com/iurnickita/marketplace/internal/store/config"
)

// Store единственный источник истины по заказам, платежам, чекам и истории.
// Изменения состояния выполняются только внутри Tx.
type Store interface {
	ProductGet(ctx context.Context, productID string) (model.Product, error)
	ProductPut(ctx context.Context, product model.Product) error
	SellerGet(ctx context.Context, sellerID string) (model.Seller, error)
	SellerPut(ctx context.Context, seller model.Seller) error
	OrderGet(ctx context.Context, orderID string) (model.Order, error)
	OrderListAwaitingPayment(ctx context.Context, expiredBefore time.Time) ([]model.Order, error)
	PaymentGet(ctx context.Context, paymentID string) (model.Payment, error)
	PaymentGetByExternalID(ctx context.Context, method string, externalID string) (model.Payment, error)
	PaymentGetByReference(ctx context.Context, reference string) (model.Payment, error)
	ReceiptGet(ctx context.Context, receiptID string) (model.Receipt, error)
	ReceiptListPending(ctx context.Context, sellerID string) ([]model.Receipt, error)
	HistoryGet(ctx context.Context, orderID string) ([]model.StatusHistory, error)
	ReminderClaim(ctx context.Context, sellerID string, now time.Time, interval time.Duration) (bool, error)
	NotificationPost(ctx context.Context, notification model.Notification) error
	Tx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx транзакция хранилища. Методы *Lock блокируют строку до конца транзакции.
// Порядок блокировок: чек -> заказ -> платеж -> товар.
type Tx interface {
	ProductLock(ctx context.Context, productID string) (model.Product, error)
	ProductPut(ctx context.Context, product model.Product) error
	OrderLock(ctx context.Context, orderID string) (model.Order, error)
	OrderPost(ctx context.Context, order model.Order) error
	OrderPut(ctx context.Context, order model.Order) error
	PaymentLock(ctx context.Context, paymentID string) (model.Payment, error)
	PaymentPost(ctx context.Context, payment model.Payment) error
	PaymentPut(ctx context.Context, payment model.Payment) error
	ReceiptLock(ctx context.Context, receiptID string) (model.Receipt, error)
	ReceiptPost(ctx context.Context, receipt model.Receipt) error
	ReceiptPut(ctx context.Context, receipt model.Receipt) error
	HistoryAppend(ctx context.Context, entry model.StatusHistory) error
}

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// NewStore возвращает хранилище PostgreSQL или, если DSN не задан, хранилище в памяти.
func NewStore(cfg config.Config) (Store, error) {
	if cfg.DBDsn == "" {
		return NewMemStore(), nil
	}

	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return newPgStore(db), nil
}

func migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

var schema = []string{
	// Каталог. held - мягкий резерв неоплаченных заказов
	"CREATE TABLE IF NOT EXISTS product (" +
		" id VARCHAR (36) PRIMARY KEY," +
		" seller_id VARCHAR (36) NOT NULL," +
		" name VARCHAR (200) NOT NULL," +
		" price NUMERIC (12, 2) NOT NULL," +
		" stock INTEGER NOT NULL CHECK (stock >= 0)," +
		" held INTEGER NOT NULL DEFAULT 0 CHECK (held >= 0)" +
		" );",

	// Продавцы. last_reminder_at хранится в базе, чтобы рестарт не вызывал поток напоминаний
	"CREATE TABLE IF NOT EXISTS seller (" +
		" id VARCHAR (36) PRIMARY KEY," +
		" name VARCHAR (200) NOT NULL," +
		" email VARCHAR (200) NOT NULL," +
		" reminder_cadence VARCHAR (8) NOT NULL DEFAULT 'off'," +
		" last_reminder_at TIMESTAMPTZ" +
		" );",

	"CREATE TABLE IF NOT EXISTS purchase_order (" +
		" id VARCHAR (36) PRIMARY KEY," +
		" product_id VARCHAR (36) NOT NULL," +
		" seller_id VARCHAR (36) NOT NULL," +
		" buyer_id VARCHAR (36) NOT NULL DEFAULT ''," +
		" quantity INTEGER NOT NULL," +
		" total_amount NUMERIC (12, 2) NOT NULL," +
		" shipping_cost NUMERIC (12, 2) NOT NULL," +
		" shipping_address TEXT NOT NULL," +
		" phone VARCHAR (30) NOT NULL," +
		" buyer_name VARCHAR (200) NOT NULL," +
		" buyer_email VARCHAR (200) NOT NULL," +
		" status VARCHAR (20) NOT NULL," +
		" payment_status VARCHAR (20) NOT NULL," +
		" payment_id VARCHAR (36) NOT NULL DEFAULT ''," +
		" anomaly TEXT NOT NULL DEFAULT ''," +
		" created_at TIMESTAMPTZ NOT NULL," +
		" expires_at TIMESTAMPTZ NOT NULL," +
		" updated_at TIMESTAMPTZ NOT NULL" +
		" );",

	// external_id - ключ идемпотентности callback шлюза
	"CREATE TABLE IF NOT EXISTS payment (" +
		" id VARCHAR (36) PRIMARY KEY," +
		" order_id VARCHAR (36) NOT NULL," +
		" reference VARCHAR (20) NOT NULL UNIQUE," +
		" amount NUMERIC (12, 2) NOT NULL," +
		" currency VARCHAR (3) NOT NULL," +
		" method VARCHAR (20) NOT NULL," +
		" external_id VARCHAR (100) NOT NULL DEFAULT ''," +
		" status VARCHAR (10) NOT NULL," +
		" paid_amount NUMERIC (12, 2) NOT NULL DEFAULT 0," +
		" paid_at TIMESTAMPTZ," +
		" bill_url TEXT NOT NULL DEFAULT ''," +
		" created_at TIMESTAMPTZ NOT NULL" +
		" );",
	"CREATE UNIQUE INDEX IF NOT EXISTS payment_external_id" +
		" ON payment (method, external_id) WHERE external_id <> '';",

	"CREATE TABLE IF NOT EXISTS receipt (" +
		" id VARCHAR (36) PRIMARY KEY," +
		" order_id VARCHAR (36) NOT NULL DEFAULT ''," +
		" seller_id VARCHAR (36) NOT NULL," +
		" product_id VARCHAR (36) NOT NULL," +
		" quantity INTEGER NOT NULL," +
		" buyer_id VARCHAR (36) NOT NULL DEFAULT ''," +
		" buyer_name VARCHAR (200) NOT NULL," +
		" buyer_email VARCHAR (200) NOT NULL," +
		" buyer_phone VARCHAR (30) NOT NULL," +
		" shipping_address TEXT NOT NULL," +
		" amount NUMERIC (12, 2) NOT NULL," +
		" image BYTEA," +
		" image_type VARCHAR (50) NOT NULL DEFAULT ''," +
		" status VARCHAR (10) NOT NULL," +
		" uploaded_at TIMESTAMPTZ NOT NULL," +
		" reviewed_at TIMESTAMPTZ," +
		" reviewed_by VARCHAR (36) NOT NULL DEFAULT ''," +
		" seller_notes TEXT NOT NULL DEFAULT ''" +
		" );",
	"CREATE INDEX IF NOT EXISTS receipt_pending ON receipt (seller_id) WHERE status = 'pending';",

	// Журнал статусов. Записи нельзя редактировать/удалять
	"CREATE TABLE IF NOT EXISTS status_history (" +
		" id VARCHAR (36) PRIMARY KEY," +
		" order_id VARCHAR (36) NOT NULL," +
		" status VARCHAR (20) NOT NULL," +
		" payment_status VARCHAR (20) NOT NULL," +
		" description TEXT NOT NULL," +
		" updated_by VARCHAR (36) NOT NULL," +
		" created_at TIMESTAMPTZ NOT NULL" +
		" );",
	"CREATE OR REPLACE RULE status_history_no_update AS ON UPDATE TO status_history DO INSTEAD NOTHING;",
	"CREATE OR REPLACE RULE status_history_no_delete AS ON DELETE TO status_history DO INSTEAD NOTHING;",

	"CREATE TABLE IF NOT EXISTS notification (" +
		" id VARCHAR (36) PRIMARY KEY," +
		" recipient VARCHAR (200) NOT NULL," +
		" subject TEXT NOT NULL," +
		" success BOOLEAN NOT NULL," +
		" error TEXT NOT NULL DEFAULT ''," +
		" created_at TIMESTAMPTZ NOT NULL" +
		" );",
}

// isUniqueViolation нарушение уникальности (уже существует)
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
