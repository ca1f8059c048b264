package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/iurnickita/marketplace/internal/model"
	"github.com/iurnickita/marketplace/internal/store"
)

// Stock резервирование остатков товара.
// Все операции выполняются внутри транзакции хранилища под блокировкой строки товара,
// поэтому два покупателя не могут одновременно занять последнюю единицу.
type Stock interface {
	// Reserve мягкий резерв на время окна оплаты
	Reserve(ctx context.Context, tx store.Tx, productID string, qty int) error
	// Commit окончательное списание ранее зарезервированного количества
	Commit(ctx context.Context, tx store.Tx, productID string, qty int) error
	// CommitDirect списание без предварительного резерва (оплата по QR)
	CommitDirect(ctx context.Context, tx store.Tx, productID string, qty int) error
	// Release возврат резерва при отмене, истечении окна или отклонении
	Release(ctx context.Context, tx store.Tx, productID string, qty int) error
	// Restock возврат списанного количества при возврате денег
	Restock(ctx context.Context, tx store.Tx, productID string, qty int) error
}

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrQuantityIncorrect = errors.New("quantity value is incorrect")
	ErrHoldMismatch      = errors.New("held quantity mismatch")
)

type stock struct{}

func NewStock() Stock {
	return &stock{}
}

func (s *stock) Reserve(ctx context.Context, tx store.Tx, productID string, qty int) error {
	return s.update(ctx, tx, productID, qty, func(p *model.ProductData) error {
		if p.Available() < qty {
			return ErrInsufficientStock
		}
		p.Held += qty
		return nil
	})
}

func (s *stock) Commit(ctx context.Context, tx store.Tx, productID string, qty int) error {
	return s.update(ctx, tx, productID, qty, func(p *model.ProductData) error {
		if p.Held < qty {
			return fmt.Errorf("%w: held %d, commit %d", ErrHoldMismatch, p.Held, qty)
		}
		if p.Stock < qty {
			return ErrInsufficientStock
		}
		p.Held -= qty
		p.Stock -= qty
		return nil
	})
}

func (s *stock) CommitDirect(ctx context.Context, tx store.Tx, productID string, qty int) error {
	return s.update(ctx, tx, productID, qty, func(p *model.ProductData) error {
		if p.Available() < qty {
			return ErrInsufficientStock
		}
		p.Stock -= qty
		return nil
	})
}

func (s *stock) Release(ctx context.Context, tx store.Tx, productID string, qty int) error {
	return s.update(ctx, tx, productID, qty, func(p *model.ProductData) error {
		if p.Held < qty {
			return fmt.Errorf("%w: held %d, release %d", ErrHoldMismatch, p.Held, qty)
		}
		p.Held -= qty
		return nil
	})
}

func (s *stock) Restock(ctx context.Context, tx store.Tx, productID string, qty int) error {
	return s.update(ctx, tx, productID, qty, func(p *model.ProductData) error {
		p.Stock += qty
		return nil
	})
}

func (s *stock) update(ctx context.Context, tx store.Tx, productID string, qty int, fn func(p *model.ProductData) error) error {
	if qty <= 0 {
		return ErrQuantityIncorrect
	}

	//Блокировка строки товара
	product, err := tx.ProductLock(ctx, productID)
	if err != nil {
		return err
	}
	if err = fn(&product.Data); err != nil {
		return err
	}
	return tx.ProductPut(ctx, product)
}
