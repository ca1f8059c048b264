// Package gateway переводит callback платежных шлюзов в единое событие PaymentEvent.
// Адаптеры только проверяют подпись и разбирают тело, состояние не меняют.
package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/marketplace/internal/gateway/config"
)

type Outcome string

const (
	OutcomePaid   Outcome = "paid"
	OutcomeFailed Outcome = "failed"
)

// PaymentEvent результат оплаты, сообщенный шлюзом
type PaymentEvent struct {
	ExternalID string
	Reference  string
	Amount     decimal.Decimal
	Outcome    Outcome
	OccurredAt time.Time
}

type Adapter interface {
	Name() string
	VerifySignature(raw []byte, header http.Header) bool
	Parse(raw []byte) (PaymentEvent, error)
}

var (
	ErrUnknownProvider  = errors.New("unknown payment provider")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Registry адаптеры по имени провайдера
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// NewDefaultRegistry адаптеры провайдеров, для которых задан ключ подписи.
func NewDefaultRegistry(cfg config.Config) *Registry {
	var adapters []Adapter
	if cfg.BillplzKey != "" {
		adapters = append(adapters, NewBillplz(cfg.BillplzKey))
	}
	if cfg.ChipKey != "" {
		adapters = append(adapters, NewChip(cfg.ChipKey))
	}
	return NewRegistry(adapters...)
}

func (r *Registry) Get(provider string) (Adapter, bool) {
	a, ok := r.adapters[provider]
	return a, ok
}

// Decode проверяет подпись до любого разбора и поиска.
func (r *Registry) Decode(provider string, raw []byte, header http.Header) (PaymentEvent, error) {
	a, ok := r.Get(provider)
	if !ok {
		return PaymentEvent{}, ErrUnknownProvider
	}
	if !a.VerifySignature(raw, header) {
		return PaymentEvent{}, ErrInvalidSignature
	}
	event, err := a.Parse(raw)
	if err != nil {
		return PaymentEvent{}, err
	}
	if event.ExternalID == "" && event.Reference == "" {
		return PaymentEvent{}, ErrMalformedPayload
	}
	return event, nil
}

// amountFromCents суммы шлюзов приходят в центах
func amountFromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
