package billclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// JSON запрос на выставление счета
type BillRequest struct {
	Provider    string `json:"provider"`
	Reference   string `json:"reference_1"`
	Amount      int64  `json:"amount"` // в центах
	Currency    string `json:"currency"`
	Description string `json:"description"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Mobile      string `json:"mobile,omitempty"`
	CallbackURL string `json:"callback_url"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// JSON ответ шлюза
type Bill struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// BillClient выставляет счет в шлюзе и возвращает его id (ключ идемпотентности) и ссылку на оплату
type BillClient interface {
	CreateBill(ctx context.Context, req BillRequest) (Bill, error)
}

type billClient struct {
	client *resty.Client
}

func NewBillClient(serviceAddr string, apiKey string) BillClient {
	client := resty.New().
		SetBaseURL(serviceAddr).
		SetBasicAuth(apiKey, "").
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return billClient{client: client}
}

// AmountCents сумма в центах для шлюза
func AmountCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func (client billClient) CreateBill(ctx context.Context, req BillRequest) (Bill, error) {
	path := "/api/v3/bills"

	setresp, err := client.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(path)
	if err != nil {
		return Bill{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	switch setresp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		var bill Bill
		if err = json.Unmarshal(setresp.Body(), &bill); err != nil {
			return Bill{}, err
		}
		if bill.ID == "" || bill.URL == "" {
			return Bill{}, fmt.Errorf("%w: empty bill in response", ErrGatewayUnavailable)
		}
		return bill, nil
	default:
		return Bill{}, fmt.Errorf("%w: bill request status: %d", ErrGatewayUnavailable, setresp.StatusCode())
	}
}
