package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const chipSignatureHeader = "X-Signature"

// chip callback в JSON, подпись в заголовке: base64(HMAC-SHA256(тело)).
type chip struct {
	key []byte
}

func NewChip(key string) Adapter {
	return &chip{key: []byte(key)}
}

func (c *chip) Name() string {
	return "chip"
}

func (c *chip) VerifySignature(raw []byte, header http.Header) bool {
	signature := header.Get(chipSignatureHeader)
	if signature == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, c.sign(raw))
}

func (c *chip) sign(raw []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(raw)
	return mac.Sum(nil)
}

// SignChip подпись тела, как ее считает шлюз
func SignChip(key string, raw []byte) string {
	return base64.StdEncoding.EncodeToString((&chip{key: []byte(key)}).sign(raw))
}

// JSON callback chip
type chipCallback struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
	PaidOn    int64  `json:"paid_on"`
	Purchase  struct {
		Total int64 `json:"total"`
	} `json:"purchase"`
}

const (
	chipStatusPaid    = "paid"
	chipStatusError   = "error"
	chipStatusExpired = "expired"
	chipStatusFailed  = "payment_failure"
)

func (c *chip) Parse(raw []byte) (PaymentEvent, error) {
	var callback chipCallback
	if err := json.Unmarshal(raw, &callback); err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	event := PaymentEvent{
		ExternalID: callback.ID,
		Reference:  callback.Reference,
		Amount:     amountFromCents(callback.Purchase.Total),
		OccurredAt: time.Now().UTC(),
	}
	switch callback.Status {
	case chipStatusPaid:
		event.Outcome = OutcomePaid
	case chipStatusError, chipStatusExpired, chipStatusFailed:
		event.Outcome = OutcomeFailed
	default:
		return PaymentEvent{}, fmt.Errorf("%w: status=%q", ErrMalformedPayload, callback.Status)
	}
	if callback.Purchase.Total < 0 {
		return PaymentEvent{}, fmt.Errorf("%w: negative total", ErrMalformedPayload)
	}
	if callback.PaidOn > 0 {
		event.OccurredAt = time.Unix(callback.PaidOn, 0).UTC()
	}
	return event, nil
}
