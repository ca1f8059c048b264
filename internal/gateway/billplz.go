package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const signatureField = "x_signature"

// billplz callback в виде формы. Подпись x_signature: HMAC-SHA256 строки из
// отсортированных пар key+value, разделенных "|".
type billplz struct {
	key []byte
}

func NewBillplz(key string) Adapter {
	return &billplz{key: []byte(key)}
}

func (b *billplz) Name() string {
	return "billplz"
}

func (b *billplz) VerifySignature(raw []byte, _ http.Header) bool {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return false
	}
	signature := form.Get(signatureField)
	if signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, b.sign(form))
}

func (b *billplz) sign(form url.Values) []byte {
	keys := make([]string, 0, len(form))
	for k := range form {
		if k != signatureField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+form.Get(k))
	}
	mac := hmac.New(sha256.New, b.key)
	mac.Write([]byte(strings.Join(parts, "|")))
	return mac.Sum(nil)
}

// SignBillplz подпись формы, как ее считает шлюз
func SignBillplz(key string, form url.Values) string {
	return hex.EncodeToString((&billplz{key: []byte(key)}).sign(form))
}

func (b *billplz) Parse(raw []byte) (PaymentEvent, error) {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var event PaymentEvent
	event.ExternalID = form.Get("id")
	event.Reference = form.Get("reference_1")

	switch form.Get("paid") {
	case "true":
		event.Outcome = OutcomePaid
	case "false":
		event.Outcome = OutcomeFailed
	default:
		return PaymentEvent{}, fmt.Errorf("%w: paid=%q", ErrMalformedPayload, form.Get("paid"))
	}

	amount := form.Get("paid_amount")
	if amount == "" {
		amount = form.Get("amount")
	}
	if amount != "" {
		cents, err := strconv.ParseInt(amount, 10, 64)
		if err != nil || cents < 0 {
			return PaymentEvent{}, fmt.Errorf("%w: amount=%q", ErrMalformedPayload, amount)
		}
		event.Amount = amountFromCents(cents)
	}

	event.OccurredAt = time.Now().UTC()
	if paidAt := form.Get("paid_at"); paidAt != "" {
		t, err := time.Parse("2006-01-02 15:04:05 -0700", paidAt)
		if err != nil {
			return PaymentEvent{}, fmt.Errorf("%w: paid_at=%q", ErrMalformedPayload, paidAt)
		}
		event.OccurredAt = t.UTC()
	}
	return event, nil
}
