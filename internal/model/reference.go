package model

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/theplant/luhn"
)

// Номер платежа для покупателя: префикс + 11 цифр + контрольная цифра Луна.
// Контрольная цифра отсекает опечатки при ручном вводе (банковский перевод).
const (
	referencePrefix = "MP"
	referenceDigits = 11
	referenceMod    = 100_000_000_000
)

func NewReference() string {
	id := uuid.New()
	number := int(binary.BigEndian.Uint64(id[:8]) % referenceMod)
	return fmt.Sprintf("%s%0*d%d", referencePrefix, referenceDigits, number, luhn.CalculateLuhn(number))
}

// ValidReference проверяет формат и контрольную цифру номера платежа.
func ValidReference(reference string) bool {
	digits, ok := strings.CutPrefix(reference, referencePrefix)
	if !ok || len(digits) != referenceDigits+1 {
		return false
	}
	number, err := strconv.Atoi(digits)
	if err != nil {
		return false
	}
	return luhn.Valid(number)
}
