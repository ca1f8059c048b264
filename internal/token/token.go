package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const tokenExp = 24 * time.Hour

var ErrInvalidToken = errors.New("invalid token")

// Claims токен пользователя
type Claims struct {
	jwt.RegisteredClaims
	UserCode string `json:"user_code"`
	Role     string `json:"role,omitempty"`
}

// Роли
const (
	RoleBuyer    = "buyer"
	RoleSeller   = "seller"
	RoleOperator = "operator"
)

// BuildJWTString создает токен пользователя
func BuildJWTString(secret string, userCode string, role string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenExp)),
		},
		UserCode: userCode,
		Role:     role,
	})
	return token.SignedString([]byte(secret))
}

// GetClaims проверяет токен пользователя
func GetClaims(secret string, tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc(secret))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserCode == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// ActionClaims токен ссылки на решение по чеку из письма продавцу.
// Без времени выпуска: токен однозначно определяется чеком, действием и секретом.
type ActionClaims struct {
	ReceiptID string `json:"receipt_id"`
	Action    string `json:"action"`
}

func (c ActionClaims) Valid() error {
	if c.ReceiptID == "" || c.Action == "" {
		return ErrInvalidToken
	}
	return nil
}

func BuildActionToken(secret string, receiptID string, action string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ActionClaims{ReceiptID: receiptID, Action: action})
	return token.SignedString([]byte(secret))
}

// VerifyActionToken проверяет, что токен выпущен для этого чека и действия
func VerifyActionToken(secret string, tokenString string, receiptID string, action string) error {
	var claims ActionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc(secret))
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	if claims.ReceiptID != receiptID || claims.Action != action {
		return ErrInvalidToken
	}
	return nil
}

func keyFunc(secret string) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}
}
