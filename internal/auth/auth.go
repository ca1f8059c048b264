package auth

import (
	"net/http"
	"strings"

	"github.com/iurnickita/marketplace/internal/token"
)

// Auth проверяет токен пользователя и передает код и роль хендлеру в заголовках запроса
type Auth interface {
	// Middleware требует токен
	Middleware(h http.HandlerFunc) http.HandlerFunc
	// Optional пропускает гостя без заголовков пользователя
	Optional(h http.HandlerFunc) http.HandlerFunc
}

const (
	HeaderUserCodeKey = "X-User-Code"
	HeaderRoleKey     = "X-User-Role"
	cookieUserToken   = "marketplaceUserToken"
)

type auth struct {
	secret string
}

func NewAuth(secret string) Auth {
	return &auth{secret: secret}
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clearIdentity(r)

		// получение пользователя
		claims, err := a.getClaims(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// записываем
		setIdentity(r, claims)

		// передаём управление хендлеру
		h.ServeHTTP(w, r)
	}
}

func (a *auth) Optional(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clearIdentity(r)
		if claims, err := a.getClaims(r); err == nil {
			setIdentity(r, claims)
		}
		h.ServeHTTP(w, r)
	}
}

func (a *auth) getClaims(r *http.Request) (token.Claims, error) {
	// заголовок Authorization, затем куки пользователя
	tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		tokenCookie, err := r.Cookie(cookieUserToken)
		if err != nil {
			return token.Claims{}, token.ErrInvalidToken
		}
		tokenString = tokenCookie.Value
	}
	return token.GetClaims(a.secret, tokenString)
}

// клиент не может подставить заголовки пользователя сам
func clearIdentity(r *http.Request) {
	r.Header.Del(HeaderUserCodeKey)
	r.Header.Del(HeaderRoleKey)
}

func setIdentity(r *http.Request, claims token.Claims) {
	r.Header.Set(HeaderUserCodeKey, claims.UserCode)
	role := claims.Role
	if role == "" {
		role = token.RoleBuyer
	}
	r.Header.Set(HeaderRoleKey, role)
}
