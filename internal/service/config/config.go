package config

import "time"

type Config struct {
	// Адрес сервиса выставления счетов платежного шлюза
	GatewayAddr   string
	GatewayKey    string
	Currency      string
	PaymentWindow time.Duration
	CallbackURL   string
	RedirectURL   string
}
