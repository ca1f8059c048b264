package config

type Config struct {
	ServerAddr string
	// Секрет токенов пользователей
	TokenSecret string
}
