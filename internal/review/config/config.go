package config

type Config struct {
	// Секрет токенов ссылок в письмах продавцу
	TokenSecret string
	// Базовый адрес для ссылок в письмах
	PublicURL string
}
