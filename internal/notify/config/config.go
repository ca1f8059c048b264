package config

type Config struct {
	// Адрес HTTP API почтового сервиса. Пусто = письма только пишутся в лог
	SenderAddr    string
	SenderKey     string
	From          string
	OperatorEmail string
	Workers       int
	QueueSize     int
}
