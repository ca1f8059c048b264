package config

type Config struct {
	BillplzKey string
	ChipKey    string
	// Адрес redis для кэша обработанных callback. Пусто = без кэша
	RedisAddr string
}
