package config

type Config struct {
	DBDsn string // пусто = хранилище в памяти
}
