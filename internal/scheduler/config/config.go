package config

import "time"

type Config struct {
	ReminderInterval time.Duration
	ExpiryInterval   time.Duration
}
