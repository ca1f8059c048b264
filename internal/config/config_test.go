package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *pflag.FlagSet {
	return pflag.NewFlagSet("test", pflag.ContinueOnError)
}

func TestParse(t *testing.T) {
	t.Setenv("DATABASE_URI", "postgres://localhost/marketplace")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("PAYMENT_WINDOW", "45m")
	t.Setenv("PUBLIC_URL", "https://shop.example.com")
	t.Setenv("NOTIFY_WORKERS", "8")

	cfg, err := parse(newFlagSet(), []string{"-a", ":9090", "-l", "debug"}, viper.New())
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Handler.ServerAddr)
	assert.Equal(t, "postgres://localhost/marketplace", cfg.Store.DBDsn)
	// флаг важнее переменной окружения
	assert.Equal(t, "debug", cfg.Logger.LogLevel)
	assert.Equal(t, 45*time.Minute, cfg.Service.PaymentWindow)
	assert.Equal(t, 8, cfg.Notify.Workers)
	assert.Equal(t, 256, cfg.Notify.QueueSize)
	assert.Equal(t, time.Minute, cfg.Scheduler.ExpiryInterval)
	assert.Equal(t, "https://shop.example.com/api/webhooks", cfg.Service.CallbackURL)
	assert.Equal(t, cfg.Handler.TokenSecret, cfg.Review.TokenSecret)
}

func TestParseInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{name: "workers not a number", env: "NOTIFY_WORKERS", val: "nine?"},
		{name: "zero workers", env: "NOTIFY_WORKERS", val: "0"},
		{name: "window without unit", env: "PAYMENT_WINDOW", val: "soon"},
		{name: "negative interval", env: "EXPIRY_INTERVAL", val: "-1m"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Setenv(test.env, test.val)

			_, err := parse(newFlagSet(), nil, viper.New())
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.env)
		})
	}
}

func TestParseUnknownFlag(t *testing.T) {
	_, err := parse(newFlagSet(), []string{"--no-such-flag"}, viper.New())
	require.Error(t, err)
}
