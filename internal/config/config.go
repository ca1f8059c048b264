package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	gatewayConfig "github.com/iurnickita/marketplace/internal/gateway/config"
	handlerConfig "github.com/iurnickita/marketplace/internal/handler/config"
	loggerConfig "github.com/iurnickita/marketplace/internal/logger/config"
	notifyConfig "github.com/iurnickita/marketplace/internal/notify/config"
	reviewConfig "github.com/iurnickita/marketplace/internal/review/config"
	schedulerConfig "github.com/iurnickita/marketplace/internal/scheduler/config"
	serviceConfig "github.com/iurnickita/marketplace/internal/service/config"
	storeConfig "github.com/iurnickita/marketplace/internal/store/config"
)

type Config struct {
	Handler   handlerConfig.Config
	Service   serviceConfig.Config
	Store     storeConfig.Config
	Logger    loggerConfig.Config
	Notify    notifyConfig.Config
	Scheduler schedulerConfig.Config
	Gateway   gatewayConfig.Config
	Review    reviewConfig.Config
}

// переменные окружения по ключам конфигурации
var envKeys = map[string]string{
	"address":           "RUN_ADDRESS",
	"secret":            "TOKEN_SECRET",
	"database":          "DATABASE_URI",
	"log-level":         "LOG_LEVEL",
	"gateway":           "GATEWAY_ADDRESS",
	"gateway-key":       "GATEWAY_KEY",
	"currency":          "CURRENCY",
	"payment-window":    "PAYMENT_WINDOW",
	"redirect-url":      "REDIRECT_URL",
	"billplz-key":       "BILLPLZ_KEY",
	"chip-key":          "CHIP_KEY",
	"redis":             "REDIS_ADDRESS",
	"email-api":         "EMAIL_API_ADDRESS",
	"email-api-key":     "EMAIL_API_KEY",
	"from":              "EMAIL_FROM",
	"operator-email":    "OPERATOR_EMAIL",
	"notify-workers":    "NOTIFY_WORKERS",
	"notify-queue":      "NOTIFY_QUEUE",
	"reminder-interval": "REMINDER_INTERVAL",
	"expiry-interval":   "EXPIRY_INTERVAL",
	"public-url":        "PUBLIC_URL",
	"action-secret":     "ACTION_TOKEN_SECRET",
}

// GetConfig читает флаги командной строки и переменные окружения, флаг важнее переменной
func GetConfig() (Config, error) {
	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	return parse(fs, os.Args[1:], viper.New())
}

func parse(fs *pflag.FlagSet, args []string, v *viper.Viper) (Config, error) {
	fs.StringP("address", "a", ":8080", "server address")
	fs.StringP("secret", "s", "marketplace-secret", "user token secret")
	fs.StringP("database", "d", "", "database DSN")
	fs.StringP("log-level", "l", "info", "log level")

	fs.StringP("gateway", "g", "", "payment gateway address")
	fs.String("gateway-key", "", "payment gateway API key")
	fs.String("currency", "MYR", "order currency")
	fs.Duration("payment-window", 30*time.Minute, "time to pay an order")
	fs.String("redirect-url", "", "buyer redirect after payment")

	fs.String("billplz-key", "", "billplz callback signature key")
	fs.String("chip-key", "", "chip callback signature key")
	fs.StringP("redis", "r", "", "redis address")

	fs.StringP("email-api", "m", "", "email API address")
	fs.String("email-api-key", "", "email API key")
	fs.String("from", "orders@marketplace.local", "email sender")
	fs.String("operator-email", "", "operator email for anomalies")
	fs.Int("notify-workers", 4, "email workers")
	fs.Int("notify-queue", 256, "email queue size")

	fs.Duration("reminder-interval", 15*time.Second, "receipt reminder check interval")
	fs.Duration("expiry-interval", time.Minute, "order expiry sweep interval")

	fs.String("public-url", "http://localhost:8080", "public address for email links")
	fs.String("action-secret", "", "email action token secret")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, err
	}
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{}
	cfg.Handler.ServerAddr = v.GetString("address")
	cfg.Handler.TokenSecret = v.GetString("secret")
	cfg.Store.DBDsn = v.GetString("database")
	cfg.Logger.LogLevel = v.GetString("log-level")

	cfg.Service.GatewayAddr = v.GetString("gateway")
	cfg.Service.GatewayKey = v.GetString("gateway-key")
	cfg.Service.Currency = v.GetString("currency")
	cfg.Service.RedirectURL = v.GetString("redirect-url")

	cfg.Gateway.BillplzKey = v.GetString("billplz-key")
	cfg.Gateway.ChipKey = v.GetString("chip-key")
	cfg.Gateway.RedisAddr = v.GetString("redis")

	cfg.Notify.SenderAddr = v.GetString("email-api")
	cfg.Notify.SenderKey = v.GetString("email-api-key")
	cfg.Notify.From = v.GetString("from")
	cfg.Notify.OperatorEmail = v.GetString("operator-email")

	cfg.Review.PublicURL = v.GetString("public-url")
	cfg.Review.TokenSecret = v.GetString("action-secret")

	// GetDuration и GetInt молча возвращают ноль на неверном значении
	var err error
	durations := map[string]*time.Duration{
		"payment-window":    &cfg.Service.PaymentWindow,
		"reminder-interval": &cfg.Scheduler.ReminderInterval,
		"expiry-interval":   &cfg.Scheduler.ExpiryInterval,
	}
	for key, target := range durations {
		if *target, err = cast.ToDurationE(v.Get(key)); err != nil || *target <= 0 {
			return Config{}, fmt.Errorf("%s: invalid duration %q", envKeys[key], v.GetString(key))
		}
	}
	ints := map[string]*int{
		"notify-workers": &cfg.Notify.Workers,
		"notify-queue":   &cfg.Notify.QueueSize,
	}
	for key, target := range ints {
		if *target, err = cast.ToIntE(v.Get(key)); err != nil || *target <= 0 {
			return Config{}, fmt.Errorf("%s: invalid number %q", envKeys[key], v.GetString(key))
		}
	}

	// ссылки в письмах подписываются общим секретом, если отдельный не задан
	if cfg.Review.TokenSecret == "" {
		cfg.Review.TokenSecret = cfg.Handler.TokenSecret
	}
	// callback шлюза приходит на публичный адрес сервиса
	cfg.Service.CallbackURL = cfg.Review.PublicURL + "/api/webhooks"

	return cfg, nil
}
