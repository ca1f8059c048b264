package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/marketplace/internal/auth"
	"github.com/iurnickita/marketplace/internal/config"
	"github.com/iurnickita/marketplace/internal/dedupe"
	"github.com/iurnickita/marketplace/internal/gateway"
	"github.com/iurnickita/marketplace/internal/gateway/billclient"
	"github.com/iurnickita/marketplace/internal/handler"
	"github.com/iurnickita/marketplace/internal/logger"
	"github.com/iurnickita/marketplace/internal/metrics"
	"github.com/iurnickita/marketplace/internal/notify"
	"github.com/iurnickita/marketplace/internal/reconcile"
	"github.com/iurnickita/marketplace/internal/review"
	"github.com/iurnickita/marketplace/internal/scheduler"
	"github.com/iurnickita/marketplace/internal/service"
	"github.com/iurnickita/marketplace/internal/stock"
	"github.com/iurnickita/marketplace/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	if cfg.Store.DBDsn == "" {
		zaplog.Warn("database DSN is empty, using in-memory store")
	}

	// письма
	var sender notify.Sender
	if cfg.Notify.SenderAddr != "" {
		sender = notify.NewHTTPSender(cfg.Notify)
	} else {
		sender = notify.NewLogSender(zaplog)
	}
	dispatcher := notify.NewDispatcher(cfg.Notify, sender, store, zaplog)
	dispatcher.SetObserver(metrics.RecordNotification)
	dispatcher.Start(ctx, cfg.Notify.Workers)

	// кэш обработанных callback
	cache := dedupe.NewNoop()
	if cfg.Gateway.RedisAddr != "" {
		cache, err = dedupe.NewRedis(ctx, cfg.Gateway.RedisAddr, zaplog)
		if err != nil {
			return err
		}
	}

	stock := stock.NewStock()
	engine := reconcile.NewEngine(store, stock, dispatcher, cfg.Notify.OperatorEmail, zaplog,
		reconcile.WithDedupe(cache))
	registry := gateway.NewDefaultRegistry(cfg.Gateway)
	bills := billclient.NewBillClient(cfg.Service.GatewayAddr, cfg.Service.GatewayKey)

	service := service.NewService(cfg.Service, store, stock, engine, registry, bills, zaplog)
	review := review.NewReview(cfg.Review, store, engine, dispatcher, zaplog)
	auth := auth.NewAuth(cfg.Handler.TokenSecret)

	reminder := scheduler.NewReminder(store, dispatcher, review.DashboardLink(), zaplog)
	expiry := scheduler.NewExpiry(engine, zaplog)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return handler.Serve(gctx, cfg.Handler, auth, service, review, engine, registry, zaplog)
	})
	g.Go(func() error {
		return reminder.Run(gctx, cfg.Scheduler.ReminderInterval)
	})
	g.Go(func() error {
		return expiry.Run(gctx, cfg.Scheduler.ExpiryInterval)
	})

	zaplog.Info("marketplace started", zap.String("address", cfg.Handler.ServerAddr))
	err = g.Wait()
	dispatcher.Wait()
	return err
}
