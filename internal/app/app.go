package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"keynote/internal/config"
	"keynote/internal/events"
	"keynote/internal/fulfillment"
	"keynote/internal/httpapi"
	"keynote/internal/notify"
	"keynote/internal/order"
	"keynote/internal/payment"
	"keynote/internal/reminder"
	"keynote/internal/storage"
	"keynote/internal/ws"
)

type App struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	orderSvc  *order.Service
	wsHub     *ws.Hub
	publisher events.Publisher
	outbox    *events.Dispatcher
	sweeper   *reminder.Sweeper
	httpSrv   *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	sender := notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom)
	notifier := notify.NewNotifier(store, sender, logger)

	providers := buildProviders(cfg)

	orderSvc := order.NewService(store, providers, cfg.DownloadTokenTTL, logger)
	orderSvc.SetNotifier(notifier)

	dispatcher := fulfillment.NewDispatcher(store, notifier, cfg.BaseURL, cfg.SchedulingURL, logger)
	orderSvc.SetFulfiller(dispatcher)

	wsHub := ws.NewHub()
	orderSvc.SetStatusListener(wsHub)

	publisher, err := events.NewRabbitPublisher(cfg.RabbitURL, cfg.OrdersExchange)
	if err != nil {
		store.Close()
		return nil, err
	}
	outbox := events.NewDispatcher(store.Pool(), publisher, cfg.OutboxInterval, cfg.OutboxBatchSize, logger)

	sweeper := reminder.NewSweeper(store, notifier, cfg.ReminderInterval, logger)

	wsHandler := ws.NewHandler(wsHub, orderSvc, logger)
	api := httpapi.NewServer(orderSvc, dispatcher, providers, wsHandler, cfg.AdminSecret, logger)
	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api,
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		orderSvc:  orderSvc,
		wsHub:     wsHub,
		publisher: publisher,
		outbox:    outbox,
		sweeper:   sweeper,
		httpSrv:   httpSrv,
	}, nil
}

// buildProviders registers each payment adapter that has credentials
// configured. Webhooks and initiation for an unconfigured provider
// answer 404.
func buildProviders(cfg config.Config) map[order.Method]payment.Provider {
	providers := make(map[order.Method]payment.Provider)

	if cfg.StripeKey != "" {
		providers[order.MethodStripe] = payment.NewStripeProvider(cfg.StripeKey, cfg.StripeWebhookSecret, cfg.BaseURL)
	}
	if cfg.PayPalClientID != "" {
		providers[order.MethodPayPal] = payment.NewPayPalProvider(cfg.PayPalClientID, cfg.PayPalSecret, cfg.PayPalAPIURL, cfg.PayPalWebhookID, cfg.BaseURL)
	}
	if cfg.MpesaConsumerKey != "" {
		providers[order.MethodMpesa] = payment.NewMpesaProvider(cfg.MpesaConsumerKey, cfg.MpesaConsumerSecret, cfg.MpesaShortcode, cfg.MpesaPasskey, cfg.MpesaAPIURL, cfg.BaseURL, cfg.MpesaCallbackToken)
	}
	if cfg.IntaSendSecretKey != "" {
		providers[order.MethodIntaSend] = payment.NewIntaSendProvider(cfg.IntaSendSecretKey, cfg.IntaSendPublicKey, cfg.IntaSendChallenge, cfg.IntaSendAPIURL, cfg.BaseURL)
	}
	return providers
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)

	go a.wsHub.Run(ctx)
	a.outbox.Start(ctx)
	a.sweeper.Start(ctx)

	go func() {
		a.logger.Info("http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownGracePeriod)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	_ = a.publisher.Close()
	a.store.Close()
}

func Run() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(ctx)

	return app.Run(ctx)
}
