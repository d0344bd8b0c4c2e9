// billingd runs the subscription lifecycle engine: the billing HTTP API,
// the payment webhook endpoint, and the expiration sweep.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/insightbot/billingcore/modules/botapi"
	"github.com/insightbot/billingcore/pkg/config"
	"github.com/insightbot/billingcore/pkg/httpserver"
	"github.com/insightbot/billingcore/pkg/logger"
	"github.com/insightbot/billingcore/pkg/metrics"
	"github.com/insightbot/billingcore/pkg/pg"
	"github.com/insightbot/billingcore/pkg/ratelimiter"
	redisconn "github.com/insightbot/billingcore/pkg/redis"
	"github.com/insightbot/billingcore/pkg/requestid"
	"github.com/insightbot/billingcore/store/postgres"
	"github.com/insightbot/billingcore/svc/notify"
	"github.com/insightbot/billingcore/svc/payment"
	"github.com/insightbot/billingcore/svc/plan"
	"github.com/insightbot/billingcore/svc/subscription"
	"github.com/insightbot/billingcore/svc/sweep"
)

type appConfig struct {
	Log     logger.Config
	HTTP    httpserver.Config
	PG      pg.Config
	Redis   redisconn.Config
	Guard   subscription.GuardConfig
	Gateway payment.GatewayConfig
	Sweep   sweep.Config
	Alerts  notify.AlertConfig
	Sink    notify.HTTPSinkConfig

	PlansPath string `env:"PLANS_PATH"`

	WebhookRateCapacity int           `env:"WEBHOOK_RATE_CAPACITY" envDefault:"30"`
	WebhookRateRefill   int           `env:"WEBHOOK_RATE_REFILL" envDefault:"10"`
	WebhookRateInterval time.Duration `env:"WEBHOOK_RATE_INTERVAL" envDefault:"1s"`
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.NewFromConfig(cfg.Log,
		logger.WithContextExtractor(requestid.LogExtractor()),
	)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil && err != context.Canceled {
		log.Error("billingd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg appConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, cfg.PG, log); err != nil {
		return err
	}

	redisClient, err := redisconn.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	catalog := plan.Builtin()
	if cfg.PlansPath != "" {
		catalog, err = plan.LoadCatalog(cfg.PlansPath)
		if err != nil {
			return err
		}
	}

	store := postgres.New(pool)

	var sink notify.Sink
	if cfg.Sink.URL != "" {
		sink, err = notify.NewHTTPSink(cfg.Sink)
		if err != nil {
			return err
		}
	} else {
		log.Warn("BOT_NOTIFY_URL not set, notifications will be logged only")
		sink = notify.SinkFunc(func(_ context.Context, groupID int64, text string) error {
			log.Info("notification (no sink configured)",
				slog.Int64("group_id", groupID), slog.String("text", text))
			return nil
		})
	}
	dispatcher := notify.NewDispatcher(sink, notify.WithLogger(log))

	guard := subscription.NewGuard(store, cfg.Guard, log)
	subs := subscription.NewService(store, catalog, guard,
		subscription.WithNotifier(dispatcher),
		subscription.WithLogger(log),
	)

	gateway, err := payment.NewClient(cfg.Gateway, payment.WithClientLogger(log))
	if err != nil {
		return err
	}
	payments := payment.NewService(store, store, catalog, gateway,
		payment.WithLogger(log),
	)
	ingestor, err := payment.NewIngestor(store, store, subs, gateway.IPNSecret(),
		payment.WithIngestorLogger(log),
		payment.WithIngestorNotifier(dispatcher),
	)
	if err != nil {
		return err
	}

	limiter, err := ratelimiter.NewTokenBucket(
		ratelimiter.NewRedisStore(redisClient, "billingd:webhook"),
		ratelimiter.Config{
			Capacity:       cfg.WebhookRateCapacity,
			RefillRate:     cfg.WebhookRateRefill,
			RefillInterval: cfg.WebhookRateInterval,
		},
	)
	if err != nil {
		return err
	}

	sweepOpts := []sweep.Option{sweep.WithLogger(log)}
	if cfg.Alerts.Enabled() {
		alerter, err := notify.NewAlerter(cfg.Alerts, log)
		if err != nil {
			return err
		}
		sweepOpts = append(sweepOpts, sweep.WithAlerter(alerter))
	}
	checker := sweep.NewChecker(store, subs, catalog, cfg.Sweep, sweepOpts...)

	root := chi.NewRouter()
	root.Mount("/", botapi.Router(botapi.Deps{
		Subscriptions:  subs,
		Payments:       payments,
		Ingestor:       ingestor,
		WebhookLimiter: limiter,
		Log:            log,
	}))
	root.Handle("/metrics", metrics.Default().Handler())
	root.Get("/healthz", httpserver.HealthCheckHandler(ctx, log,
		pg.Healthcheck(pool),
		redisconn.Healthcheck(redisClient),
	))

	srv := httpserver.NewFromConfig(cfg.HTTP, httpserver.WithLogger(log))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, root)
	})
	g.Go(func() error {
		return checker.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		dispatcher.Wait()
		return nil
	})

	return g.Wait()
}
