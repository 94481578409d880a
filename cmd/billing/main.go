package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	billinghttp "github.com/crmstack/billing/modules/billing"
	"github.com/crmstack/billing/pkg/billing"
	"github.com/crmstack/billing/pkg/config"
	"github.com/crmstack/billing/pkg/gateway"
	"github.com/crmstack/billing/pkg/httpserver"
	"github.com/crmstack/billing/pkg/logger"
	"github.com/crmstack/billing/pkg/pg"
	"github.com/crmstack/billing/pkg/plans"
	"github.com/crmstack/billing/pkg/profilecache"
	redisconn "github.com/crmstack/billing/pkg/redis"
)

type appConfig struct {
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel        slog.Level    `env:"LOG_LEVEL" envDefault:"info"`
	ProfileCacheTTL time.Duration `env:"PROFILE_CACHE_TTL" envDefault:"0"`
	SweepInterval   time.Duration `env:"ORDER_SWEEP_INTERVAL" envDefault:"1h"`
}

func main() {
	var appCfg appConfig
	config.MustLoad(&appCfg)

	log := logger.New(
		logger.WithLevel(appCfg.LogLevel),
		logger.WithEnvironment(appCfg.Environment, "billing"),
	)
	logger.SetAsDefault(log)

	if err := run(context.Background(), appCfg, log); err != nil {
		log.Error("billing service exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, appCfg appConfig, log *slog.Logger) error {
	var (
		pgCfg       pg.Config
		redisCfg    redisconn.Config
		serverCfg   httpserver.Config
		billingCfg  billing.Config
		stripeCfg   gateway.StripeConfig
		razorpayCfg gateway.RazorpayConfig
		paypalCfg   gateway.PayPalConfig
	)
	config.MustLoad(&pgCfg)
	config.MustLoad(&redisCfg)
	config.MustLoad(&serverCfg)
	config.MustLoad(&billingCfg)
	config.MustLoad(&stripeCfg)
	config.MustLoad(&razorpayCfg)
	config.MustLoad(&paypalCfg)

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return err
	}

	redisClient, err := redisconn.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	stripeAdapter, err := gateway.NewStripeAdapter(stripeCfg)
	if err != nil {
		return err
	}
	razorpayAdapter, err := gateway.NewRazorpayAdapter(razorpayCfg)
	if err != nil {
		return err
	}
	paypalAdapter, err := gateway.NewPayPalAdapter(paypalCfg)
	if err != nil {
		return err
	}

	catalog := plans.Default()
	cache := profilecache.NewRedisStore(redisClient, appCfg.ProfileCacheTTL)

	svc := billing.NewService(
		billingCfg,
		catalog,
		[]gateway.Adapter{stripeAdapter, razorpayAdapter, paypalAdapter},
		billing.NewPostgresOrderStore(pool),
		billing.NewPostgresSubscriptionStore(pool),
		billing.NewPostgresLedgerStore(pool),
		cache,
		log,
	)

	go sweepAbandonedOrders(ctx, svc, appCfg.SweepInterval, log)

	pgCheck := pg.Healthcheck(pool)
	redisCheck := redisconn.Healthcheck(redisClient)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Mount("/billing", billinghttp.Router(billinghttp.RouterOptions{
		Handlers: billinghttp.NewHandlers(svc, catalog, cache, log),
		Healthchecks: map[string]func(r *http.Request) error{
			"postgres": func(r *http.Request) error { return pgCheck(r.Context()) },
			"redis":    func(r *http.Request) error { return redisCheck(r.Context()) },
		},
	}))

	return httpserver.New(serverCfg, log).Run(ctx, r)
}

// sweepAbandonedOrders periodically removes pending orders whose checkout
// was never completed.
func sweepAbandonedOrders(ctx context.Context, svc *billing.Service, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := svc.SweepAbandonedOrders(ctx)
			if err != nil {
				log.ErrorContext(ctx, "pending order sweep failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				log.InfoContext(ctx, "swept abandoned orders", slog.Int64("removed", removed))
			}
		}
	}
}
