package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	httpapi "github.com/i474232898/rain-forecast/internal/api/http"
	"github.com/i474232898/rain-forecast/internal/config"
	"github.com/i474232898/rain-forecast/internal/dispatch"
	"github.com/i474232898/rain-forecast/internal/logging"
	"github.com/i474232898/rain-forecast/internal/push"
	"github.com/i474232898/rain-forecast/internal/schedule"
	"github.com/i474232898/rain-forecast/internal/scheduler"
	"github.com/i474232898/rain-forecast/internal/slots"
	"github.com/i474232898/rain-forecast/internal/store"
	"github.com/i474232898/rain-forecast/internal/weather"
	"github.com/i474232898/rain-forecast/internal/weather/providers"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	log, err := logging.New(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		logrus.Fatalf("failed to set up logging: %v", err)
	}
	defer log.Close()

	// Shared HTTP client for weather APIs, push gateways and the REST store.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, closer, err := store.Open(ctx, cfg.Store, httpClient)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer closer.Close()
	log.WithFields(logrus.Fields{
		"backend":    cfg.Store.Backend,
		"configured": kv.Configured(),
	}).Info("store ready")

	// Providers with resilience (backoff + circuit breaker).
	provs := []weather.Provider{
		providers.NewQWeatherProvider(httpClient, cfg.QWeatherAPIKey, cfg.QWeatherHost, cfg.QWeatherVersion),
		providers.NewOpenMeteoProvider(httpClient, cfg.Location.String()),
		providers.NewWeatherAPIProvider(httpClient, cfg.WeatherAPIKey),
		providers.NewOpenWeatherProvider(httpClient, cfg.OpenWeatherAPIKey),
	}
	service := weather.NewService(provs, cfg.Sources, log.WithField("component", "weather"))

	pusher, err := newPusher(cfg, httpClient)
	if err != nil {
		log.WithError(err).Fatal("failed to set up push channel")
	}

	resolver := slots.NewResolver(kv, cfg.Slots, cfg.AdminSecret, log.WithField("component", "slots"))
	matcher := schedule.NewMatcher(kv, cfg.CronDedupe, log.WithField("component", "dedupe"))
	history := dispatch.NewHistory(kv, log.WithField("component", "history"))

	engine := dispatch.NewEngine(resolver, service, pusher, matcher, history, dispatch.Options{
		Channel:        cfg.PushChannel,
		Cities:         cfg.Cities,
		Location:       cfg.Location,
		Concurrency:    cfg.DispatchConcurrency,
		MarkScope:      cfg.DedupeScope,
		CronPolicy:     cfg.CronDedupe,
		IntervalPolicy: cfg.IntervalDedupe,
		AlertPolicy:    cfg.IntervalDedupe,
		Threshold:      cfg.AlertThreshold,
	}, log.WithField("component", "dispatch"))

	var alerts []schedule.Schedule
	if cfg.AlertEnabled {
		alerts = cfg.AlertSchedules
	}

	deps := httpapi.Deps{
		Dispatcher: engine,
		Config:     resolver,
		History:    history,
		Alerts:     alerts,
		CronSecret: cfg.CronSecret,
	}

	// Interval mode runs the dispatch schedules inside this process; the
	// scheduler also purges expired keys for backends that need it.
	var slotTimes, intervalAlerts []schedule.Schedule
	if cfg.IntervalEnabled {
		slotTimes, intervalAlerts = cfg.SlotTimes, alerts
	}
	sched := scheduler.New(engine, slotTimes, intervalAlerts, cfg.Location, log.WithField("component", "scheduler"))
	if p, ok := kv.(store.Purger); ok {
		sched.WithPurger(p)
	}
	if err := sched.Start(); err != nil {
		log.WithError(err).Fatal("failed to start scheduler")
	}
	defer sched.Stop()
	if cfg.IntervalEnabled {
		deps.Countdown = sched
	}

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "rain-forecast",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		// A cron pass fans out to every city and may retry each push.
		WriteTimeout: 2 * time.Minute,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"ok":    false,
				"error": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "rain-forecast",
		})
	})

	// API routes.
	httpapi.RegisterRoutes(app, deps)

	go func() {
		log.WithField("port", cfg.Port).Info("http server listening")
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.WithError(err).Error("fiber server stopped")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.WithError(err).Error("error during shutdown")
	}
}

func newPusher(cfg *config.AppConfig, client *http.Client) (push.Pusher, error) {
	var p push.Pusher
	switch cfg.PushProvider {
	case "telegram":
		tg, err := push.NewTelegram(cfg.TelegramBotToken, client)
		if err != nil {
			return nil, err
		}
		p = tg
	default:
		p = push.NewServerChan(client)
	}
	if cfg.PushRatePerSecond <= 0 {
		return p, nil
	}
	return push.NewRateLimitedPusher(p, cfg.PushRatePerSecond, 1), nil
}
