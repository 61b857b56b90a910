package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-coordinator/internal/clock"
	"github.com/example/ride-coordinator/internal/config"
	"github.com/example/ride-coordinator/internal/coordinator"
	"github.com/example/ride-coordinator/internal/dispatch"
	"github.com/example/ride-coordinator/internal/eta"
	"github.com/example/ride-coordinator/internal/fare"
	"github.com/example/ride-coordinator/internal/geo"
	httpapi "github.com/example/ride-coordinator/internal/http"
	"github.com/example/ride-coordinator/internal/ingest"
	"github.com/example/ride-coordinator/internal/logging"
	"github.com/example/ride-coordinator/internal/matcher"
	"github.com/example/ride-coordinator/internal/offers"
	"github.com/example/ride-coordinator/internal/payments"
	"github.com/example/ride-coordinator/internal/ride"
	"github.com/example/ride-coordinator/internal/sequencer"
	"github.com/example/ride-coordinator/internal/session"
	"github.com/example/ride-coordinator/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	clk := clock.Real()

	var drivers geo.Geo
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		drivers = geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.GeoRadiusMeters)
	} else {
		drivers = geo.NewIndex(cfg.GeoRadiusMeters, cfg.DriverStaleAfter, clk)
	}

	var store storage.Store = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx, cfg.MigrationsPath); err != nil {
				return err
			}
			logger.Info("migration applied", "path", cfg.MigrationsPath)
		}
		store = ps
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaEventTopic)
		defer kp.Close()
	}

	router := &eta.Router{SpeedMps: cfg.DefaultSpeedMps, Cache: eta.NewCache(cfg.ETACacheTTL), Logger: logger}
	var geocoder eta.Geocoder
	switch {
	case cfg.GoogleMapsAPIKey != "":
		gm, err := eta.NewGoogleMapsClient(cfg.GoogleMapsAPIKey, cfg.GoogleMapsRegion)
		if err != nil {
			return err
		}
		router.Client = gm
		geocoder = gm
	case cfg.OSRMURL != "":
		router.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	notifier, err := newNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sessions := session.NewRegistry(clk)
	deps := coordinator.Deps{
		Machine:   ride.NewMachine(store, clk, logger),
		Ledger:    offers.NewLedger(offers.Options{Store: store, Clock: clk, MaxRoundDuration: cfg.MaxRoundDuration, Logger: logger}),
		Broker:    dispatch.NewBroker(sessions, notifier, logger),
		Sessions:  sessions,
		Matcher:   &matcher.Service{Geo: drivers, Router: router, TopN: cfg.MatcherTopN},
		Sequencer: sequencer.New(router),
		Fares:     fare.NewEstimator(nil),
		Router:    router,
		Clock:     clk,
		Logger:    logger,
	}
	if geocoder != nil {
		deps.Geocoder = geocoder
	}
	if kp != nil {
		deps.Events = kp
	}
	if cfg.StripeAPIKey != "" {
		deps.Payments = payments.NewStripeClient(cfg.StripeAPIKey, cfg.PaymentCurrency)
	}
	coord := coordinator.New(deps, coordinator.Config{
		OfferTimeout:      cfg.OfferTimeout,
		DriverGracePeriod: cfg.DriverGracePeriod,
		RideRetention:     cfg.RideRetention,
	})
	go func() {
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("coordinator loop stopped", "error", err)
		}
	}()

	opts := httpapi.Options{
		Coordinator: coord,
		Geo:         drivers,
		Sessions:    sessions,
		Logger:      logger,
		WSWriteWait: cfg.WSWriteWait,
		WSPongWait:  cfg.WSPongWait,
	}
	if kp != nil {
		opts.Locations = kp
	}
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(opts),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-coordinator listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newNotifier picks the offline delivery path: FCM, then a webhook, then logs.
func newNotifier(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (dispatch.Notifier, error) {
	switch {
	case cfg.FCMProjectID != "":
		return dispatch.NewFCMNotifier(ctx, cfg.FCMProjectID, cfg.FCMCredentialsFile, cfg.FCMTopicPrefix)
	case cfg.NotifyWebhookURL != "":
		return dispatch.NewHTTPNotifier(cfg.NotifyWebhookURL), nil
	}
	return dispatch.LogNotifier{Logger: logger}, nil
}
