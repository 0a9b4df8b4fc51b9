// Command subsyncd runs the subscription sync service: Stripe checkout and
// webhook endpoints in front of a pluggable subscription store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cloudfirestore "cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/billing"
	prommetrics "github.com/mihaimyh/subsync/pkg/billing/metrics/prometheus"
	stripeprovider "github.com/mihaimyh/subsync/pkg/billing/stripe"
	"github.com/mihaimyh/subsync/pkg/subscription"
	zerologadapter "github.com/mihaimyh/subsync/pkg/subscription/logger/zerolog"
	"github.com/mihaimyh/subsync/storage/firestore"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/postgres"
	redisstorage "github.com/mihaimyh/subsync/storage/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	zlog := newLogger(cfg.LogLevel)
	logger := zerologadapter.NewLogger(&zlog)

	store, ledger, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize %s store: %w", cfg.Store, err)
	}
	defer closeStore()

	provider, err := stripeprovider.NewProvider(stripeprovider.Config{
		Config: billing.Config{
			Store:       store,
			Ledger:      ledger,
			PlanMapping: cfg.PlanMapping,
			Logger:      logger,
			Metrics:     prommetrics.DefaultMetrics("subsync"),
		},
		StripeAPIKey:        cfg.StripeAPIKey,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
	})
	if err != nil {
		return fmt.Errorf("failed to create stripe provider: %w", err)
	}

	handler, err := api.NewHandler(api.Config{
		Store:    store,
		Provider: provider,
		GetUserID: func(r *http.Request) string {
			return chi.URLParam(r, "userID")
		},
		DefaultSuccessURL: cfg.SuccessURL,
		DefaultCancelURL:  cfg.CancelURL,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create api handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodPost, "/webhook/stripe", provider.WebhookHandler())
	r.Post("/create-checkout-session", handler.CreateCheckoutSession)
	r.Get("/subscription/{userID}", handler.GetSubscription)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info().Str("addr", srv.Addr).Str("store", cfg.Store).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newStore builds the configured storage backend. The returned ledger is nil
// for backends without a payment ledger; providers treat a nil ledger as
// "ledger disabled".
func newStore(ctx context.Context, cfg *config.Config) (subscription.Store, subscription.Ledger, func(), error) {
	noop := func() {}

	switch cfg.Store {
	case config.StoreMemory:
		s := memory.New()
		return s, s, noop, nil

	case config.StorePostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		s, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, noop, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, noop, err
		}
		return s, s, s.Close, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, noop, err
		}
		s, err := redisstorage.New(client, redisstorage.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, noop, err
		}
		return s, nil, func() { _ = client.Close() }, nil

	case config.StoreFirestore:
		client, err := cloudfirestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, noop, err
		}
		s, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, noop, err
		}
		return s, nil, func() { _ = client.Close() }, nil

	default:
		return nil, nil, noop, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}
