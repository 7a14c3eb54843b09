package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/ovpnhub/accessd/internal/config"
	"github.com/ovpnhub/accessd/internal/db"
	apihttp "github.com/ovpnhub/accessd/internal/http"
	"github.com/ovpnhub/accessd/internal/http/handlers"
	"github.com/ovpnhub/accessd/internal/lifecycle"
	"github.com/ovpnhub/accessd/internal/locker"
	"github.com/ovpnhub/accessd/internal/notify"
	"github.com/ovpnhub/accessd/internal/payment"
	"github.com/ovpnhub/accessd/internal/pool"
	"github.com/ovpnhub/accessd/internal/scheduler"
	"github.com/ovpnhub/accessd/internal/settings"
)

// Migrate opens the database and runs migrations.
func Migrate(_ context.Context, cfg config.Config) error {
	conn, err := db.Open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// Run boots the provisioning service and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config) error {
	conn, err := db.Open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	log.Infof("database ready (dialect=%s)", db.DialectName(conn))
	if db.IsSQLite(conn) && cfg.RedisAddr == "" {
		log.Debug("single-node setup, using in-process locks")
	}
	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		return fmt.Errorf("app: load settings: %w", errRefresh)
	}

	catalog, errCatalog := config.LoadPlanCatalog(cfg.PlanCatalogPath)
	if errCatalog != nil {
		return errCatalog
	}

	var locks locker.Locker
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if errPing := client.Ping(ctx).Err(); errPing != nil {
			return fmt.Errorf("app: redis ping: %w", errPing)
		}
		locks = locker.NewRedis(client)
		log.Infof("using redis locks at %s", cfg.RedisAddr)
	} else {
		locks = locker.NewMemory()
	}

	var dispatcher notify.Dispatcher
	if cfg.FrontendURL != "" {
		dispatcher = notify.NewHTTPDispatcher(cfg.FrontendURL, cfg.OperatorDest, cfg.FrontendTimeout)
	} else {
		dispatcher = notify.LogDispatcher{}
		log.Warn("no frontend url configured, notifications go to the log")
	}

	alloc := pool.NewAllocator(conn)
	manager := lifecycle.NewManager(conn, alloc, dispatcher, locks)
	if manager == nil {
		return errors.New("app: lifecycle manager init failed")
	}

	provider := payment.NewHTTPProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)
	payments := payment.NewService(conn, provider, manager, dispatcher, catalog)
	if payments == nil {
		return errors.New("app: payment service init failed")
	}

	sched := scheduler.New(manager, cfg.SweepInterval)
	sched.Start(ctx)

	engine := apihttp.NewRouter(apihttp.RouterDeps{
		Activation: handlers.NewActivationHandler(conn, manager, payments, dispatcher, catalog),
		Webhook:    handlers.NewWebhookHandler(payments, cfg.WebhookSecret),
		Admin:      handlers.NewAdminHandler(alloc, cfg.AdminPasswordHash, cfg.JWTSecret, cfg.JWTExpiry),
		Health:     handlers.NewHealthHandler(conn),
		JWTSecret:  cfg.JWTSecret,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.ListenAddr)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("server shutdown failed")
		}
		return nil
	case errServe := <-errCh:
		return errServe
	}
}
