package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"salepoint/core/internal/cashsession"
	"salepoint/core/internal/checkout"
	"salepoint/core/internal/config"
	"salepoint/core/internal/httpapi"
	"salepoint/core/internal/identity"
	"salepoint/core/internal/logging"
	"salepoint/core/internal/metrics"
	"salepoint/core/internal/payment"
	"salepoint/core/internal/service"
	"salepoint/core/internal/store"
	"salepoint/core/internal/store/memory"
	pgstore "salepoint/core/internal/store/postgres"
	"salepoint/core/internal/taxrate"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.DevMode)
	if err != nil {
		log.Fatalf("invalid log configuration: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback",
				zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	rateCache := taxrate.Cache(taxrate.NoopCache{})
	if cfg.RedisAddr != "" {
		redisCache := taxrate.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop tax rate cache", zap.Error(err))
		} else {
			rateCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("tax rate cache: redis")
		}
	} else {
		logger.Info("tax rate cache: noop")
	}

	var authorizer payment.Authorizer
	if cfg.PaymentTerminalURL != "" {
		authorizer = payment.NewTerminalClient(cfg.PaymentTerminalURL,
			time.Duration(cfg.PaymentAuthTimeoutSeconds)*time.Second, logger)
		logger.Info("payment terminal: remote", zap.String("url", cfg.PaymentTerminalURL))
	} else {
		authorizer = payment.NewSimulatedTerminal()
		logger.Info("payment terminal: simulated")
	}

	m := metrics.New(nil)
	orchestrator := checkout.NewOrchestrator(repo, authorizer, logger, m,
		checkout.WithAuthTimeout(time.Duration(cfg.PaymentAuthTimeoutSeconds)*time.Second),
		checkout.WithLoyaltyEarnRate(cfg.LoyaltyPointsPerDollar))

	svc := service.New(service.Deps{
		Repo:              repo,
		Resolver:          identity.NewResolver(repo),
		Merger:            identity.NewMergeEngine(repo, logger),
		Orchestrator:      orchestrator,
		Ledger:            cashsession.NewLedger(repo, logger, m),
		Rates:             taxrate.NewSource(repo, rateCache, cfg.FallbackTaxRateBps, logger),
		Logger:            logger,
		DefaultLocationID: cfg.LocationID,
		DefaultRegisterID: cfg.RegisterID,
		PointValueCents:   cfg.LoyaltyPointValueCents,
	})

	auth := httpapi.NewAuthManager(cfg.AuthSecret,
		time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, logger, cfg.AllowedOrigin)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.Handler())

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("POS core listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
