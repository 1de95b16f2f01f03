package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ssdp-platform/trust/common/config"
	"github.com/ssdp-platform/trust/common/logging"
	commonmw "github.com/ssdp-platform/trust/common/middleware"
	"github.com/ssdp-platform/trust/trust/internal/handlers"
	"github.com/ssdp-platform/trust/trust/internal/middleware"
	"github.com/ssdp-platform/trust/trust/internal/service"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	config.MustLoad(*configPath)
	cfg := config.GetConfig()

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("trust"))
	logging.SetDefault(logger)

	proxies, err := commonmw.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		logger.Error("invalid server.trusted_proxies", logging.Error(err))
		os.Exit(1)
	}

	ctx := context.Background()
	rt, err := service.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize trust layer", logging.Error(err))
		os.Exit(1)
	}

	// Start integrity sweep in background
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go rt.RunIntegritySweep(sweepCtx, cfg.Audit.VerifyInterval)

	verifier := middleware.NewTokenVerifier(cfg.Auth.JWTSecret)
	security := middleware.NewSecurity(verifier, rt.Service, rt.Service, logger)
	handler := handlers.NewHandler(rt.Service, rt, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(security, rt.Limiter, proxies),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("trust service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
	case err := <-serverErr:
		logger.Error("server error", logging.Error(err))
		exitCode = 1
	}

	logger.Info("shutting down server")
	sweepCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout+30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", logging.Error(err))
		exitCode = 1
	}
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Error("audit log not fully persisted at shutdown", logging.Error(err))
		exitCode = 1
	}

	logger.Info("server stopped gracefully")
	os.Exit(exitCode)
}
