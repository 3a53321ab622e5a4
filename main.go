package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ticket-admission/config"
	"ticket-admission/handlers"
	"ticket-admission/monitoring"
	"ticket-admission/scheduler"
	"ticket-admission/security"
	"ticket-admission/services"
	"ticket-admission/store"
	"ticket-admission/utils"
)

func main() {
	cfg := config.LoadConfig()

	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	monitor := monitoring.NewMonitor(st)
	defer monitor.Stop()

	clock := scheduler.NewOfferClock(asynqClient)
	limiter := security.NewRateLimiter(redisClient, cfg.JoinRateLimit, cfg.JoinRateWindow)
	admission := services.NewAdmissionService(st, clock, limiter, monitor, cfg.OfferTTL)

	// Expiry worker
	expirySrv, mux := scheduler.NewExpiryServer(redisOpt, scheduler.NewExpiryHandler(admission))
	go func() {
		if err := expirySrv.Run(mux); err != nil {
			log.Fatalf("Expiry worker failed: %v", err)
		}
	}()

	// Stale-offer sweep: startup recovery plus periodic fallback
	sweeper := scheduler.NewSweeper(admission, cfg.SweepInterval)
	sweeper.Start()

	// HTTP API
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	waitlistHandler := handlers.NewWaitlistHandler(admission)
	availabilityHandler := handlers.NewAvailabilityHandler(admission)
	adminHandler := handlers.NewAdminHandler(admission)

	e.POST("/api/v1/waitlist/join", waitlistHandler.Join)
	e.GET("/api/v1/waitlist/:entryId", waitlistHandler.EntryStatus)
	e.POST("/api/v1/waitlist/:entryId/purchase", waitlistHandler.Purchase)
	e.POST("/api/v1/waitlist/:entryId/release", waitlistHandler.Release)

	e.GET("/api/v1/events/:eventId/ticket-types/:ticketTypeId/availability", availabilityHandler.GetAvailability)

	e.GET("/api/v1/admin/waitlist-dashboard", adminHandler.GetDashboard)
	e.POST("/api/v1/admin/sweep", adminHandler.ForceSweep)

	e.GET("/health", func(c echo.Context) error {
		if err := utils.RedisHealthCheck(redisClient); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		}
		if err := st.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	if cfg.EnableMetrics {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(":"+cfg.MetricsPort, metricsMux); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	waitForShutdown()

	slog.Info("shutdown signal received, cleaning up")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	expirySrv.Shutdown()
	sweeper.Shutdown()

	slog.Info("shutdown complete")
}

func waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
}
