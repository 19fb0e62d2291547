package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/kavenhq/kaven/internal/audit"
	"github.com/kavenhq/kaven/internal/config"
	"github.com/kavenhq/kaven/internal/httpserver"
	"github.com/kavenhq/kaven/internal/ledger"
	"github.com/kavenhq/kaven/internal/logging"
	"github.com/kavenhq/kaven/internal/middleware"
	"github.com/kavenhq/kaven/internal/models"
	"github.com/kavenhq/kaven/internal/repo"
	"github.com/kavenhq/kaven/internal/service"
	"github.com/kavenhq/kaven/internal/tokens"
	"github.com/kavenhq/kaven/pkg/db"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	config.MustNonEmpty(cfg.DatabaseURL, "DATABASE_URL")
	config.MustNonEmptyBytes(cfg.JWTSecret, "JWT_SECRET")
	config.MustNonEmptyBytes(cfg.RefreshSecret, "JWT_REFRESH_SECRET")

	logger := logging.New(cfg.ServiceName, cfg.LogLevel)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	gdb, err := db.Open(initCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("db init error: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Tenant{}, &models.User{}); err != nil {
		log.Fatalf("db migrate error: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	led := ledger.New(rdb)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	err = led.Ping(pingCtx)
	cancel()
	if err != nil {
		log.Fatalf("redis ping error: %v", err)
	}

	var recorder audit.Recorder = audit.Nop{}
	var publisher *audit.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = audit.NewPublisher(cfg.KafkaBrokers, cfg.AuditTopic)
		recorder = publisher
	}

	indexerCtx, stopIndexer := context.WithCancel(context.Background())
	var indexer *audit.Indexer
	if publisher != nil && cfg.ESURL != "" {
		esClient, err := audit.NewESClient(cfg.ESURL, cfg.ESUser, cfg.ESPassword)
		if err != nil {
			log.Fatalf("elasticsearch init error: %v", err)
		}
		indexer = audit.NewIndexer(cfg.KafkaBrokers, cfg.AuditTopic, esClient)
		go func() {
			if err := indexer.Run(indexerCtx); err != nil {
				logger.Error("audit_indexer_stopped", "error", err)
			}
		}()
	}

	issuer := &tokens.Issuer{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.RefreshSecret,
	}
	users := &repo.Users{DB: gdb}

	e := echo.New()
	e.HideBanner = true
	e.Pre(echomw.RemoveTrailingSlash())
	e.Use(echomw.Recover(), echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 15 * time.Second
	e.Server.ReadHeaderTimeout = 3 * time.Second
	e.Server.IdleTimeout = 60 * time.Second

	httpserver.Register(e, &httpserver.Deps{
		AuthHandler: &httpserver.AuthHTTP{
			Svc: &service.AuthService{DB: gdb, Users: users, Ledger: led, Issuer: issuer, Audit: recorder},
		},
		DeviceHandler: &httpserver.DeviceHTTP{
			Svc: &service.DeviceService{Users: users, Ledger: led, Issuer: issuer, Audit: recorder, VerifyBaseURL: cfg.DeviceVerifyURL},
		},
		Auth:        middleware.NewBearerAuth(issuer),
		RateLimiter: middleware.NewRateLimiter(rdb),
		ReadyCheck: func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := led.Ping(ctx); err != nil {
				return c.NoContent(http.StatusServiceUnavailable)
			}
			sqlDB, err := gdb.DB()
			if err != nil || sqlDB.PingContext(ctx) != nil {
				return c.NoContent(http.StatusServiceUnavailable)
			}
			return c.NoContent(http.StatusOK)
		},
	})

	go func() {
		if err := e.Start(fmt.Sprintf(":%d", cfg.ServerPort)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("echo start: %v", err)
		}
	}()
	logger.Info("authd_started", "port", cfg.ServerPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting_down")
	stopIndexer()
	if indexer != nil {
		if err := indexer.Close(); err != nil {
			logger.Error("indexer_close", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("echo_shutdown", "error", err)
	}

	if sqlDB, err := gdb.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logger.Error("db_close", "error", err)
		}
	}
	if err := rdb.Close(); err != nil {
		logger.Error("redis_close", "error", err)
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka_close", "error", err)
		}
	}

	logger.Info("shutdown_complete")
}
