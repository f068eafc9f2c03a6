package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/bookkeeping_core/api"
	"github.com/mmdatafocus/bookkeeping_core/archive"
	"github.com/mmdatafocus/bookkeeping_core/audit"
	"github.com/mmdatafocus/bookkeeping_core/bank"
	"github.com/mmdatafocus/bookkeeping_core/compliance"
	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/events"
	"github.com/mmdatafocus/bookkeeping_core/ledger"
	"github.com/mmdatafocus/bookkeeping_core/middlewares"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/period"
	"github.com/mmdatafocus/bookkeeping_core/sie"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/mmdatafocus/bookkeeping_core/vat"
	"github.com/sirupsen/logrus"
)

type services struct {
	store   *store.GormStore
	handler *api.Handler
}

func buildServices(ctx context.Context, settings config.Settings, logger *logrus.Logger) (*services, error) {
	s := store.NewGormStore(config.GetDB())
	docs, err := archive.New(ctx, settings)
	if err != nil {
		return nil, err
	}
	chain := audit.NewChain(s, logger)
	periods := period.NewManager(s, chain)
	engine := compliance.NewEngine(compliance.Deps{
		Reader:       s,
		Archive:      docs,
		ArchiveCheck: config.ArchiveCheckEnabled(),
		Logger:       logger,
	})
	aggregator := vat.NewAggregator(s, vat.RedisCache{}, settings.VatCacheTTL, logger)
	publish := config.LedgerEventsEnabled()
	l := ledger.NewService(s, chain, periods, engine, ledger.Options{
		Invalidator:   aggregator,
		PublishEvents: publish,
		Logger:        logger,
	})
	b := bank.NewService(s, l, chain, bank.Options{
		SettlementAccount: settings.SettlementAccount,
		WindowDays:        settings.MatchWindowDays,
		Limit:             settings.MatchLimit,
		PublishEvents:     publish,
		Locker:            config.GetRedisLock(),
		Logger:            logger,
	})
	return &services{
		store: s,
		handler: api.NewHandler(api.Deps{
			Store:   s,
			Ledger:  l,
			Periods: periods,
			Engine:  engine,
			Vat:     aggregator,
			Bank:    b,
			Sie:     sie.NewService(s, l, logger),
			Chain:   chain,
			Logger:  logger,
		}),
	}, nil
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		// production needs an explicit allowlist; none configured denies all
		cfg.AllowOrigins = splitAndTrim(allowedOrigins)
		if cfg.AllowOrigins == nil {
			cfg.AllowOrigins = []string{}
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", "Authorization",
		middlewares.HeaderBusinessId, middlewares.HeaderActor, middlewares.HeaderCorrelationId)
	cfg.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.HeaderCorrelationId)
	return cfg
}

func int64FromEnv(key string, def int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// newRouter builds the application engine once its dependencies are up.
func newRouter(app *services, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(cors.New(corsConfig()))
	r.Use(middlewares.SessionMiddleware())
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		limiter := middlewares.NewRateLimiter(config.GetRedisDB(),
			int64FromEnv("RATE_LIMIT_MAX_REQUESTS", 600),
			time.Duration(int64FromEnv("RATE_LIMIT_WINDOW_SECONDS", 60))*time.Second)
		r.Use(limiter.Middleware())
	}
	r.Use(middlewares.ErrorLogger(logger))
	r.Use(gin.Recovery())
	app.handler.Register(r)
	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	settings := config.LoadSettings()
	logger := config.GetLogger()

	if err := models.ValidateAccountClasses(models.AccountClasses); err != nil {
		logger.WithFields(logrus.Fields{"field": "account classes"}).Fatal(err.Error())
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// The listener comes up before the database so the startup probe passes.
	// Until the application router is installed every other path answers 503.
	var appRouter atomic.Pointer[gin.Engine]
	r := gin.New()
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.NoRoute(func(c *gin.Context) {
		h := appRouter.Load()
		if h == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		h.ServeHTTP(c.Writer, c.Request)
	})

	srv := &http.Server{
		Addr:    ":" + settings.Port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	app, err := buildServices(sigCtx, settings, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "services"}).Fatal(err.Error())
	}
	appRouter.Store(newRouter(app, logger))

	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if config.LedgerEventsEnabled() {
		if client, err := config.GetClient(sigCtx); err != nil {
			config.LogWarn(logger, "server.go", "main", "pubsub client", err)
		} else if _, err := config.CreateTopicIfNotExists(client, settings.PubSubTopic); err != nil {
			// publishing still retries through the outbox
			config.LogWarn(logger, "server.go", "main", "ensure topic "+settings.PubSubTopic, err)
		}
		go events.NewDispatcher(app.store, events.PubSubPublisher{Topic: settings.PubSubTopic}, logger).Run(dispatcherCtx)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on :", settings.Port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// stop publishing before draining requests
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
