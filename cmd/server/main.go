package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sdko-org/wms-filters/internal/cache"
	"github.com/sdko-org/wms-filters/internal/cacheproxy"
	"github.com/sdko-org/wms-filters/internal/config"
	"github.com/sdko-org/wms-filters/internal/database"
	"github.com/sdko-org/wms-filters/internal/filters"
	"github.com/sdko-org/wms-filters/internal/filters/instrument"
	"github.com/sdko-org/wms-filters/internal/filters/invalidate"
	"github.com/sdko-org/wms-filters/internal/freshness"
	"github.com/sdko-org/wms-filters/internal/handlers"
	httpserver "github.com/sdko-org/wms-filters/internal/http"
	"github.com/sdko-org/wms-filters/internal/metrics"
	"github.com/sdko-org/wms-filters/internal/resource"
	"github.com/sdko-org/wms-filters/internal/storage"
	"github.com/sdko-org/wms-filters/internal/upstream"
)

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *gorm.DB
	if cfg.DatabaseEnabled() {
		db, err = database.NewPostgresDB(ctx, logger, database.PostgresConfig{
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			DBName:   cfg.PostgresDatabase,
			SSLMode:  cfg.PostgresSSLMode,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize database")
		}
	}

	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open cache backend")
	}
	if c, ok := backend.(io.Closer); ok {
		defer c.Close()
	}

	var base cacheproxy.Proxy = cacheproxy.Null{}
	if backend != nil {
		base = cacheproxy.FromBackend(cacheproxy.WithBreaker(backend, cacheproxy.BreakerSettings{
			Name:     cfg.CacheBackend,
			Failures: cfg.BreakerFailures,
			Timeout:  cfg.BreakerTimeout,
		}, logger))

		if expirer, ok := backend.(cacheproxy.Expirer); ok && cfg.CacheTTL > 0 {
			go cache.NewCachePurger(logger, expirer, cfg.CacheTTL, cfg.PurgeInterval).Start(ctx)
		}
	}
	logger.WithField("backend", cfg.CacheBackend).Info("Cache backend ready")
	proxy := cacheproxy.WithGenerations(base)

	chain := filters.NewChain()
	inv := invalidate.New(
		freshness.NewTracker(),
		proxy,
		resource.NewFSProber(cfg.ProjectRoot),
		resource.NewCacheDir(cfg.OSCacheDir),
		logger,
	)
	chain.Register(inv, cfg.FilterPriority)

	prom := metrics.NewPrometheus()
	if cfg.Instrument {
		ins := instrument.New(instrument.Options{Observer: prom, Logger: logger})
		if err := prom.RegisterAggregate(ins); err != nil {
			logger.WithError(err).Fatal("Failed to register metrics")
		}
		chain.Register(ins, cfg.FilterPriority)
	}

	up, err := upstream.NewClient(logger, cfg.UpstreamURL, cfg.UpstreamTimeout)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create upstream client")
	}

	limiter := handlers.NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow)
	go limiter.Cleanup(ctx, time.Minute)

	r := mux.NewRouter()
	r.Use(handlers.LoggingMiddleware(logger, db))
	handlers.RegisterRoutes(r, handlers.Routes{
		Proxy:   handlers.NewProxyHandler(logger, up, proxy, prom),
		Admin:   handlers.NewAdminHandler(logger, inv),
		Limiter: limiter,
		Metrics: prom,
		Filters: handlers.FilterMiddleware(chain),
	})

	servers, err := httpserver.Listen(logger, r, cfg.ListenAddr, cfg.TLSListenAddr)
	if err != nil {
		logger.WithError(err).Fatal("Failed to start servers")
	}
	if err := servers.Serve(ctx); err != nil {
		logger.WithError(err).Error("Server error")
	}
	logger.Info("Shutdown complete")
}
