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

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/storage"
)

type driverPool interface {
	matcher.DriverPool
	httpapi.DriverPool
}

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("dispatch-api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var drivers driverPool
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		rp := pool.NewRedisPool(rc, cfg.RedisGeoKey)
		if err := rp.Ping(ctx); err != nil {
			logger.Error("redis unreachable", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		drivers = rp
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory driver pool")
		drivers = pool.NewMemoryPool(nil)
	}

	store := openStore(ctx, cfg, logger)

	var events matcher.EventPublisher
	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaMatchTopic)
		defer kp.Close()
		events, locations = kp, kp
	}

	wsreg := dispatch.NewWSRegistry(logger)
	var sender matcher.OfferSender = wsreg
	if cfg.PushEndpoint != "" {
		sender = dispatch.Fallback{wsreg, dispatch.NewPushDispatcher(cfg.PushEndpoint)}
	}

	opts := []matcher.Option{matcher.WithLogger(logger)}
	if events != nil {
		opts = append(opts, matcher.WithEvents(events))
	}
	if cfg.OSRMEndpoint != "" {
		opts = append(opts, matcher.WithETAClient(&eta.Cached{
			Client: eta.NewOSRMClient(cfg.OSRMEndpoint),
			Cache:  eta.NewCache(cfg.ETACacheTTL),
		}))
	}
	engine, err := matcher.New(cfg.Matching, drivers, sender, opts...)
	if err != nil {
		logger.Error("matcher init failed", "err", err)
		os.Exit(1)
	}
	wsreg.Bind(engine)

	api := httpapi.NewServer(httpapi.Deps{
		Engine:    engine,
		Pool:      drivers,
		Store:     store,
		Locations: locations,
		WSReg:     wsreg,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "err", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("matching sessions still running at exit", "active", engine.Active(), "err", err)
		return
	}
	api.Wait()
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) storage.TripStore {
	if cfg.PGDSN == "" {
		return storage.NewMemoryStore()
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("postgres unavailable, using in-memory ride store", "err", err)
		return storage.NewMemoryStore()
	}
	if cfg.RunMigrations {
		if err := ps.Migrate(ctx); err != nil {
			logger.Error("migration failed", "err", err)
		} else {
			logger.Info("migration applied", "table", "rides")
		}
	}
	return ps
}
