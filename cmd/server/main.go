package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/event-seat-allocation/internal/clock"
	"github.com/iliyamo/event-seat-allocation/internal/config"
	"github.com/iliyamo/event-seat-allocation/internal/database"
	"github.com/iliyamo/event-seat-allocation/internal/handler"
	"github.com/iliyamo/event-seat-allocation/internal/middleware"
	"github.com/iliyamo/event-seat-allocation/internal/queue"
	"github.com/iliyamo/event-seat-allocation/internal/repository"
	"github.com/iliyamo/event-seat-allocation/internal/router"
	"github.com/iliyamo/event-seat-allocation/internal/service"
	"github.com/iliyamo/event-seat-allocation/internal/session"
)

func main() {
	configPath := flag.String("config", "config.yml", "optional YAML config file")
	flag.Parse()

	logger := log.New("seats")
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	logger.SetLevel(parseLevel(cfg.App.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := config.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Warnf("redis unavailable, rate limiting disabled: %v", err)
		rdb = nil
	}
	store, closeStore := openStore(ctx, cfg, rdb, logger)
	defer closeStore()

	clk := clock.NewSystem()
	opts := []service.ReservationOption{
		service.WithHoldTTL(cfg.Seating.HoldTTL),
		service.WithTxnAttempts(cfg.Seating.TxnAttempts),
		service.WithReservationLogger(logger),
	}
	if cfg.RabbitMQ.Publish {
		opts = append(opts, service.WithSalePublisher(service.NewAMQPSalePublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.SalesQueue, logger)))
	}
	mgr := service.NewReservationManager(store, clk, opts...)
	sweeper := service.NewSweeper(store, clk, logger)
	gen := service.NewGenerator(store, service.WithStrictLayout(cfg.Seating.StrictLayout), service.WithGeneratorLogger(logger))
	views := service.NewViews(ctx, store, clk, sweeper, logger)
	defer views.Close()
	go views.Run(ctx, time.Minute)

	sessions := session.NewRegistry(mgr, clk,
		session.WithSessionTTL(cfg.Seating.HoldTTL),
		session.WithTickInterval(cfg.Seating.SessionTick),
		session.WithRegistryLogger(logger),
	)
	go sessions.Run(ctx)

	if cfg.RabbitMQ.Consume {
		consumer := queue.NewSalesConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.SalesQueue, logger)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("sales consumer stopped: %v", err)
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.Logger = logger
	seats := handler.NewSeatHandler(gen, sweeper, views)
	router.RegisterRoutes(e)
	router.RegisterPublic(e, seats, cfg.JWTSecret)
	router.RegisterOwner(e, seats, cfg.JWTSecret)
	router.RegisterCustomer(e, handler.NewSelectionHandler(sessions), cfg.JWTSecret, middleware.NewTokenBucket(cfg.RateLimit, rdb))

	go func() {
		addr := ":" + cfg.App.Port
		logger.Infof("listening on %s (env=%s store=%s)", addr, cfg.App.Env, cfg.Seating.Store)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(err)
		}
	}()

	<-ctx.Done()
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdown); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}

// openStore builds the SeatStore selected by SEAT_STORE.
func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *log.Logger) (repository.SeatStore, func()) {
	switch cfg.Seating.Store {
	case config.StoreMySQL:
		db, err := database.Open(cfg.Database.User, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name, cfg.Database.MaxOpen)
		if err != nil {
			logger.Fatalf("mysql: %v", err)
		}
		if cfg.Database.Migrate {
			if err := database.Migrate(ctx, db); err != nil {
				logger.Fatalf("mysql migrate: %v", err)
			}
		}
		return repository.NewMySQLStore(db, cfg.Seating.PollInterval), func() { _ = db.Close() }
	case config.StoreRedis:
		if rdb == nil {
			logger.Fatal("SEAT_STORE=redis requires a reachable redis")
		}
		return repository.NewRedisStore(rdb), func() { _ = rdb.Close() }
	default:
		logger.Warn("using in-memory seat store; state is lost on restart")
		return repository.NewMemoryStore(), func() {}
	}
}

func parseLevel(s string) log.Lvl {
	switch strings.ToLower(s) {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	case "off":
		return log.OFF
	}
	return log.INFO
}
