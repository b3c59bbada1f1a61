package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Chrissou78/rwa-trade-core/libs/breaker"
	"github.com/Chrissou78/rwa-trade-core/libs/chain"
	"github.com/Chrissou78/rwa-trade-core/libs/health"
	"github.com/Chrissou78/rwa-trade-core/libs/httpmiddleware"
	"github.com/Chrissou78/rwa-trade-core/libs/kafka"
	"github.com/Chrissou78/rwa-trade-core/libs/logging"
	"github.com/Chrissou78/rwa-trade-core/libs/metrics"
	"github.com/Chrissou78/rwa-trade-core/libs/notify"
	"github.com/Chrissou78/rwa-trade-core/libs/ratelimit"
	"github.com/Chrissou78/rwa-trade-core/libs/trace"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/config"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/consumer"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/handlers"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/pairs"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/service"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/storage"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/venue"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type exchangeStore interface {
	service.LedgerStore
	service.OrderStore
	pairs.Source
	UpsertPair(ctx context.Context, p storage.Pair) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry, httpMetrics := metrics.NewRegistry()
	exchangeMetrics := service.NewMetrics(registry)
	notifyMetrics := notify.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	var store exchangeStore
	switch cfg.DB.Driver {
	case "postgres":
		pool, err := connectDB(cfg)
		if err != nil {
			logger.Error("db connection failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := storage.Migrate(context.Background(), pool); err != nil {
			logger.Error("db migration failed", "error", err)
			os.Exit(1)
		}
		pg := storage.New(pool)
		ready.AddCheck("postgres", pg.Ping)
		store = pg
	default:
		logger.Warn("using in-memory store")
		store = storage.NewMemory()
	}

	if err := seedPairs(context.Background(), store, cfg.Pairs, logger); err != nil {
		logger.Error("seed pairs failed", "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, pair cache and rate limits fall back to local state", "error", err)
			_ = redisClient.Close()
			redisClient = nil
		} else {
			defer redisClient.Close()
			ready.AddCheck("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
		}
	}

	var pairCache *pairs.Cache
	var limiter ratelimit.Limiter
	if redisClient != nil {
		pairCache = pairs.NewCache(store, redisClient, cfg.PairCacheTTL, logger)
		if cfg.RateLimit.Requests > 0 {
			limiter = ratelimit.NewRedis(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window, "exchange:rl:")
		}
	} else {
		pairCache = pairs.NewCache(store, nil, cfg.PairCacheTTL, logger)
		if cfg.RateLimit.Requests > 0 {
			limiter = ratelimit.NewMemory(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		}
	}

	var verifier chain.Verifier = chain.NoopVerifier{}
	if cfg.Chain.RPCURL != "" {
		rv, closeChain, err := chain.Dial(context.Background(), cfg.Chain.RPCURL, cfg.Chain.Timeout, logger)
		if err != nil {
			logger.Error("chain rpc connection failed", "error", err)
			os.Exit(1)
		}
		defer closeChain()
		verifier = rv
	} else {
		logger.Warn("chain rpc not configured, deposits are not verified")
	}

	var venueClient service.VenueClient
	if cfg.Venue.BaseURL != "" {
		vc, err := venue.New(venue.Config{
			BaseURL:     cfg.Venue.BaseURL,
			Credentials: venue.Credentials{APIKey: cfg.Venue.APIKey, Secret: cfg.Venue.Secret},
			Timeout:     cfg.Venue.Timeout,
			RatePerSec:  cfg.Venue.RatePerSec,
			Burst:       cfg.Venue.Burst,
			Breaker: breaker.Config{
				Name:        "bybit",
				MaxFailures: cfg.Venue.BreakerFailures,
				Timeout:     cfg.Venue.BreakerCooldown,
			},
		}, logger)
		if err != nil {
			logger.Error("venue client init failed", "error", err)
			os.Exit(1)
		}
		venueClient = vc
	} else {
		logger.Warn("venue not configured, market orders on venue-backed pairs are rejected")
	}

	var producer kafka.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		sp, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		producer = kafka.NewDLQPublisher(sp, sp, cfg.Topics.DeadLetter, logger)
	} else {
		logger.Warn("kafka brokers not configured, events are logged only")
		producer = kafka.NewLogPublisher(logger)
	}
	defer producer.Close()

	notifier := notify.NewEmitter(producer, cfg.Topics.Notifications, cfg.NotifyTimeout, logger, notifyMetrics)
	ledgerSvc := service.NewLedgerService(store, verifier, notifier, logger, exchangeMetrics)
	orderSvc := service.NewOrderService(store, pairCache, venueClient, notifier, producer, logger, exchangeMetrics, service.OrderConfig{
		Fees: service.Fees{
			Wallet:   cfg.Fees.Wallet,
			MakerBps: cfg.Fees.MakerBps,
			TakerBps: cfg.Fees.TakerBps,
		},
		SlippageBps: cfg.Fees.SlippageBps,
		Relay: service.RelayConfig{
			SpreadBps: cfg.Venue.SpreadBps,
			FlatFee:   cfg.Venue.FlatFee,
			Timeout:   cfg.Venue.ExecutionTimeout,
			Grace:     cfg.Venue.ReconcileGrace,
		},
		Topics: service.Topics{Trades: cfg.Topics.Trades},
	})
	if cfg.Fees.Wallet == "" {
		logger.Warn("fee wallet not configured, trades are fee free")
	}

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, httpMetrics))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))
	handlers.New(ledgerSvc, orderSvc, limiter, logger).Register(router, []byte(cfg.Auth.JWTSecret))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.App.GRPC.Host, cfg.App.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if len(cfg.Kafka.Brokers) > 0 {
		startConsumer(workerCtx, cfg, cfg.Topics.Deposits, consumer.NewDepositConsumer(ledgerSvc, logger), producer, logger)
		startConsumer(workerCtx, cfg, cfg.Topics.Withdrawals, consumer.NewWithdrawalConsumer(ledgerSvc, logger), producer, logger)
	} else {
		logger.Warn("kafka brokers not configured, deposits and withdrawal outcomes are not consumed")
	}

	go orderSvc.RunReconciler(workerCtx, cfg.Venue.ReconcileEvery)

	ready.SetReady(true)

	go func() {
		logger.Info("exchange grpc starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("exchange http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(grpcServer, healthServer, httpServer, ready, workerCancel, notifier, logger)
}

// startConsumer runs one consumer group per topic so a poison message on
// one stream never stalls the other.
func startConsumer(ctx context.Context, cfg *config.Config, topic string, handler kafka.MessageHandler, dlq kafka.Publisher, logger *slog.Logger) {
	group, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup+"."+topic, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "topic", topic, "error", err)
		os.Exit(1)
	}
	group.WithDLQ(dlq, cfg.Topics.DeadLetter)

	go func() {
		defer group.Close()
		logger.Info("exchange consumer starting", "topic", topic)
		if err := group.Consume(ctx, []string{topic}, handler); err != nil && ctx.Err() == nil {
			logger.Error("kafka consumer error", "topic", topic, "error", err)
		}
	}()
}

func seedPairs(ctx context.Context, store exchangeStore, list []storage.Pair, logger *slog.Logger) error {
	for _, p := range list {
		if err := store.UpsertPair(ctx, p); err != nil {
			return fmt.Errorf("upsert pair %s: %w", p.Symbol, err)
		}
		logger.Info("pair configured", "pair", p.Symbol, "venue_backed", p.VenueBacked)
	}
	return nil
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, notifier *notify.Emitter, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	select {
	case <-grpcDone:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if err := notifier.Wait(ctx); err != nil {
		logger.Error("pending notifications dropped", "error", err)
	}
	logger.Info("shutdown complete")
}
