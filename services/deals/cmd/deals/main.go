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

	"github.com/Chrissou78/rwa-trade-core/libs/chain"
	"github.com/Chrissou78/rwa-trade-core/libs/health"
	"github.com/Chrissou78/rwa-trade-core/libs/httpmiddleware"
	"github.com/Chrissou78/rwa-trade-core/libs/kafka"
	"github.com/Chrissou78/rwa-trade-core/libs/logging"
	"github.com/Chrissou78/rwa-trade-core/libs/metrics"
	"github.com/Chrissou78/rwa-trade-core/libs/notify"
	"github.com/Chrissou78/rwa-trade-core/libs/trace"
	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/config"
	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/handlers"
	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/service"
	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type dealStore interface {
	service.DealStore
	service.DisputeStore
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
	dealMetrics := service.NewMetrics(registry)
	notifyMetrics := notify.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	var store dealStore
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
		logger.Warn("chain rpc not configured, escrow transactions are not verified")
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
	topics := service.Topics{Events: cfg.Topics.Events}
	disputeSvc := service.NewDisputeService(store, notifier, producer, logger, dealMetrics, topics, cfg.Arbiters, cfg.DisputeWindow)
	dealSvc := service.NewDealService(store, disputeSvc, verifier, notifier, producer, logger, dealMetrics, topics)
	if len(cfg.Arbiters) == 0 {
		logger.Warn("no arbiters configured, disputes cannot be advanced")
	}

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, httpMetrics))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))
	handlers.New(dealSvc, disputeSvc, logger).Register(router, []byte(cfg.Auth.JWTSecret))

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

	ready.SetReady(true)

	go func() {
		logger.Info("deals grpc starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("deals http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(grpcServer, healthServer, httpServer, ready, notifier, logger)
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

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, ready *health.Manager, notifier *notify.Emitter, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

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
