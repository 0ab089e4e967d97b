package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	commonmw "codegrade/internal/common/http/middleware"
	"codegrade/internal/common/mq"
	"codegrade/internal/common/storage"
	"codegrade/internal/execution/controller"
	"codegrade/internal/execution/evaluator"
	"codegrade/internal/execution/language"
	"codegrade/internal/execution/limiter"
	"codegrade/internal/execution/orchestrator"
	"codegrade/internal/execution/repository"
	"codegrade/internal/execution/sandbox/engine"
	"codegrade/internal/execution/sandbox/observer"
	"codegrade/internal/execution/sandbox/runner"
	"codegrade/internal/execution/service"
	"codegrade/pkg/utils/logger"
	"codegrade/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultConfigPath  = "configs/execution_service.yaml"
	startupPingTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "execution service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	registry, err := language.NewRegistry(appCfg.Languages)
	if err != nil {
		return fmt.Errorf("init languages failed: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observer.NewPrometheusRecorder(promRegistry)

	eng, err := engine.NewDockerEngine(appCfg.Sandbox.toEngineConfig())
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
	if err := eng.Ping(pingCtx); err != nil {
		logger.Warn(ctx, "docker daemon not reachable at startup", zap.Error(err))
	}
	cancel()
	if appCfg.Sandbox.PrePullImages {
		go prePullImages(eng, registry)
	}

	sandboxRunner := runner.NewRunnerWithObserver(eng, registry, runner.Config{
		WorkRoot: appCfg.Sandbox.WorkRoot,
		Limits:   appCfg.Sandbox.toLimits(),
	}, metrics)
	lim := limiter.New(appCfg.Execution.MaxConcurrentSandboxes)

	var connector orchestrator.QueueConnector
	if appCfg.Queue.Redis.Configured() {
		connector = orchestrator.RedisConnector(&appCfg.Queue.Redis, appCfg.Queue.Prefix)
	}
	orch := orchestrator.New(appCfg.Queue.toOrchestratorConfig(), orchestrator.Deps{
		Runner:    sandboxRunner,
		Evaluator: evaluator.New(sandboxRunner, registry),
		Languages: registry,
		Limiter:   lim,
		Connector: connector,
		Metrics:   metrics,
	})
	defer func() {
		_ = orch.Close()
	}()

	var publisher repository.EventPublisher
	if len(appCfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka.toMQConfig())
		if err != nil {
			return fmt.Errorf("init kafka producer failed: %w", err)
		}
		defer func() {
			_ = producer.Close()
		}()
		pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
		if err := producer.Ping(pingCtx); err != nil {
			logger.Warn(ctx, "kafka brokers not reachable at startup", zap.Error(err))
		}
		cancel()
		publisher = repository.NewMQEventPublisher(producer, appCfg.Kafka.Topic)
	}

	var archive repository.SubmissionArchive
	if appCfg.MinIO.Configured() {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		bucketCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
		if err := objStorage.EnsureBucket(bucketCtx, appCfg.MinIO.Bucket); err != nil {
			logger.Warn(ctx, "ensure archive bucket failed", zap.String("bucket", appCfg.MinIO.Bucket), zap.Error(err))
		}
		cancel()
		objArchive, err := repository.NewObjectArchive(objStorage, appCfg.MinIO.Bucket)
		if err != nil {
			return err
		}
		defer func() {
			_ = objArchive.Close()
		}()
		archive = objArchive
	}

	svc, err := service.NewService(service.Config{
		Dispatcher:      orch,
		Sandbox:         eng,
		Languages:       registry,
		Limiter:         lim,
		Publisher:       publisher,
		Archive:         archive,
		MaxCodeLength:   appCfg.Execution.MaxCodeLength,
		MaxBulkAnswers:  appCfg.Execution.MaxBulkAnswers,
		BulkConcurrency: appCfg.Execution.BulkConcurrency,
	})
	if err != nil {
		return fmt.Errorf("init execution service failed: %w", err)
	}

	httpServer := buildHTTPServer(appCfg, svc, promRegistry)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "execution http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.Int("max_concurrent_sandboxes", lim.Capacity()),
			zap.Bool("queue_configured", connector != nil),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server stopped: %w", err)
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	return nil
}

func buildHTTPServer(appCfg *AppConfig, svc *service.Service, reg *prometheus.Registry) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(commonmw.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())

	api := router.Group("/api/v1/execution")
	controller.NewExecutionController(svc).Register(api)

	if !appCfg.Metrics.Disabled {
		router.GET(appCfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	router.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "")
	})

	return &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
}

func prePullImages(eng *engine.DockerEngine, registry *language.Registry) {
	ctx := context.Background()
	for _, image := range registry.Images() {
		if err := eng.EnsureImage(ctx, image); err != nil {
			logger.Warn(ctx, "pre-pull image failed", zap.String("image", image), zap.Error(err))
			continue
		}
		logger.Info(ctx, "image ready", zap.String("image", image))
	}
}
