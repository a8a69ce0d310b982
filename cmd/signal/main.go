package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"panelrelay/internal/core/ports"
	"panelrelay/internal/core/services"
	httphandlers "panelrelay/internal/handlers/http"
	"panelrelay/internal/infrastructure/controlplane"
	"panelrelay/internal/infrastructure/distributed"
	"panelrelay/internal/infrastructure/monitoring"
	"panelrelay/internal/infrastructure/repositories"
	relaysignal "panelrelay/internal/infrastructure/signal"
	"panelrelay/pkg/circuitbreaker"
	"panelrelay/pkg/config"
	"panelrelay/pkg/logger"
	"panelrelay/pkg/retry"
	"panelrelay/pkg/tracing"
	"panelrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Sugar().Errorw("relay exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	log := zapLogger.Sugar()
	instanceID := utils.GenerateConnectionID()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	monitorVerifier, err := services.NewCredentialVerifier(cfg.Auth.MonitorMode, cfg.Auth.MonitorAPIKey, cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	if err != nil {
		return fmt.Errorf("monitor credentials: %w", err)
	}
	controlPlaneVerifier := services.APIKeyVerifier{Expected: cfg.Auth.ControlPlaneAPIKey}

	// Snapshot storage and lifecycle events
	repoFactory := repositories.NewFactory(ctx, cfg, log)
	defer repoFactory.Close()

	var bus distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		bus = distributed.NewRedisEventBus(client, cfg.Redis.Channel, instanceID, log)
	} else {
		bus = distributed.NewMemoryEventBus(instanceID)
	}
	defer bus.Close()

	mirror := distributed.NewSnapshotMirror(repoFactory.SnapshotRepository(), bus, distributed.DefaultMirrorQueueSize, log)
	mirrorCtx, stopMirror := context.WithCancel(context.Background())
	go mirror.Run(mirrorCtx)

	observers := []ports.StreamObserver{mirror}

	var metrics ports.RelayMetrics
	var metricsHandler http.Handler
	if cfg.Monitoring.PrometheusEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector := monitoring.NewPrometheusCollector(reg)
		metrics = collector
		observers = append(observers, collector)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	var cp ports.ControlPlane
	if cfg.ControlPlane.WebhookURL != "" {
		cp = controlplane.NewClient(controlplane.Config{
			WebhookURL: cfg.ControlPlane.WebhookURL,
			APIKey:     cfg.Auth.ControlPlaneAPIKey,
			Timeout:    cfg.ControlPlane.Timeout,
			Retry: retry.Config{
				MaxAttempts:  cfg.ControlPlane.Retry.MaxAttempts,
				InitialDelay: cfg.ControlPlane.Retry.InitialDelay,
				MaxDelay:     cfg.ControlPlane.Retry.MaxDelay,
				Multiplier:   2,
				Jitter:       true,
			},
			Breaker: circuitbreaker.Config{
				FailureThreshold: cfg.ControlPlane.Breaker.MaxFailures,
				ResetTimeout:     cfg.ControlPlane.Breaker.ResetTimeout,
			},
		}, log.Named("controlplane"))
		log.Infow("control plane webhook enabled", "url", cfg.ControlPlane.WebhookURL)
	}

	router := relaysignal.NewRouter(relaysignal.RouterConfig{
		ICEServers:          cfg.ICEServersForClients(),
		GraceWindow:         cfg.Lifecycle.GraceWindow,
		HeartbeatWindow:     cfg.Lifecycle.HeartbeatWindow,
		Verifier:            monitorVerifier,
		ControlPlane:        cp,
		ControlPlaneTimeout: controlPlaneBudget(cfg),
		Metrics:             metrics,
		Observers:           observers,
	}, log.Named("relay"))
	relay := relaysignal.NewRelay(router, cfg.Lifecycle.SweepInterval, cfg.Signal.EventQueueSize, log.Named("relay"))

	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayExit := make(chan struct{})
	var relayErr error
	go func() {
		relayErr = relay.Run(relayCtx)
		close(relayExit)
	}()

	wsCfg := relaysignal.WebSocketConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueueSize:  cfg.Signal.SendQueueSize,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		wsCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	wsServer := relaysignal.NewWebSocketServer(relay, wsCfg, log.Named("ws"))

	checker := monitoring.NewHealthChecker()
	checker.AddRelayCheck(relay, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := httphandlers.NewEngine(httphandlers.EngineDeps{
		Config: cfg,
		Streams: httphandlers.NewStreamHandler(relay, httphandlers.URLs{
			Signal: cfg.Signal.PublicURL,
			Viewer: cfg.Signal.ViewerURL,
		}),
		Health:     httphandlers.NewHealthHandler(checker),
		WebSocket:  wsServer.HandleWebSocket,
		Metrics:    metricsHandler,
		Credential: controlPlaneVerifier,
		Logger:     zapLogger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting panelrelay",
			"address", cfg.Server.Address,
			"signal_path", cfg.Signal.Path,
			"instance_id", instanceID,
			"redis", repoFactory.RedisClient() != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	case <-relayExit:
		runErr = fmt.Errorf("relay loop stopped: %w", relayErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown does not wait for hijacked WebSocket connections; those are
	// closed by the websocket server while the relay still runs.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown", "error", err)
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("websocket drain", "error", err, "open", wsServer.OpenConnections())
	}
	stopRelay()
	<-relayExit

	stopMirror()
	select {
	case <-mirror.Done():
	case <-shutdownCtx.Done():
		log.Warn("snapshot mirror did not drain before shutdown deadline")
	}

	log.Infow("panelrelay stopped", "dropped_snapshots", mirror.Dropped())
	return runErr
}

// controlPlaneBudget bounds one fire-and-forget call including its retries.
func controlPlaneBudget(cfg *config.Config) time.Duration {
	attempts := cfg.ControlPlane.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(attempts)*(cfg.ControlPlane.Timeout+cfg.ControlPlane.Retry.MaxDelay)
}
