package system

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/MachineConnect/internal/api/rest"
	"github.com/KevinKickass/MachineConnect/internal/auth"
	"github.com/KevinKickass/MachineConnect/internal/channel"
	"github.com/KevinKickass/MachineConnect/internal/config"
	"github.com/KevinKickass/MachineConnect/internal/edge"
	"github.com/KevinKickass/MachineConnect/internal/interfaces"
	"github.com/KevinKickass/MachineConnect/internal/metrics"
	"github.com/KevinKickass/MachineConnect/internal/orchestrator"
	"github.com/KevinKickass/MachineConnect/internal/sources"
	"github.com/KevinKickass/MachineConnect/internal/storage"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService is the gRPC health service name of the orchestrator; the
// empty name reports the process as a whole.
const healthService = "machineconnect.Orchestrator"

const databaseProbeInterval = 30 * time.Second

type LifecycleManager struct {
	config       *config.Config
	storage      *storage.PostgresClient
	orchestrator *orchestrator.Orchestrator
	hub          *channel.Hub
	authService  *auth.AuthService
	collectors   *metrics.Collectors
	reporter     *metrics.Reporter
	logger       *zap.Logger

	restServer *rest.Server
	grpcServer *grpc.Server
	health     *health.Server

	// Stops the hub and the database probe
	cancel context.CancelFunc

	stateMu      sync.RWMutex
	currentState SystemState
	startedAt    time.Time

	shutdownOnce sync.Once
}

func NewLifecycleManager(
	storage *storage.PostgresClient,
	cfg *config.Config,
	logger *zap.Logger,
) *LifecycleManager {
	collectors := metrics.NewCollectors()
	reporter := metrics.NewReporter(cfg.Metrics, logger)

	authService := auth.NewAuthService(storage, cfg.Auth, logger)

	hub := channel.NewHub(authService, logger)
	hub.SetObserver(collectors)

	orch := orchestrator.New(orchestrator.Dependencies{
		Connections: storage,
		Devices:     storage,
		Components:  edge.NewClient(cfg.Edge, logger),
		Sources:     sources.NewRegistry(storage, cfg.Orchestrator.StreamName, logger),
		Commands:    hub,
		Usage:       reporter,
		Instruments: collectors,
	}, cfg.Orchestrator, logger)

	return &LifecycleManager{
		config:       cfg,
		storage:      storage,
		orchestrator: orch,
		hub:          hub,
		authService:  authService,
		collectors:   collectors,
		reporter:     reporter,
		logger:       logger,
		health:       health.NewServer(),
		currentState: StateInitializing,
	}
}

// Start starts the entire system
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting MachineConnect orchestrator",
		zap.String("install_id", lm.reporter.InstallID()))

	if !lm.config.Auth.IsProductionReady() {
		lm.logger.Warn("JWT secret is the development default or too short")
	}

	ctx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel
	lm.startedAt = time.Now()

	go lm.hub.Run(ctx)

	// Start gRPC Server (health service)
	if err := lm.startGRPCServer(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	// Start REST API Server
	if err := lm.startRESTServer(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	go lm.probeDatabase(ctx)

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Duration("poll_interval", lm.config.Orchestrator.PollInterval),
		zap.Duration("settle_time", lm.config.Orchestrator.SettleTime))

	return nil
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		shutdownErr = lm.gracefulShutdown(ctx)
		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// 1. REST API: stop accepting requests, wait for running workflows
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lm.restServer.Shutdown(ctx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// 2. gRPC Server graceful stop
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	// Wait for all shutdowns
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		lm.logger.Info("Graceful shutdown completed")
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		err = fmt.Errorf("shutdown timeout exceeded")
	case err = <-errChan:
	}

	// Device clients are closed last so in-flight workflows can still publish.
	if lm.cancel != nil {
		lm.cancel()
	}

	return err
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health)
	lm.logger.Info("Health gRPC service registered")

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	server, err := rest.NewServer(lm.config, lm, lm.logger, lm.hub, lm.authService, lm.collectors)
	if err != nil {
		return err
	}
	lm.restServer = server
	return lm.restServer.Start()
}

// probeDatabase marks the system degraded while Postgres is unreachable.
func (lm *LifecycleManager) probeDatabase(ctx context.Context) {
	ticker := time.NewTicker(databaseProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := lm.storage.Ping(probeCtx)
		cancel()

		state := lm.state()
		switch {
		case err != nil && state == StateRunning:
			lm.logger.Error("Database unreachable", zap.Error(err))
			lm.setState(StateDegraded)
		case err == nil && state == StateDegraded:
			lm.logger.Info("Database reachable again")
			lm.setState(StateRunning)
		}
	}
}

func (lm *LifecycleManager) state() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state transition", zap.Error(err))
	}
	lm.currentState = state

	lm.health.SetServingStatus("", state.servingStatus())
	lm.health.SetServingStatus(healthService, state.servingStatus())
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	status := interfaces.SystemStatus{
		State:            lm.state().String(),
		ConnectedDevices: lm.hub.GetClientCount(),
	}
	if lm.restServer != nil {
		status.InflightRequests = lm.restServer.InflightCount()
	}
	if !lm.startedAt.IsZero() {
		status.UptimeSeconds = int64(time.Since(lm.startedAt).Seconds())
	}
	return status
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

// Workflows returns the connection orchestrator
func (lm *LifecycleManager) Workflows() interfaces.WorkflowHandler {
	return lm.orchestrator
}

func (lm *LifecycleManager) Connections() interfaces.ConnectionReader {
	return lm.storage
}

func (lm *LifecycleManager) Devices() interfaces.DeviceRegistry {
	return lm.storage
}
