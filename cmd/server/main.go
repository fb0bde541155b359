package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anvil-lab/wgctl/internal/api"
	"github.com/anvil-lab/wgctl/internal/api/handlers"
	"github.com/anvil-lab/wgctl/internal/config"
	"github.com/anvil-lab/wgctl/internal/database"
	"github.com/anvil-lab/wgctl/internal/executil"
	"github.com/anvil-lab/wgctl/internal/firewall"
	"github.com/anvil-lab/wgctl/internal/ipam"
	"github.com/anvil-lab/wgctl/internal/metrics"
	"github.com/anvil-lab/wgctl/internal/models"
	"github.com/anvil-lab/wgctl/internal/store"
	"github.com/anvil-lab/wgctl/internal/telemetry"
	"github.com/anvil-lab/wgctl/internal/wgconfig"
	"github.com/anvil-lab/wgctl/internal/wgstatus"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	if os.Getenv("WGCTL_ENV") == "development" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Starting wgctl control plane...")

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("Failed to load configuration: %v", err)
	}
	sugar.Infof("Loaded configuration for environment: %s", cfg.Environment)

	db, err := database.New(cfg.Database)
	if err != nil {
		sugar.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	sugar.Info("Connected to database")

	if err := db.Migrate(); err != nil {
		sugar.Fatalf("Failed to run migrations: %v", err)
	}
	sugar.Info("Database migrations completed")

	st := store.New(db.Pool, logger)

	ipamSvc, err := ipam.New(cfg.VPN.Subnet, st)
	if err != nil {
		sugar.Fatalf("Failed to initialize IPAM: %v", err)
	}

	renderer := wgconfig.New(cfg.VPN.WorkingConfigPath, cfg.VPN.SystemConfigPath, logger)
	compiler := firewall.NewCompiler(cfg.VPN.Interface, cfg.VPN.Subnet)

	exec := executil.OSExecutor{}
	reconciler := firewall.NewReconciler(cfg.VPN.Interface, compiler, exec, cfg.VPN.ExternalToolDeadline, os.TempDir(), logger)
	reader := wgstatus.New(cfg.VPN.Interface, exec, cfg.VPN.ExternalToolDeadline, cfg.VPN.HandshakeTimeout(), logger,
		wgstatus.WithPingCheck(cfg.VPN.EnablePingCheck, cfg.VPN.PingTimeout),
		wgstatus.WithConntrack(cfg.VPN.EnableConntrack))

	ifaceConfig := func() models.InterfaceConfig {
		return models.InterfaceConfig{
			Address:    cfg.VPN.ServerIP,
			PrivateKey: cfg.VPN.ServerPrivateKey,
			ListenPort: cfg.VPN.ListenPort,
		}
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	pipeline := telemetry.New(st, reader, renderer, compiler, reconciler, ifaceConfig,
		cfg.Telemetry.RingSize, cfg.Telemetry.RefreshInterval(), cfg.Telemetry.LowLatencyInterval, logger, m)

	ctx, cancelPipeline := context.WithCancel(context.Background())
	go pipeline.Run(ctx)

	server := api.NewServer(cfg, st, ipamSvc, renderer, compiler, reconciler, reader, pipeline,
		handlers.IfaceConfigFunc(ifaceConfig), logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sugar.Infof("Server listening on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	cancelPipeline()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		sugar.Fatalf("Server forced to shutdown: %v", err)
	}

	sugar.Info("Server exited properly")
}
