// Command relay consumes the async dispatch channel and delivers updates to
// the configured hubs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/herald/internal/app/runtime"
	"github.com/coachpo/herald/internal/domain/resource"
	"github.com/coachpo/herald/internal/infra/config"
	httpserver "github.com/coachpo/herald/internal/infra/server/http"
	"github.com/coachpo/herald/internal/infra/telemetry"
)

const (
	defaultConfigPath          = "config/app.yaml"
	relayLoggerPrefix          = "relay "
	adminReadHeaderTimeout     = 5 * time.Second
	shutdownTimeout            = 30 * time.Second
	adminServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout   = 10 * time.Second
	componentShutdownTimeout   = 10 * time.Second
	telemetryShutdownTimeout   = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newRelayLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	// The admin API edits the file as loaded, not the relay's trimmed view.
	configStore, err := config.NewAppConfigStore(appCfg, func(cfg config.AppConfig) error {
		return config.SaveAppConfig(configPath, cfg)
	})
	if err != nil {
		logger.Fatalf("create config store: %v", err)
	}
	appCfg = prepareRelayConfig(appCfg, logger)
	logger.Printf("configuration initialised: env=%s, hubs=%d, dispatch=%s",
		appCfg.Environment, len(appCfg.Hubs), appCfg.Dispatch.Kind)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	rt, err := runtime.Build(ctx, appCfg, resource.NewRegistry(appCfg.Publisher.BaseURL),
		runtime.WithLogger(logger),
		runtime.WithRelays(true))
	if err != nil {
		logger.Fatalf("build runtime: %v", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := rt.Run(ctx); err != nil {
			logger.Printf("relay stopped: %v", err)
			cancel()
		}
	})

	server := newAdminServer(appCfg, rt, configStore)
	if server != nil {
		startAdminServer(&lifecycle, logger, server)
		logger.Printf("admin API listening on %s", server.Addr)
	}

	logger.Printf("relay started: hubs=%v; awaiting shutdown signal", rt.Hubs().Names())
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	shutdownCfg := gracefulShutdownConfig{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		runtime:    rt,
		telemetry:  telemetryProvider,
	}
	if server != nil {
		shutdownCfg.server = server
	}
	performGracefulShutdown(shutdownCtx, logger, shutdownCfg)

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRelayLogger() *log.Logger {
	return log.New(os.Stdout, relayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

// prepareRelayConfig turns off the parts of the configuration that need
// application resource types. The relay only moves already resolved updates.
func prepareRelayConfig(cfg config.AppConfig, logger *log.Logger) config.AppConfig {
	out := cfg.Clone()
	if out.Subscriptions.Enabled {
		logger.Print("subscriptions are tracked by the publishing application; disabled in the relay")
		out.Subscriptions.Enabled = false
	}
	if out.Changes.Enabled {
		logger.Print("the change feed needs resource decoders; disabled in the relay")
		out.Changes.Enabled = false
	}
	out.Resources = nil
	return out
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// newAdminServer returns nil when no admin address is configured.
func newAdminServer(cfg config.AppConfig, rt *runtime.Runtime, store *config.AppConfigStore) *http.Server {
	if cfg.Admin.Addr == "" {
		return nil
	}
	handler := httpserver.NewHandler(httpserver.Options{
		Environment: cfg.Environment,
		Hubs:        rt.Hubs(),
		Sender:      rt.Sender(),
		ConfigStore: store,
		Dispatch:    string(cfg.Dispatch.Kind),
	})
	return &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           handler,
		ReadHeaderTimeout: adminReadHeaderTimeout,
	}
}

func startAdminServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("admin server: %v", err)
		}
	})
}

type serverShutdowner interface {
	Shutdown(ctx context.Context) error
}

type runtimeCloser interface {
	Close(ctx context.Context) error
}

type telemetryShutdowner interface {
	Shutdown(ctx context.Context) error
}

type gracefulShutdownConfig struct {
	server     serverShutdowner
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	runtime    runtimeCloser
	telemetry  telemetryShutdowner
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping admin server", adminServerShutdownTimeout, cfg.server.Shutdown)
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for relay loops", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.runtime != nil {
		shutdownStep("closing queues and hubs", componentShutdownTimeout, cfg.runtime.Close)
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
