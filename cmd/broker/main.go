// Command broker serves a dyconit system over websockets next to its control API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	flag "github.com/spf13/pflag"

	"github.com/coachpo/dyconit/internal/app/broker"
	"github.com/coachpo/dyconit/internal/domain/schema"
	"github.com/coachpo/dyconit/internal/dyconit"
	"github.com/coachpo/dyconit/internal/infra/config"
	httpserver "github.com/coachpo/dyconit/internal/infra/server/http"
	"github.com/coachpo/dyconit/internal/infra/telemetry"
	"github.com/coachpo/dyconit/internal/infra/transport/ws"
)

const (
	defaultConfigPath        = "config/app.yaml"
	brokerLoggerPrefix       = "broker "
	meterName                = "github.com/coachpo/dyconit"
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	sessionsShutdownTimeout  = 2 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	controlReadHeaderTimeout = 5 * time.Second
)

type cliOptions struct {
	configPath string
	addr       string
	policy     string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newBrokerLogger()

	configPath := resolveConfigPath(opts.configPath)
	appCfg, err := loadConfig(ctx, configPath, opts)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if configPath == "" {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, policy=%s, addr=%s",
		appCfg.Environment, appCfg.Policy.Kind, appCfg.Transport.Addr)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	meter := telemetryProvider.Meter(meterName)
	observer, err := telemetry.NewMetrics(meter, telemetryProvider.Config())
	if err != nil {
		logger.Fatalf("initialize metrics: %v", err)
	}

	system, err := buildSystem(appCfg, logger, dyconit.WithObserver(observer))
	if err != nil {
		logger.Fatalf("initialise policy: %v", err)
	}

	sessions, err := ws.NewServer(system, ws.Options{
		ReadLimitBytes: appCfg.Transport.ReadLimitBytes,
		WriteTimeout:   appCfg.Transport.WriteTimeout,
		PublishRate:    appCfg.Transport.PublishRate,
		PublishBurst:   appCfg.Transport.PublishBurst,
		AllowedOrigins: appCfg.Transport.AllowedOrigins,
		Environment:    string(appCfg.Environment),
		Meter:          meter,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatalf("initialise websocket server: %v", err)
	}

	brk, err := broker.New(system, broker.Options{
		TickInterval:         appCfg.Broker.TickInterval,
		GlobalUpdateInterval: appCfg.Broker.GlobalUpdateInterval,
		Factory:              broker.ConfigFactory(policySource(ctx, configPath, opts), logger),
		OnPolicyChange: func() {
			logger.Printf("policy changed: resynced sessions=%d", sessions.Resync())
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatalf("initialise broker: %v", err)
	}

	var lifecycle conc.WaitGroup
	brokerCtx, brokerCancel := context.WithCancel(context.Background())
	lifecycle.Go(func() {
		if err := brk.Run(brokerCtx); err != nil {
			logger.Printf("broker: %v", err)
		}
	})

	server := buildServer(appCfg, system, brk, sessions)
	startServer(&lifecycle, logger, server)
	logger.Printf("listening on %s (websocket %s)", server.Addr, appCfg.Transport.Path)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     server,
		sessions:   sessions,
		brokerStop: brokerCancel,
		lifecycle:  &lifecycle,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags(args []string) (cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("broker", flag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", fmt.Sprintf("Path to application configuration file (default: %s when present)", defaultConfigPath))
	fs.StringVar(&opts.addr, "addr", "", "Listen address, overrides transport.addr")
	fs.StringVar(&opts.policy, "policy", "", "Policy kind (grid, static, script), overrides policy.kind")
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	return opts, nil
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newBrokerLogger() *log.Logger {
	return log.New(os.Stdout, brokerLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

// resolveConfigPath returns the explicit flag value, or the default path when a
// file exists there. An empty result means defaults plus environment.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	path := filepath.Clean(defaultConfigPath)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func loadConfig(ctx context.Context, path string, opts cliOptions) (config.AppConfig, error) {
	cfg, err := config.LoadOrDefault(ctx, path)
	if err != nil {
		return config.AppConfig{}, err
	}
	applyOverrides(&cfg, opts)
	if err := cfg.Validate(); err != nil {
		return config.AppConfig{}, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.AppConfig, opts cliOptions) {
	if opts.addr != "" {
		cfg.Transport.Addr = opts.addr
	}
	if opts.policy != "" {
		cfg.Policy.Kind = config.PolicyKind(strings.ToLower(strings.TrimSpace(opts.policy)))
	}
}

// policySource re-reads the configuration on every reload so an edited file or
// script takes effect without a restart.
func policySource(ctx context.Context, path string, opts cliOptions) func() (config.PolicyConfig, error) {
	return func() (config.PolicyConfig, error) {
		cfg, err := loadConfig(ctx, path, opts)
		if err != nil {
			return config.PolicyConfig{}, err
		}
		return cfg.Policy, nil
	}
}

func telemetryConfig(appCfg config.AppConfig) telemetry.Config {
	telemetryCfg := telemetry.DefaultConfig()
	cfg := appCfg.Telemetry
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	if cfg.MetricInterval > 0 {
		telemetryCfg.MetricInterval = cfg.MetricInterval
	}
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.Enabled
	telemetryCfg.OTLPInsecure = telemetryCfg.OTLPInsecure || cfg.OTLPInsecure
	telemetryCfg.TopicAttribute = cfg.TopicAttribute
	telemetryCfg.Environment = string(appCfg.Environment)
	return telemetryCfg
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetryConfig(appCfg)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func buildSystem(appCfg config.AppConfig, logger *log.Logger, extra ...dyconit.Option) (*broker.System, error) {
	p, err := broker.NewPolicy(appCfg.Policy, logger)
	if err != nil {
		return nil, err
	}
	opts := append([]dyconit.Option{
		dyconit.WithFanoutWorkers(appCfg.Broker.FanoutWorkerCount()),
		dyconit.WithParallelThreshold(appCfg.Broker.ParallelThreshold),
	}, extra...)
	return dyconit.New[string, *schema.Update](p, broker.NewFilter(appCfg.Policy), opts...), nil
}

func buildHandler(appCfg config.AppConfig, system *broker.System, reloader httpserver.PolicyReloader, sessions *ws.Server) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(appCfg.Transport.Path, sessions)
	mux.Handle("/", httpserver.NewHandler(httpserver.Options{
		Config:   appCfg,
		System:   system,
		Reloader: reloader,
		Sessions: sessions,
	}))
	return mux
}

func buildServer(appCfg config.AppConfig, system *broker.System, reloader httpserver.PolicyReloader, sessions *ws.Server) *http.Server {
	return &http.Server{
		Addr:              appCfg.Transport.Addr,
		Handler:           buildHandler(appCfg, system, reloader, sessions),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	sessions   *ws.Server
	brokerStop context.CancelFunc
	lifecycle  *conc.WaitGroup
	telemetry  *telemetry.Provider
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

	// Hijacked websocket connections are not tracked by Shutdown.
	if cfg.sessions != nil {
		shutdownStep("closing websocket sessions", sessionsShutdownTimeout, func(stepCtx context.Context) error {
			cfg.sessions.Close()
			return waitFor(stepCtx, func() bool { return cfg.sessions.Sessions() == 0 })
		})
	}

	if cfg.server != nil {
		shutdownStep("stopping server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: stopping broker")
	if cfg.brokerStop != nil {
		cfg.brokerStop()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
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

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func waitFor(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
