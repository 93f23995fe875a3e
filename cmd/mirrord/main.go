// Command mirrord runs the marketmirror synchronization daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/marketmirror/config"
	"github.com/coachpo/marketmirror/internal/auth"
	"github.com/coachpo/marketmirror/internal/conductor"
	"github.com/coachpo/marketmirror/internal/mirror"
	"github.com/coachpo/marketmirror/internal/observability"
	"github.com/coachpo/marketmirror/internal/orders"
	"github.com/coachpo/marketmirror/internal/transport"
	"github.com/coachpo/marketmirror/lib/telemetry"
)

const (
	defaultConfigPath        = "config/mirror.yaml"
	mirrorLoggerPrefix       = "mirrord "
	shutdownTimeout          = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, mirrorLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger))

	settings, fromFile, err := config.Load(resolveConfigPath(cfgPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !fromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	if len(settings.Symbols) == 0 {
		logger.Fatalf("no symbols configured")
	}
	logger.Printf("configuration initialised: env=%s, venue=%s, symbols=%d",
		settings.Environment, settings.Venue, len(settings.Symbols))

	telemetryShutdown, err := initTelemetry(ctx, logger, settings.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	signer := buildSigner(logger, settings.Credentials)

	metrics := observability.NewRuntimeMetrics()
	recon := orders.NewReconciler(metrics,
		orders.WithPendingEventBuffer(settings.Sync.PendingEventBuffer))

	rest := transport.NewRESTClient(settings.Transport, settings.Venue, signer)
	orch := conductor.New(settings.Sync, rest, recon, metrics)

	core, err := mirror.New(settings, rest, recon, orch)
	if err != nil {
		logger.Fatalf("initialise mirror: %v", err)
	}
	if err := core.Start(ctx); err != nil {
		logger.Fatalf("start mirror: %v", err)
	}

	ws := transport.NewWSManager(settings.Transport, settings.Venue, signer, core.HandleStream)
	for _, symbol := range settings.Symbols {
		if err := ws.SubscribeOrderbook(symbol); err != nil {
			logger.Fatalf("subscribe %s: %v", symbol, err)
		}
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := ws.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("websocket session: %v", err)
		}
	})

	logger.Print("mirrord started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	core.Stop()
	lifecycle.Wait()
	if telemetryShutdown != nil {
		stepCtx, stepCancel := context.WithTimeout(shutdownCtx, telemetryShutdownTimeout)
		if err := telemetryShutdown(stepCtx); err != nil {
			logger.Printf("shutdown: telemetry failed: %v", err)
		}
		stepCancel()
	}
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "",
		fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	provider, shutdown, err := telemetry.Init(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.OTLPEndpoint == "" {
		logger.Printf("telemetry disabled")
		return shutdown, nil
	}
	observability.SetMetrics(telemetry.NewBridge(provider))
	logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	return shutdown, nil
}

// buildSigner returns nil when no credentials are configured; the daemon then
// serves public book state only.
func buildSigner(logger *log.Logger, creds config.Credentials) *auth.Signer {
	if creds.APIKey == "" || creds.APISecret == "" {
		logger.Printf("no credentials configured; private channels disabled")
		return nil
	}
	signer, err := auth.NewSigner(auth.Credential{
		Key:    creds.APIKey,
		Secret: []byte(creds.APISecret),
	}, nil)
	if err != nil {
		logger.Fatalf("initialise signer: %v", err)
	}
	return signer
}
