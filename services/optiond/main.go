package optiond

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"optionchain/config"
	"optionchain/core/events"
	"optionchain/crypto"
	"optionchain/gateway/auth"
	"optionchain/gateway/middleware"
	"optionchain/native/bank"
	"optionchain/observability"
	"optionchain/observability/logging"
	telemetry "optionchain/observability/otel"
	"optionchain/storage"
)

const envKeystorePassphrase = "OPTIOND_KEYSTORE_PASSPHRASE"

// Main runs the option node using the provided command line flags.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "optiond.toml", "path to optiond config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.SetupWithConfig(logging.Config{
		Service:    "optiond",
		Env:        cfg.Environment,
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   true,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("optiond", cfg.Environment))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	operatorKey, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, os.Getenv(envKeystorePassphrase))
	if err != nil {
		return fmt.Errorf("load operator key: %w", err)
	}
	operator := operatorKey.PubKey().Address()

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()

	nonces, err := auth.NewLevelDBNoncePersistence(filepath.Join(cfg.DataDir, "nonces"))
	if err != nil {
		return err
	}
	defer func() { _ = nonces.Close() }()

	node, err := NewNode(db, nodeConfig(cfg, logger))
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	ctx := context.Background()
	if err := node.Bootstrap(ctx, operator); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if len(cfg.Allocations) > 0 {
		allocs, err := parseAllocations(cfg.Allocations)
		if err != nil {
			return err
		}
		applied, err := node.ApplyAllocations(cfg.AllocationsName, allocs)
		if err != nil {
			return fmt.Errorf("apply allocations: %w", err)
		}
		if applied {
			logger.Info("allocations applied", slog.String("name", cfg.AllocationsName), slog.Int("count", len(allocs)))
		}
	}

	nonceWindow := time.Duration(cfg.NonceWindowSecs) * time.Second
	signatures := auth.NewAuthenticator(time.Duration(cfg.SignatureSkewSecs)*time.Second, nonceWindow, 0, time.Now, nonces)
	if err := signatures.HydrateNonces(ctx, time.Now().Add(-nonceWindow)); err != nil {
		return err
	}

	srv, err := New(Config{
		Node:       node,
		Signatures: signatures,
		Operator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    strings.TrimSpace(cfg.OperatorTokenSecret) != "",
			HMACSecret: cfg.OperatorTokenSecret,
			Issuer:     cfg.OperatorTokenIssuer,
		}, logger),
		RateLimits: map[string]middleware.RateLimit{
			"options": {RatePerSecond: cfg.RateLimitPerSecond, Burst: cfg.RateLimitBurst},
			"oracles": {RatePerSecond: cfg.RateLimitPerSecond, Burst: cfg.RateLimitBurst},
		},
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "optiond",
			LogRequests: true,
			Enabled:     true,
		}, logger),
		MaxBodyBytes: int64(cfg.MaxRequestBodyKiB) << 10,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), "optiond"),
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSecs) * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go nonces.RunPruner(stopCtx, nonceWindow, time.Minute, logger)

	errs := make(chan error, 1)
	go func() {
		logger.Info("optiond listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("operator", operator.String()),
			slog.Int("instances", len(node.InstanceIDs())))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSecs)*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func nodeConfig(cfg *config.Config, logger *slog.Logger) NodeConfig {
	out := NodeConfig{
		Emitter: events.MultiEmitter{observability.NewEventLogger(logger)},
		Logger:  logger,
	}
	for _, inst := range cfg.Instances {
		out.Instances = append(out.Instances, InstanceSpec{ID: inst.ID, Oracle: inst.Oracle})
	}
	for _, o := range cfg.Oracles {
		spec := OracleSpec{Name: o.Name}
		if o.PumpUser != "" {
			// Validate already decoded it once.
			spec.PumpUser, _ = crypto.DecodeAddress(o.PumpUser)
		}
		out.Oracles = append(out.Oracles, spec)
	}
	return out
}

func parseAllocations(in []config.Allocation) ([]bank.Allocation, error) {
	out := make([]bank.Allocation, 0, len(in))
	for i, alloc := range in {
		parsed, err := alloc.Parse()
		if err != nil {
			return nil, fmt.Errorf("allocation %d: %w", i, err)
		}
		out = append(out, bank.Allocation{Token: parsed.Token, Address: parsed.Address, Amount: parsed.Amount})
	}
	return out, nil
}
