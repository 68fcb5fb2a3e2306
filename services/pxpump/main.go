package pxpump

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"optionchain/crypto"
	"optionchain/observability/logging"
	telemetry "optionchain/observability/otel"
	"optionchain/services/optiond/client"
)

// Main initialises and runs the price pump.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "pxpump.yaml", "path to pxpump configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupWithConfig(logging.Config{Service: "pxpump", Env: cfg.Environment, Level: cfg.LogLevel})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("pxpump", cfg.Environment))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	key, err := crypto.LoadFromKeystore(cfg.Optiond.Keystore, os.Getenv(cfg.Optiond.KeystorePass))
	if err != nil {
		return fmt.Errorf("load pump key: %w", err)
	}
	if digest, err := executableDigest(); err == nil {
		logger.Info("pxpump build", slog.String("sha256", digest))
	}

	node := client.NewClient(client.Config{
		URL:     cfg.Optiond.URL,
		Key:     key,
		Token:   cfg.Optiond.Token,
		Timeout: cfg.Optiond.Timeout.Duration,
	})
	source := NewHTTPSource(cfg.Source.Name, cfg.Source.URL, cfg.Source.Symbol, cfg.Source.Timeout.Duration)
	pump, err := New(source, node, Settings{
		Oracle:   cfg.Optiond.Oracle,
		Decimals: cfg.Decimals,
		Interval: cfg.Interval.Duration,
		MaxAge:   cfg.MaxAge.Duration,
		Flags:    cfg.Flags,
	}, WithLogger(logger))
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(router, "pxpump"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	go func() {
		logger.Info("pxpump listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("pump", key.PubKey().Address().String()),
			slog.String("optiond", cfg.Optiond.URL),
			logging.MaskField("operatorToken", cfg.Optiond.Token))
		errs <- httpServer.ListenAndServe()
	}()
	go func() {
		errs <- pump.Run(stopCtx)
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		_ = httpServer.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

// executableDigest returns the SHA-256 of the running binary, the value an
// operator registers as the oracle's pump hash.
func executableDigest() (string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
