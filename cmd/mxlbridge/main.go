package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mxl/certs"
	"github.com/zsiec/mxl/inspect"
	"github.com/zsiec/mxl/internal/config"
	"github.com/zsiec/mxl/internal/session"
	"github.com/zsiec/mxl/store"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Domain, 0o755); err != nil {
		slog.Error("failed to create domain directory", "dir", cfg.Domain, "error", err)
		os.Exit(1)
	}
	dom, err := store.Open(cfg.Domain, store.Options{HistoryDuration: cfg.History()})
	if err != nil {
		slog.Error("failed to open domain", "dir", cfg.Domain, "error", err)
		os.Exit(1)
	}
	defer dom.Close()

	cert, err := loadCert(cfg)
	if err != nil {
		slog.Error("failed to prepare certificate", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	a := &app{
		dom: dom,
		mgr: session.NewManager(nil),
	}
	pipelines, err := a.build(cfg)
	if err != nil {
		slog.Error("invalid pipeline configuration", "error", err)
		os.Exit(1)
	}

	srv, err := inspect.NewServer(inspect.ServerConfig{
		Addr:     cfg.H3Addr,
		Domain:   dom,
		Cert:     cert,
		Sessions: func() any { return a.mgr.Infos() },
	})
	if err != nil {
		slog.Error("failed to create inspector", "error", err)
		os.Exit(1)
	}

	slog.Info("mxlbridge starting",
		"version", version,
		"domain", cfg.Domain,
		"api", cfg.APIAddr,
		"h3", cfg.H3Addr,
		"producers", len(cfg.Producers),
		"consumers", len(cfg.Consumers),
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)

	for _, p := range pipelines {
		g.Go(func() error { return a.run(ctx, p) })
	}

	apiSrv := &http.Server{
		Addr:      cfg.APIAddr,
		Handler:   srv.APIHandler(),
		TLSConfig: cert.TLSConfig(),
	}

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", cfg.APIAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return srv.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("bridge error", "error", err)
		os.Exit(1)
	}
	slog.Info("mxlbridge stopped")
}

// loadConfig reads MXL_CONFIG when set and applies the environment
// overrides on top.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := os.Getenv("MXL_CONFIG"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	cfg.Domain = envOr("MXL_DOMAIN", cfg.Domain)
	cfg.APIAddr = envOr("API_ADDR", cfg.APIAddr)
	cfg.H3Addr = envOr("H3_ADDR", cfg.H3Addr)
	return cfg, nil
}

func loadCert(cfg *config.Config) (*certs.CertInfo, error) {
	if cfg.CertFile != "" {
		slog.Info("loading certificate", "cert", cfg.CertFile)
		return certs.Load(cfg.CertFile, cfg.KeyFile)
	}
	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.MaxValidity)
	if err != nil {
		return nil, err
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
