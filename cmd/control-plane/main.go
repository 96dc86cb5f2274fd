package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/posix4e/easy-enclave/internal/allowlist"
	"github.com/posix4e/easy-enclave/internal/config"
	"github.com/posix4e/easy-enclave/internal/dcap"
	"github.com/posix4e/easy-enclave/internal/ledger"
	"github.com/posix4e/easy-enclave/internal/metrics"
	"github.com/posix4e/easy-enclave/internal/quote"
	"github.com/posix4e/easy-enclave/internal/ratls"
	"github.com/posix4e/easy-enclave/internal/registry"
	"github.com/posix4e/easy-enclave/internal/server"
	"github.com/posix4e/easy-enclave/internal/tunnel"
)

func main() {
	godotenv.Load()
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(os.Getenv("EE_CONFIG"))
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	led, err := ledger.Open(cfg.Ledger.DBPath)
	if err != nil {
		log.Error("open ledger", "path", cfg.Ledger.DBPath, "error", err)
		os.Exit(1)
	}
	defer led.Close()

	reg := registry.New(registry.Config{
		TTLDays:        cfg.Control.RegistrationTTLDays,
		WarnDays:       cfg.Control.RegistrationWarnDays,
		SealedRequired: cfg.SealedRequired,
	})
	verifier := &dcap.Verifier{PCCSURL: cfg.Control.PCCSURL}
	allowlists := allowlist.NewStore(&allowlist.GitHubFetcher{
		AssetName: cfg.Control.AllowlistAsset,
		Token:     cfg.Control.GitHubToken,
	}, 0)
	sessions := tunnel.NewManager()
	m := metrics.New(nil)

	srv := server.New(cfg, reg, led, allowlists, verifier, sessions, m, log)

	var tlsConfig *tls.Config
	if cfg.RATLS.Enabled {
		manager := &ratls.Manager{
			Provider:   &quote.TSMProvider{},
			Dir:        cfg.RATLS.MaterialDir,
			CommonName: cfg.RATLS.CommonName,
			TTL:        time.Duration(cfg.RATLS.CertTTLSec) * time.Second,
		}
		material, err := manager.EnsureMaterial()
		if err != nil {
			log.Error("ratls material unavailable", "error", err)
			os.Exit(1)
		}
		cert, err := material.TLSCertificate()
		if err != nil {
			log.Error("ratls certificate invalid", "error", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequestClientCert,
			MinVersion:   tls.VersionTLS12,
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controlAddr := fmt.Sprintf("%s:%d", cfg.Control.Bind, cfg.Control.Port)
	proxyAddr := fmt.Sprintf("%s:%d", cfg.Proxy.Bind, cfg.Proxy.Port)

	controlSrv := &http.Server{
		Addr:        controlAddr,
		Handler:     srv.Router(),
		TLSConfig:   tlsConfig,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	proxySrv := &http.Server{
		Addr:        proxyAddr,
		Handler:     srv.EdgeHandler(),
		TLSConfig:   tlsConfig,
		IdleTimeout: 120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("control plane listening", "addr", controlAddr, "ratls", cfg.RATLS.Enabled)
		return serve(controlSrv, tlsConfig != nil)
	})
	g.Go(func() error {
		log.Info("edge proxy listening", "addr", proxyAddr)
		return serve(proxySrv, tlsConfig != nil)
	})
	g.Go(func() error {
		srv.RunHealthWatchdog(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		controlSrv.Shutdown(shutdownCtx)
		proxySrv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && err != http.ErrServerClosed {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func serve(s *http.Server, useTLS bool) error {
	if useTLS {
		return s.ListenAndServeTLS("", "")
	}
	return s.ListenAndServe()
}
