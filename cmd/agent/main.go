package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/posix4e/easy-enclave/internal/agent"
	"github.com/posix4e/easy-enclave/internal/config"
	"github.com/posix4e/easy-enclave/internal/dcap"
	"github.com/posix4e/easy-enclave/internal/quote"
	"github.com/posix4e/easy-enclave/internal/ratls"
)

func main() {
	godotenv.Load()
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(log)

	check := flag.Bool("check", false, "verify the TDX quote interface and exit")
	host := flag.String("host", "0.0.0.0", "host to bind to")
	flag.Parse()

	provider := &quote.TSMProvider{}
	if *check {
		if _, err := provider.GetQuote(make([]byte, quote.ReportDataSize)); err != nil {
			fmt.Fprintf(os.Stderr, "Requirements check failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("All requirements met")
		return
	}

	cfg, err := config.Load(os.Getenv("EE_CONFIG"))
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg.Agent.AgentID == "" {
		cfg.Agent.AgentID = uuid.NewString()
	}

	exe, err := os.Executable()
	if err != nil {
		log.Error("resolve executable", "error", err)
		os.Exit(1)
	}
	agentDir := os.Getenv("EE_AGENT_DIR")
	if agentDir == "" {
		agentDir = filepath.Dir(exe)
	}
	attestor := &agent.Attestor{
		Provider:    provider,
		AgentDir:    agentDir,
		AgentBinary: exe,
	}

	deployer, err := agent.NewDeployer(cfg.Agent.StateDir, cfg.Agent.WorkloadDir, cfg.Agent.GitHubToken, attestor, log)
	if err != nil {
		log.Error("init deployer", "error", err)
		os.Exit(1)
	}

	srv := &agent.Server{Attestor: attestor, Deployer: deployer, Log: log}

	verifier := &dcap.Verifier{PCCSURL: cfg.Control.PCCSURL}
	var ratlsManager *ratls.Manager
	if cfg.RATLS.Enabled {
		ratlsManager = &ratls.Manager{
			Provider:   provider,
			Dir:        cfg.RATLS.MaterialDir,
			CommonName: cfg.RATLS.CommonName,
			TTL:        time.Duration(cfg.RATLS.CertTTLSec) * time.Second,
		}
	}

	client := &agent.TunnelClient{
		ControlWS:      cfg.Agent.ControlWS,
		Repo:           cfg.Agent.Repo,
		ReleaseTag:     cfg.Agent.ReleaseTag,
		AppName:        cfg.Agent.AppName,
		Network:        cfg.Agent.Network,
		AgentID:        cfg.Agent.AgentID,
		BackendURL:     cfg.Agent.BackendURL,
		HealthInterval: time.Duration(cfg.Agent.HealthIntervalSec) * time.Second,
		ReconnectDelay: time.Duration(cfg.Agent.ReconnectDelaySec) * time.Second,
		Attestor:       attestor,
		Log:            log,
		RATLS:          ratlsManager,
		Verifier:       verifier,
		SkipPCCS:       cfg.RATLS.SkipPCCS,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", *host, cfg.Agent.MainPort)
	httpSrv := &http.Server{
		Addr:        addr,
		Handler:     srv.Router(),
		IdleTimeout: 120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("agent listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		client.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
		deployer.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("agent exited", "error", err)
		os.Exit(1)
	}
}
