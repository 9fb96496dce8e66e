package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikesi/mproxy/internal/acmeclient"
	"github.com/mikesi/mproxy/internal/certstore"
	"github.com/mikesi/mproxy/internal/hostconfig"
	"github.com/mikesi/mproxy/internal/httpchallenge"
	"github.com/mikesi/mproxy/internal/mconfig"
	"github.com/mikesi/mproxy/internal/metrics"
	"github.com/mikesi/mproxy/internal/mlog"
	"github.com/mikesi/mproxy/internal/scheduler"
	"github.com/mikesi/mproxy/internal/tlsproxy"
)

// shutdownGrace bounds how long an in-flight request gets to finish once
// a shutdown signal arrives, matching the drain window the teacher's own
// server shutdown path uses for its listeners.
const shutdownGrace = 10 * time.Second

// schedulerTick is how often the maintenance loop refreshes the routing
// table and opportunistically checks for renewals.
const schedulerTick = time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy: HTTP challenge listener, HTTPS proxy, and renewal scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := mconfig.Load()
	if err != nil {
		return fatalf("%w", err)
	}
	if cfg.LetsEncryptEmail == "" {
		return fatalf("MPROXY_LETSENCRYPT_EMAIL is required")
	}
	for _, dir := range []string{cfg.CertPath, cfg.AcmeChallengePath, cfg.AcmePath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fatalf("creating data directory %q: %w", dir, err)
		}
	}

	loader, err := hostconfig.New(cfg.HostsConfigPath)
	if err != nil {
		return fatalf("loading hosts config: %w", err)
	}

	store := certstore.New(cfg.CertPath)
	store.LoadFromHostConfigs(loader.Load())

	acme := acmeclient.New(acmeclient.Config{
		DirectoryURL:  directoryURL(cfg.LetsEncryptStage),
		Email:         cfg.LetsEncryptEmail,
		ChallengePath: cfg.AcmeChallengePath,
		AcmePath:      cfg.AcmePath,
		Store:         store,
	})
	if err := acme.Bootstrap(ctx); err != nil {
		return fatalf("registering ACME account: %w", err)
	}

	sched := scheduler.New(loader, store, acme, schedulerTick)
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go sched.Run(ctx)

	var servers []*http.Server
	errCh := make(chan error, 2)

	// Per spec: each listener is only started when its port is > 0.
	if cfg.HTTPSPort > 0 {
		proxy := tlsproxy.NewServer(store)
		httpsListener, err := proxy.Listen(ctx, cfg.HTTPSPort)
		if err != nil {
			return fatalf("starting https listener: %w", err)
		}
		httpsSrv := &http.Server{Handler: proxy}
		if err := tlsproxy.ConfigureH2(httpsSrv); err != nil {
			return fatalf("configuring http/2: %w", err)
		}
		servers = append(servers, httpsSrv)
		go func() {
			mlog.Log().Info("https listener started", zap.Int("port", cfg.HTTPSPort))
			errCh <- httpsSrv.Serve(httpsListener)
		}()
	}

	if cfg.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/", httpchallenge.New(cfg.AcmeChallengePath, cfg.HTTPSPort))
		httpSrv := &http.Server{Handler: mux}
		httpListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTPPort))
		if err != nil {
			return fatalf("starting http listener: %w", err)
		}
		servers = append(servers, httpSrv)
		go func() {
			mlog.Log().Info("http listener started", zap.Int("port", cfg.HTTPPort))
			errCh <- httpSrv.Serve(httpListener)
		}()
	}

	if len(servers) == 0 {
		mlog.Log().Warn("no listeners configured, only the renewal scheduler is running")
	}

	select {
	case <-ctx.Done():
		mlog.Log().Info("shutdown signal received, draining")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			mlog.Log().Error("listener exited", zap.Error(err))
		}
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer drainCancel()
	for _, srv := range servers {
		_ = srv.Shutdown(drainCtx)
	}
	mlog.Sync()
	return nil
}

func directoryURL(staging bool) string {
	if staging {
		return "https://acme-staging-v02.api.letsencrypt.org/directory"
	}
	return "https://acme-v02.api.letsencrypt.org/directory"
}
