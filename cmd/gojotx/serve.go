package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojotx/api/admin"
	"github.com/sushant-115/gojotx/core/security/encryption/internaltls"
	"github.com/sushant-115/gojotx/internal/node"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

var serveAddr string

func init() {
	cmd := newServeCmd()
	cmd.Flags().StringVar(&serveAddr, "addr", "", "Override the admin listen address")
	rootCmd.AddCommand(cmd)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a node with the admin API",
		Long: `The serve command recovers the transaction log, starts the kernel and
serves the admin API until interrupted.

Endpoints:
  GET  /status
  GET  /admin/transactions
  GET  /admin/transactions/{seq}
  POST /admin/transactions/{seq}/terminate
  POST /admin/read_only?enabled=true|false
  GET  /metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Admin.Addr = serveAddr
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, shutdownTelemetry(context.Background()))
	}()

	n, err := node.Open(cfg, node.Options{Logger: log, Tracer: tel.Tracer, Meter: tel.Meter})
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, n.Close())
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           admin.NewServer(n.Transactions, n.Commit.LastCommittedTransactionID, tel.MetricsHandler, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.Admin.TLS.Enabled() {
		if srv.TLSConfig, err = internaltls.ServerConfig(cfg.Admin.TLS); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.RunTimeoutGuard(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("Admin API listening", zap.String("addr", cfg.Admin.Addr), zap.Bool("tls", srv.TLSConfig != nil))
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down admin API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
