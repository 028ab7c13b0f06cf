package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/volbalance/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the trading worker",
	Long: `Serve starts the HTTP API and, when worker.enabled is set, the periodic
trading worker. The worker can also be switched on and off at runtime with
POST /worker/enable.

Example:
  volbal serve -c volbal.yaml`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	quoteTimeout, _ := cfg.Worker.QuoteTimeoutDuration()
	readHeaderTimeout, _ := cfg.Server.ReadHeaderTimeoutDuration()
	srv := api.New(api.Deps{
		Engine:       a.engine,
		Dividends:    a.dividends,
		Worker:       a.worker,
		Feed:         a.feed,
		Runner:       a.runner,
		Metrics:      a.metrics,
		Defaults:     a.defaults(),
		Log:          a.log.Named("api"),
		QuoteTimeout: quoteTimeout,
	})

	if cfg.Worker.Enabled {
		a.worker.Enable()
	}
	a.log.Info("starting",
		zap.String("addr", cfg.Server.Addr),
		zap.String("store", cfg.Store.Type),
		zap.String("feed", cfg.Feed.Type),
		zap.Bool("worker", cfg.Worker.Enabled))

	if err := srv.ListenAndServe(ctx, cfg.Server.Addr, readHeaderTimeout); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	a.log.Info("shutting down")
	return nil
}

// cmdContext returns the command's context, or Background when unset.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
