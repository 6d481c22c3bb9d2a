package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eoger/lockbox-bridge/internal/api"
	"github.com/eoger/lockbox-bridge/internal/bridge"
	"github.com/eoger/lockbox-bridge/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lockbox",
		Short:         "Handle-based bridge to Firefox Accounts and the Lockbox login store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the bridge over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides LOCKBOX_LISTEN_ADDR)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("lockbox: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"content_url", cfg.ContentURL,
		"tokenserver_url", cfg.TokenserverURL,
	)

	b := bridge.New(cfg, logger)
	defer b.Close()

	srv := api.NewServer(cfg.ListenAddr, b, logger)
	return srv.Run(ctx)
}
