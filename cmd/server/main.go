package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"xchat/internal/config"
	"xchat/internal/service/node"
	"xchat/internal/utils/log"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	defer memguard.Purge()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		memguard.SafeExit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "xchatd",
		Short:         "Headless xchat relay node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			n, err := node.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer n.Close(context.Background())

			addrs, err := n.Identities.Addresses(ctx)
			if err != nil {
				return err
			}
			log.Info("xchatd started", zap.String("listen", cfg.Listen), zap.Strings("identities", addrs))

			return n.Run(ctx)
		},
	}

	config.BindFlags(cmd.Flags())
	return cmd
}
