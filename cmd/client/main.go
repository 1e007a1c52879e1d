package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"xchat/internal/config"
	"xchat/internal/service/app"
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
		Use:           "xchat <label>",
		Short:         "Terminal xchat client with an embedded node",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			// the terminal belongs to the UI
			if err := log.Init("error", false); err != nil {
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

			go func() {
				if err := n.Run(ctx); err != nil {
					log.Error("node stopped", zap.Error(err))
				}
			}()

			a := app.NewApp(n.Session, n.Identities, cfg.Peers)
			go func() {
				<-ctx.Done()
				a.Stop()
			}()

			err = a.Run(ctx, args[0])
			stop()
			return err
		},
	}

	config.BindFlags(cmd.Flags())
	return cmd
}
