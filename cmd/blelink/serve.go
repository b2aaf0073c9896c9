package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chaz8081/blelink/internal/bridge"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bridge the link to WebSocket clients",
		Long: `Hold a link to the peer and expose it over HTTP:

  GET /v1/status    link state, bond, MTU and queue depth as JSON
  GET /v1/state     WebSocket stream of state changes
  GET /v1/messages  WebSocket: inbound messages as binary frames; binary
                    frames from the client are sent to the peer

The bridge keeps serving while the peer is away.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = a.cfg.Bridge.Listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.newSession()
			if err != nil {
				return err
			}
			defer s.Close()

			printBanner(cmd.OutOrStdout(), a.cfg)
			go func() {
				if err := s.Connect(ctx); err != nil {
					a.log.Warn("initial connect failed, clients will see the link down", zap.Error(err))
					return
				}
				a.log.Info("link ready", zap.Int("mtu", s.MTU()))
			}()

			return bridge.Run(ctx, listen, s, a.log)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address, overrides bridge.listen")
	return cmd
}
