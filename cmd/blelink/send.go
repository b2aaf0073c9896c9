package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSendCmd(a *app) *cobra.Command {
	var (
		reply   bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message to the peer",
		Long: `Send one message to the peer. With no argument, or "-", the message is
read from stdin. With --reply, the first message received afterwards is
written to stdout.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var msg []byte
			if len(args) == 0 || args[0] == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				msg = data
			} else {
				msg = []byte(args[0])
			}
			if len(msg) == 0 {
				return errors.New("empty message")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			s, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			// Subscribe before sending so a fast reply is not missed.
			next, stop := s.Subscribe(ctx)
			defer stop()

			start := time.Now()
			if err := s.SendMessage(ctx, msg); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			a.log.Info("message sent", zap.Int("bytes", len(msg)), zap.Duration("took", time.Since(start).Round(time.Millisecond)))

			if !reply {
				return nil
			}
			got, ok, err := next()
			if !ok {
				return fmt.Errorf("no reply: %w", context.Cause(ctx))
			}
			if err != nil {
				return fmt.Errorf("reply: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(append(got, '\n'))
			return err
		},
	}
	cmd.Flags().BoolVarP(&reply, "reply", "r", false, "wait for a reply and print it")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "overall deadline for connect, send and reply")
	return cmd
}
