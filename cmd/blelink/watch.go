package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/chaz8081/blelink/internal/ble"
)

var (
	readyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	downStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func renderState(st ble.ConnectionState) string {
	switch {
	case st.IsReady():
		return readyStyle.Render(st.String())
	case st.Phase == ble.PhaseDisconnected:
		return downStyle.Render(st.String())
	default:
		return pendingStyle.Render(st.String())
	}
}

// renderMessage prints text messages as-is and anything else as hex.
func renderMessage(msg []byte, asHex bool) string {
	if asHex || !utf8.Valid(msg) {
		return hex.EncodeToString(msg)
	}
	return string(msg)
}

// printer serializes lines from the state and message streams.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) line(kind, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := dimStyle.Render(time.Now().Format("15:04:05.000"))
	fmt.Fprintf(p.w, "%s %-7s %s\n", ts, kind, text)
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		count int
		asHex bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect and print state changes and inbound messages",
		Long: `Connect to the peer and print every connection state change and every
inbound message until interrupted. The link is re-established after a
link loss when link.reconnect_max is non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			printBanner(out, a.cfg)
			p := &printer{w: out}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			next, unsubscribe := s.Subscribe(ctx)
			defer unsubscribe()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for st := range s.States(ctx) {
					p.line("state", renderState(st))
				}
			}()

			received := 0
			for {
				msg, ok, err := next()
				if !ok {
					break
				}
				if err != nil {
					p.line("error", errorStyle.Render(err.Error()))
					continue
				}
				p.line("message", fmt.Sprintf("(%d bytes) %s", len(msg), renderMessage(msg, asHex)))
				received++
				if count > 0 && received >= count {
					break
				}
			}
			cancel()
			wg.Wait()
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many messages (0 runs until interrupted)")
	cmd.Flags().BoolVar(&asHex, "hex", false, "print every message as hex")
	return cmd
}
