package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/config"
)

// linkTransport is what the commands need from the BLE stack.
type linkTransport interface {
	ble.Transport
	ble.Scanner
}

// app carries flag values and the state set up before each command runs.
type app struct {
	cfgFile  string
	address  string
	logLevel string

	cfg *config.Config
	log *zap.Logger

	// newTransport is replaced in tests.
	newTransport func(log *zap.Logger) linkTransport
}

func newApp() *app {
	return &app{
		newTransport: func(log *zap.Logger) linkTransport {
			return ble.NewBluetoothTransport(log)
		},
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "blelink",
		Short: "Drive a BLE GATT link to a single peer",
		Long: `blelink connects to one BLE peripheral and exchanges length-prefixed
messages over a TX/RX characteristic pair (Nordic UART by default).
Messages larger than the negotiated MTU are split into frames and
reassembled on receipt.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "path to config file (default: ~/.config/blelink/config.yaml)")
	root.PersistentFlags().StringVarP(&a.address, "address", "a", "", "peer address, overrides device.address")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error, overrides log_level")

	root.AddCommand(
		newScanCmd(a),
		newSendCmd(a),
		newWatchCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
	)
	return root
}

// setup loads and validates the config, applies flag overrides and builds
// the logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, source, err := loadConfig(a.cfgFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if a.address != "" {
		cfg.Device.Address = a.address
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	a.cfg = cfg
	a.log = newLogger(config.ParseLogLevel(cfg.LogLevel), cmd.ErrOrStderr())
	a.log.Debug("config loaded", zap.String("source", source))
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. source names where
// the config came from.
func loadConfig(path string) (cfg *config.Config, source string, err error) {
	if path != "" {
		cfg, err = config.Load(path)
		return cfg, path, err
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}

	// No config file, use defaults
	return config.Default(), "defaults", nil
}

func newLogger(level zapcore.Level, w io.Writer) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core)
}

// newSession builds a session for the configured peer without connecting.
// The caller must Close it.
func (a *app) newSession() (*ble.Session, error) {
	if a.cfg.Device.Address == "" {
		return nil, errors.New("no peer address: set device.address or pass --address (see 'blelink scan')")
	}
	opts, err := a.cfg.SessionOptions()
	if err != nil {
		return nil, err
	}
	opts.Logger = a.log
	return ble.NewSession(a.newTransport(a.log), opts)
}

// connect opens a session to the configured peer and waits until it is
// ready. The caller must Close the session.
func (a *app) connect(ctx context.Context) (*ble.Session, error) {
	s, err := a.newSession()
	if err != nil {
		return nil, err
	}
	a.log.Info("connecting", zap.String("address", a.cfg.Device.Address))
	if err := s.Connect(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect %s: %w", a.cfg.Device.Address, err)
	}
	a.log.Info("link ready", zap.Int("mtu", s.MTU()), zap.Stringer("bond", s.Bond()))
	return s, nil
}

// printBanner displays the startup configuration summary.
func printBanner(w io.Writer, cfg *config.Config) {
	sealing := "off"
	if cfg.Device.SharedSecret != "" {
		sealing = "aes-256-gcm"
	}
	fmt.Fprintln(w, "=== blelink ===")
	fmt.Fprintf(w, "  Peer:     %s\n", cfg.Device.Address)
	fmt.Fprintf(w, "  Service:  %s\n", cfg.Device.ServiceUUID)
	fmt.Fprintf(w, "  MTU:      %d\n", cfg.Link.MTU)
	fmt.Fprintf(w, "  Sealing:  %s\n", sealing)
	fmt.Fprintf(w, "  Log:      %s\n", cfg.LogLevel)
	fmt.Fprintln(w, "===============")
}
