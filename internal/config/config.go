package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blelink/internal/ble"
	blecrypto "github.com/chaz8081/blelink/internal/ble/crypto"
)

// Nordic UART Service, the default peer profile.
const (
	DefaultServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultTXUUID      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultRXUUID      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig `yaml:"device"`
	Link     LinkConfig   `yaml:"link"`
	Bridge   BridgeConfig `yaml:"bridge"`
	LogLevel string       `yaml:"log_level"`
}

// DeviceConfig identifies the peer and its message characteristics.
type DeviceConfig struct {
	Address      string `yaml:"address"` // MAC, or CoreBluetooth UUID on macOS
	AutoConnect  bool   `yaml:"auto_connect"`
	ServiceUUID  string `yaml:"service_uuid"`
	TXUUID       string `yaml:"tx_uuid"`       // we write frames here
	RXUUID       string `yaml:"rx_uuid"`       // peer notifies frames here
	SharedSecret string `yaml:"shared_secret"` // hex; enables message sealing
}

// LinkConfig holds queue and connection tuning.
type LinkConfig struct {
	MTU                        int           `yaml:"mtu"`
	OperationTimeout           time.Duration `yaml:"operation_timeout"`
	ConnectTimeout             time.Duration `yaml:"connect_timeout"`
	RetryAttempts              int           `yaml:"retry_attempts"`
	RetryDelay                 time.Duration `yaml:"retry_delay"`
	ReconnectMax               int           `yaml:"reconnect_max"` // seconds, 0 disables
	WriteWithoutResponse       bool          `yaml:"write_without_response"`
	DisconnectOnIntegrityError bool          `yaml:"disconnect_on_integrity_error"`
}

// BridgeConfig holds the WebSocket bridge settings.
type BridgeConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blelink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ServiceUUID: DefaultServiceUUID,
			TXUUID:      DefaultTXUUID,
			RXUUID:      DefaultRXUUID,
		},
		Link: LinkConfig{
			MTU:              ble.DefaultRequestMTU,
			OperationTimeout: ble.DefaultOperationTimeout,
			ConnectTimeout:   ble.DefaultConnectTimeout,
			RetryAttempts:    ble.DefaultRetryAttempts,
			RetryDelay:       ble.DefaultRetryDelay,
			ReconnectMax:     30,
		},
		Bridge: BridgeConfig{
			Listen: "127.0.0.1:8765",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading tilde (~) in path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.ServiceUUID == "" {
		return errors.New("device.service_uuid must not be empty")
	}
	if c.Device.TXUUID == "" || c.Device.RXUUID == "" {
		return errors.New("device.tx_uuid and device.rx_uuid must not be empty")
	}
	if c.Device.SharedSecret != "" {
		if len(c.Device.SharedSecret) != 2*blecrypto.KeySize {
			return fmt.Errorf("device.shared_secret must be %d hex characters, got %d", 2*blecrypto.KeySize, len(c.Device.SharedSecret))
		}
		if _, err := hex.DecodeString(c.Device.SharedSecret); err != nil {
			return fmt.Errorf("device.shared_secret is not valid hex: %w", err)
		}
	}

	if c.Link.MTU < ble.DefaultATTMTU || c.Link.MTU > 517 {
		return fmt.Errorf("link.mtu must be between %d and 517, got %d", ble.DefaultATTMTU, c.Link.MTU)
	}
	if c.Link.OperationTimeout <= 0 {
		return errors.New("link.operation_timeout must be > 0")
	}
	if c.Link.ConnectTimeout <= 0 {
		return errors.New("link.connect_timeout must be > 0")
	}
	if c.Link.RetryAttempts < 1 {
		return errors.New("link.retry_attempts must be >= 1")
	}
	if c.Link.RetryDelay < 0 {
		return errors.New("link.retry_delay must be >= 0")
	}
	if c.Link.ReconnectMax < 0 {
		return errors.New("link.reconnect_max must be >= 0")
	}

	if c.Bridge.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Bridge.Listen); err != nil {
			return fmt.Errorf("bridge.listen: %w", err)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Sealer returns the message sealer for the configured shared secret, or nil
// when sealing is disabled.
func (c *Config) Sealer() (*blecrypto.Sealer, error) {
	if c.Device.SharedSecret == "" {
		return nil, nil
	}
	return blecrypto.NewSealerFromHex(c.Device.SharedSecret)
}

// SessionOptions maps the config onto ble.Options.
func (c *Config) SessionOptions() (ble.Options, error) {
	tx := ble.Target{Service: c.Device.ServiceUUID, Characteristic: c.Device.TXUUID}
	rx := ble.Target{Service: c.Device.ServiceUUID, Characteristic: c.Device.RXUUID}

	opts := ble.Options{
		Address:        c.Device.Address,
		AutoConnect:    c.Device.AutoConnect,
		TX:             tx,
		RX:             rx,
		Required:       []ble.Target{tx, rx},
		MTU:            c.Link.MTU,
		Timeout:        c.Link.OperationTimeout,
		ConnectTimeout: c.Link.ConnectTimeout,
		Retry: ble.RetryPolicy{
			MaxAttempts: c.Link.RetryAttempts,
			Delay:       c.Link.RetryDelay,
			MaxDelay:    c.Link.OperationTimeout / 4,
		},
		ReconnectMax:               c.Link.ReconnectMax,
		DisconnectOnIntegrityError: c.Link.DisconnectOnIntegrityError,
	}
	if c.Link.WriteWithoutResponse {
		opts.WriteMode = ble.WriteWithoutResponse
	}

	sealer, err := c.Sealer()
	if err != nil {
		return ble.Options{}, fmt.Errorf("device.shared_secret: %w", err)
	}
	if sealer != nil {
		opts.Sealer = sealer
	}
	return opts, nil
}

const defaultHeader = `# blelink configuration
# See device.* for the peer, link.* for queue tuning.
# shared_secret (64 hex chars) enables AES-256-GCM message sealing.

`

// WriteDefault writes the default config to DefaultConfigPath. If the file
// already exists it does nothing and returns ("", nil).
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level value to a zap level, defaulting to info.
func ParseLogLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
