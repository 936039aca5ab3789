// Package config handles ErgoAlert configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ergoalert/config.yaml, /etc/ergoalert/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ergoalert", "config.yaml"))
	}

	paths = append(paths, "/etc/ergoalert/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no search path exists.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error wrapping ErrNoConfig if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Defaults applied to missing or zero values.
const (
	DefaultBrokerURL       = "wss://test.mosquitto.org:8081/mqtt"
	DefaultAlertTopic      = "ergoalert/trigger"
	DefaultConfigTopic     = "ergoalert/config"
	DefaultDeviceID        = "demo"
	DefaultDesiredAngle    = 20
	DefaultProtocolVersion = 4
	DefaultConnectTimeout  = 6
	DefaultKeepAlive       = 60
	DefaultPort            = 8080
	DefaultLogCapacity     = 2000
)

// Config holds all ErgoAlert configuration.
type Config struct {
	Broker      BrokerConfig `yaml:"broker"`
	Topics      TopicsConfig `yaml:"topics"`
	Device      DeviceConfig `yaml:"device"`
	Listen      ListenConfig `yaml:"listen"`
	Tone        ToneConfig   `yaml:"tone"`
	LogCapacity int          `yaml:"log_capacity"`
	LogLevel    string       `yaml:"log_level"`
	LogFormat   string       `yaml:"log_format"` // text or json
}

// BrokerConfig defines the MQTT-over-WebSocket broker connection.
type BrokerConfig struct {
	// URL is a ws:// or wss:// endpoint, e.g. wss://host:8081/mqtt.
	URL string `yaml:"url"`
	// ClientID is the MQTT client identifier. Empty means a random
	// "ergoalert-" prefixed identifier per connect.
	ClientID string `yaml:"client_id"`
	// ProtocolVersion selects the transport: 4 (MQTT 3.1.1) or 5.
	ProtocolVersion int `yaml:"protocol_version"`
	// ConnectTimeoutSec bounds each connect attempt (default 6).
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
	// KeepAliveSec is the MQTT keep-alive interval (default 60).
	KeepAliveSec int `yaml:"keepalive_sec"`
	// SOCKS5Proxy is an optional socks5://[user:pass@]host:port used
	// for the WebSocket dial. Only the v5 transport honors it.
	SOCKS5Proxy string `yaml:"socks5_proxy"`
	// AutoConnect starts a session as soon as the dashboard comes up.
	AutoConnect bool `yaml:"auto_connect"`
}

// ConnectTimeout returns ConnectTimeoutSec as a duration.
func (b BrokerConfig) ConnectTimeout() time.Duration {
	return time.Duration(b.ConnectTimeoutSec) * time.Second
}

// KeepAlive returns KeepAliveSec as a duration.
func (b BrokerConfig) KeepAlive() time.Duration {
	return time.Duration(b.KeepAliveSec) * time.Second
}

// TopicsConfig names the subscribe and publish topics.
type TopicsConfig struct {
	Alert  string `yaml:"alert"`
	Config string `yaml:"config"`
}

// DeviceConfig identifies the sensing device being configured.
type DeviceConfig struct {
	ID           string  `yaml:"id"`
	DesiredAngle float64 `yaml:"desired_angle"`
}

// ListenConfig defines the dashboard server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the dashboard binds to.
func (l ListenConfig) Addr() string {
	return net.JoinHostPort(l.Address, strconv.Itoa(l.Port))
}

// ToneConfig controls local alert tones.
type ToneConfig struct {
	// TerminalBell rings the terminal bell on alerts in watch mode.
	TerminalBell bool `yaml:"terminal_bell"`
}

// Load reads configuration from a YAML file, expanding environment
// variables first, then fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:               DefaultBrokerURL,
			ProtocolVersion:   DefaultProtocolVersion,
			ConnectTimeoutSec: DefaultConnectTimeout,
			KeepAliveSec:      DefaultKeepAlive,
		},
		Topics: TopicsConfig{
			Alert:  DefaultAlertTopic,
			Config: DefaultConfigTopic,
		},
		Device: DeviceConfig{
			ID:           DefaultDeviceID,
			DesiredAngle: DefaultDesiredAngle,
		},
		Listen:      ListenConfig{Port: DefaultPort},
		Tone:        ToneConfig{TerminalBell: true},
		LogCapacity: DefaultLogCapacity,
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// applyDefaults fills values a config file explicitly zeroed or blanked.
func (c *Config) applyDefaults() {
	c.Broker.URL = strings.TrimSpace(c.Broker.URL)
	if c.Broker.ProtocolVersion == 0 {
		c.Broker.ProtocolVersion = DefaultProtocolVersion
	}
	if c.Broker.ConnectTimeoutSec <= 0 {
		c.Broker.ConnectTimeoutSec = DefaultConnectTimeout
	}
	if c.Broker.KeepAliveSec <= 0 {
		c.Broker.KeepAliveSec = DefaultKeepAlive
	}
	if c.Topics.Alert == "" {
		c.Topics.Alert = DefaultAlertTopic
	}
	if c.Topics.Config == "" {
		c.Topics.Config = DefaultConfigTopic
	}
	if c.Device.ID == "" {
		c.Device.ID = DefaultDeviceID
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.LogCapacity <= 0 {
		c.LogCapacity = DefaultLogCapacity
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports the first configuration value that cannot work.
// The broker URL itself is checked when a session connects, since the
// dashboard lets users correct it at runtime.
func (c *Config) Validate() error {
	switch c.Broker.ProtocolVersion {
	case 4, 5:
	default:
		return fmt.Errorf("broker.protocol_version %d unsupported (valid: 4, 5)", c.Broker.ProtocolVersion)
	}
	if c.Broker.SOCKS5Proxy != "" && !strings.HasPrefix(c.Broker.SOCKS5Proxy, "socks5://") && !strings.HasPrefix(c.Broker.SOCKS5Proxy, "socks5h://") {
		return fmt.Errorf("broker.socks5_proxy %q must start with socks5:// or socks5h://", c.Broker.SOCKS5Proxy)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}
