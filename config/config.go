package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"kdeconnect-service/logger"
	"kdeconnect-service/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "kdeconnect-service"
	// DefaultPort is the KDE Connect discovery and session port.
	DefaultPort = 1716
	// DefaultSocketName is the IPC socket file name under the runtime dir.
	DefaultSocketName = "kdeconnect-service.sock"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "KDECONNECT_DATA_DIR"

	configFileName = "config.json"
)

// Defaults for timing knobs. All of them can be overridden in config.json.
const (
	DefaultBeaconInterval        = 5 * time.Second
	DefaultInterfacePollInterval = 3 * time.Second
	DefaultStaleAfter            = 30 * time.Second
	DefaultHandshakeTimeout      = 10 * time.Second
	DefaultPairingTimeout        = 30 * time.Second
	DefaultKeepAliveInterval     = 30 * time.Second
	DefaultKeepAliveTimeout      = 10 * time.Second
	DefaultReconnectInitial      = time.Second
	DefaultReconnectMax          = 5 * time.Minute
	DefaultReconnectMultiplier   = 2.0
	DefaultOutboundQueueSize     = 64
	DefaultOutboundQueueTTL      = 5 * time.Minute
)

// Duration is a time.Duration that reads and writes Go duration strings.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ReconnectConfig shapes the exponential reconnect backoff.
type ReconnectConfig struct {
	InitialInterval Duration `json:"initial_interval"`
	MaxInterval     Duration `json:"max_interval"`
	Multiplier      float64  `json:"multiplier"`
}

// PluginConfig holds capability plugin settings.
type PluginConfig struct {
	Disabled           []string `json:"disabled,omitempty"`
	ClipboardAutoShare bool     `json:"clipboard_auto_share"`
}

// DeviceConfig contains persistent local-device and service settings.
type DeviceConfig struct {
	DeviceID   string            `json:"device_id"`
	DeviceName string            `json:"device_name"`
	DeviceType models.DeviceType `json:"device_type"`

	TCPPort               int      `json:"tcp_port"`
	DiscoveryPort         int      `json:"discovery_port"`
	BeaconInterval        Duration `json:"beacon_interval"`
	InterfacePollInterval Duration `json:"interface_poll_interval"`
	StaleAfter            Duration `json:"stale_after"`
	SeedAddresses         []string `json:"seed_addresses,omitempty"`
	MDNSEnabled           bool     `json:"mdns_enabled"`

	HandshakeTimeout    Duration        `json:"handshake_timeout"`
	PairingTimeout      Duration        `json:"pairing_timeout"`
	KeepAliveInterval   Duration        `json:"keepalive_interval"`
	KeepAliveTimeout    Duration        `json:"keepalive_timeout"`
	Reconnect           ReconnectConfig `json:"reconnect"`
	AutoConnectUnpaired bool            `json:"auto_connect_unpaired"`
	OutboundQueueSize   int             `json:"outbound_queue_size"`
	OutboundQueueTTL    Duration        `json:"outbound_queue_ttl"`

	IPCSocketPath string `json:"ipc_socket_path"`
	DBusEnabled   bool   `json:"dbus_enabled"`

	IdentityKeyPath string        `json:"identity_key_path"`
	Log             logger.Config `json:"log"`
	Plugins         PluginConfig  `json:"plugins"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If KDECONNECT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// DefaultSocketPath places the IPC socket in XDG_RUNTIME_DIR when available.
func DefaultSocketPath(dataDir string) string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, DefaultSocketName)
	}
	return filepath.Join(dataDir, DefaultSocketName)
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes config.json through a temp file so readers never see a partial file.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist under dataDir, then returns both.
// An empty dataDir resolves the default location.
func LoadOrCreate(dataDir string) (*DeviceConfig, string, error) {
	if dataDir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = resolved
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// Validate rejects settings the service cannot run with.
func (c *DeviceConfig) Validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device_name is required")
	}
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp_port %d out of range", c.TCPPort)
	}
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery_port %d out of range", c.DiscoveryPort)
	}
	if c.OutboundQueueSize <= 0 {
		return errors.New("outbound_queue_size must be > 0")
	}
	if c.Reconnect.Multiplier < 1 {
		return errors.New("reconnect.multiplier must be >= 1")
	}
	return nil
}

// NewDeviceID returns a fresh device id. KDE Connect peers reject dashes in ids.
func NewDeviceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "_")
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "COSMIC Desktop"
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{
		DeviceID:    NewDeviceID(),
		DeviceName:  defaultDeviceName(),
		DeviceType:  models.DeviceTypeDesktop,
		MDNSEnabled: true,
		DBusEnabled: true,
		Log:         logger.DefaultConfig(),
	}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *Duration, value time.Duration) {
		if *field <= 0 {
			*field = Duration(value)
			updated = true
		}
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = NewDeviceID()
		updated = true
	}
	setString(&cfg.DeviceName, defaultDeviceName())

	if parsed := models.ParseDeviceType(string(cfg.DeviceType)); parsed != cfg.DeviceType {
		cfg.DeviceType = parsed
		updated = true
	}

	if cfg.TCPPort == 0 {
		cfg.TCPPort = DefaultPort
		updated = true
	}
	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = DefaultPort
		updated = true
	}

	setDuration(&cfg.BeaconInterval, DefaultBeaconInterval)
	setDuration(&cfg.InterfacePollInterval, DefaultInterfacePollInterval)
	setDuration(&cfg.StaleAfter, DefaultStaleAfter)
	setDuration(&cfg.HandshakeTimeout, DefaultHandshakeTimeout)
	setDuration(&cfg.PairingTimeout, DefaultPairingTimeout)
	setDuration(&cfg.KeepAliveInterval, DefaultKeepAliveInterval)
	setDuration(&cfg.KeepAliveTimeout, DefaultKeepAliveTimeout)
	setDuration(&cfg.Reconnect.InitialInterval, DefaultReconnectInitial)
	setDuration(&cfg.Reconnect.MaxInterval, DefaultReconnectMax)
	setDuration(&cfg.OutboundQueueTTL, DefaultOutboundQueueTTL)

	if cfg.Reconnect.Multiplier == 0 {
		cfg.Reconnect.Multiplier = DefaultReconnectMultiplier
		updated = true
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = DefaultOutboundQueueSize
		updated = true
	}

	setString(&cfg.IPCSocketPath, DefaultSocketPath(dataDir))
	setString(&cfg.IdentityKeyPath, filepath.Join(dataDir, "keys", "identity.pem"))
	setString(&cfg.Log.Level, "info")
	setString(&cfg.Log.Output, "stderr")

	return updated
}
