package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default preferred port range for the backend, matching what the backend
// scans when picking its own port.
const (
	DefaultPortRangeStart = 8008
	DefaultPortRangeEnd   = 8020
)

// Config holds host-side settings: where the backend lives, how discovery
// behaves, and where the descriptor cache is persisted.
type Config struct {
	ConfigPath     string
	Host           string
	PortRangeStart int
	PortRangeEnd   int
	DataDir        string
	CachePath      string
	BackendCommand string
	BackendArgs    []string
	MetricsListen  string
	AllowedOrigins []string

	DiscoveryTimeoutSeconds int
	ProbeTimeoutMillis      int
	SettleDelayMillis       int
	ShutdownGraceMillis     int
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	Host           string   `yaml:"host"`
	PortRangeStart int      `yaml:"port_range_start"`
	PortRangeEnd   int      `yaml:"port_range_end"`
	DataDir        string   `yaml:"data_dir"`
	CachePath      string   `yaml:"cache_path"`
	BackendCommand string   `yaml:"backend_command"`
	BackendArgs    []string `yaml:"backend_args"`
	MetricsListen  string   `yaml:"metrics_listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	DiscoveryTimeoutSeconds int `yaml:"discovery_timeout_seconds"`
	ProbeTimeoutMillis      int `yaml:"probe_timeout_millis"`
	SettleDelayMillis       int `yaml:"settle_delay_millis"`
	ShutdownGraceMillis     int `yaml:"shutdown_grace_millis"`
}

func DefaultConfig() Config {
	dataDir := defaultDataDir()
	return Config{
		ConfigPath:              filepath.Join(defaultConfigDir(), "config.yaml"),
		Host:                    "127.0.0.1",
		PortRangeStart:          DefaultPortRangeStart,
		PortRangeEnd:            DefaultPortRangeEnd,
		DataDir:                 dataDir,
		CachePath:               filepath.Join(dataDir, "portside.db"),
		BackendCommand:          "portsided",
		MetricsListen:           "",
		AllowedOrigins:          nil,
		DiscoveryTimeoutSeconds: 10,
		ProbeTimeoutMillis:      1000,
		SettleDelayMillis:       500,
		ShutdownGraceMillis:     500,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
// A missing file at the default location is not an error; an explicitly
// requested path must exist.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if explicit {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.DataDir != "" && fileCfg.CachePath == "" {
		cfg.CachePath = filepath.Join(cfg.DataDir, "portside.db")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.Host != "" {
		cfg.Host = fileCfg.Host
	}
	if fileCfg.PortRangeStart > 0 {
		cfg.PortRangeStart = fileCfg.PortRangeStart
	}
	if fileCfg.PortRangeEnd > 0 {
		cfg.PortRangeEnd = fileCfg.PortRangeEnd
	}
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.CachePath != "" {
		cfg.CachePath = fileCfg.CachePath
	}
	if fileCfg.BackendCommand != "" {
		cfg.BackendCommand = fileCfg.BackendCommand
	}
	if len(fileCfg.BackendArgs) > 0 {
		cfg.BackendArgs = fileCfg.BackendArgs
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if len(fileCfg.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fileCfg.AllowedOrigins
	}
	if fileCfg.DiscoveryTimeoutSeconds > 0 {
		cfg.DiscoveryTimeoutSeconds = fileCfg.DiscoveryTimeoutSeconds
	}
	if fileCfg.ProbeTimeoutMillis > 0 {
		cfg.ProbeTimeoutMillis = fileCfg.ProbeTimeoutMillis
	}
	if fileCfg.SettleDelayMillis > 0 {
		cfg.SettleDelayMillis = fileCfg.SettleDelayMillis
	}
	if fileCfg.ShutdownGraceMillis > 0 {
		cfg.ShutdownGraceMillis = fileCfg.ShutdownGraceMillis
	}
}

// Validate performs basic validation of ranges and listen addresses.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.PortRangeStart < 1 || c.PortRangeStart > 65535 {
		return fmt.Errorf("port_range_start %d out of range", c.PortRangeStart)
	}
	if c.PortRangeEnd < 1 || c.PortRangeEnd > 65535 {
		return fmt.Errorf("port_range_end %d out of range", c.PortRangeEnd)
	}
	if c.PortRangeEnd < c.PortRangeStart {
		return fmt.Errorf("port_range_end %d is below port_range_start %d", c.PortRangeEnd, c.PortRangeStart)
	}
	if c.CachePath == "" {
		return fmt.Errorf("cache_path is required")
	}
	if c.BackendCommand == "" {
		return fmt.Errorf("backend_command is required")
	}
	if c.DiscoveryTimeoutSeconds <= 0 {
		return fmt.Errorf("discovery_timeout_seconds must be positive")
	}
	if c.ProbeTimeoutMillis <= 0 {
		return fmt.Errorf("probe_timeout_millis must be positive")
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	return nil
}

// DiscoveryTimeout is the deadline for one full discovery round.
func (c Config) DiscoveryTimeout() time.Duration {
	return time.Duration(c.DiscoveryTimeoutSeconds) * time.Second
}

// ProbeTimeout bounds a single health probe.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMillis) * time.Millisecond
}

// SettleDelay is the pause between stop and start during a restart.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMillis) * time.Millisecond
}

// ShutdownGrace is how long the controller waits after the graceful
// shutdown command before killing the process.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMillis) * time.Millisecond
}

func defaultDataDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return ".portside"
	}
	return filepath.Join(base, "portside")
}

func defaultConfigDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".portside"
	}
	return filepath.Join(base, "portside")
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
