// Package config provides YAML-based configuration loading for management
// clients and servers.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strand-protocol/strand/mgmtapi/pkg/protocol"
)

// Batch backends.
const (
	BatchBackendMemory = "memory"
	BatchBackendEtcd   = "etcd"
	BatchBackendNone   = "none"
)

// Config is the root configuration. It is passed explicitly to the
// constructors that need it.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Batch  BatchConfig  `yaml:"batch"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the accepting side.
type ServerConfig struct {
	ListenAddr            string        `yaml:"listen_addr"`
	MetricsAddr           string        `yaml:"metrics_addr"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
}

// ClientConfig configures the requesting side.
type ClientConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BatchConfig selects the batch id manager installed on server channels.
type BatchConfig struct {
	// Backend: memory, etcd or none.
	Backend       string   `yaml:"backend"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	EtcdPrefix    string   `yaml:"etcd_prefix"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level"`
	// Format: console or json
	Format string `yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `yaml:"outputs"`
	Rotation    RotationConfig `yaml:"rotation"`
	Development bool           `yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `yaml:"enable"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:            "127.0.0.1:9999",
			MetricsAddr:           "127.0.0.1:9990",
			MaxConcurrentRequests: 1000,
			ShutdownTimeout:       5 * time.Second,
		},
		Client: ClientConfig{
			Host:           "127.0.0.1",
			Port:           9999,
			DialTimeout:    5 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Batch: BatchConfig{
			Backend:       BatchBackendMemory,
			EtcdEndpoints: []string{"http://localhost:2379"},
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
	}
}

// DefaultPath returns the default config file path: ~/.mgmt/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mgmt", "config.yaml")
	}
	return filepath.Join(home, ".mgmt", "config.yaml")
}

// Load reads the configuration from the given YAML file path on top of the
// defaults, then applies environment overrides. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from MGMT_* variables looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("MGMT_ADDR"); v != "" {
		host, port, err := net.SplitHostPort(v)
		if err != nil {
			return fmt.Errorf("MGMT_ADDR: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("MGMT_ADDR port: %w", err)
		}
		c.Client.Host, c.Client.Port = host, p
	}
	if v := getenv("MGMT_LISTEN"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := getenv("MGMT_METRICS_ADDR"); v != "" {
		c.Server.MetricsAddr = v
	}
	if v := getenv("MGMT_BATCH_BACKEND"); v != "" {
		c.Batch.Backend = v
	}
	if v := getenv("MGMT_ETCD_ENDPOINTS"); v != "" {
		c.Batch.EtcdEndpoints = strings.Split(v, ",")
	}
	if v := getenv("MGMT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Batch.Backend {
	case BatchBackendMemory, BatchBackendEtcd, BatchBackendNone:
	default:
		return fmt.Errorf("unsupported batch backend %q (supported: memory, etcd, none)", c.Batch.Backend)
	}
	if c.Batch.Backend == BatchBackendEtcd && len(c.Batch.EtcdEndpoints) == 0 {
		return fmt.Errorf("batch backend etcd needs etcd_endpoints")
	}
	if c.Client.Port <= 0 || c.Client.Port > 65535 {
		return fmt.Errorf("client port %d out of range", c.Client.Port)
	}
	return nil
}

// Address returns host:port for dialing, bracketing IPv6 literals.
func (c ClientConfig) Address() string {
	return protocol.FormatPossibleIPv6Address(c.Host) + ":" + strconv.Itoa(c.Port)
}

// MetricsURL returns the URL the metrics endpoint is reachable at.
func (c ServerConfig) MetricsURL() string {
	host, port, err := net.SplitHostPort(c.MetricsAddr)
	if err != nil {
		return "http://" + c.MetricsAddr + "/metrics"
	}
	return "http://" + protocol.FormatPossibleIPv6Address(host) + ":" + port + "/metrics"
}
