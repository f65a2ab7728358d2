// YAML config loader with CUE validation integration
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// UpstreamConfig describes the worker cluster connection.
type UpstreamConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	QueueCapacity int           `yaml:"queue_capacity"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	StartNodes    int           `yaml:"start_nodes"`
	MaxFrameBytes int           `yaml:"max_frame_bytes"`
}

// Addr returns host:port.
func (u UpstreamConfig) Addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// RegistryConfig selects the adjacency distance metric.
type RegistryConfig struct {
	DistanceMetric string `yaml:"distance_metric"`
}

// StoreConfig configures persistence. An empty DSN disables it.
type StoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// SinksConfig enables the optional event sinks. Empty values disable them.
type SinksConfig struct {
	JournalPath      string `yaml:"journal_path"`
	EnvelopeLog      string `yaml:"envelope_log"`
	GreptimeEndpoint string `yaml:"greptime_endpoint"`
	GreptimeDatabase string `yaml:"greptime_database"`
}

// AdminConfig configures the HTTP status server. An empty Addr disables it.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// SimulatorConfig tunes the mock cluster started by the simulate command.
type SimulatorConfig struct {
	Listen       string        `yaml:"listen"`
	Tick         time.Duration `yaml:"tick"`
	SubTasks     int           `yaml:"subtasks"`
	CompleteRate float64       `yaml:"complete_rate"`
	FailureRate  float64       `yaml:"failure_rate"`
}

// Config is the root configuration.
type Config struct {
	FleetID   string          `yaml:"fleet_id"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Registry  RegistryConfig  `yaml:"registry"`
	Store     StoreConfig     `yaml:"store"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Admin     AdminConfig     `yaml:"admin"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		FleetID: "fleet-01",
		Upstream: UpstreamConfig{
			Host:          "127.0.0.1",
			Port:          9000,
			MaxRetries:    5,
			RetryInterval: 30 * time.Second,
			QueueCapacity: 1000,
			PollInterval:  5 * time.Second,
			StartNodes:    10,
			MaxFrameBytes: 16 * 1024 * 1024,
		},
		Registry: RegistryConfig{DistanceMetric: "planar"},
		Sinks:    SinksConfig{GreptimeDatabase: "public"},
		Admin:    AdminConfig{Addr: ":8080"},
		Simulator: SimulatorConfig{
			Listen:       "127.0.0.1:9000",
			Tick:         time.Second,
			SubTasks:     3,
			CompleteRate: 0.2,
			FailureRate:  0.02,
		},
	}
}

// Load reads a YAML config, validates it against a CUE schema and overlays
// it on the defaults. An empty configPath returns the defaults; an empty
// cueSchemaPath uses the built-in schema.
func Load(configPath, cueSchemaPath string) (*Config, error) {
	cfg := Default()
	if configPath == "" {
		return cfg, nil
	}
	if err := ValidateFiles(configPath, cueSchemaPath); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", configPath, err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg from UPSTREAM_ADDR, POSTGRES_DSN,
// GREPTIMEDB_ENDPOINT, GREPTIMEDB_DATABASE, POLL_INTERVAL and FLEET_ID.
func (c *Config) ApplyEnv() error {
	if addr := os.Getenv("UPSTREAM_ADDR"); addr != "" {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("UPSTREAM_ADDR: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("UPSTREAM_ADDR: bad port %q", portStr)
		}
		c.Upstream.Host, c.Upstream.Port = host, port
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		c.Store.PostgresDSN = dsn
	}
	if ep := os.Getenv("GREPTIMEDB_ENDPOINT"); ep != "" {
		c.Sinks.GreptimeEndpoint = ep
	}
	if db := os.Getenv("GREPTIMEDB_DATABASE"); db != "" {
		c.Sinks.GreptimeDatabase = db
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("POLL_INTERVAL: %w", err)
		}
		c.Upstream.PollInterval = d
	}
	if id := os.Getenv("FLEET_ID"); id != "" {
		c.FleetID = id
	}
	return nil
}
