package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pebble    PebbleConfig    `yaml:"pebble"`
	Log       LogConfig       `yaml:"log"`
	Bitcoin   ChainConfig     `yaml:"bitcoin"`
	Litecoin  ChainConfig     `yaml:"litecoin"`
	Cache     CacheConfig     `yaml:"cache"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Entities  EntitiesConfig  `yaml:"entities"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig represents the HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	Host         string        `yaml:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PebbleConfig represents the Pebble database configuration
type PebbleConfig struct {
	Path string `yaml:"path"`
}

// LogConfig selects the log level and output format (json or console)
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ChainConfig represents the configuration for a blockchain node
type ChainConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Network      string `yaml:"network"` // mainnet, testnet, regtest, signet
	Host         string `yaml:"host"`
	User         string `yaml:"user"`
	Pass         string `yaml:"pass"`
	Cert         string `yaml:"cert"`
	DisableTLS   bool   `yaml:"disable_tls"`
	PollInterval int    `yaml:"poll_interval"` // seconds
	StartHeight  int64  `yaml:"start_height"`
}

// CacheConfig bounds the ledger lookup cache
type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Capacity uint64        `yaml:"capacity"`
}

// AnalysisConfig holds the limits and budgets of analysis requests
type AnalysisConfig struct {
	MaxTraceDepth        int           `yaml:"max_trace_depth"`
	DefaultTraceDepth    int           `yaml:"default_trace_depth"`
	MaxHops              int           `yaml:"max_hops"`
	DefaultHops          int           `yaml:"default_hops"`
	ClusterMaxDepth      int           `yaml:"cluster_max_depth"`
	MaxClusterAddresses  int           `yaml:"max_cluster_addresses"`
	MaxTraceNodes        int           `yaml:"max_trace_nodes"`
	Fanout               int           `yaml:"fanout"`
	TimeBudget           time.Duration `yaml:"time_budget"`
	MaxConcurrentJobs    int64         `yaml:"max_concurrent_jobs"`
	RetryAttempts        int           `yaml:"retry_attempts"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
}

// EntitiesConfig points at an optional entity table file
type EntitiesConfig struct {
	File string `yaml:"file"`
}

// RateLimitConfig configures the per-client request limiter
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Default returns the configuration used when no file or env override is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Pebble: PebbleConfig{
			Path: "./data/pebble",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Bitcoin:  ChainConfig{Network: "mainnet", PollInterval: 10},
		Litecoin: ChainConfig{Network: "mainnet", PollInterval: 10},
		Cache: CacheConfig{
			TTL:      time.Hour,
			Capacity: 50000,
		},
		Analysis: AnalysisConfig{
			MaxTraceDepth:        50,
			DefaultTraceDepth:    10,
			MaxHops:              10,
			DefaultHops:          6,
			ClusterMaxDepth:      5,
			MaxClusterAddresses:  500,
			MaxTraceNodes:        1000,
			Fanout:               20,
			TimeBudget:           15 * time.Second,
			MaxConcurrentJobs:    8,
			RetryAttempts:        3,
			RetryInitialInterval: 200 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// Load loads configuration from a YAML file and environment variables
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from YAML file if it exists
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the analysis layer cannot honour
func (c *Config) Validate() error {
	a := c.Analysis
	switch {
	case a.MaxTraceDepth < 1:
		return fmt.Errorf("analysis.max_trace_depth must be positive")
	case a.DefaultTraceDepth < 1 || a.DefaultTraceDepth > a.MaxTraceDepth:
		return fmt.Errorf("analysis.default_trace_depth must be in [1, %d]", a.MaxTraceDepth)
	case a.MaxHops < 1:
		return fmt.Errorf("analysis.max_hops must be positive")
	case a.DefaultHops < 1 || a.DefaultHops > a.MaxHops:
		return fmt.Errorf("analysis.default_hops must be in [1, %d]", a.MaxHops)
	case a.ClusterMaxDepth < 1:
		return fmt.Errorf("analysis.cluster_max_depth must be positive")
	case a.Fanout < 1:
		return fmt.Errorf("analysis.fanout must be positive")
	case a.TimeBudget <= 0:
		return fmt.Errorf("analysis.time_budget must be positive")
	case a.MaxConcurrentJobs < 1:
		return fmt.Errorf("analysis.max_concurrent_jobs must be positive")
	case a.RetryAttempts < 1:
		return fmt.Errorf("analysis.retry_attempts must be positive")
	}
	if c.Cache.Capacity == 0 {
		return fmt.Errorf("cache.capacity must be positive")
	}
	return nil
}

func (c *Config) loadEnv() {
	// Server config
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}

	// Pebble config
	if path := os.Getenv("PEBBLE_PATH"); path != "" {
		c.Pebble.Path = path
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	if file := os.Getenv("ENTITIES_FILE"); file != "" {
		c.Entities.File = file
	}
	if budget := os.Getenv("ANALYSIS_TIME_BUDGET"); budget != "" {
		if d, err := time.ParseDuration(budget); err == nil {
			c.Analysis.TimeBudget = d
		}
	}
	if depth := os.Getenv("ANALYSIS_MAX_TRACE_DEPTH"); depth != "" {
		if d, err := strconv.Atoi(depth); err == nil {
			c.Analysis.MaxTraceDepth = d
		}
	}

	c.loadChainEnv(&c.Bitcoin, "BTC")
	c.loadChainEnv(&c.Litecoin, "LTC")
}

func (c *Config) loadChainEnv(chain *ChainConfig, prefix string) {
	if enabled := os.Getenv(prefix + "_ENABLED"); enabled != "" {
		chain.Enabled = enabled == "true" || enabled == "1"
	}
	if network := os.Getenv(prefix + "_NETWORK"); network != "" {
		chain.Network = network
	}
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		chain.Host = host
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		chain.User = user
	}
	if pass := os.Getenv(prefix + "_PASS"); pass != "" {
		chain.Pass = pass
	}
	if cert := os.Getenv(prefix + "_CERT"); cert != "" {
		chain.Cert = cert
	}
	if disableTLS := os.Getenv(prefix + "_DISABLE_TLS"); disableTLS != "" {
		chain.DisableTLS = disableTLS == "true" || disableTLS == "1"
	}
	if pollInterval := os.Getenv(prefix + "_POLL_INTERVAL"); pollInterval != "" {
		if p, err := strconv.Atoi(pollInterval); err == nil {
			chain.PollInterval = p
		}
	}
	if startHeight := os.Getenv(prefix + "_START_HEIGHT"); startHeight != "" {
		if h, err := strconv.ParseInt(startHeight, 10, 64); err == nil {
			chain.StartHeight = h
		}
	}
}
