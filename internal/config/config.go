// Package config provides configuration management for the short option closer.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Validate when a value is unset.
const (
	defaultHost           = "127.0.0.1"
	defaultPort           = 7496
	defaultClientID       = 23
	defaultConnectTimeout = "10s"
	defaultRequestTimeout = "30s"
	defaultOrderThrottle  = "5s"
	defaultHeaderRows     = 2
	defaultMode           = "paper"
	defaultFeedTimeout    = "15s"
	defaultExchange       = "SMART"
	defaultStoragePath    = "orders.json"
	defaultExportDir      = "data"
	defaultDuration       = "2 D"
	defaultBarSize        = "5 mins"
	defaultDashboardPort  = 8080
)

// minOrderThrottle leaves the gateway time to report a rejection before the
// next submission. It matches broker.MinOrderThrottle.
const minOrderThrottle = 10 * time.Millisecond

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Feed        FeedConfig        `yaml:"feed"`
	Pricing     PricingConfig     `yaml:"pricing"`
	Orders      OrdersConfig      `yaml:"orders"`
	Storage     StorageConfig     `yaml:"storage"`
	Export      ExportConfig      `yaml:"export"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// GatewayConfig defines the brokerage session settings.
type GatewayConfig struct {
	Provider       string          `yaml:"provider"` // simulated
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port"`
	ClientID       int             `yaml:"client_id"`
	ConnectTimeout string          `yaml:"connect_timeout"`
	RequestTimeout string          `yaml:"request_timeout"`
	OrderThrottle  string          `yaml:"order_throttle"`
	Simulated      SimulatedConfig `yaml:"simulated"`
}

// SimulatedConfig seeds the in-process gateway.
type SimulatedConfig struct {
	FirstOrderID  int64             `yaml:"first_order_id"`
	Account       string            `yaml:"account"`
	RejectSymbols map[string]string `yaml:"reject_symbols"`
	// ConnectError makes every connection attempt fail with this message.
	ConnectError string `yaml:"connect_error"`
}

// FeedConfig defines where open positions are read from.
type FeedConfig struct {
	Source     string `yaml:"source"` // csv | json
	CSVPath    string `yaml:"csv_path"`
	HeaderRows *int   `yaml:"header_rows"` // unset means 2
	JSONURL    string `yaml:"json_url"`
	Timeout    string `yaml:"timeout"`
}

// PricingConfig defines price rounding.
type PricingConfig struct {
	OneDecimalSymbols []string `yaml:"one_decimal_symbols"`
}

// OrdersConfig defines closing order settings.
type OrdersConfig struct {
	Exchange string `yaml:"exchange"`
	DryRun   bool   `yaml:"dry_run"`
}

// StorageConfig defines the order journal.
type StorageConfig struct {
	Backend string `yaml:"backend"` // json | sqlite
	Path    string `yaml:"path"`
}

// ExportConfig defines historical bar export.
type ExportConfig struct {
	Dir      string `yaml:"dir"`
	Duration string `yaml:"duration"`
	BarSize  string `yaml:"bar_size"`
}

// DashboardConfig defines the status server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
// A .env file next to the config is loaded first; variables already set in
// the environment win.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := LoadDotEnv(filepath.Join(filepath.Dir(configPath), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML document, expanding environment variables, and validates it.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// LoadDotEnv loads a dotenv file if it exists.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Validate checks that all configuration values are valid and fills defaults.
func (c *Config) Validate() error {
	c.normalize()

	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	// Gateway validation
	if c.Gateway.Provider != "simulated" {
		return fmt.Errorf("gateway.provider %q is not supported (want 'simulated')", c.Gateway.Provider)
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535")
	}
	if c.Gateway.ClientID < 0 {
		return fmt.Errorf("gateway.client_id must be >= 0")
	}
	for name, value := range map[string]string{
		"gateway.connect_timeout": c.Gateway.ConnectTimeout,
		"gateway.request_timeout": c.Gateway.RequestTimeout,
		"gateway.order_throttle":  c.Gateway.OrderThrottle,
		"feed.timeout":            c.Feed.Timeout,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if d, _ := time.ParseDuration(c.Gateway.OrderThrottle); d < minOrderThrottle {
		return fmt.Errorf("gateway.order_throttle must be at least %v", minOrderThrottle)
	}

	// Feed validation
	switch c.Feed.Source {
	case "csv":
		if c.Feed.CSVPath == "" {
			return fmt.Errorf("feed.csv_path is required for the csv source")
		}
	case "json":
		if c.Feed.JSONURL == "" {
			return fmt.Errorf("feed.json_url is required for the json source")
		}
	default:
		return fmt.Errorf("feed.source must be 'csv' or 'json'")
	}
	if c.Feed.HeaderRows != nil && *c.Feed.HeaderRows < 0 {
		return fmt.Errorf("feed.header_rows must be >= 0")
	}

	// Storage validation
	if c.Storage.Backend != "json" && c.Storage.Backend != "sqlite" {
		return fmt.Errorf("storage.backend must be 'json' or 'sqlite'")
	}

	// Dashboard validation
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be between 1 and 65535")
	}

	return nil
}

// normalize sets default values for unset fields
func (c *Config) normalize() {
	c.Environment.Mode = strings.ToLower(strings.TrimSpace(c.Environment.Mode))
	if c.Environment.Mode == "" {
		c.Environment.Mode = defaultMode
	}
	c.Environment.LogLevel = strings.ToLower(strings.TrimSpace(c.Environment.LogLevel))
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}

	g := &c.Gateway
	g.Provider = strings.ToLower(strings.TrimSpace(g.Provider))
	if g.Provider == "" {
		g.Provider = "simulated"
	}
	if g.Host == "" {
		g.Host = defaultHost
	}
	if g.Port == 0 {
		g.Port = defaultPort
	}
	if g.ClientID == 0 {
		g.ClientID = defaultClientID
	}
	if g.ConnectTimeout == "" {
		g.ConnectTimeout = defaultConnectTimeout
	}
	if g.RequestTimeout == "" {
		g.RequestTimeout = defaultRequestTimeout
	}
	if g.OrderThrottle == "" {
		g.OrderThrottle = defaultOrderThrottle
	}

	c.Feed.Source = strings.ToLower(strings.TrimSpace(c.Feed.Source))
	if c.Feed.Source == "" {
		c.Feed.Source = "csv"
	}
	if c.Feed.HeaderRows == nil {
		rows := defaultHeaderRows
		c.Feed.HeaderRows = &rows
	}
	if c.Feed.Timeout == "" {
		c.Feed.Timeout = defaultFeedTimeout
	}

	if c.Orders.Exchange == "" {
		c.Orders.Exchange = defaultExchange
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = "json"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}

	if c.Export.Dir == "" {
		c.Export.Dir = defaultExportDir
	}
	if c.Export.Duration == "" {
		c.Export.Duration = defaultDuration
	}
	if c.Export.BarSize == "" {
		c.Export.BarSize = defaultBarSize
	}

	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = defaultDashboardPort
	}
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// ConnectTimeout returns the configured connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return parseDuration(c.Gateway.ConnectTimeout, 10*time.Second)
}

// RequestTimeout returns the configured request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return parseDuration(c.Gateway.RequestTimeout, 30*time.Second)
}

// OrderThrottle returns the delay enforced after each order request.
// Zero is allowed and disables the delay.
func (c *Config) OrderThrottle() time.Duration {
	return parseDuration(c.Gateway.OrderThrottle, 5*time.Second)
}

// HeaderRowCount returns the number of title rows above the CSV header.
func (c *Config) HeaderRowCount() int {
	if c.Feed.HeaderRows == nil {
		return defaultHeaderRows
	}
	return *c.Feed.HeaderRows
}

// FeedTimeout returns the HTTP timeout for the json feed.
func (c *Config) FeedTimeout() time.Duration {
	return parseDuration(c.Feed.Timeout, 15*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
