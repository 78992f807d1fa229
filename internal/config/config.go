package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-dev/collab/internal/errors"
	"github.com/vango-dev/collab/pkg/collab"
	"github.com/vango-dev/collab/pkg/relay"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "collab.yaml"

	// EnvAuthSecret overrides auth.secret when set.
	EnvAuthSecret = "COLLAB_AUTH_SECRET"

	// DefaultAddress is the default relay listen address.
	DefaultAddress = ":7420"

	// DefaultServerURL is where the client commands look for a relay.
	DefaultServerURL = "http://localhost:7420"
)

// Backends lists the accepted store.backend values.
var Backends = []string{"memory", "sqlite", "s3"}

// Config represents the complete collab.yaml configuration.
type Config struct {
	// Server configures the relay (collab serve).
	Server ServerConfig `yaml:"server"`

	// Session configures client sessions (collab get/set).
	Session SessionConfig `yaml:"session"`

	// Auth configures join tokens.
	Auth AuthConfig `yaml:"auth"`

	// Store configures snapshot persistence.
	Store StoreConfig `yaml:"store"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// configPath stores the path where the config was loaded from.
	configPath string

	// root is the parsed document, kept to report line numbers.
	root *yaml.Node
}

// ServerConfig contains relay settings.
type ServerConfig struct {
	Address         string `yaml:"address,omitempty"`
	PublicURL       string `yaml:"publicURL,omitempty"`
	ShutdownTimeout string `yaml:"shutdownTimeout,omitempty"`
	PersistInterval string `yaml:"persistInterval,omitempty"`
	PingInterval    string `yaml:"pingInterval,omitempty"`
	ReadTimeout     string `yaml:"readTimeout,omitempty"`
	WriteTimeout    string `yaml:"writeTimeout,omitempty"`
	SendQueueSize   int    `yaml:"sendQueueSize,omitempty"`
	MaxMessageSize  int64  `yaml:"maxMessageSize,omitempty"`
}

// SessionConfig contains client session settings.
type SessionConfig struct {
	// Server is the relay base URL used for lookups.
	Server           string          `yaml:"server,omitempty"`
	HandshakeTimeout string          `yaml:"handshakeTimeout,omitempty"`
	WriteTimeout     string          `yaml:"writeTimeout,omitempty"`
	Reconnect        ReconnectConfig `yaml:"reconnect,omitempty"`
}

// ReconnectConfig mirrors collab.ReconnectPolicy. MaxAttempts 0 disables
// reconnecting.
type ReconnectConfig struct {
	MaxAttempts int     `yaml:"maxAttempts,omitempty"`
	BaseDelay   string  `yaml:"baseDelay,omitempty"`
	MaxDelay    string  `yaml:"maxDelay,omitempty"`
	Jitter      float64 `yaml:"jitter,omitempty"`
}

// AuthConfig contains token settings.
type AuthConfig struct {
	// Secret signs join tokens. Empty disables token checks.
	Secret   string `yaml:"secret,omitempty"`
	TokenTTL string `yaml:"tokenTTL,omitempty"`
}

// StoreConfig contains snapshot store settings.
type StoreConfig struct {
	Backend string `yaml:"backend,omitempty"`

	// DSN is the SQLite data source.
	DSN   string `yaml:"dsn,omitempty"`
	Table string `yaml:"table,omitempty"`

	// Bucket, Prefix, Region and Endpoint configure the s3 backend.
	Bucket   string `yaml:"bucket,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace,omitempty"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	cfg := &Config{
		Metrics: MetricsConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads collab.yaml from dir.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path, applies
// defaults and the environment, and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E100").
				WithDetail("No " + filepath.Base(path) + " found in " + filepath.Dir(path))
		}
		return nil, errors.New("E101").Wrap(err)
	}

	return parse(data, path)
}

// Parse decodes collab.yaml content, applies defaults and the environment,
// and validates the result.
func Parse(data []byte) (*Config, error) {
	return parse(data, "")
}

func parse(data []byte, path string) (*Config, error) {
	cfg := &Config{
		Metrics:    MetricsConfig{Enabled: true},
		configPath: path,
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, cfg.yamlError(err)
	}
	if root.Kind != 0 {
		cfg.root = &root
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return nil, cfg.yamlError(err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var yamlLine = regexp.MustCompile(`line (\d+)`)

// yamlError converts a yaml.v3 error into E101 with the line it mentions.
func (c *Config) yamlError(err error) error {
	ce := errors.New("E101").WithDetail(strings.TrimPrefix(err.Error(), "yaml: "))
	if m := yamlLine.FindStringSubmatch(err.Error()); m != nil {
		line, _ := strconv.Atoi(m[1])
		c.locate(ce, line)
	}
	return ce
}

// locate points ce at line of the config file.
func (c *Config) locate(ce *errors.CollabError, line int) {
	if c.configPath != "" {
		ce.WithLocation(c.configPath, line)
		return
	}
	ce.Location = &errors.Location{Line: line}
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}
	if c.Server.PersistInterval == "" {
		c.Server.PersistInterval = "30s"
	}
	if c.Server.PingInterval == "" {
		c.Server.PingInterval = "30s"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "90s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "10s"
	}

	if c.Session.Server == "" {
		c.Session.Server = DefaultServerURL
	}
	if c.Session.HandshakeTimeout == "" {
		c.Session.HandshakeTimeout = "10s"
	}
	if c.Session.WriteTimeout == "" {
		c.Session.WriteTimeout = "10s"
	}
	if c.Session.Reconnect.BaseDelay == "" {
		c.Session.Reconnect.BaseDelay = "500ms"
	}
	if c.Session.Reconnect.MaxDelay == "" {
		c.Session.Reconnect.MaxDelay = "30s"
	}

	if c.Auth.TokenTTL == "" {
		c.Auth.TokenTTL = "1h"
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Table == "" {
		c.Store.Table = "collab_snapshots"
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "collab"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// applyEnv applies environment overrides.
func (c *Config) applyEnv() {
	if secret := os.Getenv(EnvAuthSecret); secret != "" {
		c.Auth.Secret = secret
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	durations := []struct {
		path  []string
		value string
	}{
		{[]string{"server", "shutdownTimeout"}, c.Server.ShutdownTimeout},
		{[]string{"server", "persistInterval"}, c.Server.PersistInterval},
		{[]string{"server", "pingInterval"}, c.Server.PingInterval},
		{[]string{"server", "readTimeout"}, c.Server.ReadTimeout},
		{[]string{"server", "writeTimeout"}, c.Server.WriteTimeout},
		{[]string{"session", "handshakeTimeout"}, c.Session.HandshakeTimeout},
		{[]string{"session", "writeTimeout"}, c.Session.WriteTimeout},
		{[]string{"session", "reconnect", "baseDelay"}, c.Session.Reconnect.BaseDelay},
		{[]string{"session", "reconnect", "maxDelay"}, c.Session.Reconnect.MaxDelay},
		{[]string{"auth", "tokenTTL"}, c.Auth.TokenTTL},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil || v < 0 {
			return c.fieldError("E103", d.path, "%s: %q is not a valid duration", strings.Join(d.path, "."), d.value)
		}
	}

	if !contains(Backends, c.Store.Backend) {
		return c.fieldError("E104", []string{"store", "backend"}, "store.backend %q", c.Store.Backend)
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.DSN == "" {
			return c.fieldError("E102", []string{"store", "backend"},
				"store.dsn is required for the %s backend", c.Store.Backend)
		}
	case "s3":
		if c.Store.Bucket == "" {
			return c.fieldError("E102", []string{"store", "backend"}, "store.bucket is required for the s3 backend")
		}
	}

	if c.Session.Reconnect.MaxAttempts < 0 {
		return c.fieldError("E102", []string{"session", "reconnect", "maxAttempts"},
			"session.reconnect.maxAttempts must not be negative")
	}
	if j := c.Session.Reconnect.Jitter; j < 0 || j > 1 {
		return c.fieldError("E102", []string{"session", "reconnect", "jitter"},
			"session.reconnect.jitter must be between 0 and 1")
	}
	if c.Server.SendQueueSize < 0 {
		return c.fieldError("E102", []string{"server", "sendQueueSize"}, "server.sendQueueSize must not be negative")
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return c.fieldError("E102", []string{"log", "level"}, "log.level must be one of debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return c.fieldError("E102", []string{"log", "format"}, "log.format must be text or json")
	}
	return nil
}

// fieldError builds a registered error pointing at the line of path.
func (c *Config) fieldError(code string, path []string, format string, args ...any) *errors.CollabError {
	ce := errors.New(code).WithDetailf(format, args...)
	if line := c.lineOf(path...); line > 0 {
		c.locate(ce, line)
	}
	return ce
}

// lineOf returns the line of the value at path in the parsed document, or
// 0 if it is not present.
func (c *Config) lineOf(path ...string) int {
	if c.root == nil {
		return 0
	}
	node := c.root
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	for _, key := range path {
		if node.Kind != yaml.MappingNode {
			return 0
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == key {
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			return 0
		}
		node = next
	}
	return node.Line
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(s))
	return level, err
}

// RelayConfig converts the server, auth and store sections to a relay
// configuration. Store, Metrics and Logger are left for the caller.
func (c *Config) RelayConfig() *relay.ServerConfig {
	cfg := relay.DefaultServerConfig()
	cfg.Address = c.Server.Address
	cfg.PublicURL = c.Server.PublicURL
	cfg.ShutdownTimeout = mustDuration(c.Server.ShutdownTimeout)
	cfg.PersistInterval = mustDuration(c.Server.PersistInterval)
	cfg.PingInterval = mustDuration(c.Server.PingInterval)
	cfg.ReadTimeout = mustDuration(c.Server.ReadTimeout)
	cfg.WriteTimeout = mustDuration(c.Server.WriteTimeout)
	if c.Server.SendQueueSize > 0 {
		cfg.SendQueueSize = c.Server.SendQueueSize
	}
	if c.Server.MaxMessageSize > 0 {
		cfg.MaxMessageSize = c.Server.MaxMessageSize
	}
	if c.Auth.Secret != "" {
		cfg.AuthSecret = []byte(c.Auth.Secret)
	}
	cfg.TokenTTL = mustDuration(c.Auth.TokenTTL)
	return cfg
}

// SessionConfig converts the session section to a client configuration.
func (c *Config) SessionConfig() *collab.SessionConfig {
	cfg := collab.DefaultSessionConfig()
	cfg.HandshakeTimeout = mustDuration(c.Session.HandshakeTimeout)
	cfg.WriteTimeout = mustDuration(c.Session.WriteTimeout)
	cfg.Reconnect = collab.ReconnectPolicy{
		MaxAttempts: c.Session.Reconnect.MaxAttempts,
		BaseDelay:   mustDuration(c.Session.Reconnect.BaseDelay),
		MaxDelay:    mustDuration(c.Session.Reconnect.MaxDelay),
		Jitter:      c.Session.Reconnect.Jitter,
	}
	return cfg
}

// mustDuration parses a duration already checked by Validate.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q", s))
	}
	return d
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
