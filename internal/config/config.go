package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/conduit/internal/libvirt"
)

// EnvConfig names the environment variable consulted when no config path is given.
const EnvConfig = "CONDUIT_CONFIG"

const (
	DefaultTimeout     = 5 * time.Second
	DefaultAgentGrace  = 5 * time.Second
	DefaultLogLevel    = "info"
	DefaultMetricsPath = "/metrics"
)

// Config is the complete conduit configuration.
type Config struct {
	URI        string            `yaml:"uri"`
	Timeout    time.Duration     `yaml:"timeout"`
	AgentGrace time.Duration     `yaml:"agent_grace"`
	SSH        SSHConfig         `yaml:"ssh"`
	QMPSockets map[string]string `yaml:"qmp_sockets,omitempty"` // domain name -> QEMU monitor socket
	Log        LogConfig         `yaml:"log"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	API        APIConfig         `yaml:"api"`
}

// SSHConfig holds credentials for qemu+ssh URIs.
type SSHConfig struct {
	User                  string `yaml:"user,omitempty"`
	KeyFile               string `yaml:"key_file,omitempty"`
	KnownHosts            string `yaml:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key,omitempty"`
}

// LogConfig controls the logger built by internal/logging.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
	Path   string `yaml:"path"`
}

// APIConfig controls the HTTP proxy started by `conduit serve`.
type APIConfig struct {
	Listen string `yaml:"listen,omitempty"`
	Secret string `yaml:"secret,omitempty"` // compared against X-Conduit-Secret
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills defaults and tidies user input.
// This is called automatically by LoadFromYAML before validation.
func (c *Config) Normalize() {
	c.URI = strings.TrimSpace(c.URI)
	if c.URI == "" {
		c.URI = libvirt.DefaultURI
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.AgentGrace == 0 {
		c.AgentGrace = DefaultAgentGrace
	}

	c.SSH.KeyFile = expandHome(c.SSH.KeyFile)
	c.SSH.KnownHosts = expandHome(c.SSH.KnownHosts)

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks the configuration for errors.
// Does not check that sockets or hosts are reachable, only the structure.
func (c *Config) Validate() error {
	if _, err := libvirt.ParseURI(c.URI); err != nil {
		return fmt.Errorf("uri: %w", err)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.AgentGrace < 0 {
		return fmt.Errorf("agent_grace must be >= 0, got %v", c.AgentGrace)
	}

	for domain, path := range c.QMPSockets {
		if strings.TrimSpace(domain) == "" {
			return fmt.Errorf("qmp_sockets: empty domain name")
		}
		if !filepath.IsAbs(path) {
			return fmt.Errorf("qmp_sockets[%s]: socket path must be absolute, got %q", domain, path)
		}
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	if c.Metrics.Listen != "" {
		if err := validateListen(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen: %w", err)
		}
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	if c.API.Listen != "" {
		if err := validateListen(c.API.Listen); err != nil {
			return fmt.Errorf("api.listen: %w", err)
		}
	}

	return nil
}

// SSHOptions converts the ssh section for libvirt.Connect.
func (c *Config) SSHOptions() libvirt.SSHOptions {
	return libvirt.SSHOptions{
		User:                  c.SSH.User,
		KeyFile:               c.SSH.KeyFile,
		KnownHosts:            c.SSH.KnownHosts,
		InsecureIgnoreHostKey: c.SSH.InsecureIgnoreHostKey,
	}
}

// Load resolves the configuration path and loads it.
// An empty path falls back to $CONDUIT_CONFIG; with neither set the defaults
// are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFromFile(path)
}

// LoadFromFile loads a configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return LoadFromYAML(data)
}

// LoadFromYAML loads a configuration from YAML bytes. Unknown fields are
// rejected so typos surface instead of silently falling back to defaults.
func LoadFromYAML(data []byte) (*Config, error) {
	var c Config

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	c.Normalize()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &c, nil
}

func validateListen(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// expandHome replaces a leading ~/ with the user's home directory.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
