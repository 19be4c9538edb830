package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Node    NodeConfig    `toml:"node"`
	Storage StorageConfig `toml:"storage"`
	Server  ServerConfig  `toml:"server"`
	Logging LoggingConfig `toml:"logging"`
}

type NodeConfig struct {
	Name    string `toml:"name"`
	DataDir string `toml:"data_dir"`
}

type StorageConfig struct {
	// Backend selects the persistent image implementation:
	// "file", "bolt", or "memory" (memory does not survive restarts;
	// useful for scratch runs only).
	Backend string `toml:"backend"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "votekeep"
	}
	return &Config{
		Node: NodeConfig{
			Name:    hostname,
			DataDir: "~/.votekeep",
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:7654",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML config file and returns the parsed Config.
// If path is empty, the default location is tried; when absent, plain
// defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = expandHome("~/.votekeep/config.toml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Validate checks every field and reports all problems at once, each
// prefixed with its config path (e.g. "server.listen").
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Node.DataDir) == "" {
		errs = append(errs, errors.New("node.data_dir: must not be empty"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Backend)) {
	case "file", "bolt", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q (want file, bolt, or memory)", c.Storage.Backend))
	}

	if c.Server.Listen != "" {
		if err := validateListenAddr(c.Server.Listen); err != nil {
			errs = append(errs, fmt.Errorf("server.listen: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q (want text or json)", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func validateListenAddr(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errors.New("address must not be empty")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("invalid listen address %q: empty host", addr)
	}
	if port == "" {
		return fmt.Errorf("invalid listen address %q: empty port", addr)
	}
	return nil
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
