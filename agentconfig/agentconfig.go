// Package agentconfig loads the agent's configuration from environment
// variables into a small typed struct built by a constructor, rather
// than package-level globals read ad hoc throughout the program.
package agentconfig

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

const (
	defaultHost     = "ssh.homeland-social.com"
	defaultPort     = 2222
	defaultUser     = "default"
	defaultLogLevel = "DEBUG"
)

// Config holds the environment-derived settings that govern one agent
// process, per the contract's environment variables section.
type Config struct {
	SSHHost         string
	SSHPort         int
	SSHUser         string
	SSHKeyFile      string
	SSHHostKeysFile string
	LogLevel        slog.Level
}

// Load reads the agent's configuration from the environment, applying
// the contract's documented defaults.
func Load() (*Config, error) {
	port, err := intEnv("SSH_PORT", defaultPort)
	if err != nil {
		return nil, errors.Wrap(err, "parse SSH_PORT")
	}

	level, err := parseLogLevel(stringEnv("LOG_LEVEL", defaultLogLevel))
	if err != nil {
		return nil, errors.Wrap(err, "parse LOG_LEVEL")
	}

	return &Config{
		SSHHost:         stringEnv("SSH_HOST", defaultHost),
		SSHPort:         port,
		SSHUser:         stringEnv("SSH_USER", defaultUser),
		SSHKeyFile:      os.Getenv("SSH_KEY_FILE"),
		SSHHostKeysFile: os.Getenv("SSH_HOST_KEYS_FILE"),
		LogLevel:        level,
	}, nil
}

// Strict reports whether a known-hosts file was configured, switching
// the SSH session to strict host-key verification.
func (c *Config) Strict() bool {
	return c.SSHHostKeysFile != ""
}

func stringEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return level, nil
}
