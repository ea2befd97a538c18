// Package config loads the layered YAML configuration for toolgate. A
// user-level file in ~/.toolgate/config.yaml is read first and the
// project-level .toolgate/config.yaml overrides it.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/toolgate/toolgate/errors"
	"gopkg.in/yaml.v3"
)

// ConnectMode controls how a server's connect failure is treated at startup.
type ConnectMode string

const (
	// ModeStrict makes a connect or discovery failure fatal for startup.
	ModeStrict ConnectMode = "strict"
	// ModeLenient degrades the single failing server without blocking the
	// rest of the system.
	ModeLenient ConnectMode = "lenient"
)

// ServerConfig describes one tool server connection.
type ServerConfig struct {
	Name      string      `yaml:"name"`
	Transport string      `yaml:"transport"` // process, http, http-stream
	Command   string      `yaml:"command"`
	Args      []string    `yaml:"args"`
	Env       []string    `yaml:"env"`
	URL       string      `yaml:"url"`
	TimeoutMs int         `yaml:"timeout_ms"`
	Mode      ConnectMode `yaml:"mode"`

	// ApproveTools lists doublestar patterns; discovered tools whose names
	// match any pattern are flagged as requiring human approval.
	ApproveTools []string `yaml:"approve_tools"`
}

// Timeout returns the per-connection timeout, defaulting to 30s.
func (s ServerConfig) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// ApprovalConfig tunes the approval broker and the gateway's dangerous
// command policy.
type ApprovalConfig struct {
	TimeoutMs   int `yaml:"timeout_ms"`
	RetentionMs int `yaml:"retention_ms"`

	// DangerousCommands are regular expressions; a command string matching
	// any of them forces a command_confirmation even when the tool itself
	// is already approved.
	DangerousCommands []string `yaml:"dangerous_commands"`

	// ProtectedPaths are doublestar patterns; a path argument matching any
	// of them forces a tool_confirmation.
	ProtectedPaths []string `yaml:"protected_paths"`
}

// Timeout returns the default approval timeout, defaulting to 60s.
func (a ApprovalConfig) Timeout() time.Duration {
	if a.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// Retention returns how long resolved approvals are kept before garbage
// collection, defaulting to 5 minutes.
func (a ApprovalConfig) Retention() time.Duration {
	if a.RetentionMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.RetentionMs) * time.Millisecond
}

// FilesystemAccess restricts what the built-in filesystem tools may touch.
type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// AgentConfig names a remote agent endpoint for task delegation.
type AgentConfig struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	Servers          []ServerConfig   `yaml:"servers"`
	Approval         ApprovalConfig   `yaml:"approval"`
	AllowedCommands  []string         `yaml:"allowed_commands"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access"`
	Agents           []AgentConfig    `yaml:"agents"`
}

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// Default .toolgate directory to be hidden from the filesystem tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, ".toolgate", ".toolgate/**")

	// Load user-level config first
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".toolgate", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Load project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".toolgate", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML. This provides a
	// simple merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}

// GetServer finds a server configuration by name.
func (c *Config) GetServer(name string) (*ServerConfig, error) {
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i], nil
		}
	}
	return nil, errors.New("server '%s' not found in configuration", name)
}

// GetAgent finds a delegation agent endpoint by name.
func (c *Config) GetAgent(name string) (*AgentConfig, error) {
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i], nil
		}
	}
	return nil, errors.New("agent '%s' not found in configuration", name)
}
