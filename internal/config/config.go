package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultOutputDir is the artifact tree location before any architecture
// adjustment.
const DefaultOutputDir = "mpy_xtensa"

// candidatePaths are tried in order when no explicit config path is given.
var candidatePaths = []string{"prepare.json", "src/prepare.json"}

// Config represents the complete build and deploy configuration.
type Config struct {
	Description string       `json:"description" yaml:"description"`
	Modules     []string     `json:"modules" yaml:"modules"`
	CopyOnly    []string     `json:"copy_only" yaml:"copy_only"`
	Submodules  []string     `json:"submodules" yaml:"submodules"`
	Command     string       `json:"command" yaml:"command"`
	Deploy      DeployConfig `json:"deploy" yaml:"deploy"`
}

// DeployConfig configures the device transfer target.
type DeployConfig struct {
	Host        string   `json:"host" yaml:"host"`
	Port        int      `json:"port" yaml:"port"`
	Password    string   `json:"password" yaml:"password"`
	Device      string   `json:"device" yaml:"device"`
	UseWebREPL  bool     `json:"use_webrepl" yaml:"use_webrepl"`
	AutoReset   bool     `json:"auto_reset" yaml:"auto_reset"`
	CleanDeploy bool     `json:"clean_deploy" yaml:"clean_deploy"`
	CustomClean []string `json:"custom_clean" yaml:"custom_clean"`
}

// defaultConfig returns the configuration defaults that apply when the
// file omits a field.
func defaultConfig() Config {
	return Config{
		Deploy: DeployConfig{
			Host:      "micropython.local",
			Port:      8266,
			AutoReset: true,
		},
	}
}

// Load reads and parses the configuration file. When path is empty the
// candidate locations are searched in order; no readable candidate is a
// fatal configuration error.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(os.ExpandEnv(path))
	}

	for _, candidate := range candidatePaths {
		if _, err := os.Stat(candidate); err == nil {
			return loadFile(candidate)
		}
	}

	return nil, fmt.Errorf("no configuration file found (tried %s)", strings.Join(candidatePaths, ", "))
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()

	// The canonical format is JSON; YAML is accepted by extension.
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.expandEnv()
	cfg.applyEnvFallbacks()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in string fields.
func (c *Config) expandEnv() {
	c.Command = os.ExpandEnv(c.Command)
	c.Deploy.Host = os.ExpandEnv(c.Deploy.Host)
	c.Deploy.Password = os.ExpandEnv(c.Deploy.Password)
	c.Deploy.Device = os.ExpandEnv(c.Deploy.Device)
	for i, sub := range c.Submodules {
		c.Submodules[i] = os.ExpandEnv(sub)
	}
}

// applyEnvFallbacks fills deploy credentials from the environment when the
// config file leaves them empty.
func (c *Config) applyEnvFallbacks() {
	if c.Deploy.Password == "" {
		c.Deploy.Password = os.Getenv("WEBREPL_PASSWORD")
	}
	if c.Deploy.Device == "" {
		c.Deploy.Device = os.Getenv("MPREMOTE_DEVICE")
	}
}

// Validate checks the configuration for errors. It runs before any
// mutation; a validation failure aborts the run.
func (c *Config) Validate() error {
	if len(c.Modules) == 0 && len(c.CopyOnly) == 0 {
		return fmt.Errorf("at least one of modules or copy_only must be configured")
	}

	if len(c.Modules) > 0 && c.Command == "" {
		return fmt.Errorf("command is required when modules are configured")
	}

	for _, module := range append(append([]string{}, c.Modules...), c.CopyOnly...) {
		if filepath.IsAbs(module) {
			return fmt.Errorf("module paths must be relative: %s", module)
		}
	}

	if c.Deploy.Port < 1 || c.Deploy.Port > 65535 {
		return fmt.Errorf("deploy.port out of range: %d", c.Deploy.Port)
	}

	return nil
}

// archPattern extracts the target architecture marker from the compiler
// invocation template.
var archPattern = regexp.MustCompile(`-march=([A-Za-z0-9_]+)`)

// Arch returns the target architecture declared in the compiler command,
// or an empty string when the command carries no marker.
func (c *Config) Arch() string {
	m := archPattern.FindStringSubmatch(c.Command)
	if m == nil {
		return ""
	}
	return m[1]
}

// OutputDir adjusts the default output directory to the configured
// architecture. Explicitly chosen directories are never rewritten.
func (c *Config) OutputDir(base string) string {
	arch := c.Arch()
	if base == DefaultOutputDir && arch != "" && arch != "xtensa" {
		return "mpy_" + arch
	}
	return base
}

// FallbackRoots returns the ordered source lookup roots derived from the
// configured submodules. Each submodule contributes its src subdirectory.
func (c *Config) FallbackRoots() []string {
	roots := make([]string, 0, len(c.Submodules))
	for _, sub := range c.Submodules {
		roots = append(roots, filepath.Join(sub, "src"))
	}
	return roots
}
