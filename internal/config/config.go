package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "capline.yml"

type Config struct {
	Catalog struct {
		Path   string `yaml:"path"`
		Strict bool   `yaml:"strict"`
	} `yaml:"catalog"`
	Execution struct {
		Shell           string        `yaml:"shell"`
		DefaultTimeout  time.Duration `yaml:"default_timeout"`
		KillGrace       time.Duration `yaml:"kill_grace"`
		PartialOnStderr bool          `yaml:"partial_on_stderr"`
		PreviewLength   int           `yaml:"preview_length"`
		Elevation       string        `yaml:"elevation"`
		WorkDir         string        `yaml:"workdir"`
	} `yaml:"execution"`
	Preflight struct {
		OptimisticNotRunning bool     `yaml:"optimistic_not_running"`
		AppDirs              []string `yaml:"app_dirs"`
	} `yaml:"preflight"`
	Logs struct {
		InlineThreshold int    `yaml:"inline_threshold"`
		OutputDir       string `yaml:"output_dir"`
		ExportDir       string `yaml:"export_dir"`
		RetentionDays   int    `yaml:"retention_days"`
	} `yaml:"logs"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with capl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Catalog.Path) == "" {
		return fmt.Errorf("config.catalog.path is required")
	}
	if strings.TrimSpace(c.Execution.Shell) == "" {
		return fmt.Errorf("config.execution.shell is required")
	}
	if c.Execution.DefaultTimeout <= 0 {
		return fmt.Errorf("config.execution.default_timeout must be positive")
	}
	if c.Execution.KillGrace < 0 {
		return fmt.Errorf("config.execution.kill_grace must not be negative")
	}
	if c.Execution.PreviewLength <= 0 {
		return fmt.Errorf("config.execution.preview_length must be positive")
	}
	switch c.Execution.Elevation {
	case "sudo", "none":
	default:
		return fmt.Errorf("config.execution.elevation must be 'sudo' or 'none'")
	}
	if c.Logs.InlineThreshold <= 0 {
		return fmt.Errorf("config.logs.inline_threshold must be positive")
	}
	if c.Logs.RetentionDays < 0 {
		return fmt.Errorf("config.logs.retention_days must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("config.log.format %q is not one of text, json, logfmt", c.Log.Format)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Resolve makes a workspace-relative path absolute. Empty stays empty.
func Resolve(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

func (c *Config) CatalogPath(workspace string) string {
	return Resolve(workspace, c.Catalog.Path)
}

// RetentionCutoff returns the prune cutoff implied by logs.retention_days, or zero when records are kept forever.
func (c *Config) RetentionCutoff(now time.Time) time.Time {
	if c.Logs.RetentionDays <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -c.Logs.RetentionDays)
}

func GenerateDefault() string {
	return defaultTemplate
}

func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `catalog:
  path: catalog.yml
  strict: false

execution:
  shell: /bin/sh
  default_timeout: 5m
  # time between SIGTERM and SIGKILL when a run times out or is cancelled
  kill_grace: 2s
  partial_on_stderr: true
  preview_length: 500
  # sudo wraps privileged capabilities in "sudo -n"; none disables privileged mode.
  elevation: sudo
  workdir: ""

preflight:
  # Treat an automation target that is not running as permitted.
  optimistic_not_running: true
  app_dirs: []

logs:
  inline_threshold: 10240
  output_dir: ""
  export_dir: ""
  # 0 keeps every record.
  retention_days: 0

log:
  level: info
  format: text

server:
  addr: 127.0.0.1:8787
  base_path: /v0
`
