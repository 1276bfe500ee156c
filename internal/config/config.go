// Package config loads pipewarden settings from a YAML file and PIPEWARDEN_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"pipewarden/internal/artifact"
	"pipewarden/internal/credentials"
	"pipewarden/internal/notify"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// nesting levels: PIPEWARDEN_RUN__GRACE_PERIOD=30s sets run.grace_period.
const EnvPrefix = "PIPEWARDEN_"

// DefaultFile is read when no config path is given. Its absence is fine.
const DefaultFile = "pipewarden.yaml"

type Config struct {
	Server      ServerConfig            `koanf:"server"`
	Run         RunConfig               `koanf:"run"`
	Ledger      LedgerConfig            `koanf:"ledger"`
	Vault       credentials.VaultConfig `koanf:"vault"`
	Credentials CredentialsConfig       `koanf:"credentials"`
	Artifacts   ArtifactsConfig         `koanf:"artifacts"`
	Notify      notify.WebhookConfig    `koanf:"notify"`
	DynamicScan DynamicScanConfig       `koanf:"dynamic_scan"`
	Container   ContainerConfig         `koanf:"container"`
	Log         LogConfig               `koanf:"log"`
	Telemetry   TelemetryConfig         `koanf:"telemetry"`
	Agent       AgentConfig             `koanf:"agent"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ApprovalTimeout time.Duration `koanf:"approval_timeout"`
	MaxConcurrent   int           `koanf:"max_concurrent"`
}

type RunConfig struct {
	GlobalTimeout     time.Duration `koanf:"global_timeout"`
	GracePeriod       time.Duration `koanf:"grace_period"`
	PostActionTimeout time.Duration `koanf:"post_action_timeout"`
	WorkspaceDir      string        `koanf:"workspace_dir"`
	LogDir            string        `koanf:"log_dir"`
}

type LedgerConfig struct {
	Path   string `koanf:"path"`
	KeyDir string `koanf:"key_dir"`
}

type CredentialsConfig struct {
	// Default is the scheme used for identifiers without one: vault, env or file.
	Default   string `koanf:"default"`
	EnvPrefix string `koanf:"env_prefix"`
	FileDir   string `koanf:"file_dir"`
}

type ArtifactsConfig struct {
	Backend string            `koanf:"backend"` // fs | s3
	FS      FSConfig          `koanf:"fs"`
	S3      artifact.S3Config `koanf:"s3"`
}

type FSConfig struct {
	BasePath string `koanf:"base_path"`
}

type DynamicScanConfig struct {
	TargetURL string `koanf:"target_url"`
}

type ContainerConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Platform    string `koanf:"platform"`
	NetworkMode string `koanf:"network_mode"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug | info | warn | error
	Format string `koanf:"format"` // text | json
}

type TelemetryConfig struct {
	Enabled bool   `koanf:"enabled"`
	Output  string `koanf:"output"` // file path; empty writes to stderr
}

type AgentConfig struct {
	URL   string `koanf:"url"`
	Port  int    `koanf:"port"`
	Token string `koanf:"token"`
}

var defaults = map[string]any{
	"server.port":             8080,
	"server.approval_timeout": "24h",
	"server.max_concurrent":   4,
	"run.global_timeout":      "1h",
	"run.grace_period":        "10s",
	"run.post_action_timeout": "5m",
	"run.workspace_dir":       ".pipewarden/workspaces",
	"run.log_dir":             ".pipewarden/logs",
	"ledger.path":             ".pipewarden/ledger.jsonl",
	"ledger.key_dir":          ".pipewarden/keys",
	"credentials.default":     "env",
	"credentials.file_dir":    "/run/secrets",
	"artifacts.backend":       "fs",
	"artifacts.fs.base_path":  ".pipewarden/artifacts",
	"artifacts.s3.region":     "us-east-1",
	"container.enabled":       true,
	"log.level":               "info",
	"log.format":              "text",
	"agent.port":              8081,
	"notify.username":         "pipewarden",
}

// Load reads path (or DefaultFile when path is empty), then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, val); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have a closed set of options.
func (c *Config) Validate() error {
	switch c.Artifacts.Backend {
	case "fs", "s3":
	default:
		return fmt.Errorf("artifacts.backend must be fs or s3, got %q", c.Artifacts.Backend)
	}
	if c.Artifacts.Backend == "s3" && c.Artifacts.S3.Bucket == "" {
		return errors.New("artifacts.s3.bucket is required for the s3 backend")
	}
	switch c.Credentials.Default {
	case "env", "file", "vault":
	default:
		return fmt.Errorf("credentials.default must be env, file or vault, got %q", c.Credentials.Default)
	}
	if c.Credentials.Default == "vault" && c.Vault.Address == "" {
		return errors.New("vault.address is required when vault is the default credential scheme")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Run.GracePeriod < 0 || c.Run.GlobalTimeout < 0 {
		return errors.New("run timeouts must not be negative")
	}
	return nil
}
