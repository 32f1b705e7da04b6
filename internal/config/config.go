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
	"github.com/spf13/viper"

	"github.com/michaelbrown/runbox/internal/logger"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

const (
	DriverDocker = "docker"
	DriverLocal  = "local"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type SandboxConfig struct {
	Driver          string         `mapstructure:"driver"`
	WorkspaceRoot   string         `mapstructure:"workspace_root"`
	DefaultLanguage string         `mapstructure:"default_language"`
	LanguagesFile   string         `mapstructure:"languages_file"`
	RunTimeout      time.Duration  `mapstructure:"run_timeout"`
	Policy          sandbox.Policy `mapstructure:"policy"`
}

type SessionConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	CleanupDelay time.Duration `mapstructure:"cleanup_delay"`
	ChunkSize    int           `mapstructure:"chunk_size"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Session SessionConfig `mapstructure:"session"`
	Storage StorageConfig `mapstructure:"storage"`
	Events  EventsConfig  `mapstructure:"events"`
	Log     logger.Config `mapstructure:"log"`
}

// Load reads configuration from path, or from runbox.yaml in the working
// directory or ~/.runbox when path is empty. A missing default file is not
// an error. Values from .env and RUNBOX_* environment variables override
// the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.runbox")
	}

	setDefaults(v)

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "RUNBOX_SERVER_PORT", "PORT"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	policy := sandbox.DefaultPolicy()

	v.SetDefault("server.port", 3000)

	v.SetDefault("sandbox.driver", DriverDocker)
	v.SetDefault("sandbox.workspace_root", filepath.Join(os.TempDir(), "runbox"))
	v.SetDefault("sandbox.default_language", "cpp")
	v.SetDefault("sandbox.languages_file", "")
	v.SetDefault("sandbox.run_timeout", 10*time.Second)
	v.SetDefault("sandbox.policy.max_memory", policy.MaxMemory)
	v.SetDefault("sandbox.policy.cpus", policy.CPUs)
	v.SetDefault("sandbox.policy.pids_limit", policy.PidsLimit)
	v.SetDefault("sandbox.policy.network", policy.Network)
	v.SetDefault("sandbox.policy.build_timeout", policy.BuildTimeout)

	v.SetDefault("session.drain_timeout", 2*time.Second)
	v.SetDefault("session.cleanup_delay", time.Second)
	v.SetDefault("session.chunk_size", 4096)

	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".runbox", "runbox.db"))

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject", "runbox.runs")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Sandbox.Driver {
	case DriverDocker, DriverLocal:
	default:
		return fmt.Errorf("sandbox.driver must be %q or %q, got %q", DriverDocker, DriverLocal, c.Sandbox.Driver)
	}
	if c.Sandbox.WorkspaceRoot == "" {
		return fmt.Errorf("sandbox.workspace_root is required")
	}
	if c.Sandbox.RunTimeout < 0 {
		return fmt.Errorf("sandbox.run_timeout must not be negative")
	}
	if c.Session.ChunkSize < 0 {
		return fmt.Errorf("session.chunk_size must not be negative")
	}
	return nil
}

// Languages returns the language table, including any definitions from
// sandbox.languages_file, and checks that the default language exists.
func (c *Config) Languages() (sandbox.Languages, error) {
	langs := sandbox.DefaultLanguages()
	if c.Sandbox.LanguagesFile != "" {
		var err error
		langs, err = sandbox.LoadLanguages(c.Sandbox.LanguagesFile)
		if err != nil {
			return nil, err
		}
	}
	if _, err := langs.Lookup(c.Sandbox.DefaultLanguage); err != nil {
		return nil, fmt.Errorf("sandbox.default_language: %w", err)
	}
	return langs, nil
}
