// Package config loads lighthouse settings from defaults, an optional config
// file, a dotenv file and LIGHTHOUSE_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name.
	AppName = "lighthouse"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "LIGHTHOUSE"
	// DefaultEnvFile is loaded when present.
	DefaultEnvFile = ".env"

	EngineNative = "native"
	EngineDocker = "docker"
)

type Config struct {
	Host        string          `mapstructure:"host"`
	Port        int             `mapstructure:"port"`
	Engine      string          `mapstructure:"engine"`
	StopTimeout time.Duration   `mapstructure:"stop_timeout"`
	Store       StoreConfig     `mapstructure:"store"`
	Containers  ContainerConfig `mapstructure:"containers"`
	Log         LogConfig       `mapstructure:"log"`
	Proxy       ProxyConfig     `mapstructure:"proxy"`
}

type StoreConfig struct {
	Root string `mapstructure:"root"`
}

type ContainerConfig struct {
	// Root holds per-instance filesystems and logs of the native launcher.
	Root string `mapstructure:"root"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ProxyConfig struct {
	// Domain enables routing of <container>.<domain> to running containers.
	Domain string `mapstructure:"domain"`
}

// Addr is the listen address of the API server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadOptions selects the files Load reads.
type LoadOptions struct {
	// ConfigFile is an explicit config file; it must exist. When empty,
	// lighthouse.yaml is looked up in the working and config directories.
	ConfigFile string
	// EnvFile is an explicit dotenv file; it must exist. When empty, .env is
	// loaded if present.
	EnvFile string
}

// DataDir returns $XDG_DATA_HOME/lighthouse, defaulting to
// ~/.local/share/lighthouse.
func DataDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", AppName), nil
}

// Default returns the configuration used when nothing overrides it.
func Default() (*Config, error) {
	data, err := DataDir()
	if err != nil {
		return nil, err
	}
	return &Config{
		Host:        "0.0.0.0",
		Port:        3000,
		Engine:      EngineNative,
		StopTimeout: 10 * time.Second,
		Store:       StoreConfig{Root: filepath.Join(data, "store")},
		Containers:  ContainerConfig{Root: filepath.Join(data, "containers")},
		Log:         LogConfig{Level: "info", Format: "text"},
	}, nil
}

// Load resolves the configuration.
func Load(opts LoadOptions) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	defaults, err := Default()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetDefault("host", defaults.Host)
	v.SetDefault("port", defaults.Port)
	v.SetDefault("engine", defaults.Engine)
	v.SetDefault("stop_timeout", defaults.StopTimeout)
	v.SetDefault("store.root", defaults.Store.Root)
	v.SetDefault("containers.root", defaults.Containers.Root)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	v.SetDefault("proxy.domain", defaults.Proxy.Domain)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, AppName))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnvFile exports the dotenv file into the process environment without
// overriding variables that are already set.
func loadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(DefaultEnvFile); err != nil {
			return nil
		}
		path = DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Engine {
	case EngineNative, EngineDocker:
	default:
		errs = append(errs, fmt.Errorf("unknown engine %q (want %s or %s)", c.Engine, EngineNative, EngineDocker))
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop_timeout must be positive"))
	}
	if c.Store.Root == "" {
		errs = append(errs, fmt.Errorf("store.root is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
