package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rendis/deflow/internal/engine"
	"github.com/rendis/deflow/internal/scheduler"
	"github.com/rendis/deflow/internal/store"
	"github.com/rendis/deflow/pkg/schema"
)

// envPrefix prefixes every environment override, e.g. DEFLOW_POOL_SIZE.
const envPrefix = "DEFLOW"

// Config holds all deflow configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	LogLevel     string        `mapstructure:"log_level"`
	LogFormat    string        `mapstructure:"log_format"`
	DBPath       string        `mapstructure:"db_path"`
	PoolSize     int           `mapstructure:"pool_size"`
	NodeTimeout  time.Duration `mapstructure:"node_timeout"`
	MaxDepth     int           `mapstructure:"max_depth"`
	JoinMode     string        `mapstructure:"join_mode"`
	EnforceTiers bool          `mapstructure:"enforce_tiers"`
	DefaultTier  string        `mapstructure:"default_tier"`

	Retention struct {
		Max int           `mapstructure:"max"`
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"retention"`

	Protocol struct {
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
		APIKey  string        `mapstructure:"api_key"`
	} `mapstructure:"protocol"`

	Scheduler struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"scheduler"`

	MCP struct {
		HTTPAddr string `mapstructure:"http_addr"`
	} `mapstructure:"mcp"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("db_path", filepath.Join(deflowDir(), "deflow.db"))
	v.SetDefault("pool_size", engine.DefaultPoolSize)
	v.SetDefault("node_timeout", engine.DefaultNodeTimeout)
	v.SetDefault("max_depth", engine.DefaultMaxDepth)
	v.SetDefault("join_mode", string(engine.JoinNone))
	v.SetDefault("enforce_tiers", false)
	v.SetDefault("default_tier", string(schema.TierStandard))
	v.SetDefault("retention.max", store.DefaultMaxRetained)
	v.SetDefault("retention.ttl", store.DefaultTTL)
	v.SetDefault("protocol.base_url", "")
	v.SetDefault("protocol.timeout", 10*time.Second)
	v.SetDefault("protocol.api_key", "")
	v.SetDefault("scheduler.interval", scheduler.DefaultInterval)
	v.SetDefault("mcp.http_addr", "")
}

func deflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".deflow"
	}
	return filepath.Join(home, ".deflow")
}

func settingsPath() string {
	return filepath.Join(deflowDir(), "settings.json")
}

// newViper layers defaults, the settings file, DEFLOW_* env vars and flags.
// A missing default settings file is fine; a missing explicit one is not.
func newViper(cfgFile string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	explicit := cfgFile != ""
	if !explicit {
		cfgFile = settingsPath()
	}
	v.SetConfigFile(cfgFile)
	if filepath.Ext(cfgFile) == "" {
		v.SetConfigType("json")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// flagKeys maps flag names to the config keys they override.
var flagKeys = map[string]string{
	"log-level":     "log_level",
	"log-format":    "log_format",
	"db-path":       "db_path",
	"pool-size":     "pool_size",
	"node-timeout":  "node_timeout",
	"max-depth":     "max_depth",
	"join-mode":     "join_mode",
	"enforce-tiers": "enforce_tiers",
	"default-tier":  "default_tier",
	"protocol-url":  "protocol.base_url",
	"http-addr":     "mcp.http_addr",
}

// bindFlags binds every known flag in flags to its config key.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

// decodeConfig unmarshals and validates v.
func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var problems []string
	if c.PoolSize <= 0 {
		problems = append(problems, "pool_size must be positive")
	}
	if c.NodeTimeout <= 0 {
		problems = append(problems, "node_timeout must be positive")
	}
	if c.MaxDepth <= 0 {
		problems = append(problems, "max_depth must be positive")
	}
	if !engine.JoinMode(c.JoinMode).Valid() {
		problems = append(problems, fmt.Sprintf("unknown join_mode %q", c.JoinMode))
	}
	if !schema.SubscriptionTier(c.DefaultTier).Valid() {
		problems = append(problems, fmt.Sprintf("unknown default_tier %q", c.DefaultTier))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_format %q", c.LogFormat))
	}
	if len(problems) > 0 {
		return schema.NewError(schema.ErrCodeValidation, "invalid config: "+strings.Join(problems, "; "))
	}
	return nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // keys that only apply after a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.NodeTimeout != new.NodeTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "node_timeout")
	}
	if old.MaxDepth != new.MaxDepth {
		d.RestartNeeded = append(d.RestartNeeded, "max_depth")
	}
	if old.JoinMode != new.JoinMode {
		d.RestartNeeded = append(d.RestartNeeded, "join_mode")
	}
	if old.Protocol != new.Protocol {
		d.RestartNeeded = append(d.RestartNeeded, "protocol")
	}
	if old.MCP != new.MCP {
		d.RestartNeeded = append(d.RestartNeeded, "mcp.http_addr")
	}
	return d
}
