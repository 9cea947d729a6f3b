package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ericselin/always-offline/deferred"
	routerules "github.com/ericselin/always-offline/pkg/route-rules"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "ALWAYS_OFFLINE_"

type Config struct {
	Origin string `yaml:"origin"`
	// Host header and TLS server name sent to the origin, if it differs from the origin URL.
	OriginHost string `yaml:"originHost"`
	Listen     string `yaml:"listen"`
	// SQLite file for partitions and deferred writes, "memory" for in-memory.
	DB string `yaml:"db"`

	// Partition version tag, e.g. "v2" gives static-v2, dynamic-v2 and quiz-v2.
	Version     string   `yaml:"version"`
	OfflinePage string   `yaml:"offlinePage"`
	Precache    []string `yaml:"precache"`

	// Strategy bindings by class name (static, page, quiz, api, other).
	Strategies map[string]StrategyConfig `yaml:"strategies"`
	Rules      routerules.Rules          `yaml:"rules"`
	Deferred   []DeferredRouteConfig     `yaml:"deferred"`
	Retry      deferred.RetryPolicy      `yaml:"retry"`
	Probe      ProbeConfig               `yaml:"probe"`
}

type StrategyConfig struct {
	Strategy  string        `yaml:"strategy"`
	Partition string        `yaml:"partition"`
	TTL       time.Duration `yaml:"ttl"`
}

type DeferredRouteConfig struct {
	Prefix  string   `yaml:"prefix"`
	Methods []string `yaml:"methods"`
	Tag     string   `yaml:"tag"`
}

type ProbeConfig struct {
	Path string `yaml:"path"`
	// Zero disables probing.
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// overlay holds the settings which can be given in the environment.
type overlay struct {
	Origin           string        `env:"ORIGIN"`
	OriginHost       string        `env:"ORIGIN_HOST"`
	Listen           string        `env:"LISTEN"`
	DB               string        `env:"DB"`
	Version          string        `env:"VERSION"`
	OfflinePage      string        `env:"OFFLINE_PAGE"`
	Precache         []string      `env:"PRECACHE" envSeparator:","`
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS"`
	RetryInitial     time.Duration `env:"RETRY_INITIAL_INTERVAL"`
	RetryMaxInterval time.Duration `env:"RETRY_MAX_INTERVAL"`
	ProbePath        string        `env:"PROBE_PATH"`
	ProbeInterval    time.Duration `env:"PROBE_INTERVAL"`
	ProbeTimeout     time.Duration `env:"PROBE_TIMEOUT"`
}

func Default() *Config {
	return &Config{
		Listen:      ":8080",
		DB:          "memory",
		Version:     "v1",
		OfflinePage: "/offline.html",
		Probe: ProbeConfig{
			Path:    "/",
			Timeout: 5 * time.Second,
		},
	}
}

// Load reads the YAML file at path, if given, and overlays the environment.
// Settings missing from both get their defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	var o overlay
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, v time.Duration) {
		if v != 0 {
			*dst = v
		}
	}
	set(&cfg.Origin, o.Origin)
	set(&cfg.OriginHost, o.OriginHost)
	set(&cfg.Listen, o.Listen)
	set(&cfg.DB, o.DB)
	set(&cfg.Version, o.Version)
	set(&cfg.OfflinePage, o.OfflinePage)
	set(&cfg.Probe.Path, o.ProbePath)
	if len(o.Precache) > 0 {
		cfg.Precache = o.Precache
	}
	if o.RetryMaxAttempts != 0 {
		cfg.Retry.MaxAttempts = o.RetryMaxAttempts
	}
	setDuration(&cfg.Retry.InitialInterval, o.RetryInitial)
	setDuration(&cfg.Retry.MaxInterval, o.RetryMaxInterval)
	setDuration(&cfg.Probe.Interval, o.ProbeInterval)
	setDuration(&cfg.Probe.Timeout, o.ProbeTimeout)
	return nil
}

func (cfg *Config) applyDefaults() {
	def := Default()
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if cfg.DB == "" {
		cfg.DB = def.DB
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.OfflinePage == "" {
		cfg.OfflinePage = def.OfflinePage
	}
	if cfg.Probe.Path == "" {
		cfg.Probe.Path = def.Probe.Path
	}
	if cfg.Probe.Timeout <= 0 {
		cfg.Probe.Timeout = def.Probe.Timeout
	}
}

// Validate checks the settings which cannot be defaulted.
// The origin may still be given later, e.g. as a flag.
func (cfg *Config) Validate() error {
	if cfg.Retry.MaxAttempts < 0 {
		return errors.New("retry max attempts cannot be negative")
	}
	for _, d := range cfg.Deferred {
		if d.Prefix == "" || d.Tag == "" {
			return fmt.Errorf("deferred route needs prefix and tag: %+v", d)
		}
		if _, ok := deferred.KindForTag(d.Tag); !ok {
			return fmt.Errorf("unknown deferred tag %q", d.Tag)
		}
	}
	return nil
}
