package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the single configuration file Lighthouse reads.
const ConfigFileName = "lighthouse.yaml"

// lighthouseYAML mirrors the raw file structure. Durations are strings here
// and parsed during resolution; every other field decodes into its resolved
// section type directly.
type lighthouseYAML struct {
	DataDir    string `yaml:"data_dir"`
	AuthSecret string `yaml:"auth_secret"`
	HTTPPort   *int   `yaml:"http_port"`
	LogLevel   string `yaml:"log_level"`

	MaxConcurrentSessionsPerAgent *int   `yaml:"max_concurrent_sessions_per_agent"`
	SessionIdleTimeout            string `yaml:"session_idle_timeout"`
	SessionAbsoluteTimeout        string `yaml:"session_absolute_timeout"`

	SegmentMaxBytes *int64 `yaml:"segment_max_bytes"`
	PolicyRulesPath string `yaml:"policy_rules_path"`

	SpeedLayer   *SpeedLayerConfig   `yaml:"speed_layer"`
	Expert       *ExpertConfig       `yaml:"expert"`
	CORS         *CORSConfig         `yaml:"cors"`
	ShadowSearch *ShadowSearchConfig `yaml:"shadow_search"`
	Subscribe    *SubscribeConfig    `yaml:"subscribe"`
	Checkpoint   *CheckpointConfig   `yaml:"checkpoint"`
	RateLimit    *RateLimitConfig    `yaml:"rate_limit"`
	Bootstrap    *BootstrapConfig    `yaml:"bootstrap"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load lighthouse.yaml from configDir (strict: unknown options fail)
//  2. Expand environment variables
//  3. Merge file values over built-in defaults
//  4. Validate the resolved configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"data_dir", cfg.DataDir,
		"http_port", cfg.HTTPPort,
		"consensus_n", cfg.Expert.ConsensusN,
		"page_size", cfg.ShadowSearch.PageSize)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	raw, err := loader.loadLighthouseYAML()
	if err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}

	cfg := &Config{
		configDir:  configDir,
		DataDir:    raw.DataDir,
		AuthSecret: raw.AuthSecret,
		HTTPPort:   DefaultHTTPPort,
		LogLevel:   DefaultLogLevel,

		MaxConcurrentSessionsPerAgent: DefaultMaxConcurrentSessionsPerAgent,
		SessionIdleTimeout:            DefaultSessionIdleTimeout,
		SessionAbsoluteTimeout:        DefaultSessionAbsoluteTimeout,

		SegmentMaxBytes: DefaultSegmentMaxBytes,
		PolicyRulesPath: raw.PolicyRulesPath,
	}

	if raw.HTTPPort != nil {
		cfg.HTTPPort = *raw.HTTPPort
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(raw.LogLevel)
	}
	if raw.MaxConcurrentSessionsPerAgent != nil {
		cfg.MaxConcurrentSessionsPerAgent = *raw.MaxConcurrentSessionsPerAgent
	}
	if raw.SegmentMaxBytes != nil {
		cfg.SegmentMaxBytes = *raw.SegmentMaxBytes
	}

	if cfg.SessionIdleTimeout, err = resolveDuration(
		"session_idle_timeout", raw.SessionIdleTimeout, DefaultSessionIdleTimeout); err != nil {
		return nil, err
	}
	if cfg.SessionAbsoluteTimeout, err = resolveDuration(
		"session_absolute_timeout", raw.SessionAbsoluteTimeout, DefaultSessionAbsoluteTimeout); err != nil {
		return nil, err
	}

	// Merge file sections over built-in defaults; unset fields keep defaults.
	cfg.SpeedLayer, err = mergeSection(DefaultSpeedLayerConfig(), raw.SpeedLayer)
	if err != nil {
		return nil, err
	}
	cfg.Expert, err = mergeSection(DefaultExpertConfig(), raw.Expert)
	if err != nil {
		return nil, err
	}
	cfg.ShadowSearch, err = mergeSection(DefaultShadowSearchConfig(), raw.ShadowSearch)
	if err != nil {
		return nil, err
	}
	cfg.Subscribe, err = mergeSection(DefaultSubscribeConfig(), raw.Subscribe)
	if err != nil {
		return nil, err
	}
	cfg.Checkpoint, err = mergeSection(DefaultCheckpointConfig(), raw.Checkpoint)
	if err != nil {
		return nil, err
	}
	cfg.RateLimit, err = mergeSection(DefaultRateLimitConfig(), raw.RateLimit)
	if err != nil {
		return nil, err
	}

	if raw.CORS != nil {
		cfg.CORS = *raw.CORS
	}
	if raw.Bootstrap != nil {
		cfg.Bootstrap = *raw.Bootstrap
	}

	return cfg, nil
}

// mergeSection overlays the user-provided section onto its defaults.
// Non-zero user values win; nil sections keep defaults untouched.
func mergeSection[T any](defaults *T, user *T) (T, error) {
	if user != nil {
		if err := mergo.Merge(defaults, user, mergo.WithOverride); err != nil {
			var zero T
			return zero, fmt.Errorf("failed to merge config section: %w", err)
		}
	}
	return *defaults, nil
}

// resolveDuration parses a duration option, keeping the default when unset
func resolveDuration(field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, NewValidationError("", field, fmt.Errorf("invalid duration %q: %v", value, err))
	}
	return d, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

// loadLighthouseYAML reads and strictly decodes the configuration file.
// Unknown options are a startup failure, not a warning.
func (l *configLoader) loadLighthouseYAML() (*lighthouseYAML, error) {
	path := filepath.Join(l.configDir, ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax before parse.
	data = ExpandEnv(data)

	var config lighthouseYAML
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file: every option takes its default; required options
			// are caught by validation.
			return &config, nil
		}
		if strings.Contains(err.Error(), "not found in type") {
			return nil, fmt.Errorf("%w: %v", ErrUnknownOption, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &config, nil
}
