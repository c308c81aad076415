// Package config loads, validates, and exposes the Lighthouse configuration.
// Options are read from lighthouse.yaml in the config directory; unknown
// options fail startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the fully resolved runtime configuration
type Config struct {
	configDir string

	// DataDir is the root of the persisted layout (log/, index/,
	// checkpoints/, keys/).
	DataDir string
	// AuthSecret is the process-wide HMAC secret. Empty here means the
	// secret is provisioned out-of-band under <data_dir>/keys/auth.key.
	AuthSecret string
	HTTPPort   int
	LogLevel   string

	MaxConcurrentSessionsPerAgent int
	SessionIdleTimeout            time.Duration
	SessionAbsoluteTimeout        time.Duration

	SegmentMaxBytes int64
	PolicyRulesPath string

	SpeedLayer   SpeedLayerConfig
	Expert       ExpertConfig
	CORS         CORSConfig
	ShadowSearch ShadowSearchConfig
	Subscribe    SubscribeConfig
	Checkpoint   CheckpointConfig
	RateLimit    RateLimitConfig
	Bootstrap    BootstrapConfig
}

// SpeedLayerConfig tunes the tiered command classifier
type SpeedLayerConfig struct {
	// PolicyDeadlineMs bounds tier-2 rule evaluation.
	PolicyDeadlineMs int `yaml:"policy_deadline_ms"`
	// ExpertDeadlineMs is the overall budget handed to an escalation.
	ExpertDeadlineMs int `yaml:"expert_deadline_ms"`
	MemoryCacheSize  int `yaml:"memory_cache_size"`
	// ClassifierURL points at the external pattern classifier. Empty
	// disables tier 3.
	ClassifierURL string `yaml:"classifier_url"`
	// BreakerFailureRatio opens the escalation circuit once this share of
	// recent escalations has failed.
	BreakerFailureRatio float64 `yaml:"breaker_failure_ratio"`
	// BreakerMinRequests is the sample size required before the ratio is
	// considered at all.
	BreakerMinRequests int `yaml:"breaker_min_requests"`
}

// ExpertConfig tunes delegation and consensus
type ExpertConfig struct {
	// ConsensusN is the number of experts selected per delegation (1, 3, or 5).
	ConsensusN int `yaml:"consensus_n"`
	// TauApprove is the minimum confidence for an approval to count.
	TauApprove float64 `yaml:"tau_approve"`
	// TauDeny is the minimum confidence for a single deny to conclude the vote.
	TauDeny        float64 `yaml:"tau_deny"`
	SafetyMarginMs int     `yaml:"safety_margin_ms"`
}

// CORSConfig restricts cross-origin access. A wildcard origin combined with
// credentials is rejected at validation.
type CORSConfig struct {
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// ShadowSearchConfig bounds shadow-tree searches
type ShadowSearchConfig struct {
	PageSize int `yaml:"page_size"`
}

// SubscribeConfig tunes event subscriptions
type SubscribeConfig struct {
	// Buffer is the per-subscriber pending queue bound; exceeding it drops
	// the subscriber as lagging.
	Buffer int `yaml:"buffer"`
}

// CheckpointConfig tunes projection checkpointing
type CheckpointConfig struct {
	// Interval is the number of events between checkpoints.
	Interval uint64 `yaml:"interval"`
	// Retain is how many checkpoint files are kept.
	Retain int `yaml:"retain"`
}

// RateLimitConfig gates append and validate per agent
type RateLimitConfig struct {
	PerAgentRPS float64 `yaml:"per_agent_rps"`
	Burst       int     `yaml:"burst"`
}

// BootstrapConfig seeds the first identity on an empty store. All fields
// must be set together or the section is ignored.
type BootstrapConfig struct {
	AgentID    string `yaml:"agent_id"`
	Role       string `yaml:"role"`
	Credential string `yaml:"credential"`
}

// Enabled reports whether a bootstrap identity is configured
func (b BootstrapConfig) Enabled() bool {
	return b.AgentID != ""
}

// ConfigDir returns the directory the configuration was loaded from
func (c *Config) ConfigDir() string {
	return c.configDir
}

// PolicyDeadline returns the tier-2 deadline as a duration
func (c *Config) PolicyDeadline() time.Duration {
	return time.Duration(c.SpeedLayer.PolicyDeadlineMs) * time.Millisecond
}

// ExpertDeadline returns the escalation budget as a duration
func (c *Config) ExpertDeadline() time.Duration {
	return time.Duration(c.SpeedLayer.ExpertDeadlineMs) * time.Millisecond
}

// SafetyMargin returns the coordinator's deadline safety margin
func (c *Config) SafetyMargin() time.Duration {
	return time.Duration(c.Expert.SafetyMarginMs) * time.Millisecond
}

// ResolveAuthSecret returns the HMAC secret, preferring the auth_secret
// option and falling back to <data_dir>/keys/auth.key. The keys directory is
// provisioned out-of-band and never written by the core.
func (c *Config) ResolveAuthSecret() ([]byte, error) {
	if c.AuthSecret != "" {
		return []byte(c.AuthSecret), nil
	}
	keyPath := filepath.Join(c.DataDir, "keys", "auth.key")
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: auth_secret not configured and %s unreadable: %v",
			ErrSecretUnavailable, keyPath, err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrSecretUnavailable, keyPath)
	}
	return []byte(secret), nil
}
