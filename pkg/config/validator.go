package config

import (
	"fmt"
	"slices"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

var validBootstrapRoles = []string{"guest", "agent", "expert", "system_admin"}

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateTopLevel(); err != nil {
		return err
	}
	if err := v.validateSpeedLayer(); err != nil {
		return err
	}
	if err := v.validateExpert(); err != nil {
		return err
	}
	if err := v.validateCORS(); err != nil {
		return err
	}
	if err := v.validateBounds(); err != nil {
		return err
	}
	if err := v.validateBootstrap(); err != nil {
		return err
	}
	return nil
}

func (v *ConfigValidator) validateTopLevel() error {
	c := v.cfg

	if c.DataDir == "" {
		return NewValidationError("", "data_dir", fmt.Errorf("data_dir is required"))
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return NewValidationError("", "http_port", fmt.Errorf("must be in 1..65535, got %d", c.HTTPPort))
	}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return NewValidationError("", "log_level", fmt.Errorf("must be one of %v, got %q", validLogLevels, c.LogLevel))
	}
	if c.MaxConcurrentSessionsPerAgent < 1 {
		return NewValidationError("", "max_concurrent_sessions_per_agent", fmt.Errorf("must be at least 1"))
	}
	if c.SessionIdleTimeout <= 0 {
		return NewValidationError("", "session_idle_timeout", fmt.Errorf("must be positive"))
	}
	if c.SessionAbsoluteTimeout <= 0 {
		return NewValidationError("", "session_absolute_timeout", fmt.Errorf("must be positive"))
	}
	if c.SessionIdleTimeout > c.SessionAbsoluteTimeout {
		return NewValidationError("", "session_idle_timeout", fmt.Errorf("must not exceed session_absolute_timeout"))
	}
	if c.SegmentMaxBytes < 4096 {
		return NewValidationError("", "segment_max_bytes", fmt.Errorf("must be at least 4096 bytes"))
	}
	return nil
}

func (v *ConfigValidator) validateSpeedLayer() error {
	sl := v.cfg.SpeedLayer

	if sl.PolicyDeadlineMs < 1 {
		return NewValidationError("speed_layer", "policy_deadline_ms", fmt.Errorf("must be at least 1"))
	}
	if sl.ExpertDeadlineMs < 1 {
		return NewValidationError("speed_layer", "expert_deadline_ms", fmt.Errorf("must be at least 1"))
	}
	if sl.MemoryCacheSize < 1 {
		return NewValidationError("speed_layer", "memory_cache_size", fmt.Errorf("must be at least 1"))
	}
	if sl.BreakerFailureRatio <= 0 || sl.BreakerFailureRatio > 1 {
		return NewValidationError("speed_layer", "breaker_failure_ratio", fmt.Errorf("must be in (0, 1], got %v", sl.BreakerFailureRatio))
	}
	if sl.BreakerMinRequests < 1 {
		return NewValidationError("speed_layer", "breaker_min_requests", fmt.Errorf("must be at least 1"))
	}
	return nil
}

func (v *ConfigValidator) validateExpert() error {
	e := v.cfg.Expert

	switch e.ConsensusN {
	case 1, 3, 5:
	default:
		return NewValidationError("expert", "consensus_n", fmt.Errorf("must be 1, 3, or 5, got %d", e.ConsensusN))
	}
	if e.TauApprove <= 0 || e.TauApprove > 1 {
		return NewValidationError("expert", "tau_approve", fmt.Errorf("must be in (0, 1], got %v", e.TauApprove))
	}
	if e.TauDeny <= 0 || e.TauDeny > 1 {
		return NewValidationError("expert", "tau_deny", fmt.Errorf("must be in (0, 1], got %v", e.TauDeny))
	}
	if e.SafetyMarginMs < 0 {
		return NewValidationError("expert", "safety_margin_ms", fmt.Errorf("must not be negative"))
	}
	if e.SafetyMarginMs >= v.cfg.SpeedLayer.ExpertDeadlineMs {
		return NewValidationError("expert", "safety_margin_ms",
			fmt.Errorf("must be smaller than speed_layer.expert_deadline_ms (%d)", v.cfg.SpeedLayer.ExpertDeadlineMs))
	}
	return nil
}

func (v *ConfigValidator) validateCORS() error {
	c := v.cfg.CORS

	for _, origin := range c.AllowOrigins {
		if origin == "" {
			return NewValidationError("cors", "allow_origins", fmt.Errorf("empty origin entry"))
		}
		// Credentialed wildcard is forbidden: a browser would otherwise send
		// cookies to any origin.
		if origin == "*" && c.AllowCredentials {
			return NewValidationError("cors", "allow_origins",
				fmt.Errorf("wildcard origin is forbidden when allow_credentials is set"))
		}
	}
	return nil
}

func (v *ConfigValidator) validateBounds() error {
	c := v.cfg

	if c.ShadowSearch.PageSize < 1 || c.ShadowSearch.PageSize > 1000 {
		return NewValidationError("shadow_search", "page_size", fmt.Errorf("must be in 1..1000, got %d", c.ShadowSearch.PageSize))
	}
	if c.Subscribe.Buffer < 1 {
		return NewValidationError("subscribe", "buffer", fmt.Errorf("must be at least 1"))
	}
	if c.Checkpoint.Interval < 1 {
		return NewValidationError("checkpoint", "interval", fmt.Errorf("must be at least 1"))
	}
	if c.Checkpoint.Retain < 1 {
		return NewValidationError("checkpoint", "retain", fmt.Errorf("must be at least 1"))
	}
	if c.RateLimit.PerAgentRPS <= 0 {
		return NewValidationError("rate_limit", "per_agent_rps", fmt.Errorf("must be positive"))
	}
	if c.RateLimit.Burst < 1 {
		return NewValidationError("rate_limit", "burst", fmt.Errorf("must be at least 1"))
	}
	return nil
}

func (v *ConfigValidator) validateBootstrap() error {
	b := v.cfg.Bootstrap
	if !b.Enabled() {
		return nil
	}

	if !slices.Contains(validBootstrapRoles, b.Role) {
		return NewValidationError("bootstrap", "role", fmt.Errorf("must be one of %v, got %q", validBootstrapRoles, b.Role))
	}
	if b.Credential == "" {
		return NewValidationError("bootstrap", "credential", fmt.Errorf("credential is required when agent_id is set"))
	}
	return nil
}
