package config

import "time"

// Built-in defaults applied when the file leaves an option unset.
const (
	DefaultHTTPPort = 8080
	DefaultLogLevel = "info"

	DefaultMaxConcurrentSessionsPerAgent = 3
	DefaultSessionIdleTimeout            = 30 * time.Minute
	DefaultSessionAbsoluteTimeout        = 12 * time.Hour

	DefaultSegmentMaxBytes = int64(64 << 20)
)

// DefaultSpeedLayerConfig returns the built-in speed layer tuning
func DefaultSpeedLayerConfig() *SpeedLayerConfig {
	return &SpeedLayerConfig{
		PolicyDeadlineMs:    5,
		ExpertDeadlineMs:    30000,
		MemoryCacheSize:     4096,
		BreakerFailureRatio: 0.5,
		BreakerMinRequests:  5,
	}
}

// DefaultExpertConfig returns the built-in consensus tuning
func DefaultExpertConfig() *ExpertConfig {
	return &ExpertConfig{
		ConsensusN:     3,
		TauApprove:     0.6,
		TauDeny:        0.5,
		SafetyMarginMs: 500,
	}
}

// DefaultShadowSearchConfig returns the built-in search bound
func DefaultShadowSearchConfig() *ShadowSearchConfig {
	return &ShadowSearchConfig{
		PageSize: 50,
	}
}

// DefaultSubscribeConfig returns the built-in subscription tuning
func DefaultSubscribeConfig() *SubscribeConfig {
	return &SubscribeConfig{
		Buffer: 256,
	}
}

// DefaultCheckpointConfig returns the built-in checkpoint cadence
func DefaultCheckpointConfig() *CheckpointConfig {
	return &CheckpointConfig{
		Interval: 1000,
		Retain:   4,
	}
}

// DefaultRateLimitConfig returns the built-in per-agent rate gate
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		PerAgentRPS: 50,
		Burst:       100,
	}
}
