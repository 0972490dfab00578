package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSecurityConfig is returned when a SecurityConfig cannot be enforced.
var ErrInvalidSecurityConfig = errors.New("invalid security config")

// SecurityConfig holds the read-only limits for one session.
type SecurityConfig struct {
	HeartbeatIntervalMs int64 `json:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int64 `json:"heartbeat_timeout_ms"`
	MaxTimeOutsideMs    int64 `json:"max_time_outside_ms"`
	MaxViolations       int   `json:"max_violations"`
	MaxMissedHeartbeats int   `json:"max_missed_heartbeats"`
	// WarningThresholds are ascending violation counts at which a warning is surfaced.
	WarningThresholds []int `json:"warning_thresholds"`
}

// DefaultSecurityConfig returns the limits used when the server supplies none.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		HeartbeatIntervalMs: 30000,
		HeartbeatTimeoutMs:  10000,
		MaxTimeOutsideMs:    300000,
		MaxViolations:       5,
		MaxMissedHeartbeats: 3,
		WarningThresholds:   []int{1, 3},
	}
}

// Validate rejects configurations the monitor cannot honour.
func (c SecurityConfig) Validate() error {
	if c.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidSecurityConfig)
	}
	if c.HeartbeatTimeoutMs <= 0 || c.HeartbeatTimeoutMs >= c.HeartbeatIntervalMs {
		return fmt.Errorf("%w: heartbeat timeout %dms must be positive and shorter than interval %dms",
			ErrInvalidSecurityConfig, c.HeartbeatTimeoutMs, c.HeartbeatIntervalMs)
	}
	if c.MaxTimeOutsideMs <= 0 {
		return fmt.Errorf("%w: max time outside must be positive", ErrInvalidSecurityConfig)
	}
	if c.MaxViolations <= 0 {
		return fmt.Errorf("%w: max violations must be positive", ErrInvalidSecurityConfig)
	}
	if c.MaxMissedHeartbeats <= 0 {
		return fmt.Errorf("%w: max missed heartbeats must be positive", ErrInvalidSecurityConfig)
	}
	prev := 0
	for _, t := range c.WarningThresholds {
		if t <= prev {
			return fmt.Errorf("%w: warning thresholds must be strictly ascending and positive",
				ErrInvalidSecurityConfig)
		}
		prev = t
	}
	return nil
}

func (c SecurityConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c SecurityConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

func (c SecurityConfig) MaxTimeOutside() time.Duration {
	return time.Duration(c.MaxTimeOutsideMs) * time.Millisecond
}
