/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"

	"github.com/acronis/go-appkit/config"
)

// ConcurrencyLimiterConfig represents a configuration of ConcurrencyLimiter.
type ConcurrencyLimiterConfig struct {
	// PermitLimit is the maximum number of permits that can be held concurrently.
	PermitLimit int `mapstructure:"permitLimit" yaml:"permitLimit" json:"permitLimit"`

	// QueueLimit is the maximum total number of permits that queued acquisitions
	// may be waiting for. Zero disables queuing.
	QueueLimit int `mapstructure:"queueLimit" yaml:"queueLimit" json:"queueLimit"`

	// QueueProcessingOrder determines the order in which queued acquisitions are
	// served. Empty value means QueueProcessingOrderOldestFirst.
	QueueProcessingOrder QueueProcessingOrder `mapstructure:"queueProcessingOrder" yaml:"queueProcessingOrder" json:"queueProcessingOrder"`
}

// Validate validates the configuration.
func (c *ConcurrencyLimiterConfig) Validate() error {
	if c.PermitLimit <= 0 {
		return fmt.Errorf("permit limit should be positive, got %d", c.PermitLimit)
	}
	if c.QueueLimit < 0 {
		return fmt.Errorf("queue limit should not be negative, got %d", c.QueueLimit)
	}
	return c.QueueProcessingOrder.Validate()
}

// TokenBucketLimiterConfig represents a configuration of TokenBucketLimiter.
type TokenBucketLimiterConfig struct {
	// TokenLimit is the maximum number of tokens the bucket can hold.
	TokenLimit int `mapstructure:"tokenLimit" yaml:"tokenLimit" json:"tokenLimit"`

	// TokensPerPeriod is the number of tokens restored on each replenishment.
	// May be fractional.
	TokensPerPeriod float64 `mapstructure:"tokensPerPeriod" yaml:"tokensPerPeriod" json:"tokensPerPeriod"`

	// ReplenishmentPeriod is the period between two replenishments.
	ReplenishmentPeriod config.TimeDuration `mapstructure:"replenishmentPeriod" yaml:"replenishmentPeriod" json:"replenishmentPeriod"`

	// AutoReplenishment determines whether the limiter owns a background task
	// replenishing the bucket each period. When disabled, replenishment is
	// performed only by manual TryReplenish calls.
	AutoReplenishment bool `mapstructure:"autoReplenishment" yaml:"autoReplenishment" json:"autoReplenishment"`

	// QueueLimit is the maximum total number of tokens that queued acquisitions
	// may be waiting for. Zero disables queuing.
	QueueLimit int `mapstructure:"queueLimit" yaml:"queueLimit" json:"queueLimit"`

	// QueueProcessingOrder determines the order in which queued acquisitions are
	// served. Empty value means QueueProcessingOrderOldestFirst.
	QueueProcessingOrder QueueProcessingOrder `mapstructure:"queueProcessingOrder" yaml:"queueProcessingOrder" json:"queueProcessingOrder"`
}

// Validate validates the configuration.
func (c *TokenBucketLimiterConfig) Validate() error {
	if c.TokenLimit <= 0 {
		return fmt.Errorf("token limit should be positive, got %d", c.TokenLimit)
	}
	if c.TokensPerPeriod <= 0 {
		return fmt.Errorf("tokens per period should be positive, got %v", c.TokensPerPeriod)
	}
	if c.ReplenishmentPeriod <= 0 {
		return fmt.Errorf("replenishment period should be positive, got %s", c.ReplenishmentPeriod)
	}
	if c.QueueLimit < 0 {
		return fmt.Errorf("queue limit should not be negative, got %d", c.QueueLimit)
	}
	return c.QueueProcessingOrder.Validate()
}

// FixedWindowLimiterConfig represents a configuration of FixedWindowLimiter.
type FixedWindowLimiterConfig struct {
	// PermitLimit is the maximum number of permits that can be granted within
	// one window.
	PermitLimit int `mapstructure:"permitLimit" yaml:"permitLimit" json:"permitLimit"`

	// Window is the duration after which the permits fully reset.
	Window config.TimeDuration `mapstructure:"window" yaml:"window" json:"window"`

	// AutoReplenishment determines whether the limiter owns a background task
	// resetting the window. When disabled, windows advance only by manual
	// TryReplenish calls.
	AutoReplenishment bool `mapstructure:"autoReplenishment" yaml:"autoReplenishment" json:"autoReplenishment"`

	// QueueLimit is the maximum total number of permits that queued acquisitions
	// may be waiting for. Zero disables queuing.
	QueueLimit int `mapstructure:"queueLimit" yaml:"queueLimit" json:"queueLimit"`

	// QueueProcessingOrder determines the order in which queued acquisitions are
	// served. Empty value means QueueProcessingOrderOldestFirst.
	QueueProcessingOrder QueueProcessingOrder `mapstructure:"queueProcessingOrder" yaml:"queueProcessingOrder" json:"queueProcessingOrder"`
}

// Validate validates the configuration.
func (c *FixedWindowLimiterConfig) Validate() error {
	if c.PermitLimit <= 0 {
		return fmt.Errorf("permit limit should be positive, got %d", c.PermitLimit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window should be positive, got %s", c.Window)
	}
	if c.QueueLimit < 0 {
		return fmt.Errorf("queue limit should not be negative, got %d", c.QueueLimit)
	}
	return c.QueueProcessingOrder.Validate()
}

// SlidingWindowLimiterConfig represents a configuration of SlidingWindowLimiter.
type SlidingWindowLimiterConfig struct {
	// PermitLimit is the maximum number of permits that can be granted within
	// one window.
	PermitLimit int `mapstructure:"permitLimit" yaml:"permitLimit" json:"permitLimit"`

	// Window is the total duration of the sliding window.
	Window config.TimeDuration `mapstructure:"window" yaml:"window" json:"window"`

	// SegmentsPerWindow is the number of equal segments the window is divided
	// into. Consumption expires per segment, which bounds the burst obtainable
	// across a window seam to PermitLimit/SegmentsPerWindow.
	SegmentsPerWindow int `mapstructure:"segmentsPerWindow" yaml:"segmentsPerWindow" json:"segmentsPerWindow"`

	// AutoReplenishment determines whether the limiter owns a background task
	// advancing the segments. When disabled, segments advance only by manual
	// TryReplenish calls.
	AutoReplenishment bool `mapstructure:"autoReplenishment" yaml:"autoReplenishment" json:"autoReplenishment"`

	// QueueLimit is the maximum total number of permits that queued acquisitions
	// may be waiting for. Zero disables queuing.
	QueueLimit int `mapstructure:"queueLimit" yaml:"queueLimit" json:"queueLimit"`

	// QueueProcessingOrder determines the order in which queued acquisitions are
	// served. Empty value means QueueProcessingOrderOldestFirst.
	QueueProcessingOrder QueueProcessingOrder `mapstructure:"queueProcessingOrder" yaml:"queueProcessingOrder" json:"queueProcessingOrder"`
}

// Validate validates the configuration.
func (c *SlidingWindowLimiterConfig) Validate() error {
	if c.PermitLimit <= 0 {
		return fmt.Errorf("permit limit should be positive, got %d", c.PermitLimit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window should be positive, got %s", c.Window)
	}
	if c.SegmentsPerWindow < 1 {
		return fmt.Errorf("segments per window should be at least 1, got %d", c.SegmentsPerWindow)
	}
	if c.QueueLimit < 0 {
		return fmt.Errorf("queue limit should not be negative, got %d", c.QueueLimit)
	}
	return c.QueueProcessingOrder.Validate()
}
