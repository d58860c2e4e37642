// Package bitrate implements adaptive bitrate control for a mirroring
// session. The controller consumes transport feedback (send-queue
// backlog, dropped frames, decrypt failures) and emits target-bitrate
// adjustments for the external encoder.
//
// The policy is AIMD: multiplicative decrease on sustained backlog or
// repeated frame drop, slow additive increase on sustained clean
// delivery, clamped to a configured range. At most one adjustment is
// emitted per evaluation window to avoid oscillation.
package bitrate

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LinkQuality is the controller's assessment of recent transport
// conditions.
type LinkQuality int

const (
	// LinkClean indicates delivery with no backlog or drops.
	LinkClean LinkQuality = iota
	// LinkCongested indicates a growing send-queue backlog.
	LinkCongested
	// LinkFailing indicates dropped frames or decrypt failures.
	LinkFailing
)

// String returns a human-readable link quality description.
func (q LinkQuality) String() string {
	switch q {
	case LinkClean:
		return "clean"
	case LinkCongested:
		return "congested"
	case LinkFailing:
		return "failing"
	default:
		return "unknown"
	}
}

// Feedback aggregates recent round-trip indicators from the session.
type Feedback struct {
	// QueueDepth is the current outbound send-queue occupancy.
	QueueDepth int
	// QueueCapacity is the send queue's bound.
	QueueCapacity int
	// DroppedFrames counts frames discarded since the last feedback
	// because the queue was full.
	DroppedFrames uint64
	// AuthFailures counts decrypt failures since the last feedback.
	AuthFailures uint64
}

// Config defines the adaptation parameters.
type Config struct {
	// MinBitrate and MaxBitrate clamp every emitted target (bps).
	MinBitrate uint32
	MaxBitrate uint32

	// EvaluationWindow is the minimum interval between adjustments.
	EvaluationWindow time.Duration

	// BackoffDuration delays increases after a decrease so the link
	// can stabilize.
	BackoffDuration time.Duration

	// IncreaseStep is the additive-increase fraction on clean delivery.
	IncreaseStep float64
	// DecreaseMultiplier is the multiplicative-decrease factor on
	// congestion or failure.
	DecreaseMultiplier float64

	// CongestionThreshold is the queue occupancy fraction treated as
	// sustained backlog.
	CongestionThreshold float64

	// MinChange suppresses adjustments smaller than this (bps), so
	// rounding noise never reaches the encoder.
	MinChange uint32
}

// DefaultConfig returns conservative adaptation parameters for
// screen-mirroring video.
func DefaultConfig() *Config {
	return &Config{
		MinBitrate:          500_000,    // lowest usable screen stream
		MaxBitrate:          12_000_000, // diminishing returns above this
		EvaluationWindow:    2 * time.Second,
		BackoffDuration:     5 * time.Second,
		IncreaseStep:        0.1,
		DecreaseMultiplier:  0.7,
		CongestionThreshold: 0.5,
		MinChange:           25_000,
	}
}

// Controller tracks link quality and issues bitrate targets.
type Controller struct {
	mu     sync.Mutex
	config *Config

	current      uint32
	quality      LinkQuality
	lastAdjusted time.Time
	lastDecrease time.Time

	adjustments uint64
	targetCb    func(uint32)
}

// NewController creates a controller starting at the given bitrate,
// clamped into the configured range. A nil config uses DefaultConfig.
func NewController(config *Config, initial uint32) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	if initial < config.MinBitrate {
		initial = config.MinBitrate
	}
	if initial > config.MaxBitrate {
		initial = config.MaxBitrate
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewController",
		"initial_bps": initial,
		"min_bps":     config.MinBitrate,
		"max_bps":     config.MaxBitrate,
		"window":      config.EvaluationWindow,
	}).Info("Bitrate controller created")

	return &Controller{
		config:  config,
		current: initial,
		quality: LinkClean,
	}
}

// SetTargetCallback registers the encoder-facing callback invoked when
// the target bitrate changes.
func (c *Controller) SetTargetCallback(cb func(uint32)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetCb = cb
}

// OnFeedback processes one feedback sample taken at the given time.
// It returns the new target and true when an adjustment was emitted;
// otherwise the current target and false. Timestamps are passed in
// rather than read from a clock so tests are deterministic.
func (c *Controller) OnFeedback(fb Feedback, now time.Time) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	quality := c.assess(fb)
	if quality != c.quality {
		logrus.WithFields(logrus.Fields{
			"function":    "OnFeedback",
			"old_quality": c.quality.String(),
			"new_quality": quality.String(),
			"queue_depth": fb.QueueDepth,
			"dropped":     fb.DroppedFrames,
			"auth_fails":  fb.AuthFailures,
		}).Info("Link quality changed")
		c.quality = quality
	}

	if c.lastAdjusted.IsZero() {
		// First sample establishes the evaluation baseline.
		c.lastAdjusted = now
		return c.current, false
	}
	if now.Sub(c.lastAdjusted) < c.config.EvaluationWindow {
		return c.current, false
	}

	old := c.current
	decreased := false
	switch quality {
	case LinkFailing, LinkCongested:
		c.decrease()
		decreased = true
	case LinkClean:
		if c.lastDecrease.IsZero() || now.Sub(c.lastDecrease) >= c.config.BackoffDuration {
			c.increase()
		}
	}

	if !c.significant(old, c.current) {
		c.current = old
		return c.current, false
	}

	c.lastAdjusted = now
	if decreased {
		// Stamped only on a committed decrease so an insignificant,
		// reverted one never restarts the increase backoff.
		c.lastDecrease = now
	}
	c.adjustments++

	logrus.WithFields(logrus.Fields{
		"function":    "OnFeedback",
		"quality":     quality.String(),
		"old_bps":     old,
		"new_bps":     c.current,
		"adjustments": c.adjustments,
	}).Info("Target bitrate adjusted")

	if c.targetCb != nil {
		go c.targetCb(c.current)
	}
	return c.current, true
}

// assess maps one feedback sample onto a link quality. Failures
// dominate congestion, congestion dominates clean delivery.
func (c *Controller) assess(fb Feedback) LinkQuality {
	if fb.DroppedFrames > 0 || fb.AuthFailures > 0 {
		return LinkFailing
	}
	if fb.QueueCapacity > 0 {
		occupancy := float64(fb.QueueDepth) / float64(fb.QueueCapacity)
		if occupancy >= c.config.CongestionThreshold {
			return LinkCongested
		}
	}
	return LinkClean
}

func (c *Controller) decrease() {
	next := uint32(float64(c.current) * c.config.DecreaseMultiplier)
	if next < c.config.MinBitrate {
		next = c.config.MinBitrate
	}
	c.current = next
}

func (c *Controller) increase() {
	next := uint32(float64(c.current) * (1.0 + c.config.IncreaseStep))
	if next > c.config.MaxBitrate {
		next = c.config.MaxBitrate
	}
	c.current = next
}

// significant reports whether the change clears the MinChange floor.
func (c *Controller) significant(old, next uint32) bool {
	if old == next {
		return false
	}
	var change uint32
	if next > old {
		change = next - old
	} else {
		change = old - next
	}
	return change >= c.config.MinChange
}

// Target returns the current target bitrate.
func (c *Controller) Target() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Quality returns the most recent link quality assessment.
func (c *Controller) Quality() LinkQuality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// Adjustments returns how many adjustments have been emitted.
func (c *Controller) Adjustments() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adjustments
}
