package bitrate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		MinBitrate:          500_000,
		MaxBitrate:          12_000_000,
		EvaluationWindow:    2 * time.Second,
		BackoffDuration:     5 * time.Second,
		IncreaseStep:        0.1,
		DecreaseMultiplier:  0.7,
		CongestionThreshold: 0.5,
		MinChange:           25_000,
	}
}

func TestLinkQualityString(t *testing.T) {
	assert.Equal(t, "clean", LinkClean.String())
	assert.Equal(t, "congested", LinkCongested.String())
	assert.Equal(t, "failing", LinkFailing.String())
	assert.Equal(t, "unknown", LinkQuality(99).String())
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NotNil(t, config)

	assert.Greater(t, config.MaxBitrate, config.MinBitrate)
	assert.Greater(t, config.IncreaseStep, 0.0)
	assert.Less(t, config.IncreaseStep, 1.0)
	assert.Greater(t, config.DecreaseMultiplier, 0.0)
	assert.Less(t, config.DecreaseMultiplier, 1.0)
	assert.Greater(t, config.BackoffDuration, config.EvaluationWindow)
}

func TestNewControllerClampsInitial(t *testing.T) {
	config := testConfig()

	assert.Equal(t, config.MinBitrate, NewController(config, 1).Target())
	assert.Equal(t, config.MaxBitrate, NewController(config, 100_000_000).Target())
	assert.Equal(t, uint32(4_000_000), NewController(config, 4_000_000).Target())

	// nil config falls back to defaults.
	assert.Equal(t, DefaultConfig().MinBitrate, NewController(nil, 1).Target())
}

func TestMultiplicativeDecreaseOnDrops(t *testing.T) {
	config := testConfig()
	ctrl := NewController(config, 4_000_000)
	base := time.Now()

	// First sample establishes the baseline; no adjustment yet.
	_, adjusted := ctrl.OnFeedback(Feedback{DroppedFrames: 3}, base)
	assert.False(t, adjusted)

	target, adjusted := ctrl.OnFeedback(Feedback{DroppedFrames: 3}, base.Add(config.EvaluationWindow))
	assert.True(t, adjusted)
	assert.Equal(t, uint32(4_000_000*0.7), target)
	assert.Equal(t, LinkFailing, ctrl.Quality())
}

func TestDecreaseOnSustainedBacklog(t *testing.T) {
	config := testConfig()
	ctrl := NewController(config, 4_000_000)
	base := time.Now()

	fb := Feedback{QueueDepth: 40, QueueCapacity: 64}
	ctrl.OnFeedback(fb, base)
	target, adjusted := ctrl.OnFeedback(fb, base.Add(config.EvaluationWindow))
	assert.True(t, adjusted)
	assert.Less(t, target, uint32(4_000_000))
	assert.Equal(t, LinkCongested, ctrl.Quality())
}

func TestAdditiveIncreaseOnCleanDelivery(t *testing.T) {
	config := testConfig()
	ctrl := NewController(config, 4_000_000)
	base := time.Now()

	ctrl.OnFeedback(Feedback{QueueDepth: 1, QueueCapacity: 64}, base)
	target, adjusted := ctrl.OnFeedback(Feedback{QueueDepth: 0, QueueCapacity: 64}, base.Add(config.EvaluationWindow))
	assert.True(t, adjusted)
	assert.Equal(t, uint32(4_000_000*1.1), target)
}

func TestClampingAtBounds(t *testing.T) {
	config := testConfig()
	base := time.Now()

	// Repeated failures never push below the floor.
	ctrl := NewController(config, config.MinBitrate)
	ctrl.OnFeedback(Feedback{DroppedFrames: 1}, base)
	target, adjusted := ctrl.OnFeedback(Feedback{DroppedFrames: 1}, base.Add(config.EvaluationWindow))
	assert.False(t, adjusted)
	assert.Equal(t, config.MinBitrate, target)

	// Clean delivery never pushes above the ceiling.
	ctrl = NewController(config, config.MaxBitrate)
	ctrl.OnFeedback(Feedback{}, base)
	target, adjusted = ctrl.OnFeedback(Feedback{}, base.Add(config.EvaluationWindow))
	assert.False(t, adjusted)
	assert.Equal(t, config.MaxBitrate, target)
}

func TestAtMostOneAdjustmentPerWindow(t *testing.T) {
	config := testConfig()
	ctrl := NewController(config, 4_000_000)
	base := time.Now()

	ctrl.OnFeedback(Feedback{DroppedFrames: 1}, base)
	_, adjusted := ctrl.OnFeedback(Feedback{DroppedFrames: 1}, base.Add(config.EvaluationWindow))
	require.True(t, adjusted)

	// Inside the same window nothing further is emitted.
	_, adjusted = ctrl.OnFeedback(Feedback{DroppedFrames: 1}, base.Add(config.EvaluationWindow+time.Millisecond))
	assert.False(t, adjusted)

	assert.Equal(t, uint64(1), ctrl.Adjustments())
}

func TestBackoffAfterDecrease(t *testing.T) {
	config := testConfig()
	ctrl := NewController(config, 4_000_000)
	base := time.Now()

	ctrl.OnFeedback(Feedback{DroppedFrames: 1}, base)
	decreased, adjusted := ctrl.OnFeedback(Feedback{DroppedFrames: 1}, base.Add(config.EvaluationWindow))
	require.True(t, adjusted)

	// Clean delivery right after the decrease: still inside backoff,
	// no increase.
	_, adjusted = ctrl.OnFeedback(Feedback{}, base.Add(2*config.EvaluationWindow))
	assert.False(t, adjusted)
	assert.Equal(t, decreased, ctrl.Target())

	// After backoff elapses the increase resumes.
	after := base.Add(config.EvaluationWindow + config.BackoffDuration)
	target, adjusted := ctrl.OnFeedback(Feedback{}, after)
	assert.True(t, adjusted)
	assert.Greater(t, target, decreased)
}

func TestRevertedDecreaseDoesNotStartBackoff(t *testing.T) {
	config := testConfig()
	ctrl := NewController(config, config.MinBitrate)
	base := time.Now()

	ctrl.OnFeedback(Feedback{DroppedFrames: 1}, base)

	// At the floor a decrease clamps back onto the floor and is
	// reverted as insignificant; nothing was emitted, so no backoff may
	// start either.
	_, adjusted := ctrl.OnFeedback(Feedback{DroppedFrames: 1}, base.Add(config.EvaluationWindow))
	require.False(t, adjusted)

	// Clean delivery one window later must increase right away instead
	// of waiting out a backoff for a decrease that never happened.
	target, adjusted := ctrl.OnFeedback(Feedback{}, base.Add(2*config.EvaluationWindow))
	assert.True(t, adjusted)
	assert.Greater(t, target, config.MinBitrate)
}

func TestTargetCallback(t *testing.T) {
	config := testConfig()
	ctrl := NewController(config, 4_000_000)

	targets := make(chan uint32, 1)
	ctrl.SetTargetCallback(func(bps uint32) { targets <- bps })

	base := time.Now()
	ctrl.OnFeedback(Feedback{DroppedFrames: 1}, base)
	want, adjusted := ctrl.OnFeedback(Feedback{DroppedFrames: 1}, base.Add(config.EvaluationWindow))
	require.True(t, adjusted)

	select {
	case got := <-targets:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("target callback was not invoked")
	}
}
