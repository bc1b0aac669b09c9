// Package controller implements the adaptive bitrate and FEC protection
// controller (spec §4.5): it consumes rolling network condition samples
// and periodically recomputes a target send bitrate and FEC protection
// ratio.
package controller

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds the controller's bounds and tick interval (spec §3).
type Config struct {
	InitialBitrate int64 // bits/sec, default 2_500_000
	MinBitrate     int64 // default 500_000
	MaxBitrate     int64 // default 8_000_000
	MinFECRatio    float64
	MaxFECRatio    float64
	TickInterval   time.Duration // default 2s
	StableWindow   int           // samples of good conditions before increasing, default 5
	WindowLen      int           // rolling sample window length, default 10
}

// DefaultConfig returns spec.md's defaults (spec §3, §4.5).
func DefaultConfig() Config {
	return Config{
		InitialBitrate: 2_500_000,
		MinBitrate:     500_000,
		MaxBitrate:     8_000_000,
		MinFECRatio:    0.1,
		MaxFECRatio:    0.5,
		TickInterval:   2 * time.Second,
		StableWindow:   5,
		WindowLen:      10,
	}
}

// Settings is the controller's current output (spec §4.5).
type Settings struct {
	Bitrate   int64
	FECRatio  float64
	AvgLoss   float64
	AvgRTTMS  float64
	AvgJitter float64
}

// Controller tracks rolling network samples and periodically derives a
// target bitrate and FEC protection ratio from them.
type Controller struct {
	cfg    Config
	logger *zap.Logger

	mu           sync.Mutex
	lossSamples  []float64
	rttSamples   []float64
	jitterSamples []float64
	bwSamples    []float64

	currentBitrate int64
	currentFEC     float64
	stableCount    int

	lastAdapt time.Time

	lastBytesSent uint64
	lastBytesTime time.Time
	haveLastBytes bool

	stats Settings
}

// New constructs a controller seeded at the configured initial bitrate
// and the minimum of the FEC ratio range.
func New(cfg Config, logger *zap.Logger) *Controller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.WindowLen <= 0 {
		cfg.WindowLen = 10
	}
	if cfg.StableWindow <= 0 {
		cfg.StableWindow = 5
	}
	return &Controller{
		cfg:            cfg,
		logger:         logger,
		currentBitrate: cfg.InitialBitrate,
		currentFEC:     cfg.MinFECRatio,
		lastAdapt:      time.Now(),
	}
}

// IngestLoss records a loss-rate sample (packetsLost/packetsSent, spec §4.5).
func (c *Controller) IngestLoss(rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lossSamples = pushWindow(c.lossSamples, rate, c.cfg.WindowLen)
	c.stats.AvgLoss = rate
}

// IngestRTT records a round-trip-time sample in milliseconds.
func (c *Controller) IngestRTT(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rttSamples = pushWindow(c.rttSamples, ms, c.cfg.WindowLen)
	c.stats.AvgRTTMS = ms
}

// IngestJitter records a jitter sample in milliseconds.
func (c *Controller) IngestJitter(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jitterSamples = pushWindow(c.jitterSamples, ms, c.cfg.WindowLen)
	c.stats.AvgJitter = ms
}

// IngestBandwidthUsage records a bytesSent counter observation; the
// controller derives a bandwidth-usage sample (Mbps) from the delta
// against the previous observation (spec §4.5).
func (c *Controller) IngestBandwidthUsage(bytesSent uint64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.haveLastBytes {
		delta := float64(bytesSent - c.lastBytesSent)
		elapsed := at.Sub(c.lastBytesTime).Seconds()
		if elapsed > 0 {
			mbps := (delta * 8) / (elapsed * 1_000_000)
			c.bwSamples = pushWindow(c.bwSamples, mbps, c.cfg.WindowLen)
		}
	}
	c.lastBytesSent = bytesSent
	c.lastBytesTime = at
	c.haveLastBytes = true
}

func pushWindow(samples []float64, v float64, maxLen int) []float64 {
	samples = append(samples, v)
	if len(samples) > maxLen {
		samples = samples[len(samples)-maxLen:]
	}
	return samples
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// Tick runs the periodic adaptation pass (spec §4.5): it is a no-op
// unless at least TickInterval has elapsed since the last run and at
// least 3 loss samples have been collected. It returns the updated
// settings and whether an adaptation actually ran.
func (c *Controller) Tick(now time.Time) (Settings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickLocked(now)
}

func (c *Controller) tickLocked(now time.Time) (Settings, bool) {
	if now.Sub(c.lastAdapt) < c.cfg.TickInterval {
		return c.snapshotLocked(), false
	}
	c.lastAdapt = now

	if len(c.lossSamples) < 3 {
		return c.snapshotLocked(), false
	}

	avgLoss := mean(c.lossSamples)
	avgRTT := 50.0
	if len(c.rttSamples) > 0 {
		avgRTT = mean(c.rttSamples)
	}
	avgJitter := 10.0
	if len(c.jitterSamples) > 0 {
		avgJitter = mean(c.jitterSamples)
	}

	newBitrate := c.targetBitrateLocked(avgLoss, avgRTT, avgJitter)
	newFEC := targetFECRatio(avgLoss, avgRTT, c.cfg.MinFECRatio, c.cfg.MaxFECRatio)

	if newBitrate != c.currentBitrate {
		if c.logger != nil {
			c.logger.Info("adapting bitrate",
				zap.Int64("from", c.currentBitrate), zap.Int64("to", newBitrate),
				zap.Float64("loss", avgLoss), zap.Float64("rtt_ms", avgRTT))
		}
		c.currentBitrate = newBitrate
	}

	if diff := newFEC - c.currentFEC; diff > 0.02 || diff < -0.02 {
		if c.logger != nil {
			c.logger.Info("adapting FEC ratio",
				zap.Float64("from", c.currentFEC), zap.Float64("to", newFEC))
		}
		c.currentFEC = newFEC
	}

	c.stats.AvgLoss = avgLoss
	c.stats.AvgRTTMS = avgRTT
	c.stats.AvgJitter = avgJitter

	return c.snapshotLocked(), true
}

// targetBitrateLocked implements spec §4.5's loss-band policy table plus
// RTT/jitter post-adjustment and stability-gated increases.
func (c *Controller) targetBitrateLocked(lossRate, rtt, jitter float64) int64 {
	target := c.currentBitrate

	switch {
	case lossRate > 0.10:
		target = int64(float64(c.currentBitrate) * 0.70)
		c.stableCount = 0
	case lossRate > 0.05:
		target = int64(float64(c.currentBitrate) * 0.85)
		c.stableCount = 0
	case lossRate > 0.02:
		target = int64(float64(c.currentBitrate) * 0.95)
		c.stableCount = 0
	case lossRate < 0.01 && rtt < 100 && jitter < 20:
		c.stableCount++
		if c.stableCount >= c.cfg.StableWindow {
			if len(c.bwSamples) > 0 {
				usage := mean(c.bwSamples)
				if usage < float64(c.currentBitrate)*0.8/1_000_000 {
					target = int64(float64(c.currentBitrate) * 1.02)
				} else {
					target = int64(float64(c.currentBitrate) * 1.05)
				}
			} else {
				target = int64(float64(c.currentBitrate) * 1.05)
			}
			c.stableCount = 0
		}
	}

	if rtt > 200 {
		target = int64(float64(target) * 0.95)
	}
	if jitter > 50 {
		target = int64(float64(target) * 0.95)
	}

	if target < c.cfg.MinBitrate {
		target = c.cfg.MinBitrate
	}
	if target > c.cfg.MaxBitrate {
		target = c.cfg.MaxBitrate
	}
	return target
}

// targetFECRatio implements spec §4.5's protection-ratio policy: a base
// ratio of 1.5x loss, adjusted by RTT, then floored per loss band.
func targetFECRatio(lossRate, rtt, minRatio, maxRatio float64) float64 {
	base := lossRate * 1.5
	switch {
	case rtt > 150:
		base *= 1.2
	case rtt < 50:
		base *= 0.9
	}

	var target float64
	switch {
	case lossRate > 0.15:
		target = 0.4
	case lossRate > 0.10:
		target = maxFloat(0.3, base)
	case lossRate > 0.05:
		target = maxFloat(0.2, base)
	case lossRate > 0.02:
		target = maxFloat(0.15, base)
	case lossRate > 0.01:
		target = maxFloat(0.1, base)
	default:
		target = 0.1
	}

	if target < minRatio {
		target = minRatio
	}
	if target > maxRatio {
		target = maxRatio
	}
	return target
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func (c *Controller) snapshotLocked() Settings {
	return Settings{
		Bitrate:   c.currentBitrate,
		FECRatio:  c.currentFEC,
		AvgLoss:   c.stats.AvgLoss,
		AvgRTTMS:  c.stats.AvgRTTMS,
		AvgJitter: c.stats.AvgJitter,
	}
}

// CurrentSettings returns the controller's current output without
// forcing a tick (spec §4.5's settings accessor).
func (c *Controller) CurrentSettings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// ForceAdaptation seeds the sample windows with a fixed loss rate and
// plausible RTT/jitter defaults, then runs an immediate tick — used by
// tests and manual operator overrides to bypass the sample-count and
// tick-interval gates (spec §4.5, supplementing original_source's manual
// override hook).
func (c *Controller) ForceAdaptation(lossRate float64, now time.Time) Settings {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lossSamples = nil
	for i := 0; i < 5; i++ {
		c.lossSamples = append(c.lossSamples, lossRate)
	}
	if len(c.rttSamples) == 0 {
		for i := 0; i < 5; i++ {
			c.rttSamples = append(c.rttSamples, 50)
		}
	}
	if len(c.jitterSamples) == 0 {
		for i := 0; i < 5; i++ {
			c.jitterSamples = append(c.jitterSamples, 10)
		}
	}

	c.lastAdapt = now.Add(-c.cfg.TickInterval)
	settings, _ := c.tickLocked(now)
	return settings
}
