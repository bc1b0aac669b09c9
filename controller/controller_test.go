package controller

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestTickGatedByInterval(t *testing.T) {
	c := New(DefaultConfig(), zap.NewNop())
	now := time.Now()
	c.IngestLoss(0.2)
	c.IngestLoss(0.2)
	c.IngestLoss(0.2)

	_, ran := c.Tick(now)
	if ran {
		t.Fatal("expected first tick immediately after construction to be gated by the interval")
	}
}

func TestTickGatedBySampleCount(t *testing.T) {
	c := New(DefaultConfig(), zap.NewNop())
	now := time.Now().Add(3 * time.Second)
	c.IngestLoss(0.2)
	c.IngestLoss(0.2)

	_, ran := c.Tick(now)
	if ran {
		t.Fatal("expected tick to be gated with fewer than 3 loss samples")
	}
}

func TestHighLossReducesBitrate(t *testing.T) {
	c := New(DefaultConfig(), zap.NewNop())
	start := c.CurrentSettings().Bitrate

	settings := c.ForceAdaptation(0.12, time.Now())
	if settings.Bitrate >= start {
		t.Fatalf("expected bitrate to decrease under 12%% loss, got %d from %d", settings.Bitrate, start)
	}
}

func TestGoodConditionsEventuallyIncreaseBitrate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StableWindow = 2
	cfg.TickInterval = time.Millisecond
	c := New(cfg, zap.NewNop())

	start := c.CurrentSettings().Bitrate
	now := time.Now()

	var last Settings
	for i := 0; i < 5; i++ {
		c.IngestLoss(0.001)
		c.IngestRTT(30)
		c.IngestJitter(5)
		now = now.Add(2 * time.Millisecond)
		last, _ = c.Tick(now)
	}

	if last.Bitrate <= start {
		t.Fatalf("expected bitrate to increase after sustained good conditions, got %d from %d", last.Bitrate, start)
	}
}

func TestFECRatioTracksLoss(t *testing.T) {
	c := New(DefaultConfig(), zap.NewNop())
	settings := c.ForceAdaptation(0.20, time.Now())
	if settings.FECRatio != 0.4 {
		t.Fatalf("expected FEC ratio pinned at 0.4 for >15%% loss, got %f", settings.FECRatio)
	}

	settingsLow := c.ForceAdaptation(0.001, time.Now().Add(3*time.Second))
	if settingsLow.FECRatio != c.cfg.MinFECRatio {
		t.Fatalf("expected FEC ratio at the configured minimum for near-zero loss, got %f", settingsLow.FECRatio)
	}
}

func TestBitrateNeverExceedsBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBitrate = 3_000_000
	c := New(cfg, zap.NewNop())

	now := time.Now()
	for i := 0; i < 20; i++ {
		c.IngestLoss(0.001)
		c.IngestRTT(10)
		c.IngestJitter(1)
		now = now.Add(3 * time.Second)
		c.Tick(now)
	}

	if got := c.CurrentSettings().Bitrate; got > cfg.MaxBitrate {
		t.Fatalf("expected bitrate capped at %d, got %d", cfg.MaxBitrate, got)
	}
}
