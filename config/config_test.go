package config

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"resilient-rtp/gf"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("non-existent-config.toml", zap.NewNop())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Mode != "send" {
		t.Errorf("default Mode = %q, want send", cfg.Mode)
	}
	if cfg.FEC.GroupSize != 10 {
		t.Errorf("default FEC.GroupSize = %d, want 10", cfg.FEC.GroupSize)
	}
	if cfg.Jitter.TargetDelayMS != 100 {
		t.Errorf("default Jitter.TargetDelayMS = %d, want 100", cfg.Jitter.TargetDelayMS)
	}
	if cfg.Controller.InitialBitrate != 2_500_000 {
		t.Errorf("default Controller.InitialBitrate = %d, want 2500000", cfg.Controller.InitialBitrate)
	}
	if cfg.StatusWeb.BindAddr != ":8090" {
		t.Errorf("default StatusWeb.BindAddr = %q, want :8090", cfg.StatusWeb.BindAddr)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-config-*.toml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	configContent := `
mode = "receive"
ssrc = 0xAABBCCDD

[transport]
remote_host = "192.168.1.100"
remote_port = 6000
dscp = 46

[fec]
group_size = 16
protection_ratio = 0.25
enable_red = false

[controller]
initial_bitrate = 4000000
`

	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()

	cfg, err := LoadConfig(tmpFile.Name(), zap.NewNop())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Mode != "receive" {
		t.Errorf("Mode = %q, want receive", cfg.Mode)
	}
	if cfg.SSRC != 0xAABBCCDD {
		t.Errorf("SSRC = %x, want AABBCCDD", cfg.SSRC)
	}
	if cfg.Transport.RemoteHost != "192.168.1.100" {
		t.Errorf("Transport.RemoteHost = %q, want 192.168.1.100", cfg.Transport.RemoteHost)
	}
	if cfg.Transport.DSCP != 46 {
		t.Errorf("Transport.DSCP = %d, want 46", cfg.Transport.DSCP)
	}
	if cfg.FEC.GroupSize != 16 {
		t.Errorf("FEC.GroupSize = %d, want 16", cfg.FEC.GroupSize)
	}
	if cfg.FEC.EnableRED {
		t.Error("FEC.EnableRED should be false")
	}
	if cfg.Controller.InitialBitrate != 4_000_000 {
		t.Errorf("Controller.InitialBitrate = %d, want 4000000", cfg.Controller.InitialBitrate)
	}
	// Fields left unset in the file fall back to the defaults already
	// present in the struct the file is decoded into.
	if cfg.Jitter.TargetDelayMS != 100 {
		t.Errorf("Jitter.TargetDelayMS = %d, want default 100", cfg.Jitter.TargetDelayMS)
	}
}

func TestSaveConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.Mode = "receive"
	cfg.SSRC = 0x12345678
	cfg.FEC.GroupSize = 12

	tmpFile, err := os.CreateTemp("", "test-save-config-*.toml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	if err := SaveConfig(cfg, tmpFile.Name()); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(tmpFile.Name(), zap.NewNop())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.Mode != cfg.Mode {
		t.Errorf("saved/loaded Mode mismatch: %q != %q", loaded.Mode, cfg.Mode)
	}
	if loaded.SSRC != cfg.SSRC {
		t.Errorf("saved/loaded SSRC mismatch: %x != %x", loaded.SSRC, cfg.SSRC)
	}
	if loaded.FEC.GroupSize != cfg.FEC.GroupSize {
		t.Errorf("saved/loaded FEC.GroupSize mismatch: %d != %d", loaded.FEC.GroupSize, cfg.FEC.GroupSize)
	}
}

func TestInvalidConfigFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-invalid-config-*.toml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	invalidConfig := `
[fec
group_size = "not a number"
`
	if _, err := tmpFile.WriteString(invalidConfig); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()

	if _, err := LoadConfig(tmpFile.Name(), zap.NewNop()); err == nil {
		t.Error("expected error for invalid config file")
	}
}

func TestToEngineConfigWiring(t *testing.T) {
	cfg := defaultConfig()
	cfg.SSRC = 0xdeadbeef
	cfg.Jitter.TargetDelayMS = 150
	cfg.Controller.TickIntervalMS = 3000

	ecfg := cfg.ToEngineConfig()

	if ecfg.SSRC != 0xdeadbeef {
		t.Errorf("SSRC = %x, want deadbeef", ecfg.SSRC)
	}
	if ecfg.Jitter.TargetDelay != 150*time.Millisecond {
		t.Errorf("Jitter.TargetDelay = %v, want 150ms", ecfg.Jitter.TargetDelay)
	}
	if ecfg.Controller.TickInterval != 3*time.Second {
		t.Errorf("Controller.TickInterval = %v, want 3s", ecfg.Controller.TickInterval)
	}
}

func TestToEngineConfigFieldMode(t *testing.T) {
	cfg := defaultConfig()
	cfg.FEC.FieldMode = "gf256"

	ecfg := cfg.ToEngineConfig()
	if _, ok := ecfg.FEC.Field.(gf.Field256); !ok {
		t.Errorf("FieldMode gf256 should select gf.Field256, got %T", ecfg.FEC.Field)
	}

	cfg.FEC.FieldMode = "mod257"
	ecfg = cfg.ToEngineConfig()
	if _, ok := ecfg.FEC.Field.(gf.Field257); !ok {
		t.Errorf("FieldMode mod257 should select gf.Field257, got %T", ecfg.FEC.Field)
	}
}

func TestToTransportConfigWiring(t *testing.T) {
	cfg := defaultConfig()
	cfg.Transport.RemoteHost = "10.0.0.5"
	cfg.Transport.RemotePort = 7000
	cfg.Transport.DSCP = 34

	tcfg := cfg.ToTransportConfig()

	if tcfg.RemoteHost != "10.0.0.5" || tcfg.RemotePort != 7000 || tcfg.DSCP != 34 {
		t.Errorf("unexpected transport config: %+v", tcfg)
	}
}
