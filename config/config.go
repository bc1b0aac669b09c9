// Package config loads resilient-rtp's TOML configuration: a struct of
// defaults built in code, optionally overlaid by a TOML file on disk.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"resilient-rtp/controller"
	"resilient-rtp/engine"
	"resilient-rtp/fec"
	"resilient-rtp/gf"
	"resilient-rtp/jitter"
	"resilient-rtp/statusweb"
	"resilient-rtp/transport"
)

// Config is the on-disk shape of resilient-rtp's configuration.
type Config struct {
	Mode string `toml:"mode" json:"mode"` // "send" or "receive"
	SSRC uint32 `toml:"ssrc" json:"ssrc"`

	Transport  TransportConfig  `toml:"transport" json:"transport"`
	FEC        FECConfig        `toml:"fec" json:"fec"`
	Jitter     JitterConfig     `toml:"jitter" json:"jitter"`
	Controller ControllerConfig `toml:"controller" json:"controller"`
	StatusWeb  StatusWebConfig  `toml:"status_web" json:"status_web"`
	Logging    LoggingConfig    `toml:"logging" json:"logging"`
}

// TransportConfig mirrors transport.Config with TOML tags; ToTransportConfig
// converts it.
type TransportConfig struct {
	LocalRTPPort int    `toml:"local_rtp_port" json:"local_rtp_port"`
	RemoteHost   string `toml:"remote_host" json:"remote_host"`
	RemotePort   int    `toml:"remote_port" json:"remote_port"`
	DSCP         int    `toml:"dscp" json:"dscp"`
	WriteBuffer  int    `toml:"write_buffer_bytes" json:"write_buffer_bytes"`
}

// FECConfig mirrors fec.Config; the field arithmetic is chosen by
// FieldMode rather than carried as a gf.Field value.
type FECConfig struct {
	GroupSize       int     `toml:"group_size" json:"group_size"`
	ProtectionRatio float64 `toml:"protection_ratio" json:"protection_ratio"`
	EnableRED       bool    `toml:"enable_red" json:"enable_red"`
	// FieldMode selects the finite-field arithmetic: "mod257" (default,
	// matches spec.md's wire-exact scheme) or "gf256" (a true GF(2^8)
	// field, not interoperable with a mod257 peer).
	FieldMode string `toml:"field_mode" json:"field_mode"`
}

// JitterConfig mirrors jitter.Config.
type JitterConfig struct {
	TargetDelayMS    int `toml:"target_delay_ms" json:"target_delay_ms"`
	MaxDelayMS       int `toml:"max_delay_ms" json:"max_delay_ms"`
	ReorderTolerance int `toml:"reorder_tolerance" json:"reorder_tolerance"`
	MaxPackets       int `toml:"max_packets" json:"max_packets"`
}

// ControllerConfig mirrors controller.Config.
type ControllerConfig struct {
	InitialBitrate int64   `toml:"initial_bitrate" json:"initial_bitrate"`
	MinBitrate     int64   `toml:"min_bitrate" json:"min_bitrate"`
	MaxBitrate     int64   `toml:"max_bitrate" json:"max_bitrate"`
	MinFECRatio    float64 `toml:"min_fec_ratio" json:"min_fec_ratio"`
	MaxFECRatio    float64 `toml:"max_fec_ratio" json:"max_fec_ratio"`
	TickIntervalMS int     `toml:"tick_interval_ms" json:"tick_interval_ms"`
	StableWindow   int     `toml:"stable_window" json:"stable_window"`
	WindowLen      int     `toml:"window_len" json:"window_len"`
}

// StatusWebConfig mirrors statusweb.Config.
type StatusWebConfig struct {
	BindAddr       string `toml:"bind_addr" json:"bind_addr"`
	PushIntervalMS int    `toml:"push_interval_ms" json:"push_interval_ms"`
}

// LoggingConfig holds logging verbosity and interval settings.
type LoggingConfig struct {
	Level            string `toml:"level" json:"level"` // debug/info/warn/error
	StatsLogInterval int    `toml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
}

// LoadConfig loads resilient-rtp's configuration from a TOML file,
// starting from the ambient defaults and overlaying whatever the file on
// disk specifies (spec §3).
func LoadConfig(configPath string, logger *zap.Logger) (*Config, error) {
	cfg := defaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logger.Info("config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("config file not found, using defaults", zap.String("path", configPath))
	}

	return cfg, nil
}

func defaultConfig() *Config {
	fecDefault := fec.DefaultConfig()
	jitterDefault := jitter.DefaultConfig()
	ctlDefault := controller.DefaultConfig()
	statusDefault := statusweb.DefaultConfig()

	return &Config{
		Mode: "send",
		SSRC: 0x1234abcd,
		Transport: TransportConfig{
			RemotePort:  5004,
			WriteBuffer: 1024 * 1024,
		},
		FEC: FECConfig{
			GroupSize:       fecDefault.GroupSize,
			ProtectionRatio: fecDefault.ProtectionRatio,
			EnableRED:       fecDefault.EnableRED,
			FieldMode:       "mod257",
		},
		Jitter: JitterConfig{
			TargetDelayMS:    int(jitterDefault.TargetDelay / time.Millisecond),
			MaxDelayMS:       int(jitterDefault.MaxDelay / time.Millisecond),
			ReorderTolerance: int(jitterDefault.ReorderTolerance),
			MaxPackets:       jitterDefault.MaxPackets,
		},
		Controller: ControllerConfig{
			InitialBitrate: ctlDefault.InitialBitrate,
			MinBitrate:     ctlDefault.MinBitrate,
			MaxBitrate:     ctlDefault.MaxBitrate,
			MinFECRatio:    ctlDefault.MinFECRatio,
			MaxFECRatio:    ctlDefault.MaxFECRatio,
			TickIntervalMS: int(ctlDefault.TickInterval / time.Millisecond),
			StableWindow:   ctlDefault.StableWindow,
			WindowLen:      ctlDefault.WindowLen,
		},
		StatusWeb: StatusWebConfig{
			BindAddr:       statusDefault.BindAddr,
			PushIntervalMS: int(statusDefault.PushInterval / time.Millisecond),
		},
		Logging: LoggingConfig{
			Level:            "info",
			StatsLogInterval: 10,
		},
	}
}

// ToTransportConfig translates the on-disk transport section into
// transport.Config.
func (c *Config) ToTransportConfig() transport.Config {
	return transport.Config{
		LocalRTPPort: c.Transport.LocalRTPPort,
		RemoteHost:   c.Transport.RemoteHost,
		RemotePort:   c.Transport.RemotePort,
		DSCP:         c.Transport.DSCP,
		WriteBuffer:  c.Transport.WriteBuffer,
	}
}

// ToEngineConfig translates the on-disk configuration into engine.Config,
// wiring in SSRC and every subcomponent's config (spec §3, §6).
func (c *Config) ToEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.SSRC = c.SSRC
	cfg.FEC.GroupSize = c.FEC.GroupSize
	cfg.FEC.ProtectionRatio = c.FEC.ProtectionRatio
	cfg.FEC.EnableRED = c.FEC.EnableRED
	if c.FEC.FieldMode == "gf256" {
		cfg.FEC.Field = gf.Field256{}
	} else {
		cfg.FEC.Field = gf.Field257{}
	}

	cfg.Jitter.TargetDelay = time.Duration(c.Jitter.TargetDelayMS) * time.Millisecond
	cfg.Jitter.MaxDelay = time.Duration(c.Jitter.MaxDelayMS) * time.Millisecond
	cfg.Jitter.ReorderTolerance = uint16(c.Jitter.ReorderTolerance)
	cfg.Jitter.MaxPackets = c.Jitter.MaxPackets

	cfg.Controller.InitialBitrate = c.Controller.InitialBitrate
	cfg.Controller.MinBitrate = c.Controller.MinBitrate
	cfg.Controller.MaxBitrate = c.Controller.MaxBitrate
	cfg.Controller.MinFECRatio = c.Controller.MinFECRatio
	cfg.Controller.MaxFECRatio = c.Controller.MaxFECRatio
	cfg.Controller.TickInterval = time.Duration(c.Controller.TickIntervalMS) * time.Millisecond
	cfg.Controller.StableWindow = c.Controller.StableWindow
	cfg.Controller.WindowLen = c.Controller.WindowLen

	return cfg
}

// ToStatusWebConfig translates the on-disk status-web section into
// statusweb.Config.
func (c *Config) ToStatusWebConfig() statusweb.Config {
	return statusweb.Config{
		BindAddr:     c.StatusWeb.BindAddr,
		PushInterval: time.Duration(c.StatusWeb.PushIntervalMS) * time.Millisecond,
	}
}

// SaveConfig writes cfg to path as TOML (spec §3, used by the CLI's
// -save-config flag).
func SaveConfig(cfg *Config, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
