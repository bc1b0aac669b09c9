package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"resilient-rtp/config"
	"resilient-rtp/engine"
	"resilient-rtp/media"
	"resilient-rtp/rtppkt"
	"resilient-rtp/statusweb"
	"resilient-rtp/transport"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "resilient-rtp"
	AppVersion        = "1.0.0"
)

// Application wires one direction's engine, its transport session, and
// the status web server into a single running process with a
// Start/Stop lifecycle driven by OS signals.
type Application struct {
	config *config.Config
	logger *zap.Logger

	session *transport.Session
	eng     *engine.Engine
	status  *statusweb.Server

	wg sync.WaitGroup
}

// usage prints the send/receive subcommand surface to stderr.
func usage() {
	fmt.Fprintf(os.Stderr, "%s v%s\n\n", AppName, AppVersion)
	fmt.Fprintln(os.Stderr, "A resilient RTP transport with FEC/RED loss recovery and adaptive bitrate control.")
	fmt.Fprintln(os.Stderr, "\nUsage:")
	fmt.Fprintln(os.Stderr, "  resilient-rtp receive --port P [flags]")
	fmt.Fprintln(os.Stderr, "  resilient-rtp send --host H --port P [--video DEV] [flags]")
	fmt.Fprintln(os.Stderr, "\nShared flags:")
	fmt.Fprintln(os.Stderr, "  -config, -log-level, -save-config, -version, -help")
	fmt.Fprintln(os.Stderr, "\nsend reads length-prefixed frames from stdin and transmits them.")
	fmt.Fprintln(os.Stderr, "receive writes recovered length-prefixed frames to stdout.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	if os.Args[1] == "-version" || os.Args[1] == "--version" {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}
	if os.Args[1] == "-help" || os.Args[1] == "--help" || os.Args[1] == "-h" {
		usage()
		os.Exit(0)
	}

	sub := os.Args[1]
	if sub != "send" && sub != "receive" {
		fmt.Fprintf(os.Stderr, "unknown subcommand %q, want send or receive\n", sub)
		usage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet(sub, flag.ExitOnError)
	var (
		configPath = fs.String("config", DefaultConfigPath, "Path to configuration file")
		host       = fs.String("host", "", "Remote host to send to (send only)")
		port       = fs.Int("port", 0, "RTP port: remote port for send, local bind port for receive")
		_          = fs.String("video", "", "Capture device for send mode (unused without a real Encoder)")
		logLevel   = fs.String("log-level", "info", "Log level (debug, info, warn, error)")
		saveConfig = fs.String("save-config", "", "Write the effective configuration to this path and exit")
	)
	fs.Parse(os.Args[2:])

	logger, err := createLogger(*logLevel)
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting resilient-rtp",
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))

	cfg, err := config.LoadConfig(*configPath, logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	cfg.Mode = sub
	if *host != "" {
		cfg.Transport.RemoteHost = *host
	}
	if *port != 0 {
		switch sub {
		case "send":
			cfg.Transport.RemotePort = *port
		case "receive":
			cfg.Transport.LocalRTPPort = *port
		}
	}

	if *saveConfig != "" {
		if err := config.SaveConfig(cfg, *saveConfig); err != nil {
			logger.Fatal("failed to save configuration", zap.Error(err))
		}
		logger.Info("configuration written", zap.String("path", *saveConfig))
		os.Exit(0)
	}

	logger.Info("configuration loaded",
		zap.String("mode", cfg.Mode),
		zap.Uint32("ssrc", cfg.SSRC),
		zap.String("remote", fmt.Sprintf("%s:%d", cfg.Transport.RemoteHost, cfg.Transport.RemotePort)))

	app := NewApplication(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		logger.Fatal("failed to start application", zap.Error(err))
	}

	select {
	case sig := <-signalCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	app.Stop(shutdownCtx)
	logger.Info("shutdown complete")
}

// NewApplication constructs an application around a loaded configuration.
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	return &Application{config: cfg, logger: logger}
}

// Start opens the transport session, the engine, and the status web
// server, then launches the sender or receiver pipeline according to
// a.config.Mode (spec §6).
func (a *Application) Start(ctx context.Context) error {
	session, err := transport.Open(a.config.ToTransportConfig(), a.logger)
	if err != nil {
		return fmt.Errorf("failed to open transport session: %w", err)
	}
	a.session = session
	a.logger.Info("transport session opened", zap.Stringer("local_rtp_addr", session.LocalRTPAddr()))

	a.eng = engine.New(a.config.ToEngineConfig(), session, a.logger)

	a.status = statusweb.New(a.config.ToStatusWebConfig(),
		statusweb.StatsProviderFunc(func() interface{} { return a.eng.Stats() }),
		a.logger)
	if err := a.status.Start(ctx); err != nil {
		return fmt.Errorf("failed to start status web server: %w", err)
	}

	switch a.config.Mode {
	case "send":
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runSender(ctx)
		}()
	case "receive":
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runReceiver(ctx)
		}()
	default:
		return fmt.Errorf("unknown mode %q, want send or receive", a.config.Mode)
	}

	a.logger.Info("application started", zap.String("mode", a.config.Mode))
	return nil
}

// runSender packetizes length-prefixed frames read from stdin and drives
// them through the engine's send pipeline.
func (a *Application) runSender(ctx context.Context) {
	in := make(chan rtppkt.Packet, 64)
	go framesFromReader(ctx, os.Stdin, a.config.SSRC, in, a.logger)

	enc := media.NewNullEncoder(in)
	if err := a.eng.RunSender(ctx, enc); err != nil && err != context.Canceled {
		a.logger.Warn("sender pipeline stopped", zap.Error(err))
	}
}

// runReceiver drives the engine's receive pipeline and writes recovered
// frames to stdout, length-prefixed.
func (a *Application) runReceiver(ctx context.Context) {
	out := make(chan rtppkt.Packet, 64)
	go framesToWriter(ctx, os.Stdout, out, a.logger)

	dec := media.NewNullDecoder(out)
	if err := a.eng.RunReceiver(ctx, dec); err != nil && err != context.Canceled {
		a.logger.Warn("receiver pipeline stopped", zap.Error(err))
	}
}

// framesFromReader reads 4-byte-length-prefixed frames from r and wraps
// each as an RTP packet. Sequence number, timestamp, and SSRC are left
// for the engine's re-stamp step (spec §4.1, §4.6(a)) to assign, since
// only the engine's single sender loop owns that numbering domain.
func framesFromReader(ctx context.Context, r io.Reader, ssrc uint32, out chan<- rtppkt.Packet, logger *zap.Logger) {
	defer close(out)
	br := bufio.NewReader(r)

	for {
		var length uint32
		if err := binary.Read(br, binary.BigEndian, &length); err != nil {
			if err != io.EOF {
				logger.Debug("stdin frame read stopped", zap.Error(err))
			}
			return
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			logger.Debug("stdin frame body read stopped", zap.Error(err))
			return
		}

		pkt := rtppkt.Packet{
			Marker:      true,
			PayloadType: rtppkt.PayloadTypeMedia,
			SSRC:        ssrc,
			Payload:     payload,
		}

		select {
		case out <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// framesToWriter writes each decoded packet's payload to w, 4-byte
// length-prefixed, the inverse of framesFromReader.
func framesToWriter(ctx context.Context, w io.Writer, in <-chan rtppkt.Packet, logger *zap.Logger) {
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				return
			}
			if err := binary.Write(bw, binary.BigEndian, uint32(len(pkt.Payload))); err != nil {
				logger.Warn("stdout frame write failed", zap.Error(err))
				return
			}
			if _, err := bw.Write(pkt.Payload); err != nil {
				logger.Warn("stdout frame write failed", zap.Error(err))
				return
			}
			bw.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the running pipeline and closes the transport session and
// status web server, waiting up to ctx's deadline for goroutines to exit.
func (a *Application) Stop(ctx context.Context) {
	if a.eng != nil {
		a.eng.Stop()
	}
	if a.status != nil {
		if err := a.status.Stop(); err != nil {
			a.logger.Error("error stopping status web server", zap.Error(err))
		}
	}
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.logger.Error("error closing transport session", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("all components stopped gracefully")
	case <-ctx.Done():
		a.logger.Warn("shutdown timeout reached, forcing exit")
	}
}

// createLogger builds a structured logger writing to stdout and a
// rotating log file, keeping the last 20 files (spec §3's ambient logging
// stack).
func createLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	const logDir = "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(logDir, fmt.Sprintf("resilient-rtp-%s.log", ts))

	files, _ := filepath.Glob(filepath.Join(logDir, "resilient-rtp-*.log"))
	if len(files) > 20 {
		sort.Strings(files)
		for _, f := range files[:len(files)-20] {
			_ = os.Remove(f)
		}
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return cfg.Build()
}
