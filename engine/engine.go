// Package engine orchestrates the send and receive pipelines (spec §4.6,
// §6): it wires the media encoder/decoder, the FEC/RED engine, the
// jitter buffer, the adaptive controller, and a transport session into a
// single running pipeline with a context-cancel lifecycle and a
// background stats-monitoring loop.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"resilient-rtp/controller"
	"resilient-rtp/fec"
	"resilient-rtp/jitter"
	"resilient-rtp/media"
	"resilient-rtp/rtppkt"
	"resilient-rtp/transport"
)

// Config holds the knobs for a running engine (spec §3, §6).
type Config struct {
	SSRC            uint32
	CaptureQueueCap int           // bounded drop-oldest capture queue, default 1000
	ReportInterval  time.Duration // SR/RR emission cadence, default 1s (spec §6: 1-2s)
	ReadBufferSize  int           // default 1500

	FEC        fec.Config
	Jitter     jitter.Config
	Controller controller.Config
}

// DefaultConfig fills in spec.md's ambient defaults on top of the
// per-component defaults (spec §3).
func DefaultConfig() Config {
	return Config{
		CaptureQueueCap: 1000,
		ReportInterval:  time.Second,
		ReadBufferSize:  1500,
		FEC:             fec.DefaultConfig(),
		Jitter:          jitter.DefaultConfig(),
		Controller:      controller.DefaultConfig(),
	}
}

// timestampAdvance is the 90kHz-clock advance the sender applies per
// re-stamped packet, matching a 30fps source (spec §4.6(a): "timestamp
// advance of 3000 per frame at 30 fps").
const timestampAdvance = 3000

// Engine runs one direction's pipeline: a sender pulls from an Encoder,
// protects and paces packets, and writes them to a transport session; a
// receiver reads from a transport session, recovers and reorders
// packets, and hands them to a Decoder.
type Engine struct {
	cfg     Config
	id      uuid.UUID
	logger  *zap.Logger
	session *transport.Session

	fecEngine  *fec.Engine
	jitterBuf  *jitter.Buffer
	ctl        *controller.Controller

	wg     sync.WaitGroup
	cancel context.CancelFunc

	// nextSeq/nextTimestamp are the sender's own numbering domain (spec
	// §4.1, §4.6(a)); only RunSender's single consumer loop touches them,
	// so no synchronization is needed.
	nextSeq       uint16
	nextTimestamp uint32

	packetsSent uint64
	bytesSent   uint64
}

// New constructs an engine bound to an already-open transport session.
func New(cfg Config, session *transport.Session, logger *zap.Logger) *Engine {
	if cfg.CaptureQueueCap <= 0 {
		cfg.CaptureQueueCap = 1000
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = time.Second
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 1500
	}
	return &Engine{
		cfg:       cfg,
		id:        uuid.New(),
		logger:    logger,
		session:   session,
		fecEngine: fec.New(cfg.FEC, logger),
		jitterBuf: jitter.New(cfg.Jitter, logger),
		ctl:       controller.New(cfg.Controller, logger),
	}
}

// ID returns the engine's session identifier, used to correlate log
// lines and status dashboard entries across a run.
func (e *Engine) ID() uuid.UUID {
	return e.id
}

// RunSender drives the send pipeline: pull a packet from enc, protect it
// with FEC/RED, pace it against the controller's current bitrate target,
// and write it to the transport session (spec §4.6, §6). It blocks
// until ctx is canceled or enc returns a terminal error.
func (e *Engine) RunSender(ctx context.Context, enc media.Encoder) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(e.cfg.Controller.InitialBitrate/8), e.cfg.ReadBufferSize*4)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.adaptationLoop(ctx, limiter)
	}()

	queue := make(chan rtppkt.Packet, e.cfg.CaptureQueueCap)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.captureLoop(ctx, enc, queue)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.senderReportLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case pkt, ok := <-queue:
			if !ok {
				e.wg.Wait()
				return nil
			}
			pkt = e.restamp(pkt)
			if err := e.sendProtected(ctx, pkt, limiter); err != nil {
				e.logger.Warn("send failed", zap.Error(err), zap.Uint16("seq", pkt.SequenceNumber))
			}
		}
	}
}

// captureLoop reads packets from the encoder and pushes them into the
// bounded queue, dropping the oldest entry on overflow so a slow
// transport never blocks capture (spec §6, §7).
func (e *Engine) captureLoop(ctx context.Context, enc media.Encoder, queue chan<- rtppkt.Packet) {
	for {
		pkt, err := enc.Encode(ctx)
		if err != nil {
			close(queue)
			return
		}
		select {
		case queue <- pkt:
		default:
			select {
			case <-queue:
			default:
			}
			select {
			case queue <- pkt:
			default:
			}
			e.logger.Debug("capture queue full, dropped oldest packet")
		}
	}
}

// restamp re-assigns pkt's sequence number and timestamp into the
// sender's own monotonic numbering domain (spec §4.1, §4.6(a)): a
// strictly consecutive sequence and a fixed 3000/frame (90kHz) timestamp
// advance, regardless of whatever domain the encoder produced pkt in.
// The FEC group bitmask encoding (fec/encode.go, fec/header.go) assumes
// strictly consecutive base+j sequences, so this must run before Protect.
func (e *Engine) restamp(pkt rtppkt.Packet) rtppkt.Packet {
	pkt.SequenceNumber = e.nextSeq
	pkt.Timestamp = e.nextTimestamp
	pkt.SSRC = e.cfg.SSRC
	e.nextSeq++
	e.nextTimestamp += timestampAdvance
	return pkt
}

func (e *Engine) sendProtected(ctx context.Context, pkt rtppkt.Packet, limiter *rate.Limiter) error {
	for _, out := range e.fecEngine.Protect(pkt) {
		wire, err := rtppkt.Serialize(out)
		if err != nil {
			return fmt.Errorf("engine: serialize: %w", err)
		}
		if err := limiter.WaitN(ctx, len(wire)); err != nil {
			return err
		}
		if err := e.session.WriteRTP(wire); err != nil {
			return err
		}
		atomic.AddUint64(&e.packetsSent, 1)
		atomic.AddUint64(&e.bytesSent, uint64(len(wire)))
	}
	return nil
}

// adaptationLoop periodically ticks the controller and re-sizes the
// pacing limiter and the FEC protection ratio to match (spec §4.5, §4.6).
func (e *Engine) adaptationLoop(ctx context.Context, limiter *rate.Limiter) {
	ticker := time.NewTicker(e.cfg.Controller.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			settings, ran := e.ctl.Tick(time.Now())
			if !ran {
				continue
			}
			limiter.SetLimit(rate.Limit(settings.Bitrate / 8))
			e.fecEngine.SetProtectionRatio(settings.FECRatio)
		}
	}
}

// IngestNetworkSample feeds a loss/RTT/jitter observation into the
// adaptive controller, typically derived from an incoming RTCP receiver
// report (spec §4.5, §6).
func (e *Engine) IngestNetworkSample(lossRate, rttMS, jitterMS float64) {
	e.ctl.IngestLoss(lossRate)
	e.ctl.IngestRTT(rttMS)
	e.ctl.IngestJitter(jitterMS)
}

// RunReceiver drives the receive pipeline: read datagrams from the
// transport session, batch them into the FEC engine for recovery, push
// recovered packets through the jitter buffer, and hand in-order packets
// to dec (spec §4.6, §6). It blocks until ctx is canceled.
func (e *Engine) RunReceiver(ctx context.Context, dec media.Decoder) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.receiverReportLoop(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.playbackLoop(ctx, dec)
	}()

	buf := make([]byte, e.cfg.ReadBufferSize)
	var batch []rtppkt.Packet
	lastFlush := time.Now()

	for {
		n, err := e.session.ReadRTP(ctx, buf)
		if err != nil {
			e.wg.Wait()
			return err
		}

		pkt, err := rtppkt.Parse(buf[:n])
		if err != nil {
			e.logger.Debug("dropped malformed packet", zap.Error(err))
			continue
		}
		batch = append(batch, pkt)

		if len(batch) >= e.cfg.FEC.GroupSize*2 || time.Since(lastFlush) > 100*time.Millisecond {
			for _, recovered := range e.fecEngine.Recover(batch) {
				e.jitterBuf.Push(recovered)
			}
			batch = batch[:0]
			lastFlush = time.Now()
		}
	}
}

// playbackLoop drains ready packets from the jitter buffer and hands
// them to the decoder in order (spec §4.4, §4.6).
func (e *Engine) playbackLoop(ctx context.Context, dec media.Decoder) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pkt := range e.jitterBuf.PopBatch(32) {
				if err := dec.Decode(ctx, pkt); err != nil {
					e.logger.Warn("decode failed", zap.Error(err), zap.Uint16("seq", pkt.SequenceNumber))
				}
			}
		}
	}
}

// senderReportLoop emits periodic RTCP sender reports describing this
// sender's own transmission progress (spec §6: "Minimal SR (PT=200) ...
// emitted each 1-2s").
func (e *Engine) senderReportLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sr := rtcp.SenderReport{
				SSRC:        e.cfg.SSRC,
				NTPTime:     ntpTimestamp(time.Now()),
				RTPTime:     e.nextTimestamp,
				PacketCount: uint32(atomic.LoadUint64(&e.packetsSent)),
				OctetCount:  uint32(atomic.LoadUint64(&e.bytesSent)),
			}
			if err := e.session.SendSenderReport(sr); err != nil {
				e.logger.Debug("failed to send sender report", zap.Error(err))
			}
		}
	}
}

// ntpTimestamp converts t to the 64-bit NTP timestamp format RTCP sender
// reports carry (seconds since 1900-01-01 in the high 32 bits, fractional
// seconds in the low 32 bits).
func ntpTimestamp(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800 // seconds between 1900-01-01 and 1970-01-01
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) * (1 << 32) / 1e9
	return secs<<32 | frac
}

// receiverReportLoop emits periodic RTCP receiver reports and logs any
// incoming sender reports; nothing from those reports is fed into the
// controller (spec §4.5, §6).
func (e *Engine) receiverReportLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReportInterval)
	defer ticker.Stop()

	rtcpBuf := make([]byte, 1500)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := e.fecEngine.Stats()
			var fractionLost uint8
			if stats.PacketsReceived+stats.PacketsLost > 0 {
				fractionLost = uint8((stats.PacketsLost * 256) / (stats.PacketsReceived + stats.PacketsLost))
			}
			rr := rtcp.ReceiverReport{
				SSRC: e.cfg.SSRC,
				Reports: []rtcp.ReceptionReport{{
					SSRC:         e.cfg.SSRC,
					FractionLost: fractionLost,
					TotalLost:    uint32(stats.PacketsLost),
					Jitter:       uint32(e.jitterBuf.Stats().AvgJitterMS),
				}},
			}
			if err := e.session.SendReceiverReport(rr); err != nil {
				e.logger.Debug("failed to send receiver report", zap.Error(err))
			}

			rctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			if pkts, err := e.session.ReadRTCP(rctx, rtcpBuf); err == nil {
				for _, p := range pkts {
					if sr, ok := p.(*rtcp.SenderReport); ok {
						e.logger.Debug("received sender report",
							zap.Uint32("ssrc", sr.SSRC), zap.Uint64("ntp_time", sr.NTPTime))
					}
				}
			}
			cancel()
		}
	}
}

// Stop cancels any running pipeline and waits for its goroutines to
// finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Stats reports the engine's own counters plus its component stats
// (spec §4.6, §9's statistics-ownership redesign — every subcomponent
// owns its counters; the engine only aggregates a read-only view).
type Stats struct {
	PacketsSent uint64
	BytesSent   uint64
	FEC         fec.Stats
	Jitter      jitter.Stats
	Controller  controller.Settings
}

func (e *Engine) Stats() Stats {
	return Stats{
		PacketsSent: atomic.LoadUint64(&e.packetsSent),
		BytesSent:   atomic.LoadUint64(&e.bytesSent),
		FEC:         e.fecEngine.Stats(),
		Jitter:      e.jitterBuf.Stats(),
		Controller:  e.ctl.CurrentSettings(),
	}
}

// StatusWebView implements statusweb's metrics view so the status server
// can export these counters as Prometheus gauges without engine needing
// to import statusweb.
func (s Stats) StatusWebView() (packetsSent, packetsLost, packetsRecovered uint64, bufferDepthMS float64, bitrate int64) {
	return s.PacketsSent, s.FEC.PacketsLost, s.FEC.PacketsRecovered, float64(s.Jitter.BufferDepthMS), s.Controller.Bitrate
}
