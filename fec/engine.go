// Package fec implements the FEC/RED engine (spec §4.3): it transforms a
// stream of media packets into media+parity(+RED) packets on the send
// side, and a bag of received packets back into the maximal
// sequence-ordered set of recovered media packets on the receive side.
package fec

import (
	"go.uber.org/zap"

	"resilient-rtp/gf"
	"resilient-rtp/rtppkt"
)

// Config holds the tunable FEC/RED parameters (spec §3).
type Config struct {
	GroupSize       int     // G, default 10
	ProtectionRatio float64 // p, [0.1, 0.5]
	EnableRED       bool
	Field           gf.Field // default Field257
}

// DefaultConfig returns spec.md's defaults: G=10, p=0.3, RED enabled,
// mod-257 arithmetic (spec §3, §4.2, §9).
func DefaultConfig() Config {
	return Config{
		GroupSize:       10,
		ProtectionRatio: 0.3,
		EnableRED:       true,
		Field:           gf.Field257{},
	}
}

// Engine is the send-side group buffer plus receive-side recovery logic.
// One Engine instance is used per direction per spec.md's single-threaded
// concurrency model (spec §5); an implementation running both directions
// simultaneously uses two Engines.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	group   []rtppkt.Packet
	redRing []rtppkt.Packet

	stats statsCounters
}

// New creates a FEC/RED engine. A non-positive cfg.GroupSize falls back to
// 10, and larger values are capped at maxGroupSize since the 19-byte
// header format can only describe up to 10 protected sequences (spec §4.3).
func New(cfg Config, logger *zap.Logger) *Engine {
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = 10
	}
	if cfg.GroupSize > maxGroupSize {
		cfg.GroupSize = maxGroupSize
	}
	if cfg.ProtectionRatio < 0.1 {
		cfg.ProtectionRatio = 0.1
	}
	if cfg.ProtectionRatio > 0.5 {
		cfg.ProtectionRatio = 0.5
	}
	if cfg.Field == nil {
		cfg.Field = gf.Field257{}
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		group:  make([]rtppkt.Packet, 0, cfg.GroupSize),
	}
}

// SetProtectionRatio updates p, clamped to [0.1, 0.5] (spec invariant iii).
// Called by the adaptive controller on each tick.
func (e *Engine) SetProtectionRatio(p float64) {
	if p < 0.1 {
		p = 0.1
	}
	if p > 0.5 {
		p = 0.5
	}
	e.cfg.ProtectionRatio = p
}

// Protect submits one outgoing media packet and returns the packets to
// actually send: the packet itself, an optional RED packet, and — once
// every GroupSize submissions — a batch of parity packets (spec §4.3
// Encode steps 1-4).
func (e *Engine) Protect(pkt rtppkt.Packet) []rtppkt.Packet {
	e.stats.incSent()
	out := make([]rtppkt.Packet, 0, 2)
	out = append(out, pkt)

	if e.cfg.EnableRED && isCritical(pkt) && len(e.redRing) > 0 {
		prev := e.redRing[len(e.redRing)-1]
		if red, ok := buildRED(pkt, prev); ok {
			out = append(out, red)
		}
	}
	e.pushRedRing(pkt)

	e.group = append(e.group, pkt)
	if len(e.group) >= e.cfg.GroupSize {
		parity := generateParity(e.cfg.Field, e.group, e.cfg.ProtectionRatio)
		e.stats.addFECGenerated(uint64(len(parity)))
		out = append(out, parity...)
		e.group = e.group[:0]
	}

	return out
}

func (e *Engine) pushRedRing(pkt rtppkt.Packet) {
	e.redRing = append(e.redRing, pkt)
	if len(e.redRing) > redRingSize {
		e.redRing = e.redRing[1:]
	}
}

// Recover decodes a batch of received packets (media, parity, RED) into
// the maximal sequence-ordered set of recovered media packets (spec §4.3
// Decode). Received media packets are counted toward packets_received;
// recovered packets toward packets_recovered; any sequence within the
// observed [min,max] span that is still missing after the fixed-point
// recovery pass counts as packets_lost (spec §4.3 Statistics exported).
func (e *Engine) Recover(received []rtppkt.Packet) []rtppkt.Packet {
	for _, pkt := range received {
		if pkt.PayloadType != rtppkt.PayloadTypeFEC && pkt.PayloadType != rtppkt.PayloadTypeRED {
			e.stats.incReceived()
		}
	}

	out, recoveredCount := recover(e.cfg.Field, received)
	for i := 0; i < recoveredCount; i++ {
		e.stats.incRecovered()
	}

	if len(out) > 0 {
		minSeq, maxSeq := out[0].SequenceNumber, out[0].SequenceNumber
		present := make(map[uint16]bool, len(out))
		for _, pkt := range out {
			present[pkt.SequenceNumber] = true
			if rtppkt.SeqLess(pkt.SequenceNumber, minSeq) {
				minSeq = pkt.SequenceNumber
			}
			if rtppkt.SeqLess(maxSeq, pkt.SequenceNumber) {
				maxSeq = pkt.SequenceNumber
			}
		}
		span := rtppkt.SeqDistance(minSeq, maxSeq) + 1
		lost := uint64(0)
		for i := int32(0); i < span; i++ {
			seq := minSeq + uint16(i)
			if !present[seq] {
				lost++
			}
		}
		e.stats.setLost(lost)
	}

	return out
}

// Stats returns an immutable snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}
