// Package jitter implements the playback jitter buffer (spec §4.4): it
// reorders incoming media packets into a sequence-ordered stream, holds
// them back long enough to absorb network jitter, and drops packets that
// arrive too late or too far out of order to be useful.
package jitter

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"resilient-rtp/rtppkt"
)

// Config holds the tunable jitter buffer parameters (spec §3).
type Config struct {
	TargetDelay      time.Duration // default 100ms
	MaxDelay         time.Duration // default 500ms
	ReorderTolerance uint16        // default 5
	MaxPackets       int           // overflow ceiling, default 100
}

// DefaultConfig returns spec.md's defaults (spec §3, §4.4).
func DefaultConfig() Config {
	return Config{
		TargetDelay:      100 * time.Millisecond,
		MaxDelay:         500 * time.Millisecond,
		ReorderTolerance: 5,
		MaxPackets:       100,
	}
}

// Stats is an immutable snapshot of the buffer's counters (spec §4.4).
type Stats struct {
	PacketsBuffered int64
	PacketsPlayed   int64
	PacketsDropped  int64
	PacketsReordered int64
	CurrentPackets  int
	BufferDepthMS   int64
	AvgJitterMS     float64
	ReorderRate     float64
	DropRate        float64
}

// Buffer is a sequence-ordered playback buffer with adaptive jitter
// holdback. The zero value is not usable; construct with New.
type Buffer struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	packets  map[uint16]rtppkt.Packet
	nextSeq  *uint16
	highSeq  *uint16

	firstPacketTime time.Time
	lastPopTime     time.Time
	lastCleanup     time.Time

	jitterEstimate float64
	jitterVariance float64
	lastRTPStamp   uint32
	haveLastStamp  bool

	packetsBuffered  int64
	packetsPlayed    int64
	packetsDropped   int64
	packetsReordered int64
}

const jitterAlpha = 0.125

// New constructs an empty jitter buffer.
func New(cfg Config, logger *zap.Logger) *Buffer {
	if cfg.TargetDelay <= 0 {
		cfg.TargetDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 500 * time.Millisecond
	}
	if cfg.ReorderTolerance == 0 {
		cfg.ReorderTolerance = 5
	}
	if cfg.MaxPackets <= 0 {
		cfg.MaxPackets = 100
	}
	return &Buffer{
		cfg:         cfg,
		logger:      logger,
		packets:     make(map[uint16]rtppkt.Packet),
		lastCleanup: time.Now(),
	}
}

// Push adds a packet to the buffer. It reports false if the packet was a
// duplicate or too old to be usefully buffered (spec §4.4 edge cases).
func (b *Buffer) Push(pkt rtppkt.Packet) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := pkt.SequenceNumber

	if b.nextSeq == nil {
		s := seq
		b.nextSeq = &s
		h := seq
		b.highSeq = &h
		b.firstPacketTime = time.Now()
	}

	if _, exists := b.packets[seq]; exists {
		return false
	}

	if rtppkt.SeqDistance(*b.nextSeq, seq) < -int32(b.cfg.ReorderTolerance) {
		b.packetsDropped++
		return false
	}

	b.packets[seq] = pkt
	b.packetsBuffered++

	if rtppkt.SeqLess(seq, *b.highSeq) {
		b.packetsReordered++
	}
	if rtppkt.SeqLess(*b.highSeq, seq) {
		b.highSeq = &seq
	}

	b.updateJitter(pkt.Timestamp)

	if time.Since(b.lastCleanup) > time.Second {
		b.cleanup()
		b.lastCleanup = time.Now()
	}

	return true
}

// Pop returns the next in-sequence packet once the buffer judges itself
// ready to play (spec §4.4). It returns false when nothing is ready —
// either the buffer is empty, still filling its holdback, or the next
// expected sequence is a gap the caller should treat as loss.
func (b *Buffer) Pop() (rtppkt.Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popLocked()
}

func (b *Buffer) popLocked() (rtppkt.Packet, bool) {
	if b.nextSeq == nil || !b.readyToPlayLocked() {
		return rtppkt.Packet{}, false
	}

	seq := *b.nextSeq
	if pkt, ok := b.packets[seq]; ok {
		delete(b.packets, seq)
		b.packetsPlayed++
		next := seq + 1
		b.nextSeq = &next
		b.lastPopTime = time.Now()
		return pkt, true
	}

	// The expected sequence is missing — skip it. If there's a large gap
	// to the buffer's earliest packet, jump straight there instead of
	// stepping through every missing sequence one at a time.
	next := seq + 1
	b.nextSeq = &next
	if min, ok := b.minSequenceLocked(); ok && rtppkt.SeqLess(*b.nextSeq, min) {
		b.nextSeq = &min
	}
	return rtppkt.Packet{}, false
}

// PopBatch drains up to max in-sequence packets (spec §4.4).
func (b *Buffer) PopBatch(max int) []rtppkt.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]rtppkt.Packet, 0, max)
	for i := 0; i < max; i++ {
		pkt, ok := b.popLocked()
		if !ok {
			break
		}
		out = append(out, pkt)
	}
	return out
}

func (b *Buffer) minSequenceLocked() (uint16, bool) {
	if len(b.packets) == 0 {
		return 0, false
	}
	var min uint16
	first := true
	for seq := range b.packets {
		if first || rtppkt.SeqLess(seq, min) {
			min = seq
			first = false
		}
	}
	return min, true
}

// readyToPlayLocked implements spec §4.4's holdback gate: wait at least
// TargetDelay after the first packet, then scale the requirement up by
// twice the current jitter estimate, capped at MaxDelay.
func (b *Buffer) readyToPlayLocked() bool {
	if len(b.packets) == 0 {
		return false
	}

	elapsed := time.Since(b.firstPacketTime)
	if elapsed < b.cfg.TargetDelay {
		return false
	}

	if b.jitterEstimate > 0 {
		required := b.cfg.TargetDelay + time.Duration(2*b.jitterEstimate*float64(time.Millisecond))
		if required > b.cfg.MaxDelay {
			required = b.cfg.MaxDelay
		}
		if b.depthMSLocked() < required.Milliseconds() {
			return false
		}
	}

	return true
}

func (b *Buffer) depthMSLocked() int64 {
	if len(b.packets) < 2 {
		return 0
	}
	var minTS, maxTS uint32
	first := true
	for _, pkt := range b.packets {
		if first {
			minTS, maxTS = pkt.Timestamp, pkt.Timestamp
			first = false
			continue
		}
		if rtppkt.TimestampLess(pkt.Timestamp, minTS) {
			minTS = pkt.Timestamp
		}
		if rtppkt.TimestampLess(maxTS, pkt.Timestamp) {
			maxTS = pkt.Timestamp
		}
	}
	return int64(maxTS-minTS) / (rtppkt.ClockRate / 1000)
}

// DepthMS reports the current buffer depth in milliseconds, derived from
// RTP timestamps rather than wall-clock arrival (spec §4.4).
func (b *Buffer) DepthMS() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depthMSLocked()
}

// updateJitter applies RFC 3550's jitter estimator with an exponential
// moving average (spec §4.4, alpha=0.125).
func (b *Buffer) updateJitter(ts uint32) {
	if b.lastPopTime.IsZero() {
		b.lastRTPStamp = ts
		b.haveLastStamp = true
		return
	}

	arrivalDelta := time.Since(b.lastPopTime).Seconds()
	if b.haveLastStamp {
		rtpDelta := float64(int32(ts-b.lastRTPStamp)) / float64(rtppkt.ClockRate)
		diff := (arrivalDelta - rtpDelta)
		if diff < 0 {
			diff = -diff
		}
		diffMS := diff * 1000

		b.jitterEstimate = (1-jitterAlpha)*b.jitterEstimate + jitterAlpha*diffMS
		variance := diffMS - b.jitterEstimate
		if variance < 0 {
			variance = -variance
		}
		b.jitterVariance = (1-jitterAlpha)*b.jitterVariance + jitterAlpha*variance
	}

	b.lastRTPStamp = ts
	b.haveLastStamp = true
}

// cleanup evicts packets too far behind the playback cursor and, on
// overflow, drops the oldest half of the buffer (spec §4.4).
func (b *Buffer) cleanup() {
	if len(b.packets) == 0 {
		return
	}

	if b.nextSeq != nil {
		cutoff := *b.nextSeq - b.cfg.ReorderTolerance
		for seq := range b.packets {
			if rtppkt.SeqDistance(cutoff, seq) < 0 {
				delete(b.packets, seq)
				b.packetsDropped++
			}
		}
	}

	if len(b.packets) > b.cfg.MaxPackets {
		order := make([]uint16, 0, len(b.packets))
		for seq := range b.packets {
			order = append(order, seq)
		}
		sortAscending(order)
		toDrop := len(b.packets) - b.cfg.MaxPackets/2
		for i := 0; i < toDrop && i < len(order); i++ {
			delete(b.packets, order[i])
			b.packetsDropped++
		}
		if b.logger != nil {
			b.logger.Warn("jitter buffer overflow, dropped oldest half", zap.Int("dropped", toDrop))
		}
	}
}

func sortAscending(seqs []uint16) {
	if len(seqs) == 0 {
		return
	}
	anchor := seqs[0]
	for i := 1; i < len(seqs); i++ {
		for j := i; j > 0 && rtppkt.SeqDistance(anchor, seqs[j]) < rtppkt.SeqDistance(anchor, seqs[j-1]); j-- {
			seqs[j], seqs[j-1] = seqs[j-1], seqs[j]
		}
	}
}

// Reset clears all buffered state (spec §4.4).
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.packets = make(map[uint16]rtppkt.Packet)
	b.nextSeq = nil
	b.highSeq = nil
	b.firstPacketTime = time.Time{}
	b.lastPopTime = time.Time{}
	b.jitterEstimate = 0
	b.jitterVariance = 0
	b.haveLastStamp = false
}

// DepthPackets reports how many packets are currently buffered.
func (b *Buffer) DepthPackets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.packets)
}

// Stats returns an immutable snapshot of the buffer's counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		PacketsBuffered:  b.packetsBuffered,
		PacketsPlayed:    b.packetsPlayed,
		PacketsDropped:   b.packetsDropped,
		PacketsReordered: b.packetsReordered,
		CurrentPackets:   len(b.packets),
		BufferDepthMS:    b.depthMSLocked(),
		AvgJitterMS:      b.jitterEstimate,
	}
	if b.packetsBuffered > 0 {
		s.ReorderRate = float64(b.packetsReordered) / float64(b.packetsBuffered)
		s.DropRate = float64(b.packetsDropped) / float64(b.packetsBuffered)
	}
	return s
}
