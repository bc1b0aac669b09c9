package jitter

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"resilient-rtp/rtppkt"
)

func pkt(seq uint16, ts uint32) rtppkt.Packet {
	return rtppkt.Packet{
		PayloadType:    rtppkt.PayloadTypeMedia,
		SequenceNumber: seq,
		Timestamp:      ts,
		SSRC:           1,
		Payload:        []byte{0x01, 0x02},
	}
}

func TestPushDuplicateRejected(t *testing.T) {
	b := New(DefaultConfig(), zap.NewNop())
	if !b.Push(pkt(1, 90000)) {
		t.Fatal("first push should succeed")
	}
	if b.Push(pkt(1, 90000)) {
		t.Fatal("duplicate push should be rejected")
	}
}

func TestPushTooOldRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReorderTolerance = 3
	b := New(cfg, zap.NewNop())

	b.Push(pkt(100, 900000))
	// Advance nextSeq by draining once target delay has passed isn't
	// exercised here; directly probe the tolerance boundary by pushing a
	// sequence far behind the first.
	if b.Push(pkt(90, 810000)) {
		t.Fatal("packet far behind reorder tolerance should be dropped")
	}
}

func TestPopWaitsForTargetDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetDelay = 50 * time.Millisecond
	b := New(cfg, zap.NewNop())

	b.Push(pkt(1, 90000))
	if _, ok := b.Pop(); ok {
		t.Fatal("expected no packet ready before target delay elapses")
	}

	time.Sleep(60 * time.Millisecond)
	got, ok := b.Pop()
	if !ok {
		t.Fatal("expected packet ready after target delay elapses")
	}
	if got.SequenceNumber != 1 {
		t.Fatalf("expected sequence 1, got %d", got.SequenceNumber)
	}
}

func TestPopBatchOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetDelay = 10 * time.Millisecond
	b := New(cfg, zap.NewNop())

	// Push out of order after the first packet, which sets the playback
	// cursor.
	b.Push(pkt(3, 3*3000))
	b.Push(pkt(5, 5*3000))
	b.Push(pkt(4, 4*3000))

	time.Sleep(15 * time.Millisecond)

	out := b.PopBatch(10)
	if len(out) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(out))
	}
	for i, want := range []uint16{3, 4, 5} {
		if out[i].SequenceNumber != want {
			t.Fatalf("position %d: expected seq %d, got %d", i, want, out[i].SequenceNumber)
		}
	}
}

func TestPopBatchSkipsGap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetDelay = 10 * time.Millisecond
	b := New(cfg, zap.NewNop())

	b.Push(pkt(10, 10*3000))
	// sequence 11 never arrives
	b.Push(pkt(12, 12*3000))

	time.Sleep(15 * time.Millisecond)

	// The missing 11 ends the first batch (Pop reports a gap as an empty
	// tick); the next batch resumes at 12.
	out := b.PopBatch(10)
	out = append(out, b.PopBatch(10)...)
	if len(out) != 2 {
		t.Fatalf("expected 2 packets after skipping the gap, got %d", len(out))
	}
	if out[0].SequenceNumber != 10 || out[1].SequenceNumber != 12 {
		t.Fatalf("unexpected sequence order: %v", out)
	}
}

func TestOverflowDropsOldestHalf(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPackets = 10
	cfg.TargetDelay = time.Hour // keep packets from draining via Pop
	b := New(cfg, zap.NewNop())

	for i := uint16(0); i < 20; i++ {
		b.Push(pkt(i, uint32(i)*3000))
	}
	b.mu.Lock()
	b.cleanup()
	b.mu.Unlock()

	if got := b.DepthPackets(); got > cfg.MaxPackets/2+1 {
		t.Fatalf("expected overflow cleanup to roughly halve the buffer, got %d packets", got)
	}
}

func TestResetClearsState(t *testing.T) {
	b := New(DefaultConfig(), zap.NewNop())
	b.Push(pkt(1, 90000))
	b.Reset()
	if b.DepthPackets() != 0 {
		t.Fatal("expected empty buffer after reset")
	}
	if _, ok := b.Pop(); ok {
		t.Fatal("expected no packet ready immediately after reset")
	}
}

func TestStatsRates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReorderTolerance = 2
	b := New(cfg, zap.NewNop())

	b.Push(pkt(10, 10*3000))
	b.Push(pkt(5, 5*3000)) // older than tolerance allows -> dropped

	s := b.Stats()
	if s.PacketsDropped == 0 {
		t.Fatal("expected at least one dropped packet")
	}
	if s.DropRate <= 0 {
		t.Fatal("expected a positive drop rate")
	}
}
