package fec

import "sync"

// Stats is an immutable snapshot of the FEC engine's counters (spec §4.3,
// §9's statistics-ownership redesign: the engine holds authoritative
// counters behind a mutex, observers only ever see a copied snapshot).
type Stats struct {
	PacketsSent          uint64
	PacketsReceived      uint64
	PacketsRecovered     uint64
	PacketsLost          uint64
	FECPacketsGenerated  uint64
	OverheadRatio        float64
	RecoveryRate         float64
}

type statsCounters struct {
	mu sync.Mutex

	packetsSent         uint64
	packetsReceived     uint64
	packetsRecovered    uint64
	packetsLost         uint64
	fecPacketsGenerated uint64
}

func (s *statsCounters) incSent() {
	s.mu.Lock()
	s.packetsSent++
	s.mu.Unlock()
}

func (s *statsCounters) incReceived() {
	s.mu.Lock()
	s.packetsReceived++
	s.mu.Unlock()
}

func (s *statsCounters) incRecovered() {
	s.mu.Lock()
	s.packetsRecovered++
	s.mu.Unlock()
}

func (s *statsCounters) setLost(n uint64) {
	s.mu.Lock()
	s.packetsLost = n
	s.mu.Unlock()
}

func (s *statsCounters) addFECGenerated(n uint64) {
	s.mu.Lock()
	s.fecPacketsGenerated += n
	s.mu.Unlock()
}

func (s *statsCounters) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Stats{
		PacketsSent:         s.packetsSent,
		PacketsReceived:     s.packetsReceived,
		PacketsRecovered:    s.packetsRecovered,
		PacketsLost:         s.packetsLost,
		FECPacketsGenerated: s.fecPacketsGenerated,
	}
	if snap.PacketsSent > 0 {
		snap.OverheadRatio = float64(snap.FECPacketsGenerated) / float64(snap.PacketsSent)
	}
	if total := snap.PacketsRecovered + snap.PacketsLost; total > 0 {
		snap.RecoveryRate = float64(snap.PacketsRecovered) / float64(total)
	}
	return snap
}
