package fec

import (
	"sort"

	"resilient-rtp/gf"
	"resilient-rtp/rtppkt"
)

// recover partitions a received batch into media/parity/RED, applies
// RED-assisted recovery, then iterates single-erasure parity recovery to
// a fixed point (spec §4.3 steps 1-6), returning the known set sorted
// ascending by sequence number.
func recover(field gf.Field, received []rtppkt.Packet) ([]rtppkt.Packet, int) {
	known := make(map[uint16]rtppkt.Packet)
	var parityPkts []rtppkt.Packet

	for _, pkt := range received {
		switch pkt.PayloadType {
		case rtppkt.PayloadTypeFEC:
			parityPkts = append(parityPkts, pkt)
		case rtppkt.PayloadTypeRED:
			for _, synth := range recoverFromRED(pkt) {
				if _, exists := known[synth.SequenceNumber]; !exists {
					known[synth.SequenceNumber] = synth
				}
			}
		default:
			known[pkt.SequenceNumber] = pkt
		}
	}

	recoveredCount := fixedPointRecover(field, parityPkts, known)

	out := make([]rtppkt.Packet, 0, len(known))
	for _, pkt := range known {
		out = append(out, pkt)
	}
	sortBySequence(out)

	return out, recoveredCount
}

// fixedPointRecover repeatedly scans the parity set, recovering any
// parity equation with exactly one missing protected sequence, until a
// full pass yields no new recoveries (spec §4.3 step 5 — this is what
// lets recovering one packet unlock another equation in the same pass).
func fixedPointRecover(field gf.Field, parityPkts []rtppkt.Packet, known map[uint16]rtppkt.Packet) int {
	total := 0
	for {
		progressed := false
		for _, p := range parityPkts {
			if len(p.Payload) < headerSize {
				continue
			}
			hdr, err := parseParityHeader(p.Payload)
			if err != nil {
				continue
			}
			seq, payload, ok := tryRecoverOne(field, hdr, p.Payload[headerSize:], known)
			if !ok {
				continue
			}
			known[seq] = rtppkt.Packet{
				PayloadType:    rtppkt.PayloadTypeMedia,
				SequenceNumber: seq,
				Timestamp:      p.Timestamp,
				SSRC:           p.SSRC,
				Payload:        payload,
			}
			progressed = true
			total++
		}
		if !progressed {
			break
		}
	}
	return total
}

// tryRecoverOne attempts to recover the single missing protected sequence
// of one parity equation. Returns ok=false if zero or more-than-one
// sequences are missing, or if the missing packet's coefficient is zero
// (a sanity guard — the generator never produces a zero coefficient, so
// this should not occur in practice, spec §4.3 Failure modes).
func tryRecoverOne(field gf.Field, hdr parityHeader, parityPayload []byte, known map[uint16]rtppkt.Packet) (uint16, []byte, bool) {
	protected := hdr.protectedSequences()

	var missing []uint16
	for _, seq := range protected {
		if _, ok := known[seq]; !ok {
			missing = append(missing, seq)
		}
	}
	if len(missing) != 1 {
		return 0, nil, false
	}
	missingSeq := missing[0]

	missingIdx := -1
	for idx, seq := range protected {
		if seq == missingSeq {
			missingIdx = idx
			break
		}
	}
	if missingIdx < 0 || missingIdx >= len(hdr.coeffs) {
		return 0, nil, false
	}
	missingCoeff := hdr.coeffs[missingIdx]
	if missingCoeff == 0 {
		return 0, nil, false
	}

	result := make([]byte, len(parityPayload))
	copy(result, parityPayload)

	for idx, seq := range protected {
		if seq == missingSeq {
			continue
		}
		pkt, ok := known[seq]
		if !ok || idx >= len(hdr.coeffs) {
			continue
		}
		c := hdr.coeffs[idx]
		for k := range result {
			var v byte
			if k < len(pkt.Payload) {
				v = pkt.Payload[k]
			}
			result[k] = field.Sub(result[k], field.Mul(c, v))
		}
	}

	inv := field.Inverse(missingCoeff)
	for k := range result {
		result[k] = field.Mul(result[k], inv)
	}

	return missingSeq, result, true
}

func sortBySequence(pkts []rtppkt.Packet) {
	if len(pkts) == 0 {
		return
	}
	anchor := pkts[0].SequenceNumber
	sort.Slice(pkts, func(i, j int) bool {
		return rtppkt.SeqDistance(anchor, pkts[i].SequenceNumber) < rtppkt.SeqDistance(anchor, pkts[j].SequenceNumber)
	})
}
