package fec

import (
	"math"

	"resilient-rtp/gf"
	"resilient-rtp/rtppkt"
)

// generateParity computes F = max(1, round(G*p)) parity packets for a
// full group, per spec §4.3. Coefficient row i is the Vandermonde row
// built from base_i = field.Base(i); the generator never emits a zero
// coefficient (spec §4.2).
func generateParity(field gf.Field, group []rtppkt.Packet, protectionRatio float64) []rtppkt.Packet {
	g := len(group)
	f := int(math.Round(float64(g) * protectionRatio))
	if f < 1 {
		f = 1
	}

	maxLen := 0
	for _, pkt := range group {
		if len(pkt.Payload) > maxLen {
			maxLen = len(pkt.Payload)
		}
	}

	last := group[g-1]
	baseSeq := group[0].SequenceNumber

	var bitmask uint16
	for j := range group {
		bitmask |= 1 << uint(j)
	}

	parity := make([]rtppkt.Packet, 0, f)
	for i := 0; i < f; i++ {
		coeffs := vandermondeRow(field, i, g)

		payload := make([]byte, maxLen)
		for j, pkt := range group {
			c := coeffs[j]
			for k := 0; k < len(pkt.Payload); k++ {
				payload[k] = field.Add(payload[k], field.Mul(c, pkt.Payload[k]))
			}
		}

		var hdr parityHeader
		hdr.count = uint8(g)
		hdr.baseSeq = baseSeq
		hdr.bitmask = bitmask
		copy(hdr.coeffs[:], coeffs)

		wire := append(hdr.encode(), payload...)

		parity = append(parity, rtppkt.Packet{
			PayloadType:    rtppkt.PayloadTypeFEC,
			SequenceNumber: last.SequenceNumber + 1 + uint16(i),
			Timestamp:      last.Timestamp,
			SSRC:           last.SSRC,
			Payload:        wire,
		})
	}
	return parity
}

// vandermondeRow computes [base_i^0, base_i^1, ..., base_i^(cols-1)]
// reduced into the field, substituting 1 wherever the generator would
// otherwise produce 0 (spec §4.2, §4.3).
func vandermondeRow(field gf.Field, row, cols int) []byte {
	base := field.Base(row)
	coeffs := make([]byte, cols)
	power := byte(1)
	for j := 0; j < cols; j++ {
		c := power
		if c == 0 {
			c = 1
		}
		coeffs[j] = c
		power = field.Mul(power, base)
	}
	return coeffs
}
