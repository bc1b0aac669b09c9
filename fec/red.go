package fec

import (
	"resilient-rtp/rtppkt"
)

// redSecondaryCap is the maximum truncated payload length carried by a RED
// secondary block (spec §3).
const redSecondaryCap = 100

// redRingSize is the size of the ring of recent media packets the encoder
// keeps to build RED secondaries (spec §4.3).
const redRingSize = 3

// redTimestampOffsetMax is the largest timestamp offset the 14-bit field
// can carry: 16384 units of the 90 kHz clock (~182 ms, spec §9).
const redTimestampOffsetMax = 1 << 14

// isCritical reports whether pkt should get a RED redundant copy: the
// marker bit is set, or its sequence number is a multiple of 30 (spec §4.3).
func isCritical(pkt rtppkt.Packet) bool {
	return pkt.Marker || pkt.SequenceNumber%30 == 0
}

// buildRED constructs a RED packet whose primary is current and whose
// single secondary is prev, truncated to redSecondaryCap bytes. Returns
// false if the timestamp offset would overflow the 14-bit field (spec §9)
// — the secondary is simply omitted from an otherwise-identical send, by
// not building the RED packet in that case, since there is no prior
// copy within range to usefully redeem.
func buildRED(current, prev rtppkt.Packet) (rtppkt.Packet, bool) {
	tsOffset := current.Timestamp - prev.Timestamp
	if tsOffset >= redTimestampOffsetMax {
		return rtppkt.Packet{}, false
	}

	secondaryPayload := prev.Payload
	if len(secondaryPayload) > redSecondaryCap {
		secondaryPayload = secondaryPayload[:redSecondaryCap]
	}
	length := len(secondaryPayload)

	payload := make([]byte, 0, 4+length+1+len(current.Payload))

	// Secondary block header: F=1, PT(7), ts_offset(14), length(10).
	payload = append(payload,
		0x80|(prev.PayloadType&0x7F),
		byte((tsOffset>>6)&0xFF),
		byte(((tsOffset<<2)&0xFC)|((uint32(length)>>8)&0x03)),
		byte(length&0xFF),
	)
	payload = append(payload, secondaryPayload...)

	// Primary block header: F=0, PT(7).
	payload = append(payload, current.PayloadType&0x7F)
	payload = append(payload, current.Payload...)

	return rtppkt.Packet{
		Marker:         current.Marker,
		PayloadType:    rtppkt.PayloadTypeRED,
		SequenceNumber: current.SequenceNumber,
		Timestamp:      current.Timestamp,
		SSRC:           current.SSRC,
		Payload:        payload,
	}, true
}

// redBlock is one decoded secondary or primary block from a RED payload.
type redBlock struct {
	primary   bool
	payloadType uint8
	tsOffset  uint32
	payload   []byte
}

// parseRED splits a RED payload into its secondary blocks (in order) and
// its terminal primary block. Malformed payloads return a nil slice.
func parseRED(payload []byte) []redBlock {
	var blocks []redBlock
	offset := 0

	for offset < len(payload) {
		header := payload[offset]
		more := header&0x80 != 0
		pt := header & 0x7F

		if !more {
			offset++
			blocks = append(blocks, redBlock{
				primary:     true,
				payloadType: pt,
				payload:     payload[offset:],
			})
			return blocks
		}

		if offset+4 > len(payload) {
			return nil
		}
		tsOffset := (uint32(payload[offset+1]) << 6) | (uint32(payload[offset+2]) >> 2)
		length := int((uint32(payload[offset+2]&0x03) << 8) | uint32(payload[offset+3]))
		offset += 4

		if offset+length > len(payload) {
			return nil
		}
		blocks = append(blocks, redBlock{
			primary:     false,
			payloadType: pt,
			tsOffset:    tsOffset,
			payload:     payload[offset : offset+length],
		})
		offset += length
	}

	return nil
}

// recoverFromRED extracts the primary and every secondary block from a
// RED packet as synthetic media packets. Secondary k (0-indexed from the
// end) is assigned sequence red.seq-1-k and timestamp red.timestamp minus
// its timestamp offset (spec §4.3).
func recoverFromRED(red rtppkt.Packet) []rtppkt.Packet {
	blocks := parseRED(red.Payload)
	if blocks == nil {
		return nil
	}

	out := make([]rtppkt.Packet, 0, len(blocks))
	secondaryIndex := len(blocks) - 2 // blocks end with exactly one primary
	for _, b := range blocks {
		if b.primary {
			out = append(out, rtppkt.Packet{
				Marker:         red.Marker,
				PayloadType:    rtppkt.PayloadTypeMedia,
				SequenceNumber: red.SequenceNumber,
				Timestamp:      red.Timestamp,
				SSRC:           red.SSRC,
				Payload:        b.payload,
			})
			continue
		}
		out = append(out, rtppkt.Packet{
			PayloadType:    rtppkt.PayloadTypeMedia,
			SequenceNumber: red.SequenceNumber - 1 - uint16(secondaryIndex),
			Timestamp:      red.Timestamp - b.tsOffset,
			SSRC:           red.SSRC,
			Payload:        b.payload,
		})
		secondaryIndex--
	}
	return out
}
