// Package rtppkt implements the wire-exact RTP packet model (spec §4.1,
// §6). It wraps github.com/pion/rtp for marshal/unmarshal and adds the
// wrap-safe sequence/timestamp comparisons the rest of the engine needs.
package rtppkt

import (
	"fmt"

	"github.com/pion/rtp"
)

// Designated payload-type values (spec §3).
const (
	PayloadTypeMedia = 96
	PayloadTypeRED   = 100
	PayloadTypeFEC   = 127
)

// ClockRate is the 90 kHz media clock spec.md assumes throughout.
const ClockRate = 90000

// Packet is an immutable RTP wire-format record: payload type, marker,
// sequence number, timestamp, SSRC, and opaque payload bytes.
type Packet struct {
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	Payload        []byte
}

// Parse decodes a wire-format RTP packet. Malformed input returns an error;
// callers at the transport boundary drop such packets silently and bump a
// counter (spec §7) rather than propagating the error further.
func Parse(b []byte) (Packet, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return Packet{}, fmt.Errorf("rtppkt: parse: %w", err)
	}
	// Unmarshal leaves pkt.Payload pointing into b; copy it so the Packet
	// does not change when the caller reuses b.
	payload := make([]byte, len(pkt.Payload))
	copy(payload, pkt.Payload)
	return Packet{
		Marker:         pkt.Marker,
		PayloadType:    pkt.PayloadType,
		SequenceNumber: pkt.SequenceNumber,
		Timestamp:      pkt.Timestamp,
		SSRC:           pkt.SSRC,
		Payload:        payload,
	}, nil
}

// Serialize encodes p to wire format, preserving marker, payload type,
// sequence, timestamp, SSRC, and payload exactly.
func Serialize(p Packet) ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         p.Marker,
			PayloadType:    p.PayloadType,
			SequenceNumber: p.SequenceNumber,
			Timestamp:      p.Timestamp,
			SSRC:           p.SSRC,
		},
		Payload: p.Payload,
	}
	b, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("rtppkt: serialize: %w", err)
	}
	return b, nil
}

// SeqLess reports whether a precedes b in wrap-safe 16-bit sequence order.
func SeqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// SeqDistance returns the signed wrap-safe distance b-a for 16-bit
// sequence numbers: positive when b is ahead of a.
func SeqDistance(a, b uint16) int32 {
	return int32(int16(b - a))
}

// TimestampLess reports whether a precedes b in wrap-safe 32-bit order.
func TimestampLess(a, b uint32) bool {
	return int32(a-b) < 0
}
