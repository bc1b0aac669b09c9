package fec

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// headerSize is the wire-exact FEC parity header: count(1) + base_seq(2)
// + bitmask(2) + coeffs(10) + md5_prefix(4) = 19 bytes (spec §4.3, §6).
const headerSize = 19

// maxGroupSize is the largest group the 10-coefficient, 16-bit bitmask
// header format can describe (spec §4.3: "the implementer MUST keep G ≤
// 10 when using this header format").
const maxGroupSize = 10

type parityHeader struct {
	count    uint8
	baseSeq  uint16
	bitmask  uint16
	coeffs   [maxGroupSize]byte
}

// encode writes the 19-byte wire header, including the MD5 prefix over
// the preceding 15 bytes.
func (h parityHeader) encode() []byte {
	buf := make([]byte, headerSize)
	buf[0] = h.count
	binary.BigEndian.PutUint16(buf[1:3], h.baseSeq)
	binary.BigEndian.PutUint16(buf[3:5], h.bitmask)
	copy(buf[5:15], h.coeffs[:])

	sum := md5.Sum(buf[:15])
	copy(buf[15:19], sum[:4])
	return buf
}

// parseParityHeader parses and authenticates a 19-byte parity header.
// A short buffer or a checksum mismatch is reported as an error; callers
// drop such packets silently per spec §4.3/§7.
func parseParityHeader(b []byte) (parityHeader, error) {
	if len(b) < headerSize {
		return parityHeader{}, fmt.Errorf("fec: short parity header: %d bytes", len(b))
	}

	sum := md5.Sum(b[:15])
	if string(sum[:4]) != string(b[15:19]) {
		return parityHeader{}, fmt.Errorf("fec: parity header checksum mismatch")
	}

	var h parityHeader
	h.count = b[0]
	h.baseSeq = binary.BigEndian.Uint16(b[1:3])
	h.bitmask = binary.BigEndian.Uint16(b[3:5])
	copy(h.coeffs[:], b[5:15])
	return h, nil
}

// protectedSequences returns the list of media sequence numbers this
// parity packet protects, derived from baseSeq and the bitmask.
func (h parityHeader) protectedSequences() []uint16 {
	seqs := make([]uint16, 0, h.count)
	for k := 0; k < 16; k++ {
		if h.bitmask&(1<<uint(k)) != 0 {
			seqs = append(seqs, h.baseSeq+uint16(k))
		}
	}
	return seqs
}
