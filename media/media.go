// Package media defines the encoder/decoder boundary the engine drives
// (spec §1, §6): resilient-rtp transports opaque payloads and is not
// itself a codec. Real deployments plug in their own Encoder/Decoder;
// this package also ships a passthrough Null implementation for testing
// and for sources that already produce RTP-ready payloads upstream.
package media

import (
	"context"
	"fmt"

	"resilient-rtp/rtppkt"
)

// Encoder produces outgoing media samples as RTP packets. Encode may
// block on ctx until a sample is ready; it returns ctx.Err() once ctx is
// done (spec §6).
type Encoder interface {
	Encode(ctx context.Context) (rtppkt.Packet, error)
}

// Decoder consumes recovered, in-order RTP packets. Decode must not
// retain pkt.Payload beyond the call (spec §6).
type Decoder interface {
	Decode(ctx context.Context, pkt rtppkt.Packet) error
}

// NullEncoder reads pre-built packets off a channel and returns them
// unchanged — the passthrough case of an upstream source that already
// produces RTP-shaped samples, e.g. a capture pipeline packetizing its
// own codec output before handing frames to the transport.
type NullEncoder struct {
	in <-chan rtppkt.Packet
}

// NewNullEncoder wraps a channel of pre-built packets as an Encoder.
func NewNullEncoder(in <-chan rtppkt.Packet) *NullEncoder {
	return &NullEncoder{in: in}
}

func (e *NullEncoder) Encode(ctx context.Context) (rtppkt.Packet, error) {
	select {
	case pkt, ok := <-e.in:
		if !ok {
			return rtppkt.Packet{}, fmt.Errorf("media: null encoder source closed")
		}
		return pkt, nil
	case <-ctx.Done():
		return rtppkt.Packet{}, ctx.Err()
	}
}

// NullDecoder forwards every decoded packet to an output channel,
// copying the payload since the caller does not guarantee its lifetime
// past the call.
type NullDecoder struct {
	out chan<- rtppkt.Packet
}

// NewNullDecoder wraps an output channel as a Decoder.
func NewNullDecoder(out chan<- rtppkt.Packet) *NullDecoder {
	return &NullDecoder{out: out}
}

func (d *NullDecoder) Decode(ctx context.Context, pkt rtppkt.Packet) error {
	payload := make([]byte, len(pkt.Payload))
	copy(payload, pkt.Payload)
	pkt.Payload = payload

	select {
	case d.out <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
