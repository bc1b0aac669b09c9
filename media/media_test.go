package media

import (
	"context"
	"testing"
	"time"

	"resilient-rtp/rtppkt"
)

func TestNullEncoderPassthrough(t *testing.T) {
	ch := make(chan rtppkt.Packet, 1)
	pkt := rtppkt.Packet{SequenceNumber: 42, Payload: []byte("hi")}
	ch <- pkt

	enc := NewNullEncoder(ch)
	got, err := enc.Encode(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SequenceNumber != 42 {
		t.Fatalf("expected sequence 42, got %d", got.SequenceNumber)
	}
}

func TestNullEncoderContextCancel(t *testing.T) {
	ch := make(chan rtppkt.Packet)
	enc := NewNullEncoder(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := enc.Encode(ctx)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestNullEncoderClosedSource(t *testing.T) {
	ch := make(chan rtppkt.Packet)
	close(ch)
	enc := NewNullEncoder(ch)

	_, err := enc.Encode(context.Background())
	if err == nil {
		t.Fatal("expected error on closed source channel")
	}
}

func TestNullDecoderForwardsCopy(t *testing.T) {
	out := make(chan rtppkt.Packet, 1)
	dec := NewNullDecoder(out)

	payload := []byte{1, 2, 3}
	if err := dec.Decode(context.Background(), rtppkt.Packet{SequenceNumber: 7, Payload: payload}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := <-out
	payload[0] = 0xFF
	if got.Payload[0] == 0xFF {
		t.Fatal("expected decoder to copy the payload, not alias the caller's slice")
	}
}
