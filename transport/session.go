// Package transport implements the UDP socket pair an engine sends and
// receives over (spec §6): one socket for RTP, the adjacent port for
// RTCP sender/receiver reports, plus optional DSCP marking for QoS.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// Config holds the transport's network parameters (spec §6).
type Config struct {
	LocalRTPPort int // 0 lets the kernel choose
	RemoteHost   string
	RemotePort   int // RTP port; RTCP uses RemotePort+1
	DSCP         int // 0 disables marking
	WriteBuffer  int // socket buffer size in bytes, default 1MB
}

// Session owns a bound RTP socket and its adjacent RTCP socket, with the
// remote address either fixed at construction (sender) or auto-learned
// from the first datagram received (receiver) — a symmetric peer that
// doesn't always know its remote port ahead of time.
type Session struct {
	cfg    Config
	logger *zap.Logger

	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn

	remoteRTPAddr  atomic.Pointer[net.UDPAddr]
	remoteRTCPAddr atomic.Pointer[net.UDPAddr]

	bytesSent     uint64
	bytesReceived uint64
}

// Open binds the RTP and RTCP sockets and, if cfg.RemoteHost is set,
// resolves the fixed remote addresses (spec §6).
func Open(cfg Config, logger *zap.Logger) (*Session, error) {
	if cfg.WriteBuffer <= 0 {
		cfg.WriteBuffer = 1024 * 1024
	}

	var localRTP *net.UDPAddr
	if cfg.LocalRTPPort > 0 {
		localRTP = &net.UDPAddr{Port: cfg.LocalRTPPort}
	}
	rtpConn, err := net.ListenUDP("udp", localRTP)
	if err != nil {
		return nil, fmt.Errorf("transport: listen rtp: %w", err)
	}

	// RTCP always binds to the RTP socket's actual port + 1 (spec §6),
	// even when the RTP port itself was kernel-assigned.
	boundRTPPort := rtpConn.LocalAddr().(*net.UDPAddr).Port
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: boundRTPPort + 1})
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("transport: listen rtcp: %w", err)
	}

	if err := rtpConn.SetWriteBuffer(cfg.WriteBuffer); err != nil {
		logger.Warn("failed to set RTP socket write buffer", zap.Error(err))
	}

	s := &Session{cfg: cfg, logger: logger, rtpConn: rtpConn, rtcpConn: rtcpConn}

	if cfg.DSCP > 0 {
		if err := markDSCP(rtpConn, cfg.DSCP); err != nil {
			logger.Warn("failed to set DSCP marking", zap.Error(err), zap.Int("dscp", cfg.DSCP))
		}
	}

	if cfg.RemoteHost != "" && cfg.RemotePort > 0 {
		rtpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.RemoteHost, fmt.Sprint(cfg.RemotePort)))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("transport: resolve remote rtp: %w", err)
		}
		s.remoteRTPAddr.Store(rtpAddr)
		rtcpAddr := &net.UDPAddr{IP: rtpAddr.IP, Port: rtpAddr.Port + 1}
		s.remoteRTCPAddr.Store(rtcpAddr)
	}

	return s, nil
}

// markDSCP sets the IP_TOS socket option so outgoing RTP packets carry
// the configured DSCP class (spec §6's QoS marking).
func markDSCP(conn *net.UDPConn, dscp int) error {
	pc := ipv4.NewConn(conn)
	return pc.SetTOS(dscp << 2)
}

// WriteRTP sends a raw RTP packet to the session's remote address. It
// returns an error if no remote address is known yet (spec §6).
func (s *Session) WriteRTP(b []byte) error {
	addr := s.remoteRTPAddr.Load()
	if addr == nil {
		return fmt.Errorf("transport: no remote RTP address known")
	}
	n, err := s.rtpConn.WriteToUDP(b, addr)
	if err != nil {
		return fmt.Errorf("transport: write rtp: %w", err)
	}
	atomic.AddUint64(&s.bytesSent, uint64(n))
	return nil
}

// ReadRTP blocks until a datagram arrives on the RTP socket or ctx is
// done. On a receiver session with no fixed remote address, the first
// packet's source address is learned as the remote (spec §6).
func (s *Session) ReadRTP(ctx context.Context, buf []byte) (int, error) {
	type result struct {
		n    int
		addr *net.UDPAddr
		err  error
	}
	done := make(chan result, 1)
	go func() {
		n, addr, err := s.rtpConn.ReadFromUDP(buf)
		done <- result{n, addr, err}
	}()

	select {
	case <-ctx.Done():
		s.rtpConn.SetReadDeadline(time.Now())
		return 0, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return 0, fmt.Errorf("transport: read rtp: %w", r.err)
		}
		if s.remoteRTPAddr.Load() == nil {
			s.remoteRTPAddr.Store(r.addr)
			rtcpAddr := &net.UDPAddr{IP: r.addr.IP, Port: r.addr.Port + 1}
			s.remoteRTCPAddr.Store(rtcpAddr)
			s.logger.Info("learned remote RTP address", zap.String("addr", r.addr.String()))
		}
		atomic.AddUint64(&s.bytesReceived, uint64(r.n))
		return r.n, nil
	}
}

// SendSenderReport emits an RTCP SR for a local SSRC (spec §6).
func (s *Session) SendSenderReport(sr rtcp.SenderReport) error {
	return s.writeRTCP(&sr)
}

// SendReceiverReport emits an RTCP RR describing reception quality for a
// remote SSRC (spec §6).
func (s *Session) SendReceiverReport(rr rtcp.ReceiverReport) error {
	return s.writeRTCP(&rr)
}

func (s *Session) writeRTCP(pkt rtcp.Packet) error {
	addr := s.remoteRTCPAddr.Load()
	if addr == nil {
		return fmt.Errorf("transport: no remote RTCP address known")
	}
	b, err := rtcp.Marshal([]rtcp.Packet{pkt})
	if err != nil {
		return fmt.Errorf("transport: marshal rtcp: %w", err)
	}
	if _, err := s.rtcpConn.WriteToUDP(b, addr); err != nil {
		return fmt.Errorf("transport: write rtcp: %w", err)
	}
	return nil
}

// ReadRTCP blocks until an RTCP compound packet arrives or ctx is done.
func (s *Session) ReadRTCP(ctx context.Context, buf []byte) ([]rtcp.Packet, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, _, err := s.rtcpConn.ReadFromUDP(buf)
		done <- result{n, err}
	}()

	select {
	case <-ctx.Done():
		s.rtcpConn.SetReadDeadline(time.Now())
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("transport: read rtcp: %w", r.err)
		}
		pkts, err := rtcp.Unmarshal(buf[:r.n])
		if err != nil {
			return nil, fmt.Errorf("transport: unmarshal rtcp: %w", err)
		}
		return pkts, nil
	}
}

// LocalRTPAddr returns the bound local RTP address.
func (s *Session) LocalRTPAddr() *net.UDPAddr {
	return s.rtpConn.LocalAddr().(*net.UDPAddr)
}

// Stats is a snapshot of byte counters (spec §6).
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
}

// Stats returns a snapshot of the session's transfer counters.
func (s *Session) Stats() Stats {
	return Stats{
		BytesSent:     atomic.LoadUint64(&s.bytesSent),
		BytesReceived: atomic.LoadUint64(&s.bytesReceived),
	}
}

// Close releases both sockets, reporting the errors from both closes
// combined (spec §6, ambient multi-resource Close pattern).
func (s *Session) Close() error {
	return multierr.Combine(s.rtpConn.Close(), s.rtcpConn.Close())
}
