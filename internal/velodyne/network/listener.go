package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/velodyne.report/internal/velodyne/decode"
	"github.com/banshee-data/velodyne.report/internal/velodyne/packet"
)

// PacketDecoder decodes one sensor payload into points.
// *decode.Decoder implements it.
type PacketDecoder interface {
	Decode(data []byte, sink decode.PointSink) (decode.Report, error)
}

// packetTimer is implemented by decoders that can stamp points with an
// externally supplied receive time.
type packetTimer interface {
	SetPacketTime(t time.Time)
}

// readDeadline bounds each socket read so the loop notices cancellation.
const readDeadline = 100 * time.Millisecond

// UDPListener receives sensor payloads on one UDP address and feeds them to
// a decoder in arrival order.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	conn        UDPSocket
	factory     UDPSocketFactory
	stats       Stats
	forwarder   *PacketForwarder
	decoder     PacketDecoder
	sink        decode.PointSink
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address       string
	RcvBuf        int
	LogInterval   time.Duration
	Stats         Stats
	Forwarder     *PacketForwarder
	Decoder       PacketDecoder
	Sink          decode.PointSink
	SocketFactory UDPSocketFactory // net.ListenUDP when nil
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	var stats Stats = noopStats{}
	if config.Stats != nil {
		stats = config.Stats
	}

	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}

	var factory UDPSocketFactory = RealUDPSocketFactory{}
	if config.SocketFactory != nil {
		factory = config.SocketFactory
	}

	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		factory:     factory,
		stats:       stats,
		forwarder:   config.Forwarder,
		decoder:     config.Decoder,
		sink:        config.Sink,
	}
}

// Start listens until ctx is cancelled and returns ctx.Err() on shutdown.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := l.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.conn = conn
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			opsf("failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	diagf("UDP listener started on %s with receive buffer %d bytes", conn.LocalAddr(), l.rcvBuf)

	if l.forwarder != nil {
		l.forwarder.Start(ctx)
	}

	go l.startStatsLogging(ctx)

	// Headroom over PACKET_SIZE so oversized datagrams are seen, and rejected,
	// at their real length.
	buffer := make([]byte, 2*packet.PACKET_SIZE)

	for {
		select {
		case <-ctx.Done():
			diagf("UDP listener on %s stopping due to context cancellation", l.address)
			return ctx.Err()
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			opsf("failed to set read deadline: %v", err)
		}

		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			opsf("UDP read error: %v", err)
			continue
		}

		if err := l.handlePacket(buffer[:n], time.Now()); err != nil {
			tracef("dropped packet from %v: %v", from, err)
		}
	}
}

func (l *UDPListener) startStatsLogging(ctx context.Context) {
	// First report shortly after startup, then on the configured interval.
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.stats.LogStats()
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

// handlePacket records, forwards and decodes one payload. The returned error
// is the decoder's; the caller only logs it.
func (l *UDPListener) handlePacket(payload []byte, received time.Time) error {
	return processPayload(payload, received, l.decoder, l.sink, l.stats, l.forwarder)
}

// processPayload is the per-packet path shared by live capture and replay.
func processPayload(payload []byte, received time.Time, dec PacketDecoder, sink decode.PointSink, stats Stats, fwd *PacketForwarder) error {
	stats.AddPacket(len(payload))

	if fwd != nil {
		fwd.ForwardAsync(payload)
	}
	if dec == nil {
		return nil
	}

	if pt, ok := dec.(packetTimer); ok {
		pt.SetPacketTime(received)
	}
	rep, err := dec.Decode(payload, sink)
	if err != nil {
		if errors.Is(err, packet.ErrMalformedPacket) {
			stats.AddMalformed()
		}
		return err
	}
	stats.AddReport(rep)
	if rep.Err() != nil {
		tracef("packet decoded with warnings: %v", rep.Err())
	}
	return nil
}

// Close closes the socket, unblocking a running Start.
func (l *UDPListener) Close() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
