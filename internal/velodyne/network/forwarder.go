package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// forwardQueueSize bounds the packets waiting to be mirrored.
const forwardQueueSize = 1000

// PacketForwarder mirrors raw sensor payloads to another UDP address, for
// example to feed a vendor viewer while decoding locally. Forwarding never
// blocks the receive path: when the queue is full the packet is dropped and
// counted.
type PacketForwarder struct {
	conn        net.Conn
	queue       chan []byte
	stats       Stats
	logInterval time.Duration
	address     string
	closeOnce   sync.Once
}

// NewPacketForwarder dials the destination address (host:port).
func NewPacketForwarder(address string, stats Stats, logInterval time.Duration) (*PacketForwarder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	return newPacketForwarder(conn, address, stats, logInterval), nil
}

func newPacketForwarder(conn net.Conn, address string, stats Stats, logInterval time.Duration) *PacketForwarder {
	if stats == nil {
		stats = noopStats{}
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &PacketForwarder{
		conn:        conn,
		queue:       make(chan []byte, forwardQueueSize),
		stats:       stats,
		logInterval: logInterval,
		address:     address,
	}
}

// Start runs the send loop until ctx is cancelled or the forwarder is closed.
// Write errors are summarised once per log interval.
func (f *PacketForwarder) Start(ctx context.Context) {
	go func() {
		failed := 0
		var lastErr error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case pkt, ok := <-f.queue:
				if !ok {
					return
				}
				if _, err := f.conn.Write(pkt); err != nil {
					failed++
					lastErr = err
				}
			case <-ticker.C:
				if failed > 0 {
					opsf("failed to forward %d packets to %s (latest: %v)", failed, f.address, lastErr)
					failed = 0
					lastErr = nil
				}
			}
		}
	}()

	diagf("forwarding packets to %s", f.address)
}

// ForwardAsync queues a copy of the payload without blocking.
func (f *PacketForwarder) ForwardAsync(payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	select {
	case f.queue <- cp:
	default:
		f.stats.AddForwardDropped()
	}
}

// Close stops accepting packets and closes the connection.
func (f *PacketForwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.queue)
		err = f.conn.Close()
	})
	return err
}
