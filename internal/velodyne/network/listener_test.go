package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velodyne.report/internal/velodyne/decode"
	"github.com/banshee-data/velodyne.report/internal/velodyne/packet"
)

// mockSocket replays queued datagrams and then reports read timeouts.
type mockSocket struct {
	mu        sync.Mutex
	packets   [][]byte
	readErr   error
	closed    bool
	rcvBuf    int
	deadlines int
}

func (m *mockSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, net.ErrClosed
	}
	if m.readErr != nil {
		err := m.readErr
		m.readErr = nil
		return 0, nil, err
	}
	if len(m.packets) == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	n := copy(b, m.packets[0])
	m.packets = m.packets[1:]
	return n, &net.UDPAddr{IP: net.IPv4(192, 168, 1, 201), Port: 2368}, nil
}

func (m *mockSocket) SetReadBuffer(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rcvBuf = n
	return nil
}

func (m *mockSocket) SetReadDeadline(time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlines++
	return nil
}

func (m *mockSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2368}
}

func (m *mockSocket) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.packets)
}

type mockFactory struct {
	socket *mockSocket
	err    error
	addrs  []string
}

func (f *mockFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.addrs = append(f.addrs, laddr.String())
	if f.err != nil {
		return nil, f.err
	}
	return f.socket, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// syncSink is a SliceSink safe to read while the listener goroutine writes.
type syncSink struct {
	mu     sync.Mutex
	points []decode.Point
}

func (s *syncSink) AddPoints(points []decode.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, points...)
}

func (s *syncSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

func runListener(t *testing.T, l *UDPListener, until func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	require.Eventually(t, until, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not exit after cancellation")
		return nil
	}
}

func TestNewUDPListener_Defaults(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{Address: ":2368", RcvBuf: 1 << 20})
	assert.Equal(t, ":2368", l.address)
	assert.Equal(t, 1<<20, l.rcvBuf)
	assert.Equal(t, time.Minute, l.logInterval)
	assert.Equal(t, noopStats{}, l.stats)
	assert.Equal(t, RealUDPSocketFactory{}, l.factory)
}

func TestUDPListener_DecodesInArrivalOrder(t *testing.T) {
	sock := &mockSocket{packets: [][]byte{
		sensorPayload(0),
		make([]byte, 100), // Malformed, dropped
		sensorPayload(240),
		sensorPayload(480),
	}}
	stats := NewPacketStats("test")
	sink := &syncSink{}
	dec := decode.NewDecoder(decode.Options{})

	l := NewUDPListener(UDPListenerConfig{
		Address:       "127.0.0.1:2368",
		RcvBuf:        4096,
		LogInterval:   time.Hour,
		Stats:         stats,
		Decoder:       dec,
		Sink:          sink,
		SocketFactory: &mockFactory{socket: sock},
	})

	err := runListener(t, l, func() bool { return sock.pending() == 0 && sink.len() == 3*packet.BLOCKS_PER_PACKET })
	assert.ErrorIs(t, err, context.Canceled)

	snap := stats.GetAndReset()
	assert.Equal(t, int64(4), snap.Packets)
	assert.Equal(t, int64(1), snap.Malformed)
	assert.Equal(t, int64(3*packet.BLOCKS_PER_PACKET), snap.Points)

	sock.mu.Lock()
	defer sock.mu.Unlock()
	assert.Equal(t, 4096, sock.rcvBuf)
	assert.NotZero(t, sock.deadlines)
	assert.True(t, sock.closed)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i := 1; i < len(sink.points); i++ {
		assert.False(t, sink.points[i].Timestamp.Before(sink.points[i-1].Timestamp))
	}
}

func TestUDPListener_ReadErrorIsNotFatal(t *testing.T) {
	sock := &mockSocket{
		packets: [][]byte{sensorPayload(0)},
		readErr: errors.New("connection refused"),
	}
	sink := &syncSink{}
	l := NewUDPListener(UDPListenerConfig{
		Address:       "127.0.0.1:2368",
		Decoder:       decode.NewDecoder(decode.Options{}),
		Sink:          sink,
		SocketFactory: &mockFactory{socket: sock},
	})

	err := runListener(t, l, func() bool { return sink.len() == packet.BLOCKS_PER_PACKET })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUDPListener_ClosedSocketEndsStart(t *testing.T) {
	sock := &mockSocket{closed: true}
	l := NewUDPListener(UDPListenerConfig{
		Address:       "127.0.0.1:2368",
		SocketFactory: &mockFactory{socket: sock},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := l.Start(ctx)
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestUDPListener_ListenErrors(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{
		Address:       "127.0.0.1:2368",
		SocketFactory: &mockFactory{err: errors.New("address in use")},
	})
	err := l.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen on UDP address")

	l = NewUDPListener(UDPListenerConfig{Address: "not-an-address:::"})
	err = l.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to resolve UDP address")
}

func TestUDPListener_CloseWithoutStart(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{Address: "127.0.0.1:0"})
	assert.NoError(t, l.Close())
}

func TestUDPListener_RealSocket(t *testing.T) {
	// Reserve a free port, then hand it to the listener.
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := probe.LocalAddr().String()
	require.NoError(t, probe.Close())

	sink := &syncSink{}
	l := NewUDPListener(UDPListenerConfig{
		Address: addr,
		Decoder: decode.NewDecoder(decode.Options{}),
		Sink:    sink,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// Resend until the listener is up and has decoded one packet.
	require.Eventually(t, func() bool {
		_, _ = conn.Write(sensorPayload(0))
		return sink.len() > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not exit after cancellation")
	}
}

// stampRecorder records the packet times handed to it.
type stampRecorder struct {
	stamps []time.Time
}

func (s *stampRecorder) SetPacketTime(t time.Time) { s.stamps = append(s.stamps, t) }

func (s *stampRecorder) Decode([]byte, decode.PointSink) (decode.Report, error) {
	return decode.Report{Points: 7, ReturnMode: decode.ReturnModeInvalid}, nil
}

func TestProcessPayload(t *testing.T) {
	stats := NewPacketStats("test")
	rec := &stampRecorder{}
	received := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, processPayload([]byte{1, 2, 3}, received, rec, nil, stats, nil))
	assert.Equal(t, []time.Time{received}, rec.stamps)

	snap := stats.GetAndReset()
	assert.Equal(t, int64(1), snap.Packets)
	assert.Equal(t, int64(3), snap.Bytes)
	assert.Equal(t, int64(7), snap.Points)
	assert.Equal(t, int64(1), snap.UnknownReturnMode)

	// No decoder: counted, nothing else.
	require.NoError(t, processPayload([]byte{1}, received, nil, nil, stats, nil))
	assert.Equal(t, int64(1), stats.GetAndReset().Packets)
}
