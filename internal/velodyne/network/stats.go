package network

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/velodyne.report/internal/velodyne/decode"
)

// Stats receives per-packet transport and decode counters.
type Stats interface {
	AddPacket(bytes int)
	AddMalformed()
	AddReport(rep decode.Report)
	AddForwardDropped()
	LogStats()
}

// StatsSnapshot is one reporting interval of PacketStats.
type StatsSnapshot struct {
	Packets           int64
	Bytes             int64
	Malformed         int64
	Points            int64
	SkippedBlocks     int64
	UnknownReturnMode int64
	Revolutions       int64
	ForwardDropped    int64
	Duration          time.Duration
}

// PacketStats tracks packet statistics with thread-safe operations.
type PacketStats struct {
	mu        sync.Mutex
	label     string
	current   StatsSnapshot
	lastReset time.Time
}

// NewPacketStats creates a PacketStats. The label prefixes log lines so
// several sensors can share one log.
func NewPacketStats(label string) *PacketStats {
	return &PacketStats{
		label:     label,
		lastReset: time.Now(),
	}
}

// AddPacket counts one received payload.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.current.Packets++
	ps.current.Bytes += int64(bytes)
}

// AddMalformed counts a payload rejected for its length.
func (ps *PacketStats) AddMalformed() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.current.Malformed++
}

// AddReport accumulates the outcome of a decoded packet.
func (ps *PacketStats) AddReport(rep decode.Report) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.current.Points += int64(rep.Points)
	ps.current.SkippedBlocks += int64(len(rep.SkippedBlocks))
	ps.current.Revolutions += int64(rep.Revolutions)
	if rep.ReturnMode == decode.ReturnModeInvalid {
		ps.current.UnknownReturnMode++
	}
}

// AddForwardDropped counts a packet the forwarder could not queue.
func (ps *PacketStats) AddForwardDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.current.ForwardDropped++
}

// GetAndReset returns the counters of the current interval and starts a new one.
func (ps *PacketStats) GetAndReset() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	snap := ps.current
	snap.Duration = now.Sub(ps.lastReset)

	ps.current = StatsSnapshot{}
	ps.lastReset = now
	return snap
}

// LogStats logs the rates of the current interval and resets the counters.
func (ps *PacketStats) LogStats() {
	snap := ps.GetAndReset()
	if snap.Packets == 0 && snap.Malformed == 0 && snap.ForwardDropped == 0 {
		return
	}
	secs := snap.Duration.Seconds()
	if secs <= 0 {
		secs = 1
	}

	msg := fmt.Sprintf("%s stats (/sec): %.2f MB, %.1f packets, %s points",
		ps.label,
		float64(snap.Bytes)/secs/(1024*1024),
		float64(snap.Packets)/secs,
		FormatWithCommas(int64(float64(snap.Points)/secs)))
	if snap.Revolutions > 0 {
		msg += fmt.Sprintf(", %d revolutions", snap.Revolutions)
	}
	diagf("%s", msg)

	if snap.Malformed > 0 || snap.SkippedBlocks > 0 || snap.UnknownReturnMode > 0 {
		opsf("%s: %d malformed packets, %d skipped blocks, %d unknown return modes in the last %v",
			ps.label, snap.Malformed, snap.SkippedBlocks, snap.UnknownReturnMode, snap.Duration.Round(time.Second))
	}
	if snap.ForwardDropped > 0 {
		opsf("%s: %d packets dropped on forward", ps.label, snap.ForwardDropped)
	}
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := strconv.FormatInt(n, 10)
	sign := ""
	if n < 0 {
		sign, str = "-", str[1:]
	}
	if len(str) <= 3 {
		return sign + str
	}

	result := make([]byte, 0, len(sign)+len(str)+len(str)/3)
	result = append(result, sign...)
	for i := 0; i < len(str); i++ {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, str[i])
	}
	return string(result)
}

// noopStats is the default Stats when none is supplied.
type noopStats struct{}

func (noopStats) AddPacket(int)           {}
func (noopStats) AddMalformed()           {}
func (noopStats) AddReport(decode.Report) {}
func (noopStats) AddForwardDropped()      {}
func (noopStats) LogStats()               {}
