package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/velodyne.report/internal/velodyne/decode"
)

// pcapngMagic is the block type of a pcapng section header.
const pcapngMagic = 0x0A0D0D0A

// ReplayConfig controls how a capture is replayed.
type ReplayConfig struct {
	// UDPPort keeps only datagrams to or from this port. 0 keeps all UDP.
	UDPPort int

	// SpeedMultiplier paces replay by capture timestamps (1.0 = real time,
	// 2.0 = twice as fast). 0 replays as fast as possible.
	SpeedMultiplier float64

	// Forwarder mirrors replayed payloads to a UDP destination (optional).
	Forwarder *PacketForwarder

	// ProgressEvery logs progress after this many matching packets. 0 selects 10000.
	ProgressEvery int
}

// ReplayResult summarises a finished replay.
type ReplayResult struct {
	Frames       int       // Capture records read
	Packets      int       // UDP payloads matching the port filter
	Malformed    int       // Payloads rejected by the decoder
	FirstCapture time.Time // Capture time of the first matching packet
	LastCapture  time.Time // Capture time of the last matching packet
	Elapsed      time.Duration
}

// packetDataSource is implemented by both pcapgo readers.
type packetDataSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// ReadPCAPFile replays a pcap or pcapng file from disk.
func ReadPCAPFile(ctx context.Context, path string, cfg ReplayConfig, dec PacketDecoder, sink decode.PointSink, stats Stats) (ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	res, err := ReadPCAP(ctx, f, cfg, dec, sink, stats)
	if err != nil {
		return res, fmt.Errorf("PCAP file %s: %w", path, err)
	}
	return res, nil
}

// ReadPCAP replays UDP payloads from a pcap or pcapng stream through the
// decoder in capture order. Each packet is stamped with its capture time.
func ReadPCAP(ctx context.Context, r io.Reader, cfg ReplayConfig, dec PacketDecoder, sink decode.PointSink, stats Stats) (ReplayResult, error) {
	if stats == nil {
		stats = noopStats{}
	}
	progressEvery := cfg.ProgressEvery
	if progressEvery <= 0 {
		progressEvery = 10000
	}

	src, err := openCapture(r)
	if err != nil {
		return ReplayResult{}, err
	}
	diagf("PCAP replay: link type %s, port filter %d, speed %.1fx", src.LinkType(), cfg.UDPPort, cfg.SpeedMultiplier)

	packetSource := gopacket.NewPacketSource(src, src.LinkType())
	packetSource.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	var res ReplayResult
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			res.Elapsed = time.Since(start)
			diagf("PCAP replay stopping due to context cancellation (processed %d packets)", res.Packets)
			return res, ctx.Err()
		default:
		}

		pkt, err := packetSource.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Truncated trailing records are common in captures cut short.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				opsf("PCAP replay: truncated capture after %d frames", res.Frames)
				break
			}
			return res, fmt.Errorf("failed to read capture record %d: %w", res.Frames+1, err)
		}
		res.Frames++

		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if cfg.UDPPort != 0 && int(udp.DstPort) != cfg.UDPPort && int(udp.SrcPort) != cfg.UDPPort {
			continue
		}

		captured := pkt.Metadata().Timestamp
		if err := pace(ctx, &res, captured, start, cfg.SpeedMultiplier); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}
		if res.FirstCapture.IsZero() {
			res.FirstCapture = captured
		}
		res.LastCapture = captured
		res.Packets++

		if err := processPayload(udp.Payload, captured, dec, sink, stats, cfg.Forwarder); err != nil {
			res.Malformed++
			tracef("PCAP packet %d: %v", res.Packets, err)
		}

		if res.Packets%progressEvery == 0 {
			elapsed := time.Since(start)
			diagf("PCAP progress: %d packets in %v (%.0f pkt/s)",
				res.Packets, elapsed, float64(res.Packets)/elapsed.Seconds())
		}
	}

	res.Elapsed = time.Since(start)
	diagf("PCAP replay complete: %d of %d frames matched, %d malformed, %v",
		res.Packets, res.Frames, res.Malformed, res.Elapsed)
	return res, nil
}

// pace sleeps until the scaled capture offset of the next packet.
func pace(ctx context.Context, res *ReplayResult, captured, start time.Time, speed float64) error {
	if speed <= 0 || res.FirstCapture.IsZero() {
		return nil
	}
	target := time.Duration(float64(captured.Sub(res.FirstCapture)) / speed)
	wait := target - time.Since(start)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// openCapture detects pcap or pcapng from the first block.
func openCapture(r io.Reader) (packetDataSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}

	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to open pcapng capture: %w", err)
		}
		return ng, nil
	}

	rd, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap capture: %w", err)
	}
	return rd, nil
}
