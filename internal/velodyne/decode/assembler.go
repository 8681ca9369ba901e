package decode

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/banshee-data/velodyne.report/internal/velodyne/packet"
)

// TimestampMode defines how the packet base timestamp is derived.
type TimestampMode int

const (
	TimestampModeSystem TimestampMode = iota // Use the time the packet is decoded
	TimestampModeSensor                      // Top of the current hour + trailer microseconds
)

// String implements fmt.Stringer.
func (m TimestampMode) String() string {
	switch m {
	case TimestampModeSensor:
		return "sensor"
	default:
		return "system"
	}
}

// maxAzimuthGap bounds the rotation advance between two firing cycles that is
// trusted for per-channel azimuth interpolation (hundredths of a degree).
const maxAzimuthGap = 1000

// Options configures a Decoder. The zero value decodes with the default
// anomaly epsilon, the fixed distance resolution, no calibration and no
// timing corrections.
type Options struct {
	AnomalyEpsilon     uint16           // Backward rotation tolerance; 0 selects DefaultAnomalyEpsilon
	DistanceResolution float64          // Units per raw count; 0 selects packet.DISTANCE_RESOLUTION
	Calibration        Calibration      // Optional per-channel corrections
	Timing             TimingModel      // Optional firing schedule
	TimestampMode      TimestampMode    // Packet base timestamp source
	Now                func() time.Time // Clock, time.Now when nil
}

// Report describes the outcome of decoding one packet.
type Report struct {
	Points        int        // Points pushed to the sink
	ReturnMode    ReturnMode // Coarse return mode of the packet
	ProductID     uint8      // Trailer product id
	Timestamp     uint32     // Trailer timestamp, microseconds past the hour
	SkippedBlocks []int      // Blocks dropped for an unknown bank flag
	Revolutions   int        // Wraps crossed while tracking this packet
	Anomalies     int        // Tolerated backward rotation steps in this packet
	warnings      error
}

// Err returns the non-fatal problems of the packet combined, or nil.
func (r Report) Err() error {
	return r.warnings
}

// Warnings returns the non-fatal problems of the packet individually.
func (r Report) Warnings() []error {
	return multierr.Errors(r.warnings)
}

// Stats are cumulative decoder counters since the last reset.
type Stats struct {
	Packets           uint64
	Malformed         uint64
	SkippedBlocks     uint64
	UnknownReturnMode uint64
	Points            uint64
}

// Decoder turns raw packets of one sensor stream into points. It owns the
// stream's RotationTracker, so packets must be decoded in arrival order and
// Decode must not be called concurrently. Independent decoders share no state.
type Decoder struct {
	session       uuid.UUID
	tracker       *RotationTracker
	resolution    float64
	calibration   Calibration
	timing        TimingModel
	timestampMode TimestampMode
	now           func() time.Time
	packetTime    time.Time
	productSeen   bool
	product       uint8
	lastGap       uint16
	stats         Stats
}

// NewDecoder creates a decoder with its own rotation tracking session.
func NewDecoder(opts Options) *Decoder {
	epsilon := opts.AnomalyEpsilon
	if epsilon == 0 {
		epsilon = DefaultAnomalyEpsilon
	}
	resolution := opts.DistanceResolution
	if resolution <= 0 {
		resolution = packet.DISTANCE_RESOLUTION
	}
	timing := opts.Timing
	if timing == nil {
		timing = UniformTiming{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	d := &Decoder{
		session:       uuid.New(),
		tracker:       NewRotationTracker(epsilon),
		resolution:    resolution,
		calibration:   opts.Calibration,
		timing:        timing,
		timestampMode: opts.TimestampMode,
		now:           now,
	}
	diagf("session %s started: epsilon=%d resolution=%g timestamp=%s calibrated=%t",
		d.session, epsilon, resolution, d.timestampMode, d.calibration != nil)
	return d
}

// SetTimestampMode changes how packet base timestamps are derived.
func (d *Decoder) SetTimestampMode(mode TimestampMode) {
	d.timestampMode = mode
}

// SetPacketTime overrides the receive time of the next decoded packet. Replay
// uses it to stamp points with the capture time instead of the wall clock.
func (d *Decoder) SetPacketTime(t time.Time) {
	d.packetTime = t
}

// SessionID identifies the current tracking session.
func (d *Decoder) SessionID() uuid.UUID {
	return d.session
}

// Tracker exposes the session's rotation tracker.
func (d *Decoder) Tracker() *RotationTracker {
	return d.tracker
}

// Stats returns the cumulative counters of the current session.
func (d *Decoder) Stats() Stats {
	return d.stats
}

// Reset starts a new session: rotation state and counters are cleared.
func (d *Decoder) Reset() {
	prev := d.session
	d.session = uuid.New()
	d.tracker.Reset()
	d.lastGap = 0
	d.productSeen = false
	d.stats = Stats{}
	diagf("session %s reset, new session %s", prev, d.session)
}

// Decode decodes one packet and pushes its points to sink in block-then-channel
// order with a single AddPoints call. A malformed packet returns an error
// wrapping packet.ErrMalformedPacket, emits nothing and leaves the rotation
// state untouched. Unknown bank flags and return modes are recoverable: they
// are listed in the Report and decoding continues.
func (d *Decoder) Decode(data []byte, sink PointSink) (Report, error) {
	d.stats.Packets++

	pkt, err := packet.Parse(data)
	if err != nil {
		d.packetTime = time.Time{}
		d.stats.Malformed++
		if d.stats.Malformed == 1 || d.stats.Malformed%1000 == 0 {
			opsf("session %s: dropping packet: %v (%d malformed so far)", d.session, err, d.stats.Malformed)
		}
		return Report{}, err
	}

	rep := Report{
		Timestamp: pkt.Timestamp(),
		ProductID: pkt.ProductID(),
	}
	if !d.productSeen || rep.ProductID != d.product {
		diagf("session %s: sensor model %s (product id 0x%02x)", d.session, packet.ProductName(rep.ProductID), rep.ProductID)
		d.productSeen = true
		d.product = rep.ProductID
	}

	mode, err := ResolveReturnMode(pkt.ReturnModeCode())
	if err != nil {
		d.stats.UnknownReturnMode++
		rep.warnings = multierr.Append(rep.warnings, err)
	}
	rep.ReturnMode = mode

	var slots [packet.BLOCKS_PER_PACKET]blockSlot
	for i := range slots {
		blk, err := DecodeBlock(pkt.Block(i))
		if err != nil {
			var be *BlockError
			if errors.As(err, &be) {
				be.Index = i
			}
			d.stats.SkippedBlocks++
			rep.SkippedBlocks = append(rep.SkippedBlocks, i)
			rep.warnings = multierr.Append(rep.warnings, err)
			continue
		}
		slots[i] = blockSlot{ok: true, blk: blk}
	}
	if len(rep.SkippedBlocks) > 0 {
		opsf("session %s: skipped blocks %v", d.session, rep.SkippedBlocks)
	}

	var pairs []dualPair
	if mode == DualOnly {
		pairs = pairDualBlocks(slots[:])
	}

	base := d.baseTime(pkt.Timestamp())
	cycle := d.timing.CycleDuration()
	points := make([]Point, 0, packet.POINTS_PER_PACKET)

	for i := range slots {
		if !slots[i].ok {
			continue
		}
		blk := &slots[i].blk

		rot := d.tracker.Update(blk.Rotation)
		if rot.Wrapped {
			rep.Revolutions++
		}
		if rot.Anomaly {
			rep.Anomalies++
		}
		revolution := d.tracker.Revolutions()

		gapDeg := float64(d.azimuthGap(slots[:], i)) * packet.ROTATION_RESOLUTION
		blockDelay := d.timing.FiringDelay(i, blk.Bank, 0)

		for ch, unit := range blk.Units {
			if unit.Distance == 0 {
				continue
			}

			pointMode := mode
			if pairs != nil && pairs[i].partner >= 0 {
				partner := slots[pairs[i].partner].blk.Units[ch]
				pointMode = classifyDual(unit, partner, pairs[i].first)
			}

			var cal ChannelCalibration
			if d.calibration != nil {
				cal, _ = d.calibration.Channel(blk.Bank, ch)
			}

			delay := d.timing.FiringDelay(i, blk.Bank, ch)
			azimuth := rot.Azimuth + cal.AzimuthCorrection
			if cycle > 0 {
				azimuth += gapDeg * float64(delay-blockDelay) / float64(cycle)
			}

			points = append(points, Point{
				LaserID:      LaserID(blk.Bank, ch),
				Channel:      ch,
				Bank:         blk.Bank,
				Block:        i,
				RawDistance:  unit.Distance,
				Distance:     float64(unit.Distance)*d.resolution + cal.DistanceCorrection,
				Reflectivity: unit.Reflectivity,
				Azimuth:      normalizeAzimuth(azimuth),
				Elevation:    cal.VerticalAngle,
				TimeOffset:   delay,
				Timestamp:    base.Add(delay),
				ReturnMode:   pointMode,
				Revolution:   revolution,
			})
		}
	}

	rep.Points = len(points)
	d.stats.Points += uint64(len(points))
	if sink != nil && len(points) > 0 {
		sink.AddPoints(points)
	}

	tracef("session %s: packet %d ts=%dus mode=%s points=%d skipped=%d wraps=%d anomalies=%d",
		d.session, d.stats.Packets, rep.Timestamp, rep.ReturnMode, rep.Points,
		len(rep.SkippedBlocks), rep.Revolutions, rep.Anomalies)

	return rep, nil
}

// azimuthGap returns the rotation advance from block i to the next firing
// cycle of the same bank in this packet, falling back to the last trusted gap
// when the packet offers none.
func (d *Decoder) azimuthGap(slots []blockSlot, i int) uint16 {
	cur := slots[i].blk
	for j := i + 1; j < len(slots); j++ {
		next := slots[j]
		if !next.ok || next.blk.Bank != cur.Bank || next.blk.Rotation == cur.Rotation {
			continue
		}
		a := int(cur.Rotation % packet.ROTATION_MAX_UNITS)
		b := int(next.blk.Rotation % packet.ROTATION_MAX_UNITS)
		gap := (b - a + packet.ROTATION_MAX_UNITS) % packet.ROTATION_MAX_UNITS
		if gap > 0 && gap <= maxAzimuthGap {
			d.lastGap = uint16(gap)
		}
		break
	}
	return d.lastGap
}

func (d *Decoder) baseTime(us uint32) time.Time {
	now := d.packetTime
	if now.IsZero() {
		now = d.now()
	}
	d.packetTime = time.Time{}
	if d.timestampMode != TimestampModeSensor {
		return now
	}
	t := now.Truncate(time.Hour).Add(time.Duration(us) * time.Microsecond)
	// The sensor and host clocks may sit on either side of the top of the hour.
	if t.Sub(now) > 30*time.Minute {
		t = t.Add(-time.Hour)
	} else if now.Sub(t) > 30*time.Minute {
		t = t.Add(time.Hour)
	}
	return t
}

func normalizeAzimuth(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}
