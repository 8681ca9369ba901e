package decode

import "github.com/banshee-data/velodyne.report/internal/velodyne/packet"

// DefaultAnomalyEpsilon is the largest backward rotation step, in hundredths
// of a degree, treated as the device's counter anomaly rather than a wrap.
const DefaultAnomalyEpsilon = 1000

// Rotation is the tracker's view of one block rotation value.
type Rotation struct {
	Raw     uint16  // Rotation value after modulo 36000
	Azimuth float64 // Degrees in [0, 360); held at the previous value on an anomaly
	Wrapped bool    // This value started a new revolution
	Anomaly bool    // Small backward step tolerated without wrapping
}

// RotationTracker keeps azimuth continuity across blocks and packets of one
// sensor stream. It is not safe for concurrent use.
type RotationTracker struct {
	epsilon     uint16
	hasLast     bool
	last        uint16
	revolutions uint64
	anomalies   uint64
}

// NewRotationTracker creates a tracker. An epsilon of 0 tolerates no backward
// steps, so every decrease counts as a wrap. Epsilon is capped below one
// revolution.
func NewRotationTracker(epsilon uint16) *RotationTracker {
	if epsilon >= packet.ROTATION_MAX_UNITS {
		epsilon = packet.ROTATION_MAX_UNITS - 1
	}
	return &RotationTracker{epsilon: epsilon}
}

// Update advances the tracker with the rotation of the next block.
func (t *RotationTracker) Update(r uint16) Rotation {
	r %= packet.ROTATION_MAX_UNITS

	if !t.hasLast {
		t.hasLast = true
		t.last = r
		return Rotation{Raw: r, Azimuth: rotationDegrees(r)}
	}

	switch {
	case r >= t.last && r-t.last < packet.ROTATION_MAX_UNITS-t.epsilon:
		t.last = r
		return Rotation{Raw: r, Azimuth: rotationDegrees(r)}
	case r < t.last && t.last-r > t.epsilon:
		t.revolutions++
		t.last = r
		return Rotation{Raw: r, Azimuth: rotationDegrees(r), Wrapped: true}
	}

	// Counter anomaly: a small backward step, possibly straddling the wrap
	// point just after a revolution was counted. Hold the previous azimuth.
	t.anomalies++
	return Rotation{Raw: r, Azimuth: rotationDegrees(t.last), Anomaly: true}
}

// Revolutions returns the number of wraps seen since the last reset.
func (t *RotationTracker) Revolutions() uint64 {
	return t.revolutions
}

// Anomalies returns the number of tolerated backward steps since the last reset.
func (t *RotationTracker) Anomalies() uint64 {
	return t.anomalies
}

// Last returns the last accepted rotation value, if any.
func (t *RotationTracker) Last() (uint16, bool) {
	return t.last, t.hasLast
}

// Epsilon returns the anomaly tolerance in hundredths of a degree.
func (t *RotationTracker) Epsilon() uint16 {
	return t.epsilon
}

// Reset clears all state. Used when a session restarts.
func (t *RotationTracker) Reset() {
	t.hasLast = false
	t.last = 0
	t.revolutions = 0
	t.anomalies = 0
}

func rotationDegrees(r uint16) float64 {
	return float64(r) * packet.ROTATION_RESOLUTION
}
