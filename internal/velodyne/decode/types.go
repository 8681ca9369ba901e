package decode

import (
	"fmt"
	"time"

	"github.com/banshee-data/velodyne.report/internal/velodyne/packet"
)

// Bank identifies the physical laser bank that fired a block.
type Bank uint8

const (
	BankUnknown Bank = iota // Flag was neither bank sentinel
	BankUpper               // 0xEEFF
	BankLower               // 0xDDFF
)

// String implements fmt.Stringer.
func (b Bank) String() string {
	switch b {
	case BankUpper:
		return "upper"
	case BankLower:
		return "lower"
	default:
		return "unknown"
	}
}

// BankFromFlag maps a raw block flag to a Bank.
// The second result is false for any value other than the two sentinels.
func BankFromFlag(flag uint16) (Bank, bool) {
	switch flag {
	case packet.UPPER_BANK:
		return BankUpper, true
	case packet.LOWER_BANK:
		return BankLower, true
	default:
		return BankUnknown, false
	}
}

// LaserID maps a channel index within a block to the physical laser id.
// Upper bank channels are lasers 0-31, lower bank channels are lasers 32-63.
func LaserID(bank Bank, channel int) int {
	if bank == BankLower {
		return channel + packet.CHANNELS_PER_BLOCK
	}
	return channel
}

// ReturnMode classifies which echo a point represents.
// Values match the sensor driver's echo type numbering.
type ReturnMode uint8

const (
	ReturnModeInvalid  ReturnMode = iota // Unrecognised trailer code
	SingleStrongest                      // 55, strongest return only
	SingleLast                           // 56, last return only
	DualStrongestFirst                   // Dual: first block of the pair, stronger echo
	DualStrongestLast                    // Dual: second block of the pair, stronger echo
	DualWeakFirst                        // Dual: first block of the pair, weaker echo
	DualWeakLast                         // Dual: second block of the pair, weaker echo
	DualOnly                             // Dual: one distinct echo for the firing
)

var returnModeNames = [...]string{
	ReturnModeInvalid:  "invalid",
	SingleStrongest:    "single-strongest",
	SingleLast:         "single-last",
	DualStrongestFirst: "dual-strongest-first",
	DualStrongestLast:  "dual-strongest-last",
	DualWeakFirst:      "dual-weak-first",
	DualWeakLast:       "dual-weak-last",
	DualOnly:           "dual-only",
}

// String implements fmt.Stringer.
func (m ReturnMode) String() string {
	if int(m) < len(returnModeNames) {
		return returnModeNames[m]
	}
	return fmt.Sprintf("ReturnMode(%d)", uint8(m))
}

// IsDual reports whether the mode is one of the dual return classifications.
func (m ReturnMode) IsDual() bool {
	return m >= DualStrongestFirst && m <= DualOnly
}

// ChannelUnit is one raw channel measurement.
type ChannelUnit struct {
	Distance     uint16 // Raw range count (0 = no return)
	Reflectivity uint8  // Raw intensity, untransformed
}

// Point is one decoded return.
type Point struct {
	LaserID      int           // Physical laser id (0-63)
	Channel      int           // Channel index within the block (0-31)
	Bank         Bank          // Bank that fired the block
	Block        int           // Block index within the packet (0-11)
	RawDistance  uint16        // Raw range count
	Distance     float64       // RawDistance × resolution + calibration distance correction
	Reflectivity uint8         // Raw intensity
	Azimuth      float64       // Degrees, [0, 360)
	Elevation    float64       // Degrees, from calibration (0 when uncalibrated)
	TimeOffset   time.Duration // Firing delay relative to the packet base timestamp
	Timestamp    time.Time     // Packet base timestamp + TimeOffset
	ReturnMode   ReturnMode    // Echo classification
	Revolution   uint64        // Revolution count of the session when the block was tracked
}
