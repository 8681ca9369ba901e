package decode

import (
	"fmt"

	"github.com/banshee-data/velodyne.report/internal/velodyne/packet"
)

// ResolveReturnMode maps the trailer return mode byte to a coarse ReturnMode.
// Dual captures resolve to DualOnly here; the per-point dual sub-type is
// derived later from block pairing. Unknown codes return ReturnModeInvalid
// and an error wrapping ErrUnknownReturnMode.
func ResolveReturnMode(code uint8) (ReturnMode, error) {
	switch code {
	case packet.RETURN_MODE_STRONGEST:
		return SingleStrongest, nil
	case packet.RETURN_MODE_LAST:
		return SingleLast, nil
	case packet.RETURN_MODE_DUAL:
		return DualOnly, nil
	default:
		return ReturnModeInvalid, fmt.Errorf("%w: code %d (0x%02X)", ErrUnknownReturnMode, code, code)
	}
}

// blockSlot is one block position of a packet after block decoding.
type blockSlot struct {
	ok  bool
	blk DecodedBlock
}

// dualPair links a block to the other block of its firing cycle.
type dualPair struct {
	partner int  // Partner block index, -1 when unpaired
	first   bool // This block was emitted first within the pair
}

// pairDualBlocks groups consecutive decoded blocks that share bank and
// rotation. In dual mode such a pair carries the two returns of one firing
// cycle, first block first. Skipped blocks never pair.
func pairDualBlocks(slots []blockSlot) []dualPair {
	pairs := make([]dualPair, len(slots))
	for i := range pairs {
		pairs[i].partner = -1
	}
	for i := 0; i+1 < len(slots); i++ {
		a, b := slots[i], slots[i+1]
		if !a.ok || !b.ok {
			continue
		}
		if a.blk.Bank != b.blk.Bank || a.blk.Rotation != b.blk.Rotation {
			continue
		}
		pairs[i] = dualPair{partner: i + 1, first: true}
		pairs[i+1] = dualPair{partner: i, first: false}
		i++
	}
	return pairs
}

// classifyDual returns the dual sub-type of one channel unit given its
// partner unit in the other block of the pair. Higher reflectivity is the
// strongest echo; equal reflectivity falls back to the larger distance.
// A missing partner return, or both blocks reporting the same echo, is
// DualOnly.
func classifyDual(self, other ChannelUnit, first bool) ReturnMode {
	if other.Distance == 0 || self == other {
		return DualOnly
	}

	stronger := self.Reflectivity > other.Reflectivity ||
		(self.Reflectivity == other.Reflectivity && self.Distance > other.Distance)

	switch {
	case stronger && first:
		return DualStrongestFirst
	case stronger:
		return DualStrongestLast
	case first:
		return DualWeakFirst
	default:
		return DualWeakLast
	}
}
