package decode

import "github.com/banshee-data/velodyne.report/internal/velodyne/packet"

// DecodedBlock holds one block's bank, raw rotation and channel units.
type DecodedBlock struct {
	Bank     Bank
	Rotation uint16 // Raw rotation, hundredths of a degree
	Units    [packet.CHANNELS_PER_BLOCK]ChannelUnit
}

// DecodeBlock resolves the bank of a block and extracts its 32 channel units.
// Distances stay raw counts and reflectivity is not transformed. An
// unrecognised flag yields a *BlockError wrapping ErrUnknownBankFlag; callers
// may skip the block and continue since blocks are independent.
func DecodeBlock(b packet.Block) (DecodedBlock, error) {
	flag := b.Flag()
	bank, ok := BankFromFlag(flag)
	if !ok {
		return DecodedBlock{}, &BlockError{Index: -1, Flag: flag, Err: ErrUnknownBankFlag}
	}

	blk := DecodedBlock{
		Bank:     bank,
		Rotation: b.Rotation(),
	}
	for i := 0; i < packet.CHANNELS_PER_BLOCK; i++ {
		d, r := b.Unit(i)
		blk.Units[i] = ChannelUnit{Distance: d, Reflectivity: r}
	}
	return blk, nil
}
