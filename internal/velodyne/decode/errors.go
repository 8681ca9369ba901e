package decode

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownBankFlag is reported for a block whose flag is neither bank sentinel.
	// The block is skipped; the remaining blocks still decode.
	ErrUnknownBankFlag = errors.New("unknown bank flag")

	// ErrUnknownReturnMode is reported for an unrecognised trailer code.
	// Points are still emitted, tagged ReturnModeInvalid.
	ErrUnknownReturnMode = errors.New("unknown return mode")
)

// BlockError describes a block that could not be decoded.
type BlockError struct {
	Index int    // Block index within the packet, -1 when decoded standalone
	Flag  uint16 // Raw flag value
	Err   error
}

func (e *BlockError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("block: %v (flag 0x%04X)", e.Err, e.Flag)
	}
	return fmt.Sprintf("block %d: %v (flag 0x%04X)", e.Index, e.Err, e.Flag)
}

func (e *BlockError) Unwrap() error {
	return e.Err
}
