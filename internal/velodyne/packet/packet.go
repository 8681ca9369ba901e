package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

/*
Velodyne Data Packet Layout

Velodyne sensors send fixed 1206-byte UDP payloads. The payload carries twelve
firing blocks followed by a six byte trailer. There is no header: the first
block flag starts at offset 0 of the UDP payload.

PACKET STRUCTURE (1206 bytes total):
├── Data Blocks (1200 bytes) - 12 blocks × 100 bytes each, starting at offset 0
│   └── Each block: 2-byte bank flag + 2-byte rotation + 32 channels × 3 bytes (distance + reflectivity)
└── Trailer (6 bytes)
    ├── Timestamp (bytes 1200-1203) - microseconds past the top of the hour
    └── Factory (bytes 1204-1205) - return mode code (1204) and product id (1205)

All multi-byte fields are little-endian. Fields are read with explicit
fixed-offset reads so the layout does not depend on struct alignment.

BANK FLAGS:
The flag identifies which laser bank fired the block. The assignment is carried
in the flag only, never implied by block position.
- 0xEEFF upper bank (bytes ff ee on the wire)
- 0xDDFF lower bank (bytes ff dd on the wire)

ROTATION:
Hundredths of a degree, 0-35999. The value wraps once per revolution.

STATUS FIELDS:
The device manual describes a revolution counter that increments once per
turn. In practice the status bytes alternate between two values every third
packet, one increasing and one decreasing, so they are exposed raw and never
used for revolution counting.
*/

// Velodyne packet structure constants
const (
	PACKET_SIZE        = 1206                                                             // Exact UDP payload size in bytes
	BLOCKS_PER_PACKET  = 12                                                               // Firing blocks per packet
	CHANNELS_PER_BLOCK = 32                                                               // Channel units per block
	BYTES_PER_CHANNEL  = 3                                                                // 2 bytes distance + 1 byte reflectivity
	FLAG_SIZE          = 2                                                                // Bank flag field size
	ROTATION_SIZE      = 2                                                                // Rotation field size
	BLOCK_SIZE         = FLAG_SIZE + ROTATION_SIZE + CHANNELS_PER_BLOCK*BYTES_PER_CHANNEL // 100 bytes
	TRAILER_START      = BLOCKS_PER_PACKET * BLOCK_SIZE                                   // 1200
	TRAILER_SIZE       = PACKET_SIZE - TRAILER_START                                      // 6
	TIMESTAMP_OFFSET   = TRAILER_START                                                    // 4-byte timestamp
	FACTORY_OFFSET     = TRAILER_START + 4                                                // 2-byte factory/status field
	RETURN_MODE_OFFSET = FACTORY_OFFSET                                                   // 1204, low byte of the factory field
	PRODUCT_ID_OFFSET  = FACTORY_OFFSET + 1                                               // 1205, high byte of the factory field
	POINTS_PER_PACKET  = BLOCKS_PER_PACKET * CHANNELS_PER_BLOCK                           // 384 channel units

	UPPER_BANK = 0xEEFF // Upper laser bank flag
	LOWER_BANK = 0xDDFF // Lower laser bank flag

	RETURN_MODE_STRONGEST = 55 // 0x37
	RETURN_MODE_LAST      = 56 // 0x38
	RETURN_MODE_DUAL      = 57 // 0x39

	ROTATION_RESOLUTION = 0.01  // Degrees per rotation unit
	ROTATION_MAX_UNITS  = 36000 // Rotation units per revolution
	DISTANCE_RESOLUTION = 0.01  // Distance units per raw count, before calibration
)

// ErrMalformedPacket is returned when a buffer is not exactly PACKET_SIZE bytes.
var ErrMalformedPacket = errors.New("malformed packet")

// Packet is a read-only view over one raw 1206-byte payload.
// It borrows the caller's buffer; nothing is copied.
type Packet struct {
	data []byte
}

// Parse validates the buffer length and returns a Packet view over it.
func Parse(data []byte) (Packet, error) {
	if len(data) != PACKET_SIZE {
		return Packet{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedPacket, PACKET_SIZE, len(data))
	}
	return Packet{data: data}, nil
}

// Block returns the i-th firing block. It panics if i is outside [0, 12).
func (p Packet) Block(i int) Block {
	if i < 0 || i >= BLOCKS_PER_PACKET {
		panic(fmt.Sprintf("packet: block index %d out of range", i))
	}
	off := i * BLOCK_SIZE
	return Block{data: p.data[off : off+BLOCK_SIZE]}
}

// Timestamp returns the trailer timestamp in microseconds past the top of the hour.
func (p Packet) Timestamp() uint32 {
	return binary.LittleEndian.Uint32(p.data[TIMESTAMP_OFFSET : TIMESTAMP_OFFSET+4])
}

// Factory returns the raw 2-byte factory/status field.
func (p Packet) Factory() uint16 {
	return binary.LittleEndian.Uint16(p.data[FACTORY_OFFSET : FACTORY_OFFSET+2])
}

// ReturnModeCode returns the return mode byte at offset 1204.
func (p Packet) ReturnModeCode() uint8 {
	return p.data[RETURN_MODE_OFFSET]
}

// ProductID returns the product id byte at offset 1205.
func (p Packet) ProductID() uint8 {
	return p.data[PRODUCT_ID_OFFSET]
}

// Bytes returns the underlying buffer.
func (p Packet) Bytes() []byte {
	return p.data
}

// Block is a read-only view over one 100-byte firing block.
type Block struct {
	data []byte
}

// NewBlock wraps a raw block buffer. The buffer must be BLOCK_SIZE bytes.
func NewBlock(data []byte) (Block, error) {
	if len(data) != BLOCK_SIZE {
		return Block{}, fmt.Errorf("%w: expected %d block bytes, got %d", ErrMalformedPacket, BLOCK_SIZE, len(data))
	}
	return Block{data: data}, nil
}

// Flag returns the raw 16-bit bank flag.
func (b Block) Flag() uint16 {
	return binary.LittleEndian.Uint16(b.data[0:FLAG_SIZE])
}

// Rotation returns the raw rotation value in hundredths of a degree.
func (b Block) Rotation() uint16 {
	return binary.LittleEndian.Uint16(b.data[FLAG_SIZE : FLAG_SIZE+ROTATION_SIZE])
}

// Unit returns the raw distance and reflectivity of channel i.
func (b Block) Unit(i int) (distance uint16, reflectivity uint8) {
	off := FLAG_SIZE + ROTATION_SIZE + i*BYTES_PER_CHANNEL
	return binary.LittleEndian.Uint16(b.data[off : off+2]), b.data[off+2]
}
