package packet

import "encoding/binary"

// Builder assembles raw packets field by field. It is used to generate
// synthetic captures and test fixtures; the zero value is not usable, call
// NewBuilder.
type Builder struct {
	data []byte
}

// NewBuilder returns a builder whose blocks are all flagged upper bank with
// rotation 0, no returns, and a strongest return mode trailer.
func NewBuilder() *Builder {
	b := &Builder{data: make([]byte, PACKET_SIZE)}
	for i := 0; i < BLOCKS_PER_PACKET; i++ {
		b.SetFlag(i, UPPER_BANK)
	}
	b.SetReturnMode(RETURN_MODE_STRONGEST)
	return b
}

// SetFlag writes the raw bank flag of block i.
func (b *Builder) SetFlag(block int, flag uint16) *Builder {
	off := block * BLOCK_SIZE
	binary.LittleEndian.PutUint16(b.data[off:off+FLAG_SIZE], flag)
	return b
}

// SetRotation writes the raw rotation of block i.
func (b *Builder) SetRotation(block int, rotation uint16) *Builder {
	off := block*BLOCK_SIZE + FLAG_SIZE
	binary.LittleEndian.PutUint16(b.data[off:off+ROTATION_SIZE], rotation)
	return b
}

// SetUnit writes the distance and reflectivity of one channel.
func (b *Builder) SetUnit(block, channel int, distance uint16, reflectivity uint8) *Builder {
	off := block*BLOCK_SIZE + FLAG_SIZE + ROTATION_SIZE + channel*BYTES_PER_CHANNEL
	binary.LittleEndian.PutUint16(b.data[off:off+2], distance)
	b.data[off+2] = reflectivity
	return b
}

// SetTimestamp writes the trailer timestamp in microseconds past the hour.
func (b *Builder) SetTimestamp(us uint32) *Builder {
	binary.LittleEndian.PutUint32(b.data[TIMESTAMP_OFFSET:TIMESTAMP_OFFSET+4], us)
	return b
}

// SetReturnMode writes the return mode code byte.
func (b *Builder) SetReturnMode(code uint8) *Builder {
	b.data[RETURN_MODE_OFFSET] = code
	return b
}

// SetProductID writes the product id byte.
func (b *Builder) SetProductID(id uint8) *Builder {
	b.data[PRODUCT_ID_OFFSET] = id
	return b
}

// Bytes returns a copy of the assembled packet.
func (b *Builder) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
