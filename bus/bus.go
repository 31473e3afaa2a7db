// Package bus provides the byte-oriented transport used to reach a W5500
// Ethernet controller: the frame header that addresses the chip's register
// blocks, the Transport contract the driver is written against, and two
// implementations (a serial USB-SPI bridge and a simulated chip).
package bus

import "time"

// Block selects which internal region of the chip a transaction targets.
type Block uint8

const (
	// BlockCommon is the common configuration register block.
	// The frame's socket number is ignored and must be 0.
	BlockCommon Block = 0
	// BlockSocket is the per-socket configuration register block.
	BlockSocket Block = 1
	// BlockTX is a socket's transmit packet buffer.
	BlockTX Block = 2
	// BlockRX is a socket's receive packet buffer.
	BlockRX Block = 3
)

// Frame describes a single bus transaction: which register block of which
// socket is addressed, at which offset, and in which direction.
type Frame struct {
	Addr   uint16 // offset address within the block
	Socket uint8  // socket number (0-7), ignored for BlockCommon
	Block  Block
	Write  bool
}

// Control returns the chip's header control byte for the frame. The chip
// runs in variable-length data mode: no length field is transmitted, the
// transfer length is implied by how many bytes are exchanged.
func (f Frame) Control() byte {
	rw := byte(0)
	if f.Write {
		rw = 1
	}
	return (f.Socket<<2|byte(f.Block))<<3 | rw<<2
}

// Transport is the synchronous bus a Device talks through. Implementations
// must serialize Transfer/WaitForValue calls when several transports share
// one physical bus: a transaction is not atomic with respect to chip-select
// toggling, and interleaving would corrupt addressing.
type Transport interface {
	// Init configures the bus (clock rate, mode, bit order) and deselects
	// the chip.
	Init() error

	// Transfer performs exactly one transaction: chip select, the 3-byte
	// header (16-bit big-endian offset then the control byte), then a
	// bidirectional exchange of len(data) bytes, then deselect. The data
	// slice is both source and destination — it is overwritten with the
	// inbound bytes regardless of the frame direction, because the bus
	// always echoes.
	Transfer(f Frame, data []byte) error

	// WaitForValue polls a single-byte register via repeated 1-byte
	// transfers, 1 ms apart, until (value & mask) == want or the timeout
	// elapses. It reports whether the value was reached.
	WaitForValue(f Frame, mask, want byte, timeout time.Duration) (bool, error)

	// Sleep blocks for the given duration.
	Sleep(d time.Duration)
}
