package w5500

import (
	"errors"
	"fmt"
	"time"

	"github.com/simon-77/W5500-multiple-interfaces/bus"
)

// MaxSockets is the number of hardware sockets per chip.
const MaxSockets = 8

// socketTimeout bounds every handshake step (open, listen, connect,
// disconnect). A TCP open takes up to twice this in the worst case because
// the two handshake legs get independent budgets.
const socketTimeout = 3 * time.Second

// IP is an IPv4 address as stored in the chip's registers.
type IP [4]byte

// MAC is an Ethernet hardware address.
type MAC [6]byte

// SocketMode selects what a socket is opened as.
type SocketMode int

const (
	TCPServer SocketMode = iota
	TCPClient
	UDP
)

func (m SocketMode) String() string {
	switch m {
	case TCPServer:
		return "tcp-server"
	case TCPClient:
		return "tcp-client"
	case UDP:
		return "udp"
	}
	return "unknown"
}

var (
	// ErrLinkDown is returned by SocketOpen when the PHY reports no link.
	// Nothing is written to the chip in that case.
	ErrLinkDown = errors.New("w5500: PHY link down")
	// ErrTimeout is returned when a handshake step does not reach its
	// expected hardware state in time. The socket is driven back to closed
	// before the error is returned.
	ErrTimeout = errors.New("w5500: socket status timeout")
)

// Device drives one chip. No register state is shadowed locally: every read
// goes to the hardware, since the chip updates counters and status on its
// own. Methods on one Device must not be called concurrently.
type Device struct {
	bus bus.Transport
}

// New returns a Device on the given transport. Call Init once before use.
func New(t bus.Transport) *Device {
	return &Device{bus: t}
}

// Init initializes the bus and resets and configures the chip: a software
// reset of the mode register, then a PHY reset followed by auto-negotiation
// configuration. The two settle delays are required by the chip.
func (d *Device) Init() error {
	if err := d.bus.Init(); err != nil {
		return fmt.Errorf("w5500: bus init: %w", err)
	}

	// software reset
	if err := d.writeCommon(commonMode, 0x80); err != nil {
		return fmt.Errorf("w5500: reset: %w", err)
	}
	d.bus.Sleep(time.Millisecond)
	if err := d.writeCommon(commonMode, commonModeValue); err != nil {
		return fmt.Errorf("w5500: mode config: %w", err)
	}

	// reset the PHY, then configure auto-negotiation
	if err := d.writeCommon(commonPHYConfig, phyConfigValue&0x78); err != nil {
		return fmt.Errorf("w5500: PHY reset: %w", err)
	}
	d.bus.Sleep(time.Millisecond)
	if err := d.writeCommon(commonPHYConfig, phyConfigValue); err != nil {
		return fmt.Errorf("w5500: PHY config: %w", err)
	}
	d.bus.Sleep(time.Millisecond)

	return nil
}

//
// Register access helpers. The transport overwrites the data slice on every
// call, so writes hand over scratch copies.
//

func (d *Device) commonReg(addr uint16, write bool, data []byte) error {
	return d.bus.Transfer(bus.Frame{Addr: addr, Socket: 0, Block: bus.BlockCommon, Write: write}, data)
}

func (d *Device) socketReg(n uint8, addr uint16, write bool, data []byte) error {
	return d.bus.Transfer(bus.Frame{Addr: addr, Socket: n, Block: bus.BlockSocket, Write: write}, data)
}

func (d *Device) writeCommon(addr uint16, v byte) error {
	buf := [1]byte{v}
	return d.commonReg(addr, true, buf[:])
}

func (d *Device) readCommon(addr uint16) (byte, error) {
	var buf [1]byte
	err := d.commonReg(addr, false, buf[:])
	return buf[0], err
}

func (d *Device) writeSocket(n uint8, addr uint16, v byte) error {
	buf := [1]byte{v}
	return d.socketReg(n, addr, true, buf[:])
}

func (d *Device) readSocket(n uint8, addr uint16) (byte, error) {
	var buf [1]byte
	err := d.socketReg(n, addr, false, buf[:])
	return buf[0], err
}

func (d *Device) writeSocket16(n uint8, addr uint16, v uint16) error {
	buf := [2]byte{byte(v >> 8), byte(v)}
	return d.socketReg(n, addr, true, buf[:])
}

func (d *Device) readSocket16(n uint8, addr uint16) (uint16, error) {
	var buf [2]byte
	err := d.socketReg(n, addr, false, buf[:])
	return uint16(buf[0])<<8 | uint16(buf[1]), err
}

// readSocket16Stable reads a 16-bit counter the chip updates on its own.
// The two bytes of a read arrive in separate bus clocks, so a single read can
// tear; the value is accepted only once two consecutive reads agree, as the
// datasheet recommends. If no stable pair shows up within the retry cap the
// conservative answer is 0 ("nothing available") — a torn value is never
// returned.
func (d *Device) readSocket16Stable(n uint8, addr uint16) (uint16, error) {
	const maxTries = 20
	var last uint16
	for tries := 0; tries < maxTries; tries++ {
		v, err := d.readSocket16(n, addr)
		if err != nil {
			return 0, err
		}
		if tries >= 1 && v == last {
			return v, nil
		}
		last = v
	}
	return 0, nil
}

// socketCommand writes one command to a socket's command register.
func (d *Device) socketCommand(n uint8, cmd command) error {
	return d.writeSocket(n, sockCommand, byte(cmd))
}

// statusReg reads a socket's raw hardware status.
func (d *Device) statusReg(n uint8) (hwStatus, error) {
	v, err := d.readSocket(n, sockStatus)
	return hwStatus(v), err
}

// waitStatus polls a socket's status register until it matches, bounded by
// the timeout.
func (d *Device) waitStatus(n uint8, want hwStatus, timeout time.Duration) (bool, error) {
	f := bus.Frame{Addr: sockStatus, Socket: n, Block: bus.BlockSocket}
	return d.bus.WaitForValue(f, 0xFF, byte(want), timeout)
}
