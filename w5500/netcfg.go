package w5500

import "fmt"

// InterfaceAddress selects one of the chip-wide address registers.
type InterfaceAddress int

const (
	GatewayIP InterfaceAddress = iota
	SubnetMask
	SourceIP
	SourceMAC
)

// SocketAddress selects one of a socket's address registers.
type SocketAddress int

const (
	DestinationIP SocketAddress = iota
	DestinationMAC
)

// PortSelect selects one of a socket's port registers.
type PortSelect int

const (
	SourcePort PortSelect = iota
	DestinationPort
)

// SetInterfaceNetwork writes the chip's own IP address, subnet mask and
// gateway.
func (d *Device) SetInterfaceNetwork(sourceIP, subnetMask, gateway IP) error {
	// the transfer overwrites its buffer, so hand over copies
	buf := sourceIP
	if err := d.InterfaceAddress(SourceIP, true, buf[:], 0); err != nil {
		return err
	}
	buf = subnetMask
	if err := d.InterfaceAddress(SubnetMask, true, buf[:], 0); err != nil {
		return err
	}
	buf = gateway
	return d.InterfaceAddress(GatewayIP, true, buf[:], 0)
}

// SetInterfaceMAC writes the chip's hardware address.
func (d *Device) SetInterfaceMAC(mac MAC) error {
	buf := mac
	return d.InterfaceAddress(SourceMAC, true, buf[:], 0)
}

// SetSocketSource sets socket n's source port. Mandatory before opening a
// socket in any mode.
func (d *Device) SetSocketSource(n uint8, port uint16) error {
	if err := d.writeSocket16(n, sockSourcePort, port); err != nil {
		return fmt.Errorf("w5500: socket %d source port: %w", n, err)
	}
	return nil
}

// SetSocketDest sets socket n's destination address and port (TCP client and
// UDP only).
func (d *Device) SetSocketDest(n uint8, ip IP, port uint16) error {
	buf := ip
	if err := d.SocketAddress(n, DestinationIP, true, buf[:], 0); err != nil {
		return err
	}
	if err := d.writeSocket16(n, sockDestPort, port); err != nil {
		return fmt.Errorf("w5500: socket %d dest port: %w", n, err)
	}
	return nil
}

// SocketPort reads socket n's source or destination port.
func (d *Device) SocketPort(n uint8, sel PortSelect) (uint16, error) {
	var addr uint16
	switch sel {
	case SourcePort:
		addr = sockSourcePort
	case DestinationPort:
		addr = sockDestPort
	default:
		return 0, nil
	}
	port, err := d.readSocket16(n, addr)
	if err != nil {
		return 0, fmt.Errorf("w5500: socket %d port: %w", n, err)
	}
	return port, nil
}

// InterfaceAddress is the generic accessor for the chip-wide address
// registers. The transfer starts at the register base plus offset, is
// clamped to the register's width, and always overwrites data with what came
// back on the bus, write or not. An offset past the register width does
// nothing.
func (d *Device) InterfaceAddress(sel InterfaceAddress, write bool, data []byte, offset int) error {
	var base uint16
	var maxLen int
	switch sel {
	case GatewayIP:
		base, maxLen = commonGatewayIP, len(IP{})
	case SubnetMask:
		base, maxLen = commonSubnetMask, len(IP{})
	case SourceIP:
		base, maxLen = commonSourceIP, len(IP{})
	case SourceMAC:
		base, maxLen = commonSourceMAC, len(MAC{})
	default:
		return nil
	}
	maxLen -= offset
	if maxLen <= 0 {
		return nil
	}
	length := min(len(data), maxLen)
	if err := d.commonReg(base+uint16(offset), write, data[:length]); err != nil {
		return fmt.Errorf("w5500: interface address: %w", err)
	}
	return nil
}

// SocketAddress is the generic accessor for a socket's address registers,
// with the same clamping behavior as InterfaceAddress.
func (d *Device) SocketAddress(n uint8, sel SocketAddress, write bool, data []byte, offset int) error {
	var base uint16
	var maxLen int
	switch sel {
	case DestinationIP:
		base, maxLen = sockDestIP, len(IP{})
	case DestinationMAC:
		base, maxLen = sockDestMAC, len(MAC{})
	default:
		return nil
	}
	maxLen -= offset
	if maxLen <= 0 {
		return nil
	}
	length := min(len(data), maxLen)
	if err := d.socketReg(n, base+uint16(offset), write, data[:length]); err != nil {
		return fmt.Errorf("w5500: socket %d address: %w", n, err)
	}
	return nil
}

// SetBufferSizeRX sets socket n's receive buffer size in kB (0, 1, 2, 4, 8
// or 16). The RX sizes of all sockets together must not exceed 16 kB.
func (d *Device) SetBufferSizeRX(n uint8, kb uint8) error {
	return d.writeSocket(n, sockRXBufSize, kb)
}

// SetBufferSizeTX sets socket n's transmit buffer size in kB, under the same
// 16 kB chip-wide limit.
func (d *Device) SetBufferSizeTX(n uint8, kb uint8) error {
	return d.writeSocket(n, sockTXBufSize, kb)
}

// BufferSizeRX reads socket n's receive buffer size in kB.
func (d *Device) BufferSizeRX(n uint8) (uint8, error) {
	return d.readSocket(n, sockRXBufSize)
}

// BufferSizeTX reads socket n's transmit buffer size in kB.
func (d *Device) BufferSizeTX(n uint8) (uint8, error) {
	return d.readSocket(n, sockTXBufSize)
}

// PHYStatus returns the PHY status bits: bit 0 link up, bit 1 speed
// (1 = 100 Mbps), bit 2 duplex (1 = full).
func (d *Device) PHYStatus() (byte, error) {
	v, err := d.readCommon(commonPHYConfig)
	if err != nil {
		return 0, fmt.Errorf("w5500: PHY status: %w", err)
	}
	return v & 0x07, nil
}

// ChipVersion reads the version register. The chip reports 0x04.
func (d *Device) ChipVersion() (byte, error) {
	v, err := d.readCommon(commonVersion)
	if err != nil {
		return 0, fmt.Errorf("w5500: chip version: %w", err)
	}
	return v, nil
}
