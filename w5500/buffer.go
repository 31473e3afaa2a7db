package w5500

import (
	"fmt"

	"github.com/simon-77/W5500-multiple-interfaces/bus"
)

// SendAvailable returns how many bytes of TX buffer space socket n has free,
// or 0 when the socket is not connected. The chip updates the counter on its
// own, so the value is obtained through the stable-read algorithm and may
// conservatively be 0 when the counter won't settle.
func (d *Device) SendAvailable(n uint8) (uint16, error) {
	connected, err := d.SocketConnected(n)
	if err != nil || !connected {
		return 0, err
	}
	return d.readSocket16Stable(n, sockTXFreeSize)
}

// ReceiveAvailable returns how many received bytes socket n has pending, or
// 0 when the socket is not connected.
func (d *Device) ReceiveAvailable(n uint8) (uint16, error) {
	connected, err := d.SocketConnected(n)
	if err != nil || !connected {
		return 0, err
	}
	return d.readSocket16Stable(n, sockRXRecvSize)
}

// Send queues data on socket n and issues SEND. The transfer is clamped to
// the free TX buffer space, so the returned count may be less than
// len(data); 0 means no space (nothing is written to the chip in that case).
// The data slice is overwritten by the bus echo during the transfer.
func (d *Device) Send(n uint8, data []byte) (int, error) {
	avail, err := d.SendAvailable(n)
	if err != nil {
		return 0, err
	}
	length := uint16(min(len(data), int(avail)))
	if length == 0 {
		return 0, nil
	}

	writePtr, err := d.readSocket16(n, sockTXWritePtr)
	if err != nil {
		return 0, fmt.Errorf("w5500: socket %d send: %w", n, err)
	}
	// the chip maps the wrapping 16-bit pointer into the buffer itself
	f := bus.Frame{Addr: writePtr, Socket: n, Block: bus.BlockTX, Write: true}
	if err := d.bus.Transfer(f, data[:length]); err != nil {
		return 0, fmt.Errorf("w5500: socket %d send: %w", n, err)
	}
	if err := d.writeSocket16(n, sockTXWritePtr, writePtr+length); err != nil {
		return 0, fmt.Errorf("w5500: socket %d send: %w", n, err)
	}
	if err := d.socketCommand(n, cmdSend); err != nil {
		return 0, fmt.Errorf("w5500: socket %d send: %w", n, err)
	}
	return int(length), nil
}

// Receive reads pending data from socket n into buf and issues RECV to
// acknowledge consumption. The transfer is clamped to what is pending and to
// len(buf); 0 means nothing pending.
//
// On a UDP socket the chip prefixes every datagram with an 8-byte packet
// info block (source IP, source port, payload length). With udpHeader set,
// that block is consumed separately and only the payload is delivered, at
// most one datagram per call; if buf cannot even hold the header the call
// consumes nothing and returns 0.
func (d *Device) Receive(n uint8, buf []byte, udpHeader bool) (int, error) {
	avail, err := d.ReceiveAvailable(n)
	if err != nil {
		return 0, err
	}
	length := uint16(min(len(buf), int(avail)))
	if length == 0 {
		return 0, nil
	}

	readPtr, err := d.readSocket16(n, sockRXReadPtr)
	if err != nil {
		return 0, fmt.Errorf("w5500: socket %d receive: %w", n, err)
	}

	if udpHeader {
		if length < 8 {
			return 0, nil // no room for the packet info block
		}
		var header [8]byte
		f := bus.Frame{Addr: readPtr, Socket: n, Block: bus.BlockRX}
		if err := d.bus.Transfer(f, header[:]); err != nil {
			return 0, fmt.Errorf("w5500: socket %d receive: %w", n, err)
		}
		payloadLen := uint16(header[6])<<8 | uint16(header[7])
		// bound the read to this one datagram
		length = min(length-8, payloadLen)
		readPtr += 8
	}

	f := bus.Frame{Addr: readPtr, Socket: n, Block: bus.BlockRX}
	if err := d.bus.Transfer(f, buf[:length]); err != nil {
		return 0, fmt.Errorf("w5500: socket %d receive: %w", n, err)
	}
	if err := d.writeSocket16(n, sockRXReadPtr, readPtr+length); err != nil {
		return 0, fmt.Errorf("w5500: socket %d receive: %w", n, err)
	}
	if err := d.socketCommand(n, cmdRecv); err != nil {
		return 0, fmt.Errorf("w5500: socket %d receive: %w", n, err)
	}
	return int(length), nil
}
