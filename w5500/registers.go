// Package w5500 drives a W5500 Ethernet controller through a bus.Transport:
// socket lifecycle (open, listen, connect, disconnect, close), data transfer
// through the chip's circular packet buffers, and interface configuration.
// One Device per chip; several Devices may share a physical bus as long as
// the Transport serializes transactions.
package w5500

// Common register block offsets.
const (
	commonMode       uint16 = 0x0000
	commonGatewayIP  uint16 = 0x0001 // 0x0001 - 0x0004
	commonSubnetMask uint16 = 0x0005 // 0x0005 - 0x0008
	commonSourceMAC  uint16 = 0x0009 // 0x0009 - 0x000E
	commonSourceIP   uint16 = 0x000F // 0x000F - 0x0012
	commonPHYConfig  uint16 = 0x002E
	commonVersion    uint16 = 0x0039
)

// Socket register block offsets.
const (
	sockMode       uint16 = 0x0000
	sockCommand    uint16 = 0x0001
	sockStatus     uint16 = 0x0003
	sockSourcePort uint16 = 0x0004 // 0x0004 - 0x0005
	sockDestMAC    uint16 = 0x0006 // 0x0006 - 0x000B
	sockDestIP     uint16 = 0x000C // 0x000C - 0x000F
	sockDestPort   uint16 = 0x0010 // 0x0010 - 0x0011
	sockRXBufSize  uint16 = 0x001E
	sockTXBufSize  uint16 = 0x001F
	sockTXFreeSize uint16 = 0x0020 // 0x0020 - 0x0021
	sockTXWritePtr uint16 = 0x0024 // 0x0024 - 0x0025
	sockRXRecvSize uint16 = 0x0026 // 0x0026 - 0x0027
	sockRXReadPtr  uint16 = 0x0028 // 0x0028 - 0x0029
)

// command is a socket command register value.
type command byte

const (
	cmdOpen       command = 0x01
	cmdListen     command = 0x02
	cmdConnect    command = 0x04
	cmdDisconnect command = 0x08
	cmdClose      command = 0x10
	cmdSend       command = 0x20
	cmdRecv       command = 0x40
)

// hwStatus is a socket status register value. Any value not listed is one of
// the chip's transient states.
type hwStatus byte

const (
	sockClosed      hwStatus = 0x00
	sockInit        hwStatus = 0x13
	sockListen      hwStatus = 0x14
	sockEstablished hwStatus = 0x17
	sockCloseWait   hwStatus = 0x1C
	sockUDP         hwStatus = 0x22
)

// Register values written during initialization and socket setup.
const (
	// Mode register: Wake-on-LAN, ping block, PPPoE and force-ARP all off.
	commonModeValue = 0x00
	// PHY config: no reset, configure from register bits, all capable with
	// auto-negotiation.
	phyConfigValue = 0xF8
	// Socket mode base: broadcast blocking on (UDP), everything else off.
	// OR'd with 0x01 for TCP or 0x02 for UDP before opening.
	sockModeDefault = 0x40
	sockModeTCP     = 0x01
	sockModeUDP     = 0x02
)
