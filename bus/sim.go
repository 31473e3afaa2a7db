package bus

import (
	"sync"
	"time"
)

// Sim is a software model of the Ethernet controller, used for demo mode and
// tests: the full register map, the socket command/status machine, and the
// circular packet buffers behave like the chip, with an echo peer standing in
// for the network. SENT data loops back into the same socket's receive buffer
// (UDP datagrams get the chip's 8-byte packet-info header prepended).
//
// Sim serializes itself, so its transports can be shared the same way a
// SharedBus can.
type Sim struct {
	mu sync.Mutex

	common  [0x40]byte
	sockets [8]simSocket

	linkUp bool
	echo   bool
}

type simSocket struct {
	regs [0x30]byte
	tx   [16 * 1024]byte
	rx   [16 * 1024]byte
}

// Chip register layout and values, as the driver sees them.
const (
	simCommonMode    = 0x00
	simCommonPHYCfg  = 0x2E
	simCommonVersion = 0x39

	simSockMode    = 0x00
	simSockCommand = 0x01
	simSockStatus  = 0x03
	simSockDestIP  = 0x0C
	simSockRXSize  = 0x1E
	simSockTXSize  = 0x1F
	simSockTXFree  = 0x20
	simSockTXRead  = 0x22
	simSockTXWrite = 0x24
	simSockRXRecv  = 0x26
	simSockRXRead  = 0x28
	simSockRXWrite = 0x2A

	simCmdOpen       = 0x01
	simCmdListen     = 0x02
	simCmdConnect    = 0x04
	simCmdDisconnect = 0x08
	simCmdClose      = 0x10
	simCmdSend       = 0x20
	simCmdRecv       = 0x40

	simStatusClosed      = 0x00
	simStatusInit        = 0x13
	simStatusListen      = 0x14
	simStatusEstablished = 0x17
	simStatusUDP         = 0x22
)

// NewSim creates a simulated chip with the link up and the echo peer enabled.
func NewSim() *Sim {
	s := &Sim{linkUp: true, echo: true}
	s.reset()
	return s
}

// SetLinkUp raises or drops the simulated PHY link.
func (s *Sim) SetLinkUp(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkUp = up
	s.updatePHY()
}

// SetEcho enables or disables the loopback echo peer.
func (s *Sim) SetEcho(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echo = on
}

// Inject queues data into a socket's receive buffer as if a peer had sent it,
// bypassing the echo path. For a UDP socket the packet-info header is
// prepended using the given source address.
func (s *Sim) Inject(socket uint8, srcIP [4]byte, srcPort uint16, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(socket) >= len(s.sockets) {
		return
	}
	sock := &s.sockets[socket]
	if sock.regs[simSockStatus] == simStatusUDP {
		hdr := []byte{
			srcIP[0], srcIP[1], srcIP[2], srcIP[3],
			byte(srcPort >> 8), byte(srcPort),
			byte(len(data) >> 8), byte(len(data)),
		}
		s.deliver(sock, hdr)
	}
	s.deliver(sock, data)
}

func (s *Sim) reset() {
	s.common = [0x40]byte{}
	s.common[simCommonVersion] = 0x04
	s.updatePHY()
	for i := range s.sockets {
		s.sockets[i].regs = [0x30]byte{}
		// power-on buffer split: 2 kB per socket, both directions
		s.sockets[i].regs[simSockRXSize] = 2
		s.sockets[i].regs[simSockTXSize] = 2
		s.resetPointers(&s.sockets[i])
	}
}

// updatePHY rewrites the status bits of the PHY config register.
// Caller must hold s.mu.
func (s *Sim) updatePHY() {
	s.common[simCommonPHYCfg] &^= 0x07
	if s.linkUp {
		// link up, 100 Mbps, full duplex
		s.common[simCommonPHYCfg] |= 0x07
	}
}

func (s *Sim) resetPointers(sock *simSocket) {
	free := uint16(sock.regs[simSockTXSize]) * 1024
	put16(sock.regs[simSockTXFree:], free)
	put16(sock.regs[simSockTXRead:], 0)
	put16(sock.regs[simSockTXWrite:], 0)
	put16(sock.regs[simSockRXRecv:], 0)
	put16(sock.regs[simSockRXRead:], 0)
	put16(sock.regs[simSockRXWrite:], 0)
}

func (s *Sim) Init() error { return nil }

func (s *Sim) Transfer(f Frame, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Block {
	case BlockCommon:
		s.accessCommon(f, data)
	case BlockSocket:
		if int(f.Socket) < len(s.sockets) {
			s.accessSocket(&s.sockets[f.Socket], f, data)
		}
	case BlockTX:
		if int(f.Socket) < len(s.sockets) {
			sock := &s.sockets[f.Socket]
			s.accessBuffer(sock.tx[:bufSize(sock.regs[simSockTXSize])], f, data)
		}
	case BlockRX:
		if int(f.Socket) < len(s.sockets) {
			sock := &s.sockets[f.Socket]
			s.accessBuffer(sock.rx[:bufSize(sock.regs[simSockRXSize])], f, data)
		}
	}
	return nil
}

func (s *Sim) WaitForValue(f Frame, mask, want byte, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 1)
	for {
		buf[0] = 0
		if err := s.Transfer(f, buf); err != nil {
			return false, err
		}
		if buf[0]&mask == want {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *Sim) Sleep(d time.Duration) { time.Sleep(d) }

// accessCommon reads or writes a run of common registers.
// Caller must hold s.mu.
func (s *Sim) accessCommon(f Frame, data []byte) {
	for i := range data {
		addr := int(f.Addr) + i
		if addr >= len(s.common) {
			break
		}
		if f.Write {
			v := data[i]
			if addr == simCommonMode && v&0x80 != 0 {
				s.reset()
				continue
			}
			if addr == simCommonVersion {
				continue // read-only
			}
			s.common[addr] = v
			if addr == simCommonPHYCfg {
				s.updatePHY()
			}
		}
		data[i] = s.common[addr]
	}
}

// accessSocket reads or writes per-socket registers, running commands written
// to the command register. Caller must hold s.mu.
func (s *Sim) accessSocket(sock *simSocket, f Frame, data []byte) {
	for i := range data {
		addr := int(f.Addr) + i
		if addr >= len(sock.regs) {
			break
		}
		if f.Write {
			if addr == simSockCommand {
				s.command(sock, data[i])
				data[i] = 0 // command register reads back 0 when done
				continue
			}
			if addr != simSockStatus {
				sock.regs[addr] = data[i]
			}
		}
		data[i] = sock.regs[addr]
	}
}

// accessBuffer moves bytes through a circular packet buffer. The chip maps
// the wrapped 16-bit address onto the buffer's physical extent by modulo.
func (s *Sim) accessBuffer(buf []byte, f Frame, data []byte) {
	if len(buf) == 0 {
		return
	}
	for i := range data {
		phys := (int(f.Addr) + i) % len(buf)
		if f.Write {
			buf[phys] = data[i]
		}
		data[i] = buf[phys]
	}
}

// command runs one socket command. Caller must hold s.mu.
func (s *Sim) command(sock *simSocket, cmd byte) {
	status := &sock.regs[simSockStatus]
	switch cmd {
	case simCmdOpen:
		s.resetPointers(sock)
		switch sock.regs[simSockMode] & 0x0F {
		case 0x01:
			*status = simStatusInit
		case 0x02:
			*status = simStatusUDP
		default:
			*status = simStatusClosed
		}
	case simCmdListen:
		if *status == simStatusInit {
			*status = simStatusListen
		}
	case simCmdConnect:
		// the simulated network always accepts
		if *status == simStatusInit && s.linkUp {
			*status = simStatusEstablished
		}
	case simCmdDisconnect, simCmdClose:
		*status = simStatusClosed
	case simCmdSend:
		s.transmit(sock)
	case simCmdRecv:
		// the driver has committed a new read pointer; recompute what is
		// still pending
		pending := get16(sock.regs[simSockRXWrite:]) - get16(sock.regs[simSockRXRead:])
		put16(sock.regs[simSockRXRecv:], pending)
	}
}

// transmit consumes the TX window and, when the echo peer is on, loops the
// data back into the socket's receive buffer.
func (s *Sim) transmit(sock *simSocket) {
	rd := get16(sock.regs[simSockTXRead:])
	wr := get16(sock.regs[simSockTXWrite:])
	n := wr - rd
	if n == 0 {
		return
	}

	if s.echo {
		size := bufSize(sock.regs[simSockTXSize])
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = sock.tx[(int(rd)+i)%size]
		}
		if sock.regs[simSockStatus] == simStatusUDP {
			var ip [4]byte
			copy(ip[:], sock.regs[simSockDestIP:simSockDestIP+4])
			hdr := []byte{
				ip[0], ip[1], ip[2], ip[3],
				sock.regs[0x10], sock.regs[0x11], // destination port echoes back as source
				byte(n >> 8), byte(n),
			}
			s.deliver(sock, hdr)
		}
		s.deliver(sock, payload)
	}

	put16(sock.regs[simSockTXRead:], wr)
	put16(sock.regs[simSockTXFree:], uint16(sock.regs[simSockTXSize])*1024)
}

// deliver appends bytes at the RX write pointer and bumps the received-size
// counter. Caller must hold s.mu.
func (s *Sim) deliver(sock *simSocket, data []byte) {
	size := bufSize(sock.regs[simSockRXSize])
	if size == 0 {
		return
	}
	wr := get16(sock.regs[simSockRXWrite:])
	for i, b := range data {
		sock.rx[(int(wr)+i)%size] = b
	}
	put16(sock.regs[simSockRXWrite:], wr+uint16(len(data)))
	recv := get16(sock.regs[simSockRXRecv:])
	put16(sock.regs[simSockRXRecv:], recv+uint16(len(data)))
}

func bufSize(kb byte) int { return int(kb) * 1024 }

func put16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func get16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
