package w5500

import "fmt"

// SocketStatus is the driver's projection of a socket's hardware state.
type SocketStatus int

const (
	Closed SocketStatus = iota
	UDPOpen
	TCPListen    // TCP server waiting for a connection
	TCPConnected // TCP connection established (client or server)
	Temporary    // one of the chip's transient states
)

func (s SocketStatus) String() string {
	switch s {
	case Closed:
		return "closed"
	case UDPOpen:
		return "udp-open"
	case TCPListen:
		return "tcp-listen"
	case TCPConnected:
		return "tcp-connected"
	case Temporary:
		return "temporary"
	}
	return "unknown"
}

// SocketOpen opens socket n in the given mode. Source port (and destination
// for TCP client and UDP) must be configured beforehand.
//
// The socket is force-closed first, then the mode is written and OPEN issued.
// UDP success is the socket reaching its ready state; TCP runs the full
// handshake (init, then LISTEN or CONNECT, then the terminal state), each leg
// with its own timeout. A TCP client only succeeds once the connection is
// established. On any timeout the socket is closed again before ErrTimeout is
// returned, so a failed open never leaves a stale intermediate state behind.
func (d *Device) SocketOpen(n uint8, mode SocketMode) error {
	phy, err := d.readCommon(commonPHYConfig)
	if err != nil {
		return fmt.Errorf("w5500: socket %d open: %w", n, err)
	}
	if phy&0x01 == 0 {
		return ErrLinkDown
	}

	modeValue := byte(sockModeDefault)
	var second command
	var terminal hwStatus
	switch mode {
	case TCPServer:
		modeValue |= sockModeTCP
		second = cmdListen
		terminal = sockListen
	case TCPClient:
		modeValue |= sockModeTCP
		second = cmdConnect
		terminal = sockEstablished
	case UDP:
		modeValue |= sockModeUDP
	}

	if err := d.SocketClose(n); err != nil {
		return fmt.Errorf("w5500: socket %d open: %w", n, err)
	}

	if err := d.writeSocket(n, sockMode, modeValue); err != nil {
		return fmt.Errorf("w5500: socket %d open: %w", n, err)
	}
	if err := d.socketCommand(n, cmdOpen); err != nil {
		return fmt.Errorf("w5500: socket %d open: %w", n, err)
	}

	switch mode {
	case UDP:
		ok, err := d.waitStatus(n, sockUDP, socketTimeout)
		if err != nil {
			return fmt.Errorf("w5500: socket %d open: %w", n, err)
		}
		if ok {
			return nil
		}

	case TCPServer, TCPClient:
		ok, err := d.waitStatus(n, sockInit, socketTimeout)
		if err != nil {
			return fmt.Errorf("w5500: socket %d open: %w", n, err)
		}
		if ok {
			if err := d.socketCommand(n, second); err != nil {
				return fmt.Errorf("w5500: socket %d open: %w", n, err)
			}
			ok, err = d.waitStatus(n, terminal, socketTimeout)
			if err != nil {
				return fmt.Errorf("w5500: socket %d open: %w", n, err)
			}
			if ok {
				return nil
			}
		}
	}

	// handshake timed out somewhere: drive the socket back to closed
	if err := d.SocketClose(n); err != nil {
		return fmt.Errorf("w5500: socket %d open: %w", n, err)
	}
	return fmt.Errorf("w5500: socket %d open as %s: %w", n, mode, ErrTimeout)
}

// SocketClose closes socket n. An established or half-closed TCP connection
// is disconnected first; if the disconnect does not complete in time — or the
// socket is in any other non-closed state — a hard CLOSE is issued, which
// always drives the socket to closed without negotiation.
func (d *Device) SocketClose(n uint8) error {
	status, err := d.statusReg(n)
	if err != nil {
		return fmt.Errorf("w5500: socket %d close: %w", n, err)
	}
	switch status {
	case sockClosed:
		return nil
	case sockEstablished, sockCloseWait:
		if err := d.socketCommand(n, cmdDisconnect); err != nil {
			return fmt.Errorf("w5500: socket %d close: %w", n, err)
		}
		ok, err := d.waitStatus(n, sockClosed, socketTimeout)
		if err != nil {
			return fmt.Errorf("w5500: socket %d close: %w", n, err)
		}
		if ok {
			return nil
		}
	}
	if err := d.socketCommand(n, cmdClose); err != nil {
		return fmt.Errorf("w5500: socket %d close: %w", n, err)
	}
	return nil
}

// SocketKeepOpen re-opens socket n if it was closed by some other means, and
// nudges a half-closed connection towards closed. It never changes the mode
// of a live socket: close it first to reconfigure. Call this periodically —
// the driver does no background polling of its own.
func (d *Device) SocketKeepOpen(n uint8, mode SocketMode) error {
	status, err := d.statusReg(n)
	if err != nil {
		return fmt.Errorf("w5500: socket %d keep-open: %w", n, err)
	}
	switch status {
	case sockClosed, sockInit:
		return d.SocketOpen(n, mode)
	case sockListen, sockEstablished, sockUDP:
		// healthy, nothing to do
		return nil
	case sockCloseWait:
		// half-closed by the peer: finish the disconnect
		if err := d.socketCommand(n, cmdDisconnect); err != nil {
			return fmt.Errorf("w5500: socket %d keep-open: %w", n, err)
		}
		return nil
	default:
		// transient state, wait for it to settle
		return nil
	}
}

// SocketStatus returns the socket's projected state and performs inline
// maintenance: a socket stranded in init is closed, a half-closed connection
// gets its disconnect issued. Both report as Closed.
func (d *Device) SocketStatus(n uint8) (SocketStatus, error) {
	status, err := d.statusReg(n)
	if err != nil {
		return Closed, fmt.Errorf("w5500: socket %d status: %w", n, err)
	}
	switch status {
	case sockClosed:
		return Closed, nil
	case sockInit:
		// opened but never driven to listen/connect: close it
		if err := d.socketCommand(n, cmdClose); err != nil {
			return Closed, fmt.Errorf("w5500: socket %d status: %w", n, err)
		}
		return Closed, nil
	case sockListen:
		return TCPListen, nil
	case sockEstablished:
		return TCPConnected, nil
	case sockCloseWait:
		if err := d.socketCommand(n, cmdDisconnect); err != nil {
			return Closed, fmt.Errorf("w5500: socket %d status: %w", n, err)
		}
		return Closed, nil
	case sockUDP:
		return UDPOpen, nil
	default:
		return Temporary, nil
	}
}

// SocketConnected reports whether socket n can move data: an established TCP
// connection or an open UDP socket. A listening server socket is not
// connected yet.
func (d *Device) SocketConnected(n uint8) (bool, error) {
	status, err := d.SocketStatus(n)
	if err != nil {
		return false, err
	}
	return status == TCPConnected || status == UDPOpen, nil
}
