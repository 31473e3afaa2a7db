package bus

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Bridge adapter protocol (USB-SPI bridge, e.g. the w5500-bridge firmware):
//
//	0x01                          probe; adapter answers 0xA5 <firmware rev>
//	0x02 <cs>                     set up chip-select line <cs>, deselected;
//	                              adapter answers 0x06 (ACK)
//	0x03 <cs> <lenH> <lenL>       SPI transaction on chip-select <cs>:
//	     <hdr[3]> <payload[len]>  adapter asserts CS, clocks the 3 header
//	                              bytes and the payload, deasserts CS, and
//	                              answers with the <len> bytes that came back
//	                              during the payload phase.
//
// The adapter clocks the chip at SPI mode 0, MSB first; the serial link is
// 8N1 at the configured baud rate.
const (
	cmdProbe    = 0x01
	cmdSetupCS  = 0x02
	cmdTransfer = 0x03

	respProbe = 0xA5
	respACK   = 0x06

	replyTimeout = 2 * time.Second
)

// serialPort is the subset of serial.Port the bridge needs. Tests substitute
// an in-memory implementation.
type serialPort interface {
	io.ReadWriter
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

// BridgeConfig holds connection configuration for a SharedBus.
type BridgeConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// SharedBus is one serial link to a USB-SPI bridge adapter. Several chips may
// hang off the same adapter on different chip-select lines; Transport returns
// a per-chip Transport. All transactions are serialized through one mutex,
// which is the arbitration the Transport contract requires of a shared bus.
type SharedBus struct {
	portPath string
	baudRate int

	mu        sync.Mutex
	port      serialPort
	connected bool
}

// NewSharedBus creates a SharedBus for the given adapter port. Connect must
// be called before any transport is used.
func NewSharedBus(cfg BridgeConfig) *SharedBus {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 921600
	}
	return &SharedBus{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
	}
}

// Connect opens the serial port and probes the adapter.
func (b *SharedBus) Connect() error {
	mode := &serial.Mode{
		BaudRate: b.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(b.portPath, mode)
	if err != nil {
		return fmt.Errorf("bridge: failed to open %s: %w", b.portPath, err)
	}
	if err := port.SetReadTimeout(replyTimeout); err != nil {
		port.Close()
		return fmt.Errorf("bridge: failed to set timeout: %w", err)
	}

	b.mu.Lock()
	b.port = port
	b.mu.Unlock()

	if err := b.probe(); err != nil {
		b.Close()
		return err
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	log.Printf("[bridge] connected to adapter on %s at %d baud", b.portPath, b.baudRate)
	return nil
}

// probe verifies an adapter is listening on the other end of the port.
func (b *SharedBus) probe() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.port.ResetInputBuffer()
	if _, err := b.port.Write([]byte{cmdProbe}); err != nil {
		return fmt.Errorf("bridge: probe write failed: %w", err)
	}
	resp := make([]byte, 2)
	if err := b.readExact(resp); err != nil {
		return fmt.Errorf("bridge: no adapter on %s: %w", b.portPath, err)
	}
	if resp[0] != respProbe {
		return fmt.Errorf("bridge: unexpected probe response: got 0x%02X, want 0x%02X", resp[0], respProbe)
	}
	log.Printf("[bridge] adapter firmware rev %d on %s", resp[1], b.portPath)
	return nil
}

// IsConnected reports whether the adapter link is up.
func (b *SharedBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Close shuts down the serial link.
func (b *SharedBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	if b.port != nil {
		err := b.port.Close()
		b.port = nil
		return err
	}
	return nil
}

// Transport returns the Transport for the chip on chip-select line cs.
// Transports from the same SharedBus share its serialized link.
func (b *SharedBus) Transport(cs uint8) Transport {
	return &bridgeTransport{bus: b, cs: cs}
}

// readExact reads exactly len(buf) bytes within the reply timeout.
// Caller must hold b.mu.
func (b *SharedBus) readExact(buf []byte) error {
	deadline := time.Now().Add(replyTimeout)
	got := 0
	for got < len(buf) && time.Now().Before(deadline) {
		n, err := b.port.Read(buf[got:])
		if err != nil && n == 0 {
			return fmt.Errorf("read error after %d/%d bytes: %w", got, len(buf), err)
		}
		got += n
	}
	if got < len(buf) {
		return fmt.Errorf("incomplete reply: got %d bytes, want %d", got, len(buf))
	}
	return nil
}

// transact runs one framed transaction and overwrites data with the bytes
// the chip returned during the payload phase.
func (b *SharedBus) transact(cs uint8, f Frame, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return fmt.Errorf("bridge: not connected")
	}

	req := make([]byte, 0, 7+len(data))
	req = append(req, cmdTransfer, cs)
	req = binary.BigEndian.AppendUint16(req, uint16(len(data)))
	req = binary.BigEndian.AppendUint16(req, f.Addr)
	req = append(req, f.Control())
	req = append(req, data...)

	if _, err := b.port.Write(req); err != nil {
		return fmt.Errorf("bridge: write failed: %w", err)
	}
	if err := b.readExact(data); err != nil {
		return fmt.Errorf("bridge: cs %d: %w", cs, err)
	}
	return nil
}

// setupCS asks the adapter to configure and deselect a chip-select line.
func (b *SharedBus) setupCS(cs uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.port == nil {
		return fmt.Errorf("bridge: not connected")
	}
	if _, err := b.port.Write([]byte{cmdSetupCS, cs}); err != nil {
		return fmt.Errorf("bridge: setup write failed: %w", err)
	}
	resp := make([]byte, 1)
	if err := b.readExact(resp); err != nil {
		return fmt.Errorf("bridge: setup cs %d: %w", cs, err)
	}
	if resp[0] != respACK {
		return fmt.Errorf("bridge: setup cs %d: got 0x%02X, want ACK", cs, resp[0])
	}
	return nil
}

// bridgeTransport is one chip's view of a SharedBus.
type bridgeTransport struct {
	bus *SharedBus
	cs  uint8
}

func (t *bridgeTransport) Init() error {
	return t.bus.setupCS(t.cs)
}

func (t *bridgeTransport) Transfer(f Frame, data []byte) error {
	return t.bus.transact(t.cs, f, data)
}

func (t *bridgeTransport) WaitForValue(f Frame, mask, want byte, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 1)
	for time.Now().Before(deadline) {
		buf[0] = 0
		if err := t.Transfer(f, buf); err != nil {
			return false, err
		}
		if buf[0]&mask == want {
			return true, nil
		}
		time.Sleep(time.Millisecond)
	}
	return false, nil
}

func (t *bridgeTransport) Sleep(d time.Duration) {
	time.Sleep(d)
}
