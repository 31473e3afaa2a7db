package server

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/simon-77/W5500-multiple-interfaces/internal/logger"
	"github.com/simon-77/W5500-multiple-interfaces/w5500"
)

// Controller owns one chip: the driver handle, its configuration, and the
// byte counters accumulated by the relay endpoints. All driver access goes
// through mu; the chip is a synchronous bus device and tolerates exactly one
// transaction at a time.
type Controller struct {
	Name string

	mu      sync.Mutex
	dev     *w5500.Device
	cfg     DeviceConfig
	ready   bool
	version uint8

	bytesIn  uint64
	bytesOut uint64
}

// NewController wraps an initialized-or-not device. The chip itself is not
// touched until the first poll or relay call.
func NewController(cfg DeviceConfig, dev *w5500.Device) *Controller {
	return &Controller{
		Name: cfg.Name,
		dev:  dev,
		cfg:  cfg,
	}
}

// ensureReady initializes and configures the chip on first use, and re-runs
// the whole sequence after any failure so a replugged bridge recovers on the
// next poll. Callers must hold c.mu.
func (c *Controller) ensureReady() error {
	if c.ready {
		return nil
	}

	if err := c.dev.Init(); err != nil {
		return fmt.Errorf("controller %s: init: %w", c.Name, err)
	}

	version, err := c.dev.ChipVersion()
	if err != nil {
		return fmt.Errorf("controller %s: read version: %w", c.Name, err)
	}
	if version != 0x04 {
		return fmt.Errorf("controller %s: unexpected chip version 0x%02X", c.Name, version)
	}
	c.version = version

	mac, err := ParseMAC(c.cfg.MAC)
	if err != nil {
		return err
	}
	if err := c.dev.SetInterfaceMAC(mac); err != nil {
		return fmt.Errorf("controller %s: set mac: %w", c.Name, err)
	}

	ip, err := ParseIP(c.cfg.IP)
	if err != nil {
		return err
	}
	subnet, err := ParseIP(c.cfg.Subnet)
	if err != nil {
		return err
	}
	gateway, err := ParseIP(c.cfg.Gateway)
	if err != nil {
		return err
	}
	if err := c.dev.SetInterfaceNetwork(ip, subnet, gateway); err != nil {
		return fmt.Errorf("controller %s: set network: %w", c.Name, err)
	}

	for _, sc := range c.cfg.Sockets {
		if err := c.configureSocket(sc); err != nil {
			return err
		}
	}

	log.Printf("[controller] %s ready (chip version 0x%02X, %d sockets)", c.Name, version, len(c.cfg.Sockets))
	c.ready = true
	return nil
}

func (c *Controller) configureSocket(sc SocketConfig) error {
	if sc.RXSizeKB > 0 {
		if err := c.dev.SetBufferSizeRX(sc.Index, sc.RXSizeKB); err != nil {
			return fmt.Errorf("controller %s: socket %d rx size: %w", c.Name, sc.Index, err)
		}
	}
	if sc.TXSizeKB > 0 {
		if err := c.dev.SetBufferSizeTX(sc.Index, sc.TXSizeKB); err != nil {
			return fmt.Errorf("controller %s: socket %d tx size: %w", c.Name, sc.Index, err)
		}
	}
	if err := c.dev.SetSocketSource(sc.Index, sc.SourcePort); err != nil {
		return fmt.Errorf("controller %s: socket %d source port: %w", c.Name, sc.Index, err)
	}
	if sc.DestIP != "" {
		ip, err := ParseIP(sc.DestIP)
		if err != nil {
			return err
		}
		if err := c.dev.SetSocketDest(sc.Index, ip, sc.DestPort); err != nil {
			return fmt.Errorf("controller %s: socket %d dest: %w", c.Name, sc.Index, err)
		}
	}
	return nil
}

// Maintain runs one maintenance pass: first use initializes the chip, then
// every configured socket is nudged back toward its target state.
func (c *Controller) Maintain() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureReady(); err != nil {
		return err
	}

	for _, sc := range c.cfg.Sockets {
		mode, err := sc.ModeValue()
		if err != nil {
			return err
		}
		if err := c.dev.SocketKeepOpen(sc.Index, mode); err != nil {
			// Link-down and handshake timeouts are routine here; the next
			// pass retries. Bus failures force a full re-init.
			if errors.Is(err, w5500.ErrLinkDown) || errors.Is(err, w5500.ErrTimeout) {
				continue
			}
			c.ready = false
			return fmt.Errorf("controller %s: socket %d keep-open: %w", c.Name, sc.Index, err)
		}
	}
	return nil
}

// Snapshot reads the chip's current state for the status stream.
func (c *Controller) Snapshot() (logger.DeviceSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := logger.DeviceSnapshot{
		Name:     c.Name,
		BytesIn:  c.bytesIn,
		BytesOut: c.bytesOut,
	}

	if err := c.ensureReady(); err != nil {
		return snap, err
	}
	snap.Ready = true
	snap.Version = c.version

	phy, err := c.dev.PHYStatus()
	if err != nil {
		c.ready = false
		return snap, fmt.Errorf("controller %s: phy status: %w", c.Name, err)
	}
	snap.LinkUp = phy&0x01 != 0
	snap.Speed100M = phy&0x02 != 0
	snap.FullDuplex = phy&0x04 != 0

	for _, sc := range c.cfg.Sockets {
		ss := logger.SocketSnapshot{Index: sc.Index, Mode: sc.Mode}

		status, err := c.dev.SocketStatus(sc.Index)
		if err != nil {
			c.ready = false
			return snap, fmt.Errorf("controller %s: socket %d status: %w", c.Name, sc.Index, err)
		}
		ss.Status = status.String()

		connected, err := c.dev.SocketConnected(sc.Index)
		if err != nil {
			c.ready = false
			return snap, err
		}
		ss.Connected = connected

		if connected {
			if ss.SendFree, err = c.dev.SendAvailable(sc.Index); err != nil {
				c.ready = false
				return snap, err
			}
			if ss.RecvPending, err = c.dev.ReceiveAvailable(sc.Index); err != nil {
				c.ready = false
				return snap, err
			}
		}
		snap.Sockets = append(snap.Sockets, ss)
	}
	return snap, nil
}

// Counters returns the cumulative relay byte counters.
func (c *Controller) Counters() (in, out uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesIn, c.bytesOut
}

// SetCounters restores persisted byte counters at startup.
func (c *Controller) SetCounters(in, out uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesIn = in
	c.bytesOut = out
}

// ResetCounters zeroes the relay byte counters.
func (c *Controller) ResetCounters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesIn = 0
	c.bytesOut = 0
}

// socketConfig returns the config entry for a socket index.
func (c *Controller) socketConfig(index uint8) (SocketConfig, bool) {
	for _, sc := range c.cfg.Sockets {
		if sc.Index == index {
			return sc, true
		}
	}
	return SocketConfig{}, false
}

// Relay primitives used by the websocket byte-relay endpoint. Each holds the
// controller lock for a single driver call so the poll loop interleaves.

func (c *Controller) relaySend(index uint8, data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureReady(); err != nil {
		return 0, err
	}
	n, err := c.dev.Send(index, data)
	if err != nil {
		c.ready = false
		return 0, err
	}
	c.bytesOut += uint64(n)
	return n, nil
}

func (c *Controller) relayReceive(index uint8, buf []byte, udp bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureReady(); err != nil {
		return 0, err
	}
	n, err := c.dev.Receive(index, buf, udp)
	if err != nil {
		c.ready = false
		return 0, err
	}
	c.bytesIn += uint64(n)
	return n, nil
}

func (c *Controller) relayPending(index uint8) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureReady(); err != nil {
		return 0, err
	}
	pending, err := c.dev.ReceiveAvailable(index)
	if err != nil {
		c.ready = false
		return 0, err
	}
	return pending, nil
}
