package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger records timestamped device telemetry to CSV files with automatic
// rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

// DeviceSnapshot is one chip's state at a point in time: PHY link status,
// per-socket state, and cumulative relay byte counters.
type DeviceSnapshot struct {
	Name       string           `json:"name"`
	Ready      bool             `json:"ready"`
	Version    uint8            `json:"version"`
	LinkUp     bool             `json:"linkUp"`
	Speed100M  bool             `json:"speed100M"`
	FullDuplex bool             `json:"fullDuplex"`
	Sockets    []SocketSnapshot `json:"sockets"`
	BytesIn    uint64           `json:"bytesIn"`
	BytesOut   uint64           `json:"bytesOut"`

	// Humanized counter strings, filled by the server for display.
	BytesInHuman  string `json:"bytesInHuman,omitempty"`
	BytesOutHuman string `json:"bytesOutHuman,omitempty"`
}

// SocketSnapshot is one socket's state within a DeviceSnapshot.
type SocketSnapshot struct {
	Index       uint8  `json:"index"`
	Mode        string `json:"mode"`
	Status      string `json:"status"`
	Connected   bool   `json:"connected"`
	SendFree    uint16 `json:"sendFree"`
	RecvPending uint16 `json:"recvPending"`
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows (~27 hrs at 1 Hz)
)

var csvHeader = []string{
	"timestamp", "device", "ready", "link", "speed_100m", "full_duplex",
	"socket", "mode", "status", "connected",
	"send_free", "recv_pending", "bytes_in", "bytes_out",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/w5500-bridge"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = time.Second // Default 1 Hz
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes one row per socket of every device snapshot if the minimum
// interval has elapsed. Devices with no configured sockets still get one row
// for the PHY state.
func (l *Logger) Record(devices []DeviceSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || len(devices) == 0 {
		return
	}

	now := time.Now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	for _, dev := range devices {
		for _, row := range buildRows(now, dev) {
			if err := l.writer.Write(row); err != nil {
				log.Printf("[logger] write failed: %v", err)
				return
			}
			l.rows++
		}
	}
	l.writer.Flush()
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("w5500_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	// Write header
	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRows(ts time.Time, dev DeviceSnapshot) [][]string {
	base := []string{
		ts.Format(time.RFC3339Nano),
		dev.Name,
		boolStr(dev.Ready),
		boolStr(dev.LinkUp),
		boolStr(dev.Speed100M),
		boolStr(dev.FullDuplex),
	}

	if len(dev.Sockets) == 0 {
		row := make([]string, len(csvHeader))
		copy(row, base)
		row[12] = fmt.Sprintf("%d", dev.BytesIn)
		row[13] = fmt.Sprintf("%d", dev.BytesOut)
		return [][]string{row}
	}

	rows := make([][]string, 0, len(dev.Sockets))
	for _, sock := range dev.Sockets {
		row := make([]string, len(csvHeader))
		copy(row, base)
		row[6] = fmt.Sprintf("%d", sock.Index)
		row[7] = sock.Mode
		row[8] = sock.Status
		row[9] = boolStr(sock.Connected)
		row[10] = fmt.Sprintf("%d", sock.SendFree)
		row[11] = fmt.Sprintf("%d", sock.RecvPending)
		row[12] = fmt.Sprintf("%d", dev.BytesIn)
		row[13] = fmt.Sprintf("%d", dev.BytesOut)
		rows = append(rows, row)
	}
	return rows
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
