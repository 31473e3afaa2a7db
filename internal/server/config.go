package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/simon-77/W5500-multiple-interfaces/bus"
	"github.com/simon-77/W5500-multiple-interfaces/w5500"
)

// Config holds the full bridge configuration.
type Config struct {
	mu sync.RWMutex

	// Bridge is the shared USB-SPI adapter all "bridge" devices hang off.
	Bridge bus.BridgeConfig `yaml:"bridge" json:"bridge"`

	// Devices lists the Ethernet controllers to drive.
	Devices []DeviceConfig `yaml:"devices" json:"devices"`

	// PollHz is the status/maintenance polling rate.
	PollHz int `yaml:"poll_hz" json:"pollHz"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

// DeviceConfig describes one chip: its bus attachment, network identity and
// socket roles.
type DeviceConfig struct {
	Name       string         `yaml:"name" json:"name"`
	Transport  string         `yaml:"transport" json:"transport"` // "bridge" or "sim"
	ChipSelect uint8          `yaml:"chip_select" json:"chipSelect"`
	MAC        string         `yaml:"mac" json:"mac"`
	IP         string         `yaml:"ip" json:"ip"`
	Subnet     string         `yaml:"subnet" json:"subnet"`
	Gateway    string         `yaml:"gateway" json:"gateway"`
	Sockets    []SocketConfig `yaml:"sockets" json:"sockets"`
}

// SocketConfig describes one socket's role on a device. Sockets listed here
// are configured at init and kept open by the maintenance loop.
type SocketConfig struct {
	Index      uint8  `yaml:"index" json:"index"`
	Mode       string `yaml:"mode" json:"mode"` // "tcp-server", "tcp-client", "udp"
	SourcePort uint16 `yaml:"source_port" json:"sourcePort"`
	DestIP     string `yaml:"dest_ip" json:"destIP"`
	DestPort   uint16 `yaml:"dest_port" json:"destPort"`
	RXSizeKB   uint8  `yaml:"rx_kb" json:"rxKB"`
	TXSizeKB   uint8  `yaml:"tx_kb" json:"txKB"`
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with one simulated chip, usable without any
// hardware attached.
func DefaultConfig() *Config {
	return &Config{
		Bridge: bus.BridgeConfig{
			PortPath: "/dev/ttyACM0",
			BaudRate: 921600,
		},
		Devices: []DeviceConfig{
			{
				Name:       "eth0",
				Transport:  "sim",
				ChipSelect: 0,
				MAC:        "02:08:DC:00:00:01",
				IP:         "192.168.1.50",
				Subnet:     "255.255.255.0",
				Gateway:    "192.168.1.1",
				Sockets: []SocketConfig{
					{Index: 0, Mode: "tcp-server", SourcePort: 1234, RXSizeKB: 2, TXSizeKB: 2},
					{Index: 1, Mode: "udp", SourcePort: 7000, DestIP: "192.168.1.51", DestPort: 7000, RXSizeKB: 2, TXSizeKB: 2},
				},
			},
		},
		PollHz: 5,
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/w5500-bridge",
			Interval: 1000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the YAML is missing or bad.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env from the config's directory or the CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BRIDGE_PORT, BRIDGE_BAUD, LISTEN_ADDR, POLL_HZ, LOG_ENABLED,
// LOG_PATH, LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		c.Bridge.PortPath = v
	}
	if v := os.Getenv("BRIDGE_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bridge.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("POLL_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PollHz = n
		}
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/w5500-bridge/config.yaml"
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config; fields absent from the patch are
// preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst: nested maps merge, everything
// else overwrites.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

//
// Typed accessors for the string-form addresses in the YAML.
//

// ParseIP converts a dotted-quad config string into a register value.
func ParseIP(s string) (w5500.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return w5500.IP{}, fmt.Errorf("config: invalid IPv4 address %q", s)
	}
	var out w5500.IP
	copy(out[:], ip.To4())
	return out, nil
}

// ParseMAC converts a config MAC string into a register value.
func ParseMAC(s string) (w5500.MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return w5500.MAC{}, fmt.Errorf("config: invalid MAC address %q", s)
	}
	var out w5500.MAC
	copy(out[:], hw)
	return out, nil
}

// ModeValue converts a socket config mode string to the driver's enum.
func (s SocketConfig) ModeValue() (w5500.SocketMode, error) {
	switch s.Mode {
	case "tcp-server":
		return w5500.TCPServer, nil
	case "tcp-client":
		return w5500.TCPClient, nil
	case "udp":
		return w5500.UDP, nil
	}
	return 0, fmt.Errorf("config: unknown socket mode %q", s.Mode)
}
