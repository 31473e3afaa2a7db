package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/simon-77/W5500-multiple-interfaces/w5500"
)

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
bridge:
  port_path: /dev/ttyUSB3
  baud_rate: 115200
poll_hz: 10
server:
  listen_addr: ":9000"
devices:
  - name: lab0
    transport: bridge
    chip_select: 2
    mac: "02:08:DC:00:00:10"
    ip: 10.0.0.5
    subnet: 255.255.255.0
    gateway: 10.0.0.1
    sockets:
      - index: 0
        mode: tcp-client
        source_port: 5000
        dest_ip: 10.0.0.9
        dest_port: 6000
        rx_kb: 4
        tx_kb: 4
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := LoadConfig(path)

	if cfg.Bridge.PortPath != "/dev/ttyUSB3" || cfg.Bridge.BaudRate != 115200 {
		t.Errorf("bridge = %+v", cfg.Bridge)
	}
	if cfg.PollHz != 10 {
		t.Errorf("poll_hz = %d, want 10", cfg.PollHz)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if len(cfg.Devices) != 1 {
		t.Fatalf("devices = %d, want 1", len(cfg.Devices))
	}
	dev := cfg.Devices[0]
	if dev.Name != "lab0" || dev.ChipSelect != 2 {
		t.Errorf("device = %+v", dev)
	}
	if len(dev.Sockets) != 1 {
		t.Fatalf("sockets = %d, want 1", len(dev.Sockets))
	}
	sock := dev.Sockets[0]
	if sock.Mode != "tcp-client" || sock.SourcePort != 5000 || sock.DestPort != 6000 || sock.RXSizeKB != 4 {
		t.Errorf("socket = %+v", sock)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))

	if len(cfg.Devices) == 0 {
		t.Fatal("default config has no devices")
	}
	if cfg.Devices[0].Transport != "sim" {
		t.Errorf("default device transport = %q, want sim", cfg.Devices[0].Transport)
	}
	if cfg.Server.ListenAddr == "" {
		t.Error("default listen addr empty")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BRIDGE_PORT", "/dev/ttyACM9")
	t.Setenv("POLL_HZ", "25")
	t.Setenv("LOG_ENABLED", "true")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))

	if cfg.Bridge.PortPath != "/dev/ttyACM9" {
		t.Errorf("bridge port = %q", cfg.Bridge.PortPath)
	}
	if cfg.PollHz != 25 {
		t.Errorf("poll_hz = %d", cfg.PollHz)
	}
	if !cfg.Logging.Enabled {
		t.Error("logging should be enabled")
	}
}

func TestUpdateFromJSONDeepMerge(t *testing.T) {
	cfg := DefaultConfig()
	devices := len(cfg.Devices)

	if err := cfg.UpdateFromJSON([]byte(`{"pollHz": 50, "server": {"listenAddr": ":7777"}}`)); err != nil {
		t.Fatal(err)
	}

	if cfg.PollHz != 50 {
		t.Errorf("poll_hz = %d, want 50", cfg.PollHz)
	}
	if cfg.Server.ListenAddr != ":7777" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	// Fields absent from the patch survive
	if len(cfg.Devices) != devices {
		t.Errorf("devices = %d, want %d", len(cfg.Devices), devices)
	}
	if cfg.Bridge.BaudRate != 921600 {
		t.Errorf("baud = %d, want 921600", cfg.Bridge.BaudRate)
	}
}

func TestParseIP(t *testing.T) {
	ip, err := ParseIP("192.168.1.50")
	if err != nil {
		t.Fatal(err)
	}
	if ip != (w5500.IP{192, 168, 1, 50}) {
		t.Errorf("ip = %v", ip)
	}

	for _, bad := range []string{"", "not-an-ip", "fe80::1"} {
		if _, err := ParseIP(bad); err == nil {
			t.Errorf("ParseIP(%q) should fail", bad)
		}
	}
}

func TestParseMAC(t *testing.T) {
	mac, err := ParseMAC("02:08:DC:00:00:01")
	if err != nil {
		t.Fatal(err)
	}
	if mac != (w5500.MAC{0x02, 0x08, 0xDC, 0x00, 0x00, 0x01}) {
		t.Errorf("mac = %v", mac)
	}

	if _, err := ParseMAC("banana"); err == nil {
		t.Error("ParseMAC(banana) should fail")
	}
}

func TestSocketModeValue(t *testing.T) {
	cases := map[string]w5500.SocketMode{
		"tcp-server": w5500.TCPServer,
		"tcp-client": w5500.TCPClient,
		"udp":        w5500.UDP,
	}
	for name, want := range cases {
		got, err := SocketConfig{Mode: name}.ModeValue()
		if err != nil {
			t.Errorf("%s: %v", name, err)
		}
		if got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
	if _, err := (SocketConfig{Mode: "raw"}).ModeValue(); err == nil {
		t.Error("unknown mode should fail")
	}
}
