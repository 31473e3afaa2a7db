package bus_test

import (
	"testing"

	"github.com/simon-77/W5500-multiple-interfaces/bus"
)

func TestFrameControlByte(t *testing.T) {
	cases := []struct {
		name  string
		frame bus.Frame
		want  byte
	}{
		{"common read", bus.Frame{Block: bus.BlockCommon}, 0x00},
		{"common write", bus.Frame{Block: bus.BlockCommon, Write: true}, 0x04},
		{"socket 0 reg read", bus.Frame{Block: bus.BlockSocket}, 0x08},
		{"socket 0 reg write", bus.Frame{Block: bus.BlockSocket, Write: true}, 0x0C},
		{"socket 1 reg read", bus.Frame{Socket: 1, Block: bus.BlockSocket}, 0x28},
		{"socket 3 tx write", bus.Frame{Socket: 3, Block: bus.BlockTX, Write: true}, 0x74},
		{"socket 3 rx read", bus.Frame{Socket: 3, Block: bus.BlockRX}, 0x78},
		{"socket 7 rx read", bus.Frame{Socket: 7, Block: bus.BlockRX}, 0xF8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.frame.Control(); got != tc.want {
				t.Errorf("Control() = 0x%02X, want 0x%02X", got, tc.want)
			}
		})
	}
}
