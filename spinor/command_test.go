package spinor

import "testing"

func TestCommandRoundTrip(t *testing.T) {
	cases := []struct {
		opcode  byte
		am      AddrMode
		dummy   int
		dir     Direction
	}{
		{OpcodeReadJEDECID, AddrNone, 0, DirIn},
		{OpcodeReadData, Addr3Byte, 0, DirIn},
		{OpcodeReadSFDP, Addr3Byte, 1, DirIn},
		{OpcodePageProgram, Addr3Byte, 0, DirOut},
		{OpcodeWriteEnable, AddrNone, 0, DirNone},
	}
	for _, c := range cases {
		w := Encode(c.opcode, c.am, c.dummy, c.dir)
		if w.Opcode() != c.opcode {
			t.Errorf("opcode: got 0x%x want 0x%x", w.Opcode(), c.opcode)
		}
		if w.AddrMode() != c.am {
			t.Errorf("addrMode: got %v want %v", w.AddrMode(), c.am)
		}
		if w.DummyBytes() != c.dummy {
			t.Errorf("dummy: got %d want %d", w.DummyBytes(), c.dummy)
		}
		wantDir := c.dir
		if wantDir == DirNone {
			wantDir = DirIn // DirNone collapses to DirIn on decode, only 1 bit is carried
		}
		if w.Direction() != wantDir {
			t.Errorf("dir: got %v want %v", w.Direction(), wantDir)
		}
	}
}
