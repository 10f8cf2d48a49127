package spinor

import "testing"

func TestParseJEDECIDWinbond(t *testing.T) {
	id, err := ParseJEDECID([]byte{0xEF, 0x40, 0x18})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !id.Plausible() {
		t.Fatalf("expected plausible ID")
	}
	if id.Manufacturer != 0xEF {
		t.Fatalf("expected Winbond manufacturer byte 0xEF, got 0x%x", id.Manufacturer)
	}
	if id.SizeBytes() != 16*1024*1024 {
		t.Fatalf("expected 16MiB capacity, got %d", id.SizeBytes())
	}
}

func TestJEDECIDImplausible(t *testing.T) {
	ff, _ := ParseJEDECID([]byte{0xFF, 0xFF, 0xFF})
	if ff.Plausible() {
		t.Fatalf("all-0xFF ID should not be plausible")
	}
	zero, _ := ParseJEDECID([]byte{0x00, 0x00, 0x00})
	if zero.Plausible() {
		t.Fatalf("all-zero ID should not be plausible")
	}
}

// buildSFDP constructs a minimal SFDP blob this package's parser accepts:
// 16-byte header (signature + one parameter header) followed by a basic
// parameter table with a density DWORD, one erase-type pair and a page
// size nibble.
func buildSFDP(capacityBytes int64, sectorSizeExp byte, sectorEraseOpcode byte, pageSizeExp byte) []byte {
	raw := make([]byte, 16+44)
	copy(raw[0:4], "SFDP")

	bpt := raw[16:]
	densityBits := uint32(capacityBytes*8 - 1)
	putLE32(bpt[bptDW2:], densityBits)

	bpt[bptDW8+0] = sectorSizeExp
	bpt[bptDW8+1] = sectorEraseOpcode

	bpt[bptDW11+3] = pageSizeExp << 4
	return raw
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func TestParseSFDPDerivesGeometry(t *testing.T) {
	raw := buildSFDP(16*1024*1024, 12 /* 4KiB */, 0x20, 8 /* 256B */)
	p, err := ParseSFDP(raw, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.SectorSize != 4096 {
		t.Fatalf("expected 4096-byte sectors, got %d", p.SectorSize)
	}
	if p.PageSize != 256 {
		t.Fatalf("expected 256-byte pages, got %d", p.PageSize)
	}
	if p.SectorEraseOpcode != 0x20 {
		t.Fatalf("expected erase opcode 0x20, got 0x%x", p.SectorEraseOpcode)
	}
	if p.CapacityBytes != 16*1024*1024 {
		t.Fatalf("expected 16MiB, got %d", p.CapacityBytes)
	}
}

func TestParseSFDPBadSignature(t *testing.T) {
	raw := buildSFDP(1024, 12, 0x20, 8)
	raw[0] = 'X'
	if _, err := ParseSFDP(raw, 0); err == nil {
		t.Fatalf("expected error for bad signature")
	}
}

func TestDefaultParamsFallback(t *testing.T) {
	p := DefaultParams(2 * 1024 * 1024)
	if p.PageSize != 256 || p.SectorSize != 4096 || p.SectorEraseOpcode != OpcodeSectorErase4K {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if p.CapacityBytes != 2*1024*1024 {
		t.Fatalf("expected capacity to come from JEDEC-ID: %+v", p)
	}
}
