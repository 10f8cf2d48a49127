package spinorgeneric

import (
	"bytes"
	"testing"

	"github.com/blackmagic-debug/probecore/spinor"
	"github.com/blackmagic-debug/probecore/target"
)

func winbondSFDP() []byte {
	raw := make([]byte, 16+44)
	copy(raw[0:4], "SFDP")
	bpt := raw[16:]
	// 16 MiB capacity.
	densityBits := uint32(16*1024*1024*8 - 1)
	bpt[4] = byte(densityBits)
	bpt[5] = byte(densityBits >> 8)
	bpt[6] = byte(densityBits >> 16)
	bpt[7] = byte(densityBits >> 24)
	bpt[28] = 12 // 4KiB sector erase
	bpt[29] = 0x20
	bpt[43] = 8 << 4 // 256-byte page
	return raw
}

func TestNewRegionProbesAndBuilds(t *testing.T) {
	fake := spinor.NewFakeSPI(16 * 1024 * 1024)
	fake.JEDECID = [3]byte{0xEF, 0x40, 0x18}
	fake.SFDP = winbondSFDP()

	r, err := NewRegion(fake, 0)
	if err != nil {
		t.Fatalf("new region: %v", err)
	}
	if r.BlockSize != 4096 {
		t.Fatalf("expected 4096 block size, got %d", r.BlockSize)
	}
	if r.WriteBufferSize != 256 {
		t.Fatalf("expected 256 write buffer size, got %d", r.WriteBufferSize)
	}
	if r.Length != 16*1024*1024 {
		t.Fatalf("expected 16MiB length, got %d", r.Length)
	}
}

func TestNewRegionNoDevice(t *testing.T) {
	fake := spinor.NewFakeSPI(1024)
	fake.JEDECID = [3]byte{0xFF, 0xFF, 0xFF}
	if _, err := NewRegion(fake, 0); err == nil {
		t.Fatalf("expected error when no device responds")
	}
}

func TestEraseThenWriteRoundTrip(t *testing.T) {
	fake := spinor.NewFakeSPI(64 * 1024)
	fake.JEDECID = [3]byte{0xEF, 0x40, 0x18}
	fake.SFDP = winbondSFDP()

	r, err := NewRegion(fake, 0)
	if err != nil {
		t.Fatalf("new region: %v", err)
	}
	tgt := &target.Target{}
	tgt.AddFlash(r)

	if err := tgt.FlashErase(0, 4096); err != nil {
		t.Fatalf("erase: %v", err)
	}
	data := bytes.Repeat([]byte{0x5A}, 300)
	if err := tgt.FlashWrite(0, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tgt.FlashComplete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !bytes.Equal(fake.Image[:300], data) {
		t.Fatalf("round trip mismatch")
	}
	if fake.Image[300] != 0xff {
		t.Fatalf("expected erased byte past the write, got 0x%x", fake.Image[300])
	}
}
