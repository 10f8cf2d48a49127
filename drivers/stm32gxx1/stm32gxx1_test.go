package stm32gxx1

import (
	"bytes"
	"testing"

	"github.com/blackmagic-debug/probecore/target"
	"github.com/blackmagic-debug/probecore/transport"
)

const fpecBase = 0x40022000

// armControllerModel wires tr so it behaves like a real Flash controller
// for the two effects its register pokes are supposed to have but a flat
// memory map can't reproduce on its own: the KEYR unlock sequence
// clearing CR.LOCK, and a page/mass erase (CR.STRT) actually erasing the
// addressed Flash bytes. Mirrors ch32f1_test.go's armUnlockSequence, plus
// the erase-effect modeling nrf91_test.go uses.
func armControllerModel(tr *transport.Fake, c *Config) {
	tr.WriteHook = func(f *transport.Fake, addr uint32, val uint32) {
		switch addr {
		case c.FPECBase + regKEYR:
			if val == key2 {
				cr, _ := f.MemRead32(c.FPECBase + regCR)
				f.MemWrite32(c.FPECBase+regCR, cr&^uint32(crLOCK))
			}
		case c.FPECBase + regCR:
			if val&crSTRT == 0 {
				return
			}
			if val&crMER != 0 {
				eraseRange(f, c.FlashBase, uint32(c.NumPages)*c.PageSize)
				return
			}
			if val&crPER != 0 {
				page := int(val>>pnbShift) & pnbMaskBits
				base := c.FlashBase
				if val&crBKER != 0 {
					base += uint32(c.NumPages/2) * c.PageSize
				}
				eraseRange(f, base+uint32(page)*c.PageSize, c.PageSize)
			}
		}
	}
}

func eraseRange(f *transport.Fake, addr, length uint32) {
	f.MemWrite(addr, bytes.Repeat([]byte{0xff}, int(length)))
}

func newTestTarget(t *testing.T) (*target.Target, *transport.Fake) {
	tr := transport.NewFake(64)
	// Controller boots locked, idle, no errors.
	tr.MemWrite32(fpecBase+regCR, crLOCK)
	tr.MemWrite32(fpecBase+regSR, 0)
	tr.MemWrite32(fpecBase+regACR, acrEmpty)

	c := &Config{
		Variant:   VariantG0,
		FPECBase:  fpecBase,
		PageSize:  2048,
		NumPages:  64,
		FlashBase: 0x08000000,
	}
	armControllerModel(tr, c)
	tg := &target.Target{Transport: tr, Driver: Driver{}, DriverPriv: c}
	return tg, tr
}

func TestUnlockSequence(t *testing.T) {
	tg, tr := newTestTarget(t)
	c := cfg(tg)
	if err := c.unlock(tg); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	cr, _ := tr.MemRead32(fpecBase + regCR)
	if cr&crLOCK != 0 {
		t.Fatalf("expected LOCK cleared after unlock, CR=0x%x", cr)
	}
	// Unlocking an already-unlocked controller is a no-op, not an error.
	if err := c.unlock(tg); err != nil {
		t.Fatalf("second unlock: %v", err)
	}
}

func TestEraseAndWriteRoundTrip(t *testing.T) {
	tg, tr := newTestTarget(t)
	c := cfg(tg)
	r := NewRegion(tg, c)
	tg.AddFlash(r)

	if err := tg.FlashErase(0x08000000, uint32(c.NumPages)*c.PageSize); err != nil {
		t.Fatalf("erase: %v", err)
	}
	for i := uint32(0); i < 4; i++ {
		var b [4]byte
		tr.MemRead(b[:], 0x08000000+i*4)
		if !bytes.Equal(b[:], []byte{0xff, 0xff, 0xff, 0xff}) {
			t.Fatalf("expected erased flash, got %x", b)
		}
	}

	data := bytes.Repeat([]byte{0xAA}, int(c.PageSize))
	if err := tg.FlashWrite(0x08000000, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tg.FlashComplete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got := make([]byte, len(data))
	tr.MemRead(got, 0x08000000)
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}

	// The controller must end locked after a Flash session.
	cr, _ := tr.MemRead32(fpecBase + regCR)
	if cr&crLOCK == 0 {
		t.Fatalf("expected controller re-locked after write, CR=0x%x", cr)
	}

	// ACR.EMPTY must have been cleared after the first write to 0x08000000.
	acr, _ := tr.MemRead32(fpecBase + regACR)
	if acr&acrEmpty != 0 {
		t.Fatalf("expected ACR.EMPTY cleared after first write, ACR=0x%x", acr)
	}
}

func TestAttachDetachRestoresDBGMCU(t *testing.T) {
	tg, tr := newTestTarget(t)
	tr.MemWrite32(dbgmcuBase, 0x00000000)

	if err := tg.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	mid, _ := tr.MemRead32(dbgmcuBase)
	if mid == 0 {
		t.Fatalf("expected attach to set watchdog-freeze bits in DBGMCU.CR")
	}
	if err := tg.Detach(); err != nil {
		t.Fatalf("detach: %v", err)
	}
	after, _ := tr.MemRead32(dbgmcuBase)
	if after != 0 {
		t.Fatalf("expected DBGMCU.CR restored to pre-attach value, got 0x%x", after)
	}
}

func TestMassErase(t *testing.T) {
	tg, tr := newTestTarget(t)
	c := cfg(tg)
	r := NewRegion(tg, c)
	tg.AddFlash(r)

	tr.MemWrite(0x08000000, []byte{1, 2, 3, 4})
	if err := tg.MassErase(); err != nil {
		t.Fatalf("mass erase: %v", err)
	}
	var b [4]byte
	tr.MemRead(b[:], 0x08000000)
	if !bytes.Equal(b[:], []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Fatalf("expected mass erase to clear flash, got %x", b)
	}
}
