package lpc55xx

import (
	"bytes"
	"testing"

	"github.com/blackmagic-debug/probecore/iap"
	"github.com/blackmagic-debug/probecore/target"
	"github.com/blackmagic-debug/probecore/transport"
)

const romTableBase = 0x03000200

func newTestTarget(t *testing.T) (*target.Target, *transport.Fake) {
	tr := transport.NewFake(iap.RegFileSize)
	tr.MemWrite32(romTableBase+fnFlashInit, 0x03001000)
	tr.MemWrite32(romTableBase+fnFlashErase, 0x03001100)
	tr.MemWrite32(romTableBase+fnFlashProgram, 0x03001200)

	c := &Config{
		ROMTableBase: romTableBase,
		PageSize:     512,
		NumPages:     1024,
		FlashBase:    0x00000000,
		ClockFreqHz:  96000000,
	}
	tg := &target.Target{Transport: tr, Driver: Driver{}, DriverPriv: c}
	return tg, tr
}

// armROMCallsAlways re-arms a successful landing on every Resume, so a
// sequence of several ROM calls (flash_init then flash_erase/program)
// within one driver operation all succeed.
func armROMCallsAlways(tr *transport.Fake, rc uint32, result0 uint32) {
	var cb func(f *transport.Fake)
	cb = func(f *transport.Fake) {
		resBuf := make([]byte, 8)
		putU32(resBuf[0:4], rc)
		putU32(resBuf[4:8], result0)
		f.MemWrite(scratchBase+resultOffset, resBuf)

		regs := make([]byte, iap.RegFileSize)
		f.RegsRead(regs)
		putU32(regs[15*4:15*4+4], (scratchBase+bkptOffset)|1)
		f.RegsWrite(regs)
		f.ArmRun(cb)
	}
	tr.ArmRun(cb)
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func TestEraseCallsInitThenErase(t *testing.T) {
	tg, tr := newTestTarget(t)
	c := cfg(tg)
	r := NewRegion(tg, c)
	tg.AddFlash(r)

	armROMCallsAlways(tr, 0, 0xABCD1234)

	if err := tg.FlashErase(0, c.PageSize); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if c.flashAPIHandle != 0xABCD1234 {
		t.Fatalf("expected flash_init's handle to be captured, got 0x%x", c.flashAPIHandle)
	}
}

func TestWriteRoundTripsThroughStagingArea(t *testing.T) {
	tg, tr := newTestTarget(t)
	c := cfg(tg)
	r := NewRegion(tg, c)
	tg.AddFlash(r)

	armROMCallsAlways(tr, 0, 1)

	data := bytes.Repeat([]byte{0x5C}, int(c.PageSize))
	if err := tg.FlashWrite(0, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tg.FlashComplete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestEraseFailsOnNonzeroReturn(t *testing.T) {
	tg, tr := newTestTarget(t)
	c := cfg(tg)
	r := NewRegion(tg, c)
	tg.AddFlash(r)

	armROMCallsAlways(tr, 0, 1) // flash_init succeeds
	if err := tg.FlashErase(0, c.PageSize); err != nil {
		t.Fatalf("setup erase should succeed: %v", err)
	}

	armROMCallsAlways(tr, 9, 1) // subsequent calls now fail
	if err := tg.FlashErase(0, c.PageSize); err == nil {
		t.Fatalf("expected erase to fail on nonzero ROM return code")
	}
}

func TestMailboxMassEraseIsNotImplemented(t *testing.T) {
	tg, _ := newTestTarget(t)
	r := NewRegion(tg, cfg(tg))
	tg.AddFlash(r)
	tg.AddCommands(Commands(), "lpc55xx")
	ok, err := tg.RunCommand("mailbox_mass_erase", nil)
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if ok {
		t.Fatalf("expected mailbox_mass_erase to report failure (unimplemented)")
	}
}
