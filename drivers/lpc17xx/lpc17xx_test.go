package lpc17xx

import (
	"bytes"
	"testing"

	"github.com/blackmagic-debug/probecore/iap"
	"github.com/blackmagic-debug/probecore/target"
	"github.com/blackmagic-debug/probecore/transport"
)

func newTestTarget(t *testing.T) (*target.Target, *transport.Fake) {
	tr := transport.NewFake(iap.RegFileSize)
	c := &Config{
		PageSize:   512,
		SectorSize: 4096,
		NumSectors: 30,
		FlashBase:  0x00000000,
		CPUFreqKHz: 100000,
	}
	tg := &target.Target{Transport: tr, Driver: Driver{}, DriverPriv: c}
	return tg, tr
}

// armIAPSuccess arms Resume to simulate a successful IAP call landing on
// the BKPT with the given return code, re-arming itself each time so a
// driver operation that issues several IAP calls in sequence (prepare,
// then erase, etc.) succeeds on every one of them. Same technique package
// iap's own tests use since no instructions are emulated (spec.md §1).
func armIAPSuccess(tr *transport.Fake, c *Config, rc uint32, resultWords int) {
	call := baseCall(c, 0, [4]uint32{}, resultWords)
	var cb func(f *transport.Fake)
	cb = func(f *transport.Fake) {
		resBuf := make([]byte, 4+4*resultWords)
		putU32(resBuf[0:4], rc)
		f.MemWrite(call.ScratchBase+call.ResultOffset, resBuf)

		regs := make([]byte, iap.RegFileSize)
		f.RegsRead(regs)
		pc := call.ScratchBase + call.BKPTOffset
		if call.ThumbMode {
			pc |= 1
		}
		putU32(regs[15*4:15*4+4], pc)
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

func TestEraseRunsPrepareThenErase(t *testing.T) {
	tg, tr := newTestTarget(t)
	c := cfg(tg)
	r := NewRegion(tg, c)
	tg.AddFlash(r)

	// Prepare, then erase: each FlashErase call triggers exactly one Erase
	// invocation which issues two IAP calls in sequence.
	armIAPSuccess(tr, c, 0, 0)

	if err := tg.FlashErase(0, c.SectorSize); err != nil {
		t.Fatalf("erase: %v", err)
	}
}

func TestWriteStagesAndCopies(t *testing.T) {
	tg, tr := newTestTarget(t)
	c := cfg(tg)
	r := NewRegion(tg, c)
	tg.AddFlash(r)

	armIAPSuccess(tr, c, 0, 0) // prepare sector, then copy RAM to flash

	data := bytes.Repeat([]byte{0x77}, int(c.PageSize))
	if err := tg.FlashWrite(0, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tg.FlashComplete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestEraseFailsOnNonZeroReturnCode(t *testing.T) {
	tg, tr := newTestTarget(t)
	c := cfg(tg)
	r := NewRegion(tg, c)
	tg.AddFlash(r)

	armIAPSuccess(tr, c, 7 /* IAP error code */, 0)

	if err := tg.FlashErase(0, c.SectorSize); err == nil {
		t.Fatalf("expected erase to fail on nonzero IAP return code")
	}
}

func TestEnterExitFlashModeRestoresMEMMAPAndMPU(t *testing.T) {
	tg, tr := newTestTarget(t)
	tr.MemWrite32(memmapAddr, 2)
	tr.MemWrite32(mpuCtrlAddr, 1)

	if err := tg.EnterFlashMode(); err != nil {
		t.Fatalf("enter flash mode: %v", err)
	}
	memmap, _ := tr.MemRead32(memmapAddr)
	if memmap != memmapUser {
		t.Fatalf("expected MEMMAP switched to user flash, got %d", memmap)
	}
	mpu, _ := tr.MemRead32(mpuCtrlAddr)
	if mpu&1 != 0 {
		t.Fatalf("expected MPU disabled, CTRL=%d", mpu)
	}

	if err := tg.ExitFlashMode(); err != nil {
		t.Fatalf("exit flash mode: %v", err)
	}
	memmap, _ = tr.MemRead32(memmapAddr)
	if memmap != 2 {
		t.Fatalf("expected MEMMAP restored, got %d", memmap)
	}
	mpu, _ = tr.MemRead32(mpuCtrlAddr)
	if mpu != 1 {
		t.Fatalf("expected MPU restored, got %d", mpu)
	}
}

func TestMassEraseRunsPrepareEraseBlankCheck(t *testing.T) {
	tg, tr := newTestTarget(t)

	armIAPSuccess(tr, cfg(tg), 0, 2) // prepare, erase, then blank check (2 result words)

	if err := tg.MassErase(); err != nil {
		t.Fatalf("mass erase: %v", err)
	}
}
