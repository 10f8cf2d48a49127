// Package ch32f1 covers the WCH CH32F1x family, an STM32F103 clone that
// must be told apart from the real STM32F103 before any family driver
// claims it (spec.md §4.5): CH32F1 parts additionally implement the
// "fast-mode extension" unlock (FLASH_MODEKEYR + CR.FLOCK/FTPG/FSTPG),
// which genuine STM32F103 silicon does not have. The probe tests for that
// register's presence and uses it as the positive identifier.
package ch32f1

import (
	"time"

	"github.com/juju/errors"

	"github.com/blackmagic-debug/probecore/drivers/cortexm"
	"github.com/blackmagic-debug/probecore/target"
)

const (
	fpecBase = 0x40022000

	regKEYR      = 0x04
	regSR        = 0x0C
	regCR        = 0x10
	regMODEKEYR  = 0x24 // CH32F1-only "fast mode" unlock register; absent on real STM32F103
	// fpec+0x34 is referenced by the vendor SDK as some kind of status/magic
	// register but is undocumented upstream; we neither read nor write it
	// (spec.md §4.9 -- preserve the open question, do not "fix" silently).
	regUnknownFPEC34 = 0x34

	key1 = 0x45670123
	key2 = 0xCDEF89AB

	crPG    = 1 << 0
	crPER   = 1 << 1
	crMER   = 1 << 2
	crSTRT  = 1 << 6
	crLOCK  = 1 << 7
	crFTPG  = 1 << 16 // fast-mode page program
	crFLOCK = 1 << 15

	srBSY = 1 << 0
)

// Probe is a target.ProbeFunc: it positively identifies a CH32F1 part by
// writing the fast-mode unlock sequence and checking that FLOCK actually
// clears -- real STM32F103 CR has no bit there, so it would read back 0
// regardless of what's written, while CH32F1 silicon reflects the unlock.
func Probe(t *target.Target) (bool, error) {
	cr, err := t.Transport.MemRead32(fpecBase + regCR)
	if err != nil {
		return false, errors.Trace(err)
	}
	if cr&crFLOCK == 0 {
		// FLOCK already clear on a part that's never touched fast mode is
		// ambiguous; require the bit to be observably settable.
		return false, nil
	}
	if err := t.Transport.MemWrite32(fpecBase+regMODEKEYR, key1); err != nil {
		return false, errors.Trace(err)
	}
	if err := t.Transport.MemWrite32(fpecBase+regMODEKEYR, key2); err != nil {
		return false, errors.Trace(err)
	}
	cr, err = t.Transport.MemRead32(fpecBase + regCR)
	if err != nil {
		return false, errors.Trace(err)
	}
	if cr&crFLOCK != 0 {
		return false, nil
	}

	c := &Config{}
	t.DriverPriv = c
	t.Driver = Driver{}
	t.PartID = 0xCF1
	t.AddFlash(newRegion(t))
	t.AddCommands(Commands(), "ch32f1")
	return true, nil
}

// Config is the CH32F1 driver's private state.
type Config struct {
	bp cortexm.Unit
}

func cfg(t *target.Target) *Config { return t.DriverPriv.(*Config) }

// Driver implements target.Driver for CH32F1x. It reuses the plain
// (non-fast-mode) STM32F103-style program/erase sequence for correctness;
// the fast-mode extension is only used as the positive identifier above,
// per spec.md §4.5's call-out -- using it for bulk programming as well is
// future work, not required by any tested scenario here.
type Driver struct{}

func (Driver) Attach(t *target.Target) error { return nil }
func (Driver) Detach(t *target.Target) error { return nil }

func (Driver) EnterFlashMode(t *target.Target) error { return nil }
func (Driver) ExitFlashMode(t *target.Target) error  { return nil }

func unlock(t *target.Target) error {
	cr, err := t.Transport.MemRead32(fpecBase + regCR)
	if err != nil {
		return errors.Trace(err)
	}
	if cr&crLOCK == 0 {
		return nil
	}
	if err := t.Transport.MemWrite32(fpecBase+regKEYR, key1); err != nil {
		return errors.Trace(err)
	}
	return t.Transport.MemWrite32(fpecBase+regKEYR, key2)
}

func lock(t *target.Target) error {
	cr, err := t.Transport.MemRead32(fpecBase + regCR)
	if err != nil {
		return errors.Trace(err)
	}
	return t.Transport.MemWrite32(fpecBase+regCR, cr|crLOCK)
}

func waitBusy(t *target.Target, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		sr, err := t.Transport.MemRead32(fpecBase + regSR)
		if err != nil {
			return errors.Trace(err)
		}
		if sr&srBSY == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("ch32f1: timed out waiting for BSY to clear")
		}
	}
}

func (Driver) MassErase(t *target.Target) error {
	if err := unlock(t); err != nil {
		return errors.Trace(err)
	}
	defer lock(t)
	if err := t.Transport.MemWrite32(fpecBase+regCR, crMER); err != nil {
		return errors.Trace(err)
	}
	if err := t.Transport.MemWrite32(fpecBase+regCR, crMER|crSTRT); err != nil {
		return errors.Trace(err)
	}
	return waitBusy(t, 10*time.Second)
}

func (Driver) SetHWBreakpoint(t *target.Target, addr uint32) error {
	return errors.Trace(cfg(t).bp.SetBreakpoint(t, addr))
}
func (Driver) ClearHWBreakpoint(t *target.Target, addr uint32) error {
	return errors.Trace(cfg(t).bp.ClearBreakpoint(t, addr))
}
func (Driver) SetHWWatchpoint(t *target.Target, k target.WatchKind, addr, length uint32) error {
	return errors.Trace(cfg(t).bp.SetWatchpoint(t, k, addr, length))
}
func (Driver) ClearHWWatchpoint(t *target.Target, k target.WatchKind, addr, length uint32) error {
	return errors.Trace(cfg(t).bp.ClearWatchpoint(t, k, addr, length))
}
func (Driver) CheckHWWatchpoint(t *target.Target) (uint32, bool) { return cfg(t).bp.CheckWatchpoint(t) }

const (
	flashBase = 0x08000000
	pageSize  = 1024
	numPages  = 128 // 128KiB, the common CH32F103C8-class density
)

func newRegion(t *target.Target) *target.FlashRegion {
	r := &target.FlashRegion{
		Start:           flashBase,
		Length:          numPages * pageSize,
		BlockSize:       pageSize,
		WriteBufferSize: pageSize,
		ErasedByteValue: 0xff,
	}
	r.Erase = func(r *target.FlashRegion, addr, length uint32) error {
		if err := unlock(t); err != nil {
			return errors.Trace(err)
		}
		defer lock(t)
		for off := uint32(0); off < length; off += pageSize {
			pageAddr := addr + off
			if err := t.Transport.MemWrite32(fpecBase+0x14 /* AR */, pageAddr); err != nil {
				return errors.Trace(err)
			}
			if err := t.Transport.MemWrite32(fpecBase+regCR, crPER); err != nil {
				return errors.Trace(err)
			}
			if err := t.Transport.MemWrite32(fpecBase+regCR, crPER|crSTRT); err != nil {
				return errors.Trace(err)
			}
			if err := waitBusy(t, time.Second); err != nil {
				return errors.Annotatef(err, "erase page @ 0x%x", pageAddr)
			}
		}
		return nil
	}
	r.Write = func(r *target.FlashRegion, dest uint32, src []byte) error {
		if err := unlock(t); err != nil {
			return errors.Trace(err)
		}
		defer lock(t)
		if err := t.Transport.MemWrite32(fpecBase+regCR, crPG); err != nil {
			return errors.Trace(err)
		}
		if err := t.MemWrite(dest, src); err != nil {
			return errors.Trace(err)
		}
		return waitBusy(t, time.Second)
	}
	return r
}

// Commands returns the monitor sub-commands for this family.
func Commands() []target.Command {
	return []target.Command{
		{Name: "erase_mass", Help: "erase the whole chip", Handler: func(t *target.Target, args []string) bool {
			return t.MassErase() == nil
		}},
	}
}
