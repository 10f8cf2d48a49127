// Package lpc17xx implements the LPC17xx family, whose Flash is programmed
// entirely through the vendor IAP (in-application programming) routine
// resident in ROM rather than through directly-accessible control
// registers (spec.md §4.4, §4.5). It is built on package iap's trampoline,
// substituting LPC17xx's IAP entry point, command encoding and MEMMAP/MPU
// handling for the generic ROM-call ABI.
package lpc17xx

import (
	"time"

	"github.com/juju/errors"

	"github.com/blackmagic-debug/probecore/drivers/cortexm"
	"github.com/blackmagic-debug/probecore/iap"
	"github.com/blackmagic-debug/probecore/target"
)

const (
	iapEntry = 0x1FFF1FF1 // fixed IAP entry point on every LPC17xx part

	// IAP command codes (vendor UM10360 §32).
	cmdPrepareSectors  = 50
	cmdCopyRAMToFlash  = 51
	cmdEraseSectors    = 52
	cmdBlankCheck      = 53
	cmdReadPartID      = 54

	scratchBase = 0x10000000 // bottom of on-chip SRAM, reserved by convention
	scratchLen  = 64

	configOffset = 0
	resultOffset = 32
	bkptOffset   = 48

	memmapAddr = 0x400FC040
	memmapUser = 1

	mpuCtrlAddr = 0xE000ED94
)

// Config is the lpc17xx driver's private state.
type Config struct {
	PageSize   uint32
	SectorSize uint32
	NumSectors int
	FlashBase  uint32
	CPUFreqKHz uint32

	savedMEMMAP uint32
	savedMPU    uint32

	bp cortexm.Unit
}

func cfg(t *target.Target) *Config { return t.DriverPriv.(*Config) }

func baseCall(c *Config, cmd uint32, args [4]uint32, resultWords int) *iap.Call {
	return &iap.Call{
		Entry:        iapEntry,
		ScratchBase:  scratchBase,
		ScratchLen:   scratchLen,
		ConfigOffset: configOffset,
		ResultOffset: resultOffset,
		ResultWords:  resultWords,
		BKPTOffset:   bkptOffset,
		BKPTOpcode:   []byte{0x00, 0xBE}, // Thumb BKPT #0
		Command:      cmd,
		Args:         args,
		SPValue:      scratchBase + scratchLen,
		ThumbMode:    true,
		Timeout:      5 * time.Second,
	}
}

func sectorOf(c *Config, addr uint32) int {
	return int((addr - c.FlashBase) / c.SectorSize)
}

// Erase prepares then erases the sectors spanning [addr, addr+length).
func Erase(r *target.FlashRegion, addr, length uint32) error {
	ctx := r.DriverPriv.(*regionCtx)
	c, t := ctx.cfg, ctx.target

	first := sectorOf(c, addr)
	last := sectorOf(c, addr+length-1)

	if res, err := iap.Run(t, baseCall(c, cmdPrepareSectors, [4]uint32{uint32(first), uint32(last), 0, 0}, 0)); err != nil {
		return errors.Trace(err)
	} else if res.Status != iap.StatusOK || res.ReturnCode != 0 {
		return errors.Errorf("lpc17xx: prepare sectors failed: status=%s code=%d", res.Status, res.ReturnCode)
	}

	res, err := iap.Run(t, baseCall(c, cmdEraseSectors, [4]uint32{uint32(first), uint32(last), c.CPUFreqKHz, 0}, 0))
	if err != nil {
		return errors.Trace(err)
	}
	if res.Status != iap.StatusOK || res.ReturnCode != 0 {
		return errors.Errorf("lpc17xx: erase sectors failed: status=%s code=%d", res.Status, res.ReturnCode)
	}
	return nil
}

// Write prepares the affected sector then runs CopyRAMToFlash. Per spec's
// write-buffer contract the engine always hands us a whole, aligned
// WriteBufferSize chunk; src is staged into target RAM directly above the
// IAP scratch window, at scratchBase+scratchLen.
func Write(r *target.FlashRegion, dest uint32, src []byte) error {
	ctx := r.DriverPriv.(*regionCtx)
	c, t := ctx.cfg, ctx.target

	stageAddr := scratchBase + scratchLen
	if err := t.MemWrite(stageAddr, src); err != nil {
		return errors.Trace(err)
	}

	sector := sectorOf(c, dest)
	if res, err := iap.Run(t, baseCall(c, cmdPrepareSectors, [4]uint32{uint32(sector), uint32(sector), 0, 0}, 0)); err != nil {
		return errors.Trace(err)
	} else if res.Status != iap.StatusOK || res.ReturnCode != 0 {
		return errors.Errorf("lpc17xx: prepare sector failed: status=%s code=%d", res.Status, res.ReturnCode)
	}

	res, err := iap.Run(t, baseCall(c, cmdCopyRAMToFlash, [4]uint32{dest, stageAddr, uint32(len(src)), c.CPUFreqKHz}, 0))
	if err != nil {
		return errors.Trace(err)
	}
	if res.Status != iap.StatusOK || res.ReturnCode != 0 {
		return errors.Errorf("lpc17xx: copy RAM to flash failed: status=%s code=%d", res.Status, res.ReturnCode)
	}
	return nil
}

type regionCtx struct {
	cfg    *Config
	target *target.Target
}

// NewRegion builds the main-Flash region for t.
func NewRegion(t *target.Target, c *Config) *target.FlashRegion {
	r := &target.FlashRegion{
		Start:           c.FlashBase,
		Length:          uint32(c.NumSectors) * c.SectorSize,
		BlockSize:       c.SectorSize,
		WriteBufferSize: c.PageSize,
		ErasedByteValue: 0xff,
		DriverPriv:      &regionCtx{cfg: c, target: t},
	}
	r.Erase = Erase
	r.Write = Write
	return r
}

// Driver implements target.Driver for LPC17xx.
type Driver struct{}

func (Driver) Attach(t *target.Target) error { return nil }
func (Driver) Detach(t *target.Target) error { return nil }

// EnterFlashMode disables the MPU and switches MEMMAP to user Flash mode,
// snapshotting both so ExitFlashMode can restore them (spec.md §4.5's
// call-out for LPC17xx).
func (Driver) EnterFlashMode(t *target.Target) error {
	c := cfg(t)
	memmap, err := t.Transport.MemRead32(memmapAddr)
	if err != nil {
		return errors.Trace(err)
	}
	c.savedMEMMAP = memmap
	mpu, err := t.Transport.MemRead32(mpuCtrlAddr)
	if err != nil {
		return errors.Trace(err)
	}
	c.savedMPU = mpu

	if err := t.Transport.MemWrite32(mpuCtrlAddr, mpu&^uint32(1)); err != nil {
		return errors.Trace(err)
	}
	return t.Transport.MemWrite32(memmapAddr, memmapUser)
}

func (Driver) ExitFlashMode(t *target.Target) error {
	c := cfg(t)
	if err := t.Transport.MemWrite32(memmapAddr, c.savedMEMMAP); err != nil {
		return errors.Trace(err)
	}
	return t.Transport.MemWrite32(mpuCtrlAddr, c.savedMPU)
}

// MassErase runs prepare, erase, then a blank-check over every sector.
func (Driver) MassErase(t *target.Target) error {
	c := cfg(t)
	last := c.NumSectors - 1
	if res, err := iap.Run(t, baseCall(c, cmdPrepareSectors, [4]uint32{0, uint32(last), 0, 0}, 0)); err != nil {
		return errors.Trace(err)
	} else if res.Status != iap.StatusOK || res.ReturnCode != 0 {
		return errors.Errorf("lpc17xx: mass erase prepare failed: status=%s code=%d", res.Status, res.ReturnCode)
	}
	res, err := iap.Run(t, baseCall(c, cmdEraseSectors, [4]uint32{0, uint32(last), c.CPUFreqKHz, 0}, 0))
	if err != nil {
		return errors.Trace(err)
	}
	if res.Status != iap.StatusOK || res.ReturnCode != 0 {
		return errors.Errorf("lpc17xx: mass erase failed: status=%s code=%d", res.Status, res.ReturnCode)
	}
	res, err = iap.Run(t, baseCall(c, cmdBlankCheck, [4]uint32{0, uint32(last), 0, 0}, 2))
	if err != nil {
		return errors.Trace(err)
	}
	if res.Status != iap.StatusOK || res.ReturnCode != 0 {
		return errors.Errorf("lpc17xx: blank check failed after mass erase: status=%s code=%d", res.Status, res.ReturnCode)
	}
	return nil
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

// Commands returns the monitor sub-commands for this family.
func Commands() []target.Command {
	return []target.Command{
		{Name: "erase_mass", Help: "erase the whole chip", Handler: func(t *target.Target, args []string) bool {
			return t.MassErase() == nil
		}},
		{Name: "read_part_id", Help: "read the IAP part identification word", Handler: func(t *target.Target, args []string) bool {
			c := cfg(t)
			res, err := iap.Run(t, baseCall(c, cmdReadPartID, [4]uint32{}, 1))
			return err == nil && res.Status == iap.StatusOK
		}},
	}
}
