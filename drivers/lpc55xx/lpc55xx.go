// Package lpc55xx implements the LPC55xx family's Flash access, which goes
// through a ROM function table rather than a fixed IAP entry point
// (spec.md §4.5): flash_init/flash_erase/flash_program addresses are read
// out of a version-dependent table base (the ffr_init/ffr_get_uuid slots
// are not read or called), then called through package iap's trampoline landing on an SRAM patch
// that disables interrupts before hitting the BKPT. The debug-mailbox
// mass-erase command is known unreliable on this family and is exposed
// only as an explicit, separately-named monitor command rather than
// folded into MassErase (spec.md §4.9, an open question we resolve this
// way rather than silently picking one behavior).
package lpc55xx

import (
	"time"

	"github.com/juju/errors"

	"github.com/blackmagic-debug/probecore/drivers/cortexm"
	"github.com/blackmagic-debug/probecore/iap"
	"github.com/blackmagic-debug/probecore/target"
)

// ROM function table slot offsets, relative to the table base.
const (
	fnFlashInit    = 0 * 4
	fnFlashErase   = 1 * 4
	fnFlashProgram = 2 * 4
	fnFFRInit      = 3 * 4
	fnFFRGetUUID   = 4 * 4

	scratchBase = 0x20000000
	scratchLen  = 128

	configOffset = 0
	resultOffset = 64
	bkptOffset   = 96
)

// Config is the lpc55xx driver's private state.
type Config struct {
	ROMTableBase uint32 // version-dependent; set by whoever builds the Config
	PageSize     uint32
	NumPages     int
	FlashBase    uint32
	ClockFreqHz  uint32

	flashAPIHandle uint32 // result of flash_init, passed to erase/program

	bp cortexm.Unit
}

func cfg(t *target.Target) *Config { return t.DriverPriv.(*Config) }

func romFn(t *target.Target, c *Config, slot uint32) (uint32, error) {
	return t.Transport.MemRead32(c.ROMTableBase + slot)
}

func baseCall(entry uint32, cmd uint32, args [4]uint32, resultWords int) *iap.Call {
	return &iap.Call{
		Entry:        entry,
		ScratchBase:  scratchBase,
		ScratchLen:   scratchLen,
		ConfigOffset: configOffset,
		ResultOffset: resultOffset,
		ResultWords:  resultWords,
		BKPTOffset:   bkptOffset,
		// SRAM landing patch: CPSID i (disable interrupts), then BKPT #0 --
		// the ROM call runs with interrupts masked, landing cleanly.
		BKPTOpcode: []byte{0x72, 0xB6, 0x00, 0xBE},
		Command:    cmd,
		Args:       args,
		SPValue:    scratchBase + scratchLen,
		ThumbMode:  true,
		Timeout:    5 * time.Second,
	}
}

func init0(t *target.Target, c *Config) error {
	entry, err := romFn(t, c, fnFlashInit)
	if err != nil {
		return errors.Trace(err)
	}
	res, err := iap.Run(t, baseCall(entry, 0, [4]uint32{c.ClockFreqHz, 0, 0, 0}, 1))
	if err != nil {
		return errors.Trace(err)
	}
	if res.Status != iap.StatusOK || res.ReturnCode != 0 {
		return errors.Errorf("lpc55xx: flash_init failed: status=%s code=%d", res.Status, res.ReturnCode)
	}
	c.flashAPIHandle = res.Results[0]
	return nil
}

// Erase calls flash_erase over [addr, addr+length).
func Erase(r *target.FlashRegion, addr, length uint32) error {
	ctx := r.DriverPriv.(*regionCtx)
	c, t := ctx.cfg, ctx.target

	if err := init0(t, c); err != nil {
		return errors.Trace(err)
	}
	entry, err := romFn(t, c, fnFlashErase)
	if err != nil {
		return errors.Trace(err)
	}
	res, err := iap.Run(t, baseCall(entry, 0, [4]uint32{c.flashAPIHandle, addr, length, 0}, 0))
	if err != nil {
		return errors.Trace(err)
	}
	if res.Status != iap.StatusOK || res.ReturnCode != 0 {
		return errors.Errorf("lpc55xx: flash_erase failed: status=%s code=%d", res.Status, res.ReturnCode)
	}
	return nil
}

// Write stages src into scratch RAM just past the trampoline's own window
// and calls flash_program.
func Write(r *target.FlashRegion, dest uint32, src []byte) error {
	ctx := r.DriverPriv.(*regionCtx)
	c, t := ctx.cfg, ctx.target

	stageAddr := scratchBase + scratchLen
	if err := t.MemWrite(stageAddr, src); err != nil {
		return errors.Trace(err)
	}
	if err := init0(t, c); err != nil {
		return errors.Trace(err)
	}
	entry, err := romFn(t, c, fnFlashProgram)
	if err != nil {
		return errors.Trace(err)
	}
	res, err := iap.Run(t, baseCall(entry, 0, [4]uint32{c.flashAPIHandle, dest, stageAddr, uint32(len(src))}, 0))
	if err != nil {
		return errors.Trace(err)
	}
	if res.Status != iap.StatusOK || res.ReturnCode != 0 {
		return errors.Errorf("lpc55xx: flash_program failed: status=%s code=%d", res.Status, res.ReturnCode)
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
		Length:          uint32(c.NumPages) * c.PageSize,
		BlockSize:       c.PageSize,
		WriteBufferSize: c.PageSize,
		ErasedByteValue: 0xff,
		DriverPriv:      &regionCtx{cfg: c, target: t},
	}
	r.Erase = Erase
	r.Write = Write
	return r
}

// Driver implements target.Driver for LPC55xx.
type Driver struct{}

func (Driver) Attach(t *target.Target) error { return nil }
func (Driver) Detach(t *target.Target) error { return nil }

func (Driver) EnterFlashMode(t *target.Target) error { return nil }
func (Driver) ExitFlashMode(t *target.Target) error  { return nil }

// MassErase deliberately does NOT use the debug-mailbox mass-erase
// command (spec.md §4.9 notes it is unreliable in practice); instead it
// erases every page through the same flash_erase ROM call Erase uses.
func (Driver) MassErase(t *target.Target) error {
	c := cfg(t)
	return errors.Trace(Erase(t.Flash, c.FlashBase, uint32(c.NumPages)*c.PageSize))
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

// Commands returns the monitor sub-commands for this family. mailbox_mass_erase
// is kept separate from erase_mass on purpose -- see the Driver.MassErase doc.
func Commands() []target.Command {
	return []target.Command{
		{Name: "erase_mass", Help: "erase the whole chip via flash_erase", Handler: func(t *target.Target, args []string) bool {
			return t.MassErase() == nil
		}},
		{Name: "mailbox_mass_erase", Help: "erase via the debug mailbox (known unreliable on some revisions)", Handler: func(t *target.Target, args []string) bool {
			return false // not implemented: no verified debug-mailbox transport in this core
		}},
	}
}
