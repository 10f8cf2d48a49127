// Package nrf91 implements the Nordic nRF91-series NVMC Flash controller
// (spec.md §4.5): a mode-gated register (read-only by default, then
// WRITEEN/EREN to permit programming/erase) rather than an unlock-key
// sequence. Modeled in the teacher's register-poke style after
// drivers/stm32gxx1, substituting NVMC's simpler state machine.
package nrf91

import (
	"time"

	"github.com/juju/errors"

	"github.com/blackmagic-debug/probecore/drivers/cortexm"
	"github.com/blackmagic-debug/probecore/target"
)

const (
	nvmcBase = 0x50039000

	regREADY  = 0x400
	regCONFIG = 0x504
	regERASEALL = 0x50C

	configReadOnly   = 0
	configWriteEnable = 1
	configEraseEnable = 2

	readyBusy = 0
	readyDone = 1

	eraseWord = 0xFFFFFFFF
)

// Config is the NVMC driver's private state.
type Config struct {
	PageSize  uint32
	NumPages  int
	FlashBase uint32

	bp cortexm.Unit
}

func cfg(t *target.Target) *Config { return t.DriverPriv.(*Config) }

func waitReady(t *target.Target, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		v, err := t.Transport.MemRead32(nvmcBase + regREADY)
		if err != nil {
			return errors.Trace(err)
		}
		if v == readyDone {
			return nil
		}
		if t.CheckError() {
			return errors.Errorf("nrf91: transport error while waiting for NVMC READY")
		}
		if time.Now().After(deadline) {
			return errors.Errorf("nrf91: timed out waiting for NVMC READY")
		}
	}
}

func setMode(t *target.Target, mode uint32) error {
	return t.Transport.MemWrite32(nvmcBase+regCONFIG, mode)
}

// Erase erases each page in [addr, addr+length) by writing 0xFFFFFFFF to
// the page's first word while erase mode is enabled (spec.md §4.5): the
// controller treats that store as "erase this page", not an ordinary
// word program.
func Erase(r *target.FlashRegion, addr, length uint32) error {
	ctx := r.DriverPriv.(*regionCtx)
	c, t := ctx.cfg, ctx.target

	if err := waitReady(t, time.Second); err != nil {
		return errors.Trace(err)
	}
	if err := setMode(t, configEraseEnable); err != nil {
		return errors.Trace(err)
	}
	defer setMode(t, configReadOnly)

	for off := uint32(0); off < length; off += c.PageSize {
		if err := t.Transport.MemWrite32(addr+off, eraseWord); err != nil {
			return errors.Trace(err)
		}
		if err := waitReady(t, 2*time.Second); err != nil {
			return errors.Annotatef(err, "erase page @ 0x%x", addr+off)
		}
	}
	return nil
}

// Write programs src at dest one 32-bit word at a time, as NVMC requires
// write-mode to be active for every word store (spec.md §4.5).
func Write(r *target.FlashRegion, dest uint32, src []byte) error {
	ctx := r.DriverPriv.(*regionCtx)
	_, t := ctx.cfg, ctx.target

	if err := waitReady(t, time.Second); err != nil {
		return errors.Trace(err)
	}
	if err := setMode(t, configWriteEnable); err != nil {
		return errors.Trace(err)
	}
	defer setMode(t, configReadOnly)

	if err := t.MemWrite(dest, src); err != nil {
		return errors.Trace(err)
	}
	return waitReady(t, 2*time.Second)
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
		WriteBufferSize: 4, // NVMC writes one word at a time
		ErasedByteValue: 0xff,
		DriverPriv:      &regionCtx{cfg: c, target: t},
	}
	r.Erase = Erase
	r.Write = Write
	return r
}

// Driver implements target.Driver for nRF91 NVMC.
type Driver struct{}

func (Driver) Attach(t *target.Target) error { return nil }
func (Driver) Detach(t *target.Target) error { return nil }

func (Driver) EnterFlashMode(t *target.Target) error { return nil }
func (Driver) ExitFlashMode(t *target.Target) error  { return setMode(t, configReadOnly) }

func (Driver) MassErase(t *target.Target) error {
	if err := waitReady(t, time.Second); err != nil {
		return errors.Trace(err)
	}
	if err := setMode(t, configEraseEnable); err != nil {
		return errors.Trace(err)
	}
	defer setMode(t, configReadOnly)
	if err := t.Transport.MemWrite32(nvmcBase+regERASEALL, 1); err != nil {
		return errors.Trace(err)
	}
	return waitReady(t, 30*time.Second)
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
	}
}
