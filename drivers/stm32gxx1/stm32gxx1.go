// Package stm32gxx1 implements the Flash controller shared by the STM32
// G0/C0/L0/L1 families (spec.md §4.5): two unlock keys to KEYR (OPTKEYR
// is never unlocked; option bytes are not handled), dual-bank page erase via BKER + a page-number
// field, and the G0 ACR.EMPTY quirk. The control-register unlock-key/
// KEYR/CTL shape follows other_examples' gd32vf103 Flash driver, which
// implements the same family of ST-derived Flash controller.
package stm32gxx1

import (
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/blackmagic-debug/probecore/drivers/cortexm"
	"github.com/blackmagic-debug/probecore/target"
)

// Variant selects family-specific layout differences that are otherwise
// identical at the register level.
type Variant int

const (
	VariantG0 Variant = iota
	VariantC0
	VariantL0
	VariantL1
)

// Register offsets, relative to the Flash controller base. Bit-exact to
// the STM32G0/C0/L0/L1 reference manuals (RM0454/RM0490/RM0367/RM0376).
const (
	regACR     = 0x00
	regKEYR    = 0x08
	regOPTKEYR = 0x0C
	regSR      = 0x10
	regCR      = 0x14
	regOBSTAT  = 0x1C // L0/L1 naming; on G0/C0 this is ECCR, unused here
)

const (
	key1 = 0x45670123
	key2 = 0xCDEF89AB
)

const (
	crPG      = 1 << 0
	crPER     = 1 << 1
	crMER     = 1 << 2
	crBKER    = 1 << 13 // bank-select bit for the page-number field (bits [8:3])
	crSTRT    = 1 << 16
	crOPTSTRT = 1 << 17
	crLOCK    = 1 << 31
	crOPTLOCK = 1 << 30

	srBSY     = 1 << 16
	srEOP     = 1 << 0
	srErrMask = 0x3FA // bits 1 and 3-9: OPERR/PROGERR/WRPERR/PGAERR/SIZERR/PGSERR/MISSERR/FASTERR, family-approximate mask
)

const pnbShift = 3
const pnbMaskBits = 0x3F // up to 64 pages/bank addressed here

// acrEmpty is the G0 "flash is empty" cache bit that must be cleared
// after the first write to 0x08000000 so the device boots from user Flash
// without a power cycle (spec.md §4.5).
const acrEmpty = 1 << 16

const (
	dbgmcuBase     = 0xE0042004 // example DBGMCU.CR on G0; family-specific in practice
	dbgmcuStandby  = 1 << 0
	dbgmcuStop     = 1 << 1
	dbgmcuIWDGStop = 1 << 2
	dbgmcuWWDGStop = 1 << 3
)

// Config holds the Flash controller base and family variant a probe
// function discovers; it becomes the target's DriverPriv.
type Config struct {
	Variant   Variant
	FPECBase  uint32
	PageSize  uint32
	NumPages  int
	FlashBase uint32

	emptyCleared  bool
	savedDBGMCU   uint32
	dbgmcuValid   bool
	irreversible  bool

	bp cortexm.Unit
}

func (c *Config) reg(t *target.Target, off uint32) (uint32, error) {
	return t.Transport.MemRead32(c.FPECBase + off)
}

func (c *Config) writeReg(t *target.Target, off uint32, v uint32) error {
	return t.Transport.MemWrite32(c.FPECBase+off, v)
}

func cfg(t *target.Target) *Config {
	return t.DriverPriv.(*Config)
}

// unlock unlocks the main Flash KEYR if locked.
func (c *Config) unlock(t *target.Target) error {
	cr, err := c.reg(t, regCR)
	if err != nil {
		return errors.Trace(err)
	}
	if cr&crLOCK == 0 {
		return nil
	}
	if err := c.writeReg(t, regKEYR, key1); err != nil {
		return errors.Trace(err)
	}
	if err := c.writeReg(t, regKEYR, key2); err != nil {
		return errors.Trace(err)
	}
	cr, err = c.reg(t, regCR)
	if err != nil {
		return errors.Trace(err)
	}
	if cr&crLOCK != 0 {
		return errors.Errorf("stm32gxx1: unlock sequence did not clear LOCK")
	}
	return nil
}

func (c *Config) lock(t *target.Target) error {
	cr, err := c.reg(t, regCR)
	if err != nil {
		return errors.Trace(err)
	}
	return c.writeReg(t, regCR, cr|crLOCK)
}

func (c *Config) clearErrors(t *target.Target) error {
	sr, err := c.reg(t, regSR)
	if err != nil {
		return errors.Trace(err)
	}
	return c.writeReg(t, regSR, sr&srErrMask)
}

func (c *Config) waitBusy(t *target.Target, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		sr, err := c.reg(t, regSR)
		if err != nil {
			return errors.Trace(err)
		}
		if sr&srBSY == 0 {
			if sr&srErrMask != 0 {
				return errors.Errorf("stm32gxx1: controller reported error, SR=0x%08x", sr)
			}
			return nil
		}
		if t.CheckError() {
			return errors.Errorf("stm32gxx1: transport error while waiting for BSY to clear")
		}
		if time.Now().After(deadline) {
			return errors.Errorf("stm32gxx1: timed out waiting for BSY to clear")
		}
	}
}

// pageOf returns the (bank, page) pair for an address, and whether bank 1
// is selected (BKER).
func (c *Config) pageOf(addr uint32) (page int, bker bool) {
	offset := addr - c.FlashBase
	pagesPerBank := uint32(c.NumPages / 2)
	if c.NumPages <= 1 || offset < pagesPerBank*c.PageSize {
		return int(offset / c.PageSize), false
	}
	return int(offset/c.PageSize) - int(pagesPerBank), true
}

// Erase performs a page erase over [addr, addr+length), one FMC page at a
// time (spec.md §4.5 "erase(region,addr,len)").
func Erase(r *target.FlashRegion, addr, length uint32) error {
	// r.DriverPriv is wired by NewRegion below to the owning target so the
	// callback can reach the Flash controller registers.
	ctx := r.DriverPriv.(*regionCtx)
	c, t := ctx.cfg, ctx.target

	if err := c.clearErrors(t); err != nil {
		return errors.Trace(err)
	}
	if err := c.unlock(t); err != nil {
		return errors.Trace(err)
	}
	defer c.lock(t)

	for off := uint32(0); off < length; off += c.PageSize {
		page, bker := c.pageOf(addr + off)
		cr := uint32(crPER) | uint32(page&pnbMaskBits)<<pnbShift
		if bker {
			cr |= crBKER
		}
		if err := c.writeReg(t, regCR, cr); err != nil {
			return errors.Trace(err)
		}
		if err := c.writeReg(t, regCR, cr|crSTRT); err != nil {
			return errors.Trace(err)
		}
		if err := c.waitBusy(t, 2*time.Second); err != nil {
			return errors.Annotatef(err, "erase page %d (bker=%v)", page, bker)
		}
		if err := c.writeReg(t, regCR, 0); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Write performs a double-word (G0/C0) or word (L0/L1) program sequence.
// It always transfers a whole write-buffer's worth (spec.md §4.3 hands it
// exactly WriteBufferSize bytes at a WriteBufferSize-aligned dest).
func Write(r *target.FlashRegion, dest uint32, src []byte) error {
	ctx := r.DriverPriv.(*regionCtx)
	c, t := ctx.cfg, ctx.target

	if err := c.clearErrors(t); err != nil {
		return errors.Trace(err)
	}
	if err := c.unlock(t); err != nil {
		return errors.Trace(err)
	}
	defer c.lock(t)

	if err := c.writeReg(t, regCR, crPG); err != nil {
		return errors.Trace(err)
	}
	if err := t.MemWrite(dest, src); err != nil {
		return errors.Trace(err)
	}
	if err := c.waitBusy(t, 2*time.Second); err != nil {
		return errors.Annotatef(err, "program @ 0x%x", dest)
	}
	if err := c.writeReg(t, regCR, 0); err != nil {
		return errors.Trace(err)
	}

	if !c.emptyCleared && dest == c.FlashBase {
		acr, err := c.reg(t, regACR)
		if err != nil {
			return errors.Trace(err)
		}
		if acr&acrEmpty != 0 {
			if err := c.writeReg(t, regACR, acr&^uint32(acrEmpty)); err != nil {
				return errors.Trace(err)
			}
			glog.V(1).Infof("stm32gxx1: cleared ACR.EMPTY after first write to 0x%08x", c.FlashBase)
		}
		c.emptyCleared = true
	}
	return nil
}

// regionCtx threads the controller Config and owning Target through to the
// region callbacks, which only receive *target.FlashRegion.
type regionCtx struct {
	cfg    *Config
	target *target.Target
}

// NewRegion builds the main-Flash region for t, wiring Erase/Write to the
// controller at cfg.
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

// Driver implements target.Driver for the STM32 G0/C0/L0/L1 Flash
// controller family.
type Driver struct{}

func (Driver) Attach(t *target.Target) error {
	c := cfg(t)
	dbgmcu, err := t.Transport.MemRead32(dbgmcuBase)
	if err != nil {
		return errors.Annotatef(err, "stm32gxx1: failed to read DBGMCU.CR")
	}
	c.savedDBGMCU = dbgmcu
	c.dbgmcuValid = true
	freeze := dbgmcu | dbgmcuStandby | dbgmcuStop | dbgmcuIWDGStop | dbgmcuWWDGStop
	if err := t.Transport.MemWrite32(dbgmcuBase, freeze); err != nil {
		return errors.Annotatef(err, "stm32gxx1: failed to freeze watchdogs in DBGMCU.CR")
	}
	return nil
}

func (Driver) Detach(t *target.Target) error {
	c := cfg(t)
	if !c.dbgmcuValid {
		return nil
	}
	return errors.Trace(t.Transport.MemWrite32(dbgmcuBase, c.savedDBGMCU))
}

func (Driver) EnterFlashMode(t *target.Target) error { return nil }
func (Driver) ExitFlashMode(t *target.Target) error  { return nil }

func (Driver) MassErase(t *target.Target) error {
	c := cfg(t)
	if err := c.clearErrors(t); err != nil {
		return errors.Trace(err)
	}
	if err := c.unlock(t); err != nil {
		return errors.Trace(err)
	}
	defer c.lock(t)
	if err := c.writeReg(t, regCR, crMER); err != nil {
		return errors.Trace(err)
	}
	if err := c.writeReg(t, regCR, crMER|crSTRT); err != nil {
		return errors.Trace(err)
	}
	if err := c.waitBusy(t, 30*time.Second); err != nil {
		return errors.Annotatef(err, "mass erase")
	}
	return c.writeReg(t, regCR, 0)
}

// Hardware breakpoints and watchpoints go through the core's FPB/DWT
// units (package cortexm), which are shared across every Cortex-M family
// in this tree rather than being family-specific.
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

// Commands returns the monitor sub-commands common to this family: only
// erase_mass. There is no option byte erase or write command.
func Commands() []target.Command {
	return []target.Command{
		{Name: "erase_mass", Help: "erase the whole chip", Handler: func(t *target.Target, args []string) bool {
			if err := t.MassErase(); err != nil {
				glog.Errorf("erase_mass failed: %v", err)
				return false
			}
			return true
		}},
	}
}
