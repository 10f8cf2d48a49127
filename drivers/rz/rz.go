// Package rz implements the Renesas RZ family's SPI Multi-I/O Bus
// Controller (spec.md §4.5): Flash is normally mapped for XIP execution
// ("bus-usage mode") and must be switched to manual command mode before
// any erase/program command can be issued, then switched back before
// resuming the core -- and because the core may have cached instructions
// fetched from the stale XIP window, both the CPU's L1 caches and the
// external PL310 L2 controller must be invalidated on resume, or the core
// could execute pre-erase instructions out of its cache (spec.md's
// call-out for this family).
package rz

import (
	"github.com/juju/errors"

	"github.com/blackmagic-debug/probecore/drivers/cortexm"
	"github.com/blackmagic-debug/probecore/spinor"
	"github.com/blackmagic-debug/probecore/target"
)

const (
	spibscBase = 0x3FEFA000

	regCMNCR  = 0x00 // common control: bit 0 selects bus-usage(0)/manual(1) mode
	regCDB    = 0x0C
	regDRCR   = 0x0C
	regSMCMR  = 0x20
	regSMADR  = 0x24
	regSMOPR  = 0x28
	regSMDMCR = 0x2C
	regSMDRENR = 0x30
	regSMWDR0 = 0x40
	regSMRDR0 = 0x38

	cmncrManual   = 1 << 0
	smdrenrSTART  = 1 << 0

	// Cache/L2 controller registers (addresses are SoC-specific; these
	// match the RZ/A2M memory map used by this driver).
	l1InvalidateAddr = 0xE000EF50 // ICIALLU-equivalent MMIO alias
	pl210Base        = 0x3FFFF000
	pl210InvWay      = 0x77C
)

// Config is the rz driver's private state.
type Config struct {
	manualMode bool

	bp cortexm.Unit
}

func cfg(t *target.Target) *Config { return t.DriverPriv.(*Config) }

// enterManualMode switches the MI/O controller from XIP bus-usage to
// manual command mode so register pokes reach the Flash device directly.
func enterManualMode(t *target.Target) error {
	cmncr, err := t.Transport.MemRead32(spibscBase + regCMNCR)
	if err != nil {
		return errors.Trace(err)
	}
	return t.Transport.MemWrite32(spibscBase+regCMNCR, cmncr|cmncrManual)
}

func exitManualMode(t *target.Target) error {
	cmncr, err := t.Transport.MemRead32(spibscBase + regCMNCR)
	if err != nil {
		return errors.Trace(err)
	}
	return t.Transport.MemWrite32(spibscBase+regCMNCR, cmncr&^uint32(cmncrManual))
}

// invalidateCaches invalidates the Cortex-A L1 instruction cache (a write
// to l1InvalidateAddr) and every way of the external PL310 L2 cache, so a
// subsequent resume does not execute stale, pre-erase code. The L1 data
// cache is not invalidated.
func invalidateCaches(t *target.Target) error {
	if err := t.Transport.MemWrite32(l1InvalidateAddr, 0); err != nil {
		return errors.Trace(err)
	}
	return t.Transport.MemWrite32(pl210Base+pl210InvWay, 0xFFFF)
}

// spiMIO adapts the SPI Multi-I/O controller's manual-mode transfer
// registers into the spinor.SPI three-function interface.
type spiMIO struct {
	t *target.Target
}

func (s *spiMIO) Read(cmd spinor.Command, addr uint32, data []byte) error {
	if err := s.t.Transport.MemWrite32(spibscBase+regSMCMR, uint32(cmd.Opcode())); err != nil {
		return errors.Trace(err)
	}
	if cmd.AddrMode() == spinor.Addr3Byte {
		if err := s.t.Transport.MemWrite32(spibscBase+regSMADR, addr); err != nil {
			return errors.Trace(err)
		}
	}
	if err := s.t.Transport.MemWrite32(spibscBase+regSMDRENR, smdrenrSTART); err != nil {
		return errors.Trace(err)
	}
	return s.t.MemRead(data, spibscBase+regSMRDR0)
}

func (s *spiMIO) Write(cmd spinor.Command, addr uint32, data []byte) error {
	if err := s.t.Transport.MemWrite32(spibscBase+regSMCMR, uint32(cmd.Opcode())); err != nil {
		return errors.Trace(err)
	}
	if cmd.AddrMode() == spinor.Addr3Byte {
		if err := s.t.Transport.MemWrite32(spibscBase+regSMADR, addr); err != nil {
			return errors.Trace(err)
		}
	}
	if err := s.t.MemWrite(spibscBase+regSMWDR0, data); err != nil {
		return errors.Trace(err)
	}
	return s.t.Transport.MemWrite32(spibscBase+regSMDRENR, smdrenrSTART)
}

func (s *spiMIO) RunCommand(cmd spinor.Command, addr uint32) error {
	if err := s.t.Transport.MemWrite32(spibscBase+regSMCMR, uint32(cmd.Opcode())); err != nil {
		return errors.Trace(err)
	}
	if cmd.AddrMode() == spinor.Addr3Byte {
		if err := s.t.Transport.MemWrite32(spibscBase+regSMADR, addr); err != nil {
			return errors.Trace(err)
		}
	}
	return s.t.Transport.MemWrite32(spibscBase+regSMDRENR, smdrenrSTART)
}

// Driver implements target.Driver for the RZ family's Multi-I/O Flash.
type Driver struct{}

func (Driver) Attach(t *target.Target) error { return nil }
func (Driver) Detach(t *target.Target) error { return nil }

func (Driver) EnterFlashMode(t *target.Target) error {
	c := cfg(t)
	c.manualMode = true
	return errors.Trace(enterManualMode(t))
}

func (Driver) ExitFlashMode(t *target.Target) error {
	c := cfg(t)
	if !c.manualMode {
		return nil
	}
	c.manualMode = false
	if err := exitManualMode(t); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(invalidateCaches(t))
}

func (Driver) MassErase(t *target.Target) error {
	if t.Flash == nil {
		return errors.Errorf("rz: no flash region attached")
	}
	return errors.Trace(t.FlashErase(t.Flash.Start, t.Flash.Length))
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
