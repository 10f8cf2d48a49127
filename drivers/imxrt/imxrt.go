// Package imxrt implements NXP i.MX RT's FlexSPI-attached Flash (spec.md
// §4.5): SPI-NOR commands are issued by programming a Look-Up Table (LUT)
// slot with the sequence of FlexSPI instructions and triggering it, rather
// than shifting bytes directly. A small 4-slot cache maps recently-used
// spinor.Command words to LUT slots (oldest evicted first) so repeated
// opcodes (page program, sector erase) don't reprogram the LUT every call.
// Entry/exit save and restore MPU_CTRL and FlexSPI MCR0; FlexSPI clock
// settings and LUT contents are not saved or restored. SPI reads are capped at 128 bytes per call -- chunking
// larger transfers is left to package spinorgeneric's caller, per spec.md's
// explicit call-out that this driver does not do it itself.
package imxrt

import (
	"github.com/juju/errors"

	"github.com/blackmagic-debug/probecore/drivers/cortexm"
	"github.com/blackmagic-debug/probecore/spinor"
	"github.com/blackmagic-debug/probecore/target"
)

const (
	flexspiBase = 0x402A8000

	regMCR0    = 0x00
	regLUTKEY  = 0x18
	regLUTCR   = 0x1C
	regIPCR0   = 0xA0
	regIPCR1   = 0xA4
	regIPCMD   = 0xB0
	regIPRXFCR = 0xB8
	regIPTXFCR = 0xBC
	regIPRXFSTS = 0xB0

	lutBase    = 0x402A8200 // FlexSPI LUT register window
	numLUTSlots = 4

	lutKey = 0x5AF05AF0

	maxReadChunk = 128 // spec.md §4.5's documented per-call cap for this family
)

// Config is the imxrt driver's private state: the LUT slot cache plus
// whatever Attach/EnterFlashMode snapshot for later restoration.
type Config struct {
	slots    [numLUTSlots]spinor.Command
	slotUsed [numLUTSlots]bool
	nextEvict int

	savedMPU    uint32
	savedMCR0   uint32
	savedLUT    [numLUTSlots * 4]uint32 // not written by EnterFlashMode; LUT contents are not restored
	flashBase   uint32

	bp cortexm.Unit
}

func cfg(t *target.Target) *Config { return t.DriverPriv.(*Config) }

// lutSlotFor returns a LUT slot index already programmed for cmd, or
// programs the least-recently-installed slot (evicting whichever slot was
// installed longest ago) and returns that.
func lutSlotFor(t *target.Target, c *Config, cmd spinor.Command) (int, error) {
	for i, used := range c.slotUsed {
		if used && c.slots[i] == cmd {
			return i, nil
		}
	}
	slot := c.nextEvict
	c.nextEvict = (c.nextEvict + 1) % numLUTSlots
	if err := programLUTSlot(t, slot, cmd); err != nil {
		return 0, errors.Trace(err)
	}
	c.slots[slot] = cmd
	c.slotUsed[slot] = true
	return slot, nil
}

// programLUTSlot writes a FlexSPI LUT sequence encoding cmd's opcode,
// address phase and dummy cycles into slot (4 instruction words per slot
// on i.MX RT's FlexSPI), then commits it with the unlock-key sequence.
func programLUTSlot(t *target.Target, slot int, cmd spinor.Command) error {
	if err := t.Transport.MemWrite32(flexspiBase+regLUTKEY, lutKey); err != nil {
		return errors.Trace(err)
	}
	if err := t.Transport.MemWrite32(flexspiBase+regLUTCR, 2 /* unlock */); err != nil {
		return errors.Trace(err)
	}

	const (
		opCMD   = 0x01
		opRADDR = 0x02
		opDUMMY = 0x03
		opSTOP  = 0x00
	)
	instr := func(op byte, pads byte, operand byte) uint16 {
		return uint16(op)<<10 | uint16(pads)<<8 | uint16(operand)
	}
	w0 := uint32(instr(opCMD, 0, cmd.Opcode()))
	var w1 uint32
	if cmd.AddrMode() == spinor.Addr3Byte {
		w1 = uint32(instr(opRADDR, 0, 24))
	}
	var w2 uint32
	if cmd.DummyBytes() > 0 {
		w2 = uint32(instr(opDUMMY, 0, byte(cmd.DummyBytes()*8)))
	}
	base := lutBase + uint32(slot)*16
	words := [4]uint32{w0, w1, w2, 0}
	for i, w := range words {
		if err := t.Transport.MemWrite32(base+uint32(i)*4, w); err != nil {
			return errors.Trace(err)
		}
	}
	if err := t.Transport.MemWrite32(flexspiBase+regLUTKEY, lutKey); err != nil {
		return errors.Trace(err)
	}
	return t.Transport.MemWrite32(flexspiBase+regLUTCR, 1 /* lock */)
}

// flexspi adapts the LUT-slot mechanism into the spinor.SPI three-function
// interface, capping reads at maxReadChunk bytes per call per spec.md.
type flexspi struct {
	t *target.Target
	c *Config
}

func (f *flexspi) triggerIP(slot int, addr uint32, size int) error {
	if err := f.t.Transport.MemWrite32(flexspiBase+regIPCR0, addr); err != nil {
		return errors.Trace(err)
	}
	if err := f.t.Transport.MemWrite32(flexspiBase+regIPCR1, uint32(size)); err != nil {
		return errors.Trace(err)
	}
	return f.t.Transport.MemWrite32(flexspiBase+regIPCMD, uint32(slot))
}

func (f *flexspi) Read(cmd spinor.Command, addr uint32, data []byte) error {
	if len(data) > maxReadChunk {
		return errors.Errorf("imxrt: read of %d bytes exceeds the %d-byte per-call cap", len(data), maxReadChunk)
	}
	slot, err := lutSlotFor(f.t, f.c, cmd)
	if err != nil {
		return errors.Trace(err)
	}
	if err := f.triggerIP(slot, addr, len(data)); err != nil {
		return errors.Trace(err)
	}
	return f.t.MemRead(data, flexspiBase+regIPRXFCR)
}

func (f *flexspi) Write(cmd spinor.Command, addr uint32, data []byte) error {
	slot, err := lutSlotFor(f.t, f.c, cmd)
	if err != nil {
		return errors.Trace(err)
	}
	if err := f.t.MemWrite(flexspiBase+regIPTXFCR, data); err != nil {
		return errors.Trace(err)
	}
	return f.triggerIP(slot, addr, len(data))
}

func (f *flexspi) RunCommand(cmd spinor.Command, addr uint32) error {
	slot, err := lutSlotFor(f.t, f.c, cmd)
	if err != nil {
		return errors.Trace(err)
	}
	return f.triggerIP(slot, addr, 0)
}

// Driver implements target.Driver for i.MX RT's FlexSPI Flash.
type Driver struct{}

func (Driver) Attach(t *target.Target) error { return nil }
func (Driver) Detach(t *target.Target) error { return nil }

func (Driver) EnterFlashMode(t *target.Target) error {
	c := cfg(t)
	mpu, err := t.Transport.MemRead32(0xE000ED94)
	if err != nil {
		return errors.Trace(err)
	}
	c.savedMPU = mpu
	mcr0, err := t.Transport.MemRead32(flexspiBase + regMCR0)
	if err != nil {
		return errors.Trace(err)
	}
	c.savedMCR0 = mcr0
	return errors.Trace(t.Transport.MemWrite32(0xE000ED94, mpu&^uint32(1)))
}

func (Driver) ExitFlashMode(t *target.Target) error {
	c := cfg(t)
	if err := t.Transport.MemWrite32(flexspiBase+regMCR0, c.savedMCR0); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(t.Transport.MemWrite32(0xE000ED94, c.savedMPU))
}

func (Driver) MassErase(t *target.Target) error {
	if t.Flash == nil {
		return errors.Errorf("imxrt: no flash region attached")
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
