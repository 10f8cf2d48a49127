// Package iap implements the generic "call a function in the target's
// on-chip ROM from the debugger" trampoline used by families whose Flash
// controller is driven by vendor IAP code (LPC17xx's IAP entry point,
// LPC55xx's ROM function table): save state,
// marshal args into target registers and/or a RAM config block, place a
// known BKPT as the return landing, resume, poll for halt, read back the
// result, restore state (spec.md §4.4).
package iap

import (
	"time"

	"github.com/juju/errors"
)

// CPU is the subset of target.Target the trampoline needs. It is defined
// here, rather than importing package target, so that family drivers
// depend on both packages independently and *target.Target satisfies this
// interface structurally.
type CPU interface {
	RegsRead(dst []byte) error
	RegsWrite(src []byte) error
	MemRead(dst []byte, addr uint32) error
	MemWrite(addr uint32, src []byte) error
	HaltResume(step bool) error
	HaltWait(timeout time.Duration) (halted bool, err error)
	CheckError() bool
}

// ARM Cortex-M register file layout: r0..r15 (each 4 bytes) followed by xPSR.
const (
	RegCount    = 17
	RegFileSize = RegCount * 4

	regR0   = 0
	regSP   = 13
	regLR   = 14
	regPC   = 15
	regXPSR = 16
)

// Status reports how a Call terminated.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusInvalidLanding
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusInvalidLanding:
		return "invalid landing"
	default:
		return "unknown"
	}
}

// Call describes one ROM-routine invocation: where it lives, the scratch
// RAM window to save/restore/marshal through, and the ABI details a
// family's ROM call expects. Args is explicit (spec.md §9: "re-model as
// an explicit args:[4]u32 config struct" rather than source-level
// varargs) so every IAP call's ABI is statically inspectable.
type Call struct {
	Entry uint32 // address of the ROM routine, or its trampoline thunk

	ScratchBase uint32 // base of the target-RAM window used as scratch
	ScratchLen  uint32 // how much of it to save/restore

	ConfigOffset uint32 // offset within the scratch window of the config block
	ResultOffset uint32 // offset within the scratch window of the result block
	ResultWords  int    // number of result words to read back

	BKPTOffset uint32 // offset within the scratch window of the landing BKPT
	BKPTOpcode []byte // the landing instruction's encoding, e.g. Thumb BKPT #0 = {0x00, 0xBE}

	Command uint32
	Args    [4]uint32

	SPValue        uint32 // stack pointer to use while the ROM call runs
	ThumbMode      bool   // set bit 0 of LR/PC per the ISA (Thumb interworking)
	StatusRegValue uint32 // xPSR value the family's ROM expects on entry

	Timeout       time.Duration
	ProgressEvery time.Duration
	ProgressFn    func()
}

// Result is what a ROM call reported.
type Result struct {
	Status     Status
	ReturnCode uint32
	Results    []uint32
}

// Run executes c against cpu, always restoring cpu's register file and
// scratch RAM window to their pre-call values before returning, on every
// exit path including timeout and transport error (spec.md §4.4, §8).
func Run(cpu CPU, c *Call) (*Result, error) {
	savedRegs := make([]byte, RegFileSize)
	if err := cpu.RegsRead(savedRegs); err != nil {
		return nil, errors.Annotatef(err, "iap: failed to save register file")
	}
	savedRAM := make([]byte, c.ScratchLen)
	if err := cpu.MemRead(savedRAM, c.ScratchBase); err != nil {
		return nil, errors.Annotatef(err, "iap: failed to save scratch RAM")
	}

	restore := func() error {
		if err := cpu.MemWrite(c.ScratchBase, savedRAM); err != nil {
			return errors.Annotatef(err, "iap: failed to restore scratch RAM")
		}
		if err := cpu.RegsWrite(savedRegs); err != nil {
			return errors.Annotatef(err, "iap: failed to restore register file")
		}
		return nil
	}

	res, runErr := run(cpu, c)
	if restoreErr := restore(); restoreErr != nil {
		if runErr != nil {
			return nil, errors.Trace(runErr)
		}
		return nil, errors.Trace(restoreErr)
	}
	return res, errors.Trace(runErr)
}

func run(cpu CPU, c *Call) (*Result, error) {
	cfg := make([]byte, 5*4)
	putU32(cfg[0:4], c.Command)
	for i, a := range c.Args {
		putU32(cfg[4+i*4:8+i*4], a)
	}
	if err := cpu.MemWrite(c.ScratchBase+c.ConfigOffset, cfg); err != nil {
		return nil, errors.Annotatef(err, "iap: failed to write config block")
	}
	if err := cpu.MemWrite(c.ScratchBase+c.BKPTOffset, c.BKPTOpcode); err != nil {
		return nil, errors.Annotatef(err, "iap: failed to write landing opcode")
	}

	regs := make([]byte, RegFileSize)
	landingPC := c.ScratchBase + c.BKPTOffset
	lr := landingPC
	pc := c.Entry
	if c.ThumbMode {
		lr |= 1
		pc |= 1
	}
	putU32(regs[regR0*4:regR0*4+4], c.ScratchBase+c.ConfigOffset)
	putU32(regs[(regR0+1)*4:(regR0+1)*4+4], c.ScratchBase+c.ResultOffset)
	putU32(regs[regSP*4:regSP*4+4], c.SPValue)
	putU32(regs[regLR*4:regLR*4+4], lr)
	putU32(regs[regPC*4:regPC*4+4], pc)
	putU32(regs[regXPSR*4:regXPSR*4+4], c.StatusRegValue)
	if err := cpu.RegsWrite(regs); err != nil {
		return nil, errors.Annotatef(err, "iap: failed to set up call registers")
	}

	if err := cpu.HaltResume(false); err != nil {
		return nil, errors.Annotatef(err, "iap: failed to resume")
	}

	halted, err := waitHalt(cpu, c)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if cpu.CheckError() {
		return nil, errors.Errorf("iap: transport error during call")
	}
	if !halted {
		return &Result{Status: StatusTimeout}, nil
	}

	finalRegs := make([]byte, RegFileSize)
	if err := cpu.RegsRead(finalRegs); err != nil {
		return nil, errors.Annotatef(err, "iap: failed to read back registers")
	}
	actualPC := getU32(finalRegs[regPC*4 : regPC*4+4])
	expectPC := landingPC
	if c.ThumbMode {
		actualPC &^= 1
	}
	if actualPC != expectPC {
		return &Result{Status: StatusInvalidLanding}, nil
	}

	resBuf := make([]byte, 4+4*c.ResultWords)
	if err := cpu.MemRead(resBuf, c.ScratchBase+c.ResultOffset); err != nil {
		return nil, errors.Annotatef(err, "iap: failed to read result block")
	}
	res := &Result{Status: StatusOK, ReturnCode: getU32(resBuf[0:4])}
	for i := 0; i < c.ResultWords; i++ {
		res.Results = append(res.Results, getU32(resBuf[4+i*4:8+i*4]))
	}
	return res, nil
}

func waitHalt(cpu CPU, c *Call) (bool, error) {
	if c.ProgressFn == nil || c.ProgressEvery <= 0 || c.Timeout <= 0 {
		return cpu.HaltWait(c.Timeout)
	}
	deadline := time.Now().Add(c.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		step := c.ProgressEvery
		if step > remaining {
			step = remaining
		}
		halted, err := cpu.HaltWait(step)
		if err != nil {
			return false, errors.Trace(err)
		}
		if halted {
			return true, nil
		}
		c.ProgressFn()
	}
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
