package transport

import (
	"time"
)

// Fake is a in-memory Transport used by tests and by cmd/probed's demo
// harness. It models RAM and Flash as sparse pages that read 0xFF until
// written, and a trivial CPU:
// halting and resuming just flip a boolean, register file is a plain
// byte buffer. It does not execute instructions (spec.md §1 non-goal);
// callers that need "the core ran some code" (the IAP trampoline, a
// family's mass-erase) must arrange for Fake to land where expected
// themselves, see ArmRun.
type Fake struct {
	Mem      map[uint32][]byte // sparse backing store, keyed by page-aligned base
	PageSize uint32

	Regs []byte

	halted    bool
	sticky    bool
	armedHalt bool // not consulted by Resume; neither is armedPC

	armedPC uint32
	onRun   func(f *Fake) // simulates the effect of running code, called from Resume

	// WriteHook, if set, runs after every MemWrite32, letting a test model
	// a peripheral's side effects on a register write (an unlock sequence
	// flipping a status bit, a command register triggering a state change)
	// without building a real register state machine into Fake.
	WriteHook func(f *Fake, addr uint32, val uint32)
}

// NewFake returns a Fake transport with a register file of regSize bytes
// and a sparse byte-addressable memory.
func NewFake(regSize int) *Fake {
	return &Fake{
		Mem:      make(map[uint32][]byte),
		PageSize: 4096,
		Regs:     make([]byte, regSize),
		halted:   true,
	}
}

func (f *Fake) pageFor(addr uint32) []byte {
	base := addr - (addr % f.PageSize)
	p := f.Mem[base]
	if p == nil {
		p = make([]byte, f.PageSize)
		for i := range p {
			p[i] = 0xff
		}
		f.Mem[base] = p
	}
	return p
}

func (f *Fake) MemRead(dst []byte, addr uint32) error {
	for i := range dst {
		a := addr + uint32(i)
		p := f.pageFor(a)
		dst[i] = p[a%f.PageSize]
	}
	return nil
}

func (f *Fake) MemWrite(addr uint32, src []byte) error {
	for i, b := range src {
		a := addr + uint32(i)
		p := f.pageFor(a)
		p[a%f.PageSize] = b
	}
	return nil
}

func (f *Fake) MemRead32(addr uint32) (uint32, error) {
	var b [4]byte
	if err := f.MemRead(b[:], addr); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (f *Fake) MemWrite32(addr uint32, val uint32) error {
	b := [4]byte{byte(val), byte(val >> 8), byte(val >> 16), byte(val >> 24)}
	if err := f.MemWrite(addr, b[:]); err != nil {
		return err
	}
	if f.WriteHook != nil {
		f.WriteHook(f, addr, val)
	}
	return nil
}

func (f *Fake) RegsRead(dst []byte) error {
	copy(dst, f.Regs)
	return nil
}

func (f *Fake) RegsWrite(src []byte) error {
	copy(f.Regs, src)
	return nil
}

func (f *Fake) Reset() error {
	f.halted = false
	return nil
}

func (f *Fake) HaltRequest() error {
	f.halted = true
	return nil
}

func (f *Fake) HaltWait(timeout time.Duration) (bool, error) {
	return f.halted, nil
}

// ArmRun installs a callback invoked by the next Resume(false); it should
// mutate f.Regs/f.Mem to model "the code at PC ran" and leave the core
// halted, the way a real core would land on the trampoline's BKPT.
func (f *Fake) ArmRun(onRun func(f *Fake)) {
	f.onRun = onRun
}

// Resume simulates running the core. If ArmRun installed a callback, it
// runs it (to model "the trampolined code executed and landed on its
// BKPT") and leaves the core halted; otherwise the core is left running,
// so a caller polling HaltWait observes a timeout, the way a real core
// that never reaches its landing instruction would.
func (f *Fake) Resume(step bool) error {
	f.halted = false
	if f.onRun != nil {
		cb := f.onRun
		f.onRun = nil
		cb(f)
		f.halted = true
	}
	return nil
}

func (f *Fake) Error() bool   { return f.sticky }
func (f *Fake) ClearError()   { f.sticky = false }
func (f *Fake) SetError(v bool) { f.sticky = v }
