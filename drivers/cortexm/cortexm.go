// Package cortexm implements the ARMv6-M/v7-M Flash Patch and Breakpoint
// (FPB) and Data Watchpoint and Trace (DWT) units that back
// target.Driver's SetHWBreakpoint/ClearHWBreakpoint/SetHWWatchpoint/
// ClearHWWatchpoint/CheckHWWatchpoint (spec.md §4.1). Every family driver
// in this tree targets a Cortex-M core, and FPB/DWT live at the same
// Private Peripheral Bus addresses on all of them regardless of vendor,
// so this is implemented once here and each family's Config embeds a Unit
// rather than re-stubbing the five methods per family.
package cortexm

import (
	"github.com/juju/errors"

	"github.com/blackmagic-debug/probecore/target"
)

const (
	fpbBase  = 0xE0002000
	fpbCTRL  = fpbBase + 0x00
	fpbCOMP0 = fpbBase + 0x08

	fpbCtrlKey    = 1 << 1 // must be written 1 any time CTRL is written
	fpbCtrlEnable = 1 << 0

	fpbCompEnable     = 1 << 0
	fpbCompReplaceLow = 1 << 30 // match/replace the low halfword of the comparator word
	fpbCompReplaceHi  = 1 << 31 // match/replace the high halfword

	// numCodeComparators is the FPBv1 code-comparator count common to the
	// Cortex-M0+/M3/M4/M33 cores this tree's family drivers target (the
	// exact count is readable from FP_CTRL.NUM_CODE, but every part in
	// spec.md's family list implements at least this many, so a fixed
	// "first free of N" allocator is sufficient here rather than probing
	// FP_CTRL before every allocation).
	numCodeComparators = 4

	dwtBase      = 0xE0001000
	dwtCOMP0     = dwtBase + 0x20
	dwtMASK0     = dwtBase + 0x24
	dwtFUNCTION0 = dwtBase + 0x28
	dwtStride    = 0x10

	// numDataComparators mirrors numCodeComparators's reasoning for DWT.
	numDataComparators = 4

	dwtFuncDisabled = 0x0
	dwtFuncRead     = 0x5
	dwtFuncWrite    = 0x6
	dwtFuncAccess   = 0x7 // read or write

	dwtFuncMatched = 1 << 24 // sticky, set when the comparator has tripped
)

// Unit tracks which FPB code comparators and DWT data comparators are in
// use for one attached target. Its zero value is a unit with nothing
// allocated, so family Config structs can embed it directly.
type Unit struct {
	bpUsed [numCodeComparators]bool
	bpAddr [numCodeComparators]uint32

	wpUsed [numDataComparators]bool
	wpAddr [numDataComparators]uint32
}

func compWord(addr uint32) uint32 {
	w := addr &^ 3
	if addr&2 != 0 {
		return w | fpbCompReplaceHi | fpbCompEnable
	}
	return w | fpbCompReplaceLow | fpbCompEnable
}

func enableFPB(t *target.Target) error {
	return t.Transport.MemWrite32(fpbCTRL, fpbCtrlEnable|fpbCtrlKey)
}

// SetBreakpoint programs a free FPB code comparator to break on addr.
func (u *Unit) SetBreakpoint(t *target.Target, addr uint32) error {
	for i, used := range u.bpUsed {
		if used && u.bpAddr[i] == addr {
			return nil // already set
		}
	}
	slot := -1
	for i, used := range u.bpUsed {
		if !used {
			slot = i
			break
		}
	}
	if slot < 0 {
		return errors.Errorf("cortexm: no free FPB comparator (max %d)", numCodeComparators)
	}
	if err := enableFPB(t); err != nil {
		return errors.Trace(err)
	}
	if err := t.Transport.MemWrite32(fpbCOMP0+uint32(slot)*4, compWord(addr)); err != nil {
		return errors.Trace(err)
	}
	u.bpUsed[slot] = true
	u.bpAddr[slot] = addr
	return nil
}

// ClearBreakpoint disables the FPB comparator watching addr, if any.
func (u *Unit) ClearBreakpoint(t *target.Target, addr uint32) error {
	for i, used := range u.bpUsed {
		if !used || u.bpAddr[i] != addr {
			continue
		}
		if err := t.Transport.MemWrite32(fpbCOMP0+uint32(i)*4, 0); err != nil {
			return errors.Trace(err)
		}
		u.bpUsed[i] = false
		return nil
	}
	return errors.Errorf("cortexm: no breakpoint set at 0x%x", addr)
}

func funcFor(kind target.WatchKind) uint32 {
	switch kind {
	case target.WatchRead:
		return dwtFuncRead
	case target.WatchWrite:
		return dwtFuncWrite
	default:
		return dwtFuncAccess
	}
}

// maskFor returns DWT_MASKn's ignore-bit-count for a watchpoint covering
// length bytes: the comparator matches any address whose high bits equal
// COMPn, ignoring the low log2(length) bits (rounded up to a power of two).
func maskFor(length uint32) uint32 {
	var mask uint32
	size := uint32(1)
	for size < length {
		size <<= 1
		mask++
	}
	return mask
}

// SetWatchpoint programs a free DWT comparator to watch [addr, addr+length).
func (u *Unit) SetWatchpoint(t *target.Target, kind target.WatchKind, addr, length uint32) error {
	slot := -1
	for i, used := range u.wpUsed {
		if !used {
			slot = i
			break
		}
	}
	if slot < 0 {
		return errors.Errorf("cortexm: no free DWT comparator (max %d)", numDataComparators)
	}
	off := uint32(slot) * dwtStride
	if err := t.Transport.MemWrite32(dwtCOMP0+off, addr); err != nil {
		return errors.Trace(err)
	}
	if err := t.Transport.MemWrite32(dwtMASK0+off, maskFor(length)); err != nil {
		return errors.Trace(err)
	}
	if err := t.Transport.MemWrite32(dwtFUNCTION0+off, funcFor(kind)); err != nil {
		return errors.Trace(err)
	}
	u.wpUsed[slot] = true
	u.wpAddr[slot] = addr
	return nil
}

// ClearWatchpoint disables the DWT comparator watching addr, if any. kind
// and length are accepted to satisfy target.Driver's signature but are not
// needed to identify the comparator: the first comparator watching addr is
// cleared.
func (u *Unit) ClearWatchpoint(t *target.Target, kind target.WatchKind, addr, length uint32) error {
	for i, used := range u.wpUsed {
		if !used || u.wpAddr[i] != addr {
			continue
		}
		off := uint32(i) * dwtStride
		if err := t.Transport.MemWrite32(dwtFUNCTION0+off, dwtFuncDisabled); err != nil {
			return errors.Trace(err)
		}
		u.wpUsed[i] = false
		return nil
	}
	return errors.Errorf("cortexm: no watchpoint set at 0x%x", addr)
}

// CheckWatchpoint scans the DWT comparators in use for a sticky MATCHED
// bit and returns the address of the first one found tripped.
func (u *Unit) CheckWatchpoint(t *target.Target) (uint32, bool) {
	for i, used := range u.wpUsed {
		if !used {
			continue
		}
		off := uint32(i) * dwtStride
		fn, err := t.Transport.MemRead32(dwtFUNCTION0 + off)
		if err != nil {
			continue
		}
		if fn&dwtFuncMatched != 0 {
			return u.wpAddr[i], true
		}
	}
	return 0, false
}
