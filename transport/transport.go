// Package transport defines the boundary between the core and the ADIv5
// DAP/AP transaction layer. Wire timing, SWD/JTAG framing and access-port
// selection are a platform concern (spec.md §1); this package only states
// the "32-bit (and occasional 16/8-bit) load/store to a target address
// space" contract the core consumes.
package transport

import "time"

// Transport is the debug-probe-to-target link. Implementations busy-poll
// the DAP until a transaction completes or times out; every method may
// block. On failure a Transport latches its sticky error flag rather than
// returning an error from every call — callers check Error() at safe
// points, matching the teacher's check-error-at-boundaries style.
type Transport interface {
	// MemRead/MemWrite move len(dst)/len(src) bytes starting at addr.
	// Implementations choose the widest access that stays aligned.
	MemRead(dst []byte, addr uint32) error
	MemWrite(addr uint32, src []byte) error

	MemRead32(addr uint32) (uint32, error)
	MemWrite32(addr uint32, val uint32) error

	// RegsRead/RegsWrite transfer the whole core register file.
	RegsRead(dst []byte) error
	RegsWrite(src []byte) error

	Reset() error
	HaltRequest() error
	// HaltWait blocks (subject to timeout) until the core halts, or
	// returns false without error if timeout elapsed without a halt.
	HaltWait(timeout time.Duration) (halted bool, err error)
	// Resume leaves the core running, or single-steps it if step is set.
	Resume(step bool) error

	// Error reports (without clearing) the sticky transport-error flag.
	Error() bool
	// ClearError clears the sticky transport-error flag.
	ClearError()
}

// RefCounted transports are shared across multiple targets bound to the
// same physical link (spec.md §5). Acquire/Release are no-ops for
// transports that are not actually shared.
type RefCounted interface {
	Transport
	Acquire()
	Release()
}
