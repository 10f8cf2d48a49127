// Package spinorgeneric builds a target.FlashRegion on top of the
// three-function SPI-NOR transport and SFDP decoder in package spinor
// (spec.md §4.6). Any family driver that exposes a spinor.SPI (whether
// backed by a host-native bus or by register pokes through the debug
// transport) can use this to get erase/write/commit callbacks for free.
package spinorgeneric

import (
	"time"

	"github.com/juju/errors"

	"github.com/blackmagic-debug/probecore/spinor"
	"github.com/blackmagic-debug/probecore/target"
)

// Config is the probed-and-derived state the region's callbacks close over.
type Config struct {
	SPI    spinor.SPI
	Params spinor.Params
	// BusyPoll is how often to re-check the status register; zero uses a
	// conservative default.
	BusyPoll time.Duration
	// BusyTimeout bounds each individual erase/program operation.
	BusyTimeout time.Duration
}

// NewRegion probes the chip (JEDEC ID + SFDP fallback, spec.md §4.6) and
// returns a target.FlashRegion covering [start, start+capacity) using the
// derived page/sector geometry as WriteBufferSize/BlockSize.
func NewRegion(spi spinor.SPI, start uint32) (*target.FlashRegion, error) {
	id, params, err := spinor.ProbeParams(spi)
	if err != nil {
		return nil, errors.Annotatef(err, "spinor: probe failed")
	}
	if !id.Plausible() {
		return nil, errors.Errorf("spinor: no SPI-NOR device responded (JEDEC ID 0x%02x%02x%02x)",
			id.Manufacturer, id.MemoryType, id.Capacity)
	}
	cfg := &Config{
		SPI:         spi,
		Params:      params,
		BusyPoll:    time.Millisecond,
		BusyTimeout: 3 * time.Second,
	}

	r := &target.FlashRegion{
		Start:           start,
		Length:          uint32(params.CapacityBytes),
		BlockSize:       uint32(params.SectorSize),
		WriteBufferSize: uint32(params.PageSize),
		ErasedByteValue: 0xff,
		DriverPriv:      cfg,
	}
	r.Erase = eraseRegion
	r.Write = writeRegion
	return r, nil
}

func cfg(r *target.FlashRegion) *Config {
	return r.DriverPriv.(*Config)
}

func writeEnable(c *Config) error {
	return c.SPI.RunCommand(spinor.Encode(spinor.OpcodeWriteEnable, spinor.AddrNone, 0, spinor.DirNone), 0)
}

func busyWait(c *Config) error {
	deadline := time.Now().Add(c.BusyTimeout)
	poll := c.BusyPoll
	if poll == 0 {
		poll = time.Millisecond
	}
	statusCmd := spinor.Encode(spinor.OpcodeReadStatus, spinor.AddrNone, 0, spinor.DirIn)
	for {
		var sr [1]byte
		if err := c.SPI.Read(statusCmd, 0, sr[:]); err != nil {
			return err
		}
		if sr[0]&1 == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("spinor: busy-wait timed out, status=0x%02x", sr[0])
		}
		time.Sleep(poll)
	}
}

// eraseRegion erases [addr, addr+length) using the smallest erase opcode
// that evenly covers the run: sector erase at BlockSize granularity. The
// buffered engine already rounds addr/length out to BlockSize boundaries
// (spec.md §4.3), so this only has to walk sector by sector.
func eraseRegion(r *target.FlashRegion, addr, length uint32) error {
	c := cfg(r)
	eraseCmd := spinor.Encode(c.Params.SectorEraseOpcode, spinor.Addr3Byte, 0, spinor.DirNone)
	for off := uint32(0); off < length; off += r.BlockSize {
		if err := writeEnable(c); err != nil {
			return errors.Annotatef(err, "spinor: write-enable before erase failed")
		}
		if err := c.SPI.RunCommand(eraseCmd, addr+off-r.Start); err != nil {
			return errors.Annotatef(err, "spinor: erase @ 0x%x failed", addr+off)
		}
		if err := busyWait(c); err != nil {
			return errors.Annotatef(err, "spinor: erase @ 0x%x did not complete", addr+off)
		}
	}
	return nil
}

// writeRegion programs src (WriteBufferSize bytes, i.e. one page) at dest.
func writeRegion(r *target.FlashRegion, dest uint32, src []byte) error {
	c := cfg(r)
	if err := writeEnable(c); err != nil {
		return errors.Annotatef(err, "spinor: write-enable before program failed")
	}
	pp := spinor.Encode(spinor.OpcodePageProgram, spinor.Addr3Byte, 0, spinor.DirOut)
	if err := c.SPI.Write(pp, dest-r.Start, src); err != nil {
		return errors.Annotatef(err, "spinor: page program @ 0x%x failed", dest)
	}
	return busyWait(c)
}
