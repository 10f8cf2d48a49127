package spinor

import (
	"time"

	"github.com/juju/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// PeriphSPI adapts a host-native periph.io SPI bus + chip-select GPIO into
// the SPI interface above, for a probe that drives an external SPI-NOR
// footprint directly from host pins rather than through the target's own
// QSPI/FlexSPI controller. The transaction shape (assert CS, one
// conn.Tx, deassert CS) follows the teacher's SPI Flash helper
// (other_examples' gice.Flash.tx).
type PeriphSPI struct {
	Conn spi.Conn
	CS   gpio.PinIO
}

func (p *PeriphSPI) tx(buf []byte) error {
	if err := p.CS.Out(gpio.Low); err != nil {
		return errors.Annotatef(err, "spinor: failed to assert CS")
	}
	txErr := p.Conn.Tx(buf, buf)
	if err := p.CS.Out(gpio.High); err != nil && txErr == nil {
		txErr = errors.Annotatef(err, "spinor: failed to deassert CS")
	}
	return txErr
}

func header(cmd Command, addr uint32) []byte {
	b := []byte{cmd.Opcode()}
	if cmd.AddrMode() == Addr3Byte {
		b = append(b, byte(addr>>16), byte(addr>>8), byte(addr))
	}
	for i := 0; i < cmd.DummyBytes(); i++ {
		b = append(b, 0)
	}
	return b
}

func (p *PeriphSPI) Read(cmd Command, addr uint32, data []byte) error {
	h := header(cmd, addr)
	buf := make([]byte, len(h)+len(data))
	copy(buf, h)
	if err := p.tx(buf); err != nil {
		return err
	}
	copy(data, buf[len(h):])
	return nil
}

func (p *PeriphSPI) Write(cmd Command, addr uint32, data []byte) error {
	h := header(cmd, addr)
	buf := make([]byte, len(h)+len(data))
	copy(buf, h)
	copy(buf[len(h):], data)
	return p.tx(buf)
}

func (p *PeriphSPI) RunCommand(cmd Command, addr uint32) error {
	return p.tx(header(cmd, addr))
}

// WriteEnable issues the WRITE ENABLE command, required before any
// program or erase command.
func (p *PeriphSPI) WriteEnable() error {
	return p.RunCommand(Encode(OpcodeWriteEnable, AddrNone, 0, DirNone), 0)
}

// ReadStatus reads the 1-byte status register (bit 0 = write-in-progress).
func (p *PeriphSPI) ReadStatus() (byte, error) {
	buf := make([]byte, 1)
	if err := p.Read(Encode(OpcodeReadStatus, AddrNone, 0, DirIn), 0, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// BusyWait polls ReadStatus bit 0 until clear or timeout expires.
func (p *PeriphSPI) BusyWait(interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		sr, err := p.ReadStatus()
		if err != nil {
			return err
		}
		if sr&1 == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("spinor: busy-wait timed out, status=0x%02x", sr)
		}
		time.Sleep(interval)
	}
}
