package spinor

// FakeSPI is an in-memory SPI-NOR device used by driver tests: it answers
// JEDEC ID / SFDP / status reads from fields set up by the test and
// stores PAGE PROGRAM/erase effects into a flat byte image.
type FakeSPI struct {
	JEDECID [3]byte
	SFDP    []byte
	Image   []byte
	Status  byte // bit 0 = busy; tests normally leave this 0 (always ready)

	eraseValue byte
}

// NewFakeSPI returns a FakeSPI with an all-0xFF image of capacity bytes.
func NewFakeSPI(capacity int) *FakeSPI {
	img := make([]byte, capacity)
	for i := range img {
		img[i] = 0xff
	}
	return &FakeSPI{Image: img, eraseValue: 0xff}
}

func (f *FakeSPI) Read(cmd Command, addr uint32, data []byte) error {
	switch cmd.Opcode() {
	case OpcodeReadJEDECID:
		copy(data, f.JEDECID[:])
	case OpcodeReadSFDP:
		copy(data, f.SFDP)
	case OpcodeReadStatus:
		data[0] = f.Status
	case OpcodeReadData:
		copy(data, f.Image[addr:int(addr)+len(data)])
	}
	return nil
}

func (f *FakeSPI) Write(cmd Command, addr uint32, data []byte) error {
	if cmd.Opcode() == OpcodePageProgram {
		copy(f.Image[addr:], data)
	}
	return nil
}

func (f *FakeSPI) RunCommand(cmd Command, addr uint32) error {
	switch cmd.Opcode() {
	case OpcodeSectorErase4K, OpcodeBlockErase32K, OpcodeBlockErase64K:
		size := 4096
		switch cmd.Opcode() {
		case OpcodeBlockErase32K:
			size = 32 * 1024
		case OpcodeBlockErase64K:
			size = 64 * 1024
		}
		for i := 0; i < size; i++ {
			f.Image[int(addr)+i] = f.eraseValue
		}
	case OpcodeChipErase:
		for i := range f.Image {
			f.Image[i] = f.eraseValue
		}
	}
	return nil
}
