package spinor

// SPI is the three-function transport interface every SPI-capable Flash
// driver implements (spec.md §4.6): read, write, and a bare command with
// no data phase (e.g. WRITE ENABLE, CHIP ERASE). addr is ignored when cmd's
// AddrMode is AddrNone.
type SPI interface {
	Read(cmd Command, addr uint32, data []byte) error
	Write(cmd Command, addr uint32, data []byte) error
	RunCommand(cmd Command, addr uint32) error
}

// ReadJEDECID issues a 0x9F read over spi and parses the 3 ID bytes.
func ReadJEDECID(spi SPI) (JEDECID, error) {
	cmd := Encode(OpcodeReadJEDECID, AddrNone, 0, DirIn)
	data := make([]byte, 3)
	if err := spi.Read(cmd, 0, data); err != nil {
		return JEDECID{}, err
	}
	return ParseJEDECID(data)
}

// ReadSFDPTable reads n bytes of SFDP starting at offset 0 via opcode
// 0x5A with a single dummy byte, per spec.md §4.6.
func ReadSFDPTable(spi SPI, n int) ([]byte, error) {
	cmd := Encode(OpcodeReadSFDP, Addr3Byte, 1, DirIn)
	data := make([]byte, n)
	if err := spi.Read(cmd, 0, data); err != nil {
		return nil, err
	}
	return data, nil
}

// ProbeParams runs the probe-time sequence spec.md §4.6 describes: read
// JEDEC ID, and if it looks real, try SFDP; fall back to conservative
// defaults (with capacity from JEDEC-ID) if SFDP is absent or unparseable.
func ProbeParams(spi SPI) (JEDECID, Params, error) {
	id, err := ReadJEDECID(spi)
	if err != nil {
		return JEDECID{}, Params{}, err
	}
	if !id.Plausible() {
		return id, DefaultParams(0), nil
	}
	raw, err := ReadSFDPTable(spi, 16+44)
	if err != nil {
		return id, DefaultParams(id.SizeBytes()), nil
	}
	params, err := ParseSFDP(raw, id.SizeBytes())
	if err != nil {
		return id, DefaultParams(id.SizeBytes()), nil
	}
	return id, params, nil
}
