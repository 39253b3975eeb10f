package pci

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return ((uint32(a) >> 31) & 0x1) == 0x1
}

// Device is the interface a PCI function must implement to sit on the
// emulated config-space bus and be reachable through IO-port BARs.
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, bytes []byte) error
	IOOutHandler(port uint64, bytes []byte) error
	GetIORange() (start, end uint64)
}

// DeviceHeader mirrors the type-0 PCI configuration header layout closely
// enough for config-space reads to look authentic to a guest OS probing it.
type DeviceHeader struct {
	VendorID      uint16
	DeviceID      uint16
	Command       uint16
	status        uint16 //nolint:unused
	revisionID    uint8  //nolint:unused
	classCode     [3]uint8
	cacheLineSize uint8 //nolint:unused
	latencyTimer  uint8 //nolint:unused
	HeaderType    uint8
	bist          uint8 //nolint:unused
	BAR           [6]uint32
	cardbusCIS    uint32 //nolint:unused
	subVendorID   uint16 //nolint:unused
	SubsystemID   uint16
	expROMBase    uint32   //nolint:unused
	capPtr        uint8    //nolint:unused
	_             [7]uint8 // reserved
	InterruptLine uint8
	InterruptPin  uint8
	minGnt        uint8 //nolint:unused
	maxLat        uint8 //nolint:unused
}

// Bytes serializes the header using its in-memory layout, which matches
// config-space byte order on little-endian hosts.
func (h DeviceHeader) Bytes() ([]byte, error) {
	return structBytes(&h), nil
}

// PCI is the emulated config-space bus: one address register (0xCF8) and a
// data window (0xCFC) shared by every attached Device.
type PCI struct {
	addr    address
	Devices []Device

	// sizing remembers, per device/BAR, whether the last write was the
	// all-ones probe a guest uses to discover a BAR's size.
	sizing map[int][6]bool
}

// New creates the PCI bus with the given devices attached in slot order,
// starting at device 0 (conventionally the host bridge).
func New(devices ...Device) *PCI {
	return &PCI{
		addr:    0,
		Devices: devices,
		sizing:  map[int][6]bool{},
	}
}

func (p *PCI) selectedDevice() (int, Device, bool) {
	idx := int(p.addr.getDeviceNumber())
	if idx < 0 || idx >= len(p.Devices) {
		return idx, nil, false
	}

	return idx, p.Devices[idx], true
}

func (p *PCI) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	copy(values, NumToBytes(uint32(p.addr)))

	return nil
}

func (p *PCI) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	p.addr = address(BytesToNum(values))

	return nil
}

func (p *PCI) PciConfDataIn(port uint64, values []byte) error {
	if !p.addr.isEnable() {
		return nil
	}

	idx, dev, ok := p.selectedDevice()
	if !ok {
		return nil
	}

	offset := p.addr.getRegisterOffset()

	if bar, isBar := barIndex(offset); isBar && p.sizing[idx][bar] {
		start, end := dev.GetIORange()
		mask := SizeToBits(end-start) | 0x1 // keep the IO-space indicator bit set

		copy(values, NumToBytes(mask))

		return nil
	}

	hdr := dev.GetDeviceHeader()

	b, err := hdr.Bytes()
	if err != nil {
		return err
	}

	if int(offset)+len(values) > len(b) {
		return nil
	}

	copy(values, b[offset:int(offset)+len(values)])

	return nil
}

func (p *PCI) PciConfDataOut(port uint64, values []byte) error {
	if !p.addr.isEnable() {
		return nil
	}

	idx, _, ok := p.selectedDevice()
	if !ok {
		return nil
	}

	if bar, isBar := barIndex(p.addr.getRegisterOffset()); isBar {
		if _, exists := p.sizing[idx]; !exists {
			p.sizing[idx] = [6]bool{}
		}

		s := p.sizing[idx]
		s[bar] = uint32(BytesToNum(values)) == 0xffffffff
		p.sizing[idx] = s
	}

	return nil
}

// barIndex returns which of the six BAR registers a config-space offset
// falls on, if any.
func barIndex(offset uint32) (int, bool) {
	const barsStart = 0x10

	if offset < barsStart || offset >= barsStart+6*4 {
		return 0, false
	}

	return int((offset - barsStart) / 4), true
}

// SizeToBits converts a BAR range size into the size-probe response a guest
// reads back after writing all-ones to the BAR register.
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return uint32(^(size - 1))
}
