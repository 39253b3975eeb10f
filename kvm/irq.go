package kvm

import "unsafe"

// irqLevel defines an IRQ as Level? Not sure.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine sets the interrupt line for an IRQ.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, IIOW(kvmIRQLine, unsafe.Sizeof(irqLev)), uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// IRQLineStatus behaves like IRQLine but additionally reports whether the
// line was actually raised, for chips that support coalesced delivery.
func IRQLineStatus(vmFd uintptr, irq, level uint32) (int, error) {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	status, err := Ioctl(vmFd, IIOWR(kvmIRQLine, unsafe.Sizeof(irqLev)), uintptr(unsafe.Pointer(&irqLev)))

	return int(status), err
}

// CreateIRQChip creates an IRQ device (chip) to which to attach interrupts?
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}

// pitConfig defines properties of a programmable interrupt timer.
type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates a PIT type 2. Just having one was not enough.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{
		Flags: 0,
	}
	_, err := Ioctl(vmFd, IIOW(kvmCreatePIT2, unsafe.Sizeof(pit)), uintptr(unsafe.Pointer(&pit)))

	return err
}

// pitChannelState holds one channel of the i8254 PIT.
type pitChannelState struct {
	Count         uint32
	LatchedCount  uint16
	CountLatched  uint8
	StatusLatched uint8
	Status        uint8
	ReadState     uint8
	WriteState    uint8
	WriteLatch    uint8
	RWMode        uint8
	Mode          uint8
	BCD           uint8
	Gate          uint8
	CountLoadTime int64
}

// PITState2 is the full state of the emulated i8254 PIT, as saved and
// restored across a snapshot.
type PITState2 struct {
	Channels [3]pitChannelState
	Flags    uint32
	_        [9]uint32
}

// GetPIT2 captures the PIT state for a vm.
func GetPIT2(vmFd uintptr) (*PITState2, error) {
	pit := &PITState2{}
	_, err := Ioctl(vmFd, IIOR(kvmGetPIT2, unsafe.Sizeof(PITState2{})), uintptr(unsafe.Pointer(pit)))

	return pit, err
}

// SetPIT2 restores a previously captured PIT state.
func SetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetPIT2, unsafe.Sizeof(PITState2{})), uintptr(unsafe.Pointer(pit)))

	return err
}

// irqChipID selects one of the three emulated interrupt controllers.
const (
	IRQChipPIC0 = 0
	IRQChipPIC1 = 1
	IRQChipIOAPIC = 2
)

// IRQChip is the union of PIC/IOAPIC state KVM tracks for KVM_GET_IRQCHIP,
// large enough to hold either a PIC or the IOAPIC.
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

// GetIRQChip captures one of the emulated interrupt controllers into chip.
// chip.ChipID selects which controller (IRQChipPIC0, IRQChipPIC1,
// IRQChipIOAPIC) before the call.
func GetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := Ioctl(vmFd, IIOWR(kvmGetIRQChip, unsafe.Sizeof(IRQChip{})), uintptr(unsafe.Pointer(chip)))

	return err
}

// SetIRQChip restores a previously captured interrupt controller.
func SetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetIRQChip, unsafe.Sizeof(IRQChip{})), uintptr(unsafe.Pointer(chip)))

	return err
}
