package kvm

import "unsafe"

// Device kinds recognized by KVM_CREATE_DEVICE.
const (
	DevFSLMPIC20 = iota
	DevFSLMPIC42
	DevXICS
	DevVFIO
	DevARMVGICV2
	DevFLIC
	DevARMVGICV3
	DevARMVGICITS
	DevXIVE
	DevMAX
)

// Device describes an in-kernel device instance to create alongside a vm,
// such as a VFIO passthrough endpoint.
type Device struct {
	Type  uint32
	Fd    uint32
	Flags uint32
}

// CreateDev creates an in-kernel device of the given type and returns its
// fd in dev.Fd.
func CreateDev(vmFd uintptr, dev *Device) error {
	_, err := Ioctl(vmFd, IIOWR(kvmCreateDevice, unsafe.Sizeof(*dev)), uintptr(unsafe.Pointer(dev)))

	return err
}

// Translation is the result of translating a vcpu's virtual address to a
// guest-physical one, honoring the vcpu's current paging mode.
type Translation struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// Translate walks the vcpu's page tables to resolve t.LinearAddress,
// filling in the rest of t.
func Translate(vcpuFd uintptr, t *Translation) error {
	_, err := Ioctl(vcpuFd, IIOWR(kvmTranslate, unsafe.Sizeof(*t)), uintptr(unsafe.Pointer(t)))

	return err
}
