package kvm

import "unsafe"

// UserSpaceMemoryRegion defines Memory Regions.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages sets region flags to log dirty pages.
// This is useful in many situations, including migration.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks a region as read only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion adds a memory region to a vm -- not a vcpu, a vm.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr sets the three-page region used for the task segment selector,
// just below the last addressable guest page.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), uintptr(addr))

	return err
}

// SetIdentityMapAddr sets the address of the identity-mapped page used for
// real-mode to protected-mode transitions.
func SetIdentityMapAddr(vmFd uintptr, addr uint64) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&addr)))

	return err
}

// SetNrMMUPages sets the number of pages KVM reserves for shadow MMU
// bookkeeping on this vm.
func SetNrMMUPages(vmFd uintptr, n uint64) error {
	_, err := Ioctl(vmFd, IIO(kvmSetNrMMUPages), uintptr(n))

	return err
}

// GetNrMMUPages returns the current shadow MMU page reservation.
func GetNrMMUPages(vmFd uintptr, n *uint64) error {
	ret, err := Ioctl(vmFd, IIO(kvmGetNrMMUPages), 0)
	*n = uint64(ret)

	return err
}

// coalescedMMIOZone names a guest-physical range whose MMIO writes are
// buffered in the coalesced-MMIO ring instead of exiting on every access.
type coalescedMMIOZone struct {
	Addr    uint64
	Size    uint32
	PadOrPIO uint32
}

// RegisterCoalescedMMIO enables write-coalescing for [addr, addr+size).
func RegisterCoalescedMMIO(vmFd uintptr, addr uint64, size uint32) error {
	zone := coalescedMMIOZone{Addr: addr, Size: size}
	_, err := Ioctl(vmFd, IIOW(kvmRegisterCoalescedIO, unsafe.Sizeof(zone)), uintptr(unsafe.Pointer(&zone)))

	return err
}

// UnregisterCoalescedMMIO disables write-coalescing for [addr, addr+size).
func UnregisterCoalescedMMIO(vmFd uintptr, addr uint64, size uint32) error {
	zone := coalescedMMIOZone{Addr: addr, Size: size}
	_, err := Ioctl(vmFd, IIOW(kvmUnregisterCoalesced, unsafe.Sizeof(zone)), uintptr(unsafe.Pointer(&zone)))

	return err
}
