package kvm

import "unsafe"

type xcrEntry struct {
	XCR   uint32
	_     uint32
	Value uint64
}

// XCRS holds the extended control registers (XCR0 and friends) that gate
// which AVX/SSE state components a vcpu has enabled.
type XCRS struct {
	NRXCRS uint32
	Flags  uint32
	XCRs   [16]xcrEntry
	_      [16]uint64
}

// GetXCRS captures a vcpu's extended control registers into x.
func GetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(x)))

	return err
}

// SetXCRS restores a vcpu's extended control registers.
func SetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(x)))

	return err
}
