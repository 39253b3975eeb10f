package kvm

import "unsafe"

// LAPICState is the raw 4k local APIC register page KVM exposes per vcpu.
type LAPICState struct {
	Regs [4096]byte
}

// GetLocalAPIC captures a vcpu's local APIC state into l.
func GetLocalAPIC(vcpuFd uintptr, l *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(l)))

	return err
}

// SetLocalAPIC restores a vcpu's local APIC state.
func SetLocalAPIC(vcpuFd uintptr, l *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(l)))

	return err
}
