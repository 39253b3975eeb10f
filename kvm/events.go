package kvm

import "unsafe"

// VCPUEvents carries pending exceptions, interrupts and NMI state that would
// otherwise be lost between a vcpu's last KVM_RUN and its registers being
// read, so a snapshot taken mid-injection restores without dropping them.
type VCPUEvents struct {
	ExceptionInjected    uint8
	ExceptionNR          uint8
	ExceptionHasErrorCode uint8
	ExceptionPad         uint8
	ExceptionErrorCode   uint32

	InterruptInjected uint8
	InterruptNR       uint8
	InterruptSoft     uint8
	InterruptShadow   uint8

	NMIInjected uint8
	NMIPending  uint8
	NMIMasked   uint8
	NMIPad      uint8

	SipiVector uint32
	Flags      uint32

	SMISmm          uint8
	SMIPending      uint8
	SMISMMInHLT     uint8
	SMILatchedInit  uint8

	_ [27]uint8
}

// GetVCPUEvents captures pending-event state for a vcpu into e.
func GetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvent, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(e)))

	return err
}

// SetVCPUEvents restores pending-event state for a vcpu.
func SetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvent, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(e)))

	return err
}

// MPState is a vcpu's multiprocessing state (running, halted, init, sipi).
type MPState struct {
	State uint32
}

const (
	MPStateRunnable       = 0
	MPStateUninitialized  = 1
	MPStateInitReceived   = 2
	MPStateHalted         = 3
	MPStateSipiReceived   = 4
	MPStateStopped        = 5
)

// GetMPState captures a vcpu's multiprocessing state into s.
func GetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetMPState, unsafe.Sizeof(MPState{})), uintptr(unsafe.Pointer(s)))

	return err
}

// SetMPState restores a vcpu's multiprocessing state.
func SetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMPState, unsafe.Sizeof(MPState{})), uintptr(unsafe.Pointer(s)))

	return err
}
