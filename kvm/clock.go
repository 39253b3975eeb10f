package kvm

import "unsafe"

// ClockData is the guest's kvmclock, captured so a restored guest resumes
// with a plausible notion of elapsed time instead of snapping back to zero.
type ClockData struct {
	Clock    uint64
	Flags    uint32
	_        uint32
	_        [2]uint64
	_        uint32
	_        uint32
	_        [4]uint64
}

// GetClock reads the current kvmclock value for a vm into c.
func GetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetClock, unsafe.Sizeof(ClockData{})), uintptr(unsafe.Pointer(c)))

	return err
}

// SetClock restores a previously captured kvmclock value.
func SetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetClock, unsafe.Sizeof(ClockData{})), uintptr(unsafe.Pointer(c)))

	return err
}

// GetTSCKHz returns the vcpu's virtual TSC frequency in KHz, so a restored
// guest can be given a host with a matching or emulated rate.
func GetTSCKHz(vcpuFd uintptr) (uint64, error) {
	freq, err := Ioctl(vcpuFd, IIO(kvmGetTSCKHz), 0)

	return uint64(freq), err
}

// SetTSCKHz sets the vcpu's virtual TSC frequency in KHz.
func SetTSCKHz(vcpuFd uintptr, freq uint64) error {
	_, err := Ioctl(vcpuFd, IIO(kvmSetTSCKHz), uintptr(freq))

	return err
}
