package kvm

import (
	"unsafe"
)

type MSRList struct {
	NMSRs    uint32
	Indicies [100]uint32
}

// GetMSRIndexList returns the guest msrs that are supported.
// The list varies by kvm version and host processor, but does not change otherwise.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	// This ugly hack is required to make the Ioctl work.
	// If tried like kvm.GetSupportedCPUID it doesn't work.
	// Maybe a difference in behavior on kernel side.
	tmp := struct {
		NMSRs uint32
	}{
		NMSRs: 100,
	}
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRIndexList, unsafe.Sizeof(tmp)),
		uintptr(unsafe.Pointer(list)))

	return err
}

// MSREntry is one model-specific register index/value pair.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// MSRS is a variable-length batch of MSREntry values. The kernel's
// kvm_msrs struct is nmsrs followed by a flexible array of entries, so
// Get/SetMSRs flatten Entries into a contiguous buffer around the ioctl
// call rather than passing this struct directly.
type MSRS struct {
	NMSRs   uint32
	Entries []MSREntry
}

func (m *MSRS) flatten() []byte {
	entrySize := int(unsafe.Sizeof(MSREntry{}))
	buf := make([]byte, 8+len(m.Entries)*entrySize)

	*(*uint32)(unsafe.Pointer(&buf[0])) = m.NMSRs

	if len(m.Entries) > 0 {
		copy(buf[8:], unsafe.Slice((*byte)(unsafe.Pointer(&m.Entries[0])), len(m.Entries)*entrySize))
	}

	return buf
}

func (m *MSRS) unflatten(buf []byte) {
	entrySize := int(unsafe.Sizeof(MSREntry{}))
	if len(m.Entries) > 0 {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(&m.Entries[0])), len(m.Entries)*entrySize), buf[8:])
	}
}

// GetMSRs reads the current value of each MSR named in msrs.Entries[i].Index.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	buf := msrs.flatten()

	_, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, uintptr(len(buf))), uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}

	msrs.unflatten(buf)

	return nil
}

// SetMSRs writes each MSR named in msrs.Entries.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	buf := msrs.flatten()

	_, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, uintptr(len(buf))), uintptr(unsafe.Pointer(&buf[0])))

	return err
}

// GetMSRFeatureIndexList returns the MSRs whose values are host-identical
// features rather than per-vcpu state, as reported by KVM_GET_MSR_FEATURE_INDEX_LIST.
func GetMSRFeatureIndexList(kvmFd uintptr, list *MSRList) error {
	tmp := struct {
		NMSRs uint32
	}{
		NMSRs: 100,
	}
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRFeatureList, unsafe.Sizeof(tmp)),
		uintptr(unsafe.Pointer(list)))

	return err
}
