package pci

import "unsafe"

// BytesToNum decodes a little-endian byte slice (length 1, 2, 4 or 8) into
// a uint64.
func BytesToNum(b []byte) uint64 {
	var v uint64

	for i, c := range b {
		v |= uint64(c) << (8 * i)
	}

	return v
}

// NumToBytes encodes an unsigned integer as little-endian bytes. Unsupported
// types return an empty (non-nil) slice.
func NumToBytes(num interface{}) []byte {
	switch v := num.(type) {
	case uint8:
		return []byte{v}
	case uint16:
		return []byte{byte(v), byte(v >> 8)}
	case uint32:
		return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	case uint64:
		return []byte{
			byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
			byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
		}
	default:
		return []byte{}
	}
}

// structBytes returns a byte slice that aliases the in-memory layout of a
// fixed-size struct, matching how the teacher's migration codec captures KVM
// structs without an encoding step.
func structBytes[T any](v *T) []byte {
	b := make([]byte, unsafe.Sizeof(*v))
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v)))

	return b
}
