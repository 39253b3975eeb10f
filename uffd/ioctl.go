// Package uffd implements the page-fault handler protocol: the host side of
// a lazy, userfaultfd-backed memory region. A Registrar owns the kernel
// userfaultfd facility and serves UFFD_EVENT_PAGEFAULT notifications by
// asking a Source for page contents and filling the fault with
// UFFDIO_COPY/UFFDIO_CONTINUE/UFFDIO_ZEROPAGE.
//
// Grounded on ricardobranco777/go-userfaultfd's minimal New/Register/Serve
// shape and the e2b-dev-infra orchestrator's poll-loop/errgroup dispatch
// design.
package uffd

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const uffdioMagic = 0xaa

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	const (
		nrShift   = 0
		typeShift = nrShift + 8
		sizeShift = typeShift + 8
		dirShift  = sizeShift + 14
	)

	return (dir << dirShift) | (uffdioMagic << typeShift) | (nr << nrShift) | (size << sizeShift)
}

type uffdioAPI struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

type uffdioRange struct {
	Start uint64
	Len   uint64
}

type uffdioRegister struct {
	Range  uffdioRange
	Mode   uint64
	Ioctls uint64
}

type uffdioCopy struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

type uffdioZeropage struct {
	Range    uffdioRange
	Mode     uint64
	Zeropage int64
}

type uffdioWriteProtect struct {
	Range uffdioRange
	Mode  uint64
}

type uffdioContinue struct {
	Range  uffdioRange
	Mode   uint64
	Mapped int64
}

var (
	uffdioAPIIoctl         = ioc(iocRead|iocWrite, 0x3f, unsafe.Sizeof(uffdioAPI{}))
	uffdioRegisterIoctl    = ioc(iocRead|iocWrite, 0x00, unsafe.Sizeof(uffdioRegister{}))
	uffdioUnregisterIoctl  = ioc(iocRead, 0x01, unsafe.Sizeof(uffdioRange{}))
	uffdioCopyIoctl        = ioc(iocRead|iocWrite, 0x03, unsafe.Sizeof(uffdioCopy{}))
	uffdioZeropageIoctl    = ioc(iocRead|iocWrite, 0x04, unsafe.Sizeof(uffdioZeropage{}))
	uffdioWriteProtectIoc  = ioc(iocRead|iocWrite, 0x06, unsafe.Sizeof(uffdioWriteProtect{}))
	uffdioContinueIoctl    = ioc(iocRead|iocWrite, 0x07, unsafe.Sizeof(uffdioContinue{}))
)

const (
	registerModeMissing = uint64(1) << 0
	registerModeWP      = uint64(1) << 1

	copyModeWP = uint64(1) << 1

	apiVersion = uint64(0xAA)
)

// uffdMsg mirrors struct uffd_msg: an 8-byte header (event + reserved
// fields) followed by a 24-byte union arm, 32 bytes total.
type uffdMsg struct {
	Event uint8
	_     [7]byte
	Arg   [24]byte
}

const uffdEventPagefault = 0x12

const (
	pagefaultFlagWrite = uint64(1) << 0
	pagefaultFlagWP    = uint64(1) << 1
)

type uffdPagefault struct {
	Flags   uint64
	Address uint64
	Ptid    uint32
	_       uint32
}

// open creates a new userfaultfd via the userfaultfd(2) syscall and
// negotiates the API version, matching ricardobranco777's New(flags, 0).
func open() (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return -1, fmt.Errorf("userfaultfd: %w", errno)
	}

	api := uffdioAPI{API: apiVersion}
	if err := ioctl(int(fd), uffdioAPIIoctl, unsafe.Pointer(&api)); err != nil {
		unix.Close(int(fd))

		return -1, fmt.Errorf("UFFDIO_API: %w", err)
	}

	return int(fd), nil
}

func register(fd int, start, length uint64, mode uint64) error {
	reg := uffdioRegister{Range: uffdioRange{Start: start, Len: length}, Mode: mode}
	if err := ioctl(fd, uffdioRegisterIoctl, unsafe.Pointer(&reg)); err != nil {
		return fmt.Errorf("UFFDIO_REGISTER: %w", err)
	}

	return nil
}

func unregister(fd int, start, length uint64) error {
	r := uffdioRange{Start: start, Len: length}
	if err := ioctl(fd, uffdioUnregisterIoctl, unsafe.Pointer(&r)); err != nil {
		return fmt.Errorf("UFFDIO_UNREGISTER: %w", err)
	}

	return nil
}

func copyPage(fd int, dst uint64, src []byte, mode uint64) error {
	c := uffdioCopy{
		Dst:  dst,
		Src:  uint64(uintptr(unsafe.Pointer(&src[0]))),
		Len:  uint64(len(src)),
		Mode: mode,
	}

	return ioctl(fd, uffdioCopyIoctl, unsafe.Pointer(&c))
}

func zeroPage(fd int, dst, length uint64) error {
	z := uffdioZeropage{Range: uffdioRange{Start: dst, Len: length}}

	return ioctl(fd, uffdioZeropageIoctl, unsafe.Pointer(&z))
}

func writeProtect(fd int, start, length uint64, mode uint64) error {
	wp := uffdioWriteProtect{Range: uffdioRange{Start: start, Len: length}, Mode: mode}

	return ioctl(fd, uffdioWriteProtectIoc, unsafe.Pointer(&wp))
}

func continuePage(fd int, dst, length uint64) error {
	c := uffdioContinue{Range: uffdioRange{Start: dst, Len: length}}

	return ioctl(fd, uffdioContinueIoctl, unsafe.Pointer(&c))
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}
