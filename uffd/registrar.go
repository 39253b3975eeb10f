package uffd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/snapvm/snapvm/memregion"
)

// maxFillWorkers bounds the errgroup dispatching page fills, so a storm of
// faults can't spawn an unbounded number of goroutines.
const maxFillWorkers = 256

// ErrAlreadyPresent is returned (and treated as a no-op success) when the
// kernel reports EEXIST for a fill: some other worker already satisfied
// this page.
var ErrAlreadyPresent = errors.New("uffd: page already present")

type attachedRegion struct {
	region memregion.Region
	base   uint64
	length uint64
}

// Registrar owns one host userfaultfd facility, the regions registered
// against it, and the worker pool that serves page faults.
type Registrar struct {
	fd       int
	pageSize int
	regions  []attachedRegion
	source   Source
	wg       errgroup.Group
}

// NewRegistrar opens a new userfaultfd and negotiates the UFFD API,
// serving faults from source.
func NewRegistrar(source Source, pageSize int) (*Registrar, error) {
	fd, err := open()
	if err != nil {
		return nil, err
	}

	r := &Registrar{fd: fd, pageSize: pageSize, source: source}
	r.wg.SetLimit(maxFillWorkers)

	return r, nil
}

// Attach registers [base, base+length) with UFFDIO_REGISTER_MODE_MISSING.
func (r *Registrar) Attach(region memregion.Region, base uintptr, length int) error {
	if err := register(r.fd, uint64(base), uint64(length), registerModeMissing); err != nil {
		return err
	}

	r.regions = append(r.regions, attachedRegion{region: region, base: uint64(base), length: uint64(length)})

	return nil
}

// Close unregisters every attached region and closes the uffd fd.
func (r *Registrar) Close() error {
	var firstErr error

	for _, a := range r.regions {
		if err := unregister(r.fd, a.base, a.length); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := unix.Close(r.fd); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// Serve polls the uffd fd and exitFd until exitFd becomes readable, at
// which point it waits for in-flight fills to drain and returns.
func (r *Registrar) Serve(ctx context.Context, exitFd int) error {
	pollFds := []unix.PollFd{
		{Fd: int32(r.fd), Events: unix.POLLIN},
		{Fd: int32(exitFd), Events: unix.POLLIN},
	}

	for {
		_, err := unix.Poll(pollFds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return fmt.Errorf("uffd: poll: %w", err)
		}

		if pollFds[1].Revents&unix.POLLIN != 0 {
			return r.wg.Wait()
		}

		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		if err := r.readAndDispatch(ctx); err != nil {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}

			return err
		}
	}
}

func (r *Registrar) readAndDispatch(ctx context.Context) error {
	buf := make([]byte, unsafe.Sizeof(uffdMsg{}))

	n, err := unix.Read(r.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return nil
		}

		return fmt.Errorf("uffd: read: %w", err)
	}

	if n == 0 {
		return nil
	}

	msg := *(*uffdMsg)(unsafe.Pointer(&buf[0]))

	if msg.Event != uffdEventPagefault {
		log.Printf("uffd: ignoring non-pagefault event %#x", msg.Event)

		return nil
	}

	pf := *(*uffdPagefault)(unsafe.Pointer(&msg.Arg[0]))

	region, ok := r.regionFor(pf.Address)
	if !ok {
		log.Printf("uffd: fault at %#x outside any attached region", pf.Address)

		return nil
	}

	pageAddr := pf.Address - (pf.Address % uint64(r.pageSize))
	pageIdx := (pageAddr - region.base) / uint64(r.pageSize)
	wp := pf.Flags&pagefaultFlagWP != 0

	r.wg.Go(func() error {
		return r.fill(ctx, pageAddr, pageIdx, wp)
	})

	return nil
}

func (r *Registrar) regionFor(addr uint64) (attachedRegion, bool) {
	for _, a := range r.regions {
		if addr >= a.base && addr < a.base+a.length {
			return a, true
		}
	}

	return attachedRegion{}, false
}

// fill resolves and serves one faulted page. A write-protect notification
// just lifts the WP bit (the page is already present); a missing-page
// notification asks the source for contents, falling back through
// zero-fill on ErrPeerGone, and treats EEXIST as the at-most-once
// guarantee being satisfied by a racing worker rather than an error.
func (r *Registrar) fill(ctx context.Context, pageAddr, pageIdx uint64, wp bool) error {
	if wp {
		if err := writeProtect(r.fd, pageAddr, uint64(r.pageSize), 0); err != nil {
			if errors.Is(err, unix.ENOENT) {
				return nil
			}

			return fmt.Errorf("uffd: remove write protection at %#x: %w", pageAddr, err)
		}

		return nil
	}

	page, tag, err := r.source.ReadPage(ctx, pageIdx)
	if errors.Is(err, ErrPeerGone) {
		log.Printf("uffd: source unreachable for page %d, falling back to zero-fill", pageIdx)

		page, tag = make([]byte, r.pageSize), TagZeroFill
	} else if err != nil {
		return fmt.Errorf("uffd: read page %d: %w", pageIdx, err)
	}

	var fillErr error

	switch tag {
	case TagDax:
		fillErr = continuePage(r.fd, pageAddr, uint64(r.pageSize))
	case TagZeroFill:
		fillErr = zeroPage(r.fd, pageAddr, uint64(r.pageSize))
	default:
		fillErr = copyPage(r.fd, pageAddr, page, 0)
	}

	if errors.Is(fillErr, unix.EEXIST) {
		return nil
	}

	if fillErr != nil {
		return fmt.Errorf("uffd: fill page %d via %s: %w", pageIdx, tag, fillErr)
	}

	return nil
}
