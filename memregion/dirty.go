package memregion

import (
	"fmt"
	"unsafe"

	"github.com/snapvm/snapvm/kvm"
)

const pageSize = 4096

// EnableDirtyTracking re-registers every frozen region with
// KVM_MEM_LOG_DIRTY_PAGES, generalizing machine.Machine's own
// whole-of-memory EnableDirtyTracking to one call per declared region.
// Called after FreezeLayout/InstallBacking, and again after a restore
// (SPEC_FULL.md restore engine step 6) so subsequent differential
// snapshots have a bitmap to read.
func (m *Manager) EnableDirtyTracking() error {
	mem := m.vm.Mem()

	for _, r := range m.regions {
		if r.Kind == UffdRegistered {
			continue
		}

		region := &kvm.UserspaceMemoryRegion{
			Slot:          r.Slot,
			GuestPhysAddr: r.Base,
			MemorySize:    r.Length,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[r.Base]))),
		}
		region.SetMemLogDirtyPages()

		if err := kvm.SetUserMemoryRegion(m.vm.VMFd(), region); err != nil {
			return fmt.Errorf("enable dirty tracking for %q: %w", r.Name, err)
		}
	}

	return nil
}

// DirtyBitmap returns the dirty-page bitmap across every tracked region,
// concatenated in slot order. KVM atomically clears each region's bitmap
// as it is read.
func (m *Manager) DirtyBitmap() ([]uint64, error) {
	var out []uint64

	for _, r := range m.regions {
		if r.Kind == UffdRegistered {
			continue
		}

		numPages := (r.Length + pageSize - 1) / pageSize
		words := (numPages + 63) / 64

		bitmap := make([]uint64, words)

		dl := &kvm.DirtyLog{
			Slot:   r.Slot,
			BitMap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
		}

		if err := kvm.GetDirtyLog(m.vm.VMFd(), dl); err != nil {
			return nil, fmt.Errorf("GetDirtyLog(%q): %w", r.Name, err)
		}

		out = append(out, bitmap...)
	}

	return out, nil
}
