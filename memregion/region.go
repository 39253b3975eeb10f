// Package memregion owns the microVM's guest-physical address space layout
// and the backing mechanism behind each region: which KVM memory slot it
// occupies, whether it is anonymous, file-backed, DAX-mapped, or handed off
// to userfaultfd, and the dirty-page bitmap KVM keeps for it.
package memregion

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/snapvm/snapvm/kvm"
)

// BackingKind names the mechanism behind a region's host memory.
type BackingKind int

const (
	AnonymousPrivate BackingKind = iota
	FilePrivateMmap
	FileSharedMmap
	DaxMapped
	UffdRegistered
)

func (k BackingKind) String() string {
	switch k {
	case AnonymousPrivate:
		return "anonymous-private"
	case FilePrivateMmap:
		return "file-private-mmap"
	case FileSharedMmap:
		return "file-shared-mmap"
	case DaxMapped:
		return "dax-mapped"
	case UffdRegistered:
		return "uffd-registered"
	default:
		return fmt.Sprintf("BackingKind(%d)", int(k))
	}
}

var (
	// ErrLayoutConflict indicates two declared regions overlap, or that
	// the layout was already frozen.
	ErrLayoutConflict = errors.New("memregion: layout conflict")
	// ErrBackingUnavailable indicates a region's backing store could not
	// be established (missing file, failed mmap, absent DAX device).
	ErrBackingUnavailable = errors.New("memregion: backing unavailable")
)

// Region describes one contiguous span of guest-physical address space.
type Region struct {
	Name   string
	Base   uint64
	Length uint64
	Kind   BackingKind
	Slot   uint32
}

// vmFder is the subset of *machine.Machine the manager needs. Expressed as
// an interface so memregion has no import-cycle dependency on machine.
type vmFder interface {
	VMFd() uintptr
	Mem() []byte
}

// Manager owns the frozen region layout for one microVM.
type Manager struct {
	vm       vmFder
	regions  []Region
	byName   map[string]int
	frozen   bool
	nextSlot uint32

	daxDevice   string
	daxMappings map[string][]byte
}

// SetDaxDevice configures the DAX device node (e.g. /dev/dax0.0) backing any
// region declared DaxMapped. Must be called before InstallBacking for such
// a region.
func (m *Manager) SetDaxDevice(path string) {
	m.daxDevice = path
}

// New creates a Manager bound to a running machine.
func New(vm vmFder) *Manager {
	return &Manager{
		vm:     vm,
		byName: make(map[string]int),
	}
}

// DeclareRegion registers a region before the layout is frozen.
func (m *Manager) DeclareRegion(name string, base, length uint64, kind BackingKind) error {
	if m.frozen {
		return fmt.Errorf("declare %q after freeze: %w", name, ErrLayoutConflict)
	}

	if _, exists := m.byName[name]; exists {
		return fmt.Errorf("region %q already declared: %w", name, ErrLayoutConflict)
	}

	for _, r := range m.regions {
		if base < r.Base+r.Length && r.Base < base+length {
			return fmt.Errorf("region %q [%#x,%#x) overlaps %q [%#x,%#x): %w",
				name, base, base+length, r.Name, r.Base, r.Base+r.Length, ErrLayoutConflict)
		}
	}

	m.regions = append(m.regions, Region{Name: name, Base: base, Length: length, Kind: kind})
	m.byName[name] = len(m.regions) - 1

	return nil
}

// FreezeLayout assigns KVM memory slots in base-address order and installs
// them via KVM_SET_USER_MEMORY_REGION. No further DeclareRegion calls are
// accepted afterward.
func (m *Manager) FreezeLayout() error {
	if m.frozen {
		return fmt.Errorf("freeze called twice: %w", ErrLayoutConflict)
	}

	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })

	for i := range m.regions {
		m.byName[m.regions[i].Name] = i
	}

	m.frozen = true

	for i := range m.regions {
		m.regions[i].Slot = uint32(i)
	}

	m.nextSlot = uint32(len(m.regions))

	return nil
}

// Region returns the region registered under name.
func (m *Manager) Region(name string) (Region, bool) {
	idx, ok := m.byName[name]
	if !ok {
		return Region{}, false
	}

	return m.regions[idx], true
}

// Regions returns the frozen layout in slot order.
func (m *Manager) Regions() []Region {
	return m.regions
}

// InstallBacking installs the region's backing store by mapping host into
// the guest-physical range via KVM_SET_USER_MEMORY_REGION. For
// UffdRegistered regions this only records bookkeeping: the uffd package
// owns the anonymous mmap and the UFFDIO_REGISTER call itself. For
// DaxMapped regions hostAddr is ignored: the region is backed by a fresh
// mmap of the configured DAX device instead of the machine's flat memory
// slice.
func (m *Manager) InstallBacking(name string, hostAddr uintptr) error {
	idx, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("unknown region %q: %w", name, ErrBackingUnavailable)
	}

	r := m.regions[idx]

	if r.Kind == UffdRegistered {
		return nil
	}

	if r.Kind == DaxMapped {
		b, err := m.mmapDaxDevice(r.Length)
		if err != nil {
			return err
		}

		if m.daxMappings == nil {
			m.daxMappings = make(map[string][]byte)
		}

		m.daxMappings[name] = b
		hostAddr = uintptr(unsafe.Pointer(&b[0]))
	}

	region := &kvm.UserspaceMemoryRegion{
		Slot:          r.Slot,
		GuestPhysAddr: r.Base,
		MemorySize:    r.Length,
		UserspaceAddr: uint64(hostAddr),
	}

	if r.Kind == FileSharedMmap {
		region.SetMemLogDirtyPages()
	}

	if err := kvm.SetUserMemoryRegion(m.vm.VMFd(), region); err != nil {
		return fmt.Errorf("install backing for %q: %w: %v", name, ErrBackingUnavailable, err)
	}

	return nil
}

// mmapDaxDevice opens and MAP_SHARED-mmaps m.daxDevice for length bytes.
// The device fd can be closed right after mmap succeeds: the mapping stays
// valid, matching how /dev/dax nodes are normally used.
func (m *Manager) mmapDaxDevice(length uint64) ([]byte, error) {
	if m.daxDevice == "" {
		return nil, fmt.Errorf("no DAX device configured: %w", ErrBackingUnavailable)
	}

	f, err := os.OpenFile(m.daxDevice, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open dax device %q: %w: %v", m.daxDevice, ErrBackingUnavailable, err)
	}
	defer f.Close()

	b, err := unix.Mmap(int(f.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap dax device %q: %w: %v", m.daxDevice, ErrBackingUnavailable, err)
	}

	return b, nil
}

// MmapDaxRegion exposes the same DAX mapping InstallBacking uses to callers
// that need the host range for a purpose other than a KVM memory slot -- the
// uffd registrar registers this exact range directly, so a fault on it can
// be resolved with UFFDIO_CONTINUE instead of a copy, since the page is
// already resident in the mapping.
func (m *Manager) MmapDaxRegion(length uint64) ([]byte, error) {
	return m.mmapDaxDevice(length)
}

// Translate maps a guest-physical offset within region to its host virtual
// address, assuming the region is backed by the machine's single flat
// memory slice (the only backing mode wired into *machine.Machine today).
func (m *Manager) Translate(region string, guestOffset uint64) (uintptr, error) {
	r, ok := m.Region(region)
	if !ok {
		return 0, fmt.Errorf("unknown region %q: %w", region, ErrBackingUnavailable)
	}

	if guestOffset >= r.Length {
		return 0, fmt.Errorf("offset %#x out of range for region %q (len %#x): %w",
			guestOffset, region, r.Length, ErrBackingUnavailable)
	}

	mem := m.vm.Mem()
	if int(r.Base+guestOffset) >= len(mem) {
		return 0, fmt.Errorf("region %q base %#x exceeds machine memory: %w", region, r.Base, ErrBackingUnavailable)
	}

	return uintptr(unsafe.Pointer(&mem[r.Base+guestOffset])), nil
}
