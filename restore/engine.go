// Package restore reconstructs a paused, optionally running, microVM from
// a snapshot envelope in the fixed order SPEC_FULL.md §4.D documents:
// envelope -> memory regions -> vCPUs -> devices -> clock/PIT -> dirty
// tracking re-arm -> Paused -> optionally Running.
package restore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/snapvm/snapvm/kvm"
	"github.com/snapvm/snapvm/memregion"
	"github.com/snapvm/snapvm/migration"
	"github.com/snapvm/snapvm/snapshot"
)

var (
	// ErrIncompatibleSnapshot indicates the snapshot's recorded CPU
	// features or memory layout cannot be honored by this host.
	ErrIncompatibleSnapshot = errors.New("restore: incompatible snapshot")
	// ErrKernelFacility wraps an underlying ioctl failure during restore.
	ErrKernelFacility = errors.New("restore: kernel facility error")
)

// Options configures how a snapshot is loaded.
type Options struct {
	MemBackend memregion.BackingKind
	// DaxDevice is the DAX device node to mmap when MemBackend is
	// DaxMapped, or that a uffd restore layers under a FaultMap's
	// FaultTagDaxPage entries.
	DaxDevice   string
	EnableDiff  bool
	ResumeAfter bool
}

// machineState is the subset of *machine.Machine the Engine needs.
type machineState interface {
	VMFd() uintptr
	KVMFd() uintptr
	Mem() []byte
	NCPUs() int
	VCPUFds() []uintptr
	RestoreCPUState(cpu int, state *migration.VCPUState) error
	RestoreVMState(state *migration.VMState) error
	RestoreDeviceState(ds *migration.DeviceState) error
	SupportedCPUID() (kvm.CPUID, error)
}

// Engine reconstructs a machine from a snapshot.
type Engine struct {
	m   machineState
	mgr *memregion.Manager
}

// New binds an Engine to a machine and the memory layout manager that will
// own its regions once loaded.
func New(m machineState, mgr *memregion.Manager) *Engine {
	return &Engine{m: m, mgr: mgr}
}

// LoadSnapshot reconstructs m from statePath/memPath per opts. It returns
// the decoded state so the caller can act on fields the engine itself
// doesn't consume -- vmm.VMM uses state.FaultMap to wire a DAX-aware uffd
// source and state.Regions to seed the post-resume prefetch set.
func (e *Engine) LoadSnapshot(statePath, memPath string, opts Options) (*snapshot.MicrovmState, error) {
	// Step 1: decode the envelope. Version mismatch fails with no side
	// effects yet.
	state, err := decodeEnvelope(statePath)
	if err != nil {
		return nil, err
	}

	if uint64(len(e.m.Mem())) < state.MemSize {
		return nil, fmt.Errorf("%w: snapshot needs %d bytes, machine has %d",
			ErrIncompatibleSnapshot, state.MemSize, len(e.m.Mem()))
	}

	// Step 2-3: declare/freeze/install memory regions, load memory bytes
	// for non-lazy backends now.
	if err := e.installRegions(state, opts); err != nil {
		return nil, err
	}

	if opts.MemBackend != memregion.UffdRegistered {
		if err := loadMemory(memPath, e.m.Mem(), opts.EnableDiff); err != nil {
			return nil, fmt.Errorf("load memory: %w", err)
		}
	}

	// Step 4: restore vCPU state, checking CPUID compatibility first.
	if err := e.checkCPUIDCompat(state); err != nil {
		return nil, err
	}

	for cpu, vs := range state.VCPUs {
		if cpu >= e.m.NCPUs() {
			return nil, fmt.Errorf("%w: snapshot has %d vcpus, machine has %d",
				ErrIncompatibleSnapshot, len(state.VCPUs), e.m.NCPUs())
		}

		if err := e.m.RestoreCPUState(cpu, &vs); err != nil {
			return nil, fmt.Errorf("%w: restore cpu%d: %v", ErrKernelFacility, cpu, err)
		}
	}

	// Step 5: restore devices. machine.RestoreDeviceState visits them in
	// ascending PCI device-id order -- the order recorded in the state
	// file -- since device restore can re-inject IRQs.
	if err := e.m.RestoreDeviceState(&state.Devices); err != nil {
		return nil, fmt.Errorf("%w: restore devices: %v", ErrKernelFacility, err)
	}

	// Step 6: restore VM-level state, then re-arm dirty tracking.
	if err := e.m.RestoreVMState(&state.VM); err != nil {
		return nil, fmt.Errorf("%w: restore vm state: %v", ErrKernelFacility, err)
	}

	if err := e.mgr.EnableDirtyTracking(); err != nil {
		return nil, fmt.Errorf("%w: re-arm dirty tracking: %v", ErrKernelFacility, err)
	}

	// Step 7/8: the vm is now Paused; Resume (transition to Running) and
	// the WorkingSet prefetch that follows it are caller-level decisions
	// that, if they fail, leave the vm Paused rather than tearing it
	// down -- the caller (vmm.VMM.LoadSnapshot) owns that transition,
	// this engine only reports whether it was requested.
	_ = opts.ResumeAfter

	return state, nil
}

func decodeEnvelope(statePath string) (*snapshot.MicrovmState, error) {
	f, err := os.Open(statePath)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", statePath, err)
	}
	defer f.Close()

	state, _, err := snapshot.Decode(f)
	if err != nil {
		return nil, err
	}

	return state, nil
}

func (e *Engine) installRegions(state *snapshot.MicrovmState, opts Options) error {
	backend := opts.MemBackend

	for _, r := range state.Regions {
		// opts.MemBackend is the caller's explicit choice of how to back
		// restored memory (anonymous/file/dax/uffd) -- it always wins
		// over whatever backing kind the snapshot happened to record,
		// since the snapshot's origin host may have used a backend this
		// host doesn't have available.
		if err := e.mgr.DeclareRegion(r.Name, r.Base, r.Length, backend); err != nil {
			return fmt.Errorf("%w: declare region %q: %v", memregion.ErrLayoutConflict, r.Name, err)
		}
	}

	if len(state.Regions) == 0 {
		if err := e.mgr.DeclareRegion("main", 0, uint64(len(e.m.Mem())), backend); err != nil {
			return fmt.Errorf("%w: declare main region: %v", memregion.ErrLayoutConflict, err)
		}
	}

	if err := e.mgr.FreezeLayout(); err != nil {
		return fmt.Errorf("%w: %v", memregion.ErrLayoutConflict, err)
	}

	if backend == memregion.DaxMapped && opts.DaxDevice != "" {
		e.mgr.SetDaxDevice(opts.DaxDevice)
	}

	mem := e.m.Mem()

	for _, r := range e.mgr.Regions() {
		if err := e.mgr.InstallBacking(r.Name, hostAddrOf(mem, r.Base)); err != nil {
			return fmt.Errorf("%w: %v", memregion.ErrBackingUnavailable, err)
		}
	}

	return nil
}

// checkCPUIDCompat intersects this host's supported CPUID leaves against
// the ones the snapshot's origin host had recorded as in use: every
// feature bit (ECX/EDX) set on a snapshot leaf must also be set on the
// matching host leaf, or the snapshot cannot be safely resumed here.
func (e *Engine) checkCPUIDCompat(state *snapshot.MicrovmState) error {
	supported, err := e.m.SupportedCPUID()
	if err != nil {
		return fmt.Errorf("%w: GetSupportedCPUID: %v", ErrKernelFacility, err)
	}

	hostLeaves := make(map[cpuidKey]kvm.CPUIDEntry2, supported.Nent)
	for _, leaf := range supported.Entries[:supported.Nent] {
		hostLeaves[cpuidKey{leaf.Function, leaf.Index}] = leaf
	}

	for _, want := range state.CPUID.Entries[:state.CPUID.Nent] {
		have, ok := hostLeaves[cpuidKey{want.Function, want.Index}]
		if !ok {
			return fmt.Errorf("%w: cpuid leaf %#x/%#x not supported on this host",
				ErrIncompatibleSnapshot, want.Function, want.Index)
		}

		if want.Ecx&^have.Ecx != 0 || want.Edx&^have.Edx != 0 {
			return fmt.Errorf("%w: cpuid leaf %#x/%#x requires features this host lacks",
				ErrIncompatibleSnapshot, want.Function, want.Index)
		}
	}

	return nil
}

// cpuidKey identifies a CPUID leaf by function and sub-leaf index.
type cpuidKey struct {
	Function uint32
	Index    uint32
}

func loadMemory(memPath string, mem []byte, _ bool) error {
	f, err := os.Open(memPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", memPath, err)
	}
	defer f.Close()

	// A diff snapshot's memory file is sparse-written at true
	// guest-physical offsets (see snapshot.writeMemoryDiff) and may be
	// shorter than mem if no dirty page at or beyond some offset was ever
	// written; a short read simply leaves the remaining pages untouched.
	_, err = io.ReadFull(f, mem)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}

	return nil
}

func hostAddrOf(mem []byte, base uint64) uintptr {
	if base >= uint64(len(mem)) {
		return 0
	}

	return uintptr(unsafe.Pointer(&mem[base]))
}
