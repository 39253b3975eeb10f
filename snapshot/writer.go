package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/snapvm/snapvm/kvm"
	"github.com/snapvm/snapvm/memregion"
	"github.com/snapvm/snapvm/migration"
)

const pageSize = 4096

// machineState is the subset of *machine.Machine the Writer needs. Kept as
// an interface so snapshot has no import-cycle dependency on machine.
type machineState interface {
	NCPUs() int
	Mem() []byte
	SaveCPUState(cpu int) (*migration.VCPUState, error)
	SaveVMState() (*migration.VMState, error)
	SaveDeviceState() (*migration.DeviceState, error)
	SupportedCPUID() (kvm.CPUID, error)
	QuiesceDevices() error
}

// Writer captures a machine's state into a versioned snapshot envelope.
type Writer struct {
	m         machineState
	mgr       *memregion.Manager
	daxDevice string
}

// NewWriter binds a Writer to a machine and its frozen memory layout.
func NewWriter(m machineState, mgr *memregion.Manager) *Writer {
	return &Writer{m: m, mgr: mgr}
}

// SetDaxDevice enables PMEM relocation: after the memory image is written,
// WriteFull/WriteDiff copy its non-hole pages into path and record a
// FaultMap, instead of leaving every page served from the memory file. It
// also configures mgr's DAX device, since relocation mmaps path through it.
func (w *Writer) SetDaxDevice(path string) {
	w.daxDevice = path
	w.mgr.SetDaxDevice(path)
}

// WriteFull captures full vCPU/VM/device state plus the complete guest
// memory image into statePath/memPath, encoding the envelope at
// targetVersion. The memory image is written before the envelope so PMEM
// relocation (if configured) can populate state.FaultMap first.
func (w *Writer) WriteFull(statePath, memPath string, targetVersion Version) error {
	state, err := w.capture()
	if err != nil {
		return err
	}

	if err := writeMemoryFull(memPath, w.m.Mem()); err != nil {
		return err
	}

	if err := w.relocateToDax(memPath, faultMapPath(statePath), state); err != nil {
		os.Remove(memPath)

		return err
	}

	if err := writeEnvelope(statePath, state, targetVersion); err != nil {
		os.Remove(memPath)

		return err
	}

	return nil
}

// WriteDiff captures vCPU/VM/device state plus only the pages marked dirty
// in bitmap, at their true guest-physical offsets, encoding the envelope
// at targetVersion. Pages the bitmap left as file holes relocate as
// FaultTagAbsent, the same as WriteFull's untouched pages.
func (w *Writer) WriteDiff(statePath, memPath string, bitmap []uint64, targetVersion Version) error {
	state, err := w.capture()
	if err != nil {
		return err
	}

	if err := writeMemoryDiff(memPath, w.m.Mem(), bitmap); err != nil {
		return err
	}

	if err := w.relocateToDax(memPath, faultMapPath(statePath), state); err != nil {
		os.Remove(memPath)

		return err
	}

	if err := writeEnvelope(statePath, state, targetVersion); err != nil {
		os.Remove(memPath)

		return err
	}

	return nil
}

// faultMapPath derives the FaultMap sidecar file's path from the state
// envelope's path.
func faultMapPath(statePath string) string {
	return statePath + ".faultmap"
}

// relocateToDax walks memPath page by page, copying every non-hole page
// into the configured DAX device and recording a FaultMap entry for it; a
// no-op when no DAX device was configured via SetDaxDevice, leaving every
// page served from the memory file as before.
func (w *Writer) relocateToDax(memPath, mapPath string, state *MicrovmState) error {
	if w.daxDevice == "" {
		return nil
	}

	mf, err := os.Open(memPath)
	if err != nil {
		return fmt.Errorf("open %q for dax relocation: %w", memPath, err)
	}
	defer mf.Close()

	info, err := mf.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", memPath, err)
	}

	length := uint64(info.Size())

	dax, err := w.mgr.MmapDaxRegion(length)
	if err != nil {
		return err
	}

	numPages := (length + pageSize - 1) / pageSize
	entries := make([]FaultMapEntry, numPages)
	buf := make([]byte, pageSize)

	for i := uint64(0); i < numPages; i++ {
		n, err := mf.ReadAt(buf, int64(i*pageSize))
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read page %d of %q: %w", i, memPath, err)
		}

		page := buf[:n]

		if isZeroPage(page) {
			entries[i] = FaultMapEntry{Tag: FaultTagAbsent}

			continue
		}

		// Stand-in for a non-temporal store: Go has no portable way to
		// bypass cache on a copy, so relocation just copies the page.
		copy(dax[i*pageSize:], page)

		entries[i] = FaultMapEntry{Tag: FaultTagDaxPage, Payload: i}
	}

	state.FaultMap = entries

	fmf, err := os.Create(mapPath)
	if err != nil {
		return fmt.Errorf("create %q: %w", mapPath, err)
	}
	defer fmf.Close()

	if err := EncodeFaultMap(fmf, entries); err != nil {
		os.Remove(mapPath)

		return fmt.Errorf("encode faultmap %q: %w", mapPath, err)
	}

	return nil
}

func isZeroPage(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}

	return true
}

func (w *Writer) capture() (*MicrovmState, error) {
	// Let in-flight net/blk transfers finish before anything below reads
	// device or guest-memory state, so capture never races a device
	// goroutine's write.
	if err := w.m.QuiesceDevices(); err != nil {
		return nil, fmt.Errorf("quiesce devices: %w", err)
	}

	state := &MicrovmState{
		NCPUs:   w.m.NCPUs(),
		MemSize: uint64(len(w.m.Mem())),
		Regions: w.mgr.Regions(),
	}

	cpuid, err := w.m.SupportedCPUID()
	if err != nil {
		return nil, fmt.Errorf("capture supported cpuid: %w", err)
	}

	state.CPUID = cpuid

	for cpu := 0; cpu < w.m.NCPUs(); cpu++ {
		cs, err := w.m.SaveCPUState(cpu)
		if err != nil {
			return nil, fmt.Errorf("capture cpu%d: %w", cpu, err)
		}

		state.VCPUs = append(state.VCPUs, *cs)
	}

	vmState, err := w.m.SaveVMState()
	if err != nil {
		return nil, fmt.Errorf("capture vm state: %w", err)
	}

	state.VM = *vmState

	devState, err := w.m.SaveDeviceState()
	if err != nil {
		return nil, fmt.Errorf("capture device state: %w", err)
	}

	state.Devices = *devState

	return state, nil
}

func writeEnvelope(path string, state *MicrovmState, targetVersion Version) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %q: %w", path, err)
	}
	defer f.Close()

	if err := Encode(f, state, targetVersion); err != nil {
		os.Remove(path)

		return fmt.Errorf("encode %q: %w", path, err)
	}

	return nil
}

// writeMemoryFull writes mem to path as a plain, offset-addressed byte
// stream, matching machine.Machine.SaveMemory's own shape.
func writeMemoryFull(path string, mem []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %q: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(mem); err != nil {
		os.Remove(path)

		return fmt.Errorf("write %q: %w", path, err)
	}

	return nil
}

// writeMemoryDiff writes only the pages marked in bitmap to path, each at
// its true guest-physical offset (a sparse file), matching
// machine.Machine.TransferDirtyPages' addressing.
func writeMemoryDiff(path string, mem []byte, bitmap []uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %q: %w", path, err)
	}
	defer f.Close()

	for wordIdx, word := range bitmap {
		if word == 0 {
			continue
		}

		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) == 0 {
				continue
			}

			pageIdx := wordIdx*64 + bit
			offset := pageIdx * pageSize

			if offset+pageSize > len(mem) {
				break
			}

			if _, err := f.WriteAt(mem[offset:offset+pageSize], int64(offset)); err != nil {
				os.Remove(path)

				return fmt.Errorf("write page %d to %q: %w", pageIdx, path, err)
			}
		}
	}

	return nil
}
