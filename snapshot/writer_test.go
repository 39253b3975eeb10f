package snapshot_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/snapvm/snapvm/kvm"
	"github.com/snapvm/snapvm/memregion"
	"github.com/snapvm/snapvm/migration"
	"github.com/snapvm/snapvm/snapshot"
)

type fakeMachine struct {
	mem      []byte
	quiesced bool
}

func (f *fakeMachine) NCPUs() int  { return 1 }
func (f *fakeMachine) Mem() []byte { return f.mem }

func (f *fakeMachine) SaveCPUState(int) (*migration.VCPUState, error) {
	return &migration.VCPUState{Regs: []byte{1}}, nil
}

func (f *fakeMachine) SaveVMState() (*migration.VMState, error) {
	return &migration.VMState{}, nil
}

func (f *fakeMachine) SaveDeviceState() (*migration.DeviceState, error) {
	return &migration.DeviceState{}, nil
}

func (f *fakeMachine) SupportedCPUID() (kvm.CPUID, error) {
	return kvm.CPUID{}, nil
}

func (f *fakeMachine) QuiesceDevices() error {
	f.quiesced = true

	return nil
}

type fakeVM struct{ mem []byte }

func (f *fakeVM) VMFd() uintptr { return 0 }
func (f *fakeVM) Mem() []byte   { return f.mem }

func TestWriteFullQuiescesAndRoundTrips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	mem := make([]byte, 0x2000)
	for i := range mem {
		mem[i] = byte(i)
	}

	m := &fakeMachine{mem: mem}
	mgr := memregion.New(&fakeVM{mem: mem})
	w := snapshot.NewWriter(m, mgr)

	statePath := filepath.Join(dir, "s.state")
	memPath := filepath.Join(dir, "s.mem")

	if err := w.WriteFull(statePath, memPath, snapshot.CurrentVersion); err != nil {
		t.Fatalf("WriteFull: %v", err)
	}

	if !m.quiesced {
		t.Fatal("WriteFull did not quiesce devices before capture")
	}

	gotMem, err := os.ReadFile(memPath)
	if err != nil {
		t.Fatalf("read mem file: %v", err)
	}

	if !bytes.Equal(gotMem, mem) {
		t.Fatal("memory file does not match captured memory")
	}

	f, err := os.Open(statePath)
	if err != nil {
		t.Fatalf("open state file: %v", err)
	}
	defer f.Close()

	state, _, err := snapshot.Decode(f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(state.FaultMap) != 0 {
		t.Fatalf("FaultMap = %d entries, want 0 without SetDaxDevice", len(state.FaultMap))
	}
}

func TestWriteFullDaxDeviceMissing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mem := make([]byte, 0x1000)

	m := &fakeMachine{mem: mem}
	mgr := memregion.New(&fakeVM{mem: mem})
	w := snapshot.NewWriter(m, mgr)
	w.SetDaxDevice(filepath.Join(dir, "no-such-dax-device"))

	statePath := filepath.Join(dir, "s.state")
	memPath := filepath.Join(dir, "s.mem")

	err := w.WriteFull(statePath, memPath, snapshot.CurrentVersion)
	if !errors.Is(err, memregion.ErrBackingUnavailable) {
		t.Fatalf("WriteFull with missing dax device = %v, want ErrBackingUnavailable", err)
	}

	if _, err := os.Stat(memPath); !os.IsNotExist(err) {
		t.Fatal("WriteFull left the memory file behind after a failed relocation")
	}
}
