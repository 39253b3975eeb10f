package restore_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/snapvm/snapvm/kvm"
	"github.com/snapvm/snapvm/memregion"
	"github.com/snapvm/snapvm/migration"
	"github.com/snapvm/snapvm/restore"
	"github.com/snapvm/snapvm/snapshot"
)

type fakeMachine struct {
	mem      []byte
	kvmFd    uintptr
	restored []int
	vmState  *migration.VMState
	devState *migration.DeviceState
}

func (f *fakeMachine) VMFd() uintptr      { return 0 }
func (f *fakeMachine) KVMFd() uintptr     { return f.kvmFd }
func (f *fakeMachine) Mem() []byte        { return f.mem }
func (f *fakeMachine) NCPUs() int         { return 2 }
func (f *fakeMachine) VCPUFds() []uintptr { return []uintptr{0, 0} }

func (f *fakeMachine) SupportedCPUID() (kvm.CPUID, error) {
	return kvm.CPUID{}, nil
}

func (f *fakeMachine) RestoreCPUState(cpu int, state *migration.VCPUState) error {
	f.restored = append(f.restored, cpu)

	return nil
}

func (f *fakeMachine) RestoreVMState(state *migration.VMState) error {
	f.vmState = state

	return nil
}

func (f *fakeMachine) RestoreDeviceState(ds *migration.DeviceState) error {
	f.devState = ds

	return nil
}

func openKVM(t *testing.T) uintptr {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("skipping test since we are not root")
	}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("skipping test, /dev/kvm unavailable: %v", err)
	}

	t.Cleanup(func() { devKVM.Close() })

	return devKVM.Fd()
}

// writeFixture writes a minimal envelope plus matching memory file to dir,
// backed by the uffd backing kind so LoadSnapshot never issues a real
// KVM_SET_USER_MEMORY_REGION ioctl against the fake machine's zero vmFd.
func writeFixture(t *testing.T, dir string, mem []byte) (statePath, memPath string) {
	t.Helper()

	statePath = filepath.Join(dir, "snap.state")
	memPath = filepath.Join(dir, "snap.mem")

	state := &snapshot.MicrovmState{
		NCPUs:   2,
		MemSize: uint64(len(mem)),
		VCPUs: []migration.VCPUState{
			{Regs: []byte{1}},
			{Regs: []byte{2}},
		},
	}

	var buf bytes.Buffer
	if err := snapshot.Encode(&buf, state, snapshot.CurrentVersion); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if err := os.WriteFile(statePath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write state file: %v", err)
	}

	if err := os.WriteFile(memPath, mem, 0o644); err != nil {
		t.Fatalf("write mem file: %v", err)
	}

	return statePath, memPath
}

func TestLoadSnapshotRestoresAllVCPUs(t *testing.T) {
	kvmFd := openKVM(t)

	dir := t.TempDir()
	mem := make([]byte, 0x1000)

	statePath, memPath := writeFixture(t, dir, mem)

	m := &fakeMachine{mem: make([]byte, 0x1000), kvmFd: kvmFd}
	eng := restore.New(m, memregion.New(m))

	opts := restore.Options{MemBackend: memregion.UffdRegistered, ResumeAfter: true}
	if _, err := eng.LoadSnapshot(statePath, memPath, opts); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	if len(m.restored) != 2 || m.restored[0] != 0 || m.restored[1] != 1 {
		t.Fatalf("restored cpus = %v, want [0 1]", m.restored)
	}

	if m.vmState == nil {
		t.Fatal("RestoreVMState was never called")
	}

	if m.devState == nil {
		t.Fatal("RestoreDeviceState was never called")
	}
}

func TestLoadSnapshotRejectsTooSmallMachine(t *testing.T) {
	kvmFd := openKVM(t)

	dir := t.TempDir()
	mem := make([]byte, 0x2000)

	statePath, memPath := writeFixture(t, dir, mem)

	m := &fakeMachine{mem: make([]byte, 0x1000), kvmFd: kvmFd}
	eng := restore.New(m, memregion.New(m))

	opts := restore.Options{MemBackend: memregion.UffdRegistered}
	if _, err := eng.LoadSnapshot(statePath, memPath, opts); err == nil {
		t.Fatal("LoadSnapshot with undersized machine memory: want error, got nil")
	}
}

func TestLoadSnapshotRejectsTooManyVCPUs(t *testing.T) {
	kvmFd := openKVM(t)

	dir := t.TempDir()
	mem := make([]byte, 0x1000)

	statePath, memPath := writeFixture(t, dir, mem)

	m := &fakeMachine{mem: make([]byte, 0x1000), kvmFd: kvmFd}
	eng := restore.New(m, memregion.New(m))

	// Re-encode a state with more vCPUs than the fake machine reports.
	state, _, err := decodeForTest(statePath)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}

	state.VCPUs = append(state.VCPUs, migration.VCPUState{Regs: []byte{3}})

	var buf bytes.Buffer
	if err := snapshot.Encode(&buf, state, snapshot.CurrentVersion); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if err := os.WriteFile(statePath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("rewrite state file: %v", err)
	}

	opts := restore.Options{MemBackend: memregion.UffdRegistered}
	if _, err := eng.LoadSnapshot(statePath, memPath, opts); err == nil {
		t.Fatal("LoadSnapshot with excess vcpus: want error, got nil")
	}
}

func decodeForTest(path string) (*snapshot.MicrovmState, snapshot.Version, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, snapshot.Version{}, err
	}
	defer f.Close()

	return snapshot.Decode(f)
}
