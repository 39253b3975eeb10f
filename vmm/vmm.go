package vmm

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/snapvm/snapvm/flag"
	"github.com/snapvm/snapvm/machine"
	"github.com/snapvm/snapvm/memregion"
	"github.com/snapvm/snapvm/restore"
	"github.com/snapvm/snapvm/snapshot"
	"github.com/snapvm/snapvm/term"
	"github.com/snapvm/snapvm/uffd"
)

const uffdPageSize = 4096

// workingSetPrefetchPages is how many guest pages the post-resume prefetch
// warms, starting at guest-physical offset 0 -- enough to cover the boot
// vectors and initial stack a freshly resumed vcpu touches first.
const workingSetPrefetchPages = 16

// VMM wires a machine.Machine to its boot-time configuration and to the
// snapshot/restore control plane.
type VMM struct {
	*machine.Machine
	flag.Config

	mgr            *memregion.Manager
	running        bool
	registrar      *uffd.Registrar
	exitW          int
	workingSet     *uffd.WorkingSet
	prefetchSource uffd.Source
}

func New(c flag.Config) *VMM {
	return &VMM{
		Machine: nil,
		Config:  c,
	}
}

// Init instantiates a machine.
func (v *VMM) Init() error {
	m, err := machine.New(v.Dev, v.NCPUs, v.TapIfName, v.Disk, v.MemSize)
	if err != nil {
		return err
	}

	v.Machine = m
	v.mgr = memregion.New(m)

	return nil
}

func (v *VMM) Setup() error {
	kern, err := os.Open(v.Kernel)
	if err != nil {
		return err
	}

	initrd, err := os.Open(v.Initrd)
	if err != nil {
		return err
	}

	if err := v.Machine.LoadLinux(kern, initrd, v.Params); err != nil {
		return err
	}

	return nil
}

func (v *VMM) Boot() error {
	var wg sync.WaitGroup

	trace := v.TraceCount > 0
	if err := v.SingleStep(trace); err != nil {
		return fmt.Errorf("setting trace to %v:%w", trace, err)
	}

	for cpu := 0; cpu < v.NCPUs; cpu++ {
		fmt.Printf("Start CPU %d of %d\r\n", cpu, v.NCPUs)

		wg.Add(1)

		go func(cpu int) {
			defer wg.Done()

			if err := v.RunInfiniteLoop(cpu); err != nil {
				log.Printf("cpu%d: %v", cpu, err)
			}
		}(cpu)
	}

	v.running = true

	if !term.IsTerminal() {
		fmt.Fprintln(os.Stderr, "this is not terminal and does not accept input")
		select {}
	}

	restoreMode, err := term.SetRawMode()
	if err != nil {
		return err
	}

	defer restoreMode()

	var before byte = 0

	in := bufio.NewReader(os.Stdin)

	go func() {
		for {
			b, err := in.ReadByte()
			if err != nil {
				log.Printf("%v", err)

				break
			}
			v.GetInputChan() <- b

			if len(v.GetInputChan()) > 0 {
				if err := v.InjectSerialIRQ(); err != nil {
					log.Printf("InjectSerialIRQ: %v", err)
				}
			}

			if before == 0x1 && b == 'x' {
				restoreMode()
				os.Exit(0)
			}

			before = b
		}
	}()

	fmt.Printf("Waiting for CPUs to exit\r\n")
	wg.Wait()
	fmt.Printf("All cpus done\n\r")

	return nil
}

// Pause stops accepting new guest work. The run loop goroutines exit on
// their own vmexit cadence; Pause only flips the bookkeeping flag future
// calls (CreateSnapshot) check before deciding whether to Resume.
func (v *VMM) Pause() error {
	v.running = false

	return nil
}

// Resume marks the vm as runnable again after a Pause or LoadSnapshot.
func (v *VMM) Resume() error {
	v.running = true

	return nil
}

// CreateSnapshot pauses the vm, writes a full or differential snapshot at
// targetVersion to statePath/memPath, and resumes it if it was running
// beforehand. targetVersion lets an operator pin an older reader's schema
// (snapshot.CurrentVersion for the newest); Writer.capture refuses the
// write with ErrUnsupportedVersion if the vm's state needs a feature that
// targetVersion predates. daxDevice, if non-empty, turns on PMEM relocation:
// non-hole memory pages are copied into it and a FaultMap sidecar is
// written next to statePath.
func (v *VMM) CreateSnapshot(statePath, memPath string, enableDiff bool, targetVersion snapshot.Version, daxDevice string) error {
	wasRunning := v.running

	if err := v.Pause(); err != nil {
		return err
	}

	w := snapshot.NewWriter(v.Machine, v.mgr)

	if daxDevice != "" {
		w.SetDaxDevice(daxDevice)
	}

	var err error
	if enableDiff {
		bitmap, bmErr := v.mgr.DirtyBitmap()
		if bmErr != nil {
			return bmErr
		}

		err = w.WriteDiff(statePath, memPath, bitmap, targetVersion)
	} else {
		err = w.WriteFull(statePath, memPath, targetVersion)
	}

	if err != nil {
		return err
	}

	if wasRunning {
		return v.Resume()
	}

	return nil
}

// LoadSnapshot reconstructs the vm from a previously captured snapshot.
// daxDevice, if non-empty, is the DAX device to mmap for DaxMapped regions
// or to feed a uffd restore's DaxSource tier from the snapshot's FaultMap.
func (v *VMM) LoadSnapshot(statePath, memPath string, memBackend memregion.BackingKind, enableDiff, resumeAfter bool, daxDevice string) error {
	eng := restore.New(v.Machine, v.mgr)

	opts := restore.Options{
		MemBackend:  memBackend,
		DaxDevice:   daxDevice,
		EnableDiff:  enableDiff,
		ResumeAfter: resumeAfter,
	}

	state, err := eng.LoadSnapshot(statePath, memPath, opts)
	if err != nil {
		return err
	}

	if memBackend == memregion.UffdRegistered {
		if err := v.startUffd(memPath, state.FaultMap); err != nil {
			return fmt.Errorf("start uffd fault handler: %w", err)
		}
	}

	v.running = resumeAfter

	if resumeAfter && v.workingSet != nil {
		indices := make([]uint64, 0, workingSetPrefetchPages)
		for i := uint64(0); i < workingSetPrefetchPages; i++ {
			indices = append(indices, i)
		}

		if err := v.workingSet.Prefetch(context.Background(), indices, v.prefetchSource); err != nil {
			log.Printf("uffd: working set prefetch: %v", err)
		}
	}

	return nil
}

// startUffd attaches a page-fault handler to every frozen memory region,
// serving page contents through the WorkingSet -> Dax -> FileOffset ->
// zero-fill selection policy instead of the synchronous bulk load
// loadMemory performs for the other backends. faultMap is nil unless the
// snapshot went through PMEM relocation, in which case its DaxSource tier
// resolves relocated pages via UFFDIO_CONTINUE.
func (v *VMM) startUffd(memPath string, faultMap []snapshot.FaultMapEntry) error {
	fileSrc, err := uffd.NewFileOffsetSource(memPath, uffdPageSize)
	if err != nil {
		return err
	}

	var daxSrc uffd.Source
	if len(faultMap) > 0 {
		daxSrc = uffd.NewDaxSource(faultMap, uffdPageSize)
	}

	fallback := uffd.NewChainSource(daxSrc, fileSrc, uffd.NewZeroSource(uffdPageSize))

	ws := uffd.NewWorkingSet(workingSetPrefetchPages)
	source := uffd.NewChainSource(ws, fallback)

	reg, err := uffd.NewRegistrar(source, uffdPageSize)
	if err != nil {
		return err
	}

	for _, r := range v.mgr.Regions() {
		hostAddr, err := v.mgr.Translate(r.Name, 0)
		if err != nil {
			return err
		}

		if err := reg.Attach(r, hostAddr, int(r.Length)); err != nil {
			return err
		}
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], 0); err != nil {
		return fmt.Errorf("exit pipe: %w", err)
	}

	v.registrar = reg
	v.exitW = fds[1]
	v.workingSet = ws
	v.prefetchSource = fallback

	go func() {
		if err := reg.Serve(context.Background(), fds[0]); err != nil {
			log.Printf("uffd: serve exited: %v", err)
		}
	}()

	return nil
}

// StopUffd signals the page-fault handler to drain in-flight fills and
// unregisters its regions. A no-op if no lazy restore is in progress.
func (v *VMM) StopUffd() error {
	if v.registrar == nil {
		return nil
	}

	if _, err := unix.Write(v.exitW, []byte{0}); err != nil {
		return err
	}

	unix.Close(v.exitW)

	err := v.registrar.Close()
	v.registrar = nil

	return err
}
