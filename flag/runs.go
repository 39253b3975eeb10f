package flag

import (
	"fmt"
	"log"

	"github.com/alecthomas/kong"
	"github.com/snapvm/snapvm/memregion"
	"github.com/snapvm/snapvm/probe"
	"github.com/snapvm/snapvm/snapshot"
	"github.com/snapvm/snapvm/vmm"
)

func Parse() error {
	c := CLI{}

	programName := "gokvm"
	programDesc := "gokvm is a small Linux KVM Hypervisor which supports kernel boot"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

func (d *ProbeCMD) Run() error {
	if err := probe.KVMCapabilities(); err != nil {
		return err
	}

	return nil
}

func (s *BootCMD) Run() error {
	defparams := `console=ttyS0 earlyprintk=serial noapic noacpi notsc ` +
		`debug apic=debug show_lapic=all mitigations=off lapic tsc_early_khz=2000 ` +
		`dyndbg="file arch/x86/kernel/smpboot.c +plf ; file drivers/net/virtio_net.c +plf" pci=realloc=off ` +
		`virtio_pci.force_legacy=1 rdinit=/init init=/init ` +
		`gokvm.ipv4_addr=192.168.20.1/24`

	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return err
	}

	traceC, err := ParseSize(s.TraceCount, "")
	if err != nil {
		return err
	}

	if len(s.Params) > 0 {
		defparams = s.Params
	}

	c := Config{
		Dev:        s.Dev,
		Kernel:     s.Kernel,
		Initrd:     s.Initrd,
		Params:     defparams,
		TapIfName:  s.TapIfName,
		Disk:       s.Disk,
		NCPUs:      s.NCPUs,
		MemSize:    memSize,
		TraceCount: traceC,
	}

	v := vmm.New(c)

	if err := v.Init(); err != nil {
		log.Fatal(err)
	}

	if err := v.Setup(); err != nil {
		log.Fatal(err)
	}

	if err := v.Boot(); err != nil {
		log.Fatal(err)
	}

	return nil
}

func (s *SnapshotCMD) Run() error {
	backend := map[string]memregion.BackingKind{
		"anonymous": memregion.AnonymousPrivate,
		"file":      memregion.FilePrivateMmap,
		"dax":       memregion.DaxMapped,
		"uffd":      memregion.UffdRegistered,
	}[s.MemBackend]

	c := Config{Dev: "/dev/kvm", NCPUs: 1, MemSize: 1 << 20}
	v := vmm.New(c)

	if err := v.Init(); err != nil {
		return err
	}

	if s.Load {
		return v.LoadSnapshot(s.StateFile, s.MemFile, backend, s.EnableDiff, s.ResumeAfter, s.DaxDevice)
	}

	targetVersion := snapshot.CurrentVersion

	if s.TargetVersion != "" {
		var err error

		targetVersion, err = snapshot.ParseVersion(s.TargetVersion)
		if err != nil {
			return fmt.Errorf("--target-version: %w", err)
		}
	}

	return v.CreateSnapshot(s.StateFile, s.MemFile, s.EnableDiff, targetVersion, s.DaxDevice)
}
