package flag

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

var ErrorInvalidSubcommands = errors.New("expected 'boot', 'probe' or 'snapshot' subcommands")

type BootArgs struct {
	Kernel     string
	MemSize    int
	NCPUs      int
	Dev        string
	Initrd     string
	Params     string
	TapIfName  string
	Disk       string
	TraceCount int
}

func parseBootArgs(args []string) (*BootArgs, error) {
	bootCmd := flag.NewFlagSet("boot subcommand", flag.ExitOnError)
	c := &BootArgs{}

	bootCmd.StringVar(&c.Dev, "D", "/dev/kvm", "path of kvm device")
	bootCmd.StringVar(&c.Kernel, "k", "./bzImage", "kernel image path")
	bootCmd.StringVar(&c.Initrd, "i", "", "initrd path")
	//  refs: commit 1621292e73770aabbc146e72036de5e26f901e86 in kvmtool
	bootCmd.StringVar(&c.Params, "p", `console=ttyS0 earlyprintk=serial `+
		`noapic noacpi notsc nowatchdog `+
		`nmi_watchdog=0 debug apic=debug show_lapic=all mitigations=off `+
		`lapic tsc_early_khz=2000 `+
		`dyndbg="file arch/x86/kernel/smpboot.c +plf ; file drivers/net/virtio_net.c +plf" `+
		`pci=realloc=off `+
		`virtio_pci.force_legacy=1 rdinit=/init init=/init `+
		`gokvm.ipv4_addr=192.168.20.1/24`,
		"kernel command-line parameters")
	bootCmd.StringVar(&c.TapIfName, "t", "", `name of tap interface. `+
		`If the string is an empty, no tap intarface is created. (default"")`)
	bootCmd.StringVar(&c.Disk, "d", "", "path of disk file (for /dev/vda)")

	bootCmd.IntVar(&c.NCPUs, "c", 1, "number of cpus")

	msize := bootCmd.String("m", "1G",
		"memory size: as number[gGmM], optional units, defaults to G")
	tc := bootCmd.String("T", "0",
		"how many instructions to skip between trace prints -- 0 means tracing disabled")

	var err error

	if err = bootCmd.Parse(args); err != nil {
		return nil, err
	}

	if c.MemSize, err = ParseSize(*msize, "g"); err != nil {
		return nil, err
	}

	if c.TraceCount, err = ParseSize(*tc, ""); err != nil {
		return nil, err
	}

	return c, nil
}

type ProbeArgs struct{}

func parseProbeArgs(args []string) (*ProbeArgs, error) {
	probeCmd := flag.NewFlagSet("probe subcommand", flag.ExitOnError)
	c := &ProbeArgs{}

	if err := probeCmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// SnapshotArgs configures the `snapshot` subcommand: take or load a
// snapshot of an already-running (or about to boot) microVM.
type SnapshotArgs struct {
	Load       bool
	StateFile  string
	MemFile    string
	MemBackend string
	EnableDiff bool
	ResumeAfter bool
}

func parseSnapshotArgs(args []string) (*SnapshotArgs, error) {
	snapCmd := flag.NewFlagSet("snapshot subcommand", flag.ExitOnError)
	c := &SnapshotArgs{}

	snapCmd.BoolVar(&c.Load, "load", false, "load an existing snapshot instead of creating one")
	snapCmd.StringVar(&c.StateFile, "statefile", "./snapshot.state", "path of the snapshot state envelope")
	snapCmd.StringVar(&c.MemFile, "memfile", "./snapshot.mem", "path of the snapshot memory file")
	snapCmd.StringVar(&c.MemBackend, "mem-backend", "anonymous",
		"memory backend on load: anonymous, file, dax, uffd")
	snapCmd.BoolVar(&c.EnableDiff, "enable-diff", false, "write/read a differential rather than full snapshot")
	snapCmd.BoolVar(&c.ResumeAfter, "resume-after", true, "resume the vm after loading a snapshot")

	if err := snapCmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

func ParseArgs(args []string) (*BootArgs, *ProbeArgs, *SnapshotArgs, error) {
	if len(args) < 2 {
		return nil, nil, nil, ErrorInvalidSubcommands
	}

	switch args[1] {
	case "boot":
		conf, err := parseBootArgs(args[2:])

		return conf, nil, nil, err

	case "probe":
		conf, err := parseProbeArgs(args[2:])

		return nil, conf, nil, err

	case "snapshot":
		conf, err := parseSnapshotArgs(args[2:])

		return nil, nil, conf, err
	}

	return nil, nil, nil, ErrorInvalidSubcommands
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
