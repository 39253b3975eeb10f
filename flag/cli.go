package flag

// CLI is the top-level kong command tree: `gokvm boot`, `gokvm probe`,
// and `gokvm snapshot`.
type CLI struct {
	Boot     BootCMD     `cmd:"" help:"Boot a Linux kernel in a new microVM."`
	Probe    ProbeCMD    `cmd:"" help:"Probe the host's KVM capabilities."`
	Snapshot SnapshotCMD `cmd:"" help:"Take or load a microVM snapshot."`
}

// BootCMD boots a new microVM, matching BootArgs' flag shapes.
type BootCMD struct {
	Dev        string `name:"dev" short:"D" default:"/dev/kvm" help:"path of kvm device"`
	Kernel     string `name:"kernel" short:"k" default:"./bzImage" help:"kernel image path"`
	Initrd     string `name:"initrd" short:"i" default:"" help:"initrd path"`
	Params     string `name:"params" short:"p" default:"" help:"kernel command-line parameters"`
	TapIfName  string `name:"tap" short:"t" default:"" help:"name of tap interface"`
	Disk       string `name:"disk" short:"d" default:"" help:"path of disk file (for /dev/vda)"`
	NCPUs      int    `name:"cpus" short:"c" default:"1" help:"number of cpus"`
	MemSize    string `name:"mem" short:"m" default:"1G" help:"memory size: as number[gGmM]"`
	TraceCount string `name:"trace" short:"T" default:"0" help:"instructions to skip between trace prints"`
}

// ProbeCMD prints the host's KVM capabilities.
type ProbeCMD struct{}

// Config is the resolved, ready-to-use boot configuration vmm.VMM consumes
// -- BootCMD/BootArgs after unit parsing (MemSize/TraceCount as ints).
type Config struct {
	Dev        string
	Kernel     string
	Initrd     string
	Params     string
	TapIfName  string
	Disk       string
	NCPUs      int
	MemSize    int
	TraceCount int
}

// SnapshotCMD takes or loads a microVM snapshot.
type SnapshotCMD struct {
	Load          bool   `name:"load" help:"load an existing snapshot instead of creating one"`
	StateFile     string `name:"statefile" default:"./snapshot.state" help:"path of the snapshot state envelope"`
	MemFile       string `name:"memfile" default:"./snapshot.mem" help:"path of the snapshot memory file"`
	MemBackend    string `name:"mem-backend" default:"anonymous" help:"memory backend on load: anonymous, file, dax, uffd"`
	DaxDevice     string `name:"dax-device" default:"" help:"DAX device node for PMEM relocation (write) or lazy DAX restore (load)"`
	EnableDiff    bool   `name:"enable-diff" help:"write/read a differential rather than full snapshot"`
	ResumeAfter   bool   `name:"resume-after" default:"true" help:"resume the vm after loading a snapshot"`
	TargetVersion string `name:"target-version" default:"" help:"snapshot schema version to write, major.minor (default: newest this binary knows)"`
}
