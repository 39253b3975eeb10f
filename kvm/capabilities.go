package kvm

import "fmt"

// Capability identifies an optional KVM feature queried through
// KVM_CHECK_EXTENSION.
type Capability int

const (
	CapIRQChip                  Capability = 0
	CapHLT                      Capability = 1
	CapMMUShadowCacheControl    Capability = 2
	CapUserMemory               Capability = 3
	CapSetTSSAddr               Capability = 4
	CapVAPIC                    Capability = 6
	CapEXTCPUID                 Capability = 7
	CapNRMemSlots               Capability = 10
	CapPIT2                     Capability = 11
	CapMPState                  Capability = 14
	CapCoalescedMMIO            Capability = 15
	CapSyncMMU                  Capability = 16
	CapIOMMU                    Capability = 18
	CapDestroyMemoryRegionWorks Capability = 21
	CapUserNMI                  Capability = 22
	CapSetGuestDebug            Capability = 23
	CapReinjectControl          Capability = 24
	CapIRQRouting               Capability = 25
	CapMCE                      Capability = 31
	CapIRQFD                    Capability = 32
	CapSetBootCPUID             Capability = 34
	CapPITState2                Capability = 35
	CapIOEventFD                Capability = 36
	CapAdjustClock              Capability = 39
	CapVCPUEvents               Capability = 41
	CapINTRShadow               Capability = 49
	CapDebugRegs                Capability = 50
	CapEnableCap                Capability = 54
	CapXSave                    Capability = 55
	CapXCRS                     Capability = 56
	CapTSCControl               Capability = 60
	CapGETMSRFeatures           Capability = 66
	CapONEREG                   Capability = 70
	CapKVMClockCtrl             Capability = 76
	CapSignalMSI                Capability = 77
	CapDeviceCtrl               Capability = 89
	CapEXTEmulCPUID             Capability = 95
	CapVMAttributes             Capability = 101
	CapNestedState              Capability = 157
	CapCoalescedPIO             Capability = 164
	CapManualDirtyLogProtect2   Capability = 168
	CapPMUEventFilter           Capability = 173
	CapX86SMM                   Capability = 117
	CapX86DisableExits          Capability = 211
	CapX86UserSpaceMSR          Capability = 188
	CapX86MSRFilter             Capability = 189
	CapX86BusLockExit           Capability = 193
	CapSREGS2                   Capability = 206
	CapBinaryStatsFD            Capability = 203
	CapXSave2                   Capability = 208
	CapSysAttributes            Capability = 209
	CapVMTSCControl             Capability = 214
	CapX86TripleFaultEvent      Capability = 218
	CapX86NotifyVMExit          Capability = 225
)

// String names a capability, falling back to a numeric form for values
// outside the range this build knows about.
func (c Capability) String() string {
	switch c {
	case CapIRQChip:
		return "CapIRQChip"
	case CapMPState:
		return "CapMPState"
	case CapIOMMU:
		return "CapIOMMU"
	case CapIRQRouting:
		return "CapIRQRouting"
	case CapKVMClockCtrl:
		return "CapKVMClockCtrl"
	default:
		return fmt.Sprintf("Capability(%d)", int(c))
	}
}
