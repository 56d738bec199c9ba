// Package template builds libvirt domain definition documents for agent VMs.
package template

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

// NetworkMode selects the network-isolation policy attached to a domain's NIC.
type NetworkMode string

const (
	// NatFiltered allows outbound traffic through a host NAT plus a packet
	// filter. This is the default: agents need outbound access (package
	// managers, APIs) unless explicitly sandboxed further.
	NatFiltered NetworkMode = "nat-filtered"
	// Isolated attaches no external network at all.
	Isolated NetworkMode = "isolated"
	// Bridge attaches to a host bridge with no packet filter.
	Bridge NetworkMode = "bridge"
)

// network returns the libvirt network name backing a mode.
func (m NetworkMode) network() string {
	switch m {
	case Isolated:
		return "agent-isolated"
	case Bridge:
		return "agent-bridge"
	default:
		return "agent-nat-filtered"
	}
}

const (
	cgroupCPUShares    = 1024
	cgroupCPUPeriodUS  = 100000
	defaultImagePath   = "/var/lib/libvirt/images"
	networkFilterName  = "agent-network-filter"
	consoleSerialPorts = 1

	// vsockModel is the only guest-facing device model libvirt/QEMU expose
	// for AF_VSOCK; the host side always deals in vhost-vsock.
	vsockModel = "virtio"
)

// ResourceProfile is an immutable set of hardware sizing decisions.
type ResourceProfile struct {
	VCPU      int
	MemoryMiB int
	DiskGiB   int
}

// DefaultResourceProfile matches the spec's documented defaults.
func DefaultResourceProfile() ResourceProfile {
	return ResourceProfile{VCPU: 2, MemoryMiB: 2048, DiskGiB: 20}
}

// Validate reports whether every field is a positive value.
func (p ResourceProfile) Validate() error {
	if p.VCPU <= 0 {
		return fmt.Errorf("template: vcpu must be positive, got %d", p.VCPU)
	}
	if p.MemoryMiB <= 0 {
		return fmt.Errorf("template: memory_mib must be positive, got %d", p.MemoryMiB)
	}
	if p.DiskGiB <= 0 {
		return fmt.Errorf("template: disk_gib must be positive, got %d", p.DiskGiB)
	}
	return nil
}

// Template is an immutable, build-time record describing a domain.
type Template struct {
	Name      string
	Resources ResourceProfile
	Mode      NetworkMode
	DiskPath  string
	VsockCID  uint32
}

// New constructs a Template with the default resource profile and
// NatFiltered network mode, deriving the disk path from name unless
// overridden by the caller via WithDiskPath.
func New(name string) Template {
	return Template{
		Name:      name,
		Resources: DefaultResourceProfile(),
		Mode:      NatFiltered,
		DiskPath:  fmt.Sprintf("%s/%s.qcow2", defaultImagePath, name),
	}
}

// WithResources returns a copy of t using the given resource profile.
func (t Template) WithResources(r ResourceProfile) Template {
	t.Resources = r
	return t
}

// WithMode returns a copy of t using the given network mode.
func (t Template) WithMode(m NetworkMode) Template {
	t.Mode = m
	return t
}

// WithDiskPath returns a copy of t using an explicit disk path.
func (t Template) WithDiskPath(path string) Template {
	t.DiskPath = path
	return t
}

// WithVsockCID returns a copy of t that defines a vhost-vsock device bound
// to the given guest context ID, the address the executor dials to reach
// the agent inside the VM. A zero CID omits the device entirely.
func (t Template) WithVsockCID(cid uint32) Template {
	t.VsockCID = cid
	return t
}

// Generate builds the domain definition document as an XML string. It is
// pure: no I/O, no side effects, deterministic for a given Template value.
func (t Template) Generate() (string, error) {
	if err := t.Resources.Validate(); err != nil {
		return "", err
	}

	quota := int64(t.Resources.VCPU * cgroupCPUPeriodUS)
	shares := uint(cgroupCPUShares)
	period := uint64(cgroupCPUPeriodUS)

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: t.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(t.Resources.MemoryMiB),
			Unit:  "MiB",
		},
		MemoryTune: &libvirtxml.DomainMemoryTune{
			HardLimit: &libvirtxml.DomainMemoryTuneLimit{
				Value: uint(t.Resources.MemoryMiB),
				Unit:  "MiB",
			},
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: t.Resources.VCPU,
		},
		CPUTune: &libvirtxml.DomainCPUTune{
			Shares: &libvirtxml.DomainCPUTuneShares{Value: shares},
			Period: &libvirtxml.DomainCPUTunePeriod{Value: period},
			Quota:  &libvirtxml.DomainCPUTuneQuota{Value: quota},
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "hd"},
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name:  "qemu",
						Type:  "qcow2",
						Cache: "writeback",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: t.DiskPath,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				t.buildInterface(),
			},
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainSerialTarget{
						Port: intPtr(0),
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: intPtr(0),
					},
				},
			},
		},
	}

	if t.VsockCID != 0 {
		domain.Devices.VSock = &libvirtxml.DomainVSock{
			Model: vsockModel,
			CID: &libvirtxml.DomainVSockCID{
				Address: uint(t.VsockCID),
			},
		}
	}

	out, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("template: marshal domain xml: %w", err)
	}
	return out, nil
}

func (t Template) buildInterface() libvirtxml.DomainInterface {
	iface := libvirtxml.DomainInterface{
		Source: &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{
				Network: t.Mode.network(),
			},
		},
		Model: &libvirtxml.DomainInterfaceModel{
			Type: "virtio",
		},
	}
	if t.Mode != Bridge {
		iface.FilterRef = &libvirtxml.DomainInterfaceFilterRef{
			Filter: networkFilterName,
		}
	}
	return iface
}

func intPtr(v uint) *uint {
	return &v
}
