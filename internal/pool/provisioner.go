package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/digitalocean/go-libvirt"

	"github.com/nullterra/agentvmd/internal/template"
	"github.com/nullterra/agentvmd/internal/vm"
)

// vsockCIDBase is the first guest context ID handed out to a provisioned
// VM. CIDs 0-2 are reserved by the vsock address family (VMADDR_CID_ANY,
// VMADDR_CID_HYPERVISOR, VMADDR_CID_HOST).
const vsockCIDBase = 3

// Definer is the subset of the libvirt RPC surface LibvirtProvisioner needs
// beyond vm.Client, so tests can substitute a fake instead of a live
// connection.
type Definer interface {
	vm.Client
	DomainDefineXML(xml string) (libvirt.Domain, error)
}

// LibvirtProvisioner is the production Provisioner: it defines and tears
// down domains against a live libvirt connection, deriving a unique name,
// disk path, and vsock CID for each instance from the pool's shared boot
// template.
type LibvirtProvisioner struct {
	client Definer
	logger *slog.Logger
	seq    atomic.Uint64
}

// NewLibvirtProvisioner wraps an already-opened libvirt RPC client.
func NewLibvirtProvisioner(client Definer, logger *slog.Logger) *LibvirtProvisioner {
	return &LibvirtProvisioner{client: client, logger: logger}
}

// Provision defines a new domain from tmpl under a unique instance name and
// boots no further than definition; the pool's caller starts it. Each
// instance gets its own disk path (suffixed by sequence number) and a
// distinct vsock CID so the executor can dial it without name collisions.
func (p *LibvirtProvisioner) Provision(ctx context.Context, tmpl template.Template) (*vm.VM, error) {
	n := p.seq.Add(1)
	cid := uint32(vsockCIDBase) + uint32(n-1)

	instance := tmpl.
		WithDiskPath(fmt.Sprintf("%s-%d.qcow2", trimExt(tmpl.DiskPath), n)).
		WithVsockCID(cid)
	instance.Name = fmt.Sprintf("%s-%d", tmpl.Name, n)

	xmlDoc, err := instance.Generate()
	if err != nil {
		return nil, fmt.Errorf("pool: generate domain xml for %s: %w", instance.Name, err)
	}

	dom, err := p.client.DomainDefineXML(xmlDoc)
	if err != nil {
		return nil, fmt.Errorf("pool: define domain %s: %w", instance.Name, err)
	}

	v := vm.New(dom, p.client, p.logger)
	v.SetCID(cid)
	p.logger.Info("provisioner defined domain", "vm_name", instance.Name, "cid", cid)
	return v, nil
}

// Destroy force-stops and undefines v. A stop failure is logged, not
// fatal: the domain may already be off, and undefine must still be
// attempted to avoid leaking the persistent definition.
func (p *LibvirtProvisioner) Destroy(v *vm.VM) error {
	if err := v.Stop(false); err != nil {
		p.logger.Warn("provisioner destroy: force-stop failed", "vm_name", v.Name, "error", err)
	}
	if err := v.Undefine(); err != nil {
		return fmt.Errorf("pool: undefine domain %s: %w", v.Name, err)
	}
	return nil
}

func trimExt(path string) string {
	if idx := strings.LastIndex(path, "."); idx != -1 {
		return path[:idx]
	}
	return path
}
