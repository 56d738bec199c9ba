// Package pool maintains a bounded set of warm VMs snapped to a golden
// baseline, amortizing VM boot cost across many executions.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nullterra/agentvmd/internal/snapshot"
	"github.com/nullterra/agentvmd/internal/template"
	"github.com/nullterra/agentvmd/internal/vm"
)

// Error wraps a pool exhaustion or provisioning failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("pool: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

const defaultAcquireWait = 30 * time.Second

// Provisioner defines the backend operations the pool needs to create and
// destroy VMs; the libvirt connection, domain definition, and boot
// sequence live behind this seam so the pool is testable without a real
// hypervisor.
type Provisioner interface {
	Provision(ctx context.Context, tmpl template.Template) (*vm.VM, error)
	Destroy(v *vm.VM) error
}

// PooledVM is a VM managed by Pool, along with pool bookkeeping.
type PooledVM struct {
	VM                 *vm.VM
	GoldenSnapshot     *snapshot.Snapshot
	GoldenSnapshotName string
	CreatedAt          time.Time
	LastUsedAt         time.Time
	InUse              bool
}

// Config configures a Pool.
type Config struct {
	Capacity           int
	GoldenSnapshotName string
	IdleTTL            time.Duration
	BootTemplate       template.Template
	AcquireWait        time.Duration
}

// Pool is a bounded set of warm VMs. At most Capacity VMs are ever live;
// Acquire requests are served FIFO among waiters.
type Pool struct {
	cfg         Config
	provisioner Provisioner
	snapshots   *snapshot.Manager
	logger      *slog.Logger
	clock       func() time.Time

	mu      sync.Mutex
	vms     []*PooledVM
	waiters *list.List // of chan struct{}
}

// New creates a Pool. clock defaults to time.Now when nil.
func New(cfg Config, provisioner Provisioner, snapshots *snapshot.Manager, logger *slog.Logger, clock func() time.Time) *Pool {
	if cfg.AcquireWait <= 0 {
		cfg.AcquireWait = defaultAcquireWait
	}
	if clock == nil {
		clock = time.Now
	}
	return &Pool{
		cfg:         cfg,
		provisioner: provisioner,
		snapshots:   snapshots,
		logger:      logger,
		clock:       clock,
		waiters:     list.New(),
	}
}

// Size returns the current number of live (provisioned) VMs.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.vms)
}

// Stats is a point-in-time snapshot of pool occupancy, for operator
// visibility via the admin API.
type Stats struct {
	Capacity int `json:"capacity"`
	Size     int `json:"size"`
	InUse    int `json:"in_use"`
	Idle     int `json:"idle"`
	Waiters  int `json:"waiters"`
}

// Stats returns the pool's current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := 0
	for _, pv := range p.vms {
		if pv != nil && pv.InUse {
			inUse++
		}
	}

	return Stats{
		Capacity: p.cfg.Capacity,
		Size:     len(p.vms),
		InUse:    inUse,
		Idle:     len(p.vms) - inUse,
		Waiters:  p.waiters.Len(),
	}
}

// Acquire returns a PooledVM guaranteed to be at the golden state and
// marked in-use. Preference order: an idle VM; else provision a new one
// if under capacity; else wait FIFO for a release, failing with *Error
// after cfg.AcquireWait.
func (p *Pool) Acquire(ctx context.Context) (*PooledVM, error) {
	start := p.clock()
	deadline := start.Add(p.cfg.AcquireWait)
	defer func() {
		acquireWaitSeconds.Observe(p.clock().Sub(start).Seconds())
	}()

	for {
		pv, shouldProvision, err := p.tryAcquireOrMarkProvision()
		if err != nil {
			return nil, err
		}
		if pv != nil {
			return pv, nil
		}
		if shouldProvision {
			return p.provisionAndMark(ctx)
		}

		wait := make(chan struct{})
		p.mu.Lock()
		el := p.waiters.PushBack(wait)
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.removeWaiter(el)
			return nil, &Error{Op: "acquire", Err: fmt.Errorf("exhausted: no vm available after %s", p.cfg.AcquireWait)}
		}

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			p.removeWaiter(el)
			return nil, &Error{Op: "acquire", Err: fmt.Errorf("exhausted: no vm available after %s", p.cfg.AcquireWait)}
		case <-ctx.Done():
			timer.Stop()
			p.removeWaiter(el)
			return nil, &Error{Op: "acquire", Err: ctx.Err()}
		}
	}
}

func (p *Pool) removeWaiter(el *list.Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiters.Remove(el)
}

// tryAcquireOrMarkProvision looks for an idle VM under the lock. If none
// is idle but capacity allows a new one, it reserves a capacity slot
// (appends a placeholder) and tells the caller to provision outside the
// lock.
func (p *Pool) tryAcquireOrMarkProvision() (*PooledVM, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pv := range p.vms {
		if !pv.InUse {
			pv.InUse = true
			return pv, false, nil
		}
	}

	if len(p.vms) < p.cfg.Capacity {
		// Reserve the slot now so concurrent acquirers don't all decide
		// to provision past capacity.
		p.vms = append(p.vms, nil)
		return nil, true, nil
	}

	return nil, false, nil
}

func (p *Pool) provisionAndMark(ctx context.Context) (*PooledVM, error) {
	v, err := p.provisioner.Provision(ctx, p.cfg.BootTemplate)
	if err != nil {
		p.releaseReservedSlot()
		return nil, &Error{Op: "acquire", Err: err}
	}

	if err := v.Start(); err != nil {
		p.releaseReservedSlot()
		return nil, &Error{Op: "acquire", Err: err}
	}
	if err := v.AwaitState(ctx, vm.Running, 0, 0); err != nil {
		p.releaseReservedSlot()
		return nil, &Error{Op: "acquire", Err: err}
	}

	golden, err := p.snapshots.Create(v.Domain(), p.cfg.GoldenSnapshotName, "golden baseline")
	if err != nil {
		p.releaseReservedSlot()
		return nil, &Error{Op: "acquire", Err: err}
	}

	pv := &PooledVM{
		VM:                 v,
		GoldenSnapshot:     golden,
		GoldenSnapshotName: p.cfg.GoldenSnapshotName,
		CreatedAt:          p.clock().UTC(),
		LastUsedAt:         p.clock().UTC(),
		InUse:              true,
	}

	p.mu.Lock()
	p.fillReservedSlot(pv)
	p.mu.Unlock()

	activeVMs.Set(float64(p.Size()))
	p.logger.Info("pool provisioned new vm", "vm_name", v.Name, "pool_size", p.Size())
	return pv, nil
}

// fillReservedSlot fills the first nil placeholder left by
// tryAcquireOrMarkProvision. Must be called under p.mu.
func (p *Pool) fillReservedSlot(pv *PooledVM) {
	for i, existing := range p.vms {
		if existing == nil {
			p.vms[i] = pv
			return
		}
	}
	p.vms = append(p.vms, pv)
}

// releaseReservedSlot removes a nil placeholder after a failed
// provisioning attempt, freeing capacity for the next acquirer.
func (p *Pool) releaseReservedSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.vms {
		if existing == nil {
			p.vms = append(p.vms[:i], p.vms[i+1:]...)
			return
		}
	}
}

// Release reverts pv to its golden snapshot and returns it to the idle
// set. A revert failure poisons the VM: it is evicted and destroyed, and
// capacity is decremented so a later Acquire can provision a replacement.
func (p *Pool) Release(pv *PooledVM) error {
	err := p.snapshots.Restore(pv.GoldenSnapshot)
	if err != nil {
		p.logger.Warn("pool release: revert failed, poisoning vm", "vm_name", pv.VM.Name, "error", err)
		p.evict(pv)
		poisonedTotal.Inc()
		activeVMs.Set(float64(p.Size()))
		if destroyErr := p.provisioner.Destroy(pv.VM); destroyErr != nil {
			p.logger.Warn("pool release: destroy poisoned vm failed", "vm_name", pv.VM.Name, "error", destroyErr)
		}
		p.notifyOneWaiter()
		return &Error{Op: "release", Err: err}
	}

	p.mu.Lock()
	pv.InUse = false
	pv.LastUsedAt = p.clock().UTC()
	p.mu.Unlock()

	p.notifyOneWaiter()
	return nil
}

func (p *Pool) evict(pv *PooledVM) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.vms {
		if existing == pv {
			p.vms = append(p.vms[:i], p.vms[i+1:]...)
			return
		}
	}
}

func (p *Pool) notifyOneWaiter() {
	p.mu.Lock()
	front := p.waiters.Front()
	var ch chan struct{}
	if front != nil {
		ch = front.Value.(chan struct{})
		p.waiters.Remove(front)
	}
	p.mu.Unlock()

	if ch != nil {
		close(ch)
	}
}

// Shutdown destroys every live VM, aggregating any failures. Intended for
// process teardown.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	vms := make([]*PooledVM, len(p.vms))
	copy(vms, p.vms)
	p.vms = nil
	p.mu.Unlock()

	var result *multierror.Error
	for _, pv := range vms {
		if pv == nil {
			continue
		}
		if err := p.provisioner.Destroy(pv.VM); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
