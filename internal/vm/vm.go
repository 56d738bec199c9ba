// Package vm wraps a libvirt domain with the start/stop/state lifecycle.
package vm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/digitalocean/go-libvirt"
)

// State is the VM's derived, backend-sourced lifecycle state.
type State int

const (
	Unknown State = iota
	Running
	Paused
	Shutdown
	ShutOff
	Crashed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Shutdown:
		return "shutdown"
	case ShutOff:
		return "shutoff"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// libvirt domain state codes, per VIR_DOMAIN_*.
const (
	codeNoState     = 0
	codeRunning     = 1
	codeBlocked     = 2
	codePaused      = 3
	codeShutdown    = 4
	codeShutOff     = 5
	codeCrashed     = 6
	codePMSuspended = 7
)

func fromBackendCode(code int32) State {
	switch code {
	case codeRunning, codeBlocked:
		return Running
	case codePaused, codePMSuspended:
		return Paused
	case codeShutdown:
		return Shutdown
	case codeShutOff:
		return ShutOff
	case codeCrashed:
		return Crashed
	default:
		return Unknown
	}
}

const defaultAwaitTimeout = 30 * time.Second
const defaultPollInterval = 500 * time.Millisecond

// Error wraps a lifecycle failure or an await-state timeout.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("vm: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Client is the subset of the libvirt RPC surface VM depends on, so tests
// can substitute a fake.
type Client interface {
	DomainCreate(dom libvirt.Domain) error
	DomainShutdown(dom libvirt.Domain) error
	DomainDestroy(dom libvirt.Domain) error
	DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
	DomainGetState(dom libvirt.Domain, flags uint32) (state int32, reason int32, err error)
}

// VM wraps a domain handle. It holds no cached state: State() always
// re-queries the backend. The zero-value logger is replaced on first use
// if construction raced a bad handle (logger-late-binding).
type VM struct {
	Name   string
	UUID   string
	domain libvirt.Domain
	client Client
	logger *slog.Logger
	cid    uint32
}

// New wraps an already-defined domain. Construction never fails even if
// logger is nil: getLogger lazily falls back to slog.Default().
func New(domain libvirt.Domain, client Client, logger *slog.Logger) *VM {
	return &VM{
		Name:   domain.Name,
		UUID:   fmt.Sprintf("%x", domain.UUID),
		domain: domain,
		client: client,
		logger: logger,
	}
}

// Domain returns the wrapped libvirt domain handle, for callers (such as
// the snapshot manager) that need to issue further RPCs against it.
func (v *VM) Domain() libvirt.Domain { return v.domain }

// CID returns the vsock context ID assigned to this VM's guest agent
// device, or 0 if none was ever set.
func (v *VM) CID() uint32 { return v.cid }

// SetCID records the vsock context ID the domain was defined with, so the
// executor can dial the guest agent without re-parsing the domain XML.
func (v *VM) SetCID(cid uint32) { v.cid = cid }

// getLogger returns the bound logger, falling back to a safe default if
// construction never received one.
func (v *VM) getLogger() *slog.Logger {
	if v.logger != nil {
		return v.logger
	}
	v.logger = slog.Default()
	return v.logger
}

// Start boots the domain. No-op if already active.
func (v *VM) Start() error {
	state, err := v.State()
	if err != nil {
		return err
	}
	if state == Running || state == Paused {
		return nil
	}

	if err := v.client.DomainCreate(v.domain); err != nil {
		return &Error{Op: "start", Err: err}
	}
	v.getLogger().Info("vm started", "vm_name", v.Name)
	return nil
}

// Stop halts the domain. No-op if already inactive. graceful=true requests
// an ACPI shutdown (asynchronous: the caller must await the resulting
// state with AwaitState); graceful=false forcibly destroys the domain.
func (v *VM) Stop(graceful bool) error {
	state, err := v.State()
	if err != nil {
		return err
	}
	if state == ShutOff || state == Shutdown || state == Crashed {
		return nil
	}

	if graceful {
		if err := v.client.DomainShutdown(v.domain); err != nil {
			return &Error{Op: "stop(graceful)", Err: err}
		}
		v.getLogger().Info("vm shutdown requested", "vm_name", v.Name)
		return nil
	}

	if err := v.client.DomainDestroy(v.domain); err != nil {
		return &Error{Op: "stop(force)", Err: err}
	}
	v.getLogger().Info("vm destroyed", "vm_name", v.Name)
	return nil
}

// Undefine removes the persistent domain definition. Callers typically
// force-stop before calling this (spec: "destroyed by force-stop +
// undefine").
func (v *VM) Undefine() error {
	if err := v.client.DomainUndefineFlags(v.domain, 0); err != nil {
		return &Error{Op: "undefine", Err: err}
	}
	return nil
}

// State queries the backend for the domain's current state. The wrapper
// never caches this value.
func (v *VM) State() (State, error) {
	code, _, err := v.client.DomainGetState(v.domain, 0)
	if err != nil {
		return Unknown, &Error{Op: "state", Err: err}
	}
	return fromBackendCode(code), nil
}

// AwaitState cooperatively polls State() at pollInterval until it equals
// target or timeout elapses, returning a timeout Error in the latter case.
// A zero timeout/pollInterval uses the spec defaults (30s / 500ms).
func (v *VM) AwaitState(ctx context.Context, target State, timeout, pollInterval time.Duration) error {
	if timeout <= 0 {
		timeout = defaultAwaitTimeout
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		state, err := v.State()
		if err != nil {
			return err
		}
		if state == target {
			return nil
		}
		if time.Now().After(deadline) {
			return &Error{Op: "await_state", Err: fmt.Errorf("timed out waiting for state %s after %s", target, timeout)}
		}

		select {
		case <-ctx.Done():
			return &Error{Op: "await_state", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}
