// Package executor drives the end-to-end agent-code execution contract:
// stage code onto a VM's filesystem share, dispatch over vsock, await a
// bounded result, and harvest whatever structured output the guest left
// behind.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nullterra/agentvmd/internal/share"
	"github.com/nullterra/agentvmd/internal/vm"
	"github.com/nullterra/agentvmd/internal/vsockproto"
)

const (
	resultsPath = "output/results.json"
	agentPath   = "input/agent.py"
	cmdExecute  = "execute"
	cmdResult   = "result"
	cmdCancel   = "cancel"
)

// ExecutionError reports a dispatch or timeout failure. Its Error()
// message is matched verbatim by callers expecting the "timed out after
// N seconds" phrasing on timeout.
type ExecutionError struct {
	Msg string
	Err error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("executor: %s: %v", e.Msg, e.Err)
	}
	return "executor: " + e.Msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ExecutionResult is the outcome of one Execute call. Output carries
// whatever the guest wrote to output/results.json, verbatim, or nil if
// absent or malformed.
type ExecutionResult struct {
	Success         bool
	ExitCode        int
	Stdout          string
	Stderr          string
	DurationSeconds float64
	Output          any
}

// guestResult is the wire shape of the "result" command payload.
type guestResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Config bounds the timeout an Execute call may request.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// Dispatcher is the subset of *vsockproto.Protocol Execute depends on, so
// production wiring and tests can substitute any transport that speaks
// the framed checksum protocol over a connected channel.
type Dispatcher interface {
	Send(m vsockproto.Message) error
	Receive() (vsockproto.Message, error)
	Close() error
}

// Dialer opens a vsock connection to the guest agent running inside a
// VM. It is a seam: production wiring (VsockDialer) dials the CID
// recorded on the VM at provisioning time and returns a dialed
// *vsockproto.Protocol; tests substitute an in-memory pipe.
type Dialer func(ctx context.Context, v *vm.VM) (Dispatcher, error)

// AgentExecutor implements the acquire/stage/dispatch/await/harvest/
// cleanup contract. It holds no per-call state: every field is shared,
// read-only configuration.
type AgentExecutor struct {
	cfg     Config
	mounter share.Mounter
	dial    Dialer
	logger  *slog.Logger
	clock   func() time.Time
}

// New validates cfg (0 < DefaultTimeout <= MaxTimeout) and constructs an
// AgentExecutor. clock defaults to time.Now when nil.
func New(cfg Config, mounter share.Mounter, dial Dialer, logger *slog.Logger, clock func() time.Time) (*AgentExecutor, error) {
	if cfg.DefaultTimeout <= 0 {
		return nil, &ExecutionError{Msg: fmt.Sprintf("default_timeout must be positive, got %s", cfg.DefaultTimeout)}
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		return nil, &ExecutionError{Msg: fmt.Sprintf("max_timeout (%s) must be >= default_timeout (%s)", cfg.MaxTimeout, cfg.DefaultTimeout)}
	}
	if clock == nil {
		clock = time.Now
	}
	return &AgentExecutor{cfg: cfg, mounter: mounter, dial: dial, logger: logger, clock: clock}, nil
}

// Execute stages code onto workspace, dispatches it to v over vsock, and
// awaits a result or timeout. A zero timeout uses cfg.DefaultTimeout;
// timeout must not exceed cfg.MaxTimeout.
func (e *AgentExecutor) Execute(ctx context.Context, v *vm.VM, code []byte, workspace string, timeout time.Duration) (*ExecutionResult, error) {
	if _, err := os.Stat(workspace); err != nil {
		return nil, &ExecutionError{Msg: "workspace does not exist", Err: err}
	}
	if len(code) == 0 {
		return nil, &ExecutionError{Msg: "code must not be empty"}
	}
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout > e.cfg.MaxTimeout {
		return nil, &ExecutionError{Msg: fmt.Sprintf("timeout %s exceeds max_timeout %s", timeout, e.cfg.MaxTimeout)}
	}

	s, release, err := share.Acquire(workspace, "", "", e.mounter)
	if err != nil {
		return nil, &ExecutionError{Msg: "acquire filesystem share", Err: err}
	}
	defer func() {
		if err := release(); err != nil {
			e.logger.Warn("executor cleanup: unmount failed", "vm_name", v.Name, "error", err)
		}
	}()

	if err := s.WriteFile(agentPath, code); err != nil {
		return nil, &ExecutionError{Msg: "stage agent code", Err: err}
	}

	proto, err := e.dial(ctx, v)
	if err != nil {
		return nil, &ExecutionError{Msg: "dial guest agent", Err: err}
	}
	defer func() {
		if err := proto.Close(); err != nil {
			e.logger.Warn("executor cleanup: close vsock connection failed", "vm_name", v.Name, "error", err)
		}
	}()

	guestPath := s.GuestMountPoint + "/" + agentPath
	start := e.clock()

	if err := proto.Send(vsockproto.NewMessage(cmdExecute, []byte(guestPath))); err != nil {
		return nil, &ExecutionError{Msg: "dispatch execute command", Err: err}
	}

	msg, err := e.awaitResult(proto, timeout)
	if err != nil {
		return nil, err
	}
	duration := e.clock().Sub(start).Seconds()

	if msg.Command != cmdResult {
		return nil, &ExecutionError{Msg: fmt.Sprintf("unexpected response command %q, want %q", msg.Command, cmdResult)}
	}

	var gr guestResult
	if err := json.Unmarshal(msg.Payload, &gr); err != nil {
		return nil, &ExecutionError{Msg: "decode result payload", Err: err}
	}

	output := e.harvestOutput(s, v.Name)

	return &ExecutionResult{
		Success:         gr.ExitCode == 0,
		ExitCode:        gr.ExitCode,
		Stdout:          gr.Stdout,
		Stderr:          gr.Stderr,
		DurationSeconds: duration,
		Output:          output,
	}, nil
}

// awaitResult races Receive against timeout. On timeout it attempts a
// best-effort cancel before returning the ExecutionError; the message the
// caller sees must contain the phrase "timed out after N seconds".
func (e *AgentExecutor) awaitResult(proto Dispatcher, timeout time.Duration) (vsockproto.Message, error) {
	type received struct {
		msg vsockproto.Message
		err error
	}
	resultCh := make(chan received, 1)
	go func() {
		msg, err := proto.Receive()
		resultCh <- received{msg, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return vsockproto.Message{}, &ExecutionError{Msg: "receive guest response", Err: r.err}
		}
		return r.msg, nil
	case <-timer.C:
		if err := proto.Send(vsockproto.NewMessage(cmdCancel, nil)); err != nil {
			e.logger.Warn("executor: best-effort cancel failed", "error", err)
		}
		return vsockproto.Message{}, &ExecutionError{Msg: fmt.Sprintf("Execution timed out after %d seconds", int(timeout.Seconds()))}
	}
}

// harvestOutput reads and parses output/results.json. Absence or
// malformed content is non-fatal per the contract: it degrades to a nil
// Output rather than failing the whole execution.
func (e *AgentExecutor) harvestOutput(s *share.Share, vmName string) any {
	data, err := s.ReadFile(resultsPath)
	if err != nil {
		if err != share.ErrFileNotFound {
			e.logger.Debug("executor: harvest results failed, degrading to nil output", "vm_name", vmName, "error", err)
		}
		return nil
	}

	var output any
	if err := json.Unmarshal(data, &output); err != nil {
		e.logger.Debug("executor: malformed results.json, degrading to nil output", "vm_name", vmName, "error", err)
		return nil
	}
	return output
}
