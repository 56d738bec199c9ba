package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullterra/agentvmd/internal/executor"
	"github.com/nullterra/agentvmd/internal/model"
	"github.com/nullterra/agentvmd/internal/pool"
	"github.com/nullterra/agentvmd/internal/safety"
	"github.com/nullterra/agentvmd/internal/store"
)

// DefaultTimeoutS is the default timeout in seconds when none is specified.
const DefaultTimeoutS = 30

// Engine orchestrates asynchronous agent-code execution: it validates a
// submission against policy, acquires a pooled VM, dispatches through the
// executor, and persists the outcome.
type Engine struct {
	store     store.Store
	pool      *pool.Pool
	executor  *executor.AgentExecutor
	validator *safety.Validator
	logger    *slog.Logger
	wg        sync.WaitGroup
	broker    *LogBroker
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, p *pool.Pool, ex *executor.AgentExecutor, v *safety.Validator, logger *slog.Logger) *Engine {
	return &Engine{
		store:     s,
		pool:      p,
		executor:  ex,
		validator: v,
		logger:    logger,
		broker:    NewLogBroker(),
	}
}

// Broker returns the engine's log broker, for callers that subscribe to
// live execution log lines.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Submit validates exec+code against the safety policy, persists the
// execution record, and launches asynchronous dispatch in a goroutine.
// A submission the validator rejects is persisted as already-failed and
// Submit returns an error; it never reaches the pool or executor.
func (e *Engine) Submit(ctx context.Context, exec *model.Execution, code []byte, workspace string) error {
	opOutcome := e.validator.ValidateOperation(safety.Operation{
		Type:                "agent_execution",
		RequiresNetwork:     exec.RequiresNetwork,
		RequestedMemoryMB:   exec.RequestedMemoryMB,
		RequestedTimeoutSec: exec.RequestedTimeoutSec,
	})
	contentOutcome := e.validator.ValidateContent(code, safety.ContentCode)

	violations := append(append([]string{}, opOutcome.Violations...), contentOutcome.Violations...)
	risk := opOutcome.Risk
	if contentOutcome.Risk > risk {
		risk = contentOutcome.Risk
	}
	exec.RiskLevel = risk.String()
	exec.Violations = violations

	if !opOutcome.IsSafe || !contentOutcome.IsSafe {
		exec.Status = model.StatusFailed
		exec.Error = fmt.Sprintf("rejected by safety validator: %s", strings.Join(violations, "; "))
		now := time.Now().UTC()
		exec.FinishedAt = &now
		if err := e.store.CreateExecution(ctx, exec); err != nil {
			return fmt.Errorf("create execution: %w", err)
		}
		return fmt.Errorf("%s", exec.Error)
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}

	execCopy := *exec
	e.wg.Go(func() {
		e.execute(&execCopy, code, workspace)
	})

	return nil
}

// Wait blocks until all in-flight execution goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute runs the execution lifecycle: pending -> running ->
// completed/failed/timed_out, always releasing the acquired VM back to
// the pool regardless of outcome.
func (e *Engine) execute(exec *model.Execution, code []byte, workspace string) {
	defer e.broker.Close(exec.ID)

	ctx := context.Background()
	if err := e.store.UpdateExecutionStatus(ctx, exec.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "execution_id", exec.ID, "error", err)
		e.finishFailed(exec.ID, nil, model.StatusFailed, fmt.Sprintf("failed to start: %v", err))
		return
	}

	start := time.Now()

	timeoutS := DefaultTimeoutS
	if exec.RequestedTimeoutSec > 0 {
		timeoutS = exec.RequestedTimeoutSec
	}
	timeout := time.Duration(timeoutS) * time.Second

	pv, err := e.pool.Acquire(ctx)
	if err != nil {
		e.finishFailed(exec.ID, &start, model.StatusFailed, fmt.Sprintf("acquire vm: %v", err))
		return
	}
	defer func() {
		if err := e.pool.Release(pv); err != nil {
			e.logger.Warn("failed to release vm back to pool", "execution_id", exec.ID, "vm_name", pv.VM.Name, "error", err)
		}
	}()

	result, err := e.executor.Execute(ctx, pv.VM, code, workspace, timeout)
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		status := model.StatusFailed
		if strings.Contains(err.Error(), "timed out") {
			status = model.StatusTimedOut
		}
		e.finishFailed(exec.ID, &start, status, err.Error())
		return
	}

	e.streamLog(exec.ID, result.Stdout, result.Stderr)

	now := time.Now().UTC()
	status := model.StatusCompleted
	if !result.Success {
		status = model.StatusFailed
	}

	completed := &model.Execution{
		ID:         exec.ID,
		Status:     status,
		VMName:     pv.VM.Name,
		ExitCode:   &result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &now,
	}
	if result.Output != nil {
		if b, err := json.Marshal(result.Output); err == nil {
			completed.Output = b
		}
	}

	if err := e.store.UpdateExecution(context.Background(), completed); err != nil {
		e.logger.Error("failed to update completed execution", "execution_id", exec.ID, "error", err)
	}
}

// finishFailed marks an execution terminal with the given error message.
// startedAt may be nil if execution never started (e.g. acquire failed).
func (e *Engine) finishFailed(id string, startedAt *time.Time, status, errMsg string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	exec := &model.Execution{
		ID:         id,
		Status:     status,
		Error:      errMsg,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}

	if err := e.store.UpdateExecution(context.Background(), exec); err != nil {
		e.logger.Error("failed to update failed execution", "execution_id", id, "error", err)
	}
}

// streamLog persists and publishes the execution's stdout/stderr as a
// sequence of lines, approximating a real-time log stream: AgentExecutor
// only returns output once the guest responds, so this is a best-effort
// replay rather than a true live stream.
func (e *Engine) streamLog(executionID, stdout, stderr string) {
	var seq atomic.Int32
	publish := func(line string) {
		currentSeq := int(seq.Add(1) - 1)
		if err := e.store.InsertLogLine(context.Background(), executionID, currentSeq, line); err != nil {
			e.logger.Error("failed to persist log line", "execution_id", executionID, "seq", currentSeq, "error", err)
		}
		e.broker.Publish(executionID, line)
	}

	for _, line := range strings.Split(stdout, "\n") {
		if line != "" {
			publish(line)
		}
	}
	for _, line := range strings.Split(stderr, "\n") {
		if line != "" {
			publish(line)
		}
	}
}
