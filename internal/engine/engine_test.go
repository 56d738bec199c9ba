package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"

	"github.com/nullterra/agentvmd/internal/engine"
	"github.com/nullterra/agentvmd/internal/executor"
	"github.com/nullterra/agentvmd/internal/model"
	"github.com/nullterra/agentvmd/internal/pool"
	"github.com/nullterra/agentvmd/internal/safety"
	"github.com/nullterra/agentvmd/internal/snapshot"
	"github.com/nullterra/agentvmd/internal/store"
	"github.com/nullterra/agentvmd/internal/template"
	"github.com/nullterra/agentvmd/internal/vm"
	"github.com/nullterra/agentvmd/internal/vsockproto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func permissivePolicy() *safety.Policy {
	return &safety.Policy{
		MaxMemoryMB:             8192,
		MaxExecutionTimeSeconds: 3600,
		AllowExternalNetwork:    true,
	}
}

// --- fake VM backend, shared with internal/pool's test pattern ---

type fakeVMClient struct {
	mu     sync.Mutex
	states map[string]int32
}

func newFakeVMClient() *fakeVMClient { return &fakeVMClient{states: make(map[string]int32)} }

func (f *fakeVMClient) DomainCreate(dom golibvirt.Domain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[dom.Name] = 1
	return nil
}
func (f *fakeVMClient) DomainShutdown(dom golibvirt.Domain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[dom.Name] = 4
	return nil
}
func (f *fakeVMClient) DomainDestroy(dom golibvirt.Domain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[dom.Name] = 5
	return nil
}
func (f *fakeVMClient) DomainUndefineFlags(golibvirt.Domain, golibvirt.DomainUndefineFlagsValues) error {
	return nil
}
func (f *fakeVMClient) DomainGetState(dom golibvirt.Domain, _ uint32) (int32, int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[dom.Name], 0, nil
}

type fakeSnapshotClient struct{}

func (f *fakeSnapshotClient) DomainSnapshotCreateXML(golibvirt.Domain, string, uint32) (golibvirt.DomainSnapshot, error) {
	return golibvirt.DomainSnapshot{Name: "golden"}, nil
}
func (f *fakeSnapshotClient) DomainSnapshotListNames(golibvirt.Domain, int32, uint32) ([]string, int32, error) {
	return nil, 0, nil
}
func (f *fakeSnapshotClient) DomainSnapshotLookupByName(_ golibvirt.Domain, name string, _ uint32) (golibvirt.DomainSnapshot, error) {
	return golibvirt.DomainSnapshot{Name: name}, nil
}
func (f *fakeSnapshotClient) DomainRevertToSnapshot(golibvirt.DomainSnapshot, golibvirt.DomainSnapshotRevertFlags) error {
	return nil
}
func (f *fakeSnapshotClient) DomainSnapshotDelete(golibvirt.DomainSnapshot, uint32) error { return nil }

type fakeProvisioner struct {
	client  *fakeVMClient
	mu      sync.Mutex
	counter int
}

func (f *fakeProvisioner) Provision(_ context.Context, _ template.Template) (*vm.VM, error) {
	f.mu.Lock()
	f.counter++
	name := "agent-engine-test-" + string(rune('a'+f.counter))
	f.mu.Unlock()
	return vm.New(golibvirt.Domain{Name: name}, f.client, testLogger()), nil
}

func (f *fakeProvisioner) Destroy(v *vm.VM) error { return nil }

// --- fake vsock dispatcher for the executor ---

type fakeDispatcher struct {
	delay      time.Duration
	exitCode   int
	stdout     string
	stderr     string
	receiveErr error
}

func (d *fakeDispatcher) Send(vsockproto.Message) error { return nil }

func (d *fakeDispatcher) Receive() (vsockproto.Message, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.receiveErr != nil {
		return vsockproto.Message{}, d.receiveErr
	}
	payload, err := json.Marshal(struct {
		ExitCode int    `json:"exit_code"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
	}{d.exitCode, d.stdout, d.stderr})
	if err != nil {
		return vsockproto.Message{}, err
	}
	return vsockproto.NewMessage("result", payload), nil
}

func (d *fakeDispatcher) Close() error { return nil }

type fakeMounter struct{}

func (fakeMounter) Mount(root, tag, guestMountPoint string) error { return nil }
func (fakeMounter) Unmount(root, tag string) error                { return nil }

func newTestEngine(t *testing.T, capacity int, exitCode int, stdout string, execDelay time.Duration, policy *safety.Policy) (*engine.Engine, store.Store) {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mgr := snapshot.New(&fakeSnapshotClient{}, testLogger(), nil)
	provisioner := &fakeProvisioner{client: newFakeVMClient()}
	p := pool.New(pool.Config{
		Capacity:           capacity,
		GoldenSnapshotName: "golden",
		BootTemplate:       template.New("agent-engine-test"),
		AcquireWait:        2 * time.Second,
	}, provisioner, mgr, testLogger(), nil)

	dial := func(ctx context.Context, v *vm.VM) (executor.Dispatcher, error) {
		return &fakeDispatcher{delay: execDelay, exitCode: exitCode, stdout: stdout}, nil
	}

	ex, err := executor.New(executor.Config{DefaultTimeout: time.Second, MaxTimeout: 10 * time.Second}, fakeMounter{}, dial, testLogger(), nil)
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}

	v := safety.New(policy)
	eng := engine.NewEngine(s, p, ex, v, testLogger())
	return eng, s
}

func makeTestExecution() *model.Execution {
	return &model.Execution{
		ID:                  model.NewID(),
		Status:              model.StatusPending,
		RequestedTimeoutSec: 5,
		CreatedAt:           time.Now().UTC(),
	}
}

func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e, err := s.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if e.Status == expected {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitHappyPath(t *testing.T) {
	eng, s := newTestEngine(t, 1, 0, "hello", 10*time.Millisecond, permissivePolicy())

	exec := makeTestExecution()
	workspace := t.TempDir()
	if err := eng.Submit(context.Background(), exec, []byte("print('hi')"), workspace); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	completed := waitForStatus(t, s, exec.ID, model.StatusCompleted, 5*time.Second)
	if completed.Stdout != "hello" {
		t.Errorf("Stdout = %q, want %q", completed.Stdout, "hello")
	}
	if completed.ExitCode == nil || *completed.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", completed.ExitCode)
	}
	if completed.DurationMS == nil || *completed.DurationMS < 0 {
		t.Errorf("DurationMS = %v, want >= 0", completed.DurationMS)
	}
	if completed.StartedAt == nil || completed.FinishedAt == nil {
		t.Error("StartedAt/FinishedAt not set")
	}
}

func TestSubmitNonZeroExitIsFailed(t *testing.T) {
	eng, s := newTestEngine(t, 1, 1, "", time.Millisecond, permissivePolicy())

	exec := makeTestExecution()
	workspace := t.TempDir()
	if err := eng.Submit(context.Background(), exec, []byte("raise SystemExit(1)"), workspace); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, s, exec.ID, model.StatusFailed, 5*time.Second)
	if failed.ExitCode == nil || *failed.ExitCode != 1 {
		t.Errorf("ExitCode = %v, want 1", failed.ExitCode)
	}
}

func TestSubmitTimeout(t *testing.T) {
	eng, s := newTestEngine(t, 1, 0, "", 5*time.Second, permissivePolicy())

	exec := makeTestExecution()
	exec.RequestedTimeoutSec = 1
	workspace := t.TempDir()
	if err := eng.Submit(context.Background(), exec, []byte("while True: pass"), workspace); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	timedOut := waitForStatus(t, s, exec.ID, model.StatusTimedOut, 5*time.Second)
	if timedOut.Error == "" {
		t.Error("expected timeout error message, got empty")
	}
}

func TestSubmitRejectedByValidator(t *testing.T) {
	policy := permissivePolicy()
	policy.AllowExternalNetwork = false

	eng, s := newTestEngine(t, 1, 0, "ok", time.Millisecond, policy)

	exec := makeTestExecution()
	exec.RequiresNetwork = true
	workspace := t.TempDir()

	err := eng.Submit(context.Background(), exec, []byte("print('hi')"), workspace)
	if err == nil {
		t.Fatal("Submit() error = nil for network-forbidden execution, want error")
	}

	got, getErr := s.GetExecution(context.Background(), exec.ID)
	if getErr != nil {
		t.Fatalf("GetExecution: %v", getErr)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusFailed)
	}
}

func TestLogBrokerStreamsStdoutLines(t *testing.T) {
	eng, s := newTestEngine(t, 1, 0, "line one\nline two", time.Millisecond, permissivePolicy())

	exec := makeTestExecution()
	ch, unsub := eng.Broker().Subscribe(exec.ID)
	defer unsub()

	workspace := t.TempDir()
	if err := eng.Submit(context.Background(), exec, []byte("print('hi')"), workspace); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var received []string
	for line := range ch {
		received = append(received, line)
	}
	if len(received) != 2 {
		t.Fatalf("received = %v, want 2 lines", received)
	}

	waitForStatus(t, s, exec.ID, model.StatusCompleted, 5*time.Second)
	lines, err := s.GetLogLines(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 2 {
		t.Errorf("persisted lines = %d, want 2", len(lines))
	}
}

func TestSubmitConcurrentRespectsCapacity(t *testing.T) {
	eng, s := newTestEngine(t, 2, 0, "done", 50*time.Millisecond, permissivePolicy())

	ids := make([]string, 5)
	for i := range ids {
		exec := makeTestExecution()
		ids[i] = exec.ID
		workspace := t.TempDir()
		if err := eng.Submit(context.Background(), exec, []byte("print('hi')"), workspace); err != nil {
			t.Fatalf("Submit[%d]: %v", i, err)
		}
	}

	for _, id := range ids {
		waitForStatus(t, s, id, model.StatusCompleted, 5*time.Second)
	}
}
