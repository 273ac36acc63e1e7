package operations

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linbo-net/runtime/pkg/events"
	"github.com/linbo-net/runtime/pkg/storage"
	"github.com/linbo-net/runtime/pkg/types"
)

type fakeResolver struct{}

func (fakeResolver) ResolveHost(mac string) (string, string, bool) {
	return "host-" + mac, "10.0.0." + mac[len(mac)-1:], true
}

// scriptedExecutor fails every command for the MACs (by IP) listed in
// failIPs, and succeeds otherwise. Grounded on the spec's "one flaky
// host in a larger fleet" scenario: every other session should still
// reach a terminal, successful state.
type scriptedExecutor struct {
	mu      sync.Mutex
	failIPs map[string]bool
	calls   int
}

func (e *scriptedExecutor) Run(ctx context.Context, ip, command string) (int, string, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.failIPs[ip] {
		return 1, "boom", fmt.Errorf("simulated failure on %s", ip)
	}
	return 0, "ok", nil
}

type fakeStatusUpdater struct {
	mu       sync.Mutex
	statuses map[string]types.HostLiveStatus
}

func newFakeStatusUpdater() *fakeStatusUpdater {
	return &fakeStatusUpdater{statuses: make(map[string]types.HostLiveStatus)}
}

func (u *fakeStatusUpdater) UpdateHostStatus(mac string, status types.HostLiveStatus) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.statuses[mac] = status
}

func newTestRunner(t *testing.T, executor Executor) (*Runner, storage.Store, *events.Broker) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	runner := New(store, fakeResolver{}, executor, newFakeStatusUpdater(), broker, Config{MaxConcurrentSessions: 4})
	return runner, store, broker
}

func TestEnqueueAndExecuteAllSucceed(t *testing.T) {
	executor := &scriptedExecutor{failIPs: map[string]bool{}}
	runner, store, _ := newTestRunner(t, executor)
	runner.Start()
	defer runner.Stop()

	opID, err := runner.Enqueue(
		[]string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"},
		[]string{"sync"},
		types.OperationOptions{},
	)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	op := waitForTerminal(t, store, opID)

	if op.Status != types.OperationCompleted {
		t.Errorf("Status = %q, want %q", op.Status, types.OperationCompleted)
	}
	stats := computeStats(op.Sessions)
	if stats.Total != 2 || stats.Completed != 2 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want Total=2 Completed=2 Failed=0", stats)
	}
}

// TestOneFlakyHostDoesNotFailOthers grounds the spec's flaky-host
// scenario: one target's commands fail, but every other session in
// the same operation still reaches SessionCompleted, and the
// Operation's accounting (total = completed+failed+cancelled) holds.
func TestOneFlakyHostDoesNotFailOthers(t *testing.T) {
	flakyIP := "10.0.0.9"
	executor := &scriptedExecutor{failIPs: map[string]bool{flakyIP: true}}
	runner, store, _ := newTestRunner(t, executor)
	runner.Start()
	defer runner.Stop()

	macs := []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02", "aa:bb:cc:dd:ee:09"}
	opID, err := runner.Enqueue(macs, []string{"sync", "start"}, types.OperationOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	op := waitForTerminal(t, store, opID)

	if op.Status != types.OperationCompletedWithErrors {
		t.Errorf("Status = %q, want %q", op.Status, types.OperationCompletedWithErrors)
	}

	stats := computeStats(op.Sessions)
	if stats.Total != len(macs) {
		t.Fatalf("stats.Total = %d, want %d", stats.Total, len(macs))
	}
	if got := stats.Completed + stats.Failed + stats.Cancelled; got != stats.Total {
		t.Errorf("completed+failed+cancelled = %d, want Total = %d", got, stats.Total)
	}
	if stats.Failed != 1 || stats.Completed != 2 {
		t.Errorf("stats = %+v, want Failed=1 Completed=2", stats)
	}
}

func TestCancelPendingOperation(t *testing.T) {
	executor := &scriptedExecutor{failIPs: map[string]bool{}}
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// Note: the Runner is never Start()-ed here, so the Operation stays
	// queued in "pending" and Cancel() observes that state directly.
	runner := New(store, fakeResolver{}, executor, newFakeStatusUpdater(), broker, Config{})

	opID, err := runner.Enqueue([]string{"aa:bb:cc:dd:ee:01"}, []string{"sync"}, types.OperationOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := runner.Cancel(opID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	op, err := store.GetOperation(opID)
	if err != nil {
		t.Fatalf("GetOperation() error = %v", err)
	}
	if op.Status != types.OperationCancelled {
		t.Errorf("Status = %q, want %q", op.Status, types.OperationCancelled)
	}
}

func TestRetryOnlyTargetsFailedSessions(t *testing.T) {
	flakyIP := "10.0.0.9"
	executor := &scriptedExecutor{failIPs: map[string]bool{flakyIP: true}}
	runner, store, _ := newTestRunner(t, executor)
	runner.Start()
	defer runner.Stop()

	opID, err := runner.Enqueue(
		[]string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:09"},
		[]string{"sync"},
		types.OperationOptions{},
	)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitForTerminal(t, store, opID)

	retryID, err := runner.Retry(opID)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	retryOp, err := store.GetOperation(retryID)
	if err != nil {
		t.Fatalf("GetOperation(retry) error = %v", err)
	}
	if len(retryOp.TargetMACs) != 1 || retryOp.TargetMACs[0] != "aa:bb:cc:dd:ee:09" {
		t.Errorf("retry TargetMACs = %v, want [aa:bb:cc:dd:ee:09]", retryOp.TargetMACs)
	}
}

func TestUnconfiguredExecutorFailsSessionsNotOperationLoop(t *testing.T) {
	runner, store, _ := newTestRunner(t, nil)
	runner.Start()
	defer runner.Stop()

	opID, err := runner.Enqueue([]string{"aa:bb:cc:dd:ee:01"}, []string{"sync"}, types.OperationOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	op := waitForTerminal(t, store, opID)
	if op.Status != types.OperationCompletedWithErrors {
		t.Errorf("Status = %q, want %q (missing executor degrades to session failures)", op.Status, types.OperationCompletedWithErrors)
	}
	if len(op.Sessions) != 1 || op.Sessions[0].Status != types.SessionFailed {
		t.Errorf("Sessions = %+v, want one SessionFailed", op.Sessions)
	}
}

func waitForTerminal(t *testing.T, store storage.Store, opID string) *types.Operation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		op, err := store.GetOperation(opID)
		if err != nil {
			t.Fatalf("GetOperation() error = %v", err)
		}
		switch op.Status {
		case types.OperationCompleted, types.OperationCompletedWithErrors, types.OperationCancelled:
			return op
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("operation %s did not reach a terminal status in time", opID)
	return nil
}
