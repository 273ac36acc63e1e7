// Package operations implements OperationRunner: a durable,
// bounded-concurrency fan-out executor that runs ordered command
// lists against fleet hosts over SSH, with Wake-on-LAN pre-delay,
// cancellation at safe points, and progress reporting.
package operations

import (
	"context"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/linbo-net/runtime/pkg/events"
	"github.com/linbo-net/runtime/pkg/log"
	"github.com/linbo-net/runtime/pkg/metrics"
	"github.com/linbo-net/runtime/pkg/storage"
	"github.com/linbo-net/runtime/pkg/types"
)

// HostResolver resolves a target MAC to the {hostname, ip} tuple a
// Session needs. Backed by InventoryCache in production.
type HostResolver interface {
	ResolveHost(mac string) (hostname, ip string, ok bool)
}

// Executor runs one command against a host over SSH. Swappable in
// tests for a fake that never touches the network.
type Executor interface {
	Run(ctx context.Context, ip, command string) (exitCode int, output string, err error)
}

// StatusUpdater records a host's live status after a command runs,
// backed by InventoryCache's host-status table in production.
type StatusUpdater interface {
	UpdateHostStatus(mac string, status types.HostLiveStatus)
}

// Runner is the OperationRunner worker.
type Runner struct {
	store    storage.Store
	resolver HostResolver
	executor Executor
	statuses StatusUpdater
	broker   *events.Broker
	logger   zerolog.Logger

	concurrency int

	mu         sync.Mutex
	queue      []string // operation ids, FIFO
	cancelled  map[string]bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	wakeCh     chan struct{}
}

// Config configures a Runner.
type Config struct {
	MaxConcurrentSessions int
}

// New creates an OperationRunner. A nil executor is replaced with one
// that fails every command, so a missing SSH credential degrades
// Sessions to SessionFailed rather than panicking the worker loop.
func New(store storage.Store, resolver HostResolver, executor Executor, statuses StatusUpdater, broker *events.Broker, cfg Config) *Runner {
	concurrency := cfg.MaxConcurrentSessions
	if concurrency <= 0 {
		concurrency = 5
	}
	if executor == nil {
		executor = unconfiguredExecutor{}
	}
	return &Runner{
		store:       store,
		resolver:    resolver,
		executor:    executor,
		statuses:    statuses,
		broker:      broker,
		logger:      log.WithComponent("operations"),
		concurrency: concurrency,
		cancelled:   make(map[string]bool),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		wakeCh:      make(chan struct{}, 1),
	}
}

// Start begins the FIFO worker loop in a background goroutine.
func (r *Runner) Start() {
	go r.run()
}

// Stop signals the worker to finish its current Operation and exit.
func (r *Runner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Enqueue accepts a new Operation and returns its id. The Operation
// starts in pending status and is picked up by the worker loop in
// FIFO order.
func (r *Runner) Enqueue(targetMACs, commands []string, opts types.OperationOptions) (string, error) {
	op := &types.Operation{
		ID:         uuid.NewString(),
		TargetMACs: targetMACs,
		Commands:   commands,
		Options:    opts,
		Status:     types.OperationPending,
		CreatedAt:  time.Now(),
	}
	if err := r.store.SaveOperation(op); err != nil {
		return "", fmt.Errorf("operations: save operation: %w", err)
	}

	r.mu.Lock()
	r.queue = append(r.queue, op.ID)
	r.mu.Unlock()

	select {
	case r.wakeCh <- struct{}{}:
	default:
	}

	return op.ID, nil
}

// Cancel transitions a pending or running Operation to cancelled.
// Already-terminal Sessions are unaffected; the rest are cancelled at
// the next safe point (between commands).
func (r *Runner) Cancel(opID string) error {
	r.mu.Lock()
	r.cancelled[opID] = true
	r.mu.Unlock()

	op, err := r.store.GetOperation(opID)
	if err != nil {
		return fmt.Errorf("operations: get operation: %w", err)
	}
	if op.Status == types.OperationPending {
		op.Status = types.OperationCancelled
		return r.store.SaveOperation(op)
	}
	return nil
}

// Retry creates a new Operation targeting only the hosts whose
// Sessions failed in opID.
func (r *Runner) Retry(opID string) (string, error) {
	op, err := r.store.GetOperation(opID)
	if err != nil {
		return "", fmt.Errorf("operations: get operation: %w", err)
	}

	var failedMACs []string
	for _, s := range op.Sessions {
		if s.Status == types.SessionFailed {
			failedMACs = append(failedMACs, s.MAC)
		}
	}
	if len(failedMACs) == 0 {
		return "", fmt.Errorf("operations: no failed sessions to retry")
	}

	return r.Enqueue(failedMACs, op.Commands, op.Options)
}

// ListScheduled returns every hostname that has run-on-next-boot
// commands recorded in the store, mapped to those commands.
func (r *Runner) ListScheduled() (map[string][]string, error) {
	return r.store.ListScheduledCommands()
}

// ScheduleOnNextBoot records run-on-next-boot commands for hostname in
// the store's scheduled-commands table, replacing any earlier entry.
// No command file is written to disk.
func (r *Runner) ScheduleOnNextBoot(hostname string, commands []string) error {
	return r.store.SaveScheduledCommand(hostname, commands)
}

// CancelScheduled deletes hostname's recorded run-on-next-boot
// commands from the store.
func (r *Runner) CancelScheduled(hostname string) error {
	return r.store.DeleteScheduledCommand(hostname)
}

func (r *Runner) run() {
	defer close(r.doneCh)

	for {
		opID, ok := r.dequeue()
		if !ok {
			select {
			case <-r.wakeCh:
				continue
			case <-r.stopCh:
				return
			}
		}

		if err := r.execute(opID); err != nil {
			r.logger.Error().Err(err).Str("operation_id", opID).Msg("operation execution faulted")
		}

		select {
		case <-r.stopCh:
			return
		default:
		}
	}
}

func (r *Runner) dequeue() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return "", false
	}
	opID := r.queue[0]
	r.queue = r.queue[1:]
	return opID, true
}

func (r *Runner) isCancelled(opID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[opID]
}

// execute runs every Session of the Operation, bounded by the
// configured concurrency cap, then finalizes the Operation's terminal
// status and stats.
func (r *Runner) execute(opID string) error {
	op, err := r.store.GetOperation(opID)
	if err != nil {
		return fmt.Errorf("load operation: %w", err)
	}
	if op.Status == types.OperationCancelled {
		return nil
	}

	op.Status = types.OperationRunning
	op.StartedAt = time.Now()

	op.Sessions = make([]*types.Session, 0, len(op.TargetMACs))
	for _, mac := range sortedMACs(op.TargetMACs) {
		hostname, ip, ok := r.resolver.ResolveHost(mac)
		if !ok {
			hostname = mac
		}
		op.Sessions = append(op.Sessions, &types.Session{
			OperationID: op.ID,
			Hostname:    hostname,
			MAC:         mac,
			IPAddress:   ip,
			Status:      types.SessionPending,
		})
	}
	if err := r.store.SaveOperation(op); err != nil {
		return fmt.Errorf("save running operation: %w", err)
	}

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, sess := range op.Sessions {
		wg.Add(1)
		sem <- struct{}{}
		go func(sess *types.Session) {
			defer wg.Done()
			defer func() { <-sem }()

			r.runSession(op, sess)

			mu.Lock()
			r.updateProgress(op)
			mu.Unlock()
		}(sess)
	}
	wg.Wait()

	r.finalize(op)
	return r.store.SaveOperation(op)
}

// runSession executes one host's Session: optional WoL pre-delay,
// then each command in order over SSH, stopping at the first
// non-zero exit or cancellation.
func (r *Runner) runSession(op *types.Operation, sess *types.Session) {
	sess.Status = types.SessionRunning
	sess.StartedAt = time.Now()

	if op.Options.WakeOnLAN {
		if err := sendMagicPacket(sess.MAC); err != nil {
			r.logger.Warn().Err(err).Str("mac", sess.MAC).Msg("wake-on-lan send failed")
		}
		if op.Options.WoLPreDelay > 0 {
			time.Sleep(op.Options.WoLPreDelay)
		}
	}

	for _, cmd := range op.Commands {
		if r.isCancelled(op.ID) {
			sess.Status = types.SessionCancelled
			sess.FinishedAt = time.Now()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		exitCode, output, err := r.executor.Run(ctx, sess.IPAddress, cmd)
		cancel()

		sess.Log += output

		if err != nil || exitCode != 0 {
			sess.Status = types.SessionFailed
			if err != nil {
				sess.Error = err.Error()
			} else {
				sess.Error = fmt.Sprintf("command %q exited %d", cmd, exitCode)
			}
			sess.FinishedAt = time.Now()
			r.statuses.UpdateHostStatus(sess.MAC, types.HostStatusError)
			return
		}

		r.statuses.UpdateHostStatus(sess.MAC, statusForCommand(cmd))
	}

	sess.Status = types.SessionCompleted
	sess.FinishedAt = time.Now()
}

// statusForCommand maps the LINBO command vocabulary to the cached
// host live-status it implies.
func statusForCommand(cmd string) types.HostLiveStatus {
	switch cmd {
	case "sync", "initcache":
		return types.HostStatusSyncing
	case "start":
		return types.HostStatusBooting
	case "shutdown", "halt":
		return types.HostStatusOffline
	default:
		return types.HostStatusOnline
	}
}

// updateProgress recomputes Operation progress across all Sessions
// and broadcasts operation.progress.
func (r *Runner) updateProgress(op *types.Operation) {
	stats := computeStats(op.Sessions)
	terminal := stats.Completed + stats.Failed + stats.Cancelled
	progress := 0
	if stats.Total > 0 {
		progress = int(math.Ceil(100 * float64(terminal) / float64(stats.Total)))
	}

	r.broker.Publish(&events.Event{
		Type:    events.TypeOperationProgress,
		Message: fmt.Sprintf("operation %s progress", op.ID),
		Metadata: map[string]string{
			"operation_id": op.ID,
			"progress":     fmt.Sprintf("%d", progress),
		},
	})
}

// finalize sets the Operation's terminal status from its Sessions'
// outcomes and broadcasts operation.completed.
func (r *Runner) finalize(op *types.Operation) {
	op.FinishedAt = time.Now()
	stats := computeStats(op.Sessions)

	switch {
	case r.isCancelled(op.ID):
		op.Status = types.OperationCancelled
	case stats.Failed > 0:
		op.Status = types.OperationCompletedWithErrors
	default:
		op.Status = types.OperationCompleted
	}

	metrics.OperationsTotal.WithLabelValues(string(op.Status)).Inc()
	for _, s := range op.Sessions {
		metrics.SessionsTotal.WithLabelValues(string(s.Status)).Inc()
	}

	r.broker.Publish(&events.Event{
		Type:    events.TypeOperationCompleted,
		Message: fmt.Sprintf("operation %s completed", op.ID),
		Metadata: map[string]string{
			"operation_id": op.ID,
			"total":        fmt.Sprintf("%d", stats.Total),
			"completed":    fmt.Sprintf("%d", stats.Completed),
			"failed":       fmt.Sprintf("%d", stats.Failed),
			"cancelled":    fmt.Sprintf("%d", stats.Cancelled),
		},
	})
}

// computeStats tallies terminal session outcomes. total always equals
// completed + failed + cancelled once every Session has reached a
// terminal state.
func computeStats(sessions []*types.Session) types.Stats {
	stats := types.Stats{Total: len(sessions)}
	for _, s := range sessions {
		switch s.Status {
		case types.SessionCompleted:
			stats.Completed++
		case types.SessionFailed:
			stats.Failed++
		case types.SessionCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// unconfiguredExecutor is the Runner's default when no SSH credential
// was loaded: every command fails immediately as a Session failure,
// never a worker fault.
type unconfiguredExecutor struct{}

func (unconfiguredExecutor) Run(ctx context.Context, ip, command string) (int, string, error) {
	return -1, "", fmt.Errorf("operations: no SSH executor configured")
}

func sortedMACs(macs []string) []string {
	out := append([]string(nil), macs...)
	sort.Strings(out)
	return out
}

// sendMagicPacket sends a Wake-on-LAN magic packet (six 0xFF bytes
// followed by the target MAC repeated 16 times) as a UDP broadcast.
func sendMagicPacket(mac string) error {
	hwAddr, err := net.ParseMAC(mac)
	if err != nil {
		return fmt.Errorf("parse mac %s: %w", mac, err)
	}

	packet := make([]byte, 0, 102)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, hwAddr...)
	}

	conn, err := net.Dial("udp", "255.255.255.255:9")
	if err != nil {
		return fmt.Errorf("dial broadcast: %w", err)
	}
	defer conn.Close()

	_, err = conn.Write(packet)
	return err
}
