// Package sync implements SyncService: the ticker-driven loop that
// pulls the Authority's delta feed, applies it to the inventory cache
// as a single batch, and triggers a snapshot rebuild when anything
// changed. A CLI call can also wake the loop early via TriggerNow.
// VerifyWebhook checks an inbound webhook's HMAC signature; it does not
// itself trigger a cycle.
package sync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/linbo-net/runtime/pkg/authority"
	"github.com/linbo-net/runtime/pkg/configparse"
	"github.com/linbo-net/runtime/pkg/events"
	"github.com/linbo-net/runtime/pkg/inventory"
	"github.com/linbo-net/runtime/pkg/log"
	"github.com/linbo-net/runtime/pkg/metrics"
	"github.com/linbo-net/runtime/pkg/storage"
	"github.com/linbo-net/runtime/pkg/types"
)

// Rebuilder is implemented by SnapshotService. SyncService depends on
// this narrow interface rather than the concrete type to keep the two
// packages decoupled.
type Rebuilder interface {
	Build(ctx context.Context, view inventory.View, cursor types.Cursor) error
}

// Service is the sync loop.
type Service struct {
	client      *authority.Client
	cache       *inventory.Cache
	store       storage.Store
	broker      *events.Broker
	rebuilder   Rebuilder
	logger      zerolog.Logger

	pollInterval time.Duration
	fullInterval time.Duration
	webhookSecret string

	mu          sync.Mutex
	running     bool
	pending     bool
	triggerCh   chan struct{}
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// Config configures a Service.
type Config struct {
	PollInterval  time.Duration
	FullInterval  time.Duration
	WebhookSecret string
}

// New creates a SyncService.
func New(client *authority.Client, cache *inventory.Cache, store storage.Store, broker *events.Broker, rebuilder Rebuilder, cfg Config) *Service {
	return &Service{
		client:        client,
		cache:         cache,
		store:         store,
		broker:        broker,
		rebuilder:     rebuilder,
		logger:        log.WithComponent("sync"),
		pollInterval:  cfg.PollInterval,
		fullInterval:  cfg.FullInterval,
		webhookSecret: cfg.WebhookSecret,
		triggerCh:     make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start begins the poll loop in a background goroutine.
func (s *Service) Start() {
	go s.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// TriggerNow wakes the loop immediately instead of waiting for the
// next poll tick. Safe to call concurrently; a trigger that arrives
// while a cycle is running waits in a one-slot channel and runs one
// more cycle right after it, and further triggers are dropped while
// that slot is full, never stacking multiple queued reruns.
func (s *Service) TriggerNow() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
		// a trigger is already queued, nothing more to do
	}
}

// VerifyWebhook checks an HMAC-SHA256 signature (hex-encoded) over
// body using the configured webhook secret, per the Authority's
// push-notification contract.
func (s *Service) VerifyWebhook(body, signature []byte) bool {
	if s.webhookSecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	expected := mac.Sum(nil)

	decoded := make([]byte, hex.DecodedLen(len(signature)))
	n, err := hex.Decode(decoded, signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, decoded[:n])
}

func (s *Service) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.pollInterval).Msg("sync service started")

	// Run an initial cycle immediately rather than waiting a full
	// interval after a cold start.
	s.runCycleCoalesced()

	for {
		select {
		case <-ticker.C:
			s.runCycleCoalesced()
		case <-s.triggerCh:
			s.runCycleCoalesced()
		case <-s.stopCh:
			s.logger.Info().Msg("sync service stopped")
			return
		}
	}
}

// runCycleCoalesced ensures only one cycle runs at a time: if a cycle
// is already in flight, it marks a pending rerun and returns instead
// of running a second cycle concurrently.
func (s *Service) runCycleCoalesced() {
	s.mu.Lock()
	if s.running {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := s.cycle(ctx)
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Msg("sync cycle failed")
		}

		s.mu.Lock()
		if !s.pending {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()
	}
}

// cycle performs one sync cycle: fetch the delta feed, apply it, and
// trigger a rebuild if anything changed.
func (s *Service) cycle(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncCycleDuration)

	state, err := s.store.LoadSyncState()
	if err != nil {
		return fmt.Errorf("sync: load state: %w", err)
	}

	changes, err := s.client.GetChanges(ctx, state.Cursor)
	if authority.IsStaleCursor(err) {
		s.logger.Warn().Msg("cursor rejected by authority, falling back to full sync")
		return s.fullSync(ctx)
	}
	if err != nil {
		metrics.SyncCyclesTotal.WithLabelValues("error").Inc()
		s.recordFailure(state, err)
		return fmt.Errorf("sync: get changes: %w", err)
	}

	if changes.Empty() {
		metrics.SyncCyclesTotal.WithLabelValues("empty").Inc()
		s.recordSuccess(state, state.Cursor)
		return nil
	}

	if err := s.applyDelta(ctx, changes); err != nil {
		metrics.SyncCyclesTotal.WithLabelValues("error").Inc()
		s.recordFailure(state, err)
		return fmt.Errorf("sync: apply delta: %w", err)
	}

	metrics.SyncCyclesTotal.WithLabelValues("ok").Inc()
	s.recordSuccess(state, changes.NextCursor)

	view := s.cache.SnapshotView()
	if err := s.rebuilder.Build(ctx, view, changes.NextCursor); err != nil {
		return fmt.Errorf("sync: rebuild snapshot: %w", err)
	}

	s.broker.Publish(&events.Event{
		Type:    events.TypeSync,
		Message: "sync cycle applied changes",
		Metadata: map[string]string{
			"cursor": string(changes.NextCursor),
		},
	})

	return nil
}

// applyDelta fetches the full bodies for every changed id named by
// changes and applies them to the inventory cache as one batch.
func (s *Service) applyDelta(ctx context.Context, changes *authority.ChangesResponse) error {
	batch := inventory.Batch{
		DeleteHosts: changes.DeletedHosts,
	}

	if len(changes.HostsChanged) > 0 {
		hosts, err := s.client.BatchGetHosts(ctx, changes.HostsChanged)
		if err != nil {
			return fmt.Errorf("fetch hosts: %w", err)
		}
		batch.UpsertHosts = hosts
	}

	if len(changes.ConfigsChanged) > 0 {
		configs, err := s.client.BatchGetConfigs(ctx, changes.ConfigsChanged)
		if err != nil {
			return fmt.Errorf("fetch configs: %w", err)
		}
		// RawText is authoritative; always re-derive the advisory
		// parsed view from it locally rather than trust whatever the
		// Authority happened to send for Parsed.
		for _, cfg := range configs {
			parsed, err := configparse.Parse(cfg.RawText)
			if err != nil {
				s.logger.Warn().Str("group_id", cfg.GroupID).Err(err).Msg("failed to parse start.conf, keeping raw text only")
				continue
			}
			cfg.Parsed = parsed
		}
		batch.UpsertConfigs = configs
	}

	if err := s.cache.ApplyBatch(batch); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}

	hosts, configs := s.cache.Counts()
	metrics.InventoryHostsTotal.Set(float64(hosts))
	metrics.InventoryConfigsTotal.Set(float64(configs))

	return nil
}

// fullSync discards the stored cursor and rebuilds the entire
// inventory from a from-scratch delta-feed request.
func (s *Service) fullSync(ctx context.Context) error {
	changes, err := s.client.GetChanges(ctx, "")
	if err != nil {
		return fmt.Errorf("sync: full resync: %w", err)
	}

	hosts, err := s.client.BatchGetHosts(ctx, changes.HostsChanged)
	if err != nil {
		return fmt.Errorf("sync: full resync fetch hosts: %w", err)
	}
	configs, err := s.client.BatchGetConfigs(ctx, changes.ConfigsChanged)
	if err != nil {
		return fmt.Errorf("sync: full resync fetch configs: %w", err)
	}
	for _, cfg := range configs {
		if parsed, err := configparse.Parse(cfg.RawText); err == nil {
			cfg.Parsed = parsed
		}
	}

	if err := s.cache.ReconcileFull(hosts, configs); err != nil {
		return fmt.Errorf("sync: reconcile full: %w", err)
	}

	state := &types.SyncState{
		Cursor:        changes.NextCursor,
		LastSyncAt:    time.Now(),
		LastSuccessAt: time.Now(),
		Status:        types.SyncStatusOK,
	}
	if err := s.store.SaveSyncState(state); err != nil {
		return fmt.Errorf("sync: save state: %w", err)
	}

	view := s.cache.SnapshotView()
	if err := s.rebuilder.Build(ctx, view, changes.NextCursor); err != nil {
		return fmt.Errorf("sync: rebuild after full sync: %w", err)
	}

	s.broker.Publish(&events.Event{
		Type:    events.TypeSync,
		Message: "full resync completed",
	})

	return nil
}

func (s *Service) recordSuccess(state *types.SyncState, cursor types.Cursor) {
	now := time.Now()
	state.Cursor = cursor
	state.LastSyncAt = now
	state.LastSuccessAt = now
	state.Status = types.SyncStatusOK
	state.LastError = ""
	if err := s.store.SaveSyncState(state); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist sync state")
	}
	metrics.CursorAge.Set(0)
}

func (s *Service) recordFailure(state *types.SyncState, cycleErr error) {
	state.LastSyncAt = time.Now()
	state.Status = types.SyncStatusError
	state.LastError = cycleErr.Error()
	if err := s.store.SaveSyncState(state); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist sync state")
	}
	if !state.LastSuccessAt.IsZero() {
		metrics.CursorAge.Set(time.Since(state.LastSuccessAt).Seconds())
	}
}
