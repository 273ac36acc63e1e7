// Package inventory holds the applied fleet inventory: hosts keyed by
// MAC and group configs keyed by id. Writers take an exclusive lock
// while applying a batch; readers obtain a point-in-time copy of the
// whole inventory, taken in O(n) under a read lock, so a writer waits
// while a copy is being taken. Once taken, a snapshot build works on
// its copy without holding any lock.
package inventory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/linbo-net/runtime/pkg/storage"
	"github.com/linbo-net/runtime/pkg/types"
)

// ErrConflict is returned when a batch apply would violate hostname
// or MAC uniqueness. The whole batch is discarded.
var ErrConflict = errors.New("inventory: uniqueness conflict")

// View is a read-only, point-in-time snapshot of the inventory,
// suitable for feeding SnapshotService. It shares no mutable state
// with the cache that produced it.
type View struct {
	Hosts   map[string]*types.HostRecord // by MAC
	Configs map[string]*types.ConfigRecord // by group id
}

// Cache is the in-memory, durably-backed inventory cache.
type Cache struct {
	mu      sync.RWMutex
	hosts   map[string]*types.HostRecord
	configs map[string]*types.ConfigRecord
	store   storage.Store
}

// New creates a Cache backed by store, loading any previously
// persisted hosts/configs (recovering in-memory state after a
// restart without requiring a full resync).
func New(store storage.Store) (*Cache, error) {
	c := &Cache{
		hosts:   make(map[string]*types.HostRecord),
		configs: make(map[string]*types.ConfigRecord),
		store:   store,
	}

	hosts, err := store.ListHosts()
	if err != nil {
		return nil, fmt.Errorf("inventory: load hosts: %w", err)
	}
	for _, h := range hosts {
		c.hosts[h.MAC] = h
	}

	configs, err := store.ListConfigs()
	if err != nil {
		return nil, fmt.Errorf("inventory: load configs: %w", err)
	}
	for _, cfg := range configs {
		c.configs[cfg.GroupID] = cfg
	}

	return c, nil
}

// UpsertHost inserts or replaces a host record, persisting it
// durably before making it visible to readers.
func (c *Cache) UpsertHost(host *types.HostRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkHostUniqueness(host); err != nil {
		return err
	}
	if err := c.store.UpsertHost(host); err != nil {
		return fmt.Errorf("inventory: persist host %s: %w", host.MAC, err)
	}
	c.hosts[host.MAC] = host
	return nil
}

func (c *Cache) checkHostUniqueness(host *types.HostRecord) error {
	for mac, existing := range c.hosts {
		if mac == host.MAC {
			continue
		}
		if existing.Hostname == host.Hostname {
			return fmt.Errorf("%w: hostname %q already used by %s", ErrConflict, host.Hostname, mac)
		}
	}
	return nil
}

// DeleteHost removes a host by MAC.
func (c *Cache) DeleteHost(mac string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.DeleteHost(mac); err != nil {
		return fmt.Errorf("inventory: delete host %s: %w", mac, err)
	}
	delete(c.hosts, mac)
	return nil
}

// UpsertConfig inserts or replaces a group config.
func (c *Cache) UpsertConfig(cfg *types.ConfigRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.UpsertConfig(cfg); err != nil {
		return fmt.Errorf("inventory: persist config %s: %w", cfg.GroupID, err)
	}
	c.configs[cfg.GroupID] = cfg
	return nil
}

// DeleteConfig removes a group config by id.
func (c *Cache) DeleteConfig(groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.DeleteConfig(groupID); err != nil {
		return fmt.Errorf("inventory: delete config %s: %w", groupID, err)
	}
	delete(c.configs, groupID)
	return nil
}

// Batch is a set of upserts/deletes applied atomically: either all
// succeed or the cache is left unchanged (modeling the "single
// transaction that either commits or discards the batch" rule).
type Batch struct {
	UpsertHosts   []*types.HostRecord
	DeleteHosts   []string
	UpsertConfigs []*types.ConfigRecord
	DeleteConfigs []string
}

// ApplyBatch applies every change in b as one all-or-nothing unit. On
// any uniqueness conflict the whole batch is discarded and the cache
// is left exactly as it was before the call.
func (c *Cache) ApplyBatch(b Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Validate the whole batch against a scratch copy of the hostname
	// index before mutating anything or touching the durable store.
	hostnames := make(map[string]string, len(c.hosts))
	for mac, h := range c.hosts {
		hostnames[h.Hostname] = mac
	}
	for _, mac := range b.DeleteHosts {
		if h, ok := c.hosts[mac]; ok {
			delete(hostnames, h.Hostname)
		}
	}
	for _, h := range b.UpsertHosts {
		if owner, ok := hostnames[h.Hostname]; ok && owner != h.MAC {
			return fmt.Errorf("%w: hostname %q already used by %s", ErrConflict, h.Hostname, owner)
		}
		hostnames[h.Hostname] = h.MAC
	}

	// Everything validated: persist the whole batch as one durable
	// transaction before touching memory, so a mid-batch failure
	// never leaves the store holding a partial write.
	if err := c.store.ApplyBatch(storage.Batch{
		UpsertHosts:   b.UpsertHosts,
		DeleteHosts:   b.DeleteHosts,
		UpsertConfigs: b.UpsertConfigs,
		DeleteConfigs: b.DeleteConfigs,
	}); err != nil {
		return fmt.Errorf("inventory: apply batch: %w", err)
	}

	for _, h := range b.UpsertHosts {
		c.hosts[h.MAC] = h
	}
	for _, mac := range b.DeleteHosts {
		delete(c.hosts, mac)
	}
	for _, cfg := range b.UpsertConfigs {
		c.configs[cfg.GroupID] = cfg
	}
	for _, id := range b.DeleteConfigs {
		delete(c.configs, id)
	}

	return nil
}

// ReconcileFull replaces the entire cache contents with exactly the
// given full set, deleting anything not present (used after a
// stale-cursor full resync).
func (c *Cache) ReconcileFull(hosts []*types.HostRecord, configs []*types.ConfigRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keepHosts := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		keepHosts[h.MAC] = true
	}
	keepConfigs := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		keepConfigs[cfg.GroupID] = true
	}

	for mac := range c.hosts {
		if !keepHosts[mac] {
			if err := c.store.DeleteHost(mac); err != nil {
				return fmt.Errorf("inventory: reconcile delete host %s: %w", mac, err)
			}
		}
	}
	for id := range c.configs {
		if !keepConfigs[id] {
			if err := c.store.DeleteConfig(id); err != nil {
				return fmt.Errorf("inventory: reconcile delete config %s: %w", id, err)
			}
		}
	}
	for _, h := range hosts {
		if err := c.store.UpsertHost(h); err != nil {
			return fmt.Errorf("inventory: reconcile upsert host %s: %w", h.MAC, err)
		}
	}
	for _, cfg := range configs {
		if err := c.store.UpsertConfig(cfg); err != nil {
			return fmt.Errorf("inventory: reconcile upsert config %s: %w", cfg.GroupID, err)
		}
	}

	newHosts := make(map[string]*types.HostRecord, len(hosts))
	for _, h := range hosts {
		newHosts[h.MAC] = h
	}
	newConfigs := make(map[string]*types.ConfigRecord, len(configs))
	for _, cfg := range configs {
		newConfigs[cfg.GroupID] = cfg
	}
	c.hosts = newHosts
	c.configs = newConfigs

	return nil
}

// SnapshotView returns a consistent, point-in-time, read-only copy of
// the cache suitable for a snapshot build. The copy is O(n) in the
// number of entities and is taken under a read lock, so writers wait
// while it is made; afterward it is owned exclusively by the caller.
func (c *Cache) SnapshotView() View {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hosts := make(map[string]*types.HostRecord, len(c.hosts))
	for k, v := range c.hosts {
		copyVal := *v
		if v.Metadata != nil {
			copyVal.Metadata = make(map[string]string, len(v.Metadata))
			for mk, mv := range v.Metadata {
				copyVal.Metadata[mk] = mv
			}
		}
		hosts[k] = &copyVal
	}
	configs := make(map[string]*types.ConfigRecord, len(c.configs))
	for k, v := range c.configs {
		copyVal := *v
		copyVal.Parsed.Partitions = append([]types.PartitionRecord(nil), v.Parsed.Partitions...)
		copyVal.Parsed.OS = append([]types.OsRecord(nil), v.Parsed.OS...)
		configs[k] = &copyVal
	}

	return View{Hosts: hosts, Configs: configs}
}

// Counts returns the current number of hosts and configs, for metrics.
func (c *Cache) Counts() (hosts, configs int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hosts), len(c.configs)
}
