// Package storage defines the durable key/value interface backing
// InventoryCache, SyncState, Operations/Sessions, and host-status
// records.
package storage

import "github.com/linbo-net/runtime/pkg/types"

// Store is the durable persistence interface. BoltStore is the only
// implementation; it is seamed out as an interface so InventoryCache
// and friends can be tested against an in-memory fake.
type Store interface {
	// Hosts
	UpsertHost(host *types.HostRecord) error
	GetHost(mac string) (*types.HostRecord, error)
	ListHosts() ([]*types.HostRecord, error)
	DeleteHost(mac string) error

	// Configs
	UpsertConfig(cfg *types.ConfigRecord) error
	GetConfig(groupID string) (*types.ConfigRecord, error)
	ListConfigs() ([]*types.ConfigRecord, error)
	DeleteConfig(groupID string) error

	// ApplyBatch persists every host/config upsert and delete in b as
	// a single transaction: either all of it commits or none of it
	// does.
	ApplyBatch(b Batch) error

	// Sync state
	SaveSyncState(state *types.SyncState) error
	LoadSyncState() (*types.SyncState, error)

	// Operations
	SaveOperation(op *types.Operation) error
	GetOperation(id string) (*types.Operation, error)
	ListOperations() ([]*types.Operation, error)

	// Host live status
	SaveHostStatus(s *types.HostStatusRecord) error
	GetHostStatus(mac string) (*types.HostStatusRecord, error)
	ListHostStatuses() ([]*types.HostStatusRecord, error)

	// Scheduled (run-on-next-boot) commands, keyed by hostname.
	SaveScheduledCommand(hostname string, commands []string) error
	GetScheduledCommand(hostname string) ([]string, bool, error)
	ListScheduledCommands() (map[string][]string, error)
	DeleteScheduledCommand(hostname string) error

	Close() error
}

// Batch is the set of host/config writes ApplyBatch applies
// transactionally.
type Batch struct {
	UpsertHosts   []*types.HostRecord
	DeleteHosts   []string
	UpsertConfigs []*types.ConfigRecord
	DeleteConfigs []string
}

// ErrNotFound is returned by Get* methods when no record exists for
// the given key.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "storage: not found" }
