package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/linbo-net/runtime/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketHosts       = []byte("hosts")
	bucketConfigs     = []byte("configs")
	bucketSyncState   = []byte("sync_state")
	bucketOperations  = []byte("operations")
	bucketHostStatus  = []byte("host_status")
	bucketScheduled   = []byte("scheduled_commands")

	syncStateKey = []byte("singleton")
)

// BoltStore implements Store using a single BoltDB file, one bucket
// per entity kind.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a BoltDB-backed store
// under dataDir/runtime.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "runtime.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketHosts, bucketConfigs, bucketSyncState,
			bucketOperations, bucketHostStatus, bucketScheduled,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error { return s.db.Close() }

// Hosts

func (s *BoltStore) UpsertHost(host *types.HostRecord) error {
	return s.put(bucketHosts, []byte(host.MAC), host)
}

func (s *BoltStore) GetHost(mac string) (*types.HostRecord, error) {
	var host types.HostRecord
	if err := s.get(bucketHosts, []byte(mac), &host); err != nil {
		return nil, err
	}
	return &host, nil
}

func (s *BoltStore) ListHosts() ([]*types.HostRecord, error) {
	var hosts []*types.HostRecord
	err := s.forEach(bucketHosts, func(v []byte) error {
		var h types.HostRecord
		if err := json.Unmarshal(v, &h); err != nil {
			return err
		}
		hosts = append(hosts, &h)
		return nil
	})
	return hosts, err
}

func (s *BoltStore) DeleteHost(mac string) error {
	return s.delete(bucketHosts, []byte(mac))
}

// Configs

func (s *BoltStore) UpsertConfig(cfg *types.ConfigRecord) error {
	return s.put(bucketConfigs, []byte(cfg.GroupID), cfg)
}

func (s *BoltStore) GetConfig(groupID string) (*types.ConfigRecord, error) {
	var cfg types.ConfigRecord
	if err := s.get(bucketConfigs, []byte(groupID), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) ListConfigs() ([]*types.ConfigRecord, error) {
	var configs []*types.ConfigRecord
	err := s.forEach(bucketConfigs, func(v []byte) error {
		var c types.ConfigRecord
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		configs = append(configs, &c)
		return nil
	})
	return configs, err
}

func (s *BoltStore) DeleteConfig(groupID string) error {
	return s.delete(bucketConfigs, []byte(groupID))
}

// ApplyBatch writes every host/config change in b under one bolt.Tx,
// so a failure partway through rolls back everything instead of
// leaving the database holding a partially-applied batch.
func (s *BoltStore) ApplyBatch(b Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		hosts := tx.Bucket(bucketHosts)
		configs := tx.Bucket(bucketConfigs)

		for _, h := range b.UpsertHosts {
			data, err := json.Marshal(h)
			if err != nil {
				return fmt.Errorf("storage: marshal host %s: %w", h.MAC, err)
			}
			if err := hosts.Put([]byte(h.MAC), data); err != nil {
				return fmt.Errorf("storage: put host %s: %w", h.MAC, err)
			}
		}
		for _, mac := range b.DeleteHosts {
			if err := hosts.Delete([]byte(mac)); err != nil {
				return fmt.Errorf("storage: delete host %s: %w", mac, err)
			}
		}
		for _, cfg := range b.UpsertConfigs {
			data, err := json.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("storage: marshal config %s: %w", cfg.GroupID, err)
			}
			if err := configs.Put([]byte(cfg.GroupID), data); err != nil {
				return fmt.Errorf("storage: put config %s: %w", cfg.GroupID, err)
			}
		}
		for _, id := range b.DeleteConfigs {
			if err := configs.Delete([]byte(id)); err != nil {
				return fmt.Errorf("storage: delete config %s: %w", id, err)
			}
		}
		return nil
	})
}

// Sync state

func (s *BoltStore) SaveSyncState(state *types.SyncState) error {
	return s.put(bucketSyncState, syncStateKey, state)
}

func (s *BoltStore) LoadSyncState() (*types.SyncState, error) {
	var state types.SyncState
	if err := s.get(bucketSyncState, syncStateKey, &state); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &types.SyncState{Status: types.SyncStatusIdle}, nil
		}
		return nil, err
	}
	return &state, nil
}

// Operations

func (s *BoltStore) SaveOperation(op *types.Operation) error {
	return s.put(bucketOperations, []byte(op.ID), op)
}

func (s *BoltStore) GetOperation(id string) (*types.Operation, error) {
	var op types.Operation
	if err := s.get(bucketOperations, []byte(id), &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *BoltStore) ListOperations() ([]*types.Operation, error) {
	var ops []*types.Operation
	err := s.forEach(bucketOperations, func(v []byte) error {
		var o types.Operation
		if err := json.Unmarshal(v, &o); err != nil {
			return err
		}
		ops = append(ops, &o)
		return nil
	})
	return ops, err
}

// Host live status

func (s *BoltStore) SaveHostStatus(rec *types.HostStatusRecord) error {
	return s.put(bucketHostStatus, []byte(rec.MAC), rec)
}

func (s *BoltStore) GetHostStatus(mac string) (*types.HostStatusRecord, error) {
	var rec types.HostStatusRecord
	if err := s.get(bucketHostStatus, []byte(mac), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListHostStatuses() ([]*types.HostStatusRecord, error) {
	var recs []*types.HostStatusRecord
	err := s.forEach(bucketHostStatus, func(v []byte) error {
		var r types.HostStatusRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		recs = append(recs, &r)
		return nil
	})
	return recs, err
}

// Scheduled (run-on-next-boot) commands

func (s *BoltStore) SaveScheduledCommand(hostname string, commands []string) error {
	return s.put(bucketScheduled, []byte(hostname), commands)
}

func (s *BoltStore) GetScheduledCommand(hostname string) ([]string, bool, error) {
	var commands []string
	err := s.get(bucketScheduled, []byte(hostname), &commands)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return commands, true, nil
}

func (s *BoltStore) ListScheduledCommands() (map[string][]string, error) {
	out := make(map[string][]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScheduled)
		return b.ForEach(func(k, v []byte) error {
			var commands []string
			if err := json.Unmarshal(v, &commands); err != nil {
				return err
			}
			out[string(k)] = commands
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteScheduledCommand(hostname string) error {
	return s.delete(bucketScheduled, []byte(hostname))
}

// generic helpers

func (s *BoltStore) put(bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *BoltStore) get(bucket, key []byte, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

func (s *BoltStore) forEach(bucket []byte, fn func(v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			return fn(v)
		})
	})
}
