// Package types defines the core entities of the runtime sync and
// snapshot pipeline: the inventory (hosts, group configs), the change
// feed, the materialized snapshot, and the operation/session fan-out
// model.
package types

import "time"

// Cursor is an opaque, totally-ordered token issued by the Authority.
// An empty Cursor denotes "from the beginning" (request a full sync).
type Cursor string

// Empty reports whether the cursor requests a full sync.
func (c Cursor) Empty() bool { return c == "" }

// HostRecord is a single fleet host, identified by its canonicalized
// MAC address.
type HostRecord struct {
	MAC         string // canonical lowercase colon-separated
	Hostname    string // unique
	IPAddress   string // optional
	Room        string
	GroupID     string // foreign key into ConfigRecord
	Role        string
	PXEEnabled  bool
	Metadata    map[string]string
	UpdatedAt   time.Time
}

// PartitionRecord is one [Partition] stanza of a start.conf.
type PartitionRecord struct {
	Name      string
	Dev       string
	Label     string
	FSType    string
	Size      string
	ID        string
	Bootable  bool
}

// OsRecord is one [OS] stanza of a start.conf.
type OsRecord struct {
	Name        string
	Version     string
	IconName    string
	BaseImage   string
	Boot        string
	Root        string
	Kernel      string
	Initrd      string
	Append      string
	StartEnabled bool
	SyncEnabled  bool
}

// LinboSettings is the parsed [LINBO] section of a start.conf.
type LinboSettings struct {
	Server        string
	Group         string
	Cache         string
	BootTimeout   int
	KernelOptions string
	Locale        string
}

// ConfigRecord is a group configuration, identified by a lowercase
// ASCII slug. RawText is authoritative; Parsed is a derived view
// advisory to API consumers only (never written back to the
// snapshot).
type ConfigRecord struct {
	GroupID    string
	RawText    string
	Parsed     ParsedConfig
	UpdatedAt  time.Time
}

// ParsedConfig is the derived view of a ConfigRecord's raw text.
type ParsedConfig struct {
	Linbo      LinboSettings
	Partitions []PartitionRecord
	OS         []OsRecord
}

// EntityKind identifies the kind of entity a ChangeEvent targets.
type EntityKind string

const (
	EntityHost      EntityKind = "host"
	EntityStartConf EntityKind = "startconf"
	EntityConfig    EntityKind = "config"
	EntityDHCP      EntityKind = "dhcp"
)

// ChangeKind discriminates a ChangeEvent.
type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is a single cursor-ordered change announced by the
// Authority's delta feed. Events are never reordered.
type ChangeEvent struct {
	Cursor Cursor
	Kind   ChangeKind
	Entity EntityKind
	ID     string
}

// SyncStatus is the enumerated status of the last sync attempt.
type SyncStatus string

const (
	SyncStatusIdle  SyncStatus = "idle"
	SyncStatusOK    SyncStatus = "ok"
	SyncStatusError SyncStatus = "error"
)

// SyncState is the singleton record of SyncService's progress.
type SyncState struct {
	Cursor          Cursor
	LastSyncAt      time.Time
	LastSuccessAt   time.Time
	Status          SyncStatus
	LastError       string
	ActiveSnapshot  string
}

// Manifest describes one built snapshot.
type Manifest struct {
	Cursor      Cursor    `json:"cursor"`
	CreatedAt   time.Time `json:"createdAt"`
	HostCount   int       `json:"hostCount"`
	ConfigCount int       `json:"configCount"`
	ContentHash string    `json:"contentHash"`
}

// OperationStatus is the enumerated state of an Operation.
type OperationStatus string

const (
	OperationPending            OperationStatus = "pending"
	OperationRunning            OperationStatus = "running"
	OperationCompleted          OperationStatus = "completed"
	OperationCompletedWithErrors OperationStatus = "completed_with_errors"
	OperationCancelled          OperationStatus = "cancelled"
)

// SessionStatus is the enumerated state of a Session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// OperationOptions controls how an Operation's sessions are executed.
type OperationOptions struct {
	WakeOnLAN     bool
	WoLPreDelay   time.Duration
	Scheduled     bool // stored with the Operation; the Runner does not read it and runs every Operation over live SSH
}

// Operation is a fan-out job against a set of target hosts.
type Operation struct {
	ID         string
	TargetMACs []string
	Commands   []string
	Options    OperationOptions
	Status     OperationStatus
	Sessions   []*Session
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Session is one host's slice of an Operation.
type Session struct {
	OperationID string
	Hostname    string
	MAC         string
	IPAddress   string
	Status      SessionStatus
	Progress    int // 0-100
	Log         string
	StartedAt   time.Time
	FinishedAt  time.Time
	Error       string
}

// Stats summarizes an Operation's terminal session counts.
type Stats struct {
	Total     int
	Completed int
	Failed    int
	Cancelled int
}

// HostLiveStatus is the cached runtime status of a host, updated both
// by OperationRunner (after executing a command) and by the host-scan
// loop (from an independent TCP probe).
type HostLiveStatus string

const (
	HostStatusUnknown HostLiveStatus = "unknown"
	HostStatusOnline  HostLiveStatus = "online"
	HostStatusSyncing HostLiveStatus = "syncing"
	HostStatusBooting HostLiveStatus = "booting"
	HostStatusOffline HostLiveStatus = "offline"
	HostStatusError   HostLiveStatus = "error"
)

// HostStatusRecord is the persisted live-status entry for one host.
type HostStatusRecord struct {
	MAC              string
	Status           HostLiveStatus
	DetectedOS       string // "linbo", "ssh", "windows", ""
	LastOnlineAt     time.Time
	ConsecutiveMisses int
}
