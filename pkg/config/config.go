// Package config loads runtime configuration from environment
// variables, matching the defaults in the Authority/Runtime wire spec.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-tunable setting for the sync,
// snapshot, operation, and host-scan pipelines.
type Config struct {
	AuthorityAPIURL     string
	AuthorityBearer     string
	SyncPollInterval    time.Duration
	SyncFullInterval    time.Duration
	WebhookSecret       string
	SnapshotDir         string
	SnapshotMaxKeep     int
	RuntimeServerIP     string
	MaxConcurrentSess   int
	HostScanInterval    time.Duration
	HostScanConcurrency int
	HostScanPortTimeout time.Duration
	HostScanStaleAfter  int
	SSHUser             string
	SSHPrivateKeyPath   string
}

// Load reads configuration from the environment, applying the
// defaults documented in the external interfaces section.
func Load() Config {
	return Config{
		AuthorityAPIURL:     getString("AUTHORITY_API_URL", ""),
		AuthorityBearer:     getString("AUTHORITY_BEARER_TOKEN", ""),
		SyncPollInterval:    getSeconds("SYNC_POLL_INTERVAL_SEC", 30),
		SyncFullInterval:    getSeconds("SYNC_FULL_INTERVAL_SEC", 3600),
		WebhookSecret:       getString("WEBHOOK_SECRET", ""),
		SnapshotDir:         getString("SNAPSHOT_DIR", "/var/lib/runtime/snapshots"),
		SnapshotMaxKeep:     getInt("SNAPSHOT_MAX_KEEP", 3),
		RuntimeServerIP:     getString("RUNTIME_SERVER_IP", ""),
		MaxConcurrentSess:   getInt("MAX_CONCURRENT_SESSIONS", 5),
		HostScanInterval:    getSeconds("HOST_SCAN_INTERVAL_SEC", 30),
		HostScanConcurrency: getInt("HOST_SCAN_CONCURRENCY", 30),
		HostScanPortTimeout: getMillis("HOST_SCAN_PORT_TIMEOUT_MS", 500),
		HostScanStaleAfter:  getInt("HOST_SCAN_STALE_AFTER", 5),
		SSHUser:             getString("RUNTIME_SSH_USER", "root"),
		SSHPrivateKeyPath:   getString("RUNTIME_SSH_KEY_PATH", "/etc/runtime/ssh/id_ed25519"),
	}
}

func getString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getSeconds(name string, defSec int) time.Duration {
	return time.Duration(getInt(name, defSec)) * time.Second
}

func getMillis(name string, defMs int) time.Duration {
	return time.Duration(getInt(name, defMs)) * time.Millisecond
}
