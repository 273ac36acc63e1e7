package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.SyncPollInterval != 30*time.Second {
		t.Errorf("SyncPollInterval = %v, want 30s", cfg.SyncPollInterval)
	}
	if cfg.SnapshotDir != "/var/lib/runtime/snapshots" {
		t.Errorf("SnapshotDir = %q, want default", cfg.SnapshotDir)
	}
	if cfg.MaxConcurrentSess != 5 {
		t.Errorf("MaxConcurrentSess = %d, want 5", cfg.MaxConcurrentSess)
	}
	if cfg.HostScanPortTimeout != 500*time.Millisecond {
		t.Errorf("HostScanPortTimeout = %v, want 500ms", cfg.HostScanPortTimeout)
	}
	if cfg.SSHUser != "root" {
		t.Errorf("SSHUser = %q, want %q", cfg.SSHUser, "root")
	}
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	t.Setenv("AUTHORITY_API_URL", "https://authority.example.org")
	t.Setenv("SYNC_POLL_INTERVAL_SEC", "45")
	t.Setenv("SNAPSHOT_MAX_KEEP", "7")
	t.Setenv("HOST_SCAN_STALE_AFTER", "not-a-number")

	cfg := Load()

	if cfg.AuthorityAPIURL != "https://authority.example.org" {
		t.Errorf("AuthorityAPIURL = %q, want override", cfg.AuthorityAPIURL)
	}
	if cfg.SyncPollInterval != 45*time.Second {
		t.Errorf("SyncPollInterval = %v, want 45s", cfg.SyncPollInterval)
	}
	if cfg.SnapshotMaxKeep != 7 {
		t.Errorf("SnapshotMaxKeep = %d, want 7", cfg.SnapshotMaxKeep)
	}
	if cfg.HostScanStaleAfter != 5 {
		t.Errorf("HostScanStaleAfter = %d, want default 5 when env value is unparsable", cfg.HostScanStaleAfter)
	}
}
