package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/linbo-net/runtime/pkg/authority"
	"github.com/linbo-net/runtime/pkg/config"
	"github.com/linbo-net/runtime/pkg/events"
	"github.com/linbo-net/runtime/pkg/hostscan"
	"github.com/linbo-net/runtime/pkg/inventory"
	"github.com/linbo-net/runtime/pkg/log"
	"github.com/linbo-net/runtime/pkg/metrics"
	"github.com/linbo-net/runtime/pkg/operations"
	"github.com/linbo-net/runtime/pkg/snapshot"
	"github.com/linbo-net/runtime/pkg/storage"
	"github.com/linbo-net/runtime/pkg/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync, snapshot, operations, and host-scan pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// adminAddr is the local admin API address the sync/snapshot CLI
// subcommands talk to. Not part of the Authority-facing surface.
const adminAddr = "127.0.0.1:8091"

func runServe() error {
	cfg := config.Load()
	if cfg.AuthorityAPIURL == "" {
		return fmt.Errorf("%w: AUTHORITY_API_URL is required", errUserError)
	}

	logger := log.WithComponent("serve")
	metrics.MustRegisterAll()

	store, err := storage.NewBoltStore(cfg.SnapshotDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	cache, err := inventory.New(store)
	if err != nil {
		return fmt.Errorf("load inventory cache: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	authCfg := authority.DefaultConfig(cfg.AuthorityAPIURL, cfg.AuthorityBearer)
	authClient := authority.New(authCfg)

	snapSvc, err := snapshot.New(broker, snapshot.Config{
		BaseDir:   cfg.SnapshotDir,
		RuntimeIP: cfg.RuntimeServerIP,
		MaxKeep:   cfg.SnapshotMaxKeep,
	})
	if err != nil {
		return fmt.Errorf("create snapshot service: %w", err)
	}

	syncSvc := sync.New(authClient, cache, store, broker, snapSvc, sync.Config{
		PollInterval:  cfg.SyncPollInterval,
		FullInterval:  cfg.SyncFullInterval,
		WebhookSecret: cfg.WebhookSecret,
	})

	hostScanner := hostscan.New(cache, store, broker, hostscan.Config{
		Interval:    cfg.HostScanInterval,
		Concurrency: cfg.HostScanConcurrency,
		PortTimeout: cfg.HostScanPortTimeout,
		StaleAfter:  cfg.HostScanStaleAfter,
	})

	var executor operations.Executor
	if sshExec, err := buildSSHExecutor(cfg.SSHUser, cfg.SSHPrivateKeyPath); err != nil {
		logger.Warn().Err(err).Msg("could not load SSH key, operations against live hosts will fail")
	} else {
		executor = sshExec
	}

	runner := operations.New(store, cache, executor, cache, broker, operations.Config{
		MaxConcurrentSessions: cfg.MaxConcurrentSess,
	})

	syncSvc.Start()
	defer syncSvc.Stop()
	hostScanner.Start()
	defer hostScanner.Stop()
	runner.Start()
	defer runner.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/sync/status", adminSyncStatus(store))
	mux.HandleFunc("/sync/trigger", adminSyncTrigger(syncSvc))
	mux.HandleFunc("/snapshot/rollback", adminSnapshotRollback(snapSvc))

	adminServer := &http.Server{Addr: adminAddr, Handler: mux}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin server stopped unexpectedly")
		}
	}()

	logger.Info().Str("admin_addr", adminAddr).Msg("runtime core started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return adminServer.Shutdown(ctx)
}

func adminSyncStatus(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := store.LoadSyncState()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(state)
	}
}

func adminSyncTrigger(svc *sync.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.TriggerNow()
		w.WriteHeader(http.StatusAccepted)
	}
}

func buildSSHExecutor(user, keyPath string) (*operations.SSHExecutor, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", keyPath, err)
	}
	return operations.NewSSHExecutor(user, signer), nil
}

func adminSnapshotRollback(svc *snapshot.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Rollback(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
