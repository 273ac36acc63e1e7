// Package hostscan implements the independent host-status scanner: it
// periodically TCP-probes known well-defined ports on every host's IP
// to detect whether it is running LINBO, an SSH daemon, or Windows,
// independent of whatever OperationRunner last observed.
package hostscan

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/linbo-net/runtime/pkg/events"
	"github.com/linbo-net/runtime/pkg/log"
	"github.com/linbo-net/runtime/pkg/metrics"
	"github.com/linbo-net/runtime/pkg/types"
)

// probePorts lists the well-known ports checked on every host, in the
// order their first response decides the detected OS.
var probePorts = []struct {
	port int
	os   string
}{
	{2222, "linbo"},
	{22, "ssh"},
	{135, "windows"},
	{445, "windows"},
	{3389, "windows"},
}

// HostLister supplies the current fleet's {mac, ip} pairs, backed by
// InventoryCache in production.
type HostLister interface {
	ListHostIPs() map[string]string // mac -> ip
}

// Store is the narrow persistence surface the scanner needs.
type Store interface {
	GetHostStatus(mac string) (*types.HostStatusRecord, error)
	SaveHostStatus(rec *types.HostStatusRecord) error
	ListHostStatuses() ([]*types.HostStatusRecord, error)
}

// Scanner is the host-status TCP scanner.
type Scanner struct {
	lister HostLister
	store  Store
	broker *events.Broker
	logger zerolog.Logger

	interval    time.Duration
	concurrency int
	portTimeout time.Duration
	staleAfter  int

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config configures a Scanner.
type Config struct {
	Interval    time.Duration
	Concurrency int
	PortTimeout time.Duration
	StaleAfter  int
}

// New creates a host-status Scanner.
func New(lister HostLister, store Store, broker *events.Broker, cfg Config) *Scanner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 30
	}
	if cfg.PortTimeout <= 0 {
		cfg.PortTimeout = 500 * time.Millisecond
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5
	}
	return &Scanner{
		lister:      lister,
		store:       store,
		broker:      broker,
		logger:      log.WithComponent("hostscan"),
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		portTimeout: cfg.PortTimeout,
		staleAfter:  cfg.StaleAfter,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the scan loop in a background goroutine.
func (s *Scanner) Start() {
	go s.run()
}

// Stop signals the loop to exit and waits for it.
func (s *Scanner) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scanner) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanCycle()
		case <-s.stopCh:
			return
		}
	}
}

// scanCycle probes every known host's IP with a cycle-wide
// concurrency cap and reconciles the result into the durable
// host-status table.
func (s *Scanner) scanCycle() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HostScanCycleDuration)

	hostIPs := s.lister.ListHostIPs()

	macs := make([]string, 0, len(hostIPs))
	for mac := range hostIPs {
		macs = append(macs, mac)
	}
	sort.Strings(macs)

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for _, mac := range macs {
		ip := hostIPs[mac]
		if ip == "" {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(mac, ip string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.probeAndReconcile(mac, ip)
		}(mac, ip)
	}
	wg.Wait()

	s.updateStatusGauges()
}

// probeAndReconcile probes one host and merges the result with its
// prior state: a successful probe always wins ("scan wins"), bumping
// lastOnlineAt and restoring online; a silent probe only clears the
// detected OS after staleAfter consecutive misses.
func (s *Scanner) probeAndReconcile(mac, ip string) {
	detectedOS := s.probeHost(ip)

	prior, err := s.store.GetHostStatus(mac)
	if err != nil {
		prior = &types.HostStatusRecord{MAC: mac, Status: types.HostStatusUnknown}
	}

	rec := *prior
	rec.MAC = mac

	if detectedOS != "" {
		rec.DetectedOS = detectedOS
		rec.Status = types.HostStatusOnline
		rec.LastOnlineAt = time.Now()
		rec.ConsecutiveMisses = 0
	} else {
		rec.ConsecutiveMisses++
		if rec.ConsecutiveMisses >= s.staleAfter {
			rec.DetectedOS = ""
			rec.Status = types.HostStatusOffline
		}
	}

	if err := s.store.SaveHostStatus(&rec); err != nil {
		s.logger.Error().Err(err).Str("mac", mac).Msg("failed to persist host status")
	}
}

// probeHost tries each well-known port in order and returns the OS
// associated with the first one to accept a connection, or "" if none
// responded.
func (s *Scanner) probeHost(ip string) string {
	for _, p := range probePorts {
		ctx, cancel := context.WithTimeout(context.Background(), s.portTimeout)
		ok := dial(ctx, ip, p.port)
		cancel()
		if ok {
			return p.os
		}
	}
	return ""
}

func dial(ctx context.Context, ip string, port int) bool {
	dialer := net.Dialer{}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (s *Scanner) updateStatusGauges() {
	recs, err := s.store.ListHostStatuses()
	if err != nil {
		return
	}
	counts := map[types.HostLiveStatus]int{}
	for _, r := range recs {
		counts[r.Status]++
	}
	for _, status := range []types.HostLiveStatus{
		types.HostStatusUnknown, types.HostStatusOnline, types.HostStatusSyncing,
		types.HostStatusBooting, types.HostStatusOffline, types.HostStatusError,
	} {
		metrics.HostsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
