package sync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linbo-net/runtime/pkg/authority"
	"github.com/linbo-net/runtime/pkg/events"
	"github.com/linbo-net/runtime/pkg/inventory"
	"github.com/linbo-net/runtime/pkg/storage"
	"github.com/linbo-net/runtime/pkg/types"
)

// fakeRebuilder records every Build call so tests can assert a
// rebuild was (or was not) triggered.
type fakeRebuilder struct {
	mu     sync.Mutex
	builds int
	delay  time.Duration
}

func (f *fakeRebuilder) Build(ctx context.Context, view inventory.View, cursor types.Cursor) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.builds++
	f.mu.Unlock()
	return nil
}

func (f *fakeRebuilder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func newTestCache(t *testing.T) (*inventory.Cache, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	cache, err := inventory.New(store)
	if err != nil {
		t.Fatalf("inventory.New() error = %v", err)
	}
	return cache, store
}

// deltaServer serves a scripted sequence of /changes responses keyed
// by call count, plus batch host/config lookups for whatever ids the
// most recent /changes response named.
type deltaServer struct {
	mu        sync.Mutex
	calls     int32
	responses []func() (int, string)
	hosts     map[string]*types.HostRecord
	configs   map[string]*types.ConfigRecord
}

func (s *deltaServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/linbo/changes", func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&s.calls, 1)) - 1
		s.mu.Lock()
		defer s.mu.Unlock()
		if n >= len(s.responses) {
			n = len(s.responses) - 1
		}
		status, body := s.responses[n]()
		w.WriteHeader(status)
		if body != "" {
			w.Write([]byte(body))
		}
	})
	mux.HandleFunc("/api/v1/linbo/hosts:batch", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Macs []string `json:"macs"` }
		json.NewDecoder(r.Body).Decode(&req)
		var out []*types.HostRecord
		for _, mac := range req.Macs {
			if h, ok := s.hosts[mac]; ok {
				out = append(out, h)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"hosts": out})
	})
	mux.HandleFunc("/api/v1/linbo/configs:batch", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ IDs []string `json:"ids"` }
		json.NewDecoder(r.Body).Decode(&req)
		var out []*types.ConfigRecord
		for _, id := range req.IDs {
			if c, ok := s.configs[id]; ok {
				out = append(out, c)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"configs": out})
	})
	return mux
}

func TestCycleAppliesDeltaAndRebuilds(t *testing.T) {
	server := &deltaServer{
		responses: []func() (int, string){
			func() (int, string) {
				return http.StatusOK, `{"nextCursor":"c2","hostsChanged":["aa:bb:cc:dd:ee:01"]}`
			},
		},
		hosts: map[string]*types.HostRecord{
			"aa:bb:cc:dd:ee:01": {MAC: "aa:bb:cc:dd:ee:01", Hostname: "host-1", GroupID: "room-a"},
		},
	}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	cache, store := newTestCache(t)
	client := authority.New(authority.DefaultConfig(srv.URL, ""))
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	rebuilder := &fakeRebuilder{}

	svc := New(client, cache, store, broker, rebuilder, Config{PollInterval: time.Hour})

	if err := svc.cycle(context.Background()); err != nil {
		t.Fatalf("cycle() error = %v", err)
	}

	hosts, _ := cache.Counts()
	if hosts != 1 {
		t.Errorf("inventory host count = %d, want 1", hosts)
	}
	if rebuilder.count() != 1 {
		t.Errorf("rebuild count = %d, want 1", rebuilder.count())
	}

	state, err := store.LoadSyncState()
	if err != nil {
		t.Fatalf("LoadSyncState() error = %v", err)
	}
	if state.Cursor != "c2" {
		t.Errorf("persisted cursor = %q, want %q", state.Cursor, "c2")
	}
	if state.Status != types.SyncStatusOK {
		t.Errorf("persisted status = %q, want %q", state.Status, types.SyncStatusOK)
	}
}

func TestCycleEmptyDoesNotRebuild(t *testing.T) {
	server := &deltaServer{
		responses: []func() (int, string){
			func() (int, string) { return http.StatusOK, `{"nextCursor":"c1"}` },
		},
	}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	cache, store := newTestCache(t)
	client := authority.New(authority.DefaultConfig(srv.URL, ""))
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	rebuilder := &fakeRebuilder{}

	svc := New(client, cache, store, broker, rebuilder, Config{PollInterval: time.Hour})
	if err := svc.cycle(context.Background()); err != nil {
		t.Fatalf("cycle() error = %v", err)
	}
	if rebuilder.count() != 0 {
		t.Errorf("rebuild count = %d, want 0 for an empty delta", rebuilder.count())
	}
}

func TestCycleFallsBackToFullSyncOnStaleCursor(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/linbo/changes", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.Write([]byte(`{"nextCursor":"full-1","hostsChanged":["aa:bb:cc:dd:ee:01"]}`))
	})
	mux.HandleFunc("/api/v1/linbo/hosts:batch", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"hosts": []*types.HostRecord{
			{MAC: "aa:bb:cc:dd:ee:01", Hostname: "host-1"},
		}})
	})
	mux.HandleFunc("/api/v1/linbo/configs:batch", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"configs": []*types.ConfigRecord{}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cache, store := newTestCache(t)
	// Seed a cursor the fake Authority will reject on the first call.
	if err := store.SaveSyncState(&types.SyncState{Cursor: "stale-cursor"}); err != nil {
		t.Fatalf("seed SaveSyncState() error = %v", err)
	}

	client := authority.New(authority.DefaultConfig(srv.URL, ""))
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	rebuilder := &fakeRebuilder{}

	svc := New(client, cache, store, broker, rebuilder, Config{PollInterval: time.Hour})
	if err := svc.cycle(context.Background()); err != nil {
		t.Fatalf("cycle() error = %v", err)
	}

	hosts, _ := cache.Counts()
	if hosts != 1 {
		t.Errorf("host count after full resync = %d, want 1", hosts)
	}
	state, err := store.LoadSyncState()
	if err != nil {
		t.Fatalf("LoadSyncState() error = %v", err)
	}
	if state.Cursor != "full-1" {
		t.Errorf("cursor after full resync = %q, want %q", state.Cursor, "full-1")
	}
}

func TestRunCycleCoalescedSingleFlight(t *testing.T) {
	// dhcpChanged makes the delta non-empty, so every cycle reaches the
	// slow rebuilder and the concurrent triggers overlap a running cycle.
	server := &deltaServer{
		responses: []func() (int, string){
			func() (int, string) { return http.StatusOK, `{"nextCursor":"c1","dhcpChanged":true}` },
		},
	}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	cache, store := newTestCache(t)
	client := authority.New(authority.DefaultConfig(srv.URL, ""))
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	rebuilder := &fakeRebuilder{delay: 50 * time.Millisecond}

	svc := New(client, cache, store, broker, rebuilder, Config{PollInterval: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.runCycleCoalesced()
		}()
	}
	wg.Wait()

	// 5 concurrent triggers must coalesce to at most 2 actual cycles
	// (the one already running, plus at most one more pending rerun),
	// never stacking a queue of 5.
	if got := int(atomic.LoadInt32(&server.calls)); got > 2 {
		t.Errorf("changes endpoint called %d times across 5 concurrent triggers, want at most 2", got)
	}
}

func TestVerifyWebhook(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	defer store.Close()
	cache, err := inventory.New(store)
	if err != nil {
		t.Fatalf("inventory.New() error = %v", err)
	}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	svc := New(authority.New(authority.DefaultConfig("http://example.invalid", "")), cache, store, broker, &fakeRebuilder{}, Config{
		WebhookSecret: "shh",
	})

	body := []byte(`{"hostsChanged":["aa:bb:cc:dd:ee:01"]}`)
	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write(body)
	sig := []byte(hex.EncodeToString(mac.Sum(nil)))

	if !svc.VerifyWebhook(body, sig) {
		t.Errorf("VerifyWebhook() = false for a correctly signed body, want true")
	}
	if svc.VerifyWebhook(body, []byte("deadbeef")) {
		t.Errorf("VerifyWebhook() = true for a bad signature, want false")
	}
	if svc.VerifyWebhook([]byte("tampered"), sig) {
		t.Errorf("VerifyWebhook() = true for a tampered body, want false")
	}
}
