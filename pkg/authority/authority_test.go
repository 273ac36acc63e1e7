package authority

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linbo-net/runtime/pkg/types"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		BearerToken: "test-token",
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		Backoff:     []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond},
	}
}

func TestGetChangesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization header = %q, want Bearer test-token", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"nextCursor":"c2","hostsChanged":["aa:bb:cc:dd:ee:01"]}`))
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	changes, err := client.GetChanges(context.Background(), types.Cursor("c1"))
	if err != nil {
		t.Fatalf("GetChanges() error = %v", err)
	}
	if changes.NextCursor != "c2" {
		t.Errorf("NextCursor = %q, want %q", changes.NextCursor, "c2")
	}
	if changes.Empty() {
		t.Errorf("Empty() = true, want false")
	}
}

func TestGetChangesStaleCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	_, err := client.GetChanges(context.Background(), types.Cursor("stale"))
	if !IsStaleCursor(err) {
		t.Fatalf("GetChanges() error = %v, want a stale-cursor error", err)
	}
}

func TestGetChangesUnauthorizedNeverRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	_, err := client.GetChanges(context.Background(), types.Cursor(""))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("GetChanges() error = %v, want ErrUnauthorized", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("handler called %d times, want exactly 1 (no retry on 401)", got)
	}
}

func TestGetChangesRetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"nextCursor":"c2"}`))
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	changes, err := client.GetChanges(context.Background(), types.Cursor(""))
	if err != nil {
		t.Fatalf("GetChanges() error = %v, want eventual success after retries", err)
	}
	if changes.NextCursor != "c2" {
		t.Errorf("NextCursor = %q, want %q", changes.NextCursor, "c2")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("handler called %d times, want 3 (2 failures + 1 success)", got)
	}
}

func TestGetChangesExhaustsRetriesAsUnreachable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	_, err := client.GetChanges(context.Background(), types.Cursor(""))
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("GetChanges() error = %v, want ErrUnreachable", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("handler called %d times, want MaxAttempts=3", got)
	}
}

func TestGetDhcpExportNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != `"etag-1"` {
			t.Errorf("If-None-Match = %q, want %q", r.Header.Get("If-None-Match"), `"etag-1"`)
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	result, err := client.GetDhcpExport(context.Background(), `"etag-1"`)
	if err != nil {
		t.Fatalf("GetDhcpExport() error = %v", err)
	}
	if !result.NotModified {
		t.Errorf("NotModified = false, want true")
	}
}

func TestCheckHealthUnreachableReportsUnhealthy(t *testing.T) {
	client := New(testConfig("http://127.0.0.1:1")) // nothing listens here
	result := client.CheckHealth(context.Background())
	if result.Healthy {
		t.Errorf("Healthy = true for an unreachable Authority, want false")
	}
}

func TestCheckHealthOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":"1.2.3"}`))
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	result := client.CheckHealth(context.Background())
	if !result.Healthy || result.Version != "1.2.3" {
		t.Errorf("CheckHealth() = %+v, want Healthy=true Version=1.2.3", result)
	}
}
