package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/lockmgr"
	"pkt.systems/brokerd/internal/resource"
	"pkt.systems/brokerd/internal/storage/memory"
)

type fixture struct {
	store *resource.Store
	locks *lockmgr.Manager
	clk   *clock.Manual
	srv   *httptest.Server
}

func newFixture(t *testing.T, health func(context.Context) error) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	store, err := resource.New(resource.Config{Backend: memory.New(), Clock: clk})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.RegisterSchema(ctx, "backup.brokerd.io", "backups"); err != nil {
		t.Fatalf("register: %v", err)
	}
	locks, err := lockmgr.New(lockmgr.Config{Store: store, Clock: clk, Owner: "proc-a"})
	if err != nil {
		t.Fatalf("locks: %v", err)
	}
	if err := locks.RegisterSchema(ctx); err != nil {
		t.Fatalf("register locks: %v", err)
	}
	srv := httptest.NewServer(NewHandler(Config{Locks: locks, Resources: store, Health: health, Clock: clk}))
	t.Cleanup(srv.Close)
	return &fixture{store: store, locks: locks, clk: clk, srv: srv}
}

func (f *fixture) get(t *testing.T, path string, header http.Header, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	var body HealthResponse
	resp := f.get(t, "/healthz", nil, &body)
	if resp.StatusCode != http.StatusOK || body.Status != "ok" || body.Version == "" || body.Build.Module == "" {
		t.Fatalf("unexpected health %d %+v", resp.StatusCode, body)
	}
	if resp.Header.Get(headerCorrelationID) == "" {
		t.Fatal("expected generated correlation id")
	}
}

func TestHealthzReportsUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(context.Context) error { return errors.New("store unreachable") })
	var body HealthResponse
	resp := f.get(t, "/healthz", http.Header{headerCorrelationID: {"req-42"}}, &body)
	if resp.StatusCode != http.StatusServiceUnavailable || body.Detail != "store unreachable" {
		t.Fatalf("unexpected health %d %+v", resp.StatusCode, body)
	}
	if got := resp.Header.Get(headerCorrelationID); got != "req-42" {
		t.Fatalf("expected propagated correlation id, got %q", got)
	}
}

func TestLockStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	handle, err := f.locks.Lock(context.Background(), "instance-1", lockmgr.Details{ResourceGroup: "backup.brokerd.io", ResourceKind: "backups", ResourceID: "b1"}, lockmgr.OpBackup)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	f.clk.Advance(2 * time.Hour)
	var body LockResponse
	resp := f.get(t, "/v1/locks/instance-1", nil, &body)
	if resp.StatusCode != http.StatusOK || !body.WriteLocked || body.Handle != handle {
		t.Fatalf("unexpected lock status %d %+v", resp.StatusCode, body)
	}
	if body.Lock == nil || body.Lock.Owner != "proc-a" || body.Held != "2 hours" {
		t.Fatalf("unexpected lock details %+v", body)
	}

	var free LockResponse
	resp = f.get(t, "/v1/locks/instance-2", nil, &free)
	if resp.StatusCode != http.StatusOK || free.WriteLocked || free.Lock != nil {
		t.Fatalf("unexpected status for free id %d %+v", resp.StatusCode, free)
	}
}

func TestResourceLookup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ref := resource.Ref{Group: "backup.brokerd.io", Kind: "backups", ID: "b1"}
	created, err := f.store.Create(context.Background(), ref, resource.Spec{Options: json.RawMessage(`{"instanceId":"i-1"}`)}, resource.Status{State: resource.StateInQueue})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var body struct {
		ID      string          `json:"id"`
		Version string          `json:"version"`
		Status  resource.Status `json:"status"`
	}
	resp := f.get(t, "/v1/resources/backup.brokerd.io/backups/b1", nil, &body)
	if resp.StatusCode != http.StatusOK || body.ID != "b1" || body.Version != created.Version || body.Status.State != resource.StateInQueue {
		t.Fatalf("unexpected resource %d %+v", resp.StatusCode, body)
	}
	if resp.Header.Get("ETag") != `"`+created.Version+`"` {
		t.Fatalf("unexpected etag %q", resp.Header.Get("ETag"))
	}

	cases := []struct {
		path string
		code int
		want string
	}{
		{"/v1/resources/backup.brokerd.io/backups/missing", http.StatusNotFound, "not_found"},
		{"/v1/resources/unknown.brokerd.io/things/x", http.StatusNotFound, "unknown_kind"},
		{"/v1/resources/backup.brokerd.io/backups/a%5Cb", http.StatusBadRequest, "invalid_reference"},
	}
	for _, tc := range cases {
		var errBody ErrorResponse
		resp := f.get(t, tc.path, nil, &errBody)
		if resp.StatusCode != tc.code || errBody.ErrorCode != tc.want {
			t.Fatalf("%s: expected %d %s, got %d %+v", tc.path, tc.code, tc.want, resp.StatusCode, errBody)
		}
	}
}

func TestListenServesAndShutsDown(t *testing.T) {
	t.Parallel()
	srv, err := Listen(Config{Listen: "127.0.0.1:0", MaxConns: 2})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if _, err := Listen(Config{}); err == nil {
		t.Fatal("expected error for empty listen address")
	}
}
