package redis

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/brokerd/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, "test", nil), mr
}

func TestRedisConditionalLifecycle(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := "resources/g/k/a.json"

	created, err := store.PutObject(ctx, key, strings.NewReader(`{"generation":1}`), storage.PutObjectOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.PutObject(ctx, key, strings.NewReader(`{}`), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected create conflict, got %v", err)
	}
	got, err := store.GetObject(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(got.Reader)
	if string(body) != `{"generation":1}` || got.Info.ETag != created.ETag {
		t.Fatalf("unexpected object %q etag=%q", body, got.Info.ETag)
	}
	updated, err := store.PutObject(ctx, key, strings.NewReader(`{"generation":2}`), storage.PutObjectOptions{ExpectedETag: created.ETag})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ETag == created.ETag {
		t.Fatal("expected a fresh etag on update")
	}
	if _, err := store.PutObject(ctx, key, strings.NewReader(`{}`), storage.PutObjectOptions{ExpectedETag: created.ETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected stale update to fail, got %v", err)
	}
	if _, err := store.PutObject(ctx, "resources/g/k/none.json", strings.NewReader(`{}`), storage.PutObjectOptions{ExpectedETag: "x"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: created.ETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected delete mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: updated.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetObject(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteObject(ctx, key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found: %v", err)
	}
}

func TestRedisListObjectsPagesByPrefix(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"resources/g/k/a.json", "resources/g/k/b.json", "resources/g/k/c.json", "resources/g/other/z.json", "schemas/g/k.json"} {
		if _, err := store.PutObject(ctx, key, strings.NewReader(`{}`), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	page, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "resources/g/k/", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Objects) != 2 || !page.Truncated || page.NextStartAfter != "resources/g/k/b.json" {
		t.Fatalf("unexpected first page %+v", page)
	}
	next, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "resources/g/k/", StartAfter: page.NextStartAfter, Limit: 2})
	if err != nil {
		t.Fatalf("list next: %v", err)
	}
	if len(next.Objects) != 1 || next.Objects[0].Key != "resources/g/k/c.json" || next.Truncated {
		t.Fatalf("unexpected second page %+v", next)
	}
	all, err := storage.ListAll(ctx, store, "resources/")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 resources, got %d", len(all))
	}
}

func TestRedisChangeFeedFiltersByPrefix(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()
	sub, err := store.SubscribeChanges("resources/g/k/")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := store.PutObject(ctx, "schemas/g/k.json", strings.NewReader(`{}`), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put schema: %v", err)
	}
	select {
	case <-sub.Events():
		t.Fatal("unexpected signal for unrelated prefix")
	case <-time.After(100 * time.Millisecond):
	}
	if _, err := store.PutObject(ctx, "resources/g/k/a.json", strings.NewReader(`{}`), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("expected change signal")
	}
}
