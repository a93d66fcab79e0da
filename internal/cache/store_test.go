package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type storageFactory func(t *testing.T) Storage

func backends() map[string]storageFactory {
	return map[string]storageFactory{
		"memory": func(t *testing.T) Storage {
			return NewMemoryStorage()
		},
		"disk": func(t *testing.T) Storage {
			return newTestStore(t)
		},
		"sqlite": func(t *testing.T) Storage {
			store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
			if err != nil {
				t.Fatalf("sqlite storage error: %v", err)
			}
			t.Cleanup(func() { store.Close() })
			return store
		},
		"redis": func(t *testing.T) Storage {
			mr := miniredis.RunT(t)
			store, err := NewRedisStorage(RedisOptions{Addr: mr.Addr()})
			if err != nil {
				t.Fatalf("redis storage error: %v", err)
			}
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Storage)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestStoragePutAndMatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		bucket, err := store.Open(ctx, "emm-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}

		req := mustRequest(t, http.MethodGet, "https://site.example/styles.css#top", nil)
		resp := &Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/css"}},
			Body:       []byte("body{}"),
		}
		if err := bucket.Put(ctx, req, resp); err != nil {
			t.Fatalf("put error: %v", err)
		}

		got, err := bucket.Match(ctx, mustRequest(t, http.MethodGet, "https://site.example/styles.css", nil))
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(got.Body) != "body{}" {
			t.Fatalf("cached payload mismatch: %s", string(got.Body))
		}
		if got.Header.Get("Content-Type") != "text/css" {
			t.Fatalf("content type mismatch: %s", got.Header.Get("Content-Type"))
		}
		if got.StatusCode != http.StatusOK {
			t.Fatalf("status mismatch: %d", got.StatusCode)
		}

		keys, err := bucket.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if !reflect.DeepEqual(keys, []string{"https://site.example/styles.css"}) {
			t.Fatalf("unexpected entry keys: %v", keys)
		}
	})
}

func TestStorageMatchMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		bucket, err := store.Open(context.Background(), "emm-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		_, err = bucket.Match(context.Background(), mustRequest(t, http.MethodGet, "https://site.example/missing", nil))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStorageKeysKeepCreationOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		for _, name := range []string{"emm-v0", "emm-v2", "emm-v1", "emm-v0"} {
			if _, err := store.Open(ctx, name); err != nil {
				t.Fatalf("open %s error: %v", name, err)
			}
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if !reflect.DeepEqual(keys, []string{"emm-v0", "emm-v2", "emm-v1"}) {
			t.Fatalf("unexpected bucket order: %v", keys)
		}
	})
}

func TestStorageDeleteBucket(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		bucket, err := store.Open(ctx, "emm-v0")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		req := mustRequest(t, http.MethodGet, "https://site.example/app.js", nil)
		if err := bucket.Put(ctx, req, &Response{StatusCode: http.StatusOK, Body: []byte("js")}); err != nil {
			t.Fatalf("put error: %v", err)
		}

		removed, err := store.Delete(ctx, "emm-v0")
		if err != nil || !removed {
			t.Fatalf("expected bucket removed, got %v %v", removed, err)
		}
		removed, err = store.Delete(ctx, "emm-v0")
		if err != nil || removed {
			t.Fatalf("second delete should report false, got %v %v", removed, err)
		}
		if ok, _ := store.Has(ctx, "emm-v0"); ok {
			t.Fatalf("bucket should be gone")
		}

		// 已删除桶的句柄不能复活旧世代。
		err = bucket.Put(ctx, req, &Response{StatusCode: http.StatusOK, Body: []byte("late")})
		if !errors.Is(err, ErrBucketDeleted) {
			t.Fatalf("expected ErrBucketDeleted, got %v", err)
		}
		if ok, _ := store.Has(ctx, "emm-v0"); ok {
			t.Fatalf("late write must not recreate bucket")
		}

		reopened, err := store.Open(ctx, "emm-v0")
		if err != nil {
			t.Fatalf("reopen error: %v", err)
		}
		if _, err := reopened.Match(ctx, req); !errors.Is(err, ErrNotFound) {
			t.Fatalf("reopened bucket should be empty, got %v", err)
		}
	})
}

func TestRedisLateWriteDoesNotRecreateSweptBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	replicaA, err := NewRedisStorage(RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("redis storage error: %v", err)
	}
	t.Cleanup(func() { replicaA.Close() })
	replicaB, err := NewRedisStorage(RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("redis storage error: %v", err)
	}
	t.Cleanup(func() { replicaB.Close() })

	bucket, err := replicaB.Open(ctx, "emm-v0")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	if _, err := replicaA.Delete(ctx, "emm-v0"); err != nil {
		t.Fatalf("delete error: %v", err)
	}

	req := mustRequest(t, http.MethodGet, "https://site.example/app.js", nil)
	err = bucket.Put(ctx, req, &Response{StatusCode: http.StatusOK, Body: []byte("late")})
	if !errors.Is(err, ErrBucketDeleted) {
		t.Fatalf("expected ErrBucketDeleted, got %v", err)
	}
	if mr.Exists(bucketHashKey("emm-v0")) {
		t.Fatalf("late write must not leave an orphan hash")
	}
}

func TestFileStorageDeleteWaitsForInflightWrite(t *testing.T) {
	store := newTestStore(t)
	fsStore := store.(*fileStorage)
	ctx := context.Background()

	bucket, err := store.Open(ctx, "emm-v0")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}

	deleted := make(chan error, 1)
	fsStore.beforeWrite = func(string) {
		// 在存在性检查与写入之间发起删除
		go func() {
			_, err := store.Delete(context.Background(), "emm-v0")
			deleted <- err
		}()
		time.Sleep(20 * time.Millisecond)
	}

	req := mustRequest(t, http.MethodGet, "https://site.example/app.js", nil)
	if err := bucket.Put(ctx, req, &Response{StatusCode: http.StatusOK, Body: []byte("js")}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := <-deleted; err != nil {
		t.Fatalf("delete error: %v", err)
	}
	fsStore.beforeWrite = nil

	if _, err := os.Stat(fsStore.bucketDir("emm-v0")); !os.IsNotExist(err) {
		t.Fatalf("bucket directory should be removed, stat err=%v", err)
	}
	reopened, err := store.Open(ctx, "emm-v0")
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	if keys, _ := reopened.Keys(ctx); len(keys) != 0 {
		t.Fatalf("reopened bucket should not inherit stale entries: %v", keys)
	}
}

func TestStoragePutRejections(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		bucket, err := store.Open(ctx, "emm-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}

		post := mustRequest(t, http.MethodPost, "https://site.example/form", nil)
		if err := bucket.Put(ctx, post, &Response{StatusCode: http.StatusOK}); !errors.Is(err, ErrMethodNotCacheable) {
			t.Fatalf("expected ErrMethodNotCacheable, got %v", err)
		}

		get := mustRequest(t, http.MethodGet, "https://site.example/video.mp4", nil)
		if err := bucket.Put(ctx, get, &Response{StatusCode: http.StatusPartialContent}); !errors.Is(err, ErrPartialResponse) {
			t.Fatalf("expected ErrPartialResponse, got %v", err)
		}

		wild := &Response{StatusCode: http.StatusOK, Header: http.Header{"Vary": {"*"}}}
		if err := bucket.Put(ctx, get, wild); !errors.Is(err, ErrVaryWildcard) {
			t.Fatalf("expected ErrVaryWildcard, got %v", err)
		}
	})
}

func TestStorageMatchHonorsVary(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		bucket, err := store.Open(ctx, "emm-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}

		stored := mustRequest(t, http.MethodGet, "https://site.example/data.json", http.Header{"Accept-Language": {"en"}})
		resp := &Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Vary": {"Accept-Language"}},
			Body:       []byte(`{"lang":"en"}`),
		}
		if err := bucket.Put(ctx, stored, resp); err != nil {
			t.Fatalf("put error: %v", err)
		}

		same := mustRequest(t, http.MethodGet, "https://site.example/data.json", http.Header{"Accept-Language": {"en"}})
		if _, err := bucket.Match(ctx, same); err != nil {
			t.Fatalf("expected vary match, got %v", err)
		}
		other := mustRequest(t, http.MethodGet, "https://site.example/data.json", http.Header{"Accept-Language": {"de"}})
		if _, err := bucket.Match(ctx, other); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected vary mismatch to miss, got %v", err)
		}
		head := mustRequest(t, http.MethodHead, "https://site.example/data.json", http.Header{"Accept-Language": {"en"}})
		if _, err := bucket.Match(ctx, head); !errors.Is(err, ErrNotFound) {
			t.Fatalf("non-GET requests should never match, got %v", err)
		}
	})
}

func TestStorageRejectsInvalidBucketName(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		for _, name := range []string{"", " ", "..", "."} {
			if _, err := store.Open(context.Background(), name); !errors.Is(err, ErrInvalidBucketName) {
				t.Fatalf("expected ErrInvalidBucketName for %q, got %v", name, err)
			}
		}
	})
}

func TestFileStorageIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	if _, err := store.Open(context.Background(), "emm/v1"); err != nil {
		t.Fatalf("open error: %v", err)
	}

	again, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	keys, err := again.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"emm/v1"}) {
		t.Fatalf("unexpected keys after reopen: %v", keys)
	}
	if _, err := os.Stat(filepath.Join(dir, bucketDirName, "emm%2Fv1")); err != nil {
		t.Fatalf("expected escaped bucket dir: %v", err)
	}
}

func TestNewStorageRejectsUnknownBackend(t *testing.T) {
	if _, err := NewStorage(Options{Backend: "tape"}); err == nil {
		t.Fatalf("unknown backend should fail")
	}
}

func TestResponseCloneIsIndependent(t *testing.T) {
	orig := &Response{StatusCode: http.StatusOK, Header: http.Header{"X-A": {"1"}}, Body: []byte("abc")}
	dup := orig.Clone()
	dup.Body[0] = 'z'
	dup.Header.Set("X-A", "2")
	if string(orig.Body) != "abc" || orig.Header.Get("X-A") != "1" {
		t.Fatalf("clone shares memory with original")
	}
}

// newTestStore returns a Storage backed by a temporary directory.
func newTestStore(t *testing.T) Storage {
	t.Helper()
	store, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func mustRequest(t *testing.T, method, rawURL string, header http.Header) *Request {
	t.Helper()
	req, err := NewRequest(method, rawURL, header)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	return req
}
