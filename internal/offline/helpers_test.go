package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emm-site/offline-edge/internal/cache"
)

const testOrigin = "https://www.example-site.test"

var errNetworkDown = errors.New("dial tcp: network is unreachable")

// fakeNetwork 按绝对 URL 返回预置响应，未登记的地址返回 404。
type fakeNetwork struct {
	mu      sync.Mutex
	pages   map[string]*cache.Response
	failing map[string]bool
	offline bool
	calls   map[string]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		pages:   make(map[string]*cache.Response),
		failing: make(map[string]bool),
		calls:   make(map[string]int),
	}
}

func (n *fakeNetwork) serve(rawURL, contentType, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[rawURL] = &cache.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {contentType}},
		Body:       []byte(body),
		URL:        rawURL,
	}
}

func (n *fakeNetwork) fail(rawURL string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[rawURL] = true
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) callCount(rawURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[rawURL]
}

func (n *fakeNetwork) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := req.Key()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[key]++
	if n.offline || n.failing[key] {
		return nil, errNetworkDown
	}
	if resp, ok := n.pages[key]; ok {
		return resp.Clone(), nil
	}
	return &cache.Response{StatusCode: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found"), URL: key}, nil
}

// recordingObserver 记录回调，便于断言指标钩子。
type recordingObserver struct {
	mu       sync.Mutex
	fetches  []string
	writes   []WriteResult
	installs []error
	sweeps   []SweepResult
}

func (o *recordingObserver) FetchCompleted(route Route, source Source, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetches = append(o.fetches, string(route)+"/"+string(source))
}

func (o *recordingObserver) CacheWriteCompleted(result WriteResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes = append(o.writes, result)
}

func (o *recordingObserver) InstallCompleted(_ Generation, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.installs = append(o.installs, err)
}

func (o *recordingObserver) SweepCompleted(result SweepResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweeps = append(o.sweeps, result)
}

func (o *recordingObserver) writeResults() []WriteResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]WriteResult(nil), o.writes...)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testScope(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(testOrigin + "/")
	if err != nil {
		t.Fatalf("parse scope: %v", err)
	}
	return u
}

func testOptions(t *testing.T, store cache.Storage, network Fetcher, generation Generation, manifest Manifest) Options {
	t.Helper()
	return Options{
		Generation:        generation,
		Scope:             testScope(t),
		Manifest:          manifest,
		Storage:           store,
		Network:           network,
		Logger:            testLogger(),
		CacheWriteTimeout: time.Second,
	}
}

func newTestWorker(t *testing.T, store cache.Storage, network Fetcher, generation Generation, manifest Manifest) *Worker {
	t.Helper()
	w, err := NewWorker(testOptions(t, store, network, generation, manifest))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	t.Cleanup(w.Wait)
	return w
}

// activatedWorker 返回已完成安装与激活的 worker。
func activatedWorker(t *testing.T, store cache.Storage, network Fetcher, manifest Manifest) *Worker {
	t.Helper()
	w := newTestWorker(t, store, network, "emm-v1", manifest)
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := w.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return w
}

func pageRequest(t *testing.T, rawURL string) *cache.Request {
	t.Helper()
	req, err := cache.NewRequest(http.MethodGet, rawURL, http.Header{"Accept": {"text/html,application/xhtml+xml"}})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func assetRequest(t *testing.T, rawURL string) *cache.Request {
	t.Helper()
	req, err := cache.NewRequest(http.MethodGet, rawURL, http.Header{"Accept": {"*/*"}})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func mustBucket(t *testing.T, store cache.Storage, name string) cache.Bucket {
	t.Helper()
	bucket, err := store.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open bucket %s: %v", name, err)
	}
	return bucket
}

// faultyStorage 在指定桶的删除或枚举上注入错误。
type faultyStorage struct {
	cache.Storage
	deleteErr map[string]error
	keysErr   error
	putErr    error
}

func (s *faultyStorage) Keys(ctx context.Context) ([]string, error) {
	if s.keysErr != nil {
		return nil, s.keysErr
	}
	return s.Storage.Keys(ctx)
}

func (s *faultyStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := s.deleteErr[name]; err != nil {
		return false, err
	}
	return s.Storage.Delete(ctx, name)
}

func (s *faultyStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	bucket, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &faultyBucket{Bucket: bucket, storage: s}, nil
}

// faultyBucket 在 storage.putErr 被设置后拒绝写入，设置时机可晚于安装。
type faultyBucket struct {
	cache.Bucket
	storage *faultyStorage
}

func (b *faultyBucket) Put(ctx context.Context, req *cache.Request, resp *cache.Response) error {
	if b.storage.putErr != nil {
		return b.storage.putErr
	}
	return b.Bucket.Put(ctx, req, resp)
}

// gatedStorage 让指定桶的写入阻塞到 release 被关闭，用于观察后台写入。
type gatedStorage struct {
	cache.Storage
	bucket  string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStorage(bucket string) *gatedStorage {
	return &gatedStorage{
		Storage: cache.NewMemoryStorage(),
		bucket:  bucket,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *gatedStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	bucket, err := s.Storage.Open(ctx, name)
	if err != nil || name != s.bucket {
		return bucket, err
	}
	return &gatedBucket{Bucket: bucket, storage: s}, nil
}

type gatedBucket struct {
	cache.Bucket
	storage *gatedStorage
}

func (b *gatedBucket) Put(ctx context.Context, req *cache.Request, resp *cache.Response) error {
	if req.URL.Path != "/" {
		b.storage.once.Do(func() { close(b.storage.entered) })
		<-b.storage.release
	}
	return b.Bucket.Put(ctx, req, resp)
}
