package offline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emm-site/offline-edge/internal/cache"
)

const (
	defaultPrecacheConcurrency = 4
	defaultCacheWriteTimeout   = 10 * time.Second
)

// Fetcher 代表网络：传输失败返回 error，HTTP 错误状态码仍是正常响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error)
}

// FetcherFunc 允许普通函数充当 Fetcher。
type FetcherFunc func(ctx context.Context, req *cache.Request) (*cache.Response, error)

// Fetch 调用 f 本身。
func (f FetcherFunc) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	return f(ctx, req)
}

// Observer 接收生命周期与请求处理的结果，用于指标统计。
type Observer interface {
	FetchCompleted(route Route, source Source, err error)
	CacheWriteCompleted(result WriteResult)
	InstallCompleted(generation Generation, duration time.Duration, err error)
	SweepCompleted(result SweepResult)
}

type nopObserver struct{}

func (nopObserver) FetchCompleted(Route, Source, error) {}
func (nopObserver) CacheWriteCompleted(WriteResult) {}
func (nopObserver) InstallCompleted(Generation, time.Duration, error) {}
func (nopObserver) SweepCompleted(SweepResult) {}

// WriteResult 描述一次后台缓存写入的结局。
type WriteResult string

const (
	WriteStored   WriteResult = "stored"
	WriteRejected WriteResult = "rejected"
	WriteFailed   WriteResult = "failed"
)

// State 是 worker 的生命周期阶段。
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options 描述构建一个 worker 所需的全部依赖。
type Options struct {
	Generation          Generation
	Scope               *url.URL
	Manifest            Manifest
	NavigationFallback  string
	Storage             cache.Storage
	Network             Fetcher
	Logger              *logrus.Logger
	Observer            Observer
	PrecacheConcurrency int
	CacheWriteTimeout   time.Duration
}

// Worker 对应一个世代的离线缓存管理器，生命周期内只安装、激活一次。
type Worker struct {
	generation   Generation
	scope        *url.URL
	origin       string
	manifest     Manifest
	fallback     *url.URL
	storage      cache.Storage
	network      Fetcher
	logger       *logrus.Logger
	observer     Observer
	concurrency  int
	writeTimeout time.Duration

	mu          sync.RWMutex
	state       State
	bucket      cache.Bucket
	skipWaiting bool
	lastSweep   *SweepResult

	writes sync.WaitGroup
}

// NewWorker 校验依赖并返回处于 parsed 状态的 worker。
func NewWorker(opts Options) (*Worker, error) {
	if opts.Generation == "" {
		return nil, errors.New("generation required")
	}
	if opts.Scope == nil || !opts.Scope.IsAbs() || opts.Scope.Host == "" {
		return nil, errors.New("absolute scope url required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher required")
	}

	scope := *opts.Scope
	if scope.Path == "" {
		scope.Path = "/"
	}
	fallbackRef := opts.NavigationFallback
	if fallbackRef == "" {
		fallbackRef = DefaultNavigationFallback
	}
	fallback, err := scope.Parse(fallbackRef)
	if err != nil {
		return nil, fmt.Errorf("resolve navigation fallback: %w", err)
	}
	if cache.OriginOf(fallback) != cache.OriginOf(&scope) {
		return nil, fmt.Errorf("navigation fallback must be same-origin: %s", fallback)
	}

	w := &Worker{
		generation:   opts.Generation,
		scope:        &scope,
		origin:       cache.OriginOf(&scope),
		manifest:     opts.Manifest.Clone(),
		fallback:     fallback,
		storage:      opts.Storage,
		network:      opts.Network,
		logger:       opts.Logger,
		observer:     opts.Observer,
		concurrency:  opts.PrecacheConcurrency,
		writeTimeout: opts.CacheWriteTimeout,
		state:        StateParsed,
	}
	if w.logger == nil {
		w.logger = logrus.StandardLogger()
	}
	if w.observer == nil {
		w.observer = nopObserver{}
	}
	if w.concurrency <= 0 {
		w.concurrency = defaultPrecacheConcurrency
	}
	if w.writeTimeout <= 0 {
		w.writeTimeout = defaultCacheWriteTimeout
	}
	return w, nil
}

// Generation 返回 worker 的缓存世代。
func (w *Worker) Generation() Generation {
	return w.generation
}

// Scope 返回作用域 URL 的副本。
func (w *Worker) Scope() *url.URL {
	u := *w.scope
	return &u
}

// Origin 返回 worker 自身的 origin。
func (w *Worker) Origin() string {
	return w.origin
}

// Manifest 返回预缓存清单副本。
func (w *Worker) Manifest() Manifest {
	return w.manifest.Clone()
}

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// SkipWaiting 表示 worker 是否已请求跳过 waiting 阶段。
func (w *Worker) SkipWaiting() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// LastSweep 返回最近一次激活清理的结果，未激活时为 nil。
func (w *Worker) LastSweep() *SweepResult {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.lastSweep == nil {
		return nil
	}
	sweep := *w.lastSweep
	return &sweep
}

// BucketNames 返回存储中现存的全部缓存桶名。
func (w *Worker) BucketNames(ctx context.Context) ([]string, error) {
	return w.storage.Keys(ctx)
}

// Wait 阻塞直到所有后台缓存写入结束。
func (w *Worker) Wait() {
	w.writes.Wait()
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) currentBucket() cache.Bucket {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.bucket
}

func (w *Worker) fields(action string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": string(w.generation),
	}
}
