package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/emm-site/offline-edge/internal/cache"
)

// Registration 持有当前控制请求的 worker，并串行化安装/激活/替换流程。
// 新 worker 安装失败时，旧 worker 继续提供服务。
type Registration struct {
	logger *logrus.Logger

	lifecycle sync.Mutex

	mu     sync.RWMutex
	active *Worker
	// claimed 记录接管过请求的全部 worker，被替换的 worker 可能仍有后台写入未完成。
	claimed []*Worker
}

// NewRegistration 创建空的注册表，在第一次成功注册前 Controller 返回 nil。
func NewRegistration(logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registration{logger: logger}
}

// Controller 返回当前控制请求的 worker，未激活任何 worker 时为 nil。
func (r *Registration) Controller() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Wait 阻塞直到所有接管过请求的 worker（包括已被替换的）的后台缓存写入结束。
func (r *Registration) Wait() {
	r.mu.RLock()
	workers := append([]*Worker(nil), r.claimed...)
	r.mu.RUnlock()
	for _, w := range workers {
		w.Wait()
	}
}

// Register 安装 w；由于安装时总会请求跳过 waiting，成功后立即激活并接管（claim）全部请求。
// 安装或激活失败时 w 变为 redundant，原有控制者不变。
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.register(ctx, w)
}

// Update 在世代或清单变化时注册新的 worker，返回是否发生了替换。
func (r *Registration) Update(ctx context.Context, w *Worker) (bool, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if current := r.Controller(); current != nil &&
		current.Generation() == w.Generation() &&
		current.manifest.Equal(w.manifest) {
		r.logger.WithFields(w.fields("update")).Debug("update_unchanged")
		return false, nil
	}
	if err := r.register(ctx, w); err != nil {
		return false, err
	}
	return true, nil
}

// Restore 在进程启动时接管存储中最近创建的缓存桶，作为上一代已激活的 worker。
// 没有任何桶时返回 nil worker。opts.Generation 会被替换为该桶名；
// 恢复出的清单只保留桶中确实存在的条目，清单新增的条目会让随后的 Update 重新安装。
func (r *Registration) Restore(ctx context.Context, opts Options) (*Worker, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if opts.Storage == nil {
		return nil, fmt.Errorf("restore: cache storage required")
	}
	names, err := opts.Storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore: enumerate cache buckets: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	opts.Generation = Generation(names[len(names)-1])
	w, err := NewWorker(opts)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	bucket, err := w.storage.Open(ctx, string(w.generation))
	if err != nil {
		return nil, fmt.Errorf("restore: open bucket %s: %w", w.generation, err)
	}
	manifest, err := storedManifest(ctx, bucket, w.scope, w.manifest)
	if err != nil {
		return nil, fmt.Errorf("restore: inspect bucket %s: %w", w.generation, err)
	}
	w.manifest = manifest

	w.mu.Lock()
	w.bucket = bucket
	w.state = StateActivated
	w.mu.Unlock()

	r.claim(w)
	r.logger.WithFields(w.fields("restore")).Info("controller_restored")
	return w, nil
}

// storedManifest 返回 manifest 中已存在于 bucket 的条目，保持原有顺序。
func storedManifest(ctx context.Context, bucket cache.Bucket, scope *url.URL, manifest Manifest) (Manifest, error) {
	urls, err := manifest.Resolve(scope)
	if err != nil {
		return nil, err
	}
	stored := make(Manifest, 0, len(manifest))
	for i, u := range urls {
		_, err := bucket.Match(ctx, &cache.Request{Method: http.MethodGet, URL: u, Header: http.Header{}})
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		stored = append(stored, manifest[i])
	}
	return stored, nil
}

func (r *Registration) register(ctx context.Context, w *Worker) error {
	if err := w.Install(ctx); err != nil {
		r.logKeep(w)
		return err
	}
	if _, err := w.Activate(ctx); err != nil {
		w.setState(StateRedundant)
		r.logKeep(w)
		return err
	}
	r.claim(w)
	r.logger.WithFields(w.fields("register")).Info("controller_claimed")
	return nil
}

// claim 让 w 接管请求，旧控制者变为 redundant。
func (r *Registration) claim(w *Worker) {
	r.mu.Lock()
	previous := r.active
	r.active = w
	if previous != w {
		r.claimed = append(r.claimed, w)
	}
	r.mu.Unlock()

	if previous != nil && previous != w {
		previous.setState(StateRedundant)
	}
}

func (r *Registration) logKeep(w *Worker) {
	fields := w.fields("register")
	if current := r.Controller(); current != nil {
		fields["controller"] = string(current.Generation())
	}
	r.logger.WithFields(fields).Warn("register_failed_keep_controller")
}
