package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/emm-site/offline-edge/internal/cache"
)

// ErrPrecacheFailed 表示预缓存清单中至少一项无法获取或写入，安装整体失败。
var ErrPrecacheFailed = errors.New("precache failed")

// Install 执行安装阶段：并发拉取清单中的全部 URL，全部成功后才写入当前世代的桶。
// 任一条目失败时安装失败、worker 变为 redundant；若桶由本次安装创建则一并删除。
// 无论成败都会请求跳过 waiting 阶段。
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateParsed {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("install: worker is %s", state)
	}
	w.state = StateInstalling
	w.skipWaiting = true
	w.mu.Unlock()

	started := time.Now()
	bucket, err := w.precache(ctx)
	elapsed := time.Since(started)
	w.observer.InstallCompleted(w.generation, elapsed, err)

	if err != nil {
		w.setState(StateRedundant)
		w.logger.WithFields(w.fields("install")).
			WithField("elapsed_ms", elapsed.Milliseconds()).
			WithError(err).
			Error("install_failed")
		return err
	}

	w.mu.Lock()
	w.bucket = bucket
	w.state = StateInstalled
	w.mu.Unlock()
	w.logger.WithFields(w.fields("install")).
		WithFields(logrus.Fields{"entries": len(w.manifest), "elapsed_ms": elapsed.Milliseconds()}).
		Info("install_completed")
	return nil
}

func (w *Worker) precache(ctx context.Context) (cache.Bucket, error) {
	urls, err := w.manifest.Resolve(w.scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrecacheFailed, err)
	}

	requests := make([]*cache.Request, len(urls))
	for i, u := range urls {
		requests[i] = &cache.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
	}
	responses := make([]*cache.Response, len(requests))

	p := pool.New().
		WithMaxGoroutines(w.concurrency).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for i, req := range requests {
		p.Go(func(ctx context.Context) error {
			resp, err := w.network.Fetch(ctx, req)
			if err != nil {
				return fmt.Errorf("%w: fetch %s: %v", ErrPrecacheFailed, req.Key(), err)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: fetch %s: status %d", ErrPrecacheFailed, req.Key(), resp.StatusCode)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	name := string(w.generation)
	existed, err := w.storage.Has(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: check bucket %s: %v", ErrPrecacheFailed, name, err)
	}
	bucket, err := w.storage.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: open bucket %s: %v", ErrPrecacheFailed, name, err)
	}
	for i, req := range requests {
		if err := bucket.Put(ctx, req, responses[i]); err != nil {
			if !existed {
				w.discardBucket(name)
			}
			return nil, fmt.Errorf("%w: store %s: %v", ErrPrecacheFailed, req.Key(), err)
		}
	}
	return bucket, nil
}

// discardBucket 回滚本次安装创建的桶，使用独立 context 避免调用方取消导致残留。
func (w *Worker) discardBucket(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()
	if _, err := w.storage.Delete(ctx, name); err != nil {
		w.logger.WithFields(w.fields("install")).WithError(err).Warn("install_rollback_failed")
	}
}
