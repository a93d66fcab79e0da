package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/emm-site/offline-edge/internal/cache"
)

// networkFirst 先回源；成功时异步写入副本并返回实时响应。
// 网络失败时依次尝试精确命中与兜底文档，都未命中则返回 ErrOffline。
func (w *Worker) networkFirst(ctx context.Context, req *cache.Request) (*FetchResult, error) {
	resp, netErr := w.network.Fetch(ctx, req)
	if netErr == nil {
		w.putDetached(ctx, req, resp.Clone())
		return &FetchResult{Route: RouteNetworkFirst, Source: SourceNetwork, Response: resp}, nil
	}

	if cached := w.match(ctx, req); cached != nil {
		return &FetchResult{Route: RouteNetworkFirst, Source: SourceCache, Response: cached}, nil
	}
	fallbackReq := &cache.Request{Method: http.MethodGet, URL: w.fallback, Header: http.Header{}}
	if cached := w.match(ctx, fallbackReq); cached != nil {
		return &FetchResult{Route: RouteNetworkFirst, Source: SourceFallback, Response: cached}, nil
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrOffline, req.Key(), netErr)
}

// cacheFirst 命中即返回且不访问网络；未命中时回源、异步写入副本并返回实时响应。
func (w *Worker) cacheFirst(ctx context.Context, req *cache.Request) (*FetchResult, error) {
	if cached := w.match(ctx, req); cached != nil {
		return &FetchResult{Route: RouteCacheFirst, Source: SourceCache, Response: cached}, nil
	}

	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.Key(), err)
	}
	w.putDetached(ctx, req, resp.Clone())
	return &FetchResult{Route: RouteCacheFirst, Source: SourceNetwork, Response: resp}, nil
}

// match 在当前世代的桶中查找；读取错误按未命中处理。
func (w *Worker) match(ctx context.Context, req *cache.Request) *cache.Response {
	bucket := w.currentBucket()
	if bucket == nil {
		return nil
	}
	resp, err := bucket.Match(ctx, req)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithFields(w.fields("cache_match")).
				WithField("url", req.Key()).
				WithError(err).
				Warn("cache_match_failed")
		}
		return nil
	}
	return resp
}

// putDetached 在后台写入缓存，不阻塞响应；失败只记录日志与指标。
// 写入沿用请求 context 的值但不继承其取消，超时由 writeTimeout 约束。
func (w *Worker) putDetached(ctx context.Context, req *cache.Request, resp *cache.Response) {
	bucket := w.currentBucket()
	if bucket == nil {
		return
	}
	req = req.Clone()

	w.writes.Add(1)
	go func() {
		defer w.writes.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.writeTimeout)
		defer cancel()

		err := bucket.Put(writeCtx, req, resp)
		result := classifyWrite(err)
		w.observer.CacheWriteCompleted(result)

		entry := w.logger.WithFields(w.fields("cache_write")).WithField("url", req.Key())
		switch result {
		case WriteRejected:
			entry.WithError(err).Debug("cache_write_skipped")
		case WriteFailed:
			entry.WithError(err).Warn("cache_write_failed")
		}
	}()
}

func classifyWrite(err error) WriteResult {
	switch {
	case err == nil:
		return WriteStored
	case errors.Is(err, cache.ErrMethodNotCacheable),
		errors.Is(err, cache.ErrPartialResponse),
		errors.Is(err, cache.ErrVaryWildcard),
		errors.Is(err, cache.ErrBucketDeleted):
		return WriteRejected
	default:
		return WriteFailed
	}
}
