package offline

import (
	"context"
	"errors"

	"github.com/emm-site/offline-edge/internal/cache"
)

var (
	// ErrOffline 表示网络失败且缓存中既无精确条目也无兜底文档。
	ErrOffline = errors.New("offline: no network and no cached response")
	// ErrNotActivated 表示 worker 尚未激活，不能拦截请求。
	ErrNotActivated = errors.New("worker not activated")
)

// Source 表示响应的来源。
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// FetchResult 是一次拦截的结果。Route 为 RoutePassthrough 时 Response 为空，
// 调用方应原样把请求交给网络。
type FetchResult struct {
	Route    Route
	Source   Source
	Response *cache.Response
}

// Intercepted 表示 worker 是否接管了该请求。
func (r *FetchResult) Intercepted() bool {
	return r != nil && r.Route != RoutePassthrough
}

// HandleFetch 对一次请求分类并执行相应策略，每次调用相互独立，可并发执行。
func (w *Worker) HandleFetch(ctx context.Context, req *cache.Request) (*FetchResult, error) {
	route := Classify(w.scope, req)
	if route == RoutePassthrough {
		w.observer.FetchCompleted(route, SourceNetwork, nil)
		return &FetchResult{Route: RoutePassthrough, Source: SourceNetwork}, nil
	}
	if w.State() != StateActivated {
		return nil, ErrNotActivated
	}

	var (
		result *FetchResult
		err    error
	)
	switch route {
	case RouteNetworkFirst:
		result, err = w.networkFirst(ctx, req)
	default:
		result, err = w.cacheFirst(ctx, req)
	}

	source := Source("")
	if result != nil {
		source = result.Source
	}
	w.observer.FetchCompleted(route, source, err)
	return result, err
}
