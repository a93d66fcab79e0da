package offline

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/emm-site/offline-edge/internal/cache"
)

// Route 是请求分类结果，决定采用哪种获取策略。
type Route string

const (
	// RoutePassthrough 跨域请求，不拦截、不读写缓存。
	RoutePassthrough Route = "passthrough"
	// RouteNetworkFirst HTML 导航，优先网络。
	RouteNetworkFirst Route = "network-first"
	// RouteCacheFirst 静态资源，优先缓存。
	RouteCacheFirst Route = "cache-first"
)

// Classify 按顺序判断：origin 不同则直通；Accept 声明接受 text/html 则网络优先；否则缓存优先。
// 只依赖 origin 与 Accept 头，不持有任何状态。
func Classify(scope *url.URL, req *cache.Request) Route {
	if scope == nil || req == nil || req.URL == nil {
		return RoutePassthrough
	}
	if req.Origin() != cache.OriginOf(scope) {
		return RoutePassthrough
	}
	if acceptsHTML(req.Header) {
		return RouteNetworkFirst
	}
	return RouteCacheFirst
}

func acceptsHTML(header http.Header) bool {
	for _, value := range header.Values("Accept") {
		if strings.Contains(strings.ToLower(value), "text/html") {
			return true
		}
	}
	return false
}
