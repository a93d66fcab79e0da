package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/emm-site/offline-edge/internal/cache"
	"github.com/emm-site/offline-edge/internal/config"
)

// Site 聚合站点对外 origin 与回源地址，启动时解析一次后供路由/代理层复用。
type Site struct {
	// Origin 是页面所见的站点 origin，origin-form 请求都归属于它。
	Origin *url.URL
	// Upstream 是实际回源地址，未配置时等于 Origin。
	Upstream *url.URL

	origin string
}

// NewSite 根据 [Site] 配置构建 Site。
func NewSite(cfg config.SiteConfig) (*Site, error) {
	if strings.TrimSpace(cfg.Origin) == "" {
		return nil, errors.New("site origin is required")
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid site origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("site origin must be absolute: %s", cfg.Origin)
	}
	upstream := cfg.UpstreamURL()
	if upstream == nil || upstream.Host == "" {
		return nil, fmt.Errorf("invalid site upstream: %s", cfg.Upstream)
	}
	return &Site{
		Origin:   &url.URL{Scheme: origin.Scheme, Host: origin.Host},
		Upstream: upstream,
		origin:   cache.OriginOf(origin),
	}, nil
}

// OriginString 返回规范化后的 origin（小写、省略默认端口）。
func (s *Site) OriginString() string {
	return s.origin
}

// InterceptedURL 将请求行中的 request-target 还原为页面请求的绝对 URL。
// absolute-form 保留自身 origin；origin-form 一律视为站点自身的请求。
func (s *Site) InterceptedURL(requestURI string) string {
	if isAbsoluteForm(requestURI) {
		return requestURI
	}
	if requestURI == "" || requestURI == "*" {
		requestURI = "/"
	}
	if !strings.HasPrefix(requestURI, "/") {
		requestURI = "/" + requestURI
	}
	return s.Origin.String() + requestURI
}

// IsSameOrigin 判断 absolute-form 的 request-target 是否指向站点自身。
func (s *Site) IsSameOrigin(requestURI string) bool {
	if !isAbsoluteForm(requestURI) {
		return true
	}
	parsed, err := url.Parse(requestURI)
	if err != nil {
		return false
	}
	return cache.OriginOf(parsed) == s.origin
}

func isAbsoluteForm(requestURI string) bool {
	lower := strings.ToLower(requestURI)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
