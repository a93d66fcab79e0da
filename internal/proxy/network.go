package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/emm-site/offline-edge/internal/cache"
	"github.com/emm-site/offline-edge/internal/server"
)

// maxBodyBytes 限制单个回源响应的缓冲上限。
const maxBodyBytes = 64 << 20

// ErrCrossOrigin 表示请求指向站点以外的 origin，边缘不会代替客户端去请求它。
var ErrCrossOrigin = errors.New("cross-origin request refused")

// Network 实现 offline.Fetcher：只为站点自身的请求回源，URL 改写到回源地址。
// 传输失败返回 error；HTTP 错误状态仍作为正常响应返回。
type Network struct {
	client *http.Client
	site   *server.Site
}

// NewNetwork 基于共享 http.Client 构造 Network。重定向不跟随，交还给页面处理。
func NewNetwork(client *http.Client, site *server.Site) *Network {
	dup := *client
	dup.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Network{client: &dup, site: site}
}

// Fetch 发送请求并完整缓冲响应体。
func (n *Network) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, fmt.Errorf("fetch: request url required")
	}
	if req.Origin() != n.site.OriginString() {
		return nil, fmt.Errorf("%w: %s", ErrCrossOrigin, req.Origin())
	}
	target := n.upstreamURL(req.URL)

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", target.Redacted(), err)
	}
	server.CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	httpReq.Host = target.Host
	httpReq.Header.Set("X-Forwarded-Host", n.site.Origin.Host)
	httpReq.Header.Set("X-Forwarded-Proto", n.site.Origin.Scheme)

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target.Redacted(), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target.Redacted(), err)
	}
	if len(payload) > maxBodyBytes {
		return nil, fmt.Errorf("read %s: response exceeds %d bytes", target.Redacted(), maxBodyBytes)
	}

	header := make(http.Header, len(resp.Header))
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &cache.Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       payload,
		URL:        req.Key(),
	}, nil
}

// upstreamURL 将站点 URL 的 path/query 拼接到回源地址上，保留回源地址的路径前缀。
func (n *Network) upstreamURL(u *url.URL) *url.URL {
	upstream := n.site.Upstream
	target := &url.URL{
		Scheme:   upstream.Scheme,
		Host:     upstream.Host,
		User:     upstream.User,
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: u.RawQuery,
	}
	if base := strings.TrimSuffix(upstream.Path, "/"); base != "" {
		target.Path = path.Join(base, u.Path)
		target.RawPath = ""
		if strings.HasSuffix(u.Path, "/") && !strings.HasSuffix(target.Path, "/") {
			target.Path += "/"
		}
	}
	return target
}
