package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Storage 是按名称管理缓存桶的持久化能力，对应一个 origin 下的全部缓存世代。
//
// 实现必须支持并发读写；桶名为不透明字符串，Keys 按创建顺序返回。
type Storage interface {
	// Open 打开指定名称的桶，不存在时创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Has 判断指定名称的桶是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 按创建顺序返回全部桶名。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除桶及其全部条目，返回该桶此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层连接或文件句柄。
	Close() error
}

// Bucket 是单个缓存世代的 key→response 存储。桶被 Storage.Delete 删除后，
// 已持有的 Bucket 句柄写入会返回 ErrBucketDeleted，不会让旧世代复活。
type Bucket interface {
	Name() string

	// Match 查找与 req 匹配的响应，未命中返回 ErrNotFound。
	Match(ctx context.Context, req *Request) (*Response, error)

	// Put 以 req 为键写入 resp 的副本，覆盖已有条目。
	Put(ctx context.Context, req *Request, resp *Response) error

	// Delete 删除 req 对应的条目，返回条目此前是否存在。
	Delete(ctx context.Context, req *Request) (bool, error)

	// Keys 返回桶内全部条目的 URL，按字典序排列。
	Keys(ctx context.Context) ([]string, error)
}

var (
	// ErrNotFound 表示缓存未命中。
	ErrNotFound = errors.New("cache entry not found")
	// ErrMethodNotCacheable 表示仅 GET 请求可以写入缓存。
	ErrMethodNotCacheable = errors.New("only GET requests can be cached")
	// ErrPartialResponse 表示 206 响应不允许写入缓存。
	ErrPartialResponse = errors.New("partial responses cannot be cached")
	// ErrVaryWildcard 表示带 Vary: * 的响应不允许写入缓存。
	ErrVaryWildcard = errors.New("responses with Vary: * cannot be cached")
	// ErrBucketDeleted 表示桶已被删除，句柄不再可写。
	ErrBucketDeleted = errors.New("cache bucket deleted")
	// ErrInvalidBucketName 表示桶名为空或包含非法路径片段。
	ErrInvalidBucketName = errors.New("invalid cache bucket name")
)

// Request 描述一次被拦截请求的缓存身份：方法、绝对 URL 与请求头。
// Body 仅用于回源，不参与缓存键也不会落盘。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// NewRequest 解析 rawURL 并构造 Request，rawURL 必须是绝对地址。
func NewRequest(method, rawURL string, header http.Header) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return nil, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	if header == nil {
		header = http.Header{}
	}
	return &Request{Method: strings.ToUpper(method), URL: parsed, Header: header}, nil
}

// Key 返回去掉 fragment 的绝对 URL，作为桶内条目的键。
func (r *Request) Key() string {
	if r == nil || r.URL == nil {
		return ""
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Clone 复制请求，供异步写入时脱离调用方的 header/body。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	dup := &Request{Method: r.Method, Header: r.Header.Clone(), Body: append([]byte(nil), r.Body...)}
	if r.URL != nil {
		u := *r.URL
		dup.URL = &u
	}
	return dup
}

// Origin 返回 scheme://host[:port]，用于同源判断。
func (r *Request) Origin() string {
	if r == nil || r.URL == nil {
		return ""
	}
	return OriginOf(r.URL)
}

// OriginOf 以小写 scheme/host 计算 URL 的 origin，省略默认端口。
func OriginOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return scheme + "://" + host + ":" + port
	}
	return scheme + "://" + host
}

// Response 是完整缓冲的响应。响应体只能被消费一次的约束通过 Clone 体现：
// 一份返回给调用方，一份写入缓存。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// Clone 返回与原响应互不共享内存的副本。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.Body...),
		URL:        r.URL,
	}
}

// OK 表示状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode <= 299
}

// validatePut 统一各后端的写入约束。
func validatePut(req *Request, resp *Response) error {
	if req == nil || req.URL == nil {
		return errors.New("cache request required")
	}
	if resp == nil {
		return errors.New("cache response required")
	}
	if req.Method != http.MethodGet {
		return ErrMethodNotCacheable
	}
	if resp.StatusCode == http.StatusPartialContent {
		return ErrPartialResponse
	}
	for _, name := range varyNames(resp.Header) {
		if name == "*" {
			return ErrVaryWildcard
		}
	}
	return nil
}

// matchable 非 GET 请求永远不命中。
func matchable(req *Request) bool {
	return req != nil && req.URL != nil && req.Method == http.MethodGet
}

func validateBucketName(name string) error {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." {
		return ErrInvalidBucketName
	}
	return nil
}

// varyNames 解析响应 Vary 头中的字段名（小写、去空格）。
func varyNames(header http.Header) []string {
	var names []string
	for _, value := range header.Values("Vary") {
		for _, part := range strings.Split(value, ",") {
			if name := strings.ToLower(strings.TrimSpace(part)); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// varyMatches 比较存储时与当前请求在 Vary 字段上的取值。
func varyMatches(stored *Request, resp *Response, incoming *Request) bool {
	for _, name := range varyNames(resp.Header) {
		if name == "*" {
			return false
		}
		if stored.Header.Get(name) != incoming.Header.Get(name) {
			return false
		}
	}
	return true
}

// storedRequest 只保留 Vary 涉及的请求头，避免把 Cookie 等无关字段落盘。
func storedRequest(req *Request, resp *Response) *Request {
	header := http.Header{}
	for _, name := range varyNames(resp.Header) {
		for _, value := range req.Header.Values(name) {
			header.Add(name, value)
		}
	}
	u, _ := url.Parse(req.Key())
	return &Request{Method: req.Method, URL: u, Header: header}
}
