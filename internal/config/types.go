package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行时行为：监听、日志、缓存后端与上游超时。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	StoragePath       string   `mapstructure:"StoragePath"`
	CacheBackend      string   `mapstructure:"CacheBackend"`
	RedisAddr         string   `mapstructure:"RedisAddr"`
	RedisPassword     string   `mapstructure:"RedisPassword"`
	RedisDB           int      `mapstructure:"RedisDB"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	CacheWriteTimeout Duration `mapstructure:"CacheWriteTimeout"`
	UpdateSchedule    string   `mapstructure:"UpdateSchedule"`
}

// SiteConfig 决定离线缓存覆盖的站点：对外 origin、回源地址、缓存世代与预缓存清单。
type SiteConfig struct {
	Origin              string   `mapstructure:"Origin"`
	Upstream            string   `mapstructure:"Upstream"`
	Scope               string   `mapstructure:"Scope"`
	Generation          string   `mapstructure:"Generation"`
	Precache            []string `mapstructure:"Precache"`
	NavigationFallback  string   `mapstructure:"NavigationFallback"`
	PrecacheConcurrency int      `mapstructure:"PrecacheConcurrency"`
}

// APIConfig 控制两个第三方 API 代理端点。
type APIConfig struct {
	Enabled              bool    `mapstructure:"Enabled"`
	AutocompleteEndpoint string  `mapstructure:"AutocompleteEndpoint"`
	ChatEndpoint         string  `mapstructure:"ChatEndpoint"`
	ChatModel            string  `mapstructure:"ChatModel"`
	ChatRateLimit        float64 `mapstructure:"ChatRateLimit"`
	ChatBurst            int     `mapstructure:"ChatBurst"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Site   SiteConfig   `mapstructure:"Site"`
	API    APIConfig    `mapstructure:"API"`
}

// OriginURL 返回解析后的站点 origin（假定 Validate 已经通过）。
func (s SiteConfig) OriginURL() *url.URL {
	u, _ := url.Parse(s.Origin)
	return u
}

// UpstreamURL 返回回源地址；未配置时回退到 Origin 本身。
func (s SiteConfig) UpstreamURL() *url.URL {
	if strings.TrimSpace(s.Upstream) == "" {
		return s.OriginURL()
	}
	u, _ := url.Parse(s.Upstream)
	return u
}

// ScopeURL 返回 worker 作用域：origin + Scope 路径，路径总以 / 结尾。
func (s SiteConfig) ScopeURL() *url.URL {
	origin := s.OriginURL()
	scope := s.Scope
	if scope == "" {
		scope = "/"
	}
	if !strings.HasPrefix(scope, "/") {
		scope = "/" + scope
	}
	if !strings.HasSuffix(scope, "/") {
		scope += "/"
	}
	return &url.URL{Scheme: origin.Scheme, Host: origin.Host, Path: scope}
}
