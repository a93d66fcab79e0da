package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/emm-site/offline-edge/internal/cache"
)

var supportedBackends = map[string]struct{}{
	string(cache.BackendDisk):   {},
	string(cache.BackendMemory): {},
	string(cache.BackendSQLite): {},
	string(cache.BackendRedis):  {},
}

const supportedBackendList = "disk|memory|sqlite|redis"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedBackends[g.CacheBackend]; !ok {
		return newFieldError("Global.CacheBackend", "仅支持 "+supportedBackendList)
	}
	if g.CacheBackend != string(cache.BackendMemory) && g.CacheBackend != string(cache.BackendRedis) && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.CacheBackend == string(cache.BackendRedis) && strings.TrimSpace(g.RedisAddr) == "" {
		return newFieldError("Global.RedisAddr", "redis 后端必须提供地址")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.CacheWriteTimeout.DurationValue() <= 0 {
		return newFieldError("Global.CacheWriteTimeout", "必须大于 0")
	}
	if g.UpdateSchedule != "" {
		if _, err := cron.ParseStandard(g.UpdateSchedule); err != nil {
			return newFieldError("Global.UpdateSchedule", fmt.Sprintf("无法解析: %v", err))
		}
	}

	if err := c.Site.validate(); err != nil {
		return err
	}
	return c.API.validate()
}

func (s SiteConfig) validate() error {
	if err := validateOrigin(s.Origin); err != nil {
		return fmt.Errorf("%s: %w", siteField("Origin"), err)
	}
	if s.Upstream != "" {
		if err := validateUpstream(s.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField("Upstream"), err)
		}
	}
	if strings.TrimSpace(s.Generation) == "" {
		return newFieldError(siteField("Generation"), "不能为空")
	}
	if s.PrecacheConcurrency <= 0 {
		return newFieldError(siteField("PrecacheConcurrency"), "必须大于 0")
	}

	scope := s.ScopeURL()
	origin := cache.OriginOf(scope)
	for i, entry := range s.Precache {
		resolved, err := scope.Parse(entry)
		if err != nil {
			return newFieldError(siteField("Precache", i), err.Error())
		}
		if cache.OriginOf(resolved) != origin {
			return newFieldError(siteField("Precache", i), "不允许跨域条目")
		}
	}
	fallback, err := scope.Parse(s.NavigationFallback)
	if err != nil {
		return newFieldError(siteField("NavigationFallback"), err.Error())
	}
	if cache.OriginOf(fallback) != origin {
		return newFieldError(siteField("NavigationFallback"), "必须与站点同源")
	}
	return nil
}

func (a APIConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	if err := validateUpstream(a.AutocompleteEndpoint); err != nil {
		return fmt.Errorf("API.AutocompleteEndpoint: %w", err)
	}
	if err := validateUpstream(a.ChatEndpoint); err != nil {
		return fmt.Errorf("API.ChatEndpoint: %w", err)
	}
	if strings.TrimSpace(a.ChatModel) == "" {
		return newFieldError("API.ChatModel", "不能为空")
	}
	if a.ChatRateLimit < 0 {
		return newFieldError("API.ChatRateLimit", "不能为负数")
	}
	return nil
}

func validateOrigin(raw string) error {
	if err := validateUpstream(raw); err != nil {
		return err
	}
	parsed, _ := url.Parse(raw)
	if parsed.Path != "" && parsed.Path != "/" {
		return errors.New("Origin 不允许包含路径")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return errors.New("Origin 不允许包含查询或片段")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
