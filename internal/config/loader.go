package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/emm-site/offline-edge/internal/offline"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applySiteDefaults(&cfg.Site)
	applyAPIDefaults(&cfg.API)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheBackend", "disk")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("CacheWriteTimeout", "10s")
	v.SetDefault("UpdateSchedule", "@every 24h")

	v.SetDefault("Site.Scope", "/")
	v.SetDefault("Site.Generation", string(offline.DefaultGeneration))
	v.SetDefault("Site.Precache", []string(offline.DefaultManifest()))
	v.SetDefault("Site.NavigationFallback", offline.DefaultNavigationFallback)
	v.SetDefault("Site.PrecacheConcurrency", 4)

	v.SetDefault("API.Enabled", true)
	v.SetDefault("API.AutocompleteEndpoint", "https://maps.googleapis.com/maps/api/place/autocomplete/json")
	v.SetDefault("API.ChatEndpoint", "https://generativelanguage.googleapis.com/v1beta/models")
	v.SetDefault("API.ChatModel", "gemini-2.5-flash-preview-09-2025")
	v.SetDefault("API.ChatRateLimit", 2)
	v.SetDefault("API.ChatBurst", 5)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.CacheWriteTimeout.DurationValue() == 0 {
		g.CacheWriteTimeout = Duration(10 * time.Second)
	}
	g.CacheBackend = strings.ToLower(strings.TrimSpace(g.CacheBackend))
	if g.CacheBackend == "" {
		g.CacheBackend = "disk"
	}
}

func applySiteDefaults(s *SiteConfig) {
	s.Origin = strings.TrimSuffix(strings.TrimSpace(s.Origin), "/")
	s.Upstream = strings.TrimSuffix(strings.TrimSpace(s.Upstream), "/")
	if strings.TrimSpace(s.Generation) == "" {
		s.Generation = string(offline.DefaultGeneration)
	}
	if s.NavigationFallback == "" {
		s.NavigationFallback = offline.DefaultNavigationFallback
	}
	if s.PrecacheConcurrency <= 0 {
		s.PrecacheConcurrency = 4
	}
	cleaned := s.Precache[:0]
	for _, entry := range s.Precache {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	s.Precache = cleaned
}

func applyAPIDefaults(a *APIConfig) {
	if a.ChatBurst <= 0 {
		a.ChatBurst = 1
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
