package offline

import (
	"fmt"
	"net/url"
	"slices"
)

// Generation 是缓存世代名，同时作为缓存桶名。
type Generation string

// DefaultGeneration 是当前构建内置的缓存世代。
const DefaultGeneration Generation = "emm-v1"

// DefaultNavigationFallback 是离线导航的兜底文档，相对作用域解析。
const DefaultNavigationFallback = "./index.html"

// Manifest 是安装阶段必须全部缓存的有序 URL 列表，条目相对作用域解析。
type Manifest []string

// DefaultManifest 返回内置预缓存清单的副本。
func DefaultManifest() Manifest {
	return Manifest{
		"./",
		"./index.html",
		"./login.html",
		"./portal.html",
		"./admin.html",
		"./pricing.html",
		"./availability.html",
		"./contact.html",
		"./manifest.json",
		"./favicon.png",
		"./icons/icon-192.png",
		"./icons/icon-512.png",
		"./icons/icon-512-maskable.png",
	}
}

// Resolve 将清单条目解析为绝对 URL，保持原有顺序。
func (m Manifest) Resolve(scope *url.URL) ([]*url.URL, error) {
	resolved := make([]*url.URL, 0, len(m))
	for _, entry := range m {
		u, err := scope.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("resolve manifest entry %q: %w", entry, err)
		}
		resolved = append(resolved, u)
	}
	return resolved, nil
}

// Equal 判断两个清单是否逐项相同（顺序敏感）。
func (m Manifest) Equal(other Manifest) bool {
	return slices.Equal(m, other)
}

// Clone 返回清单副本。
func (m Manifest) Clone() Manifest {
	return slices.Clone(m)
}
