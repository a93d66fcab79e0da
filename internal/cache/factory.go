package cache

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Backend 标识存储实现。
type Backend string

const (
	BackendDisk   Backend = "disk"
	BackendMemory Backend = "memory"
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
)

// sqliteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const sqliteFileName = "offline-cache.db"

// Options 汇总 NewStorage 需要的全部参数，由配置层填充。
type Options struct {
	Backend     Backend
	StoragePath string
	Redis       RedisOptions
}

// NewStorage 按 Backend 构建存储实例，启动阶段调用一次并在全站复用。
func NewStorage(opts Options) (Storage, error) {
	switch Backend(strings.ToLower(string(opts.Backend))) {
	case BackendDisk, "":
		return NewFileStorage(opts.StoragePath)
	case BackendMemory:
		return NewMemoryStorage(), nil
	case BackendSQLite:
		return NewSQLiteStorage(filepath.Join(opts.StoragePath, sqliteFileName))
	case BackendRedis:
		return NewRedisStorage(opts.Redis)
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", opts.Backend)
	}
}
