package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisConnectTimeout = 2 * time.Second
	redisKeyPrefix      = "offline-edge:"
)

// RedisOptions 描述 redis 后端的连接参数。
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStorage 连接 redis 并做一次 Ping，多个边缘实例可共享同一份缓存。
func NewRedisStorage(opts RedisOptions) (Storage, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &redisStorage{client: client}, nil
}

// redisStorage 布局：
//
//	offline-edge:buckets          ZSET  member=桶名 score=创建序号
//	offline-edge:bucket-seq       STRING 自增序号
//	offline-edge:bucket:<name>    HASH  field=条目键 value=序列化条目
type redisStorage struct {
	client *redis.Client
}

type redisBucket struct {
	client *redis.Client
	name   string
}

// putScript 在同一个原子步骤内确认桶仍登记在册并写入条目，
// 与其他实例并发的 Delete 不会把已删除的桶重新建出来。
var putScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

func bucketsKey() string {
	return redisKeyPrefix + "buckets"
}

func bucketSeqKey() string {
	return redisKeyPrefix + "bucket-seq"
}

func bucketHashKey(name string) string {
	return redisKeyPrefix + "bucket:" + name
}

func (s *redisStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		seq, err := s.client.Incr(ctx, bucketSeqKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("allocate bucket seq: %w", err)
		}
		if err := s.client.ZAddNX(ctx, bucketsKey(), redis.Z{Score: float64(seq), Member: name}).Err(); err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", name, err)
		}
	}
	return &redisBucket{client: s.client, name: name}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.client.ZScore(ctx, bucketsKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	return s.client.ZRange(ctx, bucketsKey(), 0, -1).Result()
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, bucketsKey(), name)
		pipe.Del(ctx, bucketHashKey(name))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *redisStorage) Close() error {
	return s.client.Close()
}

func (b *redisBucket) Name() string {
	return b.name
}

func (b *redisBucket) Match(ctx context.Context, req *Request) (*Response, error) {
	if !matchable(req) {
		return nil, ErrNotFound
	}
	data, err := b.client.HGet(ctx, bucketHashKey(b.name), req.Key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return matchEntry(data, req)
}

func (b *redisBucket) Put(ctx context.Context, req *Request, resp *Response) error {
	if err := validatePut(req, resp); err != nil {
		return err
	}
	data, err := encodeEntry(req, resp)
	if err != nil {
		return err
	}
	keys := []string{bucketsKey(), bucketHashKey(b.name)}
	stored, err := putScript.Run(ctx, b.client, keys, b.name, req.Key(), data).Int()
	if err != nil {
		return err
	}
	if stored == 0 {
		return ErrBucketDeleted
	}
	return nil
}

func (b *redisBucket) Delete(ctx context.Context, req *Request) (bool, error) {
	removed, err := b.client.HDel(ctx, bucketHashKey(b.name), req.Key()).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (b *redisBucket) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.client.HKeys(ctx, bucketHashKey(b.name)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
