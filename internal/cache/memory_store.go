package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryStorage 返回进程内存储，进程退出即丢失，适合测试与临时部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{buckets: make(map[string]*memoryBucket)}
}

type memoryStorage struct {
	mu      sync.RWMutex
	order   []string
	buckets map[string]*memoryBucket
}

type memoryBucket struct {
	name string

	mu      sync.RWMutex
	deleted bool
	entries map[string][]byte
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.buckets[name]; ok {
		return bucket, nil
	}
	bucket := &memoryBucket{name: name, entries: make(map[string][]byte)}
	s.buckets[name] = bucket
	s.order = append(s.order, name)
	return bucket, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[name]
	if !ok {
		return false, nil
	}
	bucket.mu.Lock()
	bucket.deleted = true
	bucket.entries = nil
	bucket.mu.Unlock()

	delete(s.buckets, name)
	for i, key := range s.order {
		if key == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memoryStorage) Close() error {
	return nil
}

func (b *memoryBucket) Name() string {
	return b.name
}

func (b *memoryBucket) Match(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !matchable(req) {
		return nil, ErrNotFound
	}
	b.mu.RLock()
	data, ok := b.entries[req.Key()]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return matchEntry(data, req)
}

func (b *memoryBucket) Put(ctx context.Context, req *Request, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validatePut(req, resp); err != nil {
		return err
	}
	data, err := encodeEntry(req, resp)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return ErrBucketDeleted
	}
	b.entries[req.Key()] = data
	return nil
}

func (b *memoryBucket) Delete(ctx context.Context, req *Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[req.Key()]; !ok {
		return false, nil
	}
	delete(b.entries, req.Key())
	return true, nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
