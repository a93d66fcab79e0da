package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	bucketIndexFile = "buckets.index"
	bucketDirName   = "buckets"
	entrySuffix     = ".entry"
)

// NewFileStorage 以 basePath 为根目录构建磁盘存储，整站复用一份实例。磁盘布局：
//
//	<basePath>/buckets.index                      # 桶名，按创建顺序一行一个
//	<basePath>/buckets/<escaped-name>/<sha1>.entry # 单个条目
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(abs, bucketDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 indexMu 串行化桶索引的读写，通过 entryLock 避免同一条目并发写入。
// bucketsMu 让条目写入（读锁，覆盖存在性检查到 rename）与桶删除（写锁）互斥。
// 加锁顺序：bucketsMu → indexMu → entryLock。
type fileStorage struct {
	basePath string

	bucketsMu sync.RWMutex
	indexMu   sync.Mutex

	// beforeWrite 在确认桶存在之后、写入条目之前调用，仅测试注入。
	beforeWrite func(name string)

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileBucket struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateBucketName(name); err != nil {
		return nil, err
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	names, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	dir := s.bucketDir(name)
	if !containsName(names, name) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", name, err)
		}
		if err := s.writeIndex(append(names, name)); err != nil {
			return nil, err
		}
	}
	return &fileBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	names, err := s.readIndex()
	if err != nil {
		return false, err
	}
	return containsName(names, name), nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.readIndex()
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.bucketsMu.Lock()
	defer s.bucketsMu.Unlock()
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	names, err := s.readIndex()
	if err != nil {
		return false, err
	}
	if !containsName(names, name) {
		return false, nil
	}
	remaining := make([]string, 0, len(names)-1)
	for _, existing := range names {
		if existing != name {
			remaining = append(remaining, existing)
		}
	}
	// 先更新索引再删目录：目录删除失败时桶已不可见，残留文件不会被当作世代。
	if err := s.writeIndex(remaining); err != nil {
		return false, err
	}
	if err := os.RemoveAll(s.bucketDir(name)); err != nil {
		return true, fmt.Errorf("remove bucket %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) bucketDir(name string) string {
	return filepath.Join(s.basePath, bucketDirName, url.PathEscape(name))
}

func (s *fileStorage) readIndex() ([]string, error) {
	f, err := os.Open(filepath.Join(s.basePath, bucketIndexFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open bucket index: %w", err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		name, err := url.PathUnescape(line)
		if err != nil {
			return nil, fmt.Errorf("decode bucket index: %w", err)
		}
		names = append(names, name)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read bucket index: %w", err)
	}
	return names, nil
}

func (s *fileStorage) writeIndex(names []string) error {
	var buf bytes.Buffer
	for _, name := range names {
		buf.WriteString(url.PathEscape(name))
		buf.WriteByte('\n')
	}
	return writeFileAtomic(context.Background(), filepath.Join(s.basePath, bucketIndexFile), &buf)
}

// hasBucket 在 indexMu 保护下确认桶仍然存在。
func (s *fileStorage) hasBucket(name string) (bool, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	names, err := s.readIndex()
	if err != nil {
		return false, err
	}
	return containsName(names, name), nil
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Match(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !matchable(req) {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(b.entryPath(req.Key()))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return matchEntry(data, req)
}

func (b *fileBucket) Put(ctx context.Context, req *Request, resp *Response) error {
	if err := validatePut(req, resp); err != nil {
		return err
	}
	data, err := encodeEntry(req, resp)
	if err != nil {
		return err
	}

	b.storage.bucketsMu.RLock()
	defer b.storage.bucketsMu.RUnlock()

	ok, err := b.storage.hasBucket(b.name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBucketDeleted
	}
	if b.storage.beforeWrite != nil {
		b.storage.beforeWrite(b.name)
	}

	key := req.Key()
	unlock := b.storage.lockEntry(b.name, key)
	defer unlock()

	// 不做 MkdirAll：桶目录在并发删除后消失时写入失败，而不是把旧世代重新建出来。
	if err := writeFileAtomic(ctx, b.entryPath(key), bytes.NewReader(data)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBucketDeleted
		}
		return err
	}
	return nil
}

func (b *fileBucket) Delete(ctx context.Context, req *Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := req.Key()
	unlock := b.storage.lockEntry(b.name, key)
	defer unlock()

	if err := os.Remove(b.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			continue
		}
		stored, _, err := decodeEntry(data)
		if err != nil {
			continue
		}
		keys = append(keys, stored.Key())
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *fileBucket) entryPath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (s *fileStorage) lockEntry(bucket, entry string) func() {
	key := bucket + "::" + entry
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// writeFileAtomic 通过临时文件 + rename 保证写入原子性，失败时清理临时文件。
func writeFileAtomic(ctx context.Context, filePath string, body io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func containsName(names []string, name string) bool {
	for _, existing := range names {
		if existing == name {
			return true
		}
	}
	return false
}
