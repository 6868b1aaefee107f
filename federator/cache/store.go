package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	icache "github.com/BaSui01/fedgate/internal/cache"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// ErrMiss 缓存未命中
var ErrMiss = errors.New("cache miss")

// Entry 一次完整合并输出的缓存条目
type Entry struct {
	Resource    string    `json:"resource"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	Payload     []byte    `json:"-"`
}

// Size 负载字节数
func (e *Entry) Size() int64 { return int64(len(e.Payload)) }

// Store 缓存存储接口，Get 未命中返回 ErrMiss
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// =============================================================================
// 🗄️ RedisStore
// =============================================================================

// RedisStore 基于 redis 的缓存，值为 gzip 压缩的条目
type RedisStore struct {
	manager *icache.Manager
	logger  *zap.Logger
}

// NewRedisStore 创建 redis 缓存
func NewRedisStore(manager *icache.Manager, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{manager: manager, logger: logger.With(zap.String("component", "redis_store"))}
}

// Get 实现 Store
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.manager.Get(ctx, key)
	if err != nil {
		if icache.IsCacheMiss(err) {
			return nil, ErrMiss
		}
		return nil, err
	}
	entry, err := decodeEntry(data)
	if err != nil {
		s.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = s.manager.Delete(ctx, key)
		return nil, ErrMiss
	}
	return entry, nil
}

// Set 实现 Store
func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	return s.manager.Set(ctx, key, data, ttl)
}

// Delete 实现 Store
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.manager.Delete(ctx, key)
}

// encodeEntry gzip(4 字节头长度 + JSON 头 + 负载)
func encodeEntry(e *Entry) ([]byte, error) {
	head, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(head)))
	for _, p := range [][]byte{n[:], head, e.Payload} {
		if _, err := zw.Write(p); err != nil {
			return nil, fmt.Errorf("compress cache entry: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress cache entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*Entry, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var n [4]byte
	if _, err := io.ReadFull(zr, n[:]); err != nil {
		return nil, err
	}
	head := make([]byte, binary.BigEndian.Uint32(n[:]))
	if _, err := io.ReadFull(zr, head); err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(head, &e); err != nil {
		return nil, err
	}
	if e.Payload, err = io.ReadAll(zr); err != nil {
		return nil, err
	}
	return &e, nil
}

// =============================================================================
// 🧠 MemoryStore（LRU + TTL）
// =============================================================================

// MemoryStore 进程内 LRU 缓存，按条目数与总字节数淘汰
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	bytes      int64
	items      map[string]*lruNode
	head       *lruNode // 最近使用
	tail       *lruNode // 最久未使用
	now        func() time.Time
}

type lruNode struct {
	key       string
	entry     *Entry
	expiresAt time.Time
	prev      *lruNode
	next      *lruNode
}

// NewMemoryStore 创建内存缓存，maxBytes <= 0 表示不限字节数
func NewMemoryStore(maxEntries int, maxBytes int64) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &MemoryStore{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		items:      make(map[string]*lruNode),
		now:        time.Now,
	}
}

// Get 实现 Store
func (c *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		return nil, ErrMiss
	}
	if !node.expiresAt.IsZero() && !c.now().Before(node.expiresAt) {
		c.drop(node)
		return nil, ErrMiss
	}
	c.moveToHead(node)
	return node.entry, nil
}

// Set 实现 Store，ttl <= 0 表示不过期
func (c *MemoryStore) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && entry.Size() > c.maxBytes {
		return fmt.Errorf("entry of %d bytes exceeds memory cache capacity", entry.Size())
	}
	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}

	if node, ok := c.items[key]; ok {
		c.bytes += entry.Size() - node.entry.Size()
		node.entry = entry
		node.expiresAt = expires
		c.moveToHead(node)
	} else {
		node := &lruNode{key: key, entry: entry, expiresAt: expires}
		c.items[key] = node
		c.addToHead(node)
		c.bytes += entry.Size()
	}

	for c.tail != nil && (len(c.items) > c.maxEntries || (c.maxBytes > 0 && c.bytes > c.maxBytes)) {
		c.drop(c.tail)
	}
	return nil
}

// Delete 实现 Store
func (c *MemoryStore) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if node, ok := c.items[key]; ok {
		c.drop(node)
	}
	return nil
}

// Len 当前条目数
func (c *MemoryStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *MemoryStore) drop(node *lruNode) {
	c.removeNode(node)
	delete(c.items, node.key)
	c.bytes -= node.entry.Size()
}

// addToHead 添加节点到头部 O(1)
func (c *MemoryStore) addToHead(node *lruNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

// removeNode 从链表中移除节点 O(1)
func (c *MemoryStore) removeNode(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
}

func (c *MemoryStore) moveToHead(node *lruNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.addToHead(node)
}

// =============================================================================
// 🪜 TieredStore / NullStore
// =============================================================================

// TieredStore 内存 L1 + 持久 L2，L2 命中时回填 L1
type TieredStore struct {
	l1     Store
	l2     Store
	l1TTL  time.Duration
	logger *zap.Logger
}

// NewTieredStore 创建两级缓存，l1TTL 为回填 L1 时使用的 TTL
func NewTieredStore(l1, l2 Store, l1TTL time.Duration, logger *zap.Logger) *TieredStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TieredStore{l1: l1, l2: l2, l1TTL: l1TTL, logger: logger.With(zap.String("component", "tiered_store"))}
}

// Get 实现 Store
func (s *TieredStore) Get(ctx context.Context, key string) (*Entry, error) {
	if e, err := s.l1.Get(ctx, key); err == nil {
		return e, nil
	}
	e, err := s.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.l1.Set(ctx, key, e, s.l1TTL); err != nil {
		s.logger.Debug("l1 backfill skipped", zap.String("key", key), zap.Error(err))
	}
	return e, nil
}

// Set 实现 Store。L1 写入失败（条目过大）不影响 L2。
func (s *TieredStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	l1TTL := s.l1TTL
	if ttl > 0 && (l1TTL <= 0 || ttl < l1TTL) {
		l1TTL = ttl
	}
	if err := s.l1.Set(ctx, key, entry, l1TTL); err != nil {
		s.logger.Debug("l1 store skipped", zap.String("key", key), zap.Error(err))
	}
	return s.l2.Set(ctx, key, entry, ttl)
}

// Delete 实现 Store
func (s *TieredStore) Delete(ctx context.Context, key string) error {
	_ = s.l1.Delete(ctx, key)
	return s.l2.Delete(ctx, key)
}

// NullStore 禁用缓存
type NullStore struct{}

// Get 实现 Store
func (NullStore) Get(context.Context, string) (*Entry, error) { return nil, ErrMiss }

// Set 实现 Store
func (NullStore) Set(context.Context, string, *Entry, time.Duration) error { return nil }

// Delete 实现 Store
func (NullStore) Delete(context.Context, string) error { return nil }
