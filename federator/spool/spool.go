package spool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/BaSui01/fedgate/internal/pool"
	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

// ErrClosed 会话缓冲区已关闭
var ErrClosed = errors.New("spool is closed")

// =============================================================================
// 💰 内存预算
// =============================================================================

// Budget 内存上限。limit < 0 表示不限，limit == 0 表示所有数据直接落盘。
// 带 parent 的预算只有在自身与 parent 都有余量时才预留成功。
type Budget struct {
	limit  int64
	used   atomic.Int64
	parent *Budget
}

// NewBudget 创建内存预算
func NewBudget(limit int64) *Budget {
	return &Budget{limit: limit}
}

// Child 创建受 b 约束的子预算，用于进程级预算下的会话级上限
func (b *Budget) Child(limit int64) *Budget {
	return &Budget{limit: limit, parent: b}
}

// Reserve 尝试预留 n 字节，超过任一层上限返回 false，不阻塞。
func (b *Budget) Reserve(n int64) bool {
	if !b.reserve(n) {
		return false
	}
	if b.parent != nil && !b.parent.Reserve(n) {
		b.used.Add(-n)
		return false
	}
	return true
}

func (b *Budget) reserve(n int64) bool {
	if b.limit < 0 {
		b.used.Add(n)
		return true
	}
	for {
		cur := b.used.Load()
		if cur+n > b.limit {
			return false
		}
		if b.used.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// Release 归还 n 字节，同时归还 parent
func (b *Budget) Release(n int64) {
	if n <= 0 {
		return
	}
	b.used.Add(-n)
	if b.parent != nil {
		b.parent.Release(n)
	}
}

// Used 当前已用字节数
func (b *Budget) Used() int64 { return b.used.Load() }

// Limit 内存上限
func (b *Budget) Limit() int64 { return b.limit }

// =============================================================================
// 📦 Manager
// =============================================================================

// Config 缓冲配置
type Config struct {
	// Dir 落盘目录，空表示系统临时目录
	Dir string
	// MemoryLimit 会话级内存上限（字节）
	MemoryLimit int64
	// Budget 进程级共享预算，非空时与 MemoryLimit 同时生效
	Budget *Budget
}

// Stats 缓冲统计
type Stats struct {
	SpilledChunks int64 `json:"spilled_chunks"`
	SpilledBytes  int64 `json:"spilled_bytes"`
	MemoryBytes   int64 `json:"memory_bytes"`
	OpenFiles     int   `json:"open_files"`
}

// Manager 单个会话的分片缓冲区。每个分片先写内存，预算耗尽后透明迁移到临时文件。
// 会话结束时 Close 删除所有临时文件。
type Manager struct {
	session string
	dir     string
	budget  *Budget
	logger  *zap.Logger

	mu      sync.Mutex
	buffers map[int]*buffer
	files   map[string]*os.File
	closed  bool

	spilledChunks atomic.Int64
	spilledBytes  atomic.Int64
}

// NewManager 创建会话缓冲区
func NewManager(session string, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	budget := NewBudget(cfg.MemoryLimit)
	if cfg.Budget != nil {
		budget = cfg.Budget.Child(cfg.MemoryLimit)
	}
	return &Manager{
		session: session,
		dir:     cfg.Dir,
		budget:  budget,
		logger:  logger.With(zap.String("component", "spool"), zap.String("session_id", session)),
		buffers: make(map[int]*buffer),
		files:   make(map[string]*os.File),
	}
}

type buffer struct {
	mu       sync.Mutex
	mem      *bytes.Buffer
	reserved int64
	file     *os.File
	size     int64
}

// Append 追加分片字节。预算不足时当前分片迁移到临时文件，之后的写入直接落盘。
func (m *Manager) Append(seq int, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	b, err := m.buffer(seq)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil {
		if m.budget.Reserve(int64(len(p))) {
			b.mem.Write(p)
			b.reserved += int64(len(p))
			b.size += int64(len(p))
			return nil
		}
		if err := m.spill(seq, b); err != nil {
			return err
		}
	}

	if _, err := b.file.Write(p); err != nil {
		return spillError("write spill file", err)
	}
	b.size += int64(len(p))
	m.spilledBytes.Add(int64(len(p)))
	return nil
}

func (m *Manager) buffer(seq int) (*buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	b, ok := m.buffers[seq]
	if !ok {
		b = &buffer{mem: pool.ByteBufferPool.Get()}
		m.buffers[seq] = b
	}
	return b, nil
}

// spill 把内存中的字节迁移到临时文件，调用方持有 b.mu
func (m *Manager) spill(seq int, b *buffer) error {
	f, err := os.CreateTemp(m.dir, fmt.Sprintf("fedgate-%s-*.spool", m.session))
	if err != nil {
		return spillError("create spill file", err)
	}
	if !m.register(f) {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return ErrClosed
	}
	if _, err := f.Write(b.mem.Bytes()); err != nil {
		m.remove(f)
		return spillError("write spill file", err)
	}

	m.spilledChunks.Add(1)
	m.spilledBytes.Add(int64(b.mem.Len()))
	m.logger.Debug("chunk spilled to disk",
		zap.Int("seq", seq),
		zap.Int64("buffered", b.size),
		zap.String("file", f.Name()),
	)

	m.budget.Release(b.reserved)
	b.reserved = 0
	pool.ByteBufferPool.Put(b.mem)
	b.mem = nil
	b.file = f
	return nil
}

func (m *Manager) register(f *os.File) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.files[f.Name()] = f
	return true
}

// remove 关闭并删除临时文件，可重复调用
func (m *Manager) remove(f *os.File) {
	m.mu.Lock()
	delete(m.files, f.Name())
	m.mu.Unlock()

	_ = f.Close()
	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to remove spill file", zap.String("file", f.Name()), zap.Error(err))
	}
}

// Finalize 结束分片写入，返回统一读取接口。之后同一 seq 的 Append 将开始新的分片。
func (m *Manager) Finalize(seq int) (*Chunk, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	b, ok := m.buffers[seq]
	delete(m.buffers, seq)
	m.mu.Unlock()

	c := &Chunk{seq: seq, owner: m}
	if !ok {
		return c, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c.size = b.size
	if b.file != nil {
		c.file = b.file
	} else {
		c.mem = b.mem
		c.reserved = b.reserved
	}
	return c, nil
}

// Discard 丢弃未完成分片的全部字节（切换备用端点重试前调用）
func (m *Manager) Discard(seq int) {
	m.mu.Lock()
	b, ok := m.buffers[seq]
	delete(m.buffers, seq)
	m.mu.Unlock()
	if ok {
		m.release(b)
	}
}

func (m *Manager) release(b *buffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		m.remove(b.file)
		b.file = nil
	}
	if b.mem != nil {
		m.budget.Release(b.reserved)
		b.reserved = 0
		pool.ByteBufferPool.Put(b.mem)
		b.mem = nil
	}
}

// Close 释放全部缓冲并删除所有临时文件，包括尚未 Release 的分片
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	buffers := m.buffers
	m.buffers = nil
	files := make([]*os.File, 0, len(m.files))
	for _, f := range m.files {
		files = append(files, f)
	}
	m.mu.Unlock()

	for _, b := range buffers {
		m.release(b)
	}
	for _, f := range files {
		m.remove(f)
	}
	if len(files) > 0 {
		m.logger.Debug("spill files removed", zap.Int("count", len(files)))
	}
	return nil
}

// Stats 返回统计信息
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	open := len(m.files)
	m.mu.Unlock()
	return Stats{
		SpilledChunks: m.spilledChunks.Load(),
		SpilledBytes:  m.spilledBytes.Load(),
		MemoryBytes:   m.budget.Used(),
		OpenFiles:     open,
	}
}

// =============================================================================
// 📄 Chunk
// =============================================================================

// Chunk 已完成分片的只读视图，调用方不感知数据在内存还是磁盘。
type Chunk struct {
	seq      int
	size     int64
	mem      *bytes.Buffer
	reserved int64
	file     *os.File
	owner    *Manager
	once     sync.Once
}

// Seq 分片序号
func (c *Chunk) Seq() int { return c.seq }

// Size 分片字节数
func (c *Chunk) Size() int64 { return c.size }

// Spilled 是否已落盘
func (c *Chunk) Spilled() bool { return c.file != nil }

// ReadAt 实现 io.ReaderAt
func (c *Chunk) ReadAt(p []byte, off int64) (int, error) {
	if off >= c.size {
		return 0, io.EOF
	}
	if c.file != nil {
		n, err := c.file.ReadAt(p[:min(int64(len(p)), c.size-off)], off)
		if err != nil && !errors.Is(err, io.EOF) {
			return n, spillError("read spill file", err)
		}
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	if c.mem == nil {
		return 0, io.EOF
	}
	return bytes.NewReader(c.mem.Bytes()).ReadAt(p, off)
}

// Open 返回从头读取分片的 Reader，可多次调用
func (c *Chunk) Open() (io.ReadCloser, error) {
	return io.NopCloser(io.NewSectionReader(c, 0, c.size)), nil
}

// Release 归还内存预算并删除临时文件，可重复调用
func (c *Chunk) Release() {
	c.once.Do(func() {
		if c.file != nil {
			c.owner.remove(c.file)
		}
		if c.mem != nil {
			c.owner.budget.Release(c.reserved)
			pool.ByteBufferPool.Put(c.mem)
			c.mem = nil
		}
	})
}

func spillError(op string, err error) error {
	return types.Errorf(types.ErrSpillIO, "%s: %v", op, err).WithCause(err)
}
