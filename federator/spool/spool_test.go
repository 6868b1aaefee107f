package spool

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/BaSui01/fedgate/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func spillFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "fedgate-*.spool"))
	require.NoError(t, err)
	return matches
}

func readAll(t *testing.T, c *Chunk) []byte {
	t.Helper()
	r, err := c.Open()
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

// =============================================================================
// 🧪 Budget
// =============================================================================

func TestBudget(t *testing.T) {
	b := NewBudget(10)
	assert.True(t, b.Reserve(6))
	assert.False(t, b.Reserve(5))
	b.Release(6)
	assert.True(t, b.Reserve(10))
	assert.Equal(t, int64(10), b.Used())

	unlimited := NewBudget(-1)
	assert.True(t, unlimited.Reserve(1<<40))

	none := NewBudget(0)
	assert.False(t, none.Reserve(1))
}

func TestBudget_ChildHonoursBothLimits(t *testing.T) {
	global := NewBudget(10)
	s1 := global.Child(6)
	s2 := global.Child(6)

	assert.True(t, s1.Reserve(6))
	assert.False(t, s1.Reserve(1), "session limit reached")
	assert.True(t, s2.Reserve(4))
	assert.False(t, s2.Reserve(1), "global limit reached")
	assert.Equal(t, int64(4), s2.Used(), "a refused reservation is rolled back")
	assert.Equal(t, int64(10), global.Used())

	s1.Release(6)
	assert.Equal(t, int64(4), global.Used())
	assert.True(t, s2.Reserve(2))

	unlimited := global.Child(-1)
	assert.False(t, unlimited.Reserve(5), "an unlimited session still obeys the global budget")
}

// =============================================================================
// 🧪 Manager
// =============================================================================

func TestManager_MemoryOnly(t *testing.T) {
	dir := t.TempDir()
	m := NewManager("s1", Config{Dir: dir, MemoryLimit: 1024}, nil)
	defer m.Close()

	require.NoError(t, m.Append(0, []byte("hello ")))
	require.NoError(t, m.Append(0, []byte("world")))

	c, err := m.Finalize(0)
	require.NoError(t, err)
	assert.False(t, c.Spilled())
	assert.Equal(t, int64(11), c.Size())
	assert.Equal(t, "hello world", string(readAll(t, c)))
	assert.Empty(t, spillFiles(t, dir))

	c.Release()
	c.Release()
	assert.Equal(t, int64(0), m.Stats().MemoryBytes)
}

func TestManager_SpillsWhenBudgetExhausted(t *testing.T) {
	dir := t.TempDir()
	m := NewManager("s2", Config{Dir: dir, MemoryLimit: 8}, nil)
	defer m.Close()

	require.NoError(t, m.Append(0, []byte("12345")))
	require.NoError(t, m.Append(0, []byte("6789")))
	require.NoError(t, m.Append(0, []byte("abc")))

	// 迁移后内存预算归还
	assert.Equal(t, int64(0), m.Stats().MemoryBytes)
	require.Len(t, spillFiles(t, dir), 1)

	c, err := m.Finalize(0)
	require.NoError(t, err)
	assert.True(t, c.Spilled())
	assert.Equal(t, "123456789abc", string(readAll(t, c)))

	buf := make([]byte, 3)
	n, err := c.ReadAt(buf, 9)
	assert.Equal(t, 3, n)
	assert.True(t, err == nil || err == io.EOF)
	assert.Equal(t, "abc", string(buf))

	c.Release()
	assert.Empty(t, spillFiles(t, dir))
	assert.Equal(t, int64(1), m.Stats().SpilledChunks)
}

func TestManager_SubsequentChunksSpill(t *testing.T) {
	dir := t.TempDir()
	m := NewManager("s3", Config{Dir: dir, MemoryLimit: 4}, nil)
	defer m.Close()

	require.NoError(t, m.Append(0, []byte("aaaa")))
	require.NoError(t, m.Append(1, []byte("bb")))

	first, err := m.Finalize(0)
	require.NoError(t, err)
	second, err := m.Finalize(1)
	require.NoError(t, err)

	assert.False(t, first.Spilled())
	assert.True(t, second.Spilled())
	assert.Equal(t, "bb", string(readAll(t, second)))
}

func TestManager_Discard(t *testing.T) {
	dir := t.TempDir()
	m := NewManager("s4", Config{Dir: dir, MemoryLimit: 2}, nil)
	defer m.Close()

	require.NoError(t, m.Append(3, []byte("partial-bytes")))
	require.Len(t, spillFiles(t, dir), 1)

	m.Discard(3)
	assert.Empty(t, spillFiles(t, dir))

	// 丢弃后同一序号重新开始
	require.NoError(t, m.Append(3, []byte("ok")))
	c, err := m.Finalize(3)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(readAll(t, c)))
}

func TestManager_EmptyChunk(t *testing.T) {
	m := NewManager("s5", Config{Dir: t.TempDir(), MemoryLimit: 16}, nil)
	defer m.Close()

	c, err := m.Finalize(7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Size())
	assert.Empty(t, readAll(t, c))
}

func TestManager_CloseRemovesEverything(t *testing.T) {
	dir := t.TempDir()
	m := NewManager("s6", Config{Dir: dir, MemoryLimit: 1}, nil)

	require.NoError(t, m.Append(0, []byte("finalized")))
	_, err := m.Finalize(0)
	require.NoError(t, err)
	require.NoError(t, m.Append(1, []byte("in-flight")))
	require.Len(t, spillFiles(t, dir), 2)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Empty(t, spillFiles(t, dir))

	assert.ErrorIs(t, m.Append(2, []byte("x")), ErrClosed)
	_, err = m.Finalize(1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_SpillDirMissing(t *testing.T) {
	m := NewManager("s7", Config{Dir: filepath.Join(t.TempDir(), "missing"), MemoryLimit: 0}, nil)
	defer m.Close()

	err := m.Append(0, []byte("x"))
	assert.True(t, types.IsErrorCode(err, types.ErrSpillIO))
}

func TestManager_SessionAndGlobalLimits(t *testing.T) {
	dir := t.TempDir()
	global := NewBudget(100)
	a := NewManager("sa", Config{Dir: dir, MemoryLimit: 8, Budget: global}, nil)
	defer a.Close()
	b := NewManager("sb", Config{Dir: dir, MemoryLimit: 1000, Budget: global}, nil)
	defer b.Close()

	// 会话上限先于全局上限触发
	require.NoError(t, a.Append(0, []byte("12345678")))
	require.NoError(t, a.Append(1, []byte("x")))
	assert.Equal(t, int64(1), a.Stats().SpilledChunks)
	assert.Equal(t, int64(8), global.Used())

	// 全局上限先于会话上限触发
	require.NoError(t, b.Append(0, make([]byte, 92)))
	require.NoError(t, b.Append(1, []byte("y")))
	assert.Equal(t, int64(1), b.Stats().SpilledChunks)
	assert.Equal(t, int64(100), global.Used())
	assert.Len(t, spillFiles(t, dir), 2)

	require.NoError(t, a.Close())
	assert.Equal(t, int64(92), global.Used(), "closing a session returns its share")
	require.NoError(t, b.Close())
	assert.Zero(t, global.Used())
}

func TestManager_SharedBudgetConcurrent(t *testing.T) {
	dir := t.TempDir()
	m := NewManager("s8", Config{Dir: dir, MemoryLimit: 64}, nil)
	defer m.Close()

	var wg sync.WaitGroup
	for seq := 0; seq < 8; seq++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				assert.NoError(t, m.Append(seq, []byte{byte(seq), byte(i)}))
			}
		}(seq)
	}
	wg.Wait()

	assert.LessOrEqual(t, m.Stats().MemoryBytes, int64(64))
	for seq := 0; seq < 8; seq++ {
		c, err := m.Finalize(seq)
		require.NoError(t, err)
		data := readAll(t, c)
		require.Len(t, data, 40)
		for i := 0; i < 20; i++ {
			assert.Equal(t, []byte{byte(seq), byte(i)}, data[2*i:2*i+2])
		}
		c.Release()
	}
	assert.Equal(t, int64(0), m.Stats().MemoryBytes)
}

// =============================================================================
// 🎲 溢出正确性
// =============================================================================

func TestManager_SpillPreservesBytes(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.Int64Range(0, 256).Draw(rt, "limit")
		parts := rapid.SliceOf(rapid.SliceOfN(rapid.Byte(), 0, 64)).Draw(rt, "parts")

		m := NewManager("prop", Config{Dir: dir, MemoryLimit: limit}, nil)
		var want bytes.Buffer
		for _, p := range parts {
			if err := m.Append(0, p); err != nil {
				rt.Fatalf("append: %v", err)
			}
			want.Write(p)
		}
		c, err := m.Finalize(0)
		if err != nil {
			rt.Fatalf("finalize: %v", err)
		}
		r, _ := c.Open()
		got, err := io.ReadAll(r)
		if err != nil {
			rt.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, want.Bytes()) {
			rt.Fatalf("content differs: spilled=%v", c.Spilled())
		}
		if c.Spilled() != (int64(want.Len()) > limit) {
			rt.Fatalf("spilled=%v with %d bytes and limit %d", c.Spilled(), want.Len(), limit)
		}
		m.Close()

		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			rt.Fatalf("%d spill files left", len(entries))
		}
	})
}
