package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	config := Config{
		Addr:       mr.Addr(),
		KeyPrefix:  "test:",
		DefaultTTL: 1 * time.Minute,
	}

	manager, err := NewManager(config, zap.NewNop())
	require.NoError(t, err)

	return mr, manager
}

func TestManager_SetAndGet(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	payload := []byte{0x00, 0x01, 0xfe, 0xff}

	require.NoError(t, manager.Set(ctx, "k", payload, time.Minute))

	value, err := manager.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, payload, value)

	// 键带前缀存储
	assert.True(t, mr.Exists("test:k"))
}

func TestManager_GetMiss(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	value, err := manager.Get(context.Background(), "non-existent")
	assert.True(t, IsCacheMiss(err))
	assert.Nil(t, value)
}

func TestManager_Delete(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	require.NoError(t, manager.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, manager.Delete(ctx, "a"))
	require.NoError(t, manager.Delete(ctx))

	_, err := manager.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestManager_TTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "ttl", []byte("v"), 100*time.Millisecond))
	d, err := manager.TTL(ctx, "ttl")
	require.NoError(t, err)
	assert.Greater(t, d, time.Duration(0))

	mr.FastForward(200 * time.Millisecond)

	_, err = manager.Get(ctx, "ttl")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = manager.TTL(ctx, "ttl")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestManager_DefaultTTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	require.NoError(t, manager.Set(context.Background(), "d", []byte("v"), 0))
	assert.Equal(t, time.Minute, mr.TTL("test:d"))
}

func TestManager_Closed(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	_, err := manager.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, manager.Ping(context.Background()), ErrClosed)
}

func TestManager_ConnectFailed(t *testing.T) {
	manager, err := NewManager(Config{Addr: "localhost:9999"}, zap.NewNop())
	assert.Nil(t, manager)
	assert.Error(t, err)
}

func TestManager_ServerDown(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer manager.Close()

	mr.Close()
	_, err := manager.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}

func TestParseInfo(t *testing.T) {
	info := "# Stats\r\nkeyspace_hits:42\r\nkeyspace_misses:7\r\n# Memory\r\nused_memory:1024\r\n# Clients\r\nconnected_clients:3\r\n"
	stats := parseInfo(info)
	assert.Equal(t, uint64(42), stats.Hits)
	assert.Equal(t, uint64(7), stats.Misses)
	assert.Equal(t, int64(1024), stats.UsedMemory)
	assert.Equal(t, 3, stats.Connections)
}

func TestManager_ConcurrentOperations(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			key := fmt.Sprintf("concurrent-%d", id)
			assert.NoError(t, manager.Set(ctx, key, []byte(key), time.Minute))
			value, err := manager.Get(ctx, key)
			assert.NoError(t, err)
			assert.Equal(t, key, string(value))
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
