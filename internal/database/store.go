package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/fedgate/internal/retry"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrStoreClosed 路由表数据库已关闭
var ErrStoreClosed = errors.New("route store is closed")

// =============================================================================
// 🗄️ 路由表数据库
// =============================================================================

// StoreConfig 路由表数据库的连接池与事务配置
type StoreConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// StatsInterval 上报连接数的间隔，0 表示不上报
	StatsInterval time.Duration
	// OnStats 收到当前打开与空闲的连接数
	OnStats func(open, idle int)
	// Retry 路由表替换事务的重试策略，为空时使用 DefaultTxRetry
	Retry *retry.Policy
}

// DefaultStoreConfig 路由表很小，读多写少，少量连接即可
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		StatsInterval:   30 * time.Second,
	}
}

// DefaultTxRetry 替换事务最多尝试 3 次
func DefaultTxRetry() *retry.Policy {
	return &retry.Policy{
		MaxRetries:   2,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// RouteStore 持有路由表的 GORM 连接。InTransaction 满足 routing.Transactor，
// 路由表整体替换遇到死锁、序列化冲突或断连时整体重做。
type RouteStore struct {
	db      *gorm.DB
	sqlDB   *sql.DB
	retryer *retry.Retryer
	logger  *zap.Logger
	closed  atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewRouteStore 调整连接池参数并启动连接数上报
func NewRouteStore(db *gorm.DB, cfg StoreConfig, logger *zap.Logger) (*RouteStore, error) {
	if db == nil {
		return nil, errors.New("route store needs a database")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "route_store"))

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("route store: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	policy := DefaultTxRetry()
	if cfg.Retry != nil {
		p := *cfg.Retry
		policy = &p
	}
	policy.Retryable = retryableTxError
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("route table transaction failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}

	s := &RouteStore{
		db:      db,
		sqlDB:   sqlDB,
		retryer: retry.New(policy, logger),
		logger:  logger,
		stop:    make(chan struct{}),
	}
	if cfg.StatsInterval > 0 && cfg.OnStats != nil {
		s.wg.Add(1)
		go s.reportStats(cfg.StatsInterval, cfg.OnStats)
	}
	return s, nil
}

// DB 返回 GORM 实例
func (s *RouteStore) DB() *gorm.DB { return s.db }

// Ping 就绪检查
func (s *RouteStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.sqlDB.PingContext(ctx)
}

// InTransaction 在事务中执行 fn，可重试的失败会回滚后整体重做
func (s *RouteStore) InTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.retryer.Do(ctx, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(fn)
	})
}

// Close 停止上报并关闭连接池，重复调用无副作用
func (s *RouteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stop)
	s.wg.Wait()
	return s.sqlDB.Close()
}

func (s *RouteStore) reportStats(interval time.Duration, onStats func(open, idle int)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			st := s.sqlDB.Stats()
			onStats(st.OpenConnections, st.Idle)
		}
	}
}

// retryableTxError 只重试事务冲突与断连，约束冲突等数据错误直接返回
func retryableTxError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return true
		}
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1213 || myErr.Number == 1205 // 死锁、锁等待超时
	}
	// sqlite 驱动只以消息暴露 SQLITE_BUSY
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
