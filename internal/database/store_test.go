package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/fedgate/internal/retry"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// =============================================================================
// 🧪 RouteStore 测试
// =============================================================================

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	// gorm.Open 自动 ping 一次
	mock.ExpectPing()

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)
	return mockDB, mock, gormDB
}

func fastTxRetry() *retry.Policy {
	return &retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestNewRouteStore(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	store, err := NewRouteStore(gormDB, StoreConfig{MaxOpenConns: 4, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	assert.Same(t, gormDB, store.DB())
	assert.Equal(t, 4, store.sqlDB.Stats().MaxOpenConnections)

	_, err = NewRouteStore(nil, DefaultStoreConfig(), nil)
	assert.Error(t, err)
}

func TestRouteStore_Ping(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	store, err := NewRouteStore(gormDB, StoreConfig{MaxOpenConns: 4}, nil)
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, store.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRouteStore_ReportsConnectionStats(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	var reports atomic.Int32
	store, err := NewRouteStore(gormDB, StoreConfig{
		MaxOpenConns:  4,
		StatsInterval: 10 * time.Millisecond,
		OnStats: func(open, idle int) {
			assert.GreaterOrEqual(t, open, idle)
			reports.Add(1)
		},
	}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return reports.Load() > 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, store.Close())
	n := reports.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, reports.Load(), "reporting stops on close")
}

func TestRouteStore_InTransactionRetriesConflicts(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	store, err := NewRouteStore(gormDB, StoreConfig{MaxOpenConns: 4, Retry: fastTxRetry()}, nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err = store.InTransaction(context.Background(), func(tx *gorm.DB) error {
		attempts++
		if attempts == 1 {
			return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRouteStore_InTransactionKeepsDataErrors(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	store, err := NewRouteStore(gormDB, StoreConfig{MaxOpenConns: 4, Retry: fastTxRetry()}, nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	attempts := 0
	unique := &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	err = store.InTransaction(context.Background(), func(tx *gorm.DB) error {
		attempts++
		return unique
	})
	assert.ErrorIs(t, err, unique)
	assert.Equal(t, 1, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRouteStore_Close(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)

	store, err := NewRouteStore(gormDB, StoreConfig{MaxOpenConns: 4}, nil)
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "second close is a no-op")

	assert.ErrorIs(t, store.Ping(context.Background()), ErrStoreClosed)
	assert.ErrorIs(t, store.InTransaction(context.Background(), func(*gorm.DB) error { return nil }), ErrStoreClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
	_ = mockDB.Close()
}

func TestRetryableTxError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bad connection", fmt.Errorf("begin: %w", driver.ErrBadConn), true},
		{"postgres serialization", &pgconn.PgError{Code: "40001"}, true},
		{"postgres deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"postgres unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, true},
		{"mysql lock wait", &mysql.MySQLError{Number: 1205}, true},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062}, false},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"syntax", errors.New("syntax error at or near"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryableTxError(tt.err))
		})
	}
}

// =============================================================================
// 🧪 Open / Instrument
// =============================================================================

func TestOpen_Drivers(t *testing.T) {
	_, err := Open("", "", nil)
	assert.ErrorContains(t, err, "not configured")

	_, err = Open("oracle", "x", nil)
	assert.ErrorContains(t, err, "unsupported")

	db, err := Open(DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()
	assert.NoError(t, sqlDB.Ping())
}

type routeRow struct {
	ID      uint `gorm:"primaryKey"`
	Network string
}

func TestInstrument_ObservesStatements(t *testing.T) {
	db, err := Open(DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	seen := make(map[string]int)
	require.NoError(t, Instrument(db, func(op string, d time.Duration) {
		assert.GreaterOrEqual(t, d, time.Duration(0))
		seen[op]++
	}))
	require.NoError(t, db.AutoMigrate(&routeRow{}))

	require.NoError(t, db.Create(&routeRow{Network: "GE"}).Error)
	var rows []routeRow
	require.NoError(t, db.Find(&rows).Error)
	require.NoError(t, db.Where("network = ?", "GE").Delete(&routeRow{}).Error)

	assert.Equal(t, 1, seen["create"])
	assert.GreaterOrEqual(t, seen["query"], 1)
	assert.Equal(t, 1, seen["delete"])
}

func TestInstrument_NilObserver(t *testing.T) {
	assert.NoError(t, Instrument(nil, nil))
}

func TestRouteStore_ReplacesRoutesOnSQLite(t *testing.T) {
	db, err := Open(DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), zap.NewNop())
	require.NoError(t, err)
	store, err := NewRouteStore(db, DefaultStoreConfig(), nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, db.AutoMigrate(&routeRow{}))

	require.NoError(t, store.InTransaction(context.Background(), func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&routeRow{}).Error; err != nil {
			return err
		}
		return tx.Create(&[]routeRow{{Network: "GE"}, {Network: "NL"}}).Error
	}))
	var n int64
	require.NoError(t, db.Model(&routeRow{}).Count(&n).Error)
	assert.Equal(t, int64(2), n)
}
