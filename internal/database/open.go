package database

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// 支持的驱动
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// Open 根据驱动名打开数据库连接。sqlite 使用纯 Go 实现，dsn 为文件路径或 :memory:。
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case "":
		return nil, fmt.Errorf("database driver not configured")
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	logger.Info("database connected", zap.String("driver", driver))
	return db, nil
}

// =============================================================================
// ⏱️ 查询耗时
// =============================================================================

// QueryObserver 接收每条语句的耗时，operation 为 query/create/delete
type QueryObserver func(operation string, d time.Duration)

const startedKey = "fedgate:started_at"

// Instrument 为 db 注册 gorm 回调，记录查询、写入与删除的耗时
func Instrument(db *gorm.DB, observe QueryObserver) error {
	if observe == nil {
		return nil
	}
	before := func(tx *gorm.DB) { tx.InstanceSet(startedKey, time.Now()) }
	after := func(op string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			v, ok := tx.InstanceGet(startedKey)
			if !ok {
				return
			}
			if started, ok := v.(time.Time); ok {
				observe(op, time.Since(started))
			}
		}
	}

	cb := db.Callback()
	if err := cb.Query().Before("gorm:query").Register("fedgate:before_query", before); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("fedgate:after_query", after("query")); err != nil {
		return err
	}
	if err := cb.Create().Before("gorm:create").Register("fedgate:before_create", before); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("fedgate:after_create", after("create")); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("fedgate:before_delete", before); err != nil {
		return err
	}
	return cb.Delete().After("gorm:delete").Register("fedgate:after_delete", after("delete"))
}
