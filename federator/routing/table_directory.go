package routing

import (
	"context"
	"strings"
	"time"

	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RouteRecord 静态路由表的一行
type RouteRecord struct {
	ID        uint       `gorm:"primaryKey"`
	Resource  string     `gorm:"size:32;not null;index:idx_routes_lookup,priority:1"`
	Network   string     `gorm:"size:8;not null;index:idx_routes_lookup,priority:2"`
	Station   string     `gorm:"size:8;not null;index:idx_routes_lookup,priority:3"`
	Location  string     `gorm:"size:8;not null"`
	Channel   string     `gorm:"size:8;not null"`
	StartTime *time.Time `gorm:"index"`
	EndTime   *time.Time
	Endpoint  string `gorm:"size:512;not null"`
	Priority  int    `gorm:"not null;default:0"`
	CreatedAt time.Time
}

// TableName 指定表名
func (RouteRecord) TableName() string { return "routes" }

// Transactor 在事务中执行 fn，可由连接池管理器提供带重试的实现
type Transactor func(ctx context.Context, fn func(tx *gorm.DB) error) error

// TableDirectory 基于数据库静态路由表的目录，路由服务不可用时作为回退。
type TableDirectory struct {
	db     *gorm.DB
	tx     Transactor
	logger *zap.Logger
}

// NewTableDirectory 创建静态路由表目录
func NewTableDirectory(db *gorm.DB, logger *zap.Logger) *TableDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &TableDirectory{db: db, logger: logger.With(zap.String("component", "route_table"))}
	d.tx = func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		return d.db.WithContext(ctx).Transaction(fn)
	}
	return d
}

// WithTransactor 替换 Replace 使用的事务执行器
func (d *TableDirectory) WithTransactor(tx Transactor) *TableDirectory {
	if tx != nil {
		d.tx = tx
	}
	return d
}

// Migrate 创建或更新路由表
func (d *TableDirectory) Migrate(ctx context.Context) error {
	return d.db.WithContext(ctx).AutoMigrate(&RouteRecord{})
}

// Lookup 实现 Directory。选择器中的 * 与 ? 转换为 SQL LIKE 通配符。
func (d *TableDirectory) Lookup(ctx context.Context, resource string, epochs []types.StreamEpoch) ([]Route, error) {
	var routes []Route
	for _, e := range epochs {
		var rows []RouteRecord
		q := d.db.WithContext(ctx).Model(&RouteRecord{}).Where("resource = ?", resource)
		q = matchColumn(q, "network", e.Network)
		q = matchColumn(q, "station", e.Station)
		q = matchColumn(q, "location", e.Location)
		q = matchColumn(q, "channel", e.Channel)
		if !e.End.IsZero() {
			q = q.Where("(start_time IS NULL OR start_time < ?)", e.End)
		}
		if !e.Start.IsZero() {
			q = q.Where("(end_time IS NULL OR end_time > ?)", e.Start)
		}
		err := q.Order("network, station, location, channel, start_time, priority").Find(&rows).Error
		if err != nil {
			return nil, types.NewError(types.ErrResolution, "route table query failed").WithCause(err)
		}
		for _, row := range rows {
			routes = append(routes, row.route())
		}
	}
	return routes, nil
}

// Replace 在一个事务中替换某资源的全部路由
func (d *TableDirectory) Replace(ctx context.Context, resource string, routes []Route) (int, error) {
	records := make([]RouteRecord, 0, len(routes))
	for _, r := range routes {
		records = append(records, newRouteRecord(resource, r))
	}

	err := d.tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("resource = ?", resource).Delete(&RouteRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(records, 500).Error
	})
	if err != nil {
		return 0, err
	}
	d.logger.Info("route table replaced",
		zap.String("resource", resource),
		zap.Int("routes", len(records)),
	)
	return len(records), nil
}

// Count 返回某资源的路由条数
func (d *TableDirectory) Count(ctx context.Context, resource string) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&RouteRecord{}).Where("resource = ?", resource).Count(&n).Error
	return n, err
}

func newRouteRecord(resource string, r Route) RouteRecord {
	rec := RouteRecord{
		Resource: resource,
		Network:  r.Epoch.Network,
		Station:  r.Epoch.Station,
		Location: r.Epoch.Location,
		Channel:  r.Epoch.Channel,
		Endpoint: r.Endpoint,
		Priority: r.Priority,
	}
	if !r.Epoch.Start.IsZero() {
		start := r.Epoch.Start.UTC()
		rec.StartTime = &start
	}
	if !r.Epoch.End.IsZero() {
		end := r.Epoch.End.UTC()
		rec.EndTime = &end
	}
	return rec
}

func (rec RouteRecord) route() Route {
	r := Route{
		Epoch: types.StreamEpoch{Stream: types.Stream{
			Network:  rec.Network,
			Station:  rec.Station,
			Location: rec.Location,
			Channel:  rec.Channel,
		}},
		Endpoint: rec.Endpoint,
		Priority: rec.Priority,
	}
	if rec.StartTime != nil {
		r.Epoch.Start = rec.StartTime.UTC()
	}
	if rec.EndTime != nil {
		r.Epoch.End = rec.EndTime.UTC()
	}
	return r
}

var likeReplacer = strings.NewReplacer("*", "%", "?", "_")

func matchColumn(q *gorm.DB, column, pattern string) *gorm.DB {
	if pattern == "*" {
		return q
	}
	if strings.ContainsAny(pattern, "*?") {
		return q.Where(column+" LIKE ?", likeReplacer.Replace(pattern))
	}
	return q.Where(column+" = ?", pattern)
}
