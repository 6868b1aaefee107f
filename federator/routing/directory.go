package routing

import (
	"context"
	"errors"

	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

// Route 是路由目录返回的一条映射：具体选择器、时间范围与托管端点。
type Route struct {
	Epoch    types.StreamEpoch `json:"epoch"`
	Endpoint string            `json:"endpoint"`
	Priority int               `json:"priority"`
}

// Directory 是外部路由服务的契约。
// 无匹配时返回空切片；服务不可达或返回畸形数据时返回 RESOLUTION_ERROR。
type Directory interface {
	Lookup(ctx context.Context, resource string, epochs []types.StreamEpoch) ([]Route, error)
}

// DirectoryFunc 将函数适配为 Directory。
type DirectoryFunc func(ctx context.Context, resource string, epochs []types.StreamEpoch) ([]Route, error)

// Lookup 实现 Directory
func (f DirectoryFunc) Lookup(ctx context.Context, resource string, epochs []types.StreamEpoch) ([]Route, error) {
	return f(ctx, resource, epochs)
}

// ChainDirectory 依次查询多个目录：前一个目录解析失败时回退到下一个。
// 空结果是合法答案，不会触发回退。
type ChainDirectory struct {
	dirs   []Directory
	logger *zap.Logger
}

// NewChainDirectory 创建回退链
func NewChainDirectory(logger *zap.Logger, dirs ...Directory) *ChainDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainDirectory{dirs: dirs, logger: logger}
}

// Lookup 实现 Directory
func (c *ChainDirectory) Lookup(ctx context.Context, resource string, epochs []types.StreamEpoch) ([]Route, error) {
	var lastErr error
	for i, dir := range c.dirs {
		routes, err := dir.Lookup(ctx, resource, epochs)
		if err == nil {
			return routes, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("routing directory failed, falling back",
			zap.Int("index", i),
			zap.Error(err),
		)
	}
	if lastErr == nil {
		lastErr = errors.New("no routing directory configured")
	}
	return nil, asResolutionError(lastErr)
}

func asResolutionError(err error) error {
	if types.IsErrorCode(err, types.ErrResolution) {
		return err
	}
	return types.NewError(types.ErrResolution, "routing service failed").WithCause(err)
}
