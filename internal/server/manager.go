package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// Manager HTTP 服务器管理器。
// 所有请求的 context 派生自 Manager 持有的根 context，
// 优雅关闭超时后取消根 context，使仍在流式输出的会话中止并清理溢写文件。
type Manager struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool

	base       context.Context
	cancelBase context.CancelFunc
}

// Config 服务器配置
type Config struct {
	// 服务名，仅用于日志（api / metrics）
	Name string `yaml:"name" json:"name"`

	// 监听地址
	Addr string `yaml:"addr" json:"addr"`

	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 写入超时，0 表示不限制。流式响应由会话级超时约束。
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Name:            "api",
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: 30 * time.Second,
	}
}

// NewManager 创建服务器管理器
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "api"
	}
	base, cancel := context.WithCancel(context.Background())

	server := &http.Server{
		Addr:           config.Addr,
		Handler:        handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
		BaseContext:    func(net.Listener) context.Context { return base },
		ErrorLog:       zap.NewStdLog(logger.Named("net_http")),
	}

	return &Manager{
		server:     server,
		errCh:      make(chan error, 1),
		config:     config,
		logger:     logger.With(zap.String("component", "http_server"), zap.String("server", config.Name)),
		base:       base,
		cancelBase: cancel,
	}
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Start 启动服务器（非阻塞）
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("server is closed")
	}

	if m.listener != nil {
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}

	m.listener = listener
	m.logger.Info("starting HTTP server", zap.String("addr", listener.Addr().String()))

	go m.serve(listener)

	return nil
}

func (m *Manager) serve(listener net.Listener) {
	if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("HTTP server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown 优雅关闭服务器。
// 超时后取消所有在途请求的 context 并强制关闭连接。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	m.logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	err := m.server.Shutdown(shutdownCtx)
	if err != nil {
		m.logger.Warn("graceful shutdown timed out, aborting in-flight requests", zap.Error(err))
		m.cancelBase()
		if cerr := m.server.Close(); cerr != nil {
			m.logger.Error("HTTP server close failed", zap.Error(cerr))
		}
	}
	m.cancelBase()
	m.listener = nil

	m.logger.Info("HTTP server stopped")
	return err
}

// WaitForShutdown 等待关闭信号
func (m *Manager) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-m.errCh:
		if err != nil {
			m.logger.Error("server exited unexpectedly", zap.Error(err))
		}
	}

	if err := m.Shutdown(context.Background()); err != nil {
		m.logger.Error("shutdown error", zap.Error(err))
	}
}

// Errors returns asynchronous server errors.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// Addr 返回服务器监听地址；启动后返回实际监听地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// Name 服务名
func (m *Manager) Name() string { return m.config.Name }

// IsRunning 检查服务器是否运行中
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}
