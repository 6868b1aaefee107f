package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/fedgate/api"
	"github.com/BaSui01/fedgate/api/handlers"
	"github.com/BaSui01/fedgate/config"
	"github.com/BaSui01/fedgate/federator/cache"
	"github.com/BaSui01/fedgate/federator/dispatch"
	"github.com/BaSui01/fedgate/federator/health"
	"github.com/BaSui01/fedgate/federator/merge"
	"github.com/BaSui01/fedgate/federator/routing"
	"github.com/BaSui01/fedgate/federator/session"
	"github.com/BaSui01/fedgate/federator/split"
	"github.com/BaSui01/fedgate/federator/spool"
	icache "github.com/BaSui01/fedgate/internal/cache"
	"github.com/BaSui01/fedgate/internal/database"
	"github.com/BaSui01/fedgate/internal/metrics"
	"github.com/BaSui01/fedgate/internal/pool"
	"github.com/BaSui01/fedgate/internal/retry"
	"github.com/BaSui01/fedgate/internal/server"
	"github.com/BaSui01/fedgate/internal/telemetry"
	"github.com/BaSui01/fedgate/internal/tlsutil"
	"github.com/BaSui01/fedgate/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// 不参与限流的运维路径
var opsPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 fedgate 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 指标
	registry         *prometheus.Registry
	metricsCollector *metrics.Collector

	// 联邦组件
	tracker      *health.Tracker
	routesDB     *database.RouteStore
	cacheManager *icache.Manager
	cacheWorkers *pool.GoroutinePool
	engine       *session.Engine

	// Handlers
	healthHandler *handlers.HealthHandler
	fdsnHandlers  []*handlers.FDSNHandler

	// 后台任务（健康跟踪回收、限流清理）生命周期
	background       context.Context
	cancelBackground context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 按配置组装全部组件，不监听端口
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) (*Server, error) {
	bg, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:              cfg,
		logger:           logger,
		otel:             otel,
		background:       bg,
		cancelBackground: cancel,
	}
	if err := s.build(); err != nil {
		s.closeComponents()
		cancel()
		return nil, err
	}
	return s, nil
}

// =============================================================================
// 🔧 组件装配
// =============================================================================

func (s *Server) build() error {
	// 1. 指标收集器（独立 registry）
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metricsCollector = metrics.NewCollector("fedgate", s.registry, s.logger)
	otelMetrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to init otel metrics: %w", err)
	}
	observer := &federationObserver{prom: s.metricsCollector, otel: otelMetrics}

	// 2. 端点健康跟踪
	s.tracker = health.NewTracker(s.healthConfig(), s.logger)
	s.metricsCollector.RegisterTracker(s.tracker)

	// 3. 路由目录与解析器
	dir, err := s.buildDirectory()
	if err != nil {
		return fmt.Errorf("failed to init routing directory: %w", err)
	}
	resolverCfg, err := s.resolverConfig()
	if err != nil {
		return err
	}
	resolver := routing.NewResolver(dir, resolverCfg, s.logger)

	// 4. 分发
	resources := s.cfg.EnabledResources()
	if len(resources) == 0 {
		return fmt.Errorf("no resource enabled")
	}
	sizes := make(map[string]int, len(resources))
	for _, name := range resources {
		sizes[name] = s.cfg.Resources[name].PoolSize
	}
	connPool := dispatch.NewPool(sizes, dispatch.DefaultPoolSize)
	s.metricsCollector.RegisterPool(connPool, resources...)

	fetcher, err := dispatch.NewHTTPFetcher(tlsutil.UpstreamConfig{
		MaxConns:              s.cfg.Upstream.MaxConns,
		MaxConnsPerHost:       s.cfg.Upstream.MaxConnsPerHost,
		ConnectTimeout:        s.cfg.Upstream.ConnectTimeout,
		ResponseHeaderTimeout: s.cfg.Upstream.ResponseHeaderTimeout,
		ProxyURL:              s.cfg.Upstream.ProxyURL,
	}, s.cfg.Service.UserAgent+"/"+Version)
	if err != nil {
		return fmt.Errorf("failed to init upstream client: %w", err)
	}
	dispatcher := dispatch.NewDispatcher(s.tracker, connPool, fetcher, observer, s.logger)

	// 5. 结果缓存
	gateway := s.buildCache()

	// 6. 会话引擎
	sessionCfg, err := s.sessionConfig(resources)
	if err != nil {
		return err
	}
	s.engine = session.NewEngine(resolver, dispatcher, gateway, sessionCfg, observer, s.logger)

	// 7. Handlers
	s.initHandlers(resources)

	s.logger.Info("Components initialized",
		zap.Strings("resources", resources),
		zap.String("cache_backend", s.cfg.Cache.Backend),
		zap.Bool("routing_table", s.routesDB != nil),
	)
	return nil
}

func (s *Server) healthConfig() *health.Config {
	h := health.DefaultConfig()
	c := s.cfg.Health
	if c.WindowSize > 0 {
		h.WindowSize = c.WindowSize
	}
	if c.FailureThreshold >= 0 {
		h.FailureThreshold = c.FailureThreshold
	}
	if c.Window > 0 {
		h.Window = c.Window
	}
	if c.Cooldown > 0 {
		h.Cooldown = c.Cooldown
	}
	if c.MaxCooldown > 0 {
		h.MaxCooldown = c.MaxCooldown
	}
	if c.BackoffMultiplier > 0 {
		h.BackoffMultiplier = c.BackoffMultiplier
	}
	if c.MaxEntries > 0 {
		h.MaxEntries = c.MaxEntries
	}
	if c.IdleTTL > 0 {
		h.IdleTTL = c.IdleTTL
	}
	h.OnStateChange = s.metricsCollector.RecordEndpointTransition
	return h
}

// buildDirectory 本地路由表优先，解析失败时回退到路由服务
func (s *Server) buildDirectory() (routing.Directory, error) {
	var dirs []routing.Directory

	if s.cfg.Database.Driver != "" {
		pm, err := openRoutingDatabase(s.cfg.Database, s.logger, func(open, idle int) {
			s.metricsCollector.RecordDBConnections("routes", open, idle)
		})
		if err != nil {
			return nil, err
		}
		s.routesDB = pm

		if err := database.Instrument(pm.DB(), func(op string, d time.Duration) {
			s.metricsCollector.RecordDBQuery("routes", op, d)
		}); err != nil {
			return nil, err
		}

		table := routing.NewTableDirectory(pm.DB(), s.logger).WithTransactor(pm.InTransaction)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := table.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate routing table: %w", err)
		}
		dirs = append(dirs, table)
	}

	if s.cfg.Routing.URL != "" {
		policy := retry.DefaultPolicy()
		policy.MaxRetries = s.cfg.Routing.MaxRetries
		dirs = append(dirs, routing.NewHTTPDirectory(routing.HTTPDirectoryConfig{
			URL:     s.cfg.Routing.URL,
			Timeout: s.cfg.Routing.Timeout,
			Retry:   policy,
		}, s.logger))
	}

	if len(dirs) == 1 {
		return dirs[0], nil
	}
	return routing.NewChainDirectory(s.logger, dirs...), nil
}

func (s *Server) resolverConfig() (routing.ResolverConfig, error) {
	rc := routing.ResolverConfig{
		PageSize:        s.cfg.Routing.PageSize,
		VirtualNetworks: make(map[string][]types.Stream, len(s.cfg.VirtualNetworks)),
		Endpoints:       make(map[string][]string),
		Limits:          make(map[string]routing.Limits),
	}
	for code, patterns := range s.cfg.VirtualNetworks {
		members := make([]types.Stream, 0, len(patterns))
		for _, p := range patterns {
			st, err := types.ParseStreamPattern(p)
			if err != nil {
				return rc, fmt.Errorf("virtual_networks.%s: %w", code, err)
			}
			members = append(members, st)
		}
		rc.VirtualNetworks[code] = members
	}
	for name, res := range s.cfg.Resources {
		if len(res.Endpoints) > 0 {
			rc.Endpoints[name] = res.Endpoints
		}
		rc.Limits[name] = routing.Limits{
			MaxEpochDuration: res.MaxEpochDuration,
			MaxTotalDuration: res.MaxTotalDuration,
		}
	}
	return rc, nil
}

// buildCache 缓存后端不可用时只告警，网关继续以无缓存方式服务
func (s *Server) buildCache() *cache.Gateway {
	c := s.cfg.Cache
	var store cache.Store

	memory := func() cache.Store { return cache.NewMemoryStore(c.MemoryEntries, c.MemoryBytes) }
	redisStore := func() cache.Store {
		r := s.cfg.Redis
		mgr, err := icache.NewManager(icache.Config{
			Addr:                r.Addr,
			Password:            r.Password,
			DB:                  r.DB,
			KeyPrefix:           r.KeyPrefix,
			DefaultTTL:          c.TTL,
			MaxRetries:          3,
			PoolSize:            r.PoolSize,
			MinIdleConns:        r.MinIdleConns,
			TLS:                 r.TLS,
			HealthCheckInterval: 30 * time.Second,
		}, s.logger)
		if err != nil {
			s.logger.Warn("redis unavailable, shared result cache disabled", zap.Error(err))
			return nil
		}
		s.cacheManager = mgr
		return cache.NewRedisStore(mgr, s.logger)
	}

	switch c.Backend {
	case config.CacheBackendMemory:
		store = memory()
	case config.CacheBackendRedis:
		store = redisStore()
	case config.CacheBackendTiered:
		if l2 := redisStore(); l2 != nil {
			store = cache.NewTieredStore(memory(), l2, c.MemoryTTL, s.logger)
		} else {
			store = memory()
		}
	}
	if store == nil {
		return cache.NewGateway(nil, nil, cache.GatewayConfig{}, s.metricsCollector, s.logger)
	}

	s.cacheWorkers = pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers:  c.Workers,
		QueueSize:   c.QueueSize,
		IdleTimeout: 30 * time.Second,
		OnError: func(err error) {
			s.logger.Warn("cache store task failed", zap.Error(err))
		},
	})
	return cache.NewGateway(store, s.cacheWorkers, cache.GatewayConfig{
		TTL:          c.TTL,
		StoreTimeout: c.StoreTimeout,
		Granularity:  c.Granularity,
		MaxEntrySize: c.MaxEntrySize,
	}, s.metricsCollector, s.logger)
}

func (s *Server) sessionConfig(resources []string) (session.Config, error) {
	b := s.cfg.Buffer
	cfg := session.Config{
		SpoolDir:      b.SpoolDir,
		SessionMemory: b.SessionMemory,
		StreamTimeout: b.StreamTimeout,
		Resources:     make(map[string]session.ResourceConfig, len(resources)),
	}
	if b.GlobalMemory > 0 {
		cfg.Budget = spool.NewBudget(b.GlobalMemory)
	}

	for _, name := range resources {
		rc := s.cfg.Resources[name]
		policy, err := merge.ParseFailurePolicy(rc.MergePolicy)
		if err != nil {
			return cfg, fmt.Errorf("resources.%s: %w", name, err)
		}
		cfg.Resources[name] = session.ResourceConfig{
			Dispatch: dispatch.Config{
				FanOutWidth:    rc.FanOutWidth,
				GranuleTimeout: rc.GranuleTimeout,
				SplitFactor:    rc.SplitFactor,
				MaxSplitDepth:  rc.MaxSplitDepth,
			},
			Split: split.Policy{
				SliceDuration:        rc.SliceDuration,
				MaxStreamsPerGranule: rc.MaxStreamsPerGranule,
				MaxGranules:          rc.MaxGranules,
				GetMaxSelectors:      rc.GetMaxSelectors,
			},
			Policy: policy,
			Framer: merge.FramerOptions{
				Overlap:     merge.OverlapPolicy(rc.OverlapPolicy),
				Source:      s.cfg.Service.Source,
				Sender:      s.cfg.Service.Sender,
				MaxBuffered: b.MergeMemory,
			},
		}
	}
	return cfg, nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers(resources []string) {
	info := handlers.ServiceInfo{
		DocumentationURL: s.cfg.Service.DocumentationURL,
		Version:          Version,
	}
	for _, name := range resources {
		s.fdsnHandlers = append(s.fdsnHandlers,
			handlers.NewFDSNHandler(name, s.engine, info, s.cfg.Server.MaxBodyBytes, s.logger))
	}

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.SetEndpointSource(s.tracker)
	s.healthHandler.SetVersion(api.VersionInfo{
		Service:   "fedgate",
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		Resources: resources,
	})
	if s.routesDB != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("routing_database", s.routesDB.Ping))
	}
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cacheManager.Ping))
	}

	s.logger.Info("Handlers initialized", zap.Int("fdsn_services", len(s.fdsnHandlers)))
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动后台任务与所有服务
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tracker.Run(s.background)
	}()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if s.cfg.Server.MetricsPort > 0 {
		if err := s.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// Handler 返回带完整中间件链的 API handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	for _, h := range s.fdsnHandlers {
		h.Register(mux)
	}
	s.healthHandler.Register(mux)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(s.background, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, opsPaths, s.logger),
	)
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	serverConfig := server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(s.Handler(), serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.String("addr", s.httpManager.Addr()))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	serverConfig := server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.String("addr", s.metricsManager.Addr()))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// httpManager.WaitForShutdown 监听信号并关闭 API 服务器
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务。
// 顺序：API 服务器（在途会话完成或被中止）→ Metrics → 后台任务 → 缓存写入 → 外部连接 → 遥测
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 关闭 API 服务器，超时后在途会话被取消并清理溢出文件
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 停止后台任务
	s.cancelBackground()
	s.wg.Wait()

	// 4. 等待缓存写入完成并关闭外部连接
	s.closeComponents()

	// 5. 刷新遥测数据
	if s.otel != nil {
		tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.otel.Shutdown(tctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

func (s *Server) closeComponents() {
	if s.cacheWorkers != nil {
		dctx, cancel := context.WithTimeout(context.Background(), s.cfg.Cache.StoreTimeout)
		if err := s.cacheWorkers.Drain(dctx); err != nil {
			s.logger.Warn("cache writes still pending at shutdown", zap.Error(err))
		}
		cancel()
		s.cacheWorkers.Close()
		s.cacheWorkers = nil
	}
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
		s.cacheManager = nil
	}
	if s.routesDB != nil {
		if err := s.routesDB.Close(); err != nil {
			s.logger.Error("Routing database close error", zap.Error(err))
		}
		s.routesDB = nil
	}
}
