// =============================================================================
// 📦 fedgate 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// 缓存后端
const (
	CacheBackendNone   = "none"
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
	CacheBackendTiered = "tiered"
)

// 资源类别，与 FDSN 服务名一致；wfcatalog 为 EIDA 扩展服务
const (
	ResourceDataselect   = "dataselect"
	ResourceStation      = "station"
	ResourceAvailability = "availability"
	ResourceWFCatalog    = "wfcatalog"
)

var (
	resourceOrder  = []string{ResourceDataselect, ResourceStation, ResourceAvailability, ResourceWFCatalog}
	knownResources = map[string]bool{
		ResourceDataselect: true, ResourceStation: true, ResourceAvailability: true, ResourceWFCatalog: true,
	}
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:          DefaultServerConfig(),
		Service:         DefaultServiceConfig(),
		Log:             DefaultLogConfig(),
		Telemetry:       DefaultTelemetryConfig(),
		Redis:           DefaultRedisConfig(),
		Database:        DefaultDatabaseConfig(),
		Routing:         DefaultRoutingConfig(),
		Upstream:        DefaultUpstreamConfig(),
		Health:          DefaultHealthConfig(),
		Buffer:          DefaultBufferConfig(),
		Cache:           DefaultCacheConfig(),
		Resources:       DefaultResources(),
		VirtualNetworks: map[string][]string{},
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
		MaxBodyBytes:    1 << 20,
	}
}

// DefaultServiceConfig 返回默认服务信息
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Source:           "fedgate",
		Sender:           "fedgate",
		DocumentationURL: "https://www.fdsn.org/webservices/",
		UserAgent:        "fedgate",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "fedgate",
		SampleRate:   0.1,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		KeyPrefix:    "fedgate:",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置。Driver 为空，不启用路由表。
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "",
		Host:            "localhost",
		Port:            5432,
		User:            "fedgate",
		Password:        "",
		Name:            "fedgate",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRoutingConfig 返回默认路由目录配置
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		URL:        "http://localhost:8000/eidaws/routing/1/query",
		Timeout:    30 * time.Second,
		MaxRetries: 2,
		PageSize:   1000,
	}
}

// DefaultUpstreamConfig 返回默认上游连接配置
func DefaultUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		MaxConns:              360,
		MaxConnsPerHost:       20,
		ConnectTimeout:        10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
}

// DefaultHealthConfig 返回默认端点健康配置
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		WindowSize:        20,
		FailureThreshold:  5,
		Window:            time.Minute,
		Cooldown:          30 * time.Second,
		MaxCooldown:       10 * time.Minute,
		BackoffMultiplier: 2,
		MaxEntries:        4096,
		IdleTTL:           time.Hour,
	}
}

// DefaultBufferConfig 返回默认缓冲配置
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		SpoolDir:      "",
		SessionMemory: 64 << 20,
		GlobalMemory:  0,
		StreamTimeout: 600 * time.Second,
		MergeMemory:   8 << 20,
	}
}

// DefaultCacheConfig 返回默认结果缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Backend:       CacheBackendNone,
		TTL:           300 * time.Second,
		MaxEntrySize:  32 << 20,
		MemoryEntries: 1024,
		MemoryBytes:   256 << 20,
		MemoryTTL:     time.Minute,
		Granularity:   0,
		StoreTimeout:  10 * time.Second,
		Workers:       4,
		QueueSize:     64,
	}
}

// DefaultResources 返回各资源类别的默认参数，wfcatalog 默认关闭
func DefaultResources() map[string]ResourceConfig {
	enabled := func() *bool { v := true; return &v }
	disabled := func() *bool { v := false; return &v }
	return map[string]ResourceConfig{
		ResourceDataselect: {
			Name:             ResourceDataselect,
			Enabled:          enabled(),
			PoolSize:         120,
			FanOutWidth:      4,
			GranuleTimeout:   30 * time.Second,
			MergePolicy:      "auto",
			OverlapPolicy:    "prefer-first",
			MaxEpochDuration: 0,
			SliceDuration:    24 * time.Hour,
			GetMaxSelectors:  1,
			SplitFactor:      2,
			MaxSplitDepth:    3,
		},
		ResourceStation: {
			Name:                 ResourceStation,
			Enabled:              enabled(),
			PoolSize:             120,
			FanOutWidth:          4,
			GranuleTimeout:       60 * time.Second,
			MergePolicy:          "auto",
			OverlapPolicy:        "prefer-first",
			MaxStreamsPerGranule: 100,
			GetMaxSelectors:      1,
			SplitFactor:          2,
		},
		ResourceAvailability: {
			Name:                 ResourceAvailability,
			Enabled:              enabled(),
			PoolSize:             120,
			FanOutWidth:          4,
			GranuleTimeout:       30 * time.Second,
			MergePolicy:          "auto",
			OverlapPolicy:        "prefer-first",
			MaxStreamsPerGranule: 100,
			GetMaxSelectors:      1,
			SplitFactor:          2,
		},
		ResourceWFCatalog: {
			Name:            ResourceWFCatalog,
			Enabled:         disabled(),
			PoolSize:        60,
			FanOutWidth:     4,
			GranuleTimeout:  60 * time.Second,
			MergePolicy:     "auto",
			OverlapPolicy:   "prefer-first",
			SliceDuration:   24 * time.Hour,
			GetMaxSelectors: 1,
			SplitFactor:     2,
		},
	}
}
