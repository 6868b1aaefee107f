// =============================================================================
// 📦 fedgate 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("FEDGATE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 fedgate 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Service 对外呈现的服务信息
	Service ServiceConfig `yaml:"service" env:"SERVICE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Redis 结果缓存后端
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 路由表数据库
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Routing 路由目录
	Routing RoutingConfig `yaml:"routing" env:"ROUTING"`

	// Upstream 上游数据中心连接
	Upstream UpstreamConfig `yaml:"upstream" env:"UPSTREAM"`

	// Health 端点健康跟踪
	Health HealthConfig `yaml:"health" env:"HEALTH"`

	// Buffer 分片缓冲与溢出
	Buffer BufferConfig `yaml:"buffer" env:"BUFFER"`

	// Cache 结果缓存
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Resources 资源类别 -> 参数。只能通过 YAML 配置。
	Resources map[string]ResourceConfig `yaml:"resources"`

	// VirtualNetworks 虚拟网络代码 -> 成员流模式（NET.STA.LOC.CHA）
	VirtualNetworks map[string][]string `yaml:"virtual_networks"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时，0 表示不限（流式响应由会话超时控制）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 空闲连接超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端 IP 的请求速率
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许的跨域来源，为空表示允许全部
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// POST 请求体上限
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// ServiceConfig 对外呈现的服务信息
type ServiceConfig struct {
	// StationXML Source 元素
	Source string `yaml:"source" env:"SOURCE"`
	// StationXML Sender 元素
	Sender string `yaml:"sender" env:"SENDER"`
	// 错误文档中的文档地址
	DocumentationURL string `yaml:"documentation_url" env:"DOCUMENTATION_URL"`
	// 上游请求的 User-Agent
	UserAgent string `yaml:"user_agent" env:"USER_AGENT"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 路由表数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite，为空表示不使用路由表
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名，sqlite 时为文件路径
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RoutingConfig 路由目录配置
type RoutingConfig struct {
	// StationLite 风格路由服务地址，为空表示只使用路由表
	URL string `yaml:"url" env:"URL"`
	// 单次请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 传输错误重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 每次提交给路由目录的选择器数
	PageSize int `yaml:"page_size" env:"PAGE_SIZE"`
}

// UpstreamConfig 上游数据中心连接配置
type UpstreamConfig struct {
	// 全部主机的连接上限
	MaxConns int `yaml:"max_conns" env:"MAX_CONNS"`
	// 单个数据中心的连接上限
	MaxConnsPerHost int `yaml:"max_conns_per_host" env:"MAX_CONNS_PER_HOST"`
	// 建连超时
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	// 等待响应头超时
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout" env:"RESPONSE_HEADER_TIMEOUT"`
	// 限速代理地址，为空表示直连
	ProxyURL string `yaml:"proxy_url" env:"PROXY_URL"`
}

// HealthConfig 端点健康跟踪配置
type HealthConfig struct {
	// 滑动窗口保留的最近结果数
	WindowSize int `yaml:"window_size" env:"WINDOW_SIZE"`
	// 窗口内失败次数超过该值时排除端点，0 表示首次失败即排除
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// 窗口周期
	Window time.Duration `yaml:"window" env:"WINDOW"`
	// 首次排除的冷却时长
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	// 冷却时长上限
	MaxCooldown time.Duration `yaml:"max_cooldown" env:"MAX_COOLDOWN"`
	// 连续排除时冷却时长的倍数
	BackoffMultiplier float64 `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	// 记录数上限
	MaxEntries int `yaml:"max_entries" env:"MAX_ENTRIES"`
	// 空闲记录回收时间
	IdleTTL time.Duration `yaml:"idle_ttl" env:"IDLE_TTL"`
}

// BufferConfig 分片缓冲配置
type BufferConfig struct {
	// 溢出文件目录，为空表示系统临时目录
	SpoolDir string `yaml:"spool_dir" env:"SPOOL_DIR"`
	// 单个会话的内存上限
	SessionMemory int64 `yaml:"session_memory" env:"SESSION_MEMORY"`
	// 进程级内存上限，0 表示只按会话限制
	GlobalMemory int64 `yaml:"global_memory" env:"GLOBAL_MEMORY"`
	// 单个会话的最长处理时间
	StreamTimeout time.Duration `yaml:"stream_timeout" env:"STREAM_TIMEOUT"`
	// 合并 StationXML 时一个分组最多累积的字节数，超过后提前写出
	MergeMemory int64 `yaml:"merge_memory" env:"MERGE_MEMORY"`
}

// CacheConfig 结果缓存配置
type CacheConfig struct {
	// 后端: none, memory, redis, tiered
	Backend string `yaml:"backend" env:"BACKEND"`
	// 条目有效期
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 可缓存的最大输出
	MaxEntrySize int64 `yaml:"max_entry_size" env:"MAX_ENTRY_SIZE"`
	// 内存层条目数上限
	MemoryEntries int `yaml:"memory_entries" env:"MEMORY_ENTRIES"`
	// 内存层字节上限
	MemoryBytes int64 `yaml:"memory_bytes" env:"MEMORY_BYTES"`
	// 内存层有效期（tiered）
	MemoryTTL time.Duration `yaml:"memory_ttl" env:"MEMORY_TTL"`
	// 指纹时间粒度，0 表示精确匹配
	Granularity time.Duration `yaml:"granularity" env:"GRANULARITY"`
	// 异步写入超时
	StoreTimeout time.Duration `yaml:"store_timeout" env:"STORE_TIMEOUT"`
	// 异步写入的工作协程数
	Workers int `yaml:"workers" env:"WORKERS"`
	// 异步写入队列长度
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// ResourceConfig 单个资源类别的参数
type ResourceConfig struct {
	// 资源名，由 map 键填充
	Name string `yaml:"-"`
	// 是否对外提供，未设置时沿用默认值
	Enabled *bool `yaml:"enabled"`
	// 允许的端点，为空表示不限制
	Endpoints []string `yaml:"endpoints"`
	// 资源类别连接池大小
	PoolSize int `yaml:"pool_size"`
	// 单个会话同时在途的分片数
	FanOutWidth int `yaml:"fan_out_width"`
	// 单个分片超时
	GranuleTimeout time.Duration `yaml:"granule_timeout"`
	// 合并策略: auto, strict, best-effort
	MergePolicy string `yaml:"merge_policy"`
	// 重叠策略: prefer-first, reject
	OverlapPolicy string `yaml:"overlap_policy"`
	// 单个流时段的最大时长
	MaxEpochDuration time.Duration `yaml:"max_epoch_duration"`
	// 全部流时段的总时长上限
	MaxTotalDuration time.Duration `yaml:"max_total_duration"`
	// 波形数据单个分片的最大时长
	SliceDuration time.Duration `yaml:"slice_duration"`
	// 元数据单个分片的流时段数上限
	MaxStreamsPerGranule int `yaml:"max_streams_per_granule"`
	// 分片总数上限
	MaxGranules int `yaml:"max_granules"`
	// 选择器数不超过该值时使用 GET
	GetMaxSelectors int `yaml:"get_max_selectors"`
	// 上游 413 时的切分份数
	SplitFactor int `yaml:"split_factor"`
	// 上游 413 时的最大切分层数
	MaxSplitDepth int `yaml:"max_split_depth"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "FEDGATE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	cfg.normalizeResources()

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证服务器配置
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}

	// 验证缓存与数据库
	switch c.Cache.Backend {
	case "", CacheBackendNone, CacheBackendMemory, CacheBackendRedis, CacheBackendTiered:
	default:
		errs = append(errs, fmt.Sprintf("unknown cache backend %q", c.Cache.Backend))
	}
	switch c.Database.Driver {
	case "", "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}
	if c.Routing.URL == "" && c.Database.Driver == "" {
		errs = append(errs, "either routing.url or database.driver must be configured")
	}
	if c.Health.FailureThreshold < 0 {
		errs = append(errs, "health.failure_threshold must not be negative")
	}
	if c.Buffer.StreamTimeout <= 0 {
		errs = append(errs, "buffer.stream_timeout must be positive")
	}

	// 验证资源配置
	for name, rc := range c.Resources {
		if !knownResources[name] {
			errs = append(errs, fmt.Sprintf("unknown resource %q", name))
			continue
		}
		switch rc.MergePolicy {
		case "", "auto", "strict", "best-effort":
		default:
			errs = append(errs, fmt.Sprintf("resources.%s.merge_policy: unknown policy %q", name, rc.MergePolicy))
		}
		switch rc.OverlapPolicy {
		case "", "prefer-first", "reject":
		default:
			errs = append(errs, fmt.Sprintf("resources.%s.overlap_policy: unknown policy %q", name, rc.OverlapPolicy))
		}
		if rc.PoolSize < 0 || rc.FanOutWidth < 0 || rc.MaxGranules < 0 {
			errs = append(errs, fmt.Sprintf("resources.%s: sizes must not be negative", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// EnabledResources 返回已启用的资源名（有序）
func (c *Config) EnabledResources() []string {
	var out []string
	for _, name := range resourceOrder {
		if rc, ok := c.Resources[name]; ok && rc.IsEnabled() {
			out = append(out, name)
		}
	}
	return out
}

// normalizeResources 用默认值补齐 YAML 中只写了部分字段的资源
func (c *Config) normalizeResources() {
	defaults := DefaultResources()
	if c.Resources == nil {
		c.Resources = defaults
		return
	}
	for name, rc := range c.Resources {
		def, ok := defaults[name]
		if !ok {
			rc.Name = name
			c.Resources[name] = rc
			continue
		}
		c.Resources[name] = mergeResource(def, rc)
	}
}

// IsEnabled 资源是否对外提供
func (r ResourceConfig) IsEnabled() bool {
	return r.Enabled != nil && *r.Enabled
}

func mergeResource(def, rc ResourceConfig) ResourceConfig {
	if rc.Enabled == nil {
		rc.Enabled = def.Enabled
	}
	if rc.PoolSize == 0 {
		rc.PoolSize = def.PoolSize
	}
	if rc.FanOutWidth == 0 {
		rc.FanOutWidth = def.FanOutWidth
	}
	if rc.GranuleTimeout == 0 {
		rc.GranuleTimeout = def.GranuleTimeout
	}
	if rc.MergePolicy == "" {
		rc.MergePolicy = def.MergePolicy
	}
	if rc.OverlapPolicy == "" {
		rc.OverlapPolicy = def.OverlapPolicy
	}
	if rc.SliceDuration == 0 {
		rc.SliceDuration = def.SliceDuration
	}
	if rc.MaxStreamsPerGranule == 0 {
		rc.MaxStreamsPerGranule = def.MaxStreamsPerGranule
	}
	if rc.GetMaxSelectors == 0 {
		rc.GetMaxSelectors = def.GetMaxSelectors
	}
	if rc.SplitFactor == 0 {
		rc.SplitFactor = def.SplitFactor
	}
	if rc.MaxSplitDepth == 0 {
		rc.MaxSplitDepth = def.MaxSplitDepth
	}
	rc.Name = def.Name
	return rc
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
