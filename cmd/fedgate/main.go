// =============================================================================
// fedgate 主入口
// =============================================================================
// FDSN 联邦网关服务入口，包含 HTTP 服务、健康检查、Prometheus 指标
//
// 使用方法:
//
//	fedgate serve                                  # 启动服务
//	fedgate serve --config config.yaml             # 指定配置文件
//	fedgate version                                # 显示版本信息
//	fedgate health                                 # 健康检查
//	fedgate routes load --file routes.txt          # 导入路由表
//	fedgate routes count --resource dataselect     # 查看路由表条目数
// =============================================================================

// @title fedgate FDSN federation gateway
// @version 1.0.0
// @description Federating gateway for FDSN dataselect, station and availability services.
// @description
// @description ## Features
// @description - Stream resolution through a StationLite routing service or a local routing table
// @description - Bounded fan-out to upstream data centres with endpoint health tracking
// @description - Ordered, format-aware merging of miniSEED, StationXML and text responses
// @description - Completion status reported through HTTP trailers

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/fedgate/config"
	"github.com/BaSui01/fedgate/federator/routing"
	"github.com/BaSui01/fedgate/internal/database"
	"github.com/BaSui01/fedgate/internal/telemetry"
	"github.com/BaSui01/fedgate/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "routes":
		runRoutes(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting fedgate",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.Strings("resources", cfg.EnabledResources()),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, telemetry.Build{
		Version:   Version,
		Resources: cfg.EnabledResources(),
	}, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	server, err := NewServer(cfg, logger, otelProviders)
	if err != nil {
		logger.Fatal("Failed to build server", zap.Error(err))
	}

	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	server.WaitForShutdown()

	logger.Info("fedgate stopped")
}

// =============================================================================
// 🗺️ routes 命令
// =============================================================================

func runRoutes(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: fedgate routes <load|count> [options]")
		os.Exit(1)
	}

	sub := args[0]
	fs := flag.NewFlagSet("routes "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	resource := fs.String("resource", types.ResourceDataselect, "Resource the routes serve")
	file := fs.String("file", "", "Routing table in POST format (load only, - for stdin)")
	_ = fs.Parse(args[1:])

	if len(types.SupportedFormats(*resource)) == 0 {
		fmt.Fprintf(os.Stderr, "Unknown resource: %s\n", *resource)
		os.Exit(1)
	}

	cfg := mustLoadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	pm, err := openRoutingDatabase(cfg.Database, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open routing database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = pm.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	table := routing.NewTableDirectory(pm.DB(), logger).WithTransactor(pm.InTransaction)
	if err := table.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to migrate routing table: %v\n", err)
		os.Exit(1)
	}

	switch sub {
	case "load":
		if err := loadRoutes(ctx, table, *resource, *file); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load routes: %v\n", err)
			os.Exit(1)
		}
	case "count":
		n, err := table.Count(ctx, *resource)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to count routes: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s: %d routes\n", *resource, n)
	default:
		fmt.Fprintf(os.Stderr, "Unknown routes subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func loadRoutes(ctx context.Context, table *routing.TableDirectory, resource, path string) error {
	if path == "" {
		return fmt.Errorf("--file is required")
	}
	in := os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	routes, err := routing.ParsePostFormat(in)
	if err != nil {
		return err
	}
	n, err := table.Replace(ctx, resource, routes)
	if err != nil {
		return err
	}
	fmt.Printf("%s: loaded %d routes\n", resource, n)
	return nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	ready := fs.Bool("ready", false, "Check readiness instead of liveness")
	_ = fs.Parse(args)

	path := "/health"
	if *ready {
		path = "/ready"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("fedgate %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`fedgate - FDSN federation gateway

Usage:
  fedgate <command> [options]

Commands:
  serve     Start the gateway
  routes    Manage the local routing table
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Routes subcommands:
  routes load  --file <path> [--resource r]   Replace the routes of a resource
  routes count [--resource r]                 Show the number of stored routes

Examples:
  fedgate serve
  fedgate serve --config /etc/fedgate/config.yaml
  fedgate routes load --config config.yaml --resource station --file routes.txt
  fedgate health --addr http://localhost:8080 --ready
  fedgate version`)
}

// =============================================================================
// 🔧 配置与日志初始化
// =============================================================================

func mustLoadConfig(path string) *config.Config {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		Encoding:          "json",
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}

// openRoutingDatabase 打开路由表数据库
func openRoutingDatabase(dbCfg config.DatabaseConfig, logger *zap.Logger, onStats func(open, idle int)) (*database.RouteStore, error) {
	if dbCfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}

	db, err := database.Open(dbCfg.Driver, dbCfg.DSN(), logger)
	if err != nil {
		return nil, err
	}

	storeCfg := database.DefaultStoreConfig()
	if dbCfg.MaxOpenConns > 0 {
		storeCfg.MaxOpenConns = dbCfg.MaxOpenConns
	}
	if dbCfg.MaxIdleConns > 0 {
		storeCfg.MaxIdleConns = dbCfg.MaxIdleConns
	}
	if dbCfg.ConnMaxLifetime > 0 {
		storeCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	}
	storeCfg.OnStats = onStats

	pm, err := database.NewRouteStore(db, storeCfg, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Routing database connected", zap.String("driver", dbCfg.Driver))
	return pm, nil
}
